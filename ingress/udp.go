package ingress

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"sync/atomic"

	"github.com/FerroO2000/uniring/connector"
	"github.com/FerroO2000/uniring/internal"
	"github.com/FerroO2000/uniring/internal/config"
	"go.opentelemetry.io/otel/attribute"
)

const (
	udpPayloadSize = 65_507
)

//////////////
//  CONFIG  //
//////////////

// Default values for the UDP stage configuration.
const (
	DefaultUDPConfigIPAddr = "0.0.0.0"
	DefaultUDPConfigPort   = 20_000
)

// UDPConfig structs contains the configuration for the UDP stage.
type UDPConfig struct {
	// IPAddr is the IP address to listen on.
	IPAddr string

	// Port is the port to listen on. Zero picks a free port.
	Port uint16
}

// NewUDPConfig returns the default configuration for the UDP stage.
func NewUDPConfig() *UDPConfig {
	return &UDPConfig{
		IPAddr: DefaultUDPConfigIPAddr,
		Port:   DefaultUDPConfigPort,
	}
}

// Validate checks the configuration.
func (c *UDPConfig) Validate(ac *config.AnomalyCollector) {
	config.CheckNotEmpty(ac, "IPAddr", &c.IPAddr, DefaultUDPConfigIPAddr)
}

//////////////
//  SOURCE  //
//////////////

var _ source = (*udpSource)(nil)

type udpSource struct {
	tel *internal.Telemetry
	cfg *UDPConfig

	conn *net.UDPConn

	// Metrics
	receivedMessages atomic.Int64
	receivedBytes    atomic.Int64
	droppedMessages  atomic.Int64
}

func newUDPSource(cfg *UDPConfig) *udpSource {
	return &udpSource{
		cfg: cfg,
	}
}

func (us *udpSource) setTelemetry(tel *internal.Telemetry) {
	us.tel = tel
}

func (us *udpSource) init(_ context.Context) error {
	parsedAddr, err := netip.ParseAddr(us.cfg.IPAddr)
	if err != nil {
		return err
	}

	addr := net.UDPAddrFromAddrPort(netip.AddrPortFrom(parsedAddr, us.cfg.Port))
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return err
	}

	us.conn = conn

	us.tel.NewCounter("received_messages", func() int64 { return us.receivedMessages.Load() })
	us.tel.NewCounter("received_bytes", func() int64 { return us.receivedBytes.Load() })
	us.tel.NewCounter("dropped_messages", func() int64 { return us.droppedMessages.Load() })

	return nil
}

func (us *udpSource) run(ctx context.Context, out sender) {
	// Hacky method to close the connection when the context is done
	go func() {
		<-ctx.Done()
		us.conn.Close()
	}()

	buf := make([]byte, udpPayloadSize)

	for {
		n, err := us.conn.Read(buf)
		if err != nil {
			// Check if the connection is closed
			if errors.Is(err, net.ErrClosed) && ctx.Err() != nil {
				return
			}

			us.tel.LogError("failed to read connection", err)
			return
		}

		us.receivedMessages.Add(1)
		us.receivedBytes.Add(int64(n))

		if err := us.handleDatagram(ctx, out, buf[:n]); err != nil {
			if errors.Is(err, connector.ErrPayloadTooLarge) {
				us.droppedMessages.Add(1)
				continue
			}

			us.tel.LogError("failed to write datagram to output connector", err)
			return
		}
	}
}

func (us *udpSource) handleDatagram(ctx context.Context, out sender, payload []byte) error {
	// Create the trace for the incoming datagram
	ctx, span := us.tel.NewTrace(ctx, "receive UDP datagram")
	defer span.End()

	span.SetAttributes(attribute.Int("payload_size", len(payload)))

	return out.Write(ctx, payload)
}

func (us *udpSource) close() {
	if us.conn != nil {
		us.conn.Close()
	}
}

// addr returns the address the source listens on.
func (us *udpSource) addr() net.Addr {
	if us.conn == nil {
		return nil
	}
	return us.conn.LocalAddr()
}

/////////////
//  STAGE  //
/////////////

// UDPStage publishes every datagram received as a message.
type UDPStage struct {
	*stage

	source *udpSource
}

// NewUDPStage returns a new UDP stage.
func NewUDPStage(output connector.Sender, cfg *UDPConfig) *UDPStage {
	source := newUDPSource(cfg)

	return &UDPStage{
		stage: newStage("udp", source, output, cfg),

		source: source,
	}
}

// Addr returns the address the stage listens on, once initialized.
func (us *UDPStage) Addr() net.Addr {
	return us.source.addr()
}
