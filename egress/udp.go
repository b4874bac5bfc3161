package egress

import (
	"context"
	"net"
	"net/netip"
	"sync/atomic"

	"github.com/FerroO2000/uniring/internal"
	"github.com/FerroO2000/uniring/internal/config"
)

//////////////
//  CONFIG  //
//////////////

// Default values for the UDP egress stage configuration.
const (
	DefaultUDPConfigIPAddr    = "127.0.0.1"
	DefaultUDPConfigPort      = 20_000
	DefaultUDPConfigBatchSize = 64
)

// UDPConfig structs contains the configuration for the UDP egress stage.
type UDPConfig struct {
	// IPAddr is the destination IP address.
	IPAddr string

	// Port is the destination port.
	Port uint16

	// BatchSize is the largest number of messages sent at once.
	//
	// Default: 64
	BatchSize int
}

// NewUDPConfig returns the default configuration for the UDP egress stage.
func NewUDPConfig() *UDPConfig {
	return &UDPConfig{
		IPAddr:    DefaultUDPConfigIPAddr,
		Port:      DefaultUDPConfigPort,
		BatchSize: DefaultUDPConfigBatchSize,
	}
}

func (c *UDPConfig) batchSize() int {
	return c.BatchSize
}

// Validate checks the configuration.
func (c *UDPConfig) Validate(ac *config.AnomalyCollector) {
	config.CheckNotEmpty(ac, "IPAddr", &c.IPAddr, DefaultUDPConfigIPAddr)
	config.CheckNotZero(ac, "Port", &c.Port, DefaultUDPConfigPort)

	config.CheckNotZero(ac, "BatchSize", &c.BatchSize, DefaultUDPConfigBatchSize)
	config.CheckNotNegative(ac, "BatchSize", &c.BatchSize, DefaultUDPConfigBatchSize)
}

////////////
//  SINK  //
////////////

var _ sink = (*udpSink)(nil)

type udpSink struct {
	tel *internal.Telemetry
	cfg *UDPConfig

	conn *net.UDPConn

	// Metrics
	deliveredMessages atomic.Int64
	deliveredBytes    atomic.Int64
}

func newUDPSink(cfg *UDPConfig) *udpSink {
	return &udpSink{
		cfg: cfg,
	}
}

func (us *udpSink) setTelemetry(tel *internal.Telemetry) {
	us.tel = tel
}

func (us *udpSink) init(_ context.Context) error {
	parsedAddr, err := netip.ParseAddr(us.cfg.IPAddr)
	if err != nil {
		return err
	}
	addr := net.UDPAddrFromAddrPort(netip.AddrPortFrom(parsedAddr, us.cfg.Port))

	conn, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		return err
	}

	us.conn = conn

	us.tel.NewCounter("delivered_messages", func() int64 { return us.deliveredMessages.Load() })
	us.tel.NewCounter("delivered_bytes", func() int64 { return us.deliveredBytes.Load() })

	return nil
}

func (us *udpSink) deliver(_ context.Context, payloads [][]byte) error {
	for _, payload := range payloads {
		deliveredBytes, err := us.conn.Write(payload)
		if err != nil {
			return err
		}

		us.deliveredMessages.Add(1)
		us.deliveredBytes.Add(int64(deliveredBytes))
	}

	return nil
}

func (us *udpSink) close() {
	if us.conn != nil {
		us.conn.Close()
	}
}

/////////////
//  STAGE  //
/////////////

// UDPStage sends every message as a datagram.
type UDPStage struct {
	*stage
}

// NewUDPStage returns a new UDP egress stage.
func NewUDPStage(input receiver, cfg *UDPConfig) *UDPStage {
	return &UDPStage{
		stage: newStage("udp", newUDPSink(cfg), input, cfg),
	}
}
