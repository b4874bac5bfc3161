package egress

import (
	"context"
	"net"
	"net/netip"
	"sync/atomic"
	"time"

	"github.com/FerroO2000/uniring/internal"
	"github.com/FerroO2000/uniring/internal/config"
)

//////////////
//  CONFIG  //
//////////////

// Default values for the TCP egress stage configuration.
const (
	DefaultTCPConfigIPAddr       = "127.0.0.1"
	DefaultTCPConfigPort         = 20_000
	DefaultTCPConfigWriteTimeout = 10 * time.Second
	DefaultTCPConfigBatchSize    = 64
)

// DefaultTCPConfigDelimiter is the default delimiter written after every message.
var DefaultTCPConfigDelimiter = []byte("\n")

// TCPConfig structs contains the configuration for the TCP egress stage.
type TCPConfig struct {
	// IPAddr is the destination IP address.
	//
	// Default: 127.0.0.1
	IPAddr string

	// Port is the destination port.
	//
	// Default: 20_000
	Port uint16

	// WriteTimeout is the timeout for writing a batch to the connection.
	//
	// Default: 10s
	WriteTimeout time.Duration

	// Delimiter is written after every message.
	//
	// Default: "\n"
	Delimiter []byte

	// BatchSize is the largest number of messages written at once.
	//
	// Default: 64
	BatchSize int
}

// NewTCPConfig returns the default configuration for the TCP egress stage.
func NewTCPConfig() *TCPConfig {
	return &TCPConfig{
		IPAddr:       DefaultTCPConfigIPAddr,
		Port:         DefaultTCPConfigPort,
		WriteTimeout: DefaultTCPConfigWriteTimeout,
		Delimiter:    DefaultTCPConfigDelimiter,
		BatchSize:    DefaultTCPConfigBatchSize,
	}
}

func (c *TCPConfig) batchSize() int {
	return c.BatchSize
}

// Validate checks the configuration.
func (c *TCPConfig) Validate(ac *config.AnomalyCollector) {
	config.CheckNotEmpty(ac, "IPAddr", &c.IPAddr, DefaultTCPConfigIPAddr)
	config.CheckNotZero(ac, "Port", &c.Port, DefaultTCPConfigPort)

	config.CheckNotZero(ac, "WriteTimeout", &c.WriteTimeout, DefaultTCPConfigWriteTimeout)
	config.CheckNotNegative(ac, "WriteTimeout", &c.WriteTimeout, DefaultTCPConfigWriteTimeout)

	config.CheckLen(ac, "Delimiter", &c.Delimiter, DefaultTCPConfigDelimiter)

	config.CheckNotZero(ac, "BatchSize", &c.BatchSize, DefaultTCPConfigBatchSize)
	config.CheckNotNegative(ac, "BatchSize", &c.BatchSize, DefaultTCPConfigBatchSize)
}

////////////
//  SINK  //
////////////

var _ sink = (*tcpSink)(nil)

type tcpSink struct {
	tel *internal.Telemetry
	cfg *TCPConfig

	conn *net.TCPConn

	// Metrics
	deliveredMessages atomic.Int64
	deliveredBytes    atomic.Int64
}

func newTCPSink(cfg *TCPConfig) *tcpSink {
	return &tcpSink{
		cfg: cfg,
	}
}

func (ts *tcpSink) setTelemetry(tel *internal.Telemetry) {
	ts.tel = tel
}

func (ts *tcpSink) init(_ context.Context) error {
	parsedAddr, err := netip.ParseAddr(ts.cfg.IPAddr)
	if err != nil {
		return err
	}
	addr := net.TCPAddrFromAddrPort(netip.AddrPortFrom(parsedAddr, ts.cfg.Port))

	conn, err := net.DialTCP("tcp", nil, addr)
	if err != nil {
		return err
	}

	ts.conn = conn

	ts.tel.NewCounter("delivered_messages", func() int64 { return ts.deliveredMessages.Load() })
	ts.tel.NewCounter("delivered_bytes", func() int64 { return ts.deliveredBytes.Load() })

	return nil
}

// deliver writes the whole batch with a single vectored write.
func (ts *tcpSink) deliver(_ context.Context, payloads [][]byte) error {
	if err := ts.conn.SetWriteDeadline(time.Now().Add(ts.cfg.WriteTimeout)); err != nil {
		return err
	}

	buffers := make(net.Buffers, 0, 2*len(payloads))
	for _, payload := range payloads {
		buffers = append(buffers, payload, ts.cfg.Delimiter)
	}

	deliveredBytes, err := buffers.WriteTo(ts.conn)
	ts.deliveredBytes.Add(deliveredBytes)
	if err != nil {
		return err
	}

	ts.deliveredMessages.Add(int64(len(payloads)))

	return nil
}

func (ts *tcpSink) close() {
	if ts.conn != nil {
		ts.conn.Close()
	}
}

/////////////
//  STAGE  //
/////////////

// TCPStage writes every message to a TCP connection, followed by a delimiter.
type TCPStage struct {
	*stage
}

// NewTCPStage returns a new TCP egress stage.
func NewTCPStage(input receiver, cfg *TCPConfig) *TCPStage {
	return &TCPStage{
		stage: newStage("tcp", newTCPSink(cfg), input, cfg),
	}
}
