package ingress

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"net"
	"net/netip"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/FerroO2000/uniring/connector"
	"github.com/FerroO2000/uniring/internal"
	"github.com/FerroO2000/uniring/internal/config"
	"go.opentelemetry.io/otel/attribute"
)

//////////////
//  CONFIG  //
//////////////

// Default values for the TCP ingress stage configuration.
const (
	DefaultTCPConfigIPAddr         = "0.0.0.0"
	DefaultTCPConfigPort           = 20_000
	DefaultTCPConfigReadTimeout    = 10 * time.Second
	DefaultTCPConfigMaxMessageSize = 64 * 1024
	DefaultTCPConfigQueueSize      = 512
)

// DefaultTCPConfigDelimiter is the default delimiter between two messages.
var DefaultTCPConfigDelimiter = []byte("\n")

// TCPConfig structs contains the configuration for the TCP ingress stage.
type TCPConfig struct {
	// IPAddr is the IP address to listen on.
	IPAddr string

	// Port is the port to listen on. Zero picks a free port.
	Port uint16

	// ReadTimeout is the longest time a connection can stay silent
	// before it is closed.
	//
	// Default: 10s
	ReadTimeout time.Duration

	// MaxMessageSize is the size of the longest message accepted.
	// A connection sending a longer one is closed.
	//
	// Default: 64 KiB
	MaxMessageSize int

	// Delimiter separates two messages of the stream.
	//
	// Default: "\n"
	Delimiter []byte

	// QueueSize is the number of messages buffered between
	// the connections and the ring.
	//
	// Default: 512
	QueueSize int
}

// NewTCPConfig returns the default configuration for the TCP ingress stage.
func NewTCPConfig() *TCPConfig {
	return &TCPConfig{
		IPAddr:         DefaultTCPConfigIPAddr,
		Port:           DefaultTCPConfigPort,
		ReadTimeout:    DefaultTCPConfigReadTimeout,
		MaxMessageSize: DefaultTCPConfigMaxMessageSize,
		Delimiter:      DefaultTCPConfigDelimiter,
		QueueSize:      DefaultTCPConfigQueueSize,
	}
}

// Validate checks the configuration.
func (c *TCPConfig) Validate(ac *config.AnomalyCollector) {
	config.CheckNotEmpty(ac, "IPAddr", &c.IPAddr, DefaultTCPConfigIPAddr)

	config.CheckNotZero(ac, "ReadTimeout", &c.ReadTimeout, DefaultTCPConfigReadTimeout)
	config.CheckNotNegative(ac, "ReadTimeout", &c.ReadTimeout, DefaultTCPConfigReadTimeout)

	config.CheckNotZero(ac, "MaxMessageSize", &c.MaxMessageSize, DefaultTCPConfigMaxMessageSize)
	config.CheckNotNegative(ac, "MaxMessageSize", &c.MaxMessageSize, DefaultTCPConfigMaxMessageSize)

	config.CheckLen(ac, "Delimiter", &c.Delimiter, DefaultTCPConfigDelimiter)

	config.CheckNotZero(ac, "QueueSize", &c.QueueSize, DefaultTCPConfigQueueSize)
	config.CheckNotNegative(ac, "QueueSize", &c.QueueSize, DefaultTCPConfigQueueSize)
}

//////////////
//  SOURCE  //
//////////////

// splitDelimited returns a split function cutting the stream
// at every occurrence of the delimiter.
func splitDelimited(delimiter []byte) bufio.SplitFunc {
	return func(data []byte, atEOF bool) (int, []byte, error) {
		if idx := bytes.Index(data, delimiter); idx >= 0 {
			return idx + len(delimiter), data[:idx], nil
		}

		// The last message may not be terminated
		if atEOF && len(data) > 0 {
			return len(data), data, nil
		}

		return 0, nil, nil
	}
}

var _ source = (*tcpSource)(nil)

type tcpSource struct {
	tel *internal.Telemetry
	cfg *TCPConfig

	listener *net.TCPListener

	// messages conveys the messages of all the connections to the only producer
	messages chan []byte

	wg    *sync.WaitGroup
	mux   sync.Mutex
	conns map[net.Conn]struct{}

	// Metrics
	openConnections  atomic.Int64
	receivedMessages atomic.Int64
	receivedBytes    atomic.Int64
	droppedMessages  atomic.Int64
}

func newTCPSource(cfg *TCPConfig) *tcpSource {
	return &tcpSource{
		cfg: cfg,

		wg:    &sync.WaitGroup{},
		conns: make(map[net.Conn]struct{}),
	}
}

func (ts *tcpSource) setTelemetry(tel *internal.Telemetry) {
	ts.tel = tel
}

func (ts *tcpSource) init(_ context.Context) error {
	parsedAddr, err := netip.ParseAddr(ts.cfg.IPAddr)
	if err != nil {
		return err
	}

	addr := net.TCPAddrFromAddrPort(netip.AddrPortFrom(parsedAddr, ts.cfg.Port))
	listener, err := net.ListenTCP("tcp", addr)
	if err != nil {
		return err
	}

	ts.listener = listener
	ts.messages = make(chan []byte, ts.cfg.QueueSize)

	ts.tel.NewUpDownCounter("open_connections", func() int64 { return ts.openConnections.Load() })
	ts.tel.NewCounter("received_messages", func() int64 { return ts.receivedMessages.Load() })
	ts.tel.NewCounter("received_bytes", func() int64 { return ts.receivedBytes.Load() })
	ts.tel.NewCounter("dropped_messages", func() int64 { return ts.droppedMessages.Load() })

	return nil
}

func (ts *tcpSource) run(ctx context.Context, out sender) {
	go ts.accept(ctx)

	for {
		var msg []byte

		select {
		case <-ctx.Done():
			return
		case msg = <-ts.messages:
		}

		if err := ts.handleMessage(ctx, out, msg); err != nil {
			if errors.Is(err, connector.ErrPayloadTooLarge) {
				ts.droppedMessages.Add(1)
				ts.tel.LogWarn("message too large for a slot, dropped", "size", len(msg))
				continue
			}

			if ctx.Err() == nil {
				ts.tel.LogError("failed to write message to output connector", err)
			}
			return
		}
	}
}

func (ts *tcpSource) accept(ctx context.Context) {
	// Hacky method to close the listener when the context is done
	go func() {
		<-ctx.Done()
		ts.listener.Close()
	}()

	for {
		conn, err := ts.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}

			ts.tel.LogError("failed to accept connection", err)
			continue
		}

		if !ts.track(conn) {
			conn.Close()
			return
		}

		go func() {
			defer ts.wg.Done()
			defer ts.untrack(conn)

			ts.handleConn(ctx, conn)
		}()
	}
}

// track records an open connection, it fails once the source is closed.
func (ts *tcpSource) track(conn net.Conn) bool {
	ts.mux.Lock()
	defer ts.mux.Unlock()

	if ts.conns == nil {
		return false
	}

	ts.conns[conn] = struct{}{}
	ts.openConnections.Add(1)
	ts.wg.Add(1)

	return true
}

func (ts *tcpSource) untrack(conn net.Conn) {
	ts.mux.Lock()
	defer ts.mux.Unlock()

	delete(ts.conns, conn)
	ts.openConnections.Add(-1)

	conn.Close()
}

func (ts *tcpSource) handleConn(ctx context.Context, conn net.Conn) {
	connClosed := make(chan struct{})
	defer close(connClosed)

	// Close the connection when the context is done
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-connClosed:
		}
	}()

	maxTokenSize := ts.cfg.MaxMessageSize + len(ts.cfg.Delimiter)

	scanner := bufio.NewScanner(&deadlineReader{conn: conn, timeout: ts.cfg.ReadTimeout})
	scanner.Buffer(make([]byte, 0, min(4096, maxTokenSize)), maxTokenSize)
	scanner.Split(splitDelimited(ts.cfg.Delimiter))

	for scanner.Scan() {
		msg := append([]byte(nil), scanner.Bytes()...)

		ts.receivedMessages.Add(1)
		ts.receivedBytes.Add(int64(len(msg)))

		select {
		case ts.messages <- msg:
		case <-ctx.Done():
			return
		}
	}

	err := scanner.Err()
	switch {
	case err == nil, ctx.Err() != nil, errors.Is(err, net.ErrClosed):

	case errors.Is(err, os.ErrDeadlineExceeded):
		ts.tel.LogWarn("connection silent for too long, closing", "remote_addr", conn.RemoteAddr().String())

	case errors.Is(err, bufio.ErrTooLong):
		ts.tel.LogWarn("message too large, closing connection", "remote_addr", conn.RemoteAddr().String())

	default:
		ts.tel.LogError("failed to read connection", err, "remote_addr", conn.RemoteAddr().String())
	}
}

func (ts *tcpSource) handleMessage(ctx context.Context, out sender, msg []byte) error {
	// Create the trace for the incoming message
	ctx, span := ts.tel.NewTrace(ctx, "receive TCP message")
	defer span.End()

	span.SetAttributes(attribute.Int("payload_size", len(msg)))

	return out.Write(ctx, msg)
}

func (ts *tcpSource) close() {
	if ts.listener != nil {
		ts.listener.Close()
	}

	ts.mux.Lock()
	for conn := range ts.conns {
		conn.Close()
	}
	ts.conns = nil
	ts.mux.Unlock()

	ts.wg.Wait()
}

// addr returns the address the source listens on.
func (ts *tcpSource) addr() net.Addr {
	if ts.listener == nil {
		return nil
	}
	return ts.listener.Addr()
}

// deadlineReader pushes the read deadline of the connection
// forward before every read.
type deadlineReader struct {
	conn    net.Conn
	timeout time.Duration
}

func (dr *deadlineReader) Read(p []byte) (int, error) {
	if err := dr.conn.SetReadDeadline(time.Now().Add(dr.timeout)); err != nil {
		return 0, err
	}

	return dr.conn.Read(p)
}

/////////////
//  STAGE  //
/////////////

// TCPStage publishes every delimited message received
// on the accepted connections.
type TCPStage struct {
	*stage

	source *tcpSource
}

// NewTCPStage returns a new TCP ingress stage.
func NewTCPStage(output connector.Sender, cfg *TCPConfig) *TCPStage {
	source := newTCPSource(cfg)

	return &TCPStage{
		stage: newStage("tcp", source, output, cfg),

		source: source,
	}
}

// Addr returns the address the stage listens on, once initialized.
func (ts *TCPStage) Addr() net.Addr {
	return ts.source.addr()
}
