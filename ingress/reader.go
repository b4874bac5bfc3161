package ingress

import (
	"bufio"
	"context"
	"errors"
	"io"
	"sync/atomic"

	"github.com/FerroO2000/uniring/connector"
	"github.com/FerroO2000/uniring/internal"
	"github.com/FerroO2000/uniring/internal/config"
	"go.opentelemetry.io/otel/attribute"
)

//////////////
//  CONFIG  //
//////////////

// Default values for the reader stage configuration.
const (
	DefaultReaderConfigMaxLineSize = 64 * 1024
	DefaultReaderConfigBatchSize   = 64
)

// ReaderConfig structs contains the configuration for the reader stage.
type ReaderConfig struct {
	// MaxLineSize is the size of the longest line accepted.
	// Longer lines stop the stage.
	//
	// Default: 64 KiB
	MaxLineSize int

	// BatchSize is the largest number of lines published at once.
	// A batch is also published every time the reader would block.
	//
	// Default: 64
	BatchSize int
}

// NewReaderConfig returns the default configuration for the reader stage.
func NewReaderConfig() *ReaderConfig {
	return &ReaderConfig{
		MaxLineSize: DefaultReaderConfigMaxLineSize,
		BatchSize:   DefaultReaderConfigBatchSize,
	}
}

// Validate checks the configuration.
func (c *ReaderConfig) Validate(ac *config.AnomalyCollector) {
	config.CheckNotZero(ac, "MaxLineSize", &c.MaxLineSize, DefaultReaderConfigMaxLineSize)
	config.CheckNotNegative(ac, "MaxLineSize", &c.MaxLineSize, DefaultReaderConfigMaxLineSize)

	config.CheckNotZero(ac, "BatchSize", &c.BatchSize, DefaultReaderConfigBatchSize)
	config.CheckNotNegative(ac, "BatchSize", &c.BatchSize, DefaultReaderConfigBatchSize)
}

//////////////
//  SOURCE  //
//////////////

var _ source = (*readerSource)(nil)

type readerSource struct {
	tel *internal.Telemetry
	cfg *ReaderConfig

	reader io.Reader

	lines chan []byte

	// Metrics
	readLines    atomic.Int64
	readBytes    atomic.Int64
	droppedLines atomic.Int64
}

func newReaderSource(reader io.Reader, cfg *ReaderConfig) *readerSource {
	return &readerSource{
		cfg: cfg,

		reader: reader,
	}
}

func (rs *readerSource) setTelemetry(tel *internal.Telemetry) {
	rs.tel = tel
}

func (rs *readerSource) init(_ context.Context) error {
	rs.lines = make(chan []byte, rs.cfg.BatchSize)

	rs.tel.NewCounter("read_lines", func() int64 { return rs.readLines.Load() })
	rs.tel.NewCounter("read_bytes", func() int64 { return rs.readBytes.Load() })
	rs.tel.NewCounter("dropped_lines", func() int64 { return rs.droppedLines.Load() })

	return nil
}

// scan reads the lines in a separate goroutine,
// a blocked read cannot be interrupted by the context.
func (rs *readerSource) scan(ctx context.Context) {
	defer close(rs.lines)

	scanner := bufio.NewScanner(rs.reader)
	scanner.Buffer(make([]byte, 0, 4096), rs.cfg.MaxLineSize)

	for scanner.Scan() {
		line := append([]byte(nil), scanner.Bytes()...)

		rs.readLines.Add(1)
		rs.readBytes.Add(int64(len(line)))

		select {
		case rs.lines <- line:
		case <-ctx.Done():
			return
		}
	}

	if err := scanner.Err(); err != nil {
		rs.tel.LogError("failed to read input", err)
	}
}

func (rs *readerSource) run(ctx context.Context, out sender) {
	go rs.scan(ctx)

	batch := make([][]byte, 0, rs.cfg.BatchSize)

	for {
		var line []byte
		var ok bool

		select {
		case <-ctx.Done():
			return
		case line, ok = <-rs.lines:
			if !ok {
				return
			}
		}

		batch = append(batch, line)

		// Drain what is already there without blocking
	drain:
		for len(batch) < rs.cfg.BatchSize {
			select {
			case line, ok := <-rs.lines:
				if !ok {
					break drain
				}
				batch = append(batch, line)
			default:
				break drain
			}
		}

		if err := rs.publish(ctx, out, batch); err != nil {
			return
		}

		batch = batch[:0]
	}
}

func (rs *readerSource) publish(ctx context.Context, out sender, batch [][]byte) error {
	_, span := rs.tel.NewTrace(ctx, "publish lines")
	defer span.End()

	span.SetAttributes(attribute.Int("lines", len(batch)))

	written, err := out.WriteBatch(ctx, batch)
	if err == nil {
		return nil
	}

	if !errors.Is(err, connector.ErrPayloadTooLarge) {
		rs.tel.LogError("failed to write lines to output connector", err)
		return err
	}

	// Write the lines one by one to skip the oversized ones
	for _, line := range batch[written:] {
		err := out.Write(ctx, line)
		if errors.Is(err, connector.ErrPayloadTooLarge) {
			rs.droppedLines.Add(1)
			rs.tel.LogWarn("line too large for a slot, dropped", "size", len(line))
			continue
		}

		if err != nil {
			rs.tel.LogError("failed to write line to output connector", err)
			return err
		}
	}

	return nil
}

func (rs *readerSource) close() {}

/////////////
//  STAGE  //
/////////////

// ReaderStage publishes every line read from a reader as a message.
type ReaderStage struct {
	*stage
}

// NewReaderStage returns a new reader stage.
func NewReaderStage(reader io.Reader, output connector.Sender, cfg *ReaderConfig) *ReaderStage {
	return &ReaderStage{
		stage: newStage("reader", newReaderSource(reader, cfg), output, cfg),
	}
}
