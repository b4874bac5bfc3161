package egress

import (
	"bufio"
	"context"
	"io"
	"sync/atomic"

	"github.com/FerroO2000/uniring/internal"
	"github.com/FerroO2000/uniring/internal/config"
)

//////////////
//  CONFIG  //
//////////////

// Default values for the writer stage configuration.
const (
	DefaultWriterConfigBufferSize = 64 * 1024
	DefaultWriterConfigBatchSize  = 256
)

// WriterConfig structs contains the configuration for the writer stage.
type WriterConfig struct {
	// BufferSize is the size of the write buffer.
	// The buffer is flushed after every batch.
	//
	// Default: 64 KiB
	BufferSize int

	// BatchSize is the largest number of messages written at once.
	//
	// Default: 256
	BatchSize int

	// Delimiter is appended to every message.
	//
	// Default: '\n'
	Delimiter byte
}

// NewWriterConfig returns the default configuration for the writer stage.
func NewWriterConfig() *WriterConfig {
	return &WriterConfig{
		BufferSize: DefaultWriterConfigBufferSize,
		BatchSize:  DefaultWriterConfigBatchSize,
		Delimiter:  '\n',
	}
}

func (c *WriterConfig) batchSize() int {
	return c.BatchSize
}

// Validate checks the configuration.
func (c *WriterConfig) Validate(ac *config.AnomalyCollector) {
	config.CheckNotZero(ac, "BufferSize", &c.BufferSize, DefaultWriterConfigBufferSize)
	config.CheckNotNegative(ac, "BufferSize", &c.BufferSize, DefaultWriterConfigBufferSize)

	config.CheckNotZero(ac, "BatchSize", &c.BatchSize, DefaultWriterConfigBatchSize)
	config.CheckNotNegative(ac, "BatchSize", &c.BatchSize, DefaultWriterConfigBatchSize)
}

////////////
//  SINK  //
////////////

var _ sink = (*writerSink)(nil)

type writerSink struct {
	tel *internal.Telemetry
	cfg *WriterConfig

	writer io.Writer
	buf    *bufio.Writer

	// Metrics
	writtenMessages atomic.Int64
	writtenBytes    atomic.Int64
}

func newWriterSink(writer io.Writer, cfg *WriterConfig) *writerSink {
	return &writerSink{
		cfg: cfg,

		writer: writer,
	}
}

func (ws *writerSink) setTelemetry(tel *internal.Telemetry) {
	ws.tel = tel
}

func (ws *writerSink) init(_ context.Context) error {
	ws.buf = bufio.NewWriterSize(ws.writer, ws.cfg.BufferSize)

	ws.tel.NewCounter("written_messages", func() int64 { return ws.writtenMessages.Load() })
	ws.tel.NewCounter("written_bytes", func() int64 { return ws.writtenBytes.Load() })

	return nil
}

func (ws *writerSink) deliver(_ context.Context, payloads [][]byte) error {
	for _, payload := range payloads {
		if _, err := ws.buf.Write(payload); err != nil {
			return err
		}
		if err := ws.buf.WriteByte(ws.cfg.Delimiter); err != nil {
			return err
		}

		ws.writtenMessages.Add(1)
		ws.writtenBytes.Add(int64(len(payload)))
	}

	return ws.buf.Flush()
}

func (ws *writerSink) close() {
	if ws.buf == nil {
		return
	}

	if err := ws.buf.Flush(); err != nil {
		ws.tel.LogError("failed to flush writer", err)
	}
}

/////////////
//  STAGE  //
/////////////

// WriterStage writes every message to an io.Writer, followed by a delimiter.
type WriterStage struct {
	*stage
}

// NewWriterStage returns a new writer stage.
func NewWriterStage(input receiver, writer io.Writer, cfg *WriterConfig) *WriterStage {
	return &WriterStage{
		stage: newStage("writer", newWriterSink(writer, cfg), input, cfg),
	}
}
