package ingress

import (
	"context"
	"errors"
	"io"
	"sync/atomic"
	"time"

	"github.com/FerroO2000/uniring/connector"
	"github.com/FerroO2000/uniring/internal"
	"github.com/FerroO2000/uniring/internal/config"
	"github.com/FerroO2000/uniring/internal/telemetry"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel/attribute"
)

//////////////
//  CONFIG  //
//////////////

// Default values for the Kafka ingress stage configuration.
const (
	DefaultKafkaConfigGroupID        = "uniring"
	DefaultKafkaConfigQueueCapacity  = 100
	DefaultKafkaConfigMinBytes       = 1
	DefaultKafkaConfigMaxBytes       = 1 << 20
	DefaultKafkaConfigMaxWait        = 10 * time.Second
	DefaultKafkaConfigCommitInterval = 0
	DefaultKafkaConfigStartOffset    = kafka.FirstOffset
	DefaultKafkaConfigMaxAttempts    = 3
)

// DefaultKafkaConfigBrokers is the default list of Kafka brokers to connect to.
var DefaultKafkaConfigBrokers = []string{"localhost:9092"}

// DefaultKafkaConfigTopics is the default list of topics to read.
var DefaultKafkaConfigTopics = []string{"uniring"}

// KafkaConfig structs contains the configuration for the Kafka ingress stage.
type KafkaConfig struct {
	// The list of broker addresses used to connect to the kafka cluster.
	//
	// Default: localhost:9092
	Brokers []string

	// GroupID holds the consumer group id.
	//
	// Default: "uniring"
	GroupID string

	// Topics read by the consumer group.
	//
	// Default: "uniring"
	Topics []string

	// The capacity of the internal message queue of the reader.
	//
	// Default: 100
	QueueCapacity int

	// MinBytes indicates to the broker the minimum batch size that the consumer
	// will accept.
	//
	// Default: 1
	MinBytes int

	// MaxBytes indicates to the broker the maximum batch size that the consumer
	// will accept. The broker will truncate a message to satisfy this maximum.
	//
	// Default: 1 MiB
	MaxBytes int

	// Maximum amount of time to wait for new data to come when fetching batches
	// of messages from kafka.
	//
	// Default: 10s
	MaxWait time.Duration

	// CommitInterval indicates the interval at which offsets are committed to
	// the broker. If 0, commits will be handled synchronously.
	CommitInterval time.Duration

	// StartOffset determines from whence the consumer group should begin
	// consuming when it finds a partition without a committed offset.
	//
	// Default: FirstOffset
	StartOffset int64

	// Limit of how many attempts to connect will be made before returning the error.
	//
	// Default: 3
	MaxAttempts int
}

// NewKafkaConfig returns the default configuration for the Kafka ingress stage.
func NewKafkaConfig() *KafkaConfig {
	return &KafkaConfig{
		Brokers:        DefaultKafkaConfigBrokers,
		GroupID:        DefaultKafkaConfigGroupID,
		Topics:         DefaultKafkaConfigTopics,
		QueueCapacity:  DefaultKafkaConfigQueueCapacity,
		MinBytes:       DefaultKafkaConfigMinBytes,
		MaxBytes:       DefaultKafkaConfigMaxBytes,
		MaxWait:        DefaultKafkaConfigMaxWait,
		CommitInterval: DefaultKafkaConfigCommitInterval,
		StartOffset:    DefaultKafkaConfigStartOffset,
		MaxAttempts:    DefaultKafkaConfigMaxAttempts,
	}
}

// Validate checks the configuration.
func (c *KafkaConfig) Validate(ac *config.AnomalyCollector) {
	config.CheckLen(ac, "Brokers", &c.Brokers, DefaultKafkaConfigBrokers)
	config.CheckNotEmpty(ac, "GroupID", &c.GroupID, DefaultKafkaConfigGroupID)
	config.CheckLen(ac, "Topics", &c.Topics, DefaultKafkaConfigTopics)

	config.CheckNotZero(ac, "QueueCapacity", &c.QueueCapacity, DefaultKafkaConfigQueueCapacity)
	config.CheckNotNegative(ac, "QueueCapacity", &c.QueueCapacity, DefaultKafkaConfigQueueCapacity)

	config.CheckNotZero(ac, "MinBytes", &c.MinBytes, DefaultKafkaConfigMinBytes)
	config.CheckNotNegative(ac, "MinBytes", &c.MinBytes, DefaultKafkaConfigMinBytes)
	config.CheckNotLower(ac, "MaxBytes", &c.MaxBytes, c.MinBytes)

	config.CheckNotLower(ac, "MaxWait", &c.MaxWait, time.Millisecond)
	config.CheckNotNegative(ac, "CommitInterval", &c.CommitInterval, DefaultKafkaConfigCommitInterval)

	config.CheckOneOf(ac, "StartOffset", &c.StartOffset, []int64{kafka.FirstOffset, kafka.LastOffset}, DefaultKafkaConfigStartOffset)

	config.CheckNotZero(ac, "MaxAttempts", &c.MaxAttempts, DefaultKafkaConfigMaxAttempts)
	config.CheckNotNegative(ac, "MaxAttempts", &c.MaxAttempts, DefaultKafkaConfigMaxAttempts)
}

//////////////
//  SOURCE  //
//////////////

// messageReader is the part of the kafka-go reader used by the source.
type messageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

var _ messageReader = (*kafka.Reader)(nil)

var _ source = (*kafkaSource)(nil)

type kafkaSource struct {
	tel *internal.Telemetry
	cfg *KafkaConfig

	reader messageReader

	// Metrics
	receivedMessages atomic.Int64
	receivedBytes    atomic.Int64
	droppedMessages  atomic.Int64
}

func newKafkaSource(cfg *KafkaConfig) *kafkaSource {
	return &kafkaSource{
		cfg: cfg,
	}
}

func (ks *kafkaSource) setTelemetry(tel *internal.Telemetry) {
	ks.tel = tel
}

func (ks *kafkaSource) init(_ context.Context) error {
	if ks.reader == nil {
		ks.reader = kafka.NewReader(kafka.ReaderConfig{
			Brokers:        ks.cfg.Brokers,
			GroupID:        ks.cfg.GroupID,
			GroupTopics:    ks.cfg.Topics,
			QueueCapacity:  ks.cfg.QueueCapacity,
			MinBytes:       ks.cfg.MinBytes,
			MaxBytes:       ks.cfg.MaxBytes,
			MaxWait:        ks.cfg.MaxWait,
			CommitInterval: ks.cfg.CommitInterval,
			StartOffset:    ks.cfg.StartOffset,
			MaxAttempts:    ks.cfg.MaxAttempts,
		})
	}

	ks.tel.NewCounter("received_messages", func() int64 { return ks.receivedMessages.Load() })
	ks.tel.NewCounter("received_bytes", func() int64 { return ks.receivedBytes.Load() })
	ks.tel.NewCounter("dropped_messages", func() int64 { return ks.droppedMessages.Load() })

	return nil
}

func (ks *kafkaSource) run(ctx context.Context, out sender) {
	for {
		msg, err := ks.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}

			// The reader has been closed
			if errors.Is(err, io.EOF) {
				return
			}

			ks.tel.LogError("failed to read message", err)
			continue
		}

		ks.receivedMessages.Add(1)
		ks.receivedBytes.Add(int64(len(msg.Value)))

		if err := ks.handleMessage(ctx, out, &msg); err != nil {
			if errors.Is(err, connector.ErrPayloadTooLarge) {
				ks.droppedMessages.Add(1)
				ks.tel.LogWarn("message too large for a slot, dropped", "topic", msg.Topic, "size", len(msg.Value))
				continue
			}

			if ctx.Err() == nil {
				ks.tel.LogError("failed to write message to output connector", err)
			}
			return
		}
	}
}

// messageContext returns the context carrying the trace
// of the producer of the message, when there is one.
func (ks *kafkaSource) messageContext(ctx context.Context, msg *kafka.Message) context.Context {
	if len(msg.Headers) == 0 {
		return ctx
	}

	return ks.tel.ExtractTraceContext(ctx, telemetry.NewKafkaHeaderCarrier(msg.Headers))
}

func (ks *kafkaSource) handleMessage(ctx context.Context, out sender, msg *kafka.Message) error {
	traceCtx, span := ks.tel.NewTrace(ks.messageContext(ctx, msg), "handle kafka message")
	defer span.End()

	span.SetAttributes(
		attribute.String("topic", msg.Topic),
		attribute.Int("value_size", len(msg.Value)),
	)

	return out.Write(traceCtx, msg.Value)
}

func (ks *kafkaSource) close() {
	if ks.reader == nil {
		return
	}

	if err := ks.reader.Close(); err != nil {
		ks.tel.LogError("failed to close reader", err)
	}
}

/////////////
//  STAGE  //
/////////////

// KafkaStage publishes the value of every message read from Kafka.
type KafkaStage struct {
	*stage

	source *kafkaSource
}

// NewKafkaStage returns a new Kafka ingress stage.
func NewKafkaStage(output connector.Sender, cfg *KafkaConfig) *KafkaStage {
	source := newKafkaSource(cfg)

	return &KafkaStage{
		stage: newStage("kafka", source, output, cfg),

		source: source,
	}
}
