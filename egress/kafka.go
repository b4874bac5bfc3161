package egress

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/FerroO2000/uniring/internal"
	"github.com/FerroO2000/uniring/internal/config"
	"github.com/FerroO2000/uniring/internal/telemetry"
	"github.com/segmentio/kafka-go"
)

//////////////
//  CONFIG  //
//////////////

// Default values for the Kafka egress stage configuration.
const (
	DefaultKafkaConfigTopic        = "uniring"
	DefaultKafkaConfigMaxAttempts  = 10
	DefaultKafkaConfigBatchSize    = 100
	DefaultKafkaConfigBatchTimeout = time.Second
)

// DefaultKafkaConfigBrokers is the default list of brokers.
var DefaultKafkaConfigBrokers = []string{"localhost:9092"}

// KafkaConfig structs contains the configuration for the Kafka egress stage.
type KafkaConfig struct {
	// A list of Kafka brokers to connect to.
	//
	// Default: localhost:9092
	Brokers []string

	// Topic every message is written to.
	//
	// Default: "uniring"
	Topic string

	// The balancer used to distribute messages across partitions.
	//
	// Default: RoundRobin.
	Balancer kafka.Balancer

	// Limit on how many attempts will be made to deliver a message.
	//
	// Default: 10.
	MaxAttempts int

	// Limit on how many messages will be buffered before being sent to a
	// partition. It is also the largest number of messages read from the ring at once.
	//
	// Default: 100.
	BatchSize int

	// Time limit on how often incomplete message batches will be flushed to
	// kafka.
	//
	// Default: 1s.
	BatchTimeout time.Duration

	// Number of acknowledges from partition replicas required before receiving
	// a response to a produce request.
	//
	// Default: RequireOne.
	RequiredAcks kafka.RequiredAcks

	// Compression set the compression codec to be used to compress messages.
	//
	// Default: Snappy.
	Compression kafka.Compression

	// AllowAutoTopicCreation notifies writer to create topic if missing.
	AllowAutoTopicCreation bool
}

// NewKafkaConfig returns the default configuration for the Kafka egress stage.
func NewKafkaConfig() *KafkaConfig {
	return &KafkaConfig{
		Brokers:                DefaultKafkaConfigBrokers,
		Topic:                  DefaultKafkaConfigTopic,
		Balancer:               &kafka.RoundRobin{},
		MaxAttempts:            DefaultKafkaConfigMaxAttempts,
		BatchSize:              DefaultKafkaConfigBatchSize,
		BatchTimeout:           DefaultKafkaConfigBatchTimeout,
		RequiredAcks:           kafka.RequireOne,
		Compression:            kafka.Snappy,
		AllowAutoTopicCreation: true,
	}
}

func (c *KafkaConfig) batchSize() int {
	return c.BatchSize
}

// Validate checks the configuration.
func (c *KafkaConfig) Validate(ac *config.AnomalyCollector) {
	config.CheckLen(ac, "Brokers", &c.Brokers, DefaultKafkaConfigBrokers)
	config.CheckNotEmpty(ac, "Topic", &c.Topic, DefaultKafkaConfigTopic)

	if c.Balancer == nil {
		c.Balancer = &kafka.RoundRobin{}
	}

	config.CheckNotZero(ac, "MaxAttempts", &c.MaxAttempts, DefaultKafkaConfigMaxAttempts)
	config.CheckNotNegative(ac, "MaxAttempts", &c.MaxAttempts, DefaultKafkaConfigMaxAttempts)

	config.CheckNotZero(ac, "BatchSize", &c.BatchSize, DefaultKafkaConfigBatchSize)
	config.CheckNotNegative(ac, "BatchSize", &c.BatchSize, DefaultKafkaConfigBatchSize)

	config.CheckNotLower(ac, "BatchTimeout", &c.BatchTimeout, time.Millisecond)
}

////////////
//  SINK  //
////////////

var _ sink = (*kafkaSink)(nil)

type kafkaSink struct {
	tel *internal.Telemetry
	cfg *KafkaConfig

	writer *kafka.Writer

	// Metrics
	deliveredMessages atomic.Int64
	deliveredBytes    atomic.Int64
}

func newKafkaSink(cfg *KafkaConfig) *kafkaSink {
	return &kafkaSink{
		cfg: cfg,
	}
}

func (ks *kafkaSink) setTelemetry(tel *internal.Telemetry) {
	ks.tel = tel
}

func (ks *kafkaSink) init(_ context.Context) error {
	ks.writer = &kafka.Writer{
		Addr:                   kafka.TCP(ks.cfg.Brokers...),
		Topic:                  ks.cfg.Topic,
		Balancer:               ks.cfg.Balancer,
		MaxAttempts:            ks.cfg.MaxAttempts,
		BatchSize:              ks.cfg.BatchSize,
		BatchTimeout:           ks.cfg.BatchTimeout,
		RequiredAcks:           ks.cfg.RequiredAcks,
		Compression:            ks.cfg.Compression,
		AllowAutoTopicCreation: ks.cfg.AllowAutoTopicCreation,
	}

	ks.tel.NewCounter("delivered_messages", func() int64 { return ks.deliveredMessages.Load() })
	ks.tel.NewCounter("delivered_bytes", func() int64 { return ks.deliveredBytes.Load() })

	return nil
}

// messages wraps the payloads, the trace of the delivery travels in the headers.
func (ks *kafkaSink) messages(ctx context.Context, payloads [][]byte) []kafka.Message {
	msgs := make([]kafka.Message, 0, len(payloads))

	for _, payload := range payloads {
		headerCarrier := telemetry.NewKafkaHeaderCarrier(nil)
		ks.tel.InjectTrace(ctx, headerCarrier)

		msgs = append(msgs, kafka.Message{
			Value:   payload,
			Headers: headerCarrier.Headers(),
		})
	}

	return msgs
}

func (ks *kafkaSink) deliver(ctx context.Context, payloads [][]byte) error {
	if err := ks.writer.WriteMessages(ctx, ks.messages(ctx, payloads)...); err != nil {
		return err
	}

	ks.deliveredMessages.Add(int64(len(payloads)))
	for _, payload := range payloads {
		ks.deliveredBytes.Add(int64(len(payload)))
	}

	return nil
}

func (ks *kafkaSink) close() {
	if ks.writer == nil {
		return
	}

	if err := ks.writer.Close(); err != nil {
		ks.tel.LogError("failed to close writer", err)
	}
}

/////////////
//  STAGE  //
/////////////

// KafkaStage writes every message to a Kafka topic.
type KafkaStage struct {
	*stage
}

// NewKafkaStage returns a new Kafka egress stage.
func NewKafkaStage(input receiver, cfg *KafkaConfig) *KafkaStage {
	return &KafkaStage{
		stage: newStage("kafka", newKafkaSink(cfg), input, cfg),
	}
}
