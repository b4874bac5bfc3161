package egress

import (
	"context"
	"errors"
	"time"

	"github.com/FerroO2000/uniring/connector"
	"github.com/FerroO2000/uniring/internal"
	"github.com/FerroO2000/uniring/internal/config"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type sink interface {
	setTelemetry(tel *internal.Telemetry)
	init(ctx context.Context) error
	deliver(ctx context.Context, payloads [][]byte) error
	close()
}

type stage struct {
	tel *internal.Telemetry

	config batchedCfg
	sink   sink

	input receiver

	// maxBatch is the largest number of messages handed to the sink at once,
	// read from the configuration once validated
	maxBatch int

	deliveryTime metric.Int64Histogram
}

func newStage(name string, sink sink, in receiver, cfg batchedCfg) *stage {
	tel := internal.NewTelemetry("egress", name)
	sink.setTelemetry(tel)

	return &stage{
		tel: tel,

		config: cfg,
		sink:   sink,

		input: in,
	}
}

func (s *stage) Init(ctx context.Context) error {
	s.tel.LogInfo("initializing")

	configValidator := config.NewValidator(s.tel)
	configValidator.Validate(s.config)

	s.maxBatch = s.config.batchSize()

	s.deliveryTime = s.tel.NewHistogram("delivery_time", metric.WithUnit("us"))

	return s.sink.init(ctx)
}

// Run drains the ring until the producer is gone or the context is done.
func (s *stage) Run(ctx context.Context) {
	s.tel.LogInfo("running")

	for {
		payloads, err := s.input.ReadBatch(ctx, s.maxBatch)
		if err != nil {
			switch {
			case errors.Is(err, connector.ErrMalformedSlot):
				s.tel.LogWarn("skipped malformed slot", "reason", err)

			case errors.Is(err, connector.ErrClosed):
				s.tel.LogInfo("producer closed")
				return

			case ctx.Err() != nil:
				return

			default:
				s.tel.LogError("failed to read input connector", err)
				return
			}
		}

		if len(payloads) == 0 {
			continue
		}

		if err := s.deliver(ctx, payloads); err != nil {
			s.tel.LogError("failed to deliver messages", err, "messages", len(payloads))
		}
	}
}

func (s *stage) deliver(ctx context.Context, payloads [][]byte) error {
	ctx, span := s.tel.NewTrace(ctx, "deliver messages")
	defer span.End()

	span.SetAttributes(attribute.Int("messages", len(payloads)))

	start := time.Now()
	err := s.sink.deliver(ctx, payloads)
	s.tel.RecordHistogram(ctx, s.deliveryTime, time.Since(start).Microseconds())

	return err
}

func (s *stage) Close() {
	s.tel.LogInfo("closing")

	s.sink.close()

	if err := s.input.Close(); err != nil {
		s.tel.LogError("failed to close input connector", err)
	}
}
