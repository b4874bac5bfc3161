package processor

import (
	"context"
	"errors"

	"github.com/FerroO2000/uniring/connector"
	"github.com/FerroO2000/uniring/internal"
	"go.opentelemetry.io/otel/attribute"
)

// handler forwards a batch read from the input to the outputs.
type handler interface {
	setTelemetry(tel *internal.Telemetry)
	init() error
	handle(ctx context.Context, payloads [][]byte, outputs []sender) error
}

type stage struct {
	tel *internal.Telemetry

	handler handler

	input   receiver
	outputs []sender
}

func newStage(name string, handler handler, in receiver, outs ...sender) *stage {
	tel := internal.NewTelemetry("processor", name)
	handler.setTelemetry(tel)

	return &stage{
		tel: tel,

		handler: handler,

		input:   in,
		outputs: outs,
	}
}

func (s *stage) Init(_ context.Context) error {
	s.tel.LogInfo("initializing")

	if len(s.outputs) == 0 {
		return errors.New("no output connector specified")
	}

	return s.handler.init()
}

// Run forwards the messages until the input producer is gone,
// every output consumer is gone, or the context is done.
// The outputs are closed when the input is exhausted.
func (s *stage) Run(ctx context.Context) {
	s.tel.LogInfo("running")

	for {
		payloads, err := s.input.ReadBatch(ctx, 0)
		if err != nil {
			switch {
			case errors.Is(err, connector.ErrMalformedSlot):
				s.tel.LogWarn("skipped malformed slot", "reason", err)

			case errors.Is(err, connector.ErrClosed):
				s.tel.LogInfo("input connector is closed, stopping")
				s.closeOutputs()
				return

			case ctx.Err() != nil:
				return

			default:
				s.tel.LogError("failed to read from input connector", err)
				return
			}
		}

		if len(payloads) == 0 {
			continue
		}

		if err := s.forward(ctx, payloads); err != nil {
			if !errors.Is(err, connector.ErrClosed) && ctx.Err() == nil {
				s.tel.LogError("failed to write to output connector", err)
			}
			return
		}
	}
}

func (s *stage) forward(ctx context.Context, payloads [][]byte) error {
	ctx, span := s.tel.NewTrace(ctx, "forward messages")
	defer span.End()

	span.SetAttributes(attribute.Int("messages", len(payloads)))

	return s.handler.handle(ctx, payloads, s.outputs)
}

func (s *stage) Close() {
	s.tel.LogInfo("closing")

	if err := s.input.Close(); err != nil {
		s.tel.LogError("failed to close input connector", err)
	}

	s.closeOutputs()
}

func (s *stage) closeOutputs() {
	for _, out := range s.outputs {
		if err := out.Close(); err != nil {
			s.tel.LogError("failed to close output connector", err)
		}
	}
}
