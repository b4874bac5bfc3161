package ingress

import (
	"context"

	"github.com/FerroO2000/uniring/internal"
	"github.com/FerroO2000/uniring/internal/config"
)

type source interface {
	setTelemetry(tel *internal.Telemetry)
	init(ctx context.Context) error
	run(ctx context.Context, out sender)
	close()
}

type stage struct {
	tel *internal.Telemetry

	config cfg
	source source

	output sender
}

func newStage(name string, source source, out sender, cfg cfg) *stage {
	tel := internal.NewTelemetry("ingress", name)
	source.setTelemetry(tel)

	return &stage{
		tel: tel,

		config: cfg,
		source: source,

		output: out,
	}
}

func (s *stage) Init(ctx context.Context) error {
	s.tel.LogInfo("initializing")

	configValidator := config.NewValidator(s.tel)
	configValidator.Validate(s.config)

	return s.source.init(ctx)
}

// Run feeds the ring until the source is exhausted or the context is done.
// The producer is closed when the source is exhausted, so the consumer
// can tell the end of the stream.
func (s *stage) Run(ctx context.Context) {
	s.tel.LogInfo("running")

	s.source.run(ctx, s.output)

	if ctx.Err() == nil {
		s.closeOutput()
	}
}

func (s *stage) Close() {
	s.tel.LogInfo("closing")

	s.source.close()
	s.closeOutput()
}

func (s *stage) closeOutput() {
	if err := s.output.Close(); err != nil {
		s.tel.LogError("failed to close output connector", err)
	}
}
