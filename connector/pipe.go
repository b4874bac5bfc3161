package connector

import (
	"context"

	"github.com/FerroO2000/uniring/internal"
	"github.com/FerroO2000/uniring/internal/config"
	"github.com/FerroO2000/uniring/internal/shm"
)

// validatedConfig returns a copy of the configuration with the invalid
// fields replaced by their default. The caller's configuration is not changed.
func validatedConfig(cfg *Config) *Config {
	if cfg == nil {
		return DefaultConfig()
	}

	validated := *cfg

	configValidator := config.NewValidator(internal.NewTelemetry("connector", validated.Name))
	configValidator.Validate(&validated)

	return &validated
}

// NewPipe returns both ends of a ring living in process memory.
func NewPipe(cfg *Config) (*Producer, *Consumer, error) {
	cfg = validatedConfig(cfg)

	seg, err := shm.NewHeap(cfg.Capacity, cfg.SlotSize)
	if err != nil {
		return nil, nil, err
	}

	prod, err := newProducer(seg, cfg)
	if err != nil {
		return nil, nil, err
	}

	cons, err := newConsumer(seg, cfg)
	if err != nil {
		return nil, nil, err
	}

	return prod, cons, nil
}

type segmentOpener func(ctx context.Context, dir, name string, cfg *Config) (*shm.Segment, error)

func createSegment(_ context.Context, dir, name string, cfg *Config) (*shm.Segment, error) {
	return shm.Create(dir, name, cfg.Capacity, cfg.SlotSize)
}

func waitSegment(ctx context.Context, dir, name string, _ *Config) (*shm.Segment, error) {
	return shm.Wait(ctx, dir, name)
}

func openEnd[E any](
	ctx context.Context, dir, name string, cfg *Config,
	opener segmentOpener, newEnd func(*shm.Segment, *Config) (E, error),
) (E, error) {

	var zero E

	cfg = validatedConfig(cfg)

	seg, err := opener(ctx, dir, name, cfg)
	if err != nil {
		return zero, err
	}

	end, err := newEnd(seg, cfg)
	if err != nil {
		seg.Close()
		return zero, err
	}

	return end, nil
}

// CreateProducer creates the segment file with the given name in dir
// and returns its producer. The producer owns the mapping.
func CreateProducer(dir, name string, cfg *Config) (*Producer, error) {
	prod, err := openEnd(context.Background(), dir, name, cfg, createSegment, newProducer)
	if err != nil {
		return nil, err
	}

	prod.ownsSeg = true
	return prod, nil
}

// OpenProducer waits for the segment file with the given name in dir
// and returns its producer. The producer owns the mapping.
func OpenProducer(ctx context.Context, dir, name string, cfg *Config) (*Producer, error) {
	prod, err := openEnd(ctx, dir, name, cfg, waitSegment, newProducer)
	if err != nil {
		return nil, err
	}

	prod.ownsSeg = true
	return prod, nil
}

// CreateConsumer creates the segment file with the given name in dir
// and returns its consumer. The consumer owns the mapping.
func CreateConsumer(dir, name string, cfg *Config) (*Consumer, error) {
	cons, err := openEnd(context.Background(), dir, name, cfg, createSegment, newConsumer)
	if err != nil {
		return nil, err
	}

	cons.ownsSeg = true
	return cons, nil
}

// OpenConsumer waits for the segment file with the given name in dir
// and returns its consumer. The consumer owns the mapping.
func OpenConsumer(ctx context.Context, dir, name string, cfg *Config) (*Consumer, error) {
	cons, err := openEnd(ctx, dir, name, cfg, waitSegment, newConsumer)
	if err != nil {
		return nil, err
	}

	cons.ownsSeg = true
	return cons, nil
}
