package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/FerroO2000/uniring/connector"
	"github.com/FerroO2000/uniring/internal"
	"github.com/FerroO2000/uniring/internal/rb"
	"github.com/FerroO2000/uniring/internal/shm"
	"github.com/FerroO2000/uniring/internal/telemetry"
)

// ringFlags are the flags naming a ring and shaping the ends opened on it.
type ringFlags struct {
	dir  string
	name string

	create   bool
	capacity uint
	slotSize uint

	spinCount   int
	waitSlice   time.Duration
	commitBatch int
}

func (rf *ringFlags) register(fs *flag.FlagSet, withEnd bool) {
	fs.StringVar(&rf.dir, "dir", shm.DefaultDir(), "directory of the ring file")
	fs.StringVar(&rf.name, "name", connector.DefaultName, "name of the ring")

	if !withEnd {
		return
	}

	fs.BoolVar(&rf.create, "create", false, "create the ring instead of waiting for it")
	fs.UintVar(&rf.capacity, "capacity", connector.DefaultCapacity, "number of slots, a power of two (with -create)")
	fs.UintVar(&rf.slotSize, "slot-size", connector.DefaultSlotSize, "size of a slot in bytes, a multiple of 8 (with -create)")

	fs.IntVar(&rf.spinCount, "spin", connector.DefaultSpinCount, "checkouts attempted before sleeping")
	fs.DurationVar(&rf.waitSlice, "wait-slice", connector.DefaultWaitSlice, "longest uninterrupted sleep")
	fs.IntVar(&rf.commitBatch, "commit-batch", connector.DefaultCommitBatch, "messages read before the consumer commits")
}

// geometry returns the capacity and the slot size as the segment stores them.
// Values that do not fit are rejected rather than truncated.
func (rf *ringFlags) geometry() (uint32, uint32, error) {
	if rf.capacity > uint(rb.MaxCapacity) {
		return 0, 0, fmt.Errorf("%w: got %d, the largest is %d", rb.ErrInvalidCapacity, rf.capacity, rb.MaxCapacity)
	}

	if rf.slotSize > math.MaxUint32 {
		return 0, 0, fmt.Errorf("%w: got %d, the largest is %d", shm.ErrInvalidSlotSize, rf.slotSize, uint32(math.MaxUint32))
	}

	return uint32(rf.capacity), uint32(rf.slotSize), nil
}

func (rf *ringFlags) config() (*connector.Config, error) {
	capacity, slotSize, err := rf.geometry()
	if err != nil {
		return nil, err
	}

	return &connector.Config{
		Name:        rf.name,
		Capacity:    capacity,
		SlotSize:    slotSize,
		SpinCount:   rf.spinCount,
		WaitSlice:   rf.waitSlice,
		CommitBatch: rf.commitBatch,
	}, nil
}

// telemetryFlags are the flags controlling logs and the OTLP exporters.
type telemetryFlags struct {
	logLevel string
	otlp     bool
	grpc     string
	http     string
}

func (tf *telemetryFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&tf.logLevel, "log-level", "info", "minimum level of the logs (debug, info, warn, error)")
	fs.BoolVar(&tf.otlp, "otlp", false, "export traces, metrics and logs to an OpenTelemetry collector")
	fs.StringVar(&tf.grpc, "otlp-grpc", telemetry.DefaultGRPCEndpoint, "OTLP/gRPC endpoint of the collector")
	fs.StringVar(&tf.http, "otlp-http", telemetry.DefaultHTTPEndpoint, "OTLP/HTTP endpoint of the collector")
}

// setup applies the log level and starts the exporters.
// The returned function flushes and stops them.
func (tf *telemetryFlags) setup(ctx context.Context, serviceName string) (func(), error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(tf.logLevel)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", tf.logLevel, err)
	}
	internal.SetLogLevel(level)

	if !tf.otlp {
		return func() {}, nil
	}

	cfg := telemetry.DefaultConfig(serviceName)
	cfg.GRPCEndpoint = tf.grpc
	cfg.HTTPEndpoint = tf.http

	providers, err := telemetry.Init(ctx, cfg)
	if err != nil {
		return nil, err
	}

	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := providers.Shutdown(shutdownCtx); err != nil {
			tel.LogError("failed to shutdown telemetry", err)
		}
	}, nil
}
