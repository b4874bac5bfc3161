package connector

import (
	"time"

	"github.com/FerroO2000/uniring/internal/config"
)

// Default configuration values.
const (
	DefaultCapacity    = 1024
	DefaultSlotSize    = 256
	DefaultSpinCount   = 64
	DefaultWaitSlice   = 100 * time.Millisecond
	DefaultCommitBatch = 32
	DefaultName        = "ring"
)

// Config is the configuration of both ends of a ring.
type Config struct {
	// Name identifies the ring in logs and metrics.
	//
	// Default: "ring"
	Name string

	// Capacity is the number of slots of a ring created by this end.
	// It must be a power of two. It is ignored when opening an existing ring.
	//
	// Default: 1024
	Capacity uint32

	// SlotSize is the size in bytes of a slot, length prefix included.
	// It must be a multiple of 8. It is ignored when opening an existing ring.
	//
	// Default: 256
	SlotSize uint32

	// SpinCount is the number of checkouts attempted before sleeping.
	//
	// Default: 64
	SpinCount int

	// WaitSlice is the longest uninterrupted sleep. When it elapses
	// the end checks the ring again, even without a notification.
	//
	// Default: 100ms
	WaitSlice time.Duration

	// CommitBatch is the number of messages the consumer reads
	// before publishing its progress. The consumer also commits
	// every time the ring runs dry.
	//
	// Default: 32
	CommitBatch int
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:        DefaultName,
		Capacity:    DefaultCapacity,
		SlotSize:    DefaultSlotSize,
		SpinCount:   DefaultSpinCount,
		WaitSlice:   DefaultWaitSlice,
		CommitBatch: DefaultCommitBatch,
	}
}

// Validate checks the configuration.
// The capacity is not validated here: an invalid one is an error
// when the ring is created.
func (c *Config) Validate(ac *config.AnomalyCollector) {
	config.CheckNotEmpty(ac, "Name", &c.Name, DefaultName)

	config.CheckNotZero(ac, "SlotSize", &c.SlotSize, DefaultSlotSize)
	config.CheckMultipleOf(ac, "SlotSize", &c.SlotSize, 8, DefaultSlotSize)

	config.CheckNotNegative(ac, "SpinCount", &c.SpinCount, DefaultSpinCount)
	config.CheckNotLower(ac, "WaitSlice", &c.WaitSlice, time.Millisecond)

	config.CheckNotZero(ac, "CommitBatch", &c.CommitBatch, DefaultCommitBatch)
	config.CheckNotNegative(ac, "CommitBatch", &c.CommitBatch, DefaultCommitBatch)
}
