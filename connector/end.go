package connector

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/FerroO2000/uniring/internal"
	"github.com/FerroO2000/uniring/internal/notify"
	"github.com/FerroO2000/uniring/internal/shm"
)

///////////////
//  METRICS  //
///////////////

type endMetrics struct {
	tel *internal.Telemetry

	messages      atomic.Int64
	commits       atomic.Int64
	notifications atomic.Int64
	checkouts     atomic.Int64
	sleeps        atomic.Int64
	failures      atomic.Int64
}

func newEndMetrics(tel *internal.Telemetry) *endMetrics {
	return &endMetrics{
		tel: tel,
	}
}

func (em *endMetrics) init() {
	em.tel.NewCounter("messages", func() int64 { return em.messages.Load() })
	em.tel.NewCounter("commits", func() int64 { return em.commits.Load() })
	em.tel.NewCounter("notifications", func() int64 { return em.notifications.Load() })
	em.tel.NewCounter("checkouts", func() int64 { return em.checkouts.Load() })
	em.tel.NewCounter("sleeps", func() int64 { return em.sleeps.Load() })
	em.tel.NewCounter("failures", func() int64 { return em.failures.Load() })
}

// Stats is a snapshot of the activity of one end.
type Stats struct {
	// Messages is the number of messages written or read.
	Messages int64
	// Commits is the number of commits that published progress.
	Commits int64
	// Notifications is the number of wake-ups sent to the peer.
	Notifications int64
	// Checkouts is the number of checkouts.
	Checkouts int64
	// Sleeps is the number of times the end waited for the peer.
	Sleeps int64
	// Failures counts oversized payloads (producer)
	// or malformed slots (consumer).
	Failures int64
}

func (em *endMetrics) stats() Stats {
	return Stats{
		Messages:      em.messages.Load(),
		Commits:       em.commits.Load(),
		Notifications: em.notifications.Load(),
		Checkouts:     em.checkouts.Load(),
		Sleeps:        em.sleeps.Load(),
		Failures:      em.failures.Load(),
	}
}

////////////
//  BASE  //
////////////

type endBase struct {
	tel *internal.Telemetry
	cfg *Config

	seg      *shm.Segment
	ownsSeg  bool
	side     shm.Side
	peerSide shm.Side

	// ownWake is the word this end sleeps on
	ownWake *notify.Word
	// peerWake is the word the peer sleeps on
	peerWake *notify.Word

	metrics *endMetrics

	closed atomic.Bool
}

// newEndBase expects a configuration already returned by validatedConfig.
func newEndBase(seg *shm.Segment, side shm.Side, cfg *Config) *endBase {
	tel := internal.NewTelemetry("connector", fmt.Sprintf("%s_%s", cfg.Name, side))

	eb := &endBase{
		tel: tel,
		cfg: cfg,

		seg:  seg,
		side: side,

		metrics: newEndMetrics(tel),
	}

	consWake := notify.New(seg.ConsumerWakeWord())
	prodWake := notify.New(seg.ProducerWakeWord())

	if side == shm.SideProducer {
		eb.peerSide = shm.SideConsumer
		eb.ownWake = prodWake
		eb.peerWake = consWake
	} else {
		eb.peerSide = shm.SideProducer
		eb.ownWake = consWake
		eb.peerWake = prodWake
	}

	eb.metrics.init()

	return eb
}

// notifyPeer wakes the peer after a commit that asked for it.
func (eb *endBase) notifyPeer() {
	eb.metrics.notifications.Add(1)

	if err := eb.peerWake.Wake(); err != nil {
		eb.tel.LogError("failed to wake peer", err)
	}
}

func (eb *endBase) peerClosed() bool {
	return eb.seg.IsClosed(eb.peerSide)
}

// release marks this end as closed, wakes the peer and unmaps the segment
// when owned. The last end leaving unlinks the segment file.
func (eb *endBase) release() error {
	eb.seg.MarkClosed(eb.side)

	if err := eb.peerWake.Wake(); err != nil {
		eb.tel.LogError("failed to wake peer", err)
	}

	eb.tel.LogInfo("closed", "side", eb.side, "messages", eb.metrics.messages.Load())

	if !eb.ownsSeg {
		return nil
	}

	var errs []error
	if eb.peerClosed() {
		errs = append(errs, eb.seg.Remove())
	}
	errs = append(errs, eb.seg.Close())

	return errors.Join(errs...)
}

// Segment returns the underlying segment.
func (eb *endBase) Segment() *shm.Segment {
	return eb.seg
}

// Stats returns a snapshot of the activity of this end.
func (eb *endBase) Stats() Stats {
	return eb.metrics.stats()
}
