// Package notify delivers wake-ups between the two ends of a ring.
//
// Each end sleeps on its own 32-bit word in the shared memory.
// The peer wakes it by incrementing the word. A sleeper snapshots the word
// before its last checkout and only blocks while the word still holds
// the snapshot, so a wake-up sent in between is never lost.
package notify

import (
	"context"
	"errors"
	"sync/atomic"
	"time"
)

// ErrTimeout is returned when a wait slice elapsed without a wake-up.
var ErrTimeout = errors.New("notify: wait timed out")

// Word is a wake-up counter living in shared memory.
type Word struct {
	word *atomic.Uint32
}

// New returns a Word operating on the given counter.
func New(word *atomic.Uint32) *Word {
	return &Word{word: word}
}

// Seq returns the current value of the counter.
func (w *Word) Seq() uint32 {
	return w.word.Load()
}

// Wake increments the counter and wakes the sleeper, if any.
func (w *Word) Wake() error {
	w.word.Add(1)
	return wake(w.word)
}

// Wait blocks while the counter equals seq, for at most one slice.
// It returns nil when the counter changed or the sleep was interrupted,
// ErrTimeout when the slice elapsed, or the context error.
//
// A cancelled context is noticed at the latest at the end of the slice.
func (w *Word) Wait(ctx context.Context, seq uint32, slice time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if w.word.Load() != seq {
		return nil
	}

	deadlineBound := false
	if deadline, ok := ctx.Deadline(); ok {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return context.DeadlineExceeded
		}

		if remaining < slice {
			slice = remaining
			deadlineBound = true
		}
	}

	err := wait(w.word, seq, slice)
	if errors.Is(err, ErrTimeout) {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		// The futex can time out just before the context timer fires.
		if deadlineBound {
			return context.DeadlineExceeded
		}
	}

	return err
}
