//go:build !linux

package notify

import (
	"sync/atomic"
	"time"
)

const (
	minBackoff = 50 * time.Microsecond
	maxBackoff = time.Millisecond
)

// wait polls the word with an exponential backoff.
func wait(word *atomic.Uint32, seq uint32, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	backoff := minBackoff

	for word.Load() == seq {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return ErrTimeout
		}

		time.Sleep(min(backoff, remaining))
		backoff = min(2*backoff, maxBackoff)
	}

	return nil
}

func wake(_ *atomic.Uint32) error {
	return nil
}
