// Package rb implements the synchronization protocol of a unidirectional
// single producer/single consumer ring buffer whose control words live in
// memory shared by two mutually distrustful peers.
//
// The package never touches the message slots. It tracks the progress of the
// producer and of the consumer with 32-bit wrapping ordinals, hands out slot
// indices (ordinal mod capacity) and tells the caller when the peer must be
// notified. A message with ordinal O lives in slot O % C. Ordinals 0 and C both
// map to slot 0, but the former means "empty" and the latter "full".
//
// Seen from an external observer the ring is split in two ranges:
//
//	┌──────────┬──────────┐
//	│ Consumer │ Producer │
//	│  slots   │  slots   │
//	└──────────┴──────────┘
//	 ↑          ↑
//	 shared     shared
//	 cons       prod
//
// The producer sees it as:
//
//	┌─────────────┬───────────────┬──────────┐
//	│ Uncommitted │ Available for │ Consumer │
//	│ production  │  production   │  slots   │
//	└─────────────┴───────────────┴──────────┘
//	 ↑             ↑               ↑
//	 lastPublished prod            prodEnd
//
// and the consumer as:
//
//	┌─────────────┬────────────┬──────────┐
//	│ Uncommitted │ Unconsumed │ Producer │
//	│ consumption │  messages  │  slots   │
//	└─────────────┴────────────┴──────────┘
//	 ↑             ↑            ↑
//	 lastPublished cons         consEnd
//
// A peer writing garbage in its shared words can only stall the
// communication: the bounds derived from the shared words never leave the
// window negotiated so far, so slot indices always stay in [0, capacity).
package rb

import (
	"errors"
	"fmt"
	"math/bits"
)

// MaxCapacity is the largest power of two representable as a capacity.
const MaxCapacity uint32 = 1 << 31

var (
	// ErrInvalidCapacity is returned when the capacity is not a nonzero power of two.
	ErrInvalidCapacity = errors.New("ring buffer: capacity must be a nonzero power of two")
	// ErrNilSharedSide is returned when a cursor is built without one of the shared sides.
	ErrNilSharedSide = errors.New("ring buffer: shared side is nil")
)

// ValidateCapacity checks that the capacity is a nonzero power of two.
func ValidateCapacity(capacity uint32) error {
	if capacity == 0 || bits.OnesCount32(capacity) != 1 {
		return fmt.Errorf("%w: got %d", ErrInvalidCapacity, capacity)
	}

	return nil
}

func validateCursorArgs(shrdProd *SharedProducerSide, shrdCons *SharedConsumerSide, capacity uint32) error {
	if shrdProd == nil || shrdCons == nil {
		return ErrNilSharedSide
	}

	return ValidateCapacity(capacity)
}

// CursorState is a snapshot of the private bookkeeping of a cursor.
type CursorState struct {
	// Ordinal is the ordinal of the next message to produce/consume.
	Ordinal uint32
	// LastPublished is the last ordinal copied to the shared side.
	LastPublished uint32
	// End is the ordinal the cursor may advance to without checking out.
	End uint32
}
