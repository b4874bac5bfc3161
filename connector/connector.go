// Package connector moves messages between two processes
// (or two goroutines) over a shared-memory ring.
//
// A ring has exactly one Producer and one Consumer. Each message lives in
// a fixed-size slot: a little-endian 32-bit length followed by the payload.
// Both ends spin for a while when the ring is full (or empty), then
// sleep on their wake word until the peer notifies them.
package connector

import (
	"context"
	"errors"
)

var (
	// ErrClosed is returned when the peer (or the end itself) has been closed.
	ErrClosed = errors.New("connector: closed")
	// ErrPayloadTooLarge is returned when a payload does not fit in a slot.
	ErrPayloadTooLarge = errors.New("connector: payload too large")
	// ErrMalformedSlot is returned when a slot holds an impossible length.
	// The slot is consumed anyway.
	ErrMalformedSlot = errors.New("connector: malformed slot")
)

// slotHeaderSize is the size of the length prefix of a slot.
const slotHeaderSize = 4

// Sender is the writing end of a ring.
type Sender interface {
	Write(ctx context.Context, payload []byte) error
	WriteBatch(ctx context.Context, payloads [][]byte) (int, error)
	Close() error
}

// Receiver is the reading end of a ring.
type Receiver interface {
	Read(ctx context.Context) ([]byte, error)
	ReadBatch(ctx context.Context, maxMessages int) ([][]byte, error)
	Close() error
}

var (
	_ Sender   = (*Producer)(nil)
	_ Receiver = (*Consumer)(nil)
)
