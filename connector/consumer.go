package connector

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"runtime"

	"github.com/FerroO2000/uniring/internal/notify"
	"github.com/FerroO2000/uniring/internal/rb"
	"github.com/FerroO2000/uniring/internal/shm"
	"golang.org/x/sys/cpu"
)

// Consumer is the reading end of a ring.
//
// A Consumer must be used by a single goroutine at a time.
type Consumer struct {
	*endBase

	cursor *rb.ConsumerCursor

	maxPayload uint32
	// pending is the number of messages read since the last commit
	pending int

	_ cpu.CacheLinePad
}

// NewConsumer returns the consumer of the ring mapped by the segment.
// The segment is not closed with the consumer.
func NewConsumer(seg *shm.Segment, cfg *Config) (*Consumer, error) {
	return newConsumer(seg, validatedConfig(cfg))
}

func newConsumer(seg *shm.Segment, cfg *Config) (*Consumer, error) {
	cursor, err := rb.NewConsumerCursor(seg.ProducerSide(), seg.ConsumerSide(), seg.Capacity())
	if err != nil {
		return nil, err
	}

	base := newEndBase(seg, shm.SideConsumer, cfg)

	return &Consumer{
		endBase: base,

		cursor: cursor,

		maxPayload: seg.SlotSize() - slotHeaderSize,
	}, nil
}

// Read returns a copy of the payload of the next message.
// It blocks while the ring is empty, and returns ErrClosed once the producer
// is closed and every message it published has been read.
func (c *Consumer) Read(ctx context.Context) ([]byte, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}

	if err := c.fill(ctx); err != nil {
		return nil, err
	}

	payload, err := c.decode(c.cursor.Peek())
	c.advance()

	return payload, err
}

// ReadBatch returns the payloads of up to maxMessages messages,
// or of all the available ones when maxMessages is not positive.
// It blocks until at least one message is available.
// Malformed slots are skipped and reported with ErrMalformedSlot
// alongside the valid payloads.
func (c *Consumer) ReadBatch(ctx context.Context, maxMessages int) ([][]byte, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}

	if err := c.fill(ctx); err != nil {
		return nil, err
	}

	unconsumed := c.cursor.PeekAll()
	if maxMessages <= 0 {
		maxMessages = int(unconsumed.Len())
	}

	payloads := make([][]byte, 0, min(int(unconsumed.Len()), maxMessages))

	var malformed error
	for idx := range unconsumed.Indices() {
		if len(payloads) >= maxMessages {
			break
		}

		payload, err := c.decode(idx)
		c.advance()

		if err != nil {
			malformed = err
			continue
		}

		payloads = append(payloads, payload)
	}

	return payloads, malformed
}

// decode copies the payload out of a slot.
// The length is read once, the producer may still scribble the slot.
func (c *Consumer) decode(idx uint32) ([]byte, error) {
	slot := c.seg.Slot(idx)

	length := binary.LittleEndian.Uint32(slot)
	if length > c.maxPayload {
		c.metrics.failures.Add(1)
		return nil, fmt.Errorf("%w: length %d in slot %d", ErrMalformedSlot, length, idx)
	}

	payload := make([]byte, length)
	copy(payload, slot[slotHeaderSize:slotHeaderSize+length])

	return payload, nil
}

func (c *Consumer) advance() {
	c.cursor.Advance()
	c.metrics.messages.Add(1)

	c.pending++
	if c.pending >= c.cfg.CommitBatch {
		c.commit()
	}
}

// fill makes sure there is at least one message to read.
func (c *Consumer) fill(ctx context.Context) error {
	for c.cursor.Unconsumed() == 0 {
		// Running dry, the producer may be waiting for room
		c.commit()

		// Spin
		for range c.cfg.SpinCount {
			c.metrics.checkouts.Add(1)
			if c.cursor.SimpleCheckout() {
				return nil
			}
			runtime.Gosched()
		}

		// Prepare to sleep, the wake word is read before the last checkout.
		// The closed flag is read before it too: the producer commits
		// everything before raising it.
		seq := c.ownWake.Seq()
		producerClosed := c.peerClosed()

		c.metrics.checkouts.Add(1)
		if c.cursor.FinalCheckout() {
			return nil
		}

		if producerClosed {
			return ErrClosed
		}

		c.metrics.sleeps.Add(1)
		if err := c.ownWake.Wait(ctx, seq, c.cfg.WaitSlice); err != nil && !errors.Is(err, notify.ErrTimeout) {
			return err
		}
	}

	return nil
}

func (c *Consumer) commit() {
	if c.pending == 0 {
		return
	}
	c.pending = 0

	c.metrics.commits.Add(1)

	if c.cursor.Commit() {
		c.notifyPeer()
	}
}

// Close publishes what has been read and tells the producer
// that nothing else will be consumed. It is safe to call it more than once.
func (c *Consumer) Close() error {
	if c.closed.Swap(true) {
		return nil
	}

	c.commit()

	return c.release()
}
