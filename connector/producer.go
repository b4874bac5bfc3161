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

// Producer is the writing end of a ring.
//
// A Producer must be used by a single goroutine at a time.
type Producer struct {
	*endBase

	cursor *rb.ProducerCursor

	maxPayload int

	_ cpu.CacheLinePad
}

// NewProducer returns the producer of the ring mapped by the segment.
// The segment is not closed with the producer.
func NewProducer(seg *shm.Segment, cfg *Config) (*Producer, error) {
	return newProducer(seg, validatedConfig(cfg))
}

func newProducer(seg *shm.Segment, cfg *Config) (*Producer, error) {
	cursor, err := rb.NewProducerCursor(seg.ProducerSide(), seg.ConsumerSide(), seg.Capacity())
	if err != nil {
		return nil, err
	}

	base := newEndBase(seg, shm.SideProducer, cfg)

	return &Producer{
		endBase: base,

		cursor: cursor,

		maxPayload: int(seg.SlotSize()) - slotHeaderSize,
	}, nil
}

// MaxPayload returns the size of the largest payload that fits in a slot.
func (p *Producer) MaxPayload() int {
	return p.maxPayload
}

func (p *Producer) checkPayload(payload []byte) error {
	if len(payload) > p.maxPayload {
		p.metrics.failures.Add(1)
		return fmt.Errorf("%w: %d bytes, at most %d", ErrPayloadTooLarge, len(payload), p.maxPayload)
	}
	return nil
}

// Write copies the payload in the next slot and publishes it.
// It blocks while the ring is full.
func (p *Producer) Write(ctx context.Context, payload []byte) error {
	if p.closed.Load() || p.peerClosed() {
		return ErrClosed
	}

	if err := p.checkPayload(payload); err != nil {
		return err
	}

	if err := p.reserve(ctx); err != nil {
		return err
	}

	p.encode(p.cursor.Peek(), payload)
	p.cursor.Advance()
	p.metrics.messages.Add(1)

	p.commit()

	return nil
}

// WriteBatch copies the payloads in consecutive slots and publishes them
// at once, or every time the ring fills up.
// It returns the number of payloads published.
func (p *Producer) WriteBatch(ctx context.Context, payloads [][]byte) (int, error) {
	if p.closed.Load() || p.peerClosed() {
		return 0, ErrClosed
	}

	for _, payload := range payloads {
		if err := p.checkPayload(payload); err != nil {
			return 0, err
		}
	}

	written := 0
	for written < len(payloads) {
		if err := p.reserve(ctx); err != nil {
			p.commit()
			return written, err
		}

		for idx := range p.cursor.PeekAll().Indices() {
			if written == len(payloads) {
				break
			}

			p.encode(idx, payloads[written])
			p.cursor.Advance()
			p.metrics.messages.Add(1)
			written++
		}
	}

	p.commit()

	return written, nil
}

func (p *Producer) encode(idx uint32, payload []byte) {
	slot := p.seg.Slot(idx)
	binary.LittleEndian.PutUint32(slot, uint32(len(payload)))
	copy(slot[slotHeaderSize:], payload)
}

// reserve makes sure there is at least one free slot.
func (p *Producer) reserve(ctx context.Context) error {
	for p.cursor.Free() == 0 {
		if p.peerClosed() {
			return ErrClosed
		}

		// The consumer can only free slots it has seen
		p.commit()

		// Spin
		for range p.cfg.SpinCount {
			p.metrics.checkouts.Add(1)
			if p.cursor.SimpleCheckout() {
				return nil
			}
			runtime.Gosched()
		}

		// Prepare to sleep, the wake word is read before the last checkout
		seq := p.ownWake.Seq()

		p.metrics.checkouts.Add(1)
		if p.cursor.FinalCheckout() {
			return nil
		}

		if p.peerClosed() {
			return ErrClosed
		}

		p.metrics.sleeps.Add(1)
		if err := p.ownWake.Wait(ctx, seq, p.cfg.WaitSlice); err != nil && !errors.Is(err, notify.ErrTimeout) {
			return err
		}
	}

	return nil
}

func (p *Producer) commit() {
	state := p.cursor.State()
	if state.Ordinal == state.LastPublished {
		return
	}

	p.metrics.commits.Add(1)

	if p.cursor.Commit() {
		p.notifyPeer()
	}
}

// Close publishes what has been written and tells the consumer
// that nothing else will be produced. It is safe to call it more than once.
func (p *Producer) Close() error {
	if p.closed.Swap(true) {
		return nil
	}

	p.commit()

	return p.release()
}
