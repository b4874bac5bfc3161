package rb

// ConsumerCursor is the private state of the consumer.
//
// Invariant (mod 2^32):
//
//	cons - lastPublishedCons <= consEnd - lastPublishedCons <= capacity
type ConsumerCursor struct {
	shrdProd *SharedProducerSide
	shrdCons *SharedConsumerSide

	capacity uint32

	// cons is the ordinal of the next message to consume.
	cons uint32
	// lastPublishedCons is the last value of cons copied to shrdCons.
	lastPublishedCons uint32
	// consEnd is the ordinal the consumer may advance to.
	consEnd uint32
}

// NewConsumerCursor returns the consumer cursor of a ring of the given capacity.
// Both shared sides must already be initialized and visible to the consumer.
func NewConsumerCursor(shrdProd *SharedProducerSide, shrdCons *SharedConsumerSide, capacity uint32) (*ConsumerCursor, error) {
	if err := validateCursorArgs(shrdProd, shrdCons, capacity); err != nil {
		return nil, err
	}

	return &ConsumerCursor{
		shrdProd: shrdProd,
		shrdCons: shrdCons,

		capacity: capacity,
	}, nil
}

// Capacity returns the capacity of the ring.
func (cc *ConsumerCursor) Capacity() uint32 {
	return cc.capacity
}

// Unconsumed returns the number of messages the consumer can read
// without checking out.
func (cc *ConsumerCursor) Unconsumed() uint32 {
	return cc.consEnd - cc.cons
}

// Peek returns the index of the next slot to read.
func (cc *ConsumerCursor) Peek() uint32 {
	return cc.cons & (cc.capacity - 1)
}

// PeekAll returns the range of unconsumed slots.
func (cc *ConsumerCursor) PeekAll() Range {
	return Range{Capacity: cc.capacity, Begin: cc.cons, End: cc.consEnd}
}

// Advance registers that the slot returned by Peek has been read.
func (cc *ConsumerCursor) Advance() {
	cc.cons++
}

// SimpleCheckout looks for new messages.
// It returns whether there is something to consume.
func (cc *ConsumerCursor) SimpleCheckout() bool {
	return cc.checkout(cc.shrdProd.prod.Load())
}

// FinalCheckout asks the producer to be notified as soon as it produces
// more, then looks for messages produced in the meantime.
// When it returns false the consumer can sleep until notified.
func (cc *ConsumerCursor) FinalCheckout() bool {
	cc.shrdCons.prodLimit.Store(cc.consEnd)
	return cc.checkout(cc.shrdProd.prod.Load())
}

func (cc *ConsumerCursor) checkout(prod uint32) bool {
	// A producer that went backwards, or more than a capacity
	// ahead of the published cons, is ignored
	if prod-cc.consEnd <= cc.lastPublishedCons+cc.capacity-cc.consEnd {
		// With ce the old consEnd, lpc the last published cons:
		// prod-ce <= C-(ce-lpc), so the new consEnd-lpc stays in [ce-lpc, C]
		cc.consEnd = prod
	}

	return cc.consEnd != cc.cons
}

// Commit publishes the consumption since the last commit.
// It returns true when the producer must be notified.
func (cc *ConsumerCursor) Commit() bool {
	lastPublished := cc.lastPublishedCons
	cons := cc.cons

	if cons == lastPublished {
		return false
	}

	cc.lastPublishedCons = cons

	// The load of consLimit must not be ordered before the store of cons
	cc.shrdCons.cons.Store(cons)
	consLimit := cc.shrdProd.consLimit.Load()

	return cons-lastPublished > consLimit-lastPublished
}

// State returns a snapshot of the private state.
func (cc *ConsumerCursor) State() CursorState {
	return CursorState{
		Ordinal:       cc.cons,
		LastPublished: cc.lastPublishedCons,
		End:           cc.consEnd,
	}
}
