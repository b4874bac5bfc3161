package rb

// ProducerCursor is the private state of the producer.
//
// Invariant (mod 2^32):
//
//	prod - lastPublishedProd <= prodEnd - lastPublishedProd <= capacity
//
// A ProducerCursor is owned by a single goroutine of the producer process.
type ProducerCursor struct {
	shrdProd *SharedProducerSide
	shrdCons *SharedConsumerSide

	capacity uint32

	// prod is the ordinal of the next message to produce,
	// copied to shrdProd on commit.
	prod uint32
	// lastPublishedProd is the last value of prod copied to shrdProd.
	lastPublishedProd uint32
	// prodEnd is the ordinal the producer may advance to.
	prodEnd uint32
}

// NewProducerCursor returns the producer cursor of a ring of the given capacity.
// Both shared sides must already be initialized and visible to the producer.
func NewProducerCursor(shrdProd *SharedProducerSide, shrdCons *SharedConsumerSide, capacity uint32) (*ProducerCursor, error) {
	if err := validateCursorArgs(shrdProd, shrdCons, capacity); err != nil {
		return nil, err
	}

	return &ProducerCursor{
		shrdProd: shrdProd,
		shrdCons: shrdCons,

		capacity: capacity,

		prod:              0,
		lastPublishedProd: 0,
		prodEnd:           capacity,
	}, nil
}

// Capacity returns the capacity of the ring.
func (pc *ProducerCursor) Capacity() uint32 {
	return pc.capacity
}

// Free returns the number of slots the producer can fill
// without checking out.
func (pc *ProducerCursor) Free() uint32 {
	return pc.prodEnd - pc.prod
}

// Peek returns the index of the next slot to write.
func (pc *ProducerCursor) Peek() uint32 {
	return pc.prod & (pc.capacity - 1)
}

// PeekAll returns the range of slots available for production.
func (pc *ProducerCursor) PeekAll() Range {
	return Range{Capacity: pc.capacity, Begin: pc.prod, End: pc.prodEnd}
}

// Advance registers that the slot returned by Peek has been written.
// The production becomes visible to the consumer on the next Commit.
func (pc *ProducerCursor) Advance() {
	pc.prod++
}

// SimpleCheckout looks for slots freed by the consumer.
// It returns whether there is room to produce.
//
// SimpleCheckout does not ask for a notification: a producer that wants
// to sleep must call FinalCheckout first.
func (pc *ProducerCursor) SimpleCheckout() bool {
	return pc.checkout(pc.shrdCons.cons.Load())
}

// FinalCheckout asks the consumer to be notified once it frees a slot,
// then looks for slots freed in the meantime.
// When it returns false the producer can sleep until notified.
func (pc *ProducerCursor) FinalCheckout() bool {
	pc.shrdProd.consLimit.Store(pc.prodEnd - pc.capacity)
	return pc.checkout(pc.shrdCons.cons.Load())
}

func (pc *ProducerCursor) checkout(cons uint32) bool {
	capacity := pc.capacity

	// A consumer that went backwards, or past the published prod,
	// is ignored
	if cons+capacity-pc.prodEnd <= pc.lastPublishedProd+capacity-pc.prodEnd {
		// With pe the old prodEnd, lpp the last published prod:
		// cons+C-pe <= C-(pe-lpp), so the new prodEnd-lpp stays in [pe-lpp, C]
		pc.prodEnd = cons + capacity
	}

	return pc.prodEnd != pc.prod
}

// Commit publishes the production since the last commit.
// It returns true when the consumer must be notified.
func (pc *ProducerCursor) Commit() bool {
	lastPublished := pc.lastPublishedProd
	prod := pc.prod

	if prod == lastPublished {
		return false
	}

	// The load of prodLimit must not be ordered before the store of prod
	pc.shrdProd.prod.Store(prod)
	prodLimit := pc.shrdCons.prodLimit.Load()

	pc.lastPublishedProd = prod

	return prod-lastPublished > prodLimit-lastPublished
}

// State returns a snapshot of the private state.
func (pc *ProducerCursor) State() CursorState {
	return CursorState{
		Ordinal:       pc.prod,
		LastPublished: pc.lastPublishedProd,
		End:           pc.prodEnd,
	}
}
