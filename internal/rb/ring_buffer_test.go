package rb

import (
	"fmt"
	"math"
	"math/rand/v2"
	"runtime"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testRing struct {
	shrdProd *SharedProducerSide
	shrdCons *SharedConsumerSide

	prod *ProducerCursor
	cons *ConsumerCursor
}

func newTestRing(t testing.TB, capacity uint32) *testRing {
	t.Helper()

	shrdProd := &SharedProducerSide{}
	shrdProd.Init()

	shrdCons := &SharedConsumerSide{}
	shrdCons.Init()

	prod, err := NewProducerCursor(shrdProd, shrdCons, capacity)
	require.NoError(t, err)

	cons, err := NewConsumerCursor(shrdProd, shrdCons, capacity)
	require.NoError(t, err)

	return &testRing{
		shrdProd: shrdProd,
		shrdCons: shrdCons,
		prod:     prod,
		cons:     cons,
	}
}

// startAt moves a fresh ring to the given ordinal, as if ordinal messages
// had already been produced, consumed and committed.
func (tr *testRing) startAt(ordinal uint32) {
	capacity := tr.prod.capacity

	tr.shrdProd.prod.Store(ordinal)
	tr.shrdProd.consLimit.Store(ordinal - 1)
	tr.shrdCons.cons.Store(ordinal)
	tr.shrdCons.prodLimit.Store(ordinal)

	tr.prod.prod = ordinal
	tr.prod.lastPublishedProd = ordinal
	tr.prod.prodEnd = ordinal + capacity

	tr.cons.cons = ordinal
	tr.cons.lastPublishedCons = ordinal
	tr.cons.consEnd = ordinal
}

func (tr *testRing) assertInvariants(t *testing.T) {
	t.Helper()

	p := tr.prod
	assert.LessOrEqual(t, p.prod-p.lastPublishedProd, p.prodEnd-p.lastPublishedProd, "producer ordinal past its end")
	assert.LessOrEqual(t, p.prodEnd-p.lastPublishedProd, p.capacity, "producer window larger than capacity")
	assert.Less(t, p.Peek(), p.capacity)

	c := tr.cons
	assert.LessOrEqual(t, c.cons-c.lastPublishedCons, c.consEnd-c.lastPublishedCons, "consumer ordinal past its end")
	assert.LessOrEqual(t, c.consEnd-c.lastPublishedCons, c.capacity, "consumer window larger than capacity")
	assert.Less(t, c.Peek(), c.capacity)
}

func Test_NewCursors(t *testing.T) {
	suite := []struct {
		capacity uint32
		valid    bool
	}{
		{0, false},
		{1, true},
		{2, true},
		{3, false},
		{6, false},
		{1024, true},
		{1000, false},
		{MaxCapacity, true},
		{MaxCapacity + 1, false},
		{math.MaxUint32, false},
	}

	shrdProd := &SharedProducerSide{}
	shrdCons := &SharedConsumerSide{}

	for _, tCase := range suite {
		t.Run(fmt.Sprintf("capacity-%d", tCase.capacity), func(t *testing.T) {
			assert := assert.New(t)

			prod, prodErr := NewProducerCursor(shrdProd, shrdCons, tCase.capacity)
			cons, consErr := NewConsumerCursor(shrdProd, shrdCons, tCase.capacity)

			if tCase.valid {
				assert.NoError(prodErr)
				assert.NoError(consErr)
				assert.Equal(tCase.capacity, prod.Capacity())
				assert.Equal(tCase.capacity, cons.Capacity())
				return
			}

			assert.ErrorIs(prodErr, ErrInvalidCapacity)
			assert.ErrorIs(consErr, ErrInvalidCapacity)
			assert.Nil(prod)
			assert.Nil(cons)
		})
	}

	t.Run("nil-shared-side", func(t *testing.T) {
		assert := assert.New(t)

		_, err := NewProducerCursor(nil, shrdCons, 8)
		assert.ErrorIs(err, ErrNilSharedSide)

		_, err = NewConsumerCursor(shrdProd, nil, 8)
		assert.ErrorIs(err, ErrNilSharedSide)
	})
}

func Test_SharedSidesInit(t *testing.T) {
	assert := assert.New(t)

	shrdProd := &SharedProducerSide{}
	shrdProd.prod.Store(42)
	shrdProd.Init()
	assert.Equal(uint32(0), shrdProd.Prod())
	assert.Equal(uint32(math.MaxUint32), shrdProd.ConsLimit())

	shrdCons := &SharedConsumerSide{}
	shrdCons.prodLimit.Store(42)
	shrdCons.Init()
	assert.Equal(uint32(0), shrdCons.Cons())
	assert.Equal(uint32(0), shrdCons.ProdLimit())
}

func Test_FreshRing(t *testing.T) {
	assert := assert.New(t)

	tr := newTestRing(t, 16)

	assert.Equal(uint32(16), tr.prod.Free())
	assert.Equal(uint32(0), tr.prod.Peek())
	assert.Equal(uint32(0), tr.cons.Unconsumed())
	assert.False(tr.cons.SimpleCheckout())
	assert.False(tr.prod.Commit())
	assert.False(tr.cons.Commit())
}

func Test_RoundTrip(t *testing.T) {
	for k := range 11 {
		capacity := uint32(1) << k

		t.Run(fmt.Sprintf("capacity-%d", capacity), func(t *testing.T) {
			assert := assert.New(t)

			tr := newTestRing(t, capacity)

			for range capacity {
				tr.prod.Advance()
			}
			assert.Equal(uint32(0), tr.prod.Free())
			assert.True(tr.prod.Commit())

			assert.True(tr.cons.SimpleCheckout())
			assert.Equal(capacity, tr.cons.Unconsumed())

			indices := make([]uint32, 0, capacity)
			for tr.cons.Unconsumed() > 0 {
				indices = append(indices, tr.cons.Peek())
				tr.cons.Advance()
			}

			for i, idx := range indices {
				assert.Equal(uint32(i)%capacity, idx)
			}

			assert.False(tr.cons.Commit())
			assert.True(tr.prod.SimpleCheckout())
			assert.Equal(capacity, tr.prod.Free())

			tr.assertInvariants(t)
		})
	}
}

func Test_ProducerCommitNotifies(t *testing.T) {
	assert := assert.New(t)

	tr := newTestRing(t, 8)

	tr.prod.Advance()
	assert.True(tr.prod.Commit(), "first commit must wake the consumer")
	assert.False(tr.prod.Commit(), "commit without advance publishes nothing")
	assert.Equal(uint32(1), tr.shrdProd.Prod())

	tr.prod.Advance()
	assert.False(tr.prod.Commit(), "consumer did not ask to be woken again")

	// The consumer drains the ring and goes to sleep
	assert.True(tr.cons.SimpleCheckout())
	for tr.cons.Unconsumed() > 0 {
		tr.cons.Advance()
	}
	assert.False(tr.cons.Commit())
	assert.False(tr.cons.SimpleCheckout())
	assert.False(tr.cons.FinalCheckout())
	assert.Equal(uint32(2), tr.shrdCons.ProdLimit())

	tr.prod.Advance()
	assert.True(tr.prod.Commit(), "sleeping consumer must be woken")
}

func Test_ConsumerCommitIsLazy(t *testing.T) {
	assert := assert.New(t)

	tr := newTestRing(t, 4)

	for range 3 {
		tr.prod.Advance()
		tr.prod.Commit()

		assert.True(tr.cons.SimpleCheckout())
		tr.cons.Advance()
		assert.False(tr.cons.Commit(), "producer did not ask to be woken")
	}

	assert.Equal(uint32(3), tr.shrdCons.Cons())
}

func Test_FullRing(t *testing.T) {
	assert := assert.New(t)

	const capacity = 8
	tr := newTestRing(t, capacity)

	for range capacity {
		tr.prod.Advance()
	}
	tr.prod.Commit()

	assert.Equal(uint32(0), tr.prod.Free())
	assert.False(tr.prod.SimpleCheckout(), "consumer has not advanced")

	// The producer prepares to sleep
	assert.False(tr.prod.FinalCheckout())
	assert.Equal(uint32(0), tr.shrdProd.ConsLimit())

	assert.True(tr.cons.SimpleCheckout())
	tr.cons.Advance()
	assert.True(tr.cons.Commit(), "sleeping producer must be woken")

	assert.True(tr.prod.SimpleCheckout())
	assert.Equal(uint32(1), tr.prod.Free())
	assert.Equal(uint32(0), tr.prod.Peek())

	tr.assertInvariants(t)
}

func Test_ProducerRejectsBogusConsumer(t *testing.T) {
	const capacity = 8

	suite := []struct {
		name string
		cons uint32
	}{
		{"regressed", 1},
		{"past-published-prod", 5},
		{"far-away", 0x8000_0000},
		{"max", math.MaxUint32},
	}

	for _, tCase := range suite {
		t.Run(tCase.name, func(t *testing.T) {
			assert := assert.New(t)

			tr := newTestRing(t, capacity)

			for range 4 {
				tr.prod.Advance()
			}
			tr.prod.Commit()

			// A legitimate consumer at ordinal 2
			tr.shrdCons.cons.Store(2)
			assert.True(tr.prod.SimpleCheckout())
			assert.Equal(uint32(2+capacity), tr.prod.prodEnd)

			before := tr.prod.State()

			tr.shrdCons.cons.Store(tCase.cons)
			tr.prod.SimpleCheckout()
			tr.prod.FinalCheckout()

			assert.Equal(before, tr.prod.State())
			assert.LessOrEqual(tr.prod.Free(), uint32(capacity))
			assert.Less(tr.prod.Peek(), uint32(capacity))
			tr.assertInvariants(t)
		})
	}
}

func Test_ConsumerRejectsBogusProducer(t *testing.T) {
	const capacity = 8

	suite := []struct {
		name string
		prod uint32
	}{
		{"regressed", 3},
		{"more-than-capacity-ahead", 4 + capacity + 1},
		{"far-away", 0x8000_0000},
		{"max", math.MaxUint32},
	}

	for _, tCase := range suite {
		t.Run(tCase.name, func(t *testing.T) {
			assert := assert.New(t)

			tr := newTestRing(t, capacity)

			for range 4 {
				tr.prod.Advance()
			}
			tr.prod.Commit()

			assert.True(tr.cons.SimpleCheckout())
			assert.Equal(uint32(4), tr.cons.Unconsumed())

			before := tr.cons.State()

			tr.shrdProd.prod.Store(tCase.prod)
			tr.cons.SimpleCheckout()
			tr.cons.FinalCheckout()

			assert.Equal(before, tr.cons.State())
			assert.LessOrEqual(tr.cons.Unconsumed(), uint32(capacity))
			assert.Less(tr.cons.Peek(), uint32(capacity))
			tr.assertInvariants(t)
		})
	}
}

func Test_HostilePeerFuzz(t *testing.T) {
	const capacity = 16

	rng := rand.New(rand.NewPCG(1, 2))
	tr := newTestRing(t, capacity)

	for range 10_000 {
		// The hostile consumer scribbles its shared word
		tr.shrdCons.cons.Store(rng.Uint32())
		tr.shrdCons.prodLimit.Store(rng.Uint32())

		if tr.prod.Free() > 0 && rng.IntN(2) == 0 {
			tr.prod.Advance()
		}
		tr.prod.Commit()
		tr.prod.SimpleCheckout()

		// The hostile producer scribbles its shared word
		tr.shrdProd.prod.Store(rng.Uint32())
		tr.shrdProd.consLimit.Store(rng.Uint32())

		if tr.cons.Unconsumed() > 0 && rng.IntN(2) == 0 {
			tr.cons.Advance()
		}
		tr.cons.Commit()
		tr.cons.FinalCheckout()

		tr.assertInvariants(t)
	}
}

func Test_Wraparound(t *testing.T) {
	suite := []uint32{1, 4, 64}

	for _, capacity := range suite {
		t.Run(fmt.Sprintf("capacity-%d", capacity), func(t *testing.T) {
			assert := assert.New(t)

			start := uint32(math.MaxUint32 - capacity/2)

			tr := newTestRing(t, capacity)
			tr.startAt(start)

			assert.Equal(capacity, tr.prod.Free())
			assert.Equal(uint32(0), tr.cons.Unconsumed())

			ordinal := start
			for round := range 4 {
				for range capacity {
					assert.Equal(ordinal&(capacity-1), tr.prod.Peek())
					tr.prod.Advance()
					ordinal++
				}
				assert.Equal(uint32(0), tr.prod.Free())
				tr.prod.Commit()

				assert.True(tr.cons.SimpleCheckout(), "round %d", round)
				assert.Equal(capacity, tr.cons.Unconsumed())

				expected := ordinal - capacity
				for tr.cons.Unconsumed() > 0 {
					assert.Equal(expected&(capacity-1), tr.cons.Peek())
					tr.cons.Advance()
					expected++
				}
				tr.cons.Commit()

				assert.True(tr.prod.SimpleCheckout())
				assert.Equal(capacity, tr.prod.Free())

				tr.assertInvariants(t)
			}

			assert.Less(tr.prod.prod, start, "ordinals must have wrapped")
		})
	}
}

func Test_RandomInterleavings(t *testing.T) {
	for k := range 7 {
		capacity := uint32(1) << k

		t.Run(fmt.Sprintf("capacity-%d", capacity), func(t *testing.T) {
			assert := assert.New(t)

			rng := rand.New(rand.NewPCG(uint64(k), 42))
			tr := newTestRing(t, capacity)

			// Start close to the wrapping point to cross it
			tr.startAt(math.MaxUint32 - 1000)

			slots := make([]int, capacity)
			produced, consumed := 0, 0

			for range 20_000 {
				switch rng.IntN(4) {
				case 0:
					if tr.prod.Free() == 0 {
						tr.prod.SimpleCheckout()
					}
					if tr.prod.Free() > 0 {
						slots[tr.prod.Peek()] = produced
						tr.prod.Advance()
						produced++
					}

				case 1:
					tr.prod.Commit()

				case 2:
					if tr.cons.Unconsumed() == 0 {
						tr.cons.SimpleCheckout()
					}
					if tr.cons.Unconsumed() > 0 {
						assert.Equal(consumed, slots[tr.cons.Peek()])
						tr.cons.Advance()
						consumed++
					}

				case 3:
					tr.cons.Commit()
				}

				tr.assertInvariants(t)
			}

			// Drain what is left
			tr.prod.Commit()
			for tr.cons.SimpleCheckout() {
				for tr.cons.Unconsumed() > 0 {
					assert.Equal(consumed, slots[tr.cons.Peek()])
					tr.cons.Advance()
					consumed++
				}
			}

			assert.Equal(produced, consumed)
		})
	}
}

func Test_ConcurrentProducerConsumer(t *testing.T) {
	const items = 100_000

	suite := []uint32{1, 8, 256}

	for _, capacity := range suite {
		t.Run(fmt.Sprintf("capacity-%d", capacity), func(t *testing.T) {
			assert := assert.New(t)

			tr := newTestRing(t, capacity)
			slots := make([]int, capacity)

			wg := &sync.WaitGroup{}
			wg.Add(2)

			go func() {
				defer wg.Done()

				for i := range items {
					for tr.prod.Free() == 0 {
						if tr.prod.SimpleCheckout() {
							break
						}
						tr.prod.Commit()
						runtime.Gosched()
					}

					slots[tr.prod.Peek()] = i
					tr.prod.Advance()

					if i%16 == 0 {
						tr.prod.Commit()
					}
				}

				tr.prod.Commit()
			}()

			received := make([]int, 0, items)

			go func() {
				defer wg.Done()

				for len(received) < items {
					if tr.cons.Unconsumed() == 0 && !tr.cons.SimpleCheckout() {
						tr.cons.Commit()
						runtime.Gosched()
						continue
					}

					received = append(received, slots[tr.cons.Peek()])
					tr.cons.Advance()
				}

				tr.cons.Commit()
			}()

			wg.Wait()

			assert.Len(received, items)
			for i, val := range received {
				if !assert.Equal(i, val) {
					break
				}
			}
		})
	}
}

func Benchmark_Cursors(b *testing.B) {
	capacities := []uint32{64, 1024}

	for _, capacity := range capacities {
		b.Run(fmt.Sprintf("ProduceConsume-%d", capacity), func(b *testing.B) {
			tr := newTestRing(b, capacity)

			for b.Loop() {
				if tr.prod.Free() == 0 {
					tr.prod.Commit()
					tr.cons.SimpleCheckout()
					for tr.cons.Unconsumed() > 0 {
						tr.cons.Advance()
					}
					tr.cons.Commit()
					tr.prod.SimpleCheckout()
				}

				tr.prod.Advance()
			}
		})
	}
}
