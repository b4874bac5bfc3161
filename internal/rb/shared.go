package rb

import (
	"math"
	"sync/atomic"
	"unsafe"
)

// SharedProducerSide is the part of the shared memory written by the producer
// and read by the consumer.
//
// The layout is two 32-bit words, prod then consLimit, and must match the
// peer bit for bit.
type SharedProducerSide struct {
	// prod is the ordinal of the next message to produce.
	prod atomic.Uint32
	// consLimit is the ordinal the consumer has to strictly pass
	// before notifying the producer.
	consLimit atomic.Uint32
}

// SharedConsumerSide is the part of the shared memory written by the consumer
// and read by the producer.
//
// The layout is two 32-bit words, cons then prodLimit.
type SharedConsumerSide struct {
	// cons is the ordinal of the next message to consume.
	cons atomic.Uint32
	// prodLimit is the ordinal the producer has to strictly pass
	// before notifying the consumer.
	prodLimit atomic.Uint32
}

// SharedSideSize is the size in bytes of both shared sides.
const SharedSideSize = 8

var (
	_ [SharedSideSize]byte = [unsafe.Sizeof(SharedProducerSide{})]byte{}
	_ [SharedSideSize]byte = [unsafe.Sizeof(SharedConsumerSide{})]byte{}
)

// Init resets the producer side. The producer starts without asking
// to be notified.
//
// Init may be called by either peer, but both must observe its effects
// before building their cursors.
func (s *SharedProducerSide) Init() {
	s.prod.Store(0)
	s.consLimit.Store(math.MaxUint32)
}

// Prod returns the published producer ordinal.
func (s *SharedProducerSide) Prod() uint32 {
	return s.prod.Load()
}

// ConsLimit returns the published consumer notification threshold.
func (s *SharedProducerSide) ConsLimit() uint32 {
	return s.consLimit.Load()
}

// Init resets the consumer side. The consumer starts asking to be
// notified as soon as anything is produced.
func (s *SharedConsumerSide) Init() {
	s.cons.Store(0)
	s.prodLimit.Store(0)
}

// Cons returns the published consumer ordinal.
func (s *SharedConsumerSide) Cons() uint32 {
	return s.cons.Load()
}

// ProdLimit returns the published producer notification threshold.
func (s *SharedConsumerSide) ProdLimit() uint32 {
	return s.prodLimit.Load()
}
