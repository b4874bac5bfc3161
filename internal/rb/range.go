package rb

import "iter"

// Range is a logical range of ordinals [Begin, End) in a ring.
// Its length never exceeds Capacity.
type Range struct {
	Capacity uint32
	Begin    uint32
	End      uint32
}

// PhysicalRanges are the slot index intervals covering a Range:
// [FirstBegin, FirstEnd) followed by [0, SecondEnd).
// The second interval is empty unless the range wraps around the array.
type PhysicalRanges struct {
	FirstBegin uint32
	FirstEnd   uint32
	SecondEnd  uint32
}

// Len returns the number of slots in the range.
func (r Range) Len() uint32 {
	return r.End - r.Begin
}

// Physical converts the range to slot index intervals.
func (r Range) Physical() PhysicalRanges {
	mask := r.Capacity - 1
	length := r.Len()
	begin := r.Begin & mask

	if length == 0 {
		return PhysicalRanges{FirstBegin: begin, FirstEnd: begin}
	}

	// Until the end of the array
	tail := r.Capacity - begin
	if length <= tail {
		return PhysicalRanges{FirstBegin: begin, FirstEnd: begin + length}
	}

	return PhysicalRanges{
		FirstBegin: begin,
		FirstEnd:   r.Capacity,
		SecondEnd:  length - tail,
	}
}

// Indices yields the slot indices of the range in ordinal order.
func (r Range) Indices() iter.Seq[uint32] {
	return func(yield func(uint32) bool) {
		mask := r.Capacity - 1
		for ord := r.Begin; ord != r.End; ord++ {
			if !yield(ord & mask) {
				return
			}
		}
	}
}
