// Package shm maps the memory shared by the two ends of a ring.
//
// A segment holds a small header, the two shared sides of the ring,
// one wake word per end and the message slots:
//
//	0x000  header (64 B)
//	0x040  shared producer side
//	0x080  shared consumer side
//	0x0C0  consumer wake word
//	0x100  producer wake word
//	0x140  slots (capacity x slot size)
//
// Every control block sits on its own cache line.
package shm

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"unsafe"

	"github.com/FerroO2000/uniring/internal/rb"
)

const (
	// Magic identifies a ring segment.
	Magic = "UNIRING\x00"
	// Version is the layout version.
	Version uint32 = 1

	// HeaderSize is the size of the segment header.
	HeaderSize = 64

	producerSideOffset   = 0x040
	consumerSideOffset   = 0x080
	consumerWakeOffset   = 0x0C0
	producerWakeOffset   = 0x100
	defaultSlotsOffset   = 0x140
	slotAlignment        = 8
	defaultSegmentPrefix = "uniring_"
)

var (
	// ErrInvalidSegment is returned when a mapped file is not a valid segment.
	ErrInvalidSegment = errors.New("shm: invalid segment")
	// ErrSegmentNotReady is returned when the creator has not finished
	// initializing the segment.
	ErrSegmentNotReady = errors.New("shm: segment not ready")
	// ErrInvalidSlotSize is returned when the slot size is zero or not a multiple of 8.
	ErrInvalidSlotSize = errors.New("shm: slot size must be a nonzero multiple of 8")
	// ErrInvalidName is returned when a segment name is empty or contains a path separator.
	ErrInvalidName = errors.New("shm: invalid segment name")
	// ErrUnsupported is returned when memory mapping is not available on the platform.
	ErrUnsupported = errors.New("shm: shared memory mapping not supported on this platform")
)

// Header is the first cache line of a segment.
type Header struct {
	magic       [8]byte       // 0x00
	version     uint32        // 0x08
	capacity    uint32        // 0x0C
	slotSize    uint32        // 0x10
	flags       uint32        // 0x14
	totalSize   uint64        // 0x18
	slotsOffset uint64        // 0x20
	creatorPID  uint32        // 0x28
	ready       atomic.Uint32 // 0x2C
	closed      atomic.Uint32 // 0x30
	_           [12]byte      // 0x34
}

var _ [HeaderSize]byte = [unsafe.Sizeof(Header{})]byte{}

// Magic returns the magic bytes.
func (h *Header) Magic() string { return string(h.magic[:]) }

// Version returns the layout version.
func (h *Header) Version() uint32 { return h.version }

// Capacity returns the number of slots.
func (h *Header) Capacity() uint32 { return h.capacity }

// SlotSize returns the size of a slot in bytes.
func (h *Header) SlotSize() uint32 { return h.slotSize }

// TotalSize returns the size of the whole segment.
func (h *Header) TotalSize() uint64 { return h.totalSize }

// SlotsOffset returns the offset of the first slot.
func (h *Header) SlotsOffset() uint64 { return h.slotsOffset }

// CreatorPID returns the process ID of the creator.
func (h *Header) CreatorPID() uint32 { return h.creatorPID }

// Ready reports whether the creator has published the segment.
func (h *Header) Ready() bool { return h.ready.Load() == 1 }

// Closed returns the bitmask of the closed sides.
func (h *Header) Closed() Side { return Side(h.closed.Load()) }

// Side identifies one end of the ring.
type Side uint32

const (
	// SideProducer is the producing end.
	SideProducer Side = 1 << iota
	// SideConsumer is the consuming end.
	SideConsumer
)

func (s Side) String() string {
	switch s {
	case SideProducer:
		return "producer"
	case SideConsumer:
		return "consumer"
	case SideProducer | SideConsumer:
		return "producer|consumer"
	default:
		return "none"
	}
}

// Layout describes the placement of a ring in a segment.
type Layout struct {
	Capacity    uint32
	SlotSize    uint32
	SlotsOffset uint64
	TotalSize   uint64
}

// CalculateLayout returns the layout of a segment holding
// capacity slots of slotSize bytes.
func CalculateLayout(capacity, slotSize uint32) (Layout, error) {
	if err := rb.ValidateCapacity(capacity); err != nil {
		return Layout{}, err
	}

	if slotSize == 0 || slotSize%slotAlignment != 0 {
		return Layout{}, fmt.Errorf("%w: got %d", ErrInvalidSlotSize, slotSize)
	}

	slotsLen := uint64(capacity) * uint64(slotSize)
	totalSize := defaultSlotsOffset + slotsLen

	if totalSize > math.MaxInt {
		return Layout{}, fmt.Errorf("%w: segment of %d bytes is too large", ErrInvalidSegment, totalSize)
	}

	return Layout{
		Capacity:    capacity,
		SlotSize:    slotSize,
		SlotsOffset: defaultSlotsOffset,
		TotalSize:   totalSize,
	}, nil
}

// Segment is a mapped ring segment.
//
// The geometry is read once when the segment is opened:
// later writes to the header by the peer are ignored.
type Segment struct {
	mem   []byte
	unmap func([]byte) error

	file *os.File
	path string

	layout Layout
	hdr    *Header

	prodSide *rb.SharedProducerSide
	consSide *rb.SharedConsumerSide

	consWake *atomic.Uint32
	prodWake *atomic.Uint32
}

func newSegment(mem []byte, layout Layout) *Segment {
	return &Segment{
		mem: mem,

		layout: layout,
		hdr:    (*Header)(unsafe.Pointer(&mem[0])),

		prodSide: (*rb.SharedProducerSide)(unsafe.Pointer(&mem[producerSideOffset])),
		consSide: (*rb.SharedConsumerSide)(unsafe.Pointer(&mem[consumerSideOffset])),

		consWake: (*atomic.Uint32)(unsafe.Pointer(&mem[consumerWakeOffset])),
		prodWake: (*atomic.Uint32)(unsafe.Pointer(&mem[producerWakeOffset])),
	}
}

// initialize writes the header and resets the shared sides.
// The ready flag is published last.
func (s *Segment) initialize() {
	hdr := s.hdr

	copy(hdr.magic[:], Magic)
	hdr.version = Version
	hdr.capacity = s.layout.Capacity
	hdr.slotSize = s.layout.SlotSize
	hdr.flags = 0
	hdr.totalSize = s.layout.TotalSize
	hdr.slotsOffset = s.layout.SlotsOffset
	hdr.creatorPID = uint32(os.Getpid())
	hdr.closed.Store(0)

	s.prodSide.Init()
	s.consSide.Init()

	s.consWake.Store(0)
	s.prodWake.Store(0)

	hdr.ready.Store(1)
}

// validateHeader checks a header mapped from a file of fileSize bytes.
func validateHeader(hdr *Header, fileSize int64) (Layout, error) {
	if !hdr.Ready() {
		return Layout{}, ErrSegmentNotReady
	}

	if hdr.Magic() != Magic {
		return Layout{}, fmt.Errorf("%w: bad magic %q", ErrInvalidSegment, hdr.magic[:])
	}

	if hdr.version != Version {
		return Layout{}, fmt.Errorf("%w: unsupported version %d", ErrInvalidSegment, hdr.version)
	}

	layout, err := CalculateLayout(hdr.capacity, hdr.slotSize)
	if err != nil {
		return Layout{}, fmt.Errorf("%w: %w", ErrInvalidSegment, err)
	}

	if hdr.totalSize != layout.TotalSize || hdr.slotsOffset != layout.SlotsOffset {
		return Layout{}, fmt.Errorf("%w: header sizes do not match the geometry", ErrInvalidSegment)
	}

	if fileSize < int64(layout.TotalSize) {
		return Layout{}, fmt.Errorf("%w: file of %d bytes, expected %d", ErrInvalidSegment, fileSize, layout.TotalSize)
	}

	return layout, nil
}

// NewHeap returns a segment backed by process memory.
// It can only be shared between goroutines.
func NewHeap(capacity, slotSize uint32) (*Segment, error) {
	layout, err := CalculateLayout(capacity, slotSize)
	if err != nil {
		return nil, err
	}

	// Words keep the control blocks 8-byte aligned
	words := make([]uint64, layout.TotalSize/slotAlignment)
	mem := unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), layout.TotalSize)

	seg := newSegment(mem, layout)
	seg.initialize()

	return seg, nil
}

// NewAnonymous returns a segment backed by an anonymous shared mapping.
// It is inherited by child processes.
func NewAnonymous(capacity, slotSize uint32) (*Segment, error) {
	layout, err := CalculateLayout(capacity, slotSize)
	if err != nil {
		return nil, err
	}

	mem, err := mmapAnonymous(int(layout.TotalSize))
	if err != nil {
		return nil, fmt.Errorf("failed to map anonymous segment: %w", err)
	}

	seg := newSegment(mem, layout)
	seg.unmap = munmap
	seg.initialize()

	return seg, nil
}

// DefaultDir returns the directory where segment files are placed:
// /dev/shm when available, the temporary directory otherwise.
func DefaultDir() string {
	if info, err := os.Stat("/dev/shm"); err == nil && info.IsDir() {
		return "/dev/shm"
	}

	return os.TempDir()
}

// Path returns the path of the segment file with the given name.
func Path(dir, name string) (string, error) {
	if name == "" || strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}

	if dir == "" {
		dir = DefaultDir()
	}

	return filepath.Join(dir, defaultSegmentPrefix+name), nil
}

// Create creates and maps a new segment file.
// It fails if the file already exists.
func Create(dir, name string, capacity, slotSize uint32) (*Segment, error) {
	path, err := Path(dir, name)
	if err != nil {
		return nil, err
	}

	layout, err := CalculateLayout(capacity, slotSize)
	if err != nil {
		return nil, err
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("failed to create segment file %s: %w", path, err)
	}

	cleanup := func() {
		file.Close()
		os.Remove(path)
	}

	if err := file.Truncate(int64(layout.TotalSize)); err != nil {
		cleanup()
		return nil, fmt.Errorf("failed to resize segment file: %w", err)
	}

	mem, err := mmapFile(file, int(layout.TotalSize))
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("failed to map segment: %w", err)
	}

	seg := newSegment(mem, layout)
	seg.unmap = munmap
	seg.file = file
	seg.path = path

	seg.initialize()

	return seg, nil
}

// Open maps an existing segment file.
// It returns ErrSegmentNotReady until the creator has initialized it.
func Open(dir, name string) (*Segment, error) {
	path, err := Path(dir, name)
	if err != nil {
		return nil, err
	}

	file, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to open segment file %s: %w", path, err)
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to stat segment file: %w", err)
	}

	size := info.Size()
	if size < defaultSlotsOffset {
		file.Close()
		return nil, fmt.Errorf("%w: file of %d bytes", ErrSegmentNotReady, size)
	}

	if size > math.MaxInt {
		file.Close()
		return nil, fmt.Errorf("%w: file of %d bytes", ErrInvalidSegment, size)
	}

	mem, err := mmapFile(file, int(size))
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to map segment: %w", err)
	}

	layout, err := validateHeader((*Header)(unsafe.Pointer(&mem[0])), size)
	if err != nil {
		munmap(mem)
		file.Close()
		return nil, err
	}

	seg := newSegment(mem, layout)
	seg.unmap = munmap
	seg.file = file
	seg.path = path

	return seg, nil
}

// Header returns the segment header.
func (s *Segment) Header() *Header {
	return s.hdr
}

// Layout returns the geometry read when the segment was mapped.
func (s *Segment) Layout() Layout {
	return s.layout
}

// Capacity returns the number of slots.
func (s *Segment) Capacity() uint32 {
	return s.layout.Capacity
}

// SlotSize returns the size of a slot in bytes.
func (s *Segment) SlotSize() uint32 {
	return s.layout.SlotSize
}

// Path returns the path of the backing file, empty for memory segments.
func (s *Segment) Path() string {
	return s.path
}

// ProducerSide returns the shared side written by the producer.
func (s *Segment) ProducerSide() *rb.SharedProducerSide {
	return s.prodSide
}

// ConsumerSide returns the shared side written by the consumer.
func (s *Segment) ConsumerSide() *rb.SharedConsumerSide {
	return s.consSide
}

// ConsumerWakeWord returns the word the consumer sleeps on.
func (s *Segment) ConsumerWakeWord() *atomic.Uint32 {
	return s.consWake
}

// ProducerWakeWord returns the word the producer sleeps on.
func (s *Segment) ProducerWakeWord() *atomic.Uint32 {
	return s.prodWake
}

// Slot returns the bytes of the slot at the given index.
// The index must be lower than the capacity.
func (s *Segment) Slot(idx uint32) []byte {
	size := uint64(s.layout.SlotSize)
	offset := s.layout.SlotsOffset + uint64(idx)*size
	return s.mem[offset : offset+size : offset+size]
}

// MarkClosed flags the given side as closed.
func (s *Segment) MarkClosed(side Side) {
	s.hdr.closed.Or(uint32(side))
}

// IsClosed reports whether the given side has been closed.
func (s *Segment) IsClosed(side Side) bool {
	return s.hdr.closed.Load()&uint32(side) != 0
}

// Close unmaps the segment and closes the backing file.
// The memory must not be accessed afterwards.
func (s *Segment) Close() error {
	var errs []error

	if s.unmap != nil && s.mem != nil {
		if err := s.unmap(s.mem); err != nil {
			errs = append(errs, err)
		}
	}
	s.mem = nil

	if s.file != nil {
		if err := s.file.Close(); err != nil {
			errs = append(errs, err)
		}
		s.file = nil
	}

	return errors.Join(errs...)
}

// Remove unlinks the backing file. The mappings stay valid
// until they are closed.
func (s *Segment) Remove() error {
	if s.path == "" {
		return nil
	}

	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove segment file: %w", err)
	}

	return nil
}

// RemoveFile unlinks the segment file with the given name.
func RemoveFile(dir, name string) error {
	path, err := Path(dir, name)
	if err != nil {
		return err
	}

	return os.Remove(path)
}
