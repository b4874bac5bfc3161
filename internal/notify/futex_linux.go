package notify

import (
	"fmt"
	"sync/atomic"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Shared futex operations, the words may be mapped by two processes
const (
	futexWait = 0
	futexWake = 1
)

func wait(word *atomic.Uint32, seq uint32, timeout time.Duration) error {
	ts := unix.NsecToTimespec(timeout.Nanoseconds())

	_, _, errno := unix.Syscall6(
		unix.SYS_FUTEX,
		uintptr(unsafe.Pointer(word)),
		futexWait,
		uintptr(seq),
		uintptr(unsafe.Pointer(&ts)),
		0,
		0,
	)

	switch errno {
	case 0, unix.EAGAIN, unix.EINTR:
		// Woken, value already changed, or signal
		return nil
	case unix.ETIMEDOUT:
		return ErrTimeout
	default:
		return fmt.Errorf("futex wait failed: %w", errno)
	}
}

func wake(word *atomic.Uint32) error {
	_, _, errno := unix.Syscall6(
		unix.SYS_FUTEX,
		uintptr(unsafe.Pointer(word)),
		futexWake,
		1,
		0,
		0,
		0,
	)

	if errno != 0 {
		return fmt.Errorf("futex wake failed: %w", errno)
	}

	return nil
}
