//go:build linux || darwin

package shm

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

func mmapFile(file *os.File, size int) ([]byte, error) {
	mem, err := unix.Mmap(int(file.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap failed: %w", err)
	}

	return mem, nil
}

func mmapAnonymous(size int) ([]byte, error) {
	mem, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_ANON)
	if err != nil {
		return nil, fmt.Errorf("mmap failed: %w", err)
	}

	return mem, nil
}

func munmap(mem []byte) error {
	if len(mem) == 0 {
		return nil
	}

	if err := unix.Munmap(mem); err != nil {
		return fmt.Errorf("munmap failed: %w", err)
	}

	return nil
}
