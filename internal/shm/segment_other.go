//go:build !linux && !darwin

package shm

import "os"

func mmapFile(_ *os.File, _ int) ([]byte, error) {
	return nil, ErrUnsupported
}

func mmapAnonymous(_ int) ([]byte, error) {
	return nil, ErrUnsupported
}

func munmap(_ []byte) error {
	return ErrUnsupported
}
