//go:build !unix

package osx

import (
	"errors"
	"os"
)

var errMmapUnsupported = errors.New("memory mapping not supported on this platform")

func mmap(_ *os.File, _ int, _ bool) ([]byte, error) {
	return nil, errMmapUnsupported
}

func munmap(_ []byte) error { return nil }

func msync(_ []byte) error { return nil }

func madvise(_ []byte, _ Advice) error { return errMmapUnsupported }
