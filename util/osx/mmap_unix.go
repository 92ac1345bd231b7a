//go:build unix

package osx

import (
	"os"

	"golang.org/x/sys/unix"
)

func mmap(f *os.File, length int, writable bool) ([]byte, error) {
	prot := unix.PROT_READ
	if writable {
		prot |= unix.PROT_WRITE
	}
	return unix.Mmap(int(f.Fd()), 0, length, prot, unix.MAP_SHARED)
}

func munmap(b []byte) error {
	if len(b) == 0 {
		return nil
	}
	return unix.Munmap(b)
}

func msync(b []byte) error {
	if len(b) == 0 {
		return nil
	}
	return unix.Msync(b, unix.MS_SYNC)
}

func madvise(b []byte, advice Advice) error {
	var a int
	switch advice {
	case AdviseRandom:
		a = unix.MADV_RANDOM
	case AdviseWillNeed:
		a = unix.MADV_WILLNEED
	case AdviseDontNeed:
		a = unix.MADV_DONTNEED
	default:
		a = unix.MADV_NORMAL
	}
	return unix.Madvise(b, a)
}
