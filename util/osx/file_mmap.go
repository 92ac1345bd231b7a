package osx

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime/debug"
	"syscall"
)

// MmapFile is a file-backed memory mapping.
//
// Read-only mappings come from OpenMmapFile; writable shared mappings,
// used by the tensor workspaces, come from OpenMmapFileWritable.
type MmapFile struct {
	f        *os.File
	b        []byte
	writable bool
}

func OpenMmapFile(path string) (*MmapFile, error) {
	return OpenMmapFileWithSize(path, 0)
}

func OpenMmapFileWithSize(path string, size int) (*MmapFile, error) {
	p := filepath.Clean(path)
	p = InlineTilde(p)

	f, err := os.Open(p)
	if err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}
	if size <= 0 {
		info, err := f.Stat()
		if err != nil {
			Close(f)
			return nil, fmt.Errorf("stat: %w", err)
		}
		size = int(info.Size())
	}

	b, err := mmap(f, size, false)
	if err != nil {
		Close(f)
		return nil, fmt.Errorf("mmap, size %d: %w", size, err)
	}

	return &MmapFile{f: f, b: b}, nil
}

// OpenMmapFileWritable maps the given file shared and writable,
// growing it to size bytes first when it is shorter.
func OpenMmapFileWritable(path string, size int) (*MmapFile, error) {
	p := filepath.Clean(path)
	p = InlineTilde(p)

	f, err := OpenFile(p, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}

	info, err := f.Stat()
	if err != nil {
		Close(f)
		return nil, fmt.Errorf("stat: %w", err)
	}
	if info.Size() < int64(size) {
		if err = f.Truncate(int64(size)); err != nil {
			Close(f)
			return nil, fmt.Errorf("truncate to %d: %w", size, err)
		}
	}

	b, err := mmap(f, size, true)
	if err != nil {
		Close(f)
		return nil, fmt.Errorf("mmap, size %d: %w", size, err)
	}

	return &MmapFile{f: f, b: b, writable: true}, nil
}

func (f *MmapFile) Close() error {
	err0 := munmap(f.b)
	err1 := f.f.Close()

	if err0 != nil {
		return err0
	}
	return err1
}

func (f *MmapFile) Bytes() []byte {
	return f.b
}

func (f *MmapFile) Len() int64 {
	return int64(len(f.b))
}

// File returns the underlying file, usable for positional IO
// alongside the mapping.
func (f *MmapFile) File() *os.File {
	return f.f
}

// Sync flushes dirty pages of the mapped range to disk.
func (f *MmapFile) Sync() error {
	if !f.writable {
		return nil
	}
	return msync(f.b)
}

// Advise hints the kernel about the expected access pattern of the
// sub-range [off, off+length). See AdviseRandom and friends.
//
// The range is widened to page boundaries, which madvise requires.
// Widening is safe on a shared file mapping: discarded pages are clean
// and fault back in from the file.
func (f *MmapFile) Advise(off, length int64, advice Advice) error {
	if off < 0 || off+length > f.Len() {
		return syscall.EINVAL
	}
	if length == 0 {
		return nil
	}

	page := int64(os.Getpagesize())
	start := off &^ (page - 1)
	end := (off + length + page - 1) &^ (page - 1)
	if end > f.Len() {
		end = f.Len()
	}
	return madvise(f.b[start:end], advice)
}

// Advice is a page-cache hint passed through to the platform madvise.
type Advice int

const (
	// AdviseNormal resets to the default readahead behaviour.
	AdviseNormal Advice = iota
	// AdviseRandom disables readahead for scattered access.
	AdviseRandom
	// AdviseWillNeed asks the kernel to page the range in.
	AdviseWillNeed
	// AdviseDontNeed discards the physical pages backing the range;
	// the virtual mapping stays valid and later access faults the
	// bytes back in from the file.
	AdviseDontNeed
)

var ErrPageFault = errors.New("page fault occurred while reading from memory map")

func (f *MmapFile) ReadAt(p []byte, off int64) (_ int, err error) {
	if off < 0 {
		return 0, syscall.EINVAL
	}
	if off > f.Len() {
		return 0, io.EOF
	}

	old := debug.SetPanicOnFault(true)
	defer func() {
		debug.SetPanicOnFault(old)
		if recover() != nil {
			err = ErrPageFault
		}
	}()

	n := copy(p, f.b[off:])
	if n < len(p) {
		err = io.EOF
	}
	return n, err
}
