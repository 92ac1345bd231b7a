package snapllm

import (
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/dustin/go-humanize"

	"github.com/snapllm/snapllm-go/util/osx"
)

// Allocation is a byte range handed out by a Workspace.
type Allocation struct {
	Offset int64  `json:"offset"`
	Size   int64  `json:"size"`
	Name   string `json:"name,omitempty"`
}

// Valid reports whether the allocation refers to a real range.
func (a Allocation) Valid() bool {
	return a.Size > 0
}

// Region is a (offset, size) pair inside a workspace, tracked per
// transformer layer for page-level eviction.
type Region struct {
	Offset int64 `json:"offset"`
	Size   int64 `json:"size"`
}

// WorkspaceStats is a point-in-time snapshot of workspace counters.
type WorkspaceStats struct {
	Allocations  uint64 `json:"allocations"`
	Reads        uint64 `json:"reads"`
	Writes       uint64 `json:"writes"`
	BytesRead    uint64 `json:"bytesRead"`
	BytesWritten uint64 `json:"bytesWritten"`
}

type workspaceCounters struct {
	allocations  atomic.Uint64
	reads        atomic.Uint64
	writes       atomic.Uint64
	bytesRead    atomic.Uint64
	bytesWritten atomic.Uint64
}

// Workspace is a fixed-size, offset-allocated, memory-mapped file that
// holds dequantized F32 tensor data for one (model, quant) pair.
//
// Allocation is bump-only: offsets increase monotonically, written
// regions are immutable for the life of the workspace, and the file is
// sparse until written. In the default mode the whole file is mapped
// shared and read through the mapping; with direct IO enabled there is
// no mapping and reads go through positional IO.
type Workspace struct {
	path      string
	totalSize int64
	directIO  bool

	mm *osx.MmapFile // nil in direct-IO mode
	f  *os.File      // direct-IO handle; mm.File() otherwise

	mu           sync.Mutex
	nextFree     int64
	allocs       map[int64]Allocation
	layerRegions map[int][]Region
	closed       bool

	stats workspaceCounters
}

// NewWorkspace creates or opens the workspace file at path with the
// given fixed capacity.
func NewWorkspace(path string, totalSize int64, directIO bool) (*Workspace, error) {
	if totalSize <= 0 {
		return nil, fmt.Errorf("%w: workspace size %d", ErrInvalidInput, totalSize)
	}

	ws := &Workspace{
		path:         path,
		totalSize:    totalSize,
		directIO:     directIO,
		allocs:       map[int64]Allocation{},
		layerRegions: map[int][]Region{},
	}

	if directIO {
		f, err := osx.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
		if err != nil {
			return nil, fmt.Errorf("open workspace: %w", err)
		}
		if st, err := f.Stat(); err == nil && st.Size() < totalSize {
			if err = f.Truncate(totalSize); err != nil {
				osx.Close(f)
				return nil, fmt.Errorf("size workspace: %w", err)
			}
		}
		ws.f = f
	} else {
		mm, err := osx.OpenMmapFileWritable(path, int(totalSize))
		if err != nil {
			return nil, fmt.Errorf("map workspace: %w", err)
		}
		// Weight access during inference is scattered.
		_ = mm.Advise(0, totalSize, osx.AdviseRandom)
		ws.mm = mm
		ws.f = mm.File()
	}

	slog.Debug("workspace opened",
		"path", path, "size", humanize.IBytes(uint64(totalSize)), "directIO", directIO)
	return ws, nil
}

// Path returns the backing file path.
func (ws *Workspace) Path() string { return ws.path }

// TotalSize returns the fixed capacity in bytes.
func (ws *Workspace) TotalSize() int64 { return ws.totalSize }

// HasMapping reports whether reads are served through a memory mapping.
func (ws *Workspace) HasMapping() bool { return ws.mm != nil }

// UsedSize returns the high-water mark of allocation.
func (ws *Workspace) UsedSize() int64 {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return ws.nextFree
}

// Fragmentation returns the fraction of the allocated span not covered
// by live allocations.
func (ws *Workspace) Fragmentation() float64 {
	ws.mu.Lock()
	defer ws.mu.Unlock()

	if ws.nextFree == 0 {
		return 0
	}
	var live int64
	for _, a := range ws.allocs {
		live += a.Size
	}
	return 1 - float64(live)/float64(ws.nextFree)
}

// Stats returns a snapshot of the IO counters.
func (ws *Workspace) Stats() WorkspaceStats {
	return WorkspaceStats{
		Allocations:  ws.stats.allocations.Load(),
		Reads:        ws.stats.reads.Load(),
		Writes:       ws.stats.writes.Load(),
		BytesRead:    ws.stats.bytesRead.Load(),
		BytesWritten: ws.stats.bytesWritten.Load(),
	}
}

// Allocate bump-allocates size bytes. It fails with ErrCapacityExceeded
// when the workspace cannot hold the request.
func (ws *Workspace) Allocate(size int64, name string) (Allocation, error) {
	if size <= 0 {
		return Allocation{}, fmt.Errorf("%w: allocation size %d", ErrInvalidInput, size)
	}

	ws.mu.Lock()
	defer ws.mu.Unlock()

	if ws.closed {
		return Allocation{}, ErrClosed
	}
	if ws.nextFree+size > ws.totalSize {
		return Allocation{}, fmt.Errorf("%w: workspace %s needs %d bytes, %d free",
			ErrCapacityExceeded, ws.path, size, ws.totalSize-ws.nextFree)
	}

	a := Allocation{Offset: ws.nextFree, Size: size, Name: name}
	ws.allocs[a.Offset] = a
	ws.nextFree += size
	ws.stats.allocations.Add(1)
	return a, nil
}

// Free releases an allocation. Only the most recent allocation can give
// its bytes back to the bump pointer; earlier ones merely drop out of
// the allocation map.
func (ws *Workspace) Free(a Allocation) {
	ws.mu.Lock()
	defer ws.mu.Unlock()

	if _, ok := ws.allocs[a.Offset]; !ok {
		return
	}
	delete(ws.allocs, a.Offset)
	if a.Offset+a.Size == ws.nextFree {
		ws.nextFree = a.Offset
	}
}

// RestoreAllocation re-registers a region recorded in persisted
// metadata, used when reopening a populated workspace.
func (ws *Workspace) RestoreAllocation(a Allocation) error {
	if a.Size <= 0 || a.Offset < 0 || a.Offset+a.Size > ws.totalSize {
		return fmt.Errorf("%w: restore %q (%d,%d)", ErrInvalidInput, a.Name, a.Offset, a.Size)
	}

	ws.mu.Lock()
	defer ws.mu.Unlock()

	ws.allocs[a.Offset] = a
	if end := a.Offset + a.Size; end > ws.nextFree {
		ws.nextFree = end
	}
	return nil
}

// Allocations returns the live allocations sorted by offset.
func (ws *Workspace) Allocations() []Allocation {
	ws.mu.Lock()
	defer ws.mu.Unlock()

	out := make([]Allocation, 0, len(ws.allocs))
	for _, a := range ws.allocs {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Offset < out[j].Offset })
	return out
}

// Write copies data into the workspace at offset. Writing the same
// region twice with the same bytes is idempotent.
func (ws *Workspace) Write(offset int64, data []byte) (int, error) {
	if offset < 0 || offset+int64(len(data)) > ws.totalSize {
		return 0, fmt.Errorf("%w: write (%d,%d) out of bounds", ErrInvalidInput, offset, len(data))
	}

	var (
		n   int
		err error
	)
	if ws.mm != nil {
		n = copy(ws.mm.Bytes()[offset:], data)
	} else {
		n, err = ws.f.WriteAt(data, offset)
	}

	ws.stats.writes.Add(1)
	ws.stats.bytesWritten.Add(uint64(n))
	return n, err
}

// ReadPointer returns a slice aliasing the mapped region [offset,
// offset+size). The slice stays valid until Close; pages behind it may
// be discarded and fault back in transparently.
func (ws *Workspace) ReadPointer(offset, size int64) ([]byte, error) {
	if ws.mm == nil {
		return nil, fmt.Errorf("%w: no memory mapping in direct-IO mode", ErrInvalidInput)
	}
	if offset < 0 || size < 0 || offset+size > ws.totalSize {
		return nil, fmt.Errorf("%w: read pointer (%d,%d) out of bounds", ErrInvalidInput, offset, size)
	}

	ws.stats.reads.Add(1)
	ws.stats.bytesRead.Add(uint64(size))
	return ws.mm.Bytes()[offset : offset+size : offset+size], nil
}

// DirectRead fills buf from the workspace file at offset, bypassing the
// mapping. A short read is reported as an error by the caller contract.
func (ws *Workspace) DirectRead(offset int64, buf []byte) (int, error) {
	if offset < 0 || offset+int64(len(buf)) > ws.totalSize {
		return 0, fmt.Errorf("%w: direct read (%d,%d) out of bounds", ErrInvalidInput, offset, len(buf))
	}

	n, err := ws.f.ReadAt(buf, offset)
	ws.stats.reads.Add(1)
	ws.stats.bytesRead.Add(uint64(n))
	return n, err
}

// Sync flushes dirty pages to disk.
func (ws *Workspace) Sync() error {
	ws.mu.Lock()
	defer ws.mu.Unlock()

	if ws.mm != nil {
		return ws.mm.Sync()
	}
	return ws.f.Sync()
}

// Close unmaps and closes the workspace file. Pointers returned by
// ReadPointer are invalid afterwards.
func (ws *Workspace) Close() error {
	ws.mu.Lock()
	defer ws.mu.Unlock()

	if ws.closed {
		return nil
	}
	ws.closed = true

	if ws.mm != nil {
		return ws.mm.Close()
	}
	return ws.f.Close()
}

// LayerFromTensorName returns the transformer layer index of a tensor
// named "blk.<N>.*", or -1 for non-layer tensors (embeddings, output).
func LayerFromTensorName(name string) int {
	rest, ok := strings.CutPrefix(name, "blk.")
	if !ok {
		return -1
	}
	num, _, ok := strings.Cut(rest, ".")
	if !ok {
		return -1
	}
	n, err := strconv.Atoi(num)
	if err != nil || n < 0 {
		return -1
	}
	return n
}

// RegisterLayerRegion records a tensor's byte range under its layer
// index for page-level eviction. Non-layer tensors are ignored.
func (ws *Workspace) RegisterLayerRegion(tensorName string, offset, size int64) {
	layer := LayerFromTensorName(tensorName)
	if layer < 0 {
		return
	}

	ws.mu.Lock()
	defer ws.mu.Unlock()
	ws.layerRegions[layer] = append(ws.layerRegions[layer], Region{Offset: offset, Size: size})
}

// LayerRegions returns the recorded regions of a layer.
func (ws *Workspace) LayerRegions(layer int) []Region {
	ws.mu.Lock()
	defer ws.mu.Unlock()

	rs := ws.layerRegions[layer]
	out := make([]Region, len(rs))
	copy(out, rs)
	return out
}

// Layers returns the layer indices with recorded regions, ascending.
func (ws *Workspace) Layers() []int {
	ws.mu.Lock()
	defer ws.mu.Unlock()

	out := make([]int, 0, len(ws.layerRegions))
	for l := range ws.layerRegions {
		out = append(out, l)
	}
	sort.Ints(out)
	return out
}

// EvictLayer discards the physical pages backing every region of the
// layer. The virtual mapping stays intact; later reads fault the bytes
// back in from disk. Returns the number of bytes released.
func (ws *Workspace) EvictLayer(layer int) (int64, error) {
	ws.mu.Lock()
	regions := ws.layerRegions[layer]
	mm := ws.mm
	ws.mu.Unlock()

	if len(regions) == 0 {
		return 0, fmt.Errorf("%w: layer %d has no recorded regions", ErrNotFound, layer)
	}
	if mm == nil {
		return 0, nil // Nothing resident in direct-IO mode.
	}

	var freed int64
	for _, r := range regions {
		if err := mm.Advise(r.Offset, r.Size, osx.AdviseDontNeed); err != nil {
			slog.Warn("layer evict advise failed",
				"workspace", ws.path, "layer", layer, "offset", r.Offset, "err", err)
			continue
		}
		freed += r.Size
	}
	return freed, nil
}

// PrefetchLayer hints the OS to page the layer's regions back in.
// Returns the number of bytes requested.
func (ws *Workspace) PrefetchLayer(layer int) (int64, error) {
	ws.mu.Lock()
	regions := ws.layerRegions[layer]
	mm := ws.mm
	ws.mu.Unlock()

	if len(regions) == 0 {
		return 0, fmt.Errorf("%w: layer %d has no recorded regions", ErrNotFound, layer)
	}
	if mm == nil {
		return 0, nil
	}

	var requested int64
	for _, r := range regions {
		if err := mm.Advise(r.Offset, r.Size, osx.AdviseWillNeed); err != nil {
			continue
		}
		requested += r.Size
	}
	return requested, nil
}
