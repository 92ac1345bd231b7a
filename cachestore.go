package snapllm

import (
	"fmt"
	"hash/crc32"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/snapllm/snapllm-go/util/json"
	"github.com/snapllm/snapllm-go/util/osx"
)

// CacheEntryInfo is the sidecar metadata of one stored KV payload.
type CacheEntryInfo struct {
	CacheID string `json:"cacheId"`
	ModelID string `json:"modelId"`

	// KV shape of the payload.
	NumLayers int `json:"numLayers"`
	NumHeads  int `json:"numHeads"`
	HeadDim   int `json:"headDim"`
	SeqLen    int `json:"seqLen"`

	// SizeBytes is the uncompressed payload size; StoredBytes the
	// on-disk size including the envelope.
	SizeBytes   int64           `json:"sizeBytes"`
	StoredBytes int64           `json:"storedBytes"`
	Checksum    uint32          `json:"checksum"`
	Compression CompressionType `json:"compression"`

	CreatedAt    time.Time `json:"createdAt"`
	LastAccessed time.Time `json:"lastAccessed"`
	AccessCount  uint64    `json:"accessCount"`
}

// CacheWriteOptions controls one write.
type CacheWriteOptions struct {
	Compression CompressionType
	// Checksum records a CRC over the uncompressed payload; on by
	// default through DefaultCacheWriteOptions.
	Checksum bool
}

// DefaultCacheWriteOptions checksums and stores raw.
func DefaultCacheWriteOptions() CacheWriteOptions {
	return CacheWriteOptions{Compression: CompressionNone, Checksum: true}
}

// CacheReadOptions controls one read.
type CacheReadOptions struct {
	// VerifyChecksum recomputes and compares the stored CRC.
	VerifyChecksum bool
}

// CacheWriteResult reports a committed write.
type CacheWriteResult struct {
	CacheID     string
	SizeBytes   int64
	StoredBytes int64
	Checksum    uint32
}

// CacheReadResult carries a read payload with its metadata.
type CacheReadResult struct {
	Data []byte
	Info CacheEntryInfo
}

// CacheStoreStats snapshots store counters.
type CacheStoreStats struct {
	Entries      int    `json:"entries"`
	UsedBytes    int64  `json:"usedBytes"`
	Reads        uint64 `json:"reads"`
	Writes       uint64 `json:"writes"`
	Hits         uint64 `json:"hits"`
	Misses       uint64 `json:"misses"`
	BytesRead    uint64 `json:"bytesRead"`
	BytesWritten uint64 `json:"bytesWritten"`
}

// CacheStore persists opaque KV payloads as <id>.kvc files with <id>.meta
// sidecars in one directory.
//
// Writes go to temp files renamed into place, so readers observe either
// the previous committed version or the new one, never a mix. Reads are
// lock-free relative to each other; writes to the same id serialize on
// a per-id latch.
type CacheStore struct {
	path     string
	capacity atomic.Int64

	mu    sync.RWMutex
	index map[string]*CacheEntryInfo
	used  int64

	writeLatches sync.Map // cache id -> *sync.Mutex

	reads        atomic.Uint64
	writes       atomic.Uint64
	hits         atomic.Uint64
	misses       atomic.Uint64
	bytesRead    atomic.Uint64
	bytesWritten atomic.Uint64
}

// NewCacheStore opens (creating if needed) a store at path with the
// given capacity in bytes, 0 meaning unlimited. Existing entries are
// indexed from their sidecars.
func NewCacheStore(path string, capacity int64) (*CacheStore, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: empty cache store path", ErrInvalidInput)
	}
	if err := os.MkdirAll(osx.InlineTilde(path), 0o700); err != nil {
		return nil, fmt.Errorf("create cache store: %w", err)
	}

	s := &CacheStore{
		path:  path,
		index: map[string]*CacheEntryInfo{},
	}
	s.capacity.Store(capacity)
	s.RebuildIndex()
	return s, nil
}

// Path returns the store directory.
func (s *CacheStore) Path() string { return s.path }

// Capacity returns the configured limit, 0 meaning unlimited.
func (s *CacheStore) Capacity() int64 { return s.capacity.Load() }

// SetCapacity updates the limit; it applies to future writes.
func (s *CacheStore) SetCapacity(bytes int64) { s.capacity.Store(bytes) }

// Used returns the bytes currently stored.
func (s *CacheStore) Used() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.used
}

func (s *CacheStore) payloadPath(id string) string {
	return filepath.Join(s.path, id+".kvc")
}

func (s *CacheStore) metaPath(id string) string {
	return filepath.Join(s.path, id+".meta")
}

func (s *CacheStore) latch(id string) *sync.Mutex {
	v, _ := s.writeLatches.LoadOrStore(id, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// Write atomically stores a payload under id. An existing entry is
// replaced; its bytes are reclaimed in the accounting.
func (s *CacheStore) Write(id string, data []byte, info CacheEntryInfo, opts CacheWriteOptions) (CacheWriteResult, error) {
	if id == "" || strings.ContainsAny(id, "/\\") {
		return CacheWriteResult{}, fmt.Errorf("%w: cache id %q", ErrInvalidInput, id)
	}

	l := s.latch(id)
	l.Lock()
	defer l.Unlock()

	stored, err := Compress(data, opts.Compression)
	if err != nil {
		return CacheWriteResult{}, err
	}

	if limit := s.capacity.Load(); limit > 0 {
		s.mu.RLock()
		var prev int64
		if old, ok := s.index[id]; ok {
			prev = old.StoredBytes
		}
		over := s.used-prev+int64(len(stored)) > limit
		s.mu.RUnlock()
		if over {
			return CacheWriteResult{}, fmt.Errorf("%w: cache store %s", ErrCapacityExceeded, s.path)
		}
	}

	info.CacheID = id
	info.SizeBytes = int64(len(data))
	info.StoredBytes = int64(len(stored))
	info.Compression = opts.Compression
	if opts.Checksum {
		info.Checksum = crc32.ChecksumIEEE(data)
	}
	now := time.Now().UTC()
	info.CreatedAt = now
	info.LastAccessed = now

	if err = writeFileAtomic(s.payloadPath(id), stored); err != nil {
		return CacheWriteResult{}, err
	}
	if err = writeJSONAtomic(s.metaPath(id), &info); err != nil {
		// Roll the payload back so no entry exists without a sidecar.
		_ = os.Remove(s.payloadPath(id))
		return CacheWriteResult{}, err
	}

	s.mu.Lock()
	if old, ok := s.index[id]; ok {
		s.used -= old.StoredBytes
	}
	cp := info
	s.index[id] = &cp
	s.used += info.StoredBytes
	s.mu.Unlock()

	s.writes.Add(1)
	s.bytesWritten.Add(uint64(len(stored)))

	return CacheWriteResult{
		CacheID:     id,
		SizeBytes:   info.SizeBytes,
		StoredBytes: info.StoredBytes,
		Checksum:    info.Checksum,
	}, nil
}

// Read returns the decompressed payload of id, verifying the checksum
// when requested. A mismatch, or a stored payload that no longer
// decodes, surfaces as ErrIntegrity and the entry is left for Compact
// to reap.
func (s *CacheStore) Read(id string, opts CacheReadOptions) (CacheReadResult, error) {
	s.mu.RLock()
	meta, ok := s.index[id]
	var info CacheEntryInfo
	if ok {
		info = *meta
	}
	s.mu.RUnlock()

	s.reads.Add(1)
	if !ok {
		s.misses.Add(1)
		return CacheReadResult{}, fmt.Errorf("%w: cache entry %s", ErrNotFound, id)
	}

	stored, err := os.ReadFile(s.payloadPath(id))
	if err != nil {
		s.misses.Add(1)
		if os.IsNotExist(err) {
			return CacheReadResult{}, fmt.Errorf("%w: cache entry %s", ErrNotFound, id)
		}
		return CacheReadResult{}, fmt.Errorf("read cache entry %s: %w", id, err)
	}

	data, err := Decompress(stored)
	if err != nil {
		return CacheReadResult{}, fmt.Errorf("%w: entry %s: %v", ErrIntegrity, id, err)
	}

	if opts.VerifyChecksum && info.Checksum != 0 {
		if sum := crc32.ChecksumIEEE(data); sum != info.Checksum {
			return CacheReadResult{}, fmt.Errorf("%w: entry %s crc %08x, want %08x",
				ErrIntegrity, id, sum, info.Checksum)
		}
	}

	s.hits.Add(1)
	s.bytesRead.Add(uint64(len(stored)))
	s.Touch(id)

	s.mu.RLock()
	if meta, ok := s.index[id]; ok {
		info = *meta
	}
	s.mu.RUnlock()

	return CacheReadResult{Data: data, Info: info}, nil
}

// ReadInto copies the payload into buf and returns buf as the result's
// Data. The payload is first read through Read, so the call allocates
// as Read does; it does not avoid a payload allocation. Returns
// ErrInvalidInput when buf is short.
func (s *CacheStore) ReadInto(id string, buf []byte, opts CacheReadOptions) (CacheReadResult, error) {
	res, err := s.Read(id, opts)
	if err != nil {
		return CacheReadResult{}, err
	}
	if int64(len(buf)) < res.Info.SizeBytes {
		return CacheReadResult{}, fmt.Errorf("%w: buffer %d bytes, payload %d",
			ErrInvalidInput, len(buf), res.Info.SizeBytes)
	}

	copy(buf, res.Data)
	res.Data = buf[:len(res.Data)]
	return res, nil
}

// Remove deletes an entry; reports whether it existed.
func (s *CacheStore) Remove(id string) bool {
	l := s.latch(id)
	l.Lock()
	defer l.Unlock()

	s.mu.Lock()
	meta, ok := s.index[id]
	if ok {
		s.used -= meta.StoredBytes
		delete(s.index, id)
	}
	s.mu.Unlock()

	_ = os.Remove(s.payloadPath(id))
	_ = os.Remove(s.metaPath(id))
	return ok
}

// Exists reports whether an entry is indexed.
func (s *CacheStore) Exists(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.index[id]
	return ok
}

// GetInfo returns the sidecar metadata of id.
func (s *CacheStore) GetInfo(id string) (CacheEntryInfo, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	meta, ok := s.index[id]
	if !ok {
		return CacheEntryInfo{}, false
	}
	return *meta, true
}

// Touch bumps the access statistics of id.
func (s *CacheStore) Touch(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if meta, ok := s.index[id]; ok {
		meta.LastAccessed = time.Now().UTC()
		meta.AccessCount++
	}
}

// List returns every entry id, sorted.
func (s *CacheStore) List() []string {
	return s.listWhere(func(*CacheEntryInfo) bool { return true })
}

// ListByPrefix returns ids starting with prefix, sorted.
func (s *CacheStore) ListByPrefix(prefix string) []string {
	return s.listWhere(func(m *CacheEntryInfo) bool {
		return strings.HasPrefix(m.CacheID, prefix)
	})
}

// ListByModel returns ids whose entries belong to the model, sorted.
func (s *CacheStore) ListByModel(modelID string) []string {
	return s.listWhere(func(m *CacheEntryInfo) bool {
		return m.ModelID == modelID
	})
}

func (s *CacheStore) listWhere(keep func(*CacheEntryInfo) bool) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]string, 0, len(s.index))
	for id, meta := range s.index {
		if keep(meta) {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// Verify recomputes the payload checksum of one entry.
func (s *CacheStore) Verify(id string) bool {
	_, err := s.Read(id, CacheReadOptions{VerifyChecksum: true})
	return err == nil
}

// VerifyIntegrity sweeps the store and returns the ids failing
// verification.
func (s *CacheStore) VerifyIntegrity() []string {
	var bad []string
	for _, id := range s.List() {
		if !s.Verify(id) {
			bad = append(bad, id)
		}
	}
	return bad
}

// Compact removes orphaned files (payloads without sidecars and vice
// versa) and entries whose payloads fail verification. Returns the
// bytes reclaimed.
func (s *CacheStore) Compact() int64 {
	var reclaimed int64

	for _, id := range s.VerifyIntegrity() {
		if meta, ok := s.GetInfo(id); ok {
			reclaimed += meta.StoredBytes
		}
		s.Remove(id)
		slog.Warn("cache entry failed verification, removed", "id", id)
	}

	dirents, err := os.ReadDir(s.path)
	if err != nil {
		return reclaimed
	}
	for _, de := range dirents {
		name := de.Name()
		var id string
		switch {
		case strings.HasSuffix(name, ".kvc"):
			id = strings.TrimSuffix(name, ".kvc")
		case strings.HasSuffix(name, ".meta"):
			id = strings.TrimSuffix(name, ".meta")
		default:
			continue
		}
		if s.Exists(id) {
			continue
		}
		if fi, err := de.Info(); err == nil {
			reclaimed += fi.Size()
		}
		_ = os.Remove(filepath.Join(s.path, name))
	}
	return reclaimed
}

// Clear removes every entry, returning the count.
func (s *CacheStore) Clear() int {
	ids := s.List()
	for _, id := range ids {
		s.Remove(id)
	}
	return len(ids)
}

// Sync is a no-op placeholder for symmetry with the workspace: every
// write already went through rename, which is the durability point.
func (s *CacheStore) Sync() {}

// RebuildIndex rescans the directory and reloads sidecars, dropping
// in-memory state.
func (s *CacheStore) RebuildIndex() {
	index := map[string]*CacheEntryInfo{}
	var used int64

	dirents, err := os.ReadDir(s.path)
	if err != nil {
		return
	}
	for _, de := range dirents {
		name := de.Name()
		if !strings.HasSuffix(name, ".meta") {
			continue
		}
		id := strings.TrimSuffix(name, ".meta")
		if !osx.ExistsFile(s.payloadPath(id)) {
			continue
		}

		bs, err := os.ReadFile(filepath.Join(s.path, name))
		if err != nil {
			continue
		}
		var info CacheEntryInfo
		if err = json.Unmarshal(bs, &info); err != nil {
			continue
		}
		info.CacheID = id
		index[id] = &info
		used += info.StoredBytes
	}

	s.mu.Lock()
	s.index = index
	s.used = used
	s.mu.Unlock()
}

// Stats snapshots the store counters.
func (s *CacheStore) Stats() CacheStoreStats {
	s.mu.RLock()
	entries, used := len(s.index), s.used
	s.mu.RUnlock()

	return CacheStoreStats{
		Entries:      entries,
		UsedBytes:    used,
		Reads:        s.reads.Load(),
		Writes:       s.writes.Load(),
		Hits:         s.hits.Load(),
		Misses:       s.misses.Load(),
		BytesRead:    s.bytesRead.Load(),
		BytesWritten: s.bytesWritten.Load(),
	}
}

// writeFileAtomic writes data via a temp file and rename.
func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(tmp), err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename %s: %w", filepath.Base(path), err)
	}
	return nil
}
