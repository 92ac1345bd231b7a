package snapllm

import (
	"container/list"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
)

// HotCacheStats is a snapshot of HOT cache counters.
type HotCacheStats struct {
	Hits           uint64 `json:"hits"`
	Misses         uint64 `json:"misses"`
	Evictions      uint64 `json:"evictions"`
	Loads          uint64 `json:"loads"`
	CurrentBytes   int64  `json:"currentBytes"`
	CurrentEntries int    `json:"currentEntries"`
}

// HitRate returns hits / (hits + misses), or 0 with no lookups.
func (s HotCacheStats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

type hotEntry struct {
	key       string
	data      []float32
	byteSize  int64
	lastTouch uint64
	elem      *list.Element
}

// HotCache is the process-wide HOT tier: size-bounded, strictly-LRU
// owned copies of F32 tensors, keyed by "model/tensor".
//
// Only tensors referenced on every token (input embeddings, output
// projection) are worth prefetching; everything else stays WARM behind
// the workspace mapping.
type HotCache struct {
	budget int64

	mu      sync.Mutex
	entries map[string]*hotEntry
	lru     *list.List // Front is least recently used.
	bytes   int64
	clock   atomic.Uint64

	hits      atomic.Uint64
	misses    atomic.Uint64
	evictions atomic.Uint64
	loads     atomic.Uint64
}

// NewHotCache builds a HOT cache with the given RAM budget in bytes.
func NewHotCache(budget int64) *HotCache {
	if budget <= 0 {
		budget = defaultHotCacheBytes
	}
	return &HotCache{
		budget:  budget,
		entries: map[string]*hotEntry{},
		lru:     list.New(),
	}
}

func hotKey(model, tensor string) string {
	return model + "/" + tensor
}

// Budget returns the configured RAM budget.
func (c *HotCache) Budget() int64 { return c.budget }

// CurrentBytes returns the bytes currently held.
func (c *HotCache) CurrentBytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bytes
}

// Utilization returns current bytes over budget, in [0, 1].
func (c *HotCache) Utilization() float64 {
	return float64(c.CurrentBytes()) / float64(c.budget)
}

// Stats returns a snapshot of the cache counters.
func (c *HotCache) Stats() HotCacheStats {
	c.mu.Lock()
	bytes, entries := c.bytes, len(c.entries)
	c.mu.Unlock()

	return HotCacheStats{
		Hits:           c.hits.Load(),
		Misses:         c.misses.Load(),
		Evictions:      c.evictions.Load(),
		Loads:          c.loads.Load(),
		CurrentBytes:   bytes,
		CurrentEntries: entries,
	}
}

// Prefetch copies src into an owned buffer and inserts it under
// (model, tensor), evicting least-recently-used entries until the new
// entry fits. A tensor larger than the whole budget is rejected and the
// caller falls back to the WARM mapping.
func (c *HotCache) Prefetch(model, tensor string, src []float32) bool {
	byteSize := int64(len(src)) * 4
	if byteSize == 0 || byteSize > c.budget {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	key := hotKey(model, tensor)
	if e, ok := c.entries[key]; ok {
		c.touchLocked(e)
		return true
	}

	for c.bytes+byteSize > c.budget {
		if !c.evictOldestLocked() {
			return false
		}
	}

	data := make([]float32, len(src))
	copy(data, src)

	e := &hotEntry{
		key:       key,
		data:      data,
		byteSize:  byteSize,
		lastTouch: c.clock.Add(1),
	}
	e.elem = c.lru.PushBack(e)
	c.entries[key] = e
	c.bytes += byteSize
	c.loads.Add(1)
	return true
}

// Lookup returns the cached tensor and touches its LRU position, or
// (nil, false) on miss.
func (c *HotCache) Lookup(model, tensor string) ([]float32, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[hotKey(model, tensor)]
	if !ok {
		c.misses.Add(1)
		return nil, false
	}

	c.touchLocked(e)
	c.hits.Add(1)
	return e.data, true
}

// GetOrLoad returns the HOT copy when present, inserting one from disk
// when it fits; otherwise it returns disk unchanged.
func (c *HotCache) GetOrLoad(model, tensor string, disk []float32) []float32 {
	if data, ok := c.Lookup(model, tensor); ok {
		return data
	}
	if c.Prefetch(model, tensor, disk) {
		if data, ok := c.Lookup(model, tensor); ok {
			return data
		}
	}
	return disk
}

// EvictModel removes every entry of the given model.
func (c *HotCache) EvictModel(model string) {
	prefix := model + "/"

	c.mu.Lock()
	defer c.mu.Unlock()

	for key, e := range c.entries {
		if strings.HasPrefix(key, prefix) {
			c.removeLocked(e)
		}
	}
}

// EvictTensor removes one entry; reports whether it was present.
func (c *HotCache) EvictTensor(model, tensor string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[hotKey(model, tensor)]
	if !ok {
		return false
	}
	c.removeLocked(e)
	return true
}

// EvictLayer removes the model's entries belonging to transformer
// layer N, returning the bytes released.
func (c *HotCache) EvictLayer(model string, layer int) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	prefix := model + "/"
	var freed int64
	for key, e := range c.entries {
		tensor, ok := strings.CutPrefix(key, prefix)
		if !ok || LayerFromTensorName(tensor) != layer {
			continue
		}
		freed += e.byteSize
		c.removeLocked(e)
	}
	return freed
}

// Clear drops every entry.
func (c *HotCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = map[string]*hotEntry{}
	c.lru.Init()
	c.bytes = 0
}

func (c *HotCache) touchLocked(e *hotEntry) {
	e.lastTouch = c.clock.Add(1)
	c.lru.MoveToBack(e.elem)
}

func (c *HotCache) removeLocked(e *hotEntry) {
	c.lru.Remove(e.elem)
	delete(c.entries, e.key)
	c.bytes -= e.byteSize
}

// evictOldestLocked drops the least-recently-used entry. Entries with
// equal touch clocks keep insertion order, so the older one goes first.
func (c *HotCache) evictOldestLocked() bool {
	front := c.lru.Front()
	if front == nil {
		return false
	}

	e := front.Value.(*hotEntry)
	c.removeLocked(e)
	c.evictions.Add(1)
	slog.Debug("hot cache evicted", "key", e.key, "bytes", e.byteSize)
	return true
}
