package snapllm

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// MemoryTier is a storage class of the KV-cache allocator, ordered
// cold to hot.
type MemoryTier int

const (
	TierSSD MemoryTier = iota
	TierCPU
	TierVRAM
)

func (t MemoryTier) String() string {
	switch t {
	case TierSSD:
		return "SSD"
	case TierCPU:
		return "CPU"
	case TierVRAM:
		return "VRAM"
	default:
		return fmt.Sprintf("MemoryTier(%d)", int(t))
	}
}

// EvictionPolicy selects eviction candidates within a tier.
type EvictionPolicy int

const (
	EvictLRU EvictionPolicy = iota
	EvictLFU
	EvictFIFO
	// EvictSizeWeighted is LRU weighted by size, preferring to free
	// large cold blocks first.
	EvictSizeWeighted
)

// MemoryBlock tracks one owner's bytes in one tier. Exactly one block
// exists per owner at any time.
type MemoryBlock struct {
	Owner       string     `json:"owner"`
	Size        int64      `json:"size"`
	Tier        MemoryTier `json:"tier"`
	AccessCount uint64     `json:"accessCount"`
	CreatedAt   time.Time  `json:"createdAt"`
	LastAccess  time.Time  `json:"lastAccess"`

	data []byte // resident bytes for CPU and VRAM tiers
}

// TierStats snapshots one tier's counters.
type TierStats struct {
	Capacity      int64  `json:"capacity"`
	Used          int64  `json:"used"`
	Blocks        int    `json:"blocks"`
	Allocations   uint64 `json:"allocations"`
	Deallocations uint64 `json:"deallocations"`
	Promotions    uint64 `json:"promotions"`
	Demotions     uint64 `json:"demotions"`
	Evictions     uint64 `json:"evictions"`
	Hits          uint64 `json:"hits"`
}

// Utilization returns used over capacity, or 0 when unlimited.
func (s TierStats) Utilization() float64 {
	if s.Capacity <= 0 {
		return 0
	}
	return float64(s.Used) / float64(s.Capacity)
}

type tierCounters struct {
	capacity      int64
	used          atomic.Int64
	allocations   atomic.Uint64
	deallocations atomic.Uint64
	promotions    atomic.Uint64
	demotions     atomic.Uint64
	evictions     atomic.Uint64
	hits          atomic.Uint64
}

// TieredAllocatorConfig sizes the three tiers.
type TieredAllocatorConfig struct {
	// VRAMCapacity of 0 marks the device tier unavailable; VRAM
	// requests then collapse to CPU.
	VRAMCapacity int64 `json:"vramCapacity"`
	// CPUCapacity of 0 disables the host tier; requests fall through
	// to SSD.
	CPUCapacity int64 `json:"cpuCapacity"`
	// SSDCapacity of 0 is unlimited; the SSD tier delegates to the
	// CacheStore and is not measured against RAM.
	SSDCapacity int64 `json:"ssdCapacity"`
	// Alignment rounds allocation sizes up, default 256.
	Alignment int64 `json:"alignment"`
	Policy    EvictionPolicy
}

// EvictionCallback observes blocks dropped entirely out of the SSD tier.
type EvictionCallback func(owner string, tier MemoryTier)

// TieredAllocator places KV-cache blocks across VRAM, CPU and SSD with
// automatic fallback, promotion/demotion, and per-tier LRU eviction.
//
// The VRAM tier is simulated: its blocks are ordinary heap slices, like
// CPU blocks, while placement and accounting follow the device-tier
// rules.
type TieredAllocator struct {
	cfg   TieredAllocatorConfig
	store *CacheStore

	mu     sync.RWMutex
	blocks map[string]*MemoryBlock

	tiers  [3]*tierCounters
	policy atomic.Int32

	cbMu   sync.Mutex
	cbs    map[uint64]EvictionCallback
	nextCB uint64
}

// NewTieredAllocator builds an allocator; store backs the SSD tier and
// must not be nil when SSD placement is used.
func NewTieredAllocator(cfg TieredAllocatorConfig, store *CacheStore) *TieredAllocator {
	if cfg.Alignment <= 0 {
		cfg.Alignment = 256
	}

	a := &TieredAllocator{
		cfg:    cfg,
		store:  store,
		blocks: map[string]*MemoryBlock{},
		cbs:    map[uint64]EvictionCallback{},
	}
	a.tiers[TierSSD] = &tierCounters{capacity: cfg.SSDCapacity}
	a.tiers[TierCPU] = &tierCounters{capacity: cfg.CPUCapacity}
	a.tiers[TierVRAM] = &tierCounters{capacity: cfg.VRAMCapacity}
	a.policy.Store(int32(cfg.Policy))
	return a
}

// VRAMAvailable reports whether the device tier exists in this build.
func (a *TieredAllocator) VRAMAvailable() bool { return a.cfg.VRAMCapacity > 0 }

// SetEvictionPolicy switches the candidate selection policy.
func (a *TieredAllocator) SetEvictionPolicy(p EvictionPolicy) { a.policy.Store(int32(p)) }

// GetEvictionPolicy returns the active policy.
func (a *TieredAllocator) GetEvictionPolicy() EvictionPolicy {
	return EvictionPolicy(a.policy.Load())
}

// OnEviction subscribes to terminal evictions; returns a subscription id.
func (a *TieredAllocator) OnEviction(cb EvictionCallback) uint64 {
	a.cbMu.Lock()
	defer a.cbMu.Unlock()

	a.nextCB++
	a.cbs[a.nextCB] = cb
	return a.nextCB
}

// RemoveEvictionCallback drops a subscription.
func (a *TieredAllocator) RemoveEvictionCallback(id uint64) {
	a.cbMu.Lock()
	defer a.cbMu.Unlock()
	delete(a.cbs, id)
}

func (a *TieredAllocator) notifyEviction(owner string, tier MemoryTier) {
	a.cbMu.Lock()
	cbs := make([]EvictionCallback, 0, len(a.cbs))
	for _, cb := range a.cbs {
		cbs = append(cbs, cb)
	}
	a.cbMu.Unlock()

	for _, cb := range cbs {
		cb(owner, tier)
	}
}

func (a *TieredAllocator) alignSize(size int64) int64 {
	al := a.cfg.Alignment
	return (size + al - 1) &^ (al - 1)
}

func ssdBlockID(owner string) string { return "blk-" + owner }

// Allocate places size bytes for owner in the preferred tier, evicting
// within the tier and cascading to colder tiers when full. One block
// per owner: a second allocation for a live owner fails.
func (a *TieredAllocator) Allocate(size int64, preferred MemoryTier, owner string) (*MemoryBlock, error) {
	if size <= 0 || owner == "" {
		return nil, fmt.Errorf("%w: size %d, owner %q", ErrInvalidInput, size, owner)
	}

	a.mu.Lock()
	if _, ok := a.blocks[owner]; ok {
		a.mu.Unlock()
		return nil, fmt.Errorf("%w: owner %s already holds a block", ErrInvalidInput, owner)
	}
	a.mu.Unlock()

	size = a.alignSize(size)

	if preferred == TierVRAM && !a.VRAMAvailable() {
		preferred = TierCPU
	}

	for tier := preferred; tier >= TierSSD; tier-- {
		if tier == TierVRAM && !a.VRAMAvailable() {
			continue
		}
		if !a.reserve(tier, size) {
			a.Evict(size, tier)
			if !a.reserve(tier, size) {
				continue
			}
		}

		blk, err := a.place(owner, size, tier)
		if err != nil {
			a.release(tier, size)
			continue
		}
		a.tiers[tier].allocations.Add(1)
		return blk, nil
	}

	return nil, fmt.Errorf("%w: %d bytes in any tier", ErrCapacityExceeded, size)
}

// reserve takes size bytes of a tier's capacity if they fit. Only the
// SSD tier is unlimited at zero capacity; a zero RAM tier is absent.
func (a *TieredAllocator) reserve(tier MemoryTier, size int64) bool {
	tc := a.tiers[tier]
	if tier != TierSSD && tc.capacity <= 0 {
		return false
	}
	for {
		used := tc.used.Load()
		if tc.capacity > 0 && used+size > tc.capacity {
			return false
		}
		if tc.used.CompareAndSwap(used, used+size) {
			return true
		}
	}
}

func (a *TieredAllocator) release(tier MemoryTier, size int64) {
	a.tiers[tier].used.Add(-size)
}

// place creates the block record; capacity is already reserved.
func (a *TieredAllocator) place(owner string, size int64, tier MemoryTier) (*MemoryBlock, error) {
	now := time.Now()
	blk := &MemoryBlock{
		Owner:      owner,
		Size:       size,
		Tier:       tier,
		CreatedAt:  now,
		LastAccess: now,
	}

	switch tier {
	case TierVRAM, TierCPU:
		blk.data = make([]byte, size)
	case TierSSD:
		if a.store == nil {
			return nil, ErrTierUnavailable
		}
		_, err := a.store.Write(ssdBlockID(owner), make([]byte, size),
			CacheEntryInfo{ModelID: owner}, DefaultCacheWriteOptions())
		if err != nil {
			return nil, err
		}
	}

	a.mu.Lock()
	a.blocks[owner] = blk
	a.mu.Unlock()
	return blk, nil
}

// Deallocate frees the given block.
func (a *TieredAllocator) Deallocate(blk *MemoryBlock) {
	if blk == nil {
		return
	}
	a.DeallocateOwner(blk.Owner)
}

// DeallocateOwner frees the owner's block, returning the bytes freed.
func (a *TieredAllocator) DeallocateOwner(owner string) int64 {
	a.mu.Lock()
	blk, ok := a.blocks[owner]
	if ok {
		delete(a.blocks, owner)
	}
	a.mu.Unlock()
	if !ok {
		return 0
	}

	a.freeStorage(blk)
	a.release(blk.Tier, blk.Size)
	a.tiers[blk.Tier].deallocations.Add(1)
	return blk.Size
}

func (a *TieredAllocator) freeStorage(blk *MemoryBlock) {
	switch blk.Tier {
	case TierVRAM, TierCPU:
		blk.data = nil
	case TierSSD:
		if a.store != nil {
			a.store.Remove(ssdBlockID(blk.Owner))
		}
	}
}

// GetBlock returns a snapshot of the owner's block.
func (a *TieredAllocator) GetBlock(owner string) (MemoryBlock, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	blk, ok := a.blocks[owner]
	if !ok {
		return MemoryBlock{}, false
	}
	return *blk, true
}

// GetTier returns the owner's current tier.
func (a *TieredAllocator) GetTier(owner string) (MemoryTier, bool) {
	blk, ok := a.GetBlock(owner)
	return blk.Tier, ok
}

// BlocksInTier snapshots the blocks of one tier.
func (a *TieredAllocator) BlocksInTier(tier MemoryTier) []MemoryBlock {
	a.mu.RLock()
	defer a.mu.RUnlock()

	var out []MemoryBlock
	for _, blk := range a.blocks {
		if blk.Tier == tier {
			out = append(out, *blk)
		}
	}
	return out
}

// RecordAccess bumps the owner's access statistics.
func (a *TieredAllocator) RecordAccess(owner string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if blk, ok := a.blocks[owner]; ok {
		blk.AccessCount++
		blk.LastAccess = time.Now()
		a.tiers[blk.Tier].hits.Add(1)
	}
}

// WriteBlock copies data into the owner's block; data must not exceed
// the block size.
func (a *TieredAllocator) WriteBlock(owner string, data []byte) error {
	a.mu.Lock()
	blk, ok := a.blocks[owner]
	if !ok {
		a.mu.Unlock()
		return fmt.Errorf("%w: block of %s", ErrNotFound, owner)
	}
	if int64(len(data)) > blk.Size {
		a.mu.Unlock()
		return fmt.Errorf("%w: %d bytes into %d-byte block", ErrInvalidInput, len(data), blk.Size)
	}

	if blk.Tier != TierSSD {
		copy(blk.data, data)
		blk.AccessCount++
		blk.LastAccess = time.Now()
		a.mu.Unlock()
		return nil
	}
	a.mu.Unlock()

	// SSD writes go through the store, padded to the block size so the
	// stored length stays stable across rewrites.
	padded := make([]byte, blk.Size)
	copy(padded, data)
	_, err := a.store.Write(ssdBlockID(owner), padded,
		CacheEntryInfo{ModelID: owner}, DefaultCacheWriteOptions())
	if err == nil {
		a.RecordAccess(owner)
	}
	return err
}

// Deref returns the owner's bytes. CPU and VRAM blocks alias the
// resident buffer; SSD blocks are read back from the store.
func (a *TieredAllocator) Deref(owner string) ([]byte, error) {
	a.mu.RLock()
	blk, ok := a.blocks[owner]
	var (
		tier MemoryTier
		data []byte
	)
	if ok {
		tier, data = blk.Tier, blk.data
	}
	a.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: block of %s", ErrNotFound, owner)
	}

	if tier != TierSSD {
		a.RecordAccess(owner)
		return data, nil
	}

	res, err := a.store.Read(ssdBlockID(owner), CacheReadOptions{VerifyChecksum: true})
	if err != nil {
		return nil, err
	}
	a.RecordAccess(owner)
	return res.Data, nil
}

// Promote moves the owner's block to a hotter tier, preserving content
// bit-exact. On failure the source block is untouched.
func (a *TieredAllocator) Promote(owner string, target MemoryTier) error {
	blk, ok := a.GetBlock(owner)
	if !ok {
		return fmt.Errorf("%w: block of %s", ErrNotFound, owner)
	}
	if target <= blk.Tier {
		return fmt.Errorf("%w: promote %s → %s", ErrInvalidInput, blk.Tier, target)
	}

	if err := a.move(owner, target); err != nil {
		return err
	}
	a.tiers[target].promotions.Add(1)
	return nil
}

// Demote moves the owner's block to a colder tier, preserving content
// bit-exact. On failure the source block is untouched.
func (a *TieredAllocator) Demote(owner string, target MemoryTier) error {
	blk, ok := a.GetBlock(owner)
	if !ok {
		return fmt.Errorf("%w: block of %s", ErrNotFound, owner)
	}
	if target >= blk.Tier {
		return fmt.Errorf("%w: demote %s → %s", ErrInvalidInput, blk.Tier, target)
	}

	if err := a.move(owner, target); err != nil {
		return err
	}
	a.tiers[target].demotions.Add(1)
	return nil
}

func (a *TieredAllocator) move(owner string, target MemoryTier) error {
	if target == TierVRAM && !a.VRAMAvailable() {
		return ErrTierUnavailable
	}

	data, err := a.Deref(owner)
	if err != nil {
		return err
	}

	a.mu.RLock()
	blk, ok := a.blocks[owner]
	a.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: block of %s", ErrNotFound, owner)
	}
	src := blk.Tier

	if !a.reserve(target, blk.Size) {
		a.Evict(blk.Size, target)
		if !a.reserve(target, blk.Size) {
			return fmt.Errorf("%w: tier %s", ErrCapacityExceeded, target)
		}
	}

	// Copy into the destination before releasing the source so a
	// failure preserves the original.
	switch target {
	case TierVRAM, TierCPU:
		dst := make([]byte, blk.Size)
		copy(dst, data)
		a.mu.Lock()
		blk.data = dst
		blk.Tier = target
		blk.LastAccess = time.Now()
		a.mu.Unlock()
		if src == TierSSD && a.store != nil {
			a.store.Remove(ssdBlockID(owner))
		}
	case TierSSD:
		padded := make([]byte, blk.Size)
		copy(padded, data)
		_, err = a.store.Write(ssdBlockID(owner), padded,
			CacheEntryInfo{ModelID: owner}, DefaultCacheWriteOptions())
		if err != nil {
			a.release(target, blk.Size)
			return err
		}
		a.mu.Lock()
		blk.data = nil
		blk.Tier = target
		blk.LastAccess = time.Now()
		a.mu.Unlock()
	}

	a.release(src, blk.Size)
	return nil
}

// Evict frees at least bytesNeeded in the tier by demoting candidate
// blocks one level colder (SSD blocks are dropped with notification).
// Returns the bytes actually freed from the tier.
func (a *TieredAllocator) Evict(bytesNeeded int64, tier MemoryTier) int64 {
	candidates := a.selectEvictionCandidates(tier, bytesNeeded)

	var freed int64
	for _, owner := range candidates {
		if freed >= bytesNeeded {
			break
		}

		blk, ok := a.GetBlock(owner)
		if !ok || blk.Tier != tier {
			continue
		}

		var err error
		if tier == TierSSD {
			a.DeallocateOwner(owner)
			a.notifyEviction(owner, tier)
		} else if err = a.Demote(owner, tier-1); err != nil {
			slog.Debug("eviction demote failed", "owner", owner, "tier", tier, "err", err)
			continue
		}

		freed += blk.Size
		a.tiers[tier].evictions.Add(1)
	}
	return freed
}

// selectEvictionCandidates orders a tier's blocks by the active policy.
func (a *TieredAllocator) selectEvictionCandidates(tier MemoryTier, _ int64) []string {
	blocks := a.BlocksInTier(tier)

	switch a.GetEvictionPolicy() {
	case EvictLFU:
		sort.Slice(blocks, func(i, j int) bool {
			return blocks[i].AccessCount < blocks[j].AccessCount
		})
	case EvictFIFO:
		sort.Slice(blocks, func(i, j int) bool {
			return blocks[i].CreatedAt.Before(blocks[j].CreatedAt)
		})
	case EvictSizeWeighted:
		// Older and larger sorts first: idle seconds scaled by size.
		now := time.Now()
		weight := func(b MemoryBlock) float64 {
			return now.Sub(b.LastAccess).Seconds() * float64(b.Size)
		}
		sort.Slice(blocks, func(i, j int) bool {
			return weight(blocks[i]) > weight(blocks[j])
		})
	default: // EvictLRU
		sort.Slice(blocks, func(i, j int) bool {
			return blocks[i].LastAccess.Before(blocks[j].LastAccess)
		})
	}

	out := make([]string, len(blocks))
	for i, b := range blocks {
		out[i] = b.Owner
	}
	return out
}

// Used returns the bytes accounted to a tier.
func (a *TieredAllocator) Used(tier MemoryTier) int64 {
	return a.tiers[tier].used.Load()
}

// Capacity returns a tier's configured capacity, 0 meaning unlimited.
func (a *TieredAllocator) Capacity(tier MemoryTier) int64 {
	return a.tiers[tier].capacity
}

// Available returns a tier's free bytes; unlimited tiers report a
// negative value.
func (a *TieredAllocator) Available(tier MemoryTier) int64 {
	tc := a.tiers[tier]
	if tc.capacity <= 0 {
		return -1
	}
	return tc.capacity - tc.used.Load()
}

// TierStatsOf snapshots one tier.
func (a *TieredAllocator) TierStatsOf(tier MemoryTier) TierStats {
	tc := a.tiers[tier]

	a.mu.RLock()
	blocks := 0
	for _, blk := range a.blocks {
		if blk.Tier == tier {
			blocks++
		}
	}
	a.mu.RUnlock()

	return TierStats{
		Capacity:      tc.capacity,
		Used:          tc.used.Load(),
		Blocks:        blocks,
		Allocations:   tc.allocations.Load(),
		Deallocations: tc.deallocations.Load(),
		Promotions:    tc.promotions.Load(),
		Demotions:     tc.demotions.Load(),
		Evictions:     tc.evictions.Load(),
		Hits:          tc.hits.Load(),
	}
}

// Stats snapshots all three tiers.
func (a *TieredAllocator) Stats() map[MemoryTier]TierStats {
	return map[MemoryTier]TierStats{
		TierSSD:  a.TierStatsOf(TierSSD),
		TierCPU:  a.TierStatsOf(TierCPU),
		TierVRAM: a.TierStatsOf(TierVRAM),
	}
}
