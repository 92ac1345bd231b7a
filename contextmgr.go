package snapllm

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/snapllm/snapllm-go/util/stringx"
)

// DefaultContextTTL bounds how long an untouched KV entry stays
// eligible for queries before expiry reaps it.
const DefaultContextTTL = 24 * time.Hour

// ContextOptions configures an ingest.
type ContextOptions struct {
	// Tier places the KV state after ingest; the SSD copy always
	// exists for persistence.
	Tier MemoryTier
	// TTL of 0 means DefaultContextTTL.
	TTL time.Duration
	// Compression of the persisted payload.
	Compression CompressionType
}

// ContextHandle identifies an ingested context.
type ContextHandle struct {
	ID        string     `json:"id"`
	ModelID   string     `json:"modelId"`
	Tier      MemoryTier `json:"tier"`
	NumTokens int        `json:"numTokens"`
	ByteSize  int64      `json:"byteSize"`
}

// ContextInfo is an introspection snapshot of one context.
type ContextInfo struct {
	ID           string        `json:"id"`
	ModelID      string        `json:"modelId"`
	Tier         MemoryTier    `json:"tier"`
	TTL          time.Duration `json:"ttl"`
	NumTokens    int           `json:"numTokens"`
	ByteSize     int64         `json:"byteSize"`
	CreatedAt    time.Time     `json:"createdAt"`
	LastAccessed time.Time     `json:"lastAccessed"`
	AccessCount  uint64        `json:"accessCount"`
}

type contextState struct {
	id           string
	modelID      string
	tier         MemoryTier
	ttl          time.Duration
	numTokens    int
	byteSize     int64
	createdAt    time.Time
	lastAccessed time.Time
	accessCount  uint64
}

// ContextManagerStats summarizes the tracked contexts.
type ContextManagerStats struct {
	Contexts   int                `json:"contexts"`
	TotalBytes int64              `json:"totalBytes"`
	PerTier    map[MemoryTier]int `json:"perTier"`
	Ingests    uint64             `json:"ingests"`
	Queries    uint64             `json:"queries"`
}

// ContextManager pre-computes KV caches for (model, content) pairs so
// queries against the same content skip prefill: ingest pays the O(n²)
// attention cost once, each query injects the stored state and decodes
// only its own tokens.
type ContextManager struct {
	registry *Registry
	store    *CacheStore
	alloc    *TieredAllocator

	mu       sync.RWMutex
	contexts map[string]*contextState

	ingests uint64
	queries uint64

	tiering *AutoTiering
}

// NewContextManager wires the manager over the registry, the persistent
// store and the tiered allocator.
func NewContextManager(registry *Registry, store *CacheStore, alloc *TieredAllocator) *ContextManager {
	return &ContextManager{
		registry: registry,
		store:    store,
		alloc:    alloc,
		contexts: map[string]*contextState{},
	}
}

// AttachTiering subscribes the manager to a tiering policy: decisions
// it emits are applied as promotions and demotions.
func (cm *ContextManager) AttachTiering(t *AutoTiering) {
	cm.tiering = t
	t.OnDecision(func(d TieringDecision) {
		var err error
		if d.IsPromotion() {
			err = cm.Promote(d.ContextID, d.TargetTier)
		} else if d.IsDemotion() {
			err = cm.Demote(d.ContextID, d.TargetTier)
		}
		if err != nil {
			slog.Debug("tiering decision not applied",
				"context", d.ContextID, "target", d.TargetTier, "err", err)
		}
	})
}

// ContextID derives the deterministic cache id of a (model, content)
// pair.
func ContextID(modelID, content string) string {
	return "ctx-" + stringx.SumBySHA256(modelID, content)[:16]
}

// Ingest tokenizes content, runs prefill on the model, extracts the
// sequence KV state and persists it. Re-ingesting the same pair
// refreshes the stored state under the same id.
func (cm *ContextManager) Ingest(ctx context.Context, modelID, content string, opts ContextOptions) (ContextHandle, error) {
	if content == "" {
		return ContextHandle{}, fmt.Errorf("%w: empty content", ErrInvalidInput)
	}
	if opts.TTL <= 0 {
		opts.TTL = DefaultContextTTL
	}

	if err := cm.registry.inferSem.Acquire(ctx, 1); err != nil {
		return ContextHandle{}, err
	}
	defer cm.registry.inferSem.Release(1)

	m, err := cm.registry.residentModel(modelID)
	if err != nil {
		return ContextHandle{}, err
	}

	id := ContextID(modelID, content)

	m.genMu.Lock()
	state, numTokens, err := cm.prefillLocked(ctx, m, content)
	m.genMu.Unlock()
	if err != nil {
		return ContextHandle{}, err
	}

	info := CacheEntryInfo{
		ModelID:   modelID,
		NumLayers: int(m.desc.NumLayers),
		NumHeads:  int(m.desc.NumKVHeads),
		SeqLen:    numTokens,
	}
	if m.desc.NumHeads > 0 {
		info.HeadDim = int(m.desc.EmbeddingLength / m.desc.NumHeads)
	}

	wres, err := cm.store.Write(id, state, info, CacheWriteOptions{
		Compression: opts.Compression,
		Checksum:    true,
	})
	if err != nil {
		return ContextHandle{}, err
	}

	tier := TierSSD
	if opts.Tier > TierSSD {
		// Residency above SSD is best-effort: the persisted copy
		// already satisfies queries.
		cm.alloc.DeallocateOwner(id)
		if _, aerr := cm.alloc.Allocate(int64(len(state)), opts.Tier, id); aerr == nil {
			if werr := cm.alloc.WriteBlock(id, state); werr == nil {
				tier, _ = cm.alloc.GetTier(id)
			} else {
				cm.alloc.DeallocateOwner(id)
			}
		}
	}

	now := time.Now()
	cs := &contextState{
		id:           id,
		modelID:      modelID,
		tier:         tier,
		ttl:          opts.TTL,
		numTokens:    numTokens,
		byteSize:     wres.SizeBytes,
		createdAt:    now,
		lastAccessed: now,
	}

	cm.mu.Lock()
	cm.contexts[id] = cs
	cm.ingests++
	cm.mu.Unlock()

	if cm.tiering != nil {
		cm.tiering.RecordAccess(id, wres.SizeBytes, tier)
	}

	slog.Info("context ingested",
		"id", id, "model", modelID, "tokens", numTokens, "bytes", wres.SizeBytes, "tier", tier)
	return ContextHandle{
		ID:        id,
		ModelID:   modelID,
		Tier:      tier,
		NumTokens: numTokens,
		ByteSize:  wres.SizeBytes,
	}, nil
}

// prefillLocked runs the content through the model and serializes the
// resulting KV state. Caller holds m.genMu.
func (cm *ContextManager) prefillLocked(ctx context.Context, m *registeredModel, content string) ([]byte, int, error) {
	sess, err := cm.registry.sessionLocked(m)
	if err != nil {
		return nil, 0, err
	}

	// The shared sequence is cleared before and after so ingest never
	// leaks state into concurrent generations.
	sess.ClearSeq(0)
	defer sess.ClearSeq(0)

	tokens, err := cm.registry.backend.Tokenize(m.handle, content, true, true)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: tokenize: %v", ErrBackend, err)
	}

	positions := make([]int32, len(tokens))
	for i := range positions {
		positions[i] = int32(i)
	}
	if err = sess.DecodeBatch(ctx, tokens, positions, 0); err != nil {
		return nil, 0, err
	}

	state, err := sess.StateSeqGet(0)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: state get: %v", ErrBackend, err)
	}
	return state, len(tokens), nil
}

// Query injects the stored KV state and generates an answer for
// queryText, decoding only the query tokens. Tokens stream through cb
// when non-nil.
func (cm *ContextManager) Query(ctx context.Context, handle ContextHandle, queryText string, params SamplingParams, cb TokenCallback) (string, error) {
	cm.mu.RLock()
	cs, ok := cm.contexts[handle.ID]
	cm.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%w: context %s", ErrNotFound, handle.ID)
	}

	if err := cm.registry.inferSem.Acquire(ctx, 1); err != nil {
		return "", err
	}
	defer cm.registry.inferSem.Release(1)

	m, err := cm.registry.residentModel(cs.modelID)
	if err != nil {
		return "", err
	}

	state, err := cm.loadState(handle.ID, cs.tier)
	if err != nil {
		return "", err
	}

	m.genMu.Lock()
	defer m.genMu.Unlock()

	sess, err := cm.registry.sessionLocked(m)
	if err != nil {
		return "", err
	}

	// Isolation: drop whatever the sequence held, inject the cached
	// state, and clear again afterwards.
	sess.ClearSeq(0)
	defer sess.ClearSeq(0)

	if err = sess.StateSeqSet(0, state); err != nil {
		return "", fmt.Errorf("%w: state set: %v", ErrBackend, err)
	}

	qTokens, err := cm.registry.backend.Tokenize(m.handle, queryText, false, true)
	if err != nil {
		return "", fmt.Errorf("%w: tokenize: %v", ErrBackend, err)
	}

	positions := make([]int32, len(qTokens))
	for i := range positions {
		positions[i] = int32(cs.numTokens + i)
	}
	if err = sess.DecodeBatch(ctx, qTokens, positions, 0); err != nil {
		return "", err
	}

	maxTokens := params.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 100
	}

	var sb strings.Builder
	pos := int32(cs.numTokens + len(qTokens))
	for i := 0; i < maxTokens; i++ {
		if err = ctx.Err(); err != nil {
			return sb.String(), err
		}

		t := sess.Sample(params)
		eos := t == 2
		piece := cm.registry.backend.TokenToPiece(m.handle, t)
		if cb != nil && !cb(piece, t, eos) {
			break
		}
		if eos {
			break
		}
		sb.WriteString(piece)

		if err = sess.DecodeBatch(ctx, []Token{t}, []int32{pos}, 0); err != nil {
			return sb.String(), err
		}
		pos++
	}

	now := time.Now()
	cm.mu.Lock()
	cs.lastAccessed = now
	cs.accessCount++
	cm.queries++
	tier := cs.tier
	bytes := cs.byteSize
	cm.mu.Unlock()

	if cm.tiering != nil {
		cm.tiering.RecordAccess(handle.ID, bytes, tier)
	}
	return sb.String(), nil
}

// loadState fetches the KV payload from the resident block when one
// exists, falling back to the persistent store.
func (cm *ContextManager) loadState(id string, tier MemoryTier) ([]byte, error) {
	if tier > TierSSD {
		if data, err := cm.alloc.Deref(id); err == nil {
			return data, nil
		}
	}

	res, err := cm.store.Read(id, CacheReadOptions{VerifyChecksum: true})
	if err != nil {
		return nil, err
	}
	return res.Data, nil
}

// Promote raises a context's residency tier, filling the block from
// the persistent copy when the context was SSD-only.
func (cm *ContextManager) Promote(id string, target MemoryTier) error {
	cm.mu.RLock()
	cs, ok := cm.contexts[id]
	cm.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: context %s", ErrNotFound, id)
	}

	if _, has := cm.alloc.GetTier(id); !has {
		res, err := cm.store.Read(id, CacheReadOptions{VerifyChecksum: true})
		if err != nil {
			return err
		}
		if _, err = cm.alloc.Allocate(int64(len(res.Data)), target, id); err != nil {
			return err
		}
		if err = cm.alloc.WriteBlock(id, res.Data); err != nil {
			cm.alloc.DeallocateOwner(id)
			return err
		}
	} else if err := cm.alloc.Promote(id, target); err != nil {
		return err
	}

	actual, _ := cm.alloc.GetTier(id)
	cm.mu.Lock()
	cs.tier = actual
	cm.mu.Unlock()
	return nil
}

// Demote lowers a context's residency tier. Demotion to SSD drops the
// resident block; the persistent copy remains authoritative.
func (cm *ContextManager) Demote(id string, target MemoryTier) error {
	cm.mu.RLock()
	cs, ok := cm.contexts[id]
	cm.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: context %s", ErrNotFound, id)
	}

	if target == TierSSD {
		cm.alloc.DeallocateOwner(id)
	} else if _, has := cm.alloc.GetTier(id); has {
		if err := cm.alloc.Demote(id, target); err != nil {
			return err
		}
	} else {
		return fmt.Errorf("%w: context %s has no resident block", ErrNotFound, id)
	}

	tier := target
	if t, has := cm.alloc.GetTier(id); has {
		tier = t
	}
	cm.mu.Lock()
	cs.tier = tier
	cm.mu.Unlock()
	return nil
}

// Remove deletes a context everywhere: resident block, persistent
// entry and tracking.
func (cm *ContextManager) Remove(id string) bool {
	cm.mu.Lock()
	_, ok := cm.contexts[id]
	delete(cm.contexts, id)
	cm.mu.Unlock()

	cm.alloc.DeallocateOwner(id)
	removed := cm.store.Remove(id)
	if cm.tiering != nil {
		cm.tiering.RemoveContext(id)
	}
	return ok || removed
}

// List returns the tracked context ids.
func (cm *ContextManager) List() []string {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	out := make([]string, 0, len(cm.contexts))
	for id := range cm.contexts {
		out = append(out, id)
	}
	return out
}

// GetInfo returns a snapshot of one context.
func (cm *ContextManager) GetInfo(id string) (ContextInfo, bool) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	cs, ok := cm.contexts[id]
	if !ok {
		return ContextInfo{}, false
	}
	return ContextInfo{
		ID:           cs.id,
		ModelID:      cs.modelID,
		Tier:         cs.tier,
		TTL:          cs.ttl,
		NumTokens:    cs.numTokens,
		ByteSize:     cs.byteSize,
		CreatedAt:    cs.createdAt,
		LastAccessed: cs.lastAccessed,
		AccessCount:  cs.accessCount,
	}, true
}

// ExpireTTL removes contexts idle past their TTL and, with a tiering
// policy attached, past its cold threshold as well; returns the count.
func (cm *ContextManager) ExpireTTL(now time.Time) int {
	cm.mu.RLock()
	var expired []string
	for id, cs := range cm.contexts {
		idle := now.Sub(cs.lastAccessed)
		if idle > cs.ttl && (cm.tiering == nil || idle > cm.tiering.cfg.ColdThreshold) {
			expired = append(expired, id)
		}
	}
	cm.mu.RUnlock()

	for _, id := range expired {
		cm.Remove(id)
		slog.Info("context expired", "id", id)
	}
	return len(expired)
}

// Stats summarizes the tracked contexts.
func (cm *ContextManager) Stats() ContextManagerStats {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	s := ContextManagerStats{
		Contexts: len(cm.contexts),
		PerTier:  map[MemoryTier]int{},
		Ingests:  cm.ingests,
		Queries:  cm.queries,
	}
	for _, cs := range cm.contexts {
		s.TotalBytes += cs.byteSize
		s.PerTier[cs.tier]++
	}
	return s
}
