package snapllm

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type contextFixture struct {
	registry *Registry
	store    *CacheStore
	alloc    *TieredAllocator
	manager  *ContextManager
}

func newContextFixture(t *testing.T) *contextFixture {
	t.Helper()

	r := newTestRegistry(t, 1000)
	src, _ := writeTestModel(t, t.TempDir(), "m1-2B-Q8_0.gguf", 2)
	require.NoError(t, r.Load(context.Background(), "m1", src, CPUOnly()))

	store, err := NewCacheStore(t.TempDir(), 0)
	require.NoError(t, err)
	alloc := NewTieredAllocator(TieredAllocatorConfig{
		VRAMCapacity: 8 << 20,
		CPUCapacity:  8 << 20,
	}, store)

	return &contextFixture{
		registry: r,
		store:    store,
		alloc:    alloc,
		manager:  NewContextManager(r, store, alloc),
	}
}

func TestContextIngestAndQuery(t *testing.T) {
	f := newContextFixture(t)
	ctx := context.Background()

	content := "The capital of France is Paris. It is known for the Eiffel Tower."
	handle, err := f.manager.Ingest(ctx, "m1", content, ContextOptions{})
	require.NoError(t, err)
	assert.Equal(t, ContextID("m1", content), handle.ID)
	assert.Greater(t, handle.NumTokens, 0)
	assert.Greater(t, handle.ByteSize, int64(0))
	assert.True(t, f.store.Exists(handle.ID))

	params := SamplingParams{Seed: 1, MaxTokens: 12}
	answer, err := f.manager.Query(ctx, handle, "What is the capital?", params, nil)
	require.NoError(t, err)
	assert.NotEmpty(t, answer)

	// Deterministic backend, cached state: identical answers.
	answer2, err := f.manager.Query(ctx, handle, "What is the capital?", params, nil)
	require.NoError(t, err)
	assert.Equal(t, answer, answer2)

	info, ok := f.manager.GetInfo(handle.ID)
	require.True(t, ok)
	assert.EqualValues(t, 2, info.AccessCount)
	assert.Equal(t, DefaultContextTTL, info.TTL)
}

func TestContextQueryMatchesUncachedGeneration(t *testing.T) {
	f := newContextFixture(t)
	ctx := context.Background()

	content := "Once upon a time"
	query := " there was a cache."

	handle, err := f.manager.Ingest(ctx, "m1", content, ContextOptions{})
	require.NoError(t, err)

	params := SamplingParams{Seed: 9, MaxTokens: 10}
	cached, err := f.manager.Query(ctx, handle, query, params, nil)
	require.NoError(t, err)

	// Full prefill over the concatenated text sees the same sequence
	// state, so generation continues identically.
	full, err := f.registry.Generate(ctx, content+query, params, nil)
	require.NoError(t, err)
	assert.Equal(t, full, cached)
}

func TestContextIngestIsDeterministic(t *testing.T) {
	f := newContextFixture(t)
	ctx := context.Background()

	h1, err := f.manager.Ingest(ctx, "m1", "same content", ContextOptions{})
	require.NoError(t, err)
	h2, err := f.manager.Ingest(ctx, "m1", "same content", ContextOptions{})
	require.NoError(t, err)

	assert.Equal(t, h1.ID, h2.ID)
	assert.Len(t, f.manager.List(), 1)

	h3, err := f.manager.Ingest(ctx, "m1", "different content", ContextOptions{})
	require.NoError(t, err)
	assert.NotEqual(t, h1.ID, h3.ID)
}

func TestContextResidencyTier(t *testing.T) {
	f := newContextFixture(t)
	ctx := context.Background()

	handle, err := f.manager.Ingest(ctx, "m1", "resident content", ContextOptions{Tier: TierCPU})
	require.NoError(t, err)
	assert.Equal(t, TierCPU, handle.Tier)

	tier, ok := f.alloc.GetTier(handle.ID)
	require.True(t, ok)
	assert.Equal(t, TierCPU, tier)

	// Promote to VRAM, query still works, content intact.
	require.NoError(t, f.manager.Promote(handle.ID, TierVRAM))
	info, _ := f.manager.GetInfo(handle.ID)
	assert.Equal(t, TierVRAM, info.Tier)

	params := SamplingParams{Seed: 3, MaxTokens: 6}
	a1, err := f.manager.Query(ctx, handle, "q", params, nil)
	require.NoError(t, err)

	// Demote all the way to SSD: the resident block goes away and the
	// persistent copy answers.
	require.NoError(t, f.manager.Demote(handle.ID, TierSSD))
	_, ok = f.alloc.GetTier(handle.ID)
	assert.False(t, ok)

	a2, err := f.manager.Query(ctx, handle, "q", params, nil)
	require.NoError(t, err)
	assert.Equal(t, a1, a2)
}

func TestContextPromoteFromSSDOnly(t *testing.T) {
	f := newContextFixture(t)
	ctx := context.Background()

	handle, err := f.manager.Ingest(ctx, "m1", "cold content", ContextOptions{})
	require.NoError(t, err)
	assert.Equal(t, TierSSD, handle.Tier)

	require.NoError(t, f.manager.Promote(handle.ID, TierCPU))
	tier, ok := f.alloc.GetTier(handle.ID)
	require.True(t, ok)
	assert.Equal(t, TierCPU, tier)
}

func TestContextRemove(t *testing.T) {
	f := newContextFixture(t)
	ctx := context.Background()

	handle, err := f.manager.Ingest(ctx, "m1", "to be removed", ContextOptions{Tier: TierCPU})
	require.NoError(t, err)

	assert.True(t, f.manager.Remove(handle.ID))
	assert.False(t, f.store.Exists(handle.ID))
	_, ok := f.alloc.GetTier(handle.ID)
	assert.False(t, ok)

	_, err = f.manager.Query(ctx, handle, "q", SamplingParams{}, nil)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestContextTTLExpiry(t *testing.T) {
	f := newContextFixture(t)
	ctx := context.Background()

	handle, err := f.manager.Ingest(ctx, "m1", "short lived", ContextOptions{TTL: time.Minute})
	require.NoError(t, err)

	// Not yet expired.
	assert.Zero(t, f.manager.ExpireTTL(time.Now()))

	// Past the TTL it goes, store copy included.
	assert.Equal(t, 1, f.manager.ExpireTTL(time.Now().Add(2*time.Minute)))
	assert.False(t, f.store.Exists(handle.ID))
	assert.Empty(t, f.manager.List())
}

func TestContextQueryIsolation(t *testing.T) {
	f := newContextFixture(t)
	ctx := context.Background()

	h1, err := f.manager.Ingest(ctx, "m1", "alpha context", ContextOptions{})
	require.NoError(t, err)
	h2, err := f.manager.Ingest(ctx, "m1", "beta context", ContextOptions{})
	require.NoError(t, err)

	params := SamplingParams{Seed: 5, MaxTokens: 8}
	a1, err := f.manager.Query(ctx, h1, "question", params, nil)
	require.NoError(t, err)

	// Interleave a query on the other context, then repeat the first:
	// sequences never bleed into each other.
	_, err = f.manager.Query(ctx, h2, "question", params, nil)
	require.NoError(t, err)

	a1again, err := f.manager.Query(ctx, h1, "question", params, nil)
	require.NoError(t, err)
	assert.Equal(t, a1, a1again)
}

func TestContextStats(t *testing.T) {
	f := newContextFixture(t)
	ctx := context.Background()

	_, err := f.manager.Ingest(ctx, "m1", "one", ContextOptions{Tier: TierCPU})
	require.NoError(t, err)
	_, err = f.manager.Ingest(ctx, "m1", "two", ContextOptions{})
	require.NoError(t, err)

	s := f.manager.Stats()
	assert.Equal(t, 2, s.Contexts)
	assert.EqualValues(t, 2, s.Ingests)
	assert.Equal(t, 1, s.PerTier[TierCPU])
	assert.Equal(t, 1, s.PerTier[TierSSD])
	assert.Greater(t, s.TotalBytes, int64(0))
}
