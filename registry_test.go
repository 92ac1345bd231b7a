package snapllm

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeSizedModel writes a source file of roughly sizeMB mebibytes so
// the registry's VRAM proxy sees a controlled estimate.
func writeSizedModel(t *testing.T, dir, filename string, sizeMB int) string {
	t.Helper()

	n := sizeMB << 20 / 4
	return writeGGUFFile(t, dir, filename, defaultTestMetadata(), []testTensor{
		{
			name: "token_embd.weight",
			dims: []uint64{uint64(n)},
			typ:  GGMLTypeF32,
			data: make([]byte, n*4),
		},
	})
}

func newTestRegistry(t *testing.T, vramBudgetMB int64) *Registry {
	t.Helper()

	cfg := Config{
		WorkspaceRoot: t.TempDir(),
		VRAMBudgetMB:  vramBudgetMB,
		HotCacheBytes: 32 << 20,
	}
	r, err := NewRegistry(cfg, NewSimBackend())
	require.NoError(t, err)
	return r
}

func TestRegistryLoadIsIdempotent(t *testing.T) {
	r := newTestRegistry(t, 1000)
	src, _ := writeTestModel(t, t.TempDir(), "m1-2B-Q8_0.gguf", 2)

	ctx := context.Background()
	require.NoError(t, r.Load(ctx, "m1", src, CPUOnly()))
	require.NoError(t, r.Load(ctx, "m1", src, CPUOnly()))

	states := r.LoadedModels()
	assert.Equal(t, ModelResident, states["m1"])

	info, err := r.ModelInfo("m1")
	require.NoError(t, err)
	assert.Equal(t, "Q8_0", info.QuantType)
	assert.Equal(t, "llama", info.Architecture)
	assert.EqualValues(t, 2, info.NumLayers)
}

func TestRegistryVRAMEviction(t *testing.T) {
	dir := t.TempDir()
	a := writeSizedModel(t, dir, "a-1B-F32.gguf", 7)
	b := writeSizedModel(t, dir, "b-1B-F32.gguf", 4)
	c := writeSizedModel(t, dir, "c-1B-F32.gguf", 5)

	r := newTestRegistry(t, 10)
	ctx := context.Background()

	require.NoError(t, r.Load(ctx, "a", a, CPUOnly()))
	assert.EqualValues(t, 7, r.TotalVRAMUsedMB())

	// b does not fit next to a; the least recently used model goes.
	require.NoError(t, r.Load(ctx, "b", b, CPUOnly()))
	require.NoError(t, r.Load(ctx, "c", c, CPUOnly()))

	states := r.LoadedModels()
	assert.Equal(t, ModelEvicted, states["a"])
	assert.Equal(t, ModelResident, states["b"])
	assert.Equal(t, ModelResident, states["c"])
	assert.EqualValues(t, 9, r.TotalVRAMUsedMB())
}

func TestRegistryActiveModelNeverEvicted(t *testing.T) {
	dir := t.TempDir()
	a := writeSizedModel(t, dir, "a-1B-F32.gguf", 4)
	b := writeSizedModel(t, dir, "b-1B-F32.gguf", 4)

	r := newTestRegistry(t, 10)
	ctx := context.Background()

	require.NoError(t, r.Load(ctx, "a", a, CPUOnly()))
	require.NoError(t, r.Load(ctx, "b", b, CPUOnly()))
	require.NoError(t, r.SwitchActive("a"))

	// c forces an eviction; the active model survives even though its
	// LRU position is older than b's.
	c := writeSizedModel(t, dir, "c-1B-F32.gguf", 4)
	require.NoError(t, r.Load(ctx, "c", c, CPUOnly()))

	states := r.LoadedModels()
	assert.Equal(t, ModelResident, states["a"])
	assert.Equal(t, ModelEvicted, states["b"])
	assert.Equal(t, ModelResident, states["c"])
}

func TestRegistrySwitchActive(t *testing.T) {
	dir := t.TempDir()
	a, _ := writeTestModel(t, dir, "a-1B-Q8_0.gguf", 1)
	b, _ := writeTestModel(t, dir, "b-1B-Q8_0.gguf", 1)

	r := newTestRegistry(t, 1000)
	ctx := context.Background()

	require.NoError(t, r.Load(ctx, "a", a, CPUOnly()))
	require.NoError(t, r.Load(ctx, "b", b, CPUOnly()))

	require.NoError(t, r.SwitchActive("a"))
	assert.Equal(t, "a", r.ActiveModel())

	require.NoError(t, r.SwitchActive("b"))
	assert.Equal(t, "b", r.ActiveModel())

	err := r.SwitchActive("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRegistryPointerStability(t *testing.T) {
	r := newTestRegistry(t, 1000)
	src, want := writeTestModel(t, t.TempDir(), "m1-2B-Q8_0.gguf", 1)

	require.NoError(t, r.Load(context.Background(), "m1", src, CPUOnly()))

	p1, ok := r.GetF32Pointer("m1", "blk.0.attn_q.weight")
	require.True(t, ok)
	p2, ok := r.GetF32Pointer("m1", "blk.0.attn_q.weight")
	require.True(t, ok)

	assert.Same(t, &p1[0], &p2[0], "pointer must be stable across calls")
	assert.Equal(t, want["blk.0.attn_q.weight"], p1)

	// Hot-pattern tensors are served from the HOT cache.
	_, ok = r.HotCache().Lookup("m1", "token_embd.weight")
	assert.True(t, ok)
	_, ok = r.HotCache().Lookup("m1", "output.weight")
	assert.True(t, ok)
}

func TestRegistryUnloadKeepsWorkspace(t *testing.T) {
	r := newTestRegistry(t, 1000)
	src, _ := writeTestModel(t, t.TempDir(), "m1-2B-Q8_0.gguf", 1)

	ctx := context.Background()
	require.NoError(t, r.Load(ctx, "m1", src, CPUOnly()))
	require.NoError(t, r.Unload("m1"))

	assert.EqualValues(t, 0, r.TotalVRAMUsedMB())
	assert.Empty(t, r.LoadedModels())
	_, ok := r.HotCache().Lookup("m1", "token_embd.weight")
	assert.False(t, ok)

	// Metadata survives, so the next load skips dequantization.
	assert.True(t, r.Metadata().Exists("m1", "Q8_0"))
	require.NoError(t, r.Load(ctx, "m1", src, CPUOnly()))
	assert.Equal(t, ModelResident, r.LoadedModels()["m1"])
}

func TestRegistryGenerateDeterministic(t *testing.T) {
	r := newTestRegistry(t, 1000)
	src, _ := writeTestModel(t, t.TempDir(), "m1-2B-Q8_0.gguf", 2)

	ctx := context.Background()
	require.NoError(t, r.Load(ctx, "m1", src, CPUOnly()))

	params := SamplingParams{Temperature: 0.8, TopK: 40, TopP: 0.95, Seed: 42, MaxTokens: 16}
	out1, err := r.Generate(ctx, "hello world", params, nil)
	require.NoError(t, err)
	require.NotEmpty(t, out1)

	out2, err := r.Generate(ctx, "hello world", params, nil)
	require.NoError(t, err)
	assert.Equal(t, out1, out2)
}

func TestRegistryGenerateSurvivesLayerEviction(t *testing.T) {
	r := newTestRegistry(t, 1000)
	src, _ := writeTestModel(t, t.TempDir(), "m1-2B-Q8_0.gguf", 2)

	ctx := context.Background()
	require.NoError(t, r.Load(ctx, "m1", src, CPUOnly()))

	params := SamplingParams{Seed: 7, MaxTokens: 8}
	before, err := r.Generate(ctx, "the quick brown fox", params, nil)
	require.NoError(t, err)

	ev, err := r.Evictor("m1")
	require.NoError(t, err)
	freed, err := ev.Evict(1)
	require.NoError(t, err)
	assert.Greater(t, freed, int64(0))
	assert.GreaterOrEqual(t, ev.BytesFreed(), int64(512*4))

	// Evicted pages fault back in from disk: same seed, same output.
	after, err := r.Generate(ctx, "the quick brown fox", params, nil)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestResolveGPULayers(t *testing.T) {
	r := newTestRegistry(t, 8000)

	cases := []struct {
		name        string
		gpu         GPUConfig
		modelSizeMB int64
		numLayers   int64
		expected    int
	}{
		{"explicit", GPUConfig{Layers: 12}, 9999, 32, 12},
		{"cpu only", CPUOnly(), 100, 32, 0},
		{"fits fully", AutoGPU(), 4000, 32, 32},
		{"partial offload", AutoGPU(), 16000, 32, 13}, // 0.85*8000/16000 = 0.425
		{"clamped floor", AutoGPU(), 100000, 32, 9},   // ratio clamps to 0.3
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expected, r.resolveGPULayers(tc.gpu, tc.modelSizeMB, tc.numLayers))
		})
	}
}
