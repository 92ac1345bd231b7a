package snapllm

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeTestModel writes a small quantized source file with one tensor
// per class: embedding, output, and one attention weight per layer.
func writeTestModel(t *testing.T, dir, filename string, layers int) (string, map[string][]float32) {
	t.Helper()

	metadata := defaultTestMetadata()
	metadata["llama.block_count"] = uint32(layers)

	want := map[string][]float32{}
	var tensors []testTensor

	addQ8 := func(name string, n int, mod int) {
		values := ramp(n, mod)
		want[name] = values
		tensors = append(tensors, testTensor{
			name: name,
			dims: []uint64{uint64(n)},
			typ:  GGMLTypeQ8_0,
			data: q8TensorData(t, values),
		})
	}

	addQ8("token_embd.weight", 1024, 9)
	addQ8("output.weight", 1024, 11)
	for i := 0; i < layers; i++ {
		addQ8("blk."+strconv.Itoa(i)+".attn_q.weight", 512, 7)
	}

	return writeGGUFFile(t, dir, filename, metadata, tensors), want
}

func TestPipelineColdIngestWarmReload(t *testing.T) {
	root := t.TempDir()
	srcDir := t.TempDir()

	src, want := writeTestModel(t, srcDir, "m1-2B-Q8_0.gguf", 2)

	meta, err := NewMetadataStore(root)
	require.NoError(t, err)
	pipe := NewPipeline(meta, false)

	res, err := pipe.Run(context.Background(), "m1", src, false)
	require.NoError(t, err)
	assert.False(t, res.FromCache)

	// The workspace file exists and holds at least the F32 inflation.
	wsPath := filepath.Join(root, "m1", "Q8_0", "workspace.bin")
	st, err := os.Stat(wsPath)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, st.Size(), res.Descriptor.TotalByteSize())

	// Metadata records the catalog.
	assert.True(t, meta.Exists("m1", "Q8_0"))
	entries, err := meta.ListModels()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "Q8_0", entries[0].QuantType)
	assert.Equal(t, 4, entries[0].TensorCount)

	// Dequantized values are exact for integral Q8_0 inputs.
	for name, values := range want {
		got, err := res.Catalog.GetTensor("m1", name)
		require.NoError(t, err)
		assert.Equal(t, values, got, "tensor %s", name)
	}

	firstOffsets := map[string]int64{}
	for _, td := range res.Descriptor.Tensors {
		firstOffsets[td.Name] = td.WorkspaceOffset
	}
	require.NoError(t, res.Workspace.Close())

	// Second run is served from metadata: no dequantization, no writes.
	res2, err := pipe.Run(context.Background(), "m1", src, false)
	require.NoError(t, err)
	defer res2.Workspace.Close()

	assert.True(t, res2.FromCache)
	assert.EqualValues(t, 0, res2.Workspace.Stats().Writes)
	assert.Len(t, res2.Descriptor.Tensors, len(res.Descriptor.Tensors))
	for _, td := range res2.Descriptor.Tensors {
		assert.Equal(t, firstOffsets[td.Name], td.WorkspaceOffset, "tensor %s moved", td.Name)
	}

	// Values survive the reload byte-exact.
	for name, values := range want {
		got, err := res2.Catalog.GetTensor("m1", name)
		require.NoError(t, err)
		assert.Equal(t, values, got, "tensor %s", name)
	}
}

func TestPipelineForceReingests(t *testing.T) {
	root := t.TempDir()
	src, _ := writeTestModel(t, t.TempDir(), "m1-2B-Q8_0.gguf", 1)

	meta, err := NewMetadataStore(root)
	require.NoError(t, err)
	pipe := NewPipeline(meta, false)

	res, err := pipe.Run(context.Background(), "m1", src, false)
	require.NoError(t, err)
	require.NoError(t, res.Workspace.Close())

	res2, err := pipe.Run(context.Background(), "m1", src, true)
	require.NoError(t, err)
	defer res2.Workspace.Close()
	assert.False(t, res2.FromCache)
	assert.Greater(t, res2.Workspace.Stats().Writes, uint64(0))
}

func TestPipelineUnsupportedFormatFailsWholeIngest(t *testing.T) {
	root := t.TempDir()
	dir := t.TempDir()

	src := writeGGUFFile(t, dir, "bad-1B-Q8_0.gguf", defaultTestMetadata(), []testTensor{
		{
			name: "token_embd.weight",
			dims: []uint64{256},
			typ:  GGMLTypeIQ2_XXS, // no dequantizer
			data: make([]byte, 66),
		},
	})

	meta, err := NewMetadataStore(root)
	require.NoError(t, err)
	pipe := NewPipeline(meta, false)

	_, err = pipe.Run(context.Background(), "bad", src, false)
	assert.ErrorIs(t, err, ErrUnsupported)

	// No metadata was published for the failed ingest.
	assert.False(t, meta.Exists("bad", "Q8_0"))
}

func TestPipelineLayerRegionsRegistered(t *testing.T) {
	root := t.TempDir()
	src, _ := writeTestModel(t, t.TempDir(), "m1-2B-Q8_0.gguf", 2)

	meta, err := NewMetadataStore(root)
	require.NoError(t, err)
	pipe := NewPipeline(meta, false)

	res, err := pipe.Run(context.Background(), "m1", src, false)
	require.NoError(t, err)
	defer res.Workspace.Close()

	assert.Equal(t, []int{0, 1}, res.Workspace.Layers())
	regions := res.Workspace.LayerRegions(0)
	require.Len(t, regions, 1)
	assert.EqualValues(t, 512*4, regions[0].Size)
}

func TestPipelineDerivesModelName(t *testing.T) {
	root := t.TempDir()
	src, _ := writeTestModel(t, t.TempDir(), "Falcon-1B-Q8_0.gguf", 1)

	meta, err := NewMetadataStore(root)
	require.NoError(t, err)
	pipe := NewPipeline(meta, false)

	res, err := pipe.Run(context.Background(), "", src, false)
	require.NoError(t, err)
	defer res.Workspace.Close()

	assert.Equal(t, "Falcon-1B", res.Descriptor.Name)
	assert.True(t, meta.Exists("Falcon-1B", "Q8_0"))
}
