package snapllm

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testDescriptor(name, quant string) *ModelDescriptor {
	return &ModelDescriptor{
		Name:            name,
		SourcePath:      "/models/" + name + "." + quant + ".gguf",
		QuantType:       quant,
		Architecture:    "llama",
		VocabSize:       32000,
		ContextLength:   4096,
		EmbeddingLength: 4096,
		NumLayers:       32,
		NumHeads:        32,
		NumKVHeads:      8,
		Tensors: []*TensorDescriptor{
			{
				Name:            "token_embd.weight",
				Shape:           []uint64{4096, 32000},
				ElementCount:    4096 * 32000,
				ByteSize:        4096 * 32000 * 4,
				WorkspaceOffset: 0,
				OriginalType:    quant,
			},
			{
				Name:            "blk.0.attn_q.weight",
				Shape:           []uint64{4096, 4096},
				ElementCount:    4096 * 4096,
				ByteSize:        4096 * 4096 * 4,
				WorkspaceOffset: 4096 * 32000 * 4,
				OriginalType:    quant,
			},
		},
	}
}

func TestMetadataStoreRoundTrip(t *testing.T) {
	s, err := NewMetadataStore(t.TempDir())
	require.NoError(t, err)

	md := testDescriptor("m1", "Q8_0")
	assert.False(t, s.Exists("m1", "Q8_0"))
	require.NoError(t, s.Save(md))
	assert.True(t, s.Exists("m1", "Q8_0"))

	got, err := s.Load("m1", "Q8_0")
	require.NoError(t, err)
	assert.Equal(t, md.Name, got.Name)
	assert.Equal(t, md.QuantType, got.QuantType)
	assert.Equal(t, md.NumLayers, got.NumLayers)
	require.Len(t, got.Tensors, 2)
	assert.Equal(t, md.Tensors[1].WorkspaceOffset, got.Tensors[1].WorkspaceOffset)
	assert.Equal(t, md.TotalByteSize(), got.TotalByteSize())

	entries, err := s.ListModels()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "m1", entries[0].Name)
	assert.Equal(t, 2, entries[0].TensorCount)
	assert.Equal(t, md.TotalByteSize(), entries[0].TotalSizeBytes)

	assert.Equal(t, 1, s.ModelCount())
	assert.Equal(t, md.TotalByteSize(), s.TotalCachedSize())
}

func TestMetadataStoreRemove(t *testing.T) {
	s, err := NewMetadataStore(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, s.Save(testDescriptor("m1", "Q8_0")))
	require.NoError(t, s.Save(testDescriptor("m1", "Q4_K")))

	require.NoError(t, s.Remove("m1", "Q8_0"))
	assert.False(t, s.Exists("m1", "Q8_0"))
	assert.True(t, s.Exists("m1", "Q4_K"))
	assert.Equal(t, 1, s.ModelCount())

	_, err = s.Load("m1", "Q8_0")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMetadataStorePartialDirIsAbsent(t *testing.T) {
	root := t.TempDir()
	s, err := NewMetadataStore(root)
	require.NoError(t, err)

	// A half-written model directory (metadata without the tensor
	// catalog) counts as absent.
	dir := filepath.Join(root, "m1", "Q8_0")
	require.NoError(t, os.MkdirAll(dir, 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "metadata.json"), []byte("{}"), 0o600))

	assert.False(t, s.Exists("m1", "Q8_0"))
}

func TestMetadataStoreSaveReplaces(t *testing.T) {
	s, err := NewMetadataStore(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, s.Save(testDescriptor("m1", "Q8_0")))
	require.NoError(t, s.Save(testDescriptor("m1", "Q8_0")))

	entries, err := s.ListModels()
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestDetectQuantType(t *testing.T) {
	cases := []struct {
		given    string
		expected string
	}{
		{"/models/llama3-8B-Q8_0.gguf", "Q8_0"},
		{"/models/mistral-7B-v0.1-Q5_K_M.gguf", "Q5_K_M"},
		{"/models/phi-2.q4_0.gguf", "Q4_0"},
		{"/models/gpt-oss-20B-MXFP4.gguf", "MXFP4"},
		{"/models/tiny-1B-F16.gguf", "F16"},
		{"/models/weird-model.bin", "F32"},
	}
	for _, tc := range cases {
		t.Run(tc.given, func(t *testing.T) {
			assert.Equal(t, tc.expected, DetectQuantType(tc.given))
		})
	}
}

func TestExtractModelName(t *testing.T) {
	cases := []struct {
		given    string
		expected string
	}{
		{"/models/Llama-3-8B-Q8_0.gguf", "Llama-3-8B"},
		{"/models/phi-2.q4_0.gguf", "phi-2"},
		{"/models/plain.gguf", "plain"},
	}
	for _, tc := range cases {
		t.Run(tc.given, func(t *testing.T) {
			assert.Equal(t, tc.expected, ExtractModelName(tc.given))
		})
	}
}
