package snapllm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGGMLTypeTrait(t *testing.T) {
	cases := []struct {
		given     GGMLType
		blockSize uint64
		typeSize  uint64
		quantized bool
	}{
		{GGMLTypeF32, 1, 4, false},
		{GGMLTypeF16, 1, 2, false},
		{GGMLTypeBF16, 1, 2, false},
		{GGMLTypeQ4_0, 32, 18, true},
		{GGMLTypeQ5_0, 32, 22, true},
		{GGMLTypeQ8_0, 32, 34, true},
		{GGMLTypeMXFP4, 32, 17, true},
		{GGMLTypeQ2_K, 256, 84, true},
		{GGMLTypeQ4_K, 256, 144, true},
		{GGMLTypeQ6_K, 256, 210, true},
	}
	for _, tc := range cases {
		t.Run(tc.given.String(), func(t *testing.T) {
			tt, ok := tc.given.Trait()
			require.True(t, ok)
			assert.Equal(t, tc.blockSize, tt.BlockSize)
			assert.Equal(t, tc.typeSize, tt.TypeSize)
			assert.Equal(t, tc.quantized, tt.Quantized)
			assert.Equal(t, tc.quantized, tc.given.IsQuantized())
		})
	}

	_, ok := GGMLType(9999).Trait()
	assert.False(t, ok)
}

func TestGGMLTypeRowSizeOf(t *testing.T) {
	s, err := GGMLTypeQ8_0.RowSizeOf([]uint64{4096, 4096})
	require.NoError(t, err)
	assert.EqualValues(t, 4096/32*34*4096, s)

	s, err = GGMLTypeF32.RowSizeOf([]uint64{64})
	require.NoError(t, err)
	assert.EqualValues(t, 256, s)

	_, err = GGMLTypeF32.RowSizeOf(nil)
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestParseGGMLType(t *testing.T) {
	got, ok := ParseGGMLType("q5_k")
	require.True(t, ok)
	assert.Equal(t, GGMLTypeQ5_K, got)

	got, ok = ParseGGMLType("MXFP4")
	require.True(t, ok)
	assert.Equal(t, GGMLTypeMXFP4, got)

	_, ok = ParseGGMLType("Q17_Z")
	assert.False(t, ok)
}

func TestGGMLPadding(t *testing.T) {
	assert.EqualValues(t, 32, GGMLPadding(1, 32))
	assert.EqualValues(t, 32, GGMLPadding(32, 32))
	assert.EqualValues(t, 64, GGMLPadding(33, 32))
}
