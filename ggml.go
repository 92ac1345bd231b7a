package snapllm

import (
	"fmt"
	"strings"
)

// Types for GGMLType.
type (
	// GGMLType is a type of GGML tensor,
	// see https://github.com/ggml-org/llama.cpp/blob/master/ggml/include/ggml.h.
	GGMLType uint32

	// GGMLTypeTrait holds the trait of a GGMLType.
	GGMLTypeTrait struct {
		BlockSize uint64 // Elements per quantization block.
		TypeSize  uint64 // Bytes per quantization block.
		Quantized bool
	}
)

// GGMLType constants.
//
// The numeric values match the GGUF tensor-info encoding; deprecated
// entries are kept so indices stay aligned.
const (
	GGMLTypeF32 GGMLType = iota
	GGMLTypeF16
	GGMLTypeQ4_0
	GGMLTypeQ4_1
	GGMLTypeQ4_2
	GGMLTypeQ4_3
	GGMLTypeQ5_0
	GGMLTypeQ5_1
	GGMLTypeQ8_0
	GGMLTypeQ8_1
	GGMLTypeQ2_K
	GGMLTypeQ3_K
	GGMLTypeQ4_K
	GGMLTypeQ5_K
	GGMLTypeQ6_K
	GGMLTypeQ8_K
	GGMLTypeIQ2_XXS
	GGMLTypeIQ2_XS
	GGMLTypeIQ3_XXS
	GGMLTypeIQ1_S
	GGMLTypeIQ4_NL
	GGMLTypeIQ3_S
	GGMLTypeIQ2_S
	GGMLTypeIQ4_XS
	GGMLTypeI8
	GGMLTypeI16
	GGMLTypeI32
	GGMLTypeI64
	GGMLTypeF64
	GGMLTypeIQ1_M
	GGMLTypeBF16
	GGMLTypeQ4_0_4_4
	GGMLTypeQ4_0_4_8
	GGMLTypeQ4_0_8_8
	GGMLTypeTQ1_0
	GGMLTypeTQ2_0
	GGMLTypeIQ4_NL_4_4
	GGMLTypeIQ4_NL_4_8
	GGMLTypeIQ4_NL_8_8
	GGMLTypeMXFP4
	_GGMLTypeCount // Unknown
)

// _GGMLTypeTraits is a table of GGMLTypeTrait for GGMLType.
var _GGMLTypeTraits = map[GGMLType]GGMLTypeTrait{
	GGMLTypeF32:   {BlockSize: 1, TypeSize: 4},
	GGMLTypeF16:   {BlockSize: 1, TypeSize: 2},
	GGMLTypeQ4_0:  {BlockSize: 32, TypeSize: 18, Quantized: true},
	GGMLTypeQ4_1:  {BlockSize: 32, TypeSize: 20, Quantized: true},
	GGMLTypeQ5_0:  {BlockSize: 32, TypeSize: 22, Quantized: true},
	GGMLTypeQ5_1:  {BlockSize: 32, TypeSize: 24, Quantized: true},
	GGMLTypeQ8_0:  {BlockSize: 32, TypeSize: 34, Quantized: true},
	GGMLTypeQ8_1:  {BlockSize: 32, TypeSize: 36, Quantized: true},
	GGMLTypeQ2_K:  {BlockSize: 256, TypeSize: 84, Quantized: true},
	GGMLTypeQ3_K:  {BlockSize: 256, TypeSize: 110, Quantized: true},
	GGMLTypeQ4_K:  {BlockSize: 256, TypeSize: 144, Quantized: true},
	GGMLTypeQ5_K:  {BlockSize: 256, TypeSize: 176, Quantized: true},
	GGMLTypeQ6_K:  {BlockSize: 256, TypeSize: 210, Quantized: true},
	GGMLTypeQ8_K:  {BlockSize: 256, TypeSize: 292, Quantized: true},
	GGMLTypeI8:    {BlockSize: 1, TypeSize: 1},
	GGMLTypeI16:   {BlockSize: 1, TypeSize: 2},
	GGMLTypeI32:   {BlockSize: 1, TypeSize: 4},
	GGMLTypeI64:   {BlockSize: 1, TypeSize: 8},
	GGMLTypeF64:   {BlockSize: 1, TypeSize: 8},
	GGMLTypeBF16:  {BlockSize: 1, TypeSize: 2},
	GGMLTypeMXFP4: {BlockSize: 32, TypeSize: 17, Quantized: true},
}

// _GGMLTypeNames maps the types this engine can name back to their
// canonical quantization tag.
var _GGMLTypeNames = map[GGMLType]string{
	GGMLTypeF32:   "F32",
	GGMLTypeF16:   "F16",
	GGMLTypeBF16:  "BF16",
	GGMLTypeQ4_0:  "Q4_0",
	GGMLTypeQ4_1:  "Q4_1",
	GGMLTypeQ5_0:  "Q5_0",
	GGMLTypeQ5_1:  "Q5_1",
	GGMLTypeQ8_0:  "Q8_0",
	GGMLTypeQ8_1:  "Q8_1",
	GGMLTypeQ2_K:  "Q2_K",
	GGMLTypeQ3_K:  "Q3_K",
	GGMLTypeQ4_K:  "Q4_K",
	GGMLTypeQ5_K:  "Q5_K",
	GGMLTypeQ6_K:  "Q6_K",
	GGMLTypeQ8_K:  "Q8_K",
	GGMLTypeMXFP4: "MXFP4",
}

func (t GGMLType) String() string {
	if n, ok := _GGMLTypeNames[t]; ok {
		return n
	}
	return fmt.Sprintf("GGMLType(%d)", uint32(t))
}

// Trait returns the GGMLTypeTrait of the GGMLType.
func (t GGMLType) Trait() (GGMLTypeTrait, bool) {
	tt, ok := _GGMLTypeTraits[t]
	return tt, ok
}

// IsQuantized returns whether the GGMLType is quantized.
func (t GGMLType) IsQuantized() bool {
	tt, ok := t.Trait()
	if !ok {
		return false
	}
	return tt.Quantized
}

// RowSizeOf returns the byte size of the given dimensions according to
// the GGMLType's GGMLTypeTrait.
//
// The index of the given dimensions means the number of dimension,
// i.e. 0 is the first dimension, 1 is the second dimension, and so on.
//
// The value of the item is the number of elements in the corresponding dimension.
func (t GGMLType) RowSizeOf(dimensions []uint64) (uint64, error) {
	if len(dimensions) == 0 {
		return 0, fmt.Errorf("%w: no dimensions", ErrInvalidInput)
	}

	tt, ok := t.Trait()
	if !ok {
		return 0, fmt.Errorf("%w: %v", ErrUnsupported, t)
	}

	ds := tt.TypeSize * dimensions[0] / tt.BlockSize // Row size
	for i := 1; i < len(dimensions); i++ {
		ds *= dimensions[i]
	}
	return ds, nil
}

// ParseGGMLType resolves a quantization tag like "q5_k" or "Q8_0"
// to its GGMLType, case-insensitive.
func ParseGGMLType(tag string) (GGMLType, bool) {
	u := strings.ToUpper(strings.TrimSpace(tag))
	for t, n := range _GGMLTypeNames {
		if n == u {
			return t, true
		}
	}
	return _GGMLTypeCount, false
}

// GGMLPadding returns the padded size of the given size according to given align.
func GGMLPadding(size, align uint64) uint64 {
	return (size + align - 1) &^ (align - 1)
}
