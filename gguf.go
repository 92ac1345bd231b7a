package snapllm

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/snapllm/snapllm-go/util/anyx"
	"github.com/snapllm/snapllm-go/util/osx"
)

// GGUFMagic is a magic number of GGUF file,
// see https://github.com/ggerganov/ggml/blob/master/docs/gguf.md#historical-state-of-affairs.
type GGUFMagic uint32

// GGUFMagic constants.
const (
	GGUFMagicGGML   GGUFMagic = 0x67676d6c
	GGUFMagicGGMF   GGUFMagic = 0x67676d66
	GGUFMagicGGJT   GGUFMagic = 0x67676a74
	GGUFMagicGGUFLe GGUFMagic = 0x46554747 // GGUF
	GGUFMagicGGUFBe GGUFMagic = 0x47475546 // GGUF
)

// GGUFVersion is a version of GGUF file format,
// see https://github.com/ggerganov/ggml/blob/master/docs/gguf.md#version-history.
type GGUFVersion uint32

// GGUFVersion constants.
const (
	GGUFVersionV1 GGUFVersion = iota + 1
	GGUFVersionV2
	GGUFVersionV3
)

// GGUFMetadataValueType is a type of GGUF metadata value.
type GGUFMetadataValueType uint32

// GGUFMetadataValueType constants.
const (
	GGUFMetadataValueTypeUint8 GGUFMetadataValueType = iota
	GGUFMetadataValueTypeInt8
	GGUFMetadataValueTypeUint16
	GGUFMetadataValueTypeInt16
	GGUFMetadataValueTypeUint32
	GGUFMetadataValueTypeInt32
	GGUFMetadataValueTypeFloat32
	GGUFMetadataValueTypeBool
	GGUFMetadataValueTypeString
	GGUFMetadataValueTypeArray
	GGUFMetadataValueTypeUint64
	GGUFMetadataValueTypeInt64
	GGUFMetadataValueTypeFloat64
	_GGUFMetadataValueTypeCount // Unknown
)

// GGUFArrayValue is a decoded metadata array.
//
// Items beyond _MaxStoredArrayItems are consumed but not retained;
// Len always reports the on-disk length.
type GGUFArrayValue struct {
	Type  GGUFMetadataValueType `json:"type"`
	Len   uint64                `json:"len"`
	Array []any                 `json:"array,omitempty"`
}

const _MaxStoredArrayItems = 4096

// SourceTensorInfo describes one tensor of a source weights file.
type SourceTensorInfo struct {
	// Name is the tensor name, e.g. "blk.0.attn_q.weight".
	Name string `json:"name"`
	// Dims are the logical dimensions, first dimension first.
	Dims []uint64 `json:"dims"`
	// Type is the on-disk element encoding.
	Type GGMLType `json:"type"`
	// Offset is relative to the start of the tensor data section.
	Offset uint64 `json:"offset"`
}

// ElementCount returns the number of scalar elements of the tensor.
func (ti SourceTensorInfo) ElementCount() uint64 {
	n := uint64(1)
	for _, d := range ti.Dims {
		n *= d
	}
	return n
}

// ByteSize returns the on-disk byte size of the tensor.
func (ti SourceTensorInfo) ByteSize() (uint64, error) {
	return ti.Type.RowSizeOf(ti.Dims)
}

// LayerIndex returns the transformer layer index parsed from a
// "blk.<N>." name prefix, or -1 for non-layer tensors.
func (ti SourceTensorInfo) LayerIndex() int {
	return LayerFromTensorName(ti.Name)
}

// SourceFile is an opened source weights file (GGUF container).
//
// Only the header, metadata and tensor catalog are decoded eagerly;
// tensor payloads are read on demand with TensorBytes.
type SourceFile struct {
	Path    string
	Size    int64
	Magic   GGUFMagic
	Version GGUFVersion
	// Metadata holds the decoded key-value section. Arrays appear as
	// GGUFArrayValue.
	Metadata map[string]any
	// Tensors is the tensor catalog in file order.
	Tensors []SourceTensorInfo

	tensorIndex map[string]int
	dataStart   int64
	alignment   uint64
	f           *os.File
}

// OpenSource opens and indexes a local source weights file.
func OpenSource(path string) (*SourceFile, error) {
	f, err := osx.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open source: %w", err)
	}

	st, err := f.Stat()
	if err != nil {
		osx.Close(f)
		return nil, fmt.Errorf("stat source: %w", err)
	}

	sf := &SourceFile{
		Path:      path,
		Size:      st.Size(),
		Metadata:  map[string]any{},
		alignment: 32,
		f:         f,
	}
	if err = sf.decode(); err != nil {
		osx.Close(f)
		return nil, err
	}
	return sf, nil
}

// Close releases the underlying file.
func (sf *SourceFile) Close() error {
	return sf.f.Close()
}

// TensorCount returns the number of tensors in the file.
func (sf *SourceFile) TensorCount() int {
	return len(sf.Tensors)
}

// TensorInfo returns the catalog entry for the given tensor name.
func (sf *SourceFile) TensorInfo(name string) (SourceTensorInfo, bool) {
	i, ok := sf.tensorIndex[name]
	if !ok {
		return SourceTensorInfo{}, false
	}
	return sf.Tensors[i], true
}

// TensorBytes reads the raw (still quantized) payload of a tensor.
func (sf *SourceFile) TensorBytes(ti SourceTensorInfo) ([]byte, error) {
	bs, err := ti.ByteSize()
	if err != nil {
		return nil, err
	}

	off := sf.dataStart + int64(ti.Offset)
	if off+int64(bs) > sf.Size {
		return nil, fmt.Errorf("%w: tensor %s data out of file bounds", ErrInvalidInput, ti.Name)
	}

	buf := make([]byte, bs)
	if _, err = sf.f.ReadAt(buf, off); err != nil {
		return nil, fmt.Errorf("read tensor %s: %w", ti.Name, err)
	}
	return buf, nil
}

// ModelShape is the architectural summary extracted from metadata.
type ModelShape struct {
	Architecture    string `json:"architecture"`
	VocabSize       int64  `json:"vocabSize"`
	ContextLength   int64  `json:"contextLength"`
	EmbeddingLength int64  `json:"embeddingLength"`
	NumLayers       int64  `json:"numLayers"`
	NumHeads        int64  `json:"numHeads"`
	NumKVHeads      int64  `json:"numKVHeads"`
}

// Shape extracts the model architecture summary from the metadata.
func (sf *SourceFile) Shape() ModelShape {
	arch := "llama"
	if v, ok := sf.Metadata["general.architecture"]; ok {
		arch = anyx.String(v)
	}

	num := func(key string) int64 {
		if v, ok := sf.Metadata[arch+"."+key]; ok {
			return anyx.Number[int64](v)
		}
		return 0
	}

	s := ModelShape{
		Architecture:    arch,
		ContextLength:   num("context_length"),
		EmbeddingLength: num("embedding_length"),
		NumLayers:       num("block_count"),
		NumHeads:        num("attention.head_count"),
		NumKVHeads:      num("attention.head_count_kv"),
		VocabSize:       num("vocab_size"),
	}
	if s.NumKVHeads == 0 {
		s.NumKVHeads = s.NumHeads
	}
	if s.VocabSize == 0 {
		if v, ok := sf.Metadata["tokenizer.ggml.tokens"]; ok {
			if av, ok := v.(GGUFArrayValue); ok {
				s.VocabSize = int64(av.Len)
			}
		}
	}
	return s
}

func (sf *SourceFile) decode() error {
	d := &ggufDecoder{r: bufio.NewReaderSize(sf.f, 1<<20)}

	sf.Magic = GGUFMagic(d.u32())
	switch sf.Magic {
	case GGUFMagicGGUFLe:
	case GGUFMagicGGML, GGUFMagicGGMF, GGUFMagicGGJT, GGUFMagicGGUFBe:
		return fmt.Errorf("%w: legacy or big-endian container %x", ErrUnsupported, uint32(sf.Magic))
	default:
		return fmt.Errorf("%w: bad magic %x", ErrInvalidInput, uint32(sf.Magic))
	}

	sf.Version = GGUFVersion(d.u32())
	if sf.Version < GGUFVersionV2 || sf.Version > GGUFVersionV3 {
		return fmt.Errorf("%w: container version %d", ErrUnsupported, sf.Version)
	}

	tensorCount := d.u64()
	kvCount := d.u64()

	for i := uint64(0); i < kvCount && d.err == nil; i++ {
		key := d.str()
		vt := GGUFMetadataValueType(d.u32())
		sf.Metadata[key] = d.value(vt)
	}

	sf.Tensors = make([]SourceTensorInfo, 0, tensorCount)
	sf.tensorIndex = make(map[string]int, tensorCount)
	for i := uint64(0); i < tensorCount && d.err == nil; i++ {
		var ti SourceTensorInfo
		ti.Name = d.str()
		nd := d.u32()
		ti.Dims = make([]uint64, nd)
		for j := uint32(0); j < nd; j++ {
			ti.Dims[j] = d.u64()
		}
		ti.Type = GGMLType(d.u32())
		ti.Offset = d.u64()
		sf.tensorIndex[ti.Name] = len(sf.Tensors)
		sf.Tensors = append(sf.Tensors, ti)
	}
	if d.err != nil {
		return fmt.Errorf("decode %s: %w", sf.Path, d.err)
	}

	if v, ok := sf.Metadata["general.alignment"]; ok {
		if a := anyx.Number[uint64](v); a > 0 {
			sf.alignment = a
		}
	}
	sf.dataStart = int64(GGUFPadding(uint64(d.n), sf.alignment))
	return nil
}

// GGUFPadding aligns the header size to the container alignment.
func GGUFPadding(size, align uint64) uint64 {
	return GGMLPadding(size, align)
}

// ggufDecoder reads little-endian GGUF primitives, tracking the byte
// position and the first error.
type ggufDecoder struct {
	r   *bufio.Reader
	n   int64
	err error
}

func (d *ggufDecoder) read(b []byte) {
	if d.err != nil {
		return
	}
	var n int
	n, d.err = io.ReadFull(d.r, b)
	d.n += int64(n)
}

func (d *ggufDecoder) u8() uint8 {
	var b [1]byte
	d.read(b[:])
	return b[0]
}

func (d *ggufDecoder) u16() uint16 {
	var b [2]byte
	d.read(b[:])
	return binary.LittleEndian.Uint16(b[:])
}

func (d *ggufDecoder) u32() uint32 {
	var b [4]byte
	d.read(b[:])
	return binary.LittleEndian.Uint32(b[:])
}

func (d *ggufDecoder) u64() uint64 {
	var b [8]byte
	d.read(b[:])
	return binary.LittleEndian.Uint64(b[:])
}

func (d *ggufDecoder) str() string {
	n := d.u64()
	if d.err != nil || n == 0 {
		return ""
	}
	b := make([]byte, n)
	d.read(b)
	return string(b)
}

func (d *ggufDecoder) value(vt GGUFMetadataValueType) any {
	switch vt {
	case GGUFMetadataValueTypeUint8:
		return d.u8()
	case GGUFMetadataValueTypeInt8:
		return int8(d.u8())
	case GGUFMetadataValueTypeUint16:
		return d.u16()
	case GGUFMetadataValueTypeInt16:
		return int16(d.u16())
	case GGUFMetadataValueTypeUint32:
		return d.u32()
	case GGUFMetadataValueTypeInt32:
		return int32(d.u32())
	case GGUFMetadataValueTypeFloat32:
		return f32frombits(d.u32())
	case GGUFMetadataValueTypeBool:
		return d.u8() != 0
	case GGUFMetadataValueTypeString:
		return d.str()
	case GGUFMetadataValueTypeUint64:
		return d.u64()
	case GGUFMetadataValueTypeInt64:
		return int64(d.u64())
	case GGUFMetadataValueTypeFloat64:
		return f64frombits(d.u64())
	case GGUFMetadataValueTypeArray:
		av := GGUFArrayValue{
			Type: GGUFMetadataValueType(d.u32()),
		}
		av.Len = d.u64()
		for i := uint64(0); i < av.Len && d.err == nil; i++ {
			v := d.value(av.Type)
			if i < _MaxStoredArrayItems {
				av.Array = append(av.Array, v)
			}
		}
		return av
	default:
		if d.err == nil {
			d.err = fmt.Errorf("%w: metadata value type %d", ErrUnsupported, vt)
		}
		return nil
	}
}
