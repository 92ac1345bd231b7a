package snapllm

import (
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/snapllm/snapllm-go/util/bytex"
)

// TensorDescriptor locates one dequantized tensor inside a workspace.
// Descriptors are created by the ingest pipeline and never mutated
// afterwards; ByteSize is always ElementCount * 4.
type TensorDescriptor struct {
	Name            string   `json:"name"`
	Shape           []uint64 `json:"shape"`
	ElementCount    uint64   `json:"elementCount"`
	ByteSize        int64    `json:"byteSize"`
	WorkspaceOffset int64    `json:"workspaceOffset"`
	// OriginalType is the source quantization tag, e.g. "Q8_0".
	OriginalType string `json:"originalType"`

	accessCount atomic.Uint64
}

// AccessCount returns how often the tensor was resolved.
func (td *TensorDescriptor) AccessCount() uint64 { return td.accessCount.Load() }

// ModelDescriptor is the persistent description of an ingested model.
type ModelDescriptor struct {
	Name            string `json:"name"`
	SourcePath      string `json:"sourcePath"`
	SourceHash      string `json:"sourceHash,omitempty"`
	QuantType       string `json:"quantType"`
	Architecture    string `json:"architecture"`
	VocabSize       int64  `json:"vocabSize"`
	ContextLength   int64  `json:"contextLength"`
	EmbeddingLength int64  `json:"embeddingLength"`
	NumLayers       int64  `json:"numLayers"`
	NumHeads        int64  `json:"numHeads"`
	NumKVHeads      int64  `json:"numKVHeads"`

	Tensors []*TensorDescriptor `json:"tensors"`

	tensorIndex map[string]int
	indexOnce   sync.Once
}

// TotalByteSize sums the F32 byte sizes of all tensors.
func (md *ModelDescriptor) TotalByteSize() int64 {
	var total int64
	for _, t := range md.Tensors {
		total += t.ByteSize
	}
	return total
}

// Tensor returns the descriptor for name, or nil.
func (md *ModelDescriptor) Tensor(name string) *TensorDescriptor {
	md.indexOnce.Do(func() {
		md.tensorIndex = make(map[string]int, len(md.Tensors))
		for i, t := range md.Tensors {
			md.tensorIndex[t.Name] = i
		}
	})

	i, ok := md.tensorIndex[name]
	if !ok {
		return nil
	}
	return md.Tensors[i]
}

// CatalogStats summarizes a catalog's contents.
type CatalogStats struct {
	Models        int    `json:"models"`
	Tensors       int    `json:"tensors"`
	TotalBytes    int64  `json:"totalBytes"`
	TotalAccesses uint64 `json:"totalAccesses"`
}

// Catalog resolves tensor names to F32 data inside a workspace.
//
// It is the per-model dequantized-weight index: the descriptor records
// where each tensor lives, the workspace mapping serves the bytes. The
// returned slices alias the mapping and stay valid until the workspace
// closes, giving pointer stability across calls.
type Catalog struct {
	ws *Workspace

	mu     sync.RWMutex
	models map[string]*ModelDescriptor
}

// NewCatalog builds a catalog over the given workspace.
func NewCatalog(ws *Workspace) *Catalog {
	return &Catalog{
		ws:     ws,
		models: map[string]*ModelDescriptor{},
	}
}

// Workspace returns the backing workspace.
func (c *Catalog) Workspace() *Workspace { return c.ws }

// RegisterModel stores the descriptor. Every tensor must lie inside the
// workspace bounds.
func (c *Catalog) RegisterModel(md *ModelDescriptor) error {
	if md == nil || md.Name == "" {
		return fmt.Errorf("%w: empty model descriptor", ErrInvalidInput)
	}
	for _, t := range md.Tensors {
		if t.ByteSize != int64(t.ElementCount)*4 {
			return fmt.Errorf("%w: tensor %s byte size %d != 4*%d",
				ErrInvalidInput, t.Name, t.ByteSize, t.ElementCount)
		}
		if t.WorkspaceOffset < 0 || t.WorkspaceOffset+t.ByteSize > c.ws.TotalSize() {
			return fmt.Errorf("%w: tensor %s outside workspace", ErrInvalidInput, t.Name)
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.models[md.Name] = md
	return nil
}

// UnloadModel drops the descriptor; the workspace bytes stay on disk.
func (c *Catalog) UnloadModel(model string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.models, model)
}

// IsModelLoaded reports whether a descriptor is registered.
func (c *Catalog) IsModelLoaded(model string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.models[model]
	return ok
}

// LoadedModels lists the registered model names.
func (c *Catalog) LoadedModels() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]string, 0, len(c.models))
	for name := range c.models {
		out = append(out, name)
	}
	return out
}

// GetModelInfo returns the registered descriptor, or ErrNotFound.
func (c *Catalog) GetModelInfo(model string) (*ModelDescriptor, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	md, ok := c.models[model]
	if !ok {
		return nil, fmt.Errorf("%w: model %s", ErrNotFound, model)
	}
	return md, nil
}

// GetTensorInfo returns the descriptor entry for (model, tensor).
func (c *Catalog) GetTensorInfo(model, tensor string) (*TensorDescriptor, error) {
	md, err := c.GetModelInfo(model)
	if err != nil {
		return nil, err
	}

	td := md.Tensor(tensor)
	if td == nil {
		return nil, fmt.Errorf("%w: tensor %s/%s", ErrNotFound, model, tensor)
	}
	return td, nil
}

// GetTensor resolves (model, tensor) to its F32 data in the workspace
// mapping, zero-copy. The same slice is returned across calls for the
// life of the workspace.
func (c *Catalog) GetTensor(model, tensor string) ([]float32, error) {
	td, err := c.GetTensorInfo(model, tensor)
	if err != nil {
		return nil, err
	}

	raw, err := c.ws.ReadPointer(td.WorkspaceOffset, td.ByteSize)
	if err != nil {
		return nil, err
	}

	td.accessCount.Add(1)
	return f32View(raw), nil
}

// ReadTensor copies (model, tensor) into a freshly allocated slice via
// positional IO, for the no-mmap mode.
func (c *Catalog) ReadTensor(model, tensor string) ([]float32, error) {
	td, err := c.GetTensorInfo(model, tensor)
	if err != nil {
		return nil, err
	}

	out := make([]float32, td.ElementCount)
	err = bytex.WithBytes(func(buf bytex.Bytes) error {
		n, err := c.ws.DirectRead(td.WorkspaceOffset, buf)
		if err != nil {
			return err
		}
		if int64(n) < td.ByteSize {
			return fmt.Errorf("%w: short read of tensor %s/%s", ErrIntegrity, model, tensor)
		}
		copy(out, f32View(buf))
		return nil
	}, uint64(td.ByteSize))
	if err != nil {
		return nil, err
	}

	td.accessCount.Add(1)
	return out, nil
}

// Stats summarizes the registered models.
func (c *Catalog) Stats() CatalogStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var s CatalogStats
	s.Models = len(c.models)
	for _, md := range c.models {
		s.Tensors += len(md.Tensors)
		for _, t := range md.Tensors {
			s.TotalBytes += t.ByteSize
			s.TotalAccesses += t.AccessCount()
		}
	}
	return s
}

// f32View reinterprets b as float32 values without copying. The byte
// slice must be 4-byte aligned, which mmap and make guarantee.
func f32View(b []byte) []float32 {
	if len(b) < 4 {
		return nil
	}
	return unsafe.Slice((*float32)(unsafe.Pointer(&b[0])), len(b)/4)
}

// f32Bytes reinterprets a float32 slice as raw bytes without copying.
func f32Bytes(f []float32) []byte {
	if len(f) == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(&f[0])), len(f)*4)
}
