package snapllm

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/snapllm/snapllm-go/util/json"
	"github.com/snapllm/snapllm-go/util/osx"
	"github.com/snapllm/snapllm-go/util/stringx"
)

// WorkspaceIndexEntry is one row of the workspace index: a populated
// (model, quant) pair.
type WorkspaceIndexEntry struct {
	Name           string    `json:"name"`
	QuantType      string    `json:"quantType"`
	SourcePath     string    `json:"sourcePath"`
	SourceHash     string    `json:"sourceHash,omitempty"`
	TensorCount    int       `json:"tensorCount"`
	TotalSizeBytes int64     `json:"totalSizeBytes"`
	Timestamp      time.Time `json:"timestamp"`
	MetadataPath   string    `json:"metadataPath"`
}

// metadataScalars is the metadata.json payload: the model descriptor
// without its tensor catalog, which lives in tensors.json.
type metadataScalars struct {
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
	TensorCount     int    `json:"tensorCount"`
	TotalSizeBytes  int64  `json:"totalSizeBytes"`
}

// MetadataStore is the persistent index of populated workspaces.
//
// Layout under the root:
//
//	index.json                          registry of (model, quant) pairs
//	<model>/<quant>/metadata.json       model descriptor scalars
//	<model>/<quant>/tensors.json        tensor catalog
//	<model>/<quant>/workspace.bin       the workspace itself (owned by C1)
//
// Every write is write-new-then-rename, so a crash leaves either the
// old or the new version. A model directory without a complete pair of
// JSON files is treated as absent.
type MetadataStore struct {
	root string

	mu sync.Mutex
}

// NewMetadataStore opens (creating if needed) the metadata store.
func NewMetadataStore(root string) (*MetadataStore, error) {
	if root == "" {
		return nil, fmt.Errorf("%w: empty workspace root", ErrInvalidInput)
	}
	if err := os.MkdirAll(osx.InlineTilde(root), 0o700); err != nil {
		return nil, fmt.Errorf("create workspace root: %w", err)
	}
	return &MetadataStore{root: root}, nil
}

// Root returns the workspace root directory.
func (s *MetadataStore) Root() string { return s.root }

func (s *MetadataStore) modelDir(model, quant string) string {
	return filepath.Join(s.root, model, quant)
}

func (s *MetadataStore) indexPath() string {
	return filepath.Join(s.root, "index.json")
}

// WorkspacePath returns the workspace.bin path of a (model, quant) pair.
func (s *MetadataStore) WorkspacePath(model, quant string) string {
	return filepath.Join(s.modelDir(model, quant), "workspace.bin")
}

// Exists reports whether a complete metadata set is present for the
// (model, quant) pair.
func (s *MetadataStore) Exists(model, quant string) bool {
	dir := s.modelDir(model, quant)
	return osx.ExistsFile(filepath.Join(dir, "metadata.json")) &&
		osx.ExistsFile(filepath.Join(dir, "tensors.json"))
}

// Load reads the descriptor of a populated (model, quant) pair.
func (s *MetadataStore) Load(model, quant string) (*ModelDescriptor, error) {
	dir := s.modelDir(model, quant)

	var scalars metadataScalars
	bs, err := os.ReadFile(filepath.Join(dir, "metadata.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: workspace %s/%s", ErrNotFound, model, quant)
		}
		return nil, fmt.Errorf("read metadata: %w", err)
	}
	if err = json.Unmarshal(bs, &scalars); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}

	var tensors []*TensorDescriptor
	bs, err = os.ReadFile(filepath.Join(dir, "tensors.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: workspace %s/%s", ErrNotFound, model, quant)
		}
		return nil, fmt.Errorf("read tensor catalog: %w", err)
	}
	if err = json.Unmarshal(bs, &tensors); err != nil {
		return nil, fmt.Errorf("decode tensor catalog: %w", err)
	}
	if len(tensors) != scalars.TensorCount {
		return nil, fmt.Errorf("%w: catalog holds %d tensors, metadata records %d",
			ErrIntegrity, len(tensors), scalars.TensorCount)
	}

	return &ModelDescriptor{
		Name:            scalars.Name,
		SourcePath:      scalars.SourcePath,
		SourceHash:      scalars.SourceHash,
		QuantType:       scalars.QuantType,
		Architecture:    scalars.Architecture,
		VocabSize:       scalars.VocabSize,
		ContextLength:   scalars.ContextLength,
		EmbeddingLength: scalars.EmbeddingLength,
		NumLayers:       scalars.NumLayers,
		NumHeads:        scalars.NumHeads,
		NumKVHeads:      scalars.NumKVHeads,
		Tensors:         tensors,
	}, nil
}

// Save persists the descriptor and registers it in the index.
func (s *MetadataStore) Save(md *ModelDescriptor) error {
	if md == nil || md.Name == "" || md.QuantType == "" {
		return fmt.Errorf("%w: incomplete descriptor", ErrInvalidInput)
	}

	dir := s.modelDir(md.Name, md.QuantType)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create model dir: %w", err)
	}

	scalars := metadataScalars{
		Name:            md.Name,
		SourcePath:      md.SourcePath,
		SourceHash:      md.SourceHash,
		QuantType:       md.QuantType,
		Architecture:    md.Architecture,
		VocabSize:       md.VocabSize,
		ContextLength:   md.ContextLength,
		EmbeddingLength: md.EmbeddingLength,
		NumLayers:       md.NumLayers,
		NumHeads:        md.NumHeads,
		NumKVHeads:      md.NumKVHeads,
		TensorCount:     len(md.Tensors),
		TotalSizeBytes:  md.TotalByteSize(),
	}

	// Tensors first: an index entry must never point at a partial set.
	if err := writeJSONAtomic(filepath.Join(dir, "tensors.json"), md.Tensors); err != nil {
		return err
	}
	if err := writeJSONAtomic(filepath.Join(dir, "metadata.json"), scalars); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	index, _ := s.loadIndexLocked()
	entry := WorkspaceIndexEntry{
		Name:           md.Name,
		QuantType:      md.QuantType,
		SourcePath:     md.SourcePath,
		SourceHash:     md.SourceHash,
		TensorCount:    len(md.Tensors),
		TotalSizeBytes: scalars.TotalSizeBytes,
		Timestamp:      time.Now().UTC(),
		MetadataPath:   filepath.Join(md.Name, md.QuantType, "metadata.json"),
	}

	replaced := false
	for i := range index {
		if index[i].Name == md.Name && index[i].QuantType == md.QuantType {
			index[i] = entry
			replaced = true
			break
		}
	}
	if !replaced {
		index = append(index, entry)
	}
	return s.saveIndexLocked(index)
}

// Remove deletes the metadata (and workspace file) of a (model, quant)
// pair and drops it from the index.
func (s *MetadataStore) Remove(model, quant string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	index, _ := s.loadIndexLocked()
	kept := index[:0]
	for _, e := range index {
		if e.Name != model || e.QuantType != quant {
			kept = append(kept, e)
		}
	}
	if err := s.saveIndexLocked(kept); err != nil {
		return err
	}

	if err := os.RemoveAll(s.modelDir(model, quant)); err != nil {
		return fmt.Errorf("remove model dir: %w", err)
	}
	return nil
}

// ListModels returns the index entries sorted by name then quant.
func (s *MetadataStore) ListModels() ([]WorkspaceIndexEntry, error) {
	s.mu.Lock()
	index, err := s.loadIndexLocked()
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}

	sort.Slice(index, func(i, j int) bool {
		if index[i].Name != index[j].Name {
			return index[i].Name < index[j].Name
		}
		return index[i].QuantType < index[j].QuantType
	})
	return index, nil
}

// TotalCachedSize sums the dequantized sizes of every indexed model.
func (s *MetadataStore) TotalCachedSize() int64 {
	entries, err := s.ListModels()
	if err != nil {
		return 0
	}
	var total int64
	for _, e := range entries {
		total += e.TotalSizeBytes
	}
	return total
}

// ModelCount returns the number of indexed (model, quant) pairs.
func (s *MetadataStore) ModelCount() int {
	entries, err := s.ListModels()
	if err != nil {
		return 0
	}
	return len(entries)
}

func (s *MetadataStore) loadIndexLocked() ([]WorkspaceIndexEntry, error) {
	bs, err := os.ReadFile(s.indexPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read index: %w", err)
	}

	var index []WorkspaceIndexEntry
	if err = json.Unmarshal(bs, &index); err != nil {
		return nil, fmt.Errorf("decode index: %w", err)
	}
	return index, nil
}

func (s *MetadataStore) saveIndexLocked(index []WorkspaceIndexEntry) error {
	if index == nil {
		index = []WorkspaceIndexEntry{}
	}
	return writeJSONAtomic(s.indexPath(), index)
}

// SourceFingerprint summarizes a weights file cheaply enough to detect
// replacement: size and mtime hashed together. Hashing multi-gigabyte
// weights on every load would dominate warm-start time.
func SourceFingerprint(path string) string {
	st, err := os.Stat(osx.InlineTilde(path))
	if err != nil {
		return ""
	}
	return stringx.SumByFNV64a(
		filepath.Base(path),
		strconv.FormatInt(st.Size(), 10),
		strconv.FormatInt(st.ModTime().UnixNano(), 10),
	)
}

// writeJSONAtomic writes v as JSON via a temp file and rename.
func writeJSONAtomic(path string, v any) error {
	bs, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", filepath.Base(path), err)
	}

	tmp := path + ".tmp"
	if err = os.WriteFile(tmp, bs, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(tmp), err)
	}
	if err = os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename %s: %w", filepath.Base(path), err)
	}
	return nil
}
