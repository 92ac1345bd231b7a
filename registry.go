package snapllm

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/semaphore"

	"github.com/snapllm/snapllm-go/util/osx"
)

// GPUConfig controls device placement when binding a model.
type GPUConfig struct {
	// Layers is the number of transformer layers to offload: -1 lets
	// the budget policy decide, 0 keeps the model on the CPU.
	Layers int `json:"layers"`
	// VRAMBudgetMB overrides the registry-wide budget when positive.
	VRAMBudgetMB int64 `json:"vramBudgetMB"`
	// FlashAttention enables the fused attention path.
	FlashAttention bool `json:"flashAttention"`
}

// AutoGPU lets the offload policy pick the layer count.
func AutoGPU() GPUConfig { return GPUConfig{Layers: -1, FlashAttention: true} }

// CPUOnly keeps every layer on the host.
func CPUOnly() GPUConfig { return GPUConfig{Layers: 0} }

// ModelState is the lifecycle state of a model in the registry.
type ModelState int

const (
	ModelAbsent ModelState = iota
	ModelIngesting
	ModelCached
	ModelBinding
	ModelResident
	ModelEvicted
)

func (s ModelState) String() string {
	switch s {
	case ModelIngesting:
		return "ingesting"
	case ModelCached:
		return "cached"
	case ModelBinding:
		return "binding"
	case ModelResident:
		return "resident"
	case ModelEvicted:
		return "evicted"
	default:
		return "absent"
	}
}

// RegistryModelInfo is an introspection snapshot of a tracked model.
type RegistryModelInfo struct {
	Name          string     `json:"name"`
	SourcePath    string     `json:"sourcePath"`
	QuantType     string     `json:"quantType"`
	Architecture  string     `json:"architecture"`
	ContextLength int64      `json:"contextLength"`
	NumLayers     int64      `json:"numLayers"`
	NumHeads      int64      `json:"numHeads"`
	GPULayers     int        `json:"gpuLayers"`
	VRAMMB        int64      `json:"vramMB"`
	State         ModelState `json:"state"`
	LastAccess    time.Time  `json:"lastAccess"`
}

// hotTensorPrefixes are the tensors copied into the HOT cache at bind
// time: they are read on every generated token.
var hotTensorPrefixes = []string{"token_embd.", "output."}

type registeredModel struct {
	desc       *ModelDescriptor
	sourcePath string
	gpu        GPUConfig
	gpuLayers  int

	ws     *Workspace
	cat    *Catalog
	handle ModelHandle
	bound  bool

	vramMB     int64
	lastAccess time.Time
	state      ModelState

	// genMu serializes use of the cached session; the backend context
	// is reused across generations to avoid re-allocation.
	genMu   sync.Mutex
	session Session
}

// Registry orchestrates model residency: it runs the ingest pipeline,
// rebinds backend tensor pointers into workspace mappings, accounts
// VRAM, and evicts whole models LRU under budget pressure. Switching
// the active model is a pointer swap, never a reload.
type Registry struct {
	cfg     Config
	backend InferenceBackend
	meta    *MetadataStore
	pipe    *Pipeline
	hot     *HotCache

	mu          sync.Mutex
	models      map[string]*registeredModel
	current     string
	totalVRAMMB int64

	inferSem *semaphore.Weighted
}

// NewRegistry wires the registry over the given backend.
func NewRegistry(cfg Config, backend InferenceBackend) (*Registry, error) {
	cfg.Complete()

	meta, err := NewMetadataStore(cfg.WorkspaceRoot)
	if err != nil {
		return nil, err
	}

	return &Registry{
		cfg:      cfg,
		backend:  backend,
		meta:     meta,
		pipe:     NewPipeline(meta, cfg.UseDirectIO),
		hot:      NewHotCache(cfg.HotCacheBytes),
		models:   map[string]*registeredModel{},
		inferSem: semaphore.NewWeighted(cfg.MaxConcurrentInference),
	}, nil
}

// HotCache exposes the shared HOT tier.
func (r *Registry) HotCache() *HotCache { return r.hot }

// Metadata exposes the persistent workspace index.
func (r *Registry) Metadata() *MetadataStore { return r.meta }

// Backend exposes the wired inference backend.
func (r *Registry) Backend() InferenceBackend { return r.backend }

// Load makes a model ready for inference. It is idempotent for a
// resident model; a cached or evicted model is rebound from its
// workspace without dequantization; an absent one is ingested first.
func (r *Registry) Load(ctx context.Context, name, sourcePath string, gpu GPUConfig) error {
	if name == "" {
		name = ExtractModelName(sourcePath)
	}

	r.mu.Lock()
	if m, ok := r.models[name]; ok && m.state == ModelResident {
		m.lastAccess = time.Now()
		r.mu.Unlock()
		return nil
	}
	r.mu.Unlock()

	res, err := r.pipe.Run(ctx, name, sourcePath, false)
	if err != nil {
		return err
	}

	if err = r.bind(name, sourcePath, gpu, res); err != nil {
		_ = res.Workspace.Close()
		return err
	}
	return nil
}

// bind opens the backend skeleton and rebinds every tensor pointer to
// the workspace mapping. A failure registers nothing, so no model is
// left half-bound; models evicted to make VRAM room stay evicted.
func (r *Registry) bind(name, sourcePath string, gpu GPUConfig, res *IngestResult) error {
	desc := res.Descriptor

	vramMB := estimateVRAMMB(sourcePath, desc)
	gpuLayers := r.resolveGPULayers(gpu, vramMB, desc.NumLayers)

	r.mu.Lock()
	if !r.ensureVRAMSpaceLocked(vramMB) {
		r.mu.Unlock()
		return fmt.Errorf("%w: model %s needs %d MB of VRAM", ErrCapacityExceeded, name, vramMB)
	}
	r.mu.Unlock()

	handle, err := r.backend.OpenModelSkeleton(sourcePath, SkeletonOptions{
		GPULayers:      gpuLayers,
		FlashAttention: gpu.FlashAttention,
	})
	if err != nil {
		return fmt.Errorf("%w: open skeleton: %v", ErrBackend, err)
	}

	names := r.backend.TensorNames(handle)
	if len(names) == 0 {
		for _, td := range desc.Tensors {
			names = append(names, td.Name)
		}
	}

	for _, tn := range names {
		data, err := res.Catalog.GetTensor(name, tn)
		if err != nil {
			r.backend.ReleaseModel(handle)
			return fmt.Errorf("bind tensor %s: %w", tn, err)
		}
		if err = r.backend.SetExternalTensor(handle, tn, data); err != nil {
			r.backend.ReleaseModel(handle)
			return fmt.Errorf("%w: set tensor %s: %v", ErrBackend, tn, err)
		}
	}

	// Embeddings and the output projection are touched every token;
	// copy them HOT so generation never faults them from disk.
	for _, td := range desc.Tensors {
		for _, p := range hotTensorPrefixes {
			if strings.HasPrefix(td.Name, p) {
				if data, err := res.Catalog.GetTensor(name, td.Name); err == nil {
					r.hot.Prefetch(name, td.Name, data)
				}
				break
			}
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	m := &registeredModel{
		desc:       desc,
		sourcePath: sourcePath,
		gpu:        gpu,
		gpuLayers:  gpuLayers,
		ws:         res.Workspace,
		cat:        res.Catalog,
		handle:     handle,
		bound:      true,
		vramMB:     vramMB,
		lastAccess: time.Now(),
		state:      ModelResident,
	}
	r.models[name] = m
	r.totalVRAMMB += vramMB

	slog.Info("model resident",
		"model", name, "vramMB", vramMB, "gpuLayers", gpuLayers,
		"vramUsedMB", r.totalVRAMMB, "vramBudgetMB", r.cfg.VRAMBudgetMB,
		"fromCache", res.FromCache)
	return nil
}

// SwitchActive marks a resident model as current. Constant-time: no
// tensor movement, just the active key.
func (r *Registry) SwitchActive(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.models[name]
	if !ok || m.state != ModelResident {
		return fmt.Errorf("%w: model %s is not resident", ErrNotFound, name)
	}
	m.lastAccess = time.Now()
	r.current = name
	return nil
}

// ActiveModel returns the current model name: the explicitly switched
// one, or, when none was switched, the resident model with the latest
// access. Loads, switches and generations all count as access, so this
// is not necessarily the most recently loaded model.
func (r *Registry) ActiveModel() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.activeLocked()
}

func (r *Registry) activeLocked() string {
	if r.current != "" {
		return r.current
	}

	name := ""
	var latest time.Time
	for n, m := range r.models {
		if m.state == ModelResident && (name == "" || m.lastAccess.After(latest)) {
			name, latest = n, m.lastAccess
		}
	}
	return name
}

// Unload releases a model's backend handle and VRAM accounting. The
// workspace and metadata stay on disk so the next load is fast.
func (r *Registry) Unload(name string) error {
	r.mu.Lock()
	m, ok := r.models[name]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: model %s", ErrNotFound, name)
	}
	delete(r.models, name)
	if m.state == ModelResident {
		r.totalVRAMMB -= m.vramMB
	}
	if r.current == name {
		r.current = ""
	}
	r.mu.Unlock()

	r.releaseModel(name, m)
	return nil
}

func (r *Registry) releaseModel(name string, m *registeredModel) {
	m.genMu.Lock()
	if m.session != nil {
		m.session.Close()
		m.session = nil
	}
	m.genMu.Unlock()

	if m.bound {
		r.backend.ReleaseModel(m.handle)
		m.bound = false
	}
	r.hot.EvictModel(name)
	if m.ws != nil {
		_ = m.ws.Close()
		m.ws = nil
		m.cat = nil
	}
}

// GetF32Pointer resolves (model, tensor) through HOT first, then the
// workspace mapping. The slice stays stable for the model's residency.
func (r *Registry) GetF32Pointer(model, tensor string) ([]float32, bool) {
	if data, ok := r.hot.Lookup(model, tensor); ok {
		return data, true
	}

	r.mu.Lock()
	m, ok := r.models[model]
	r.mu.Unlock()
	if !ok || m.cat == nil {
		return nil, false
	}

	data, err := m.cat.GetTensor(model, tensor)
	if err != nil {
		return nil, false
	}
	return data, true
}

// Evictor returns a layer evictor bound to a resident model.
func (r *Registry) Evictor(model string) (*LayerEvictor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.models[model]
	if !ok || m.ws == nil {
		return nil, fmt.Errorf("%w: model %s is not resident", ErrNotFound, model)
	}
	return NewLayerEvictor(model, m.ws, r.hot), nil
}

// LoadedModels lists the tracked model names with their states.
func (r *Registry) LoadedModels() map[string]ModelState {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]ModelState, len(r.models))
	for name, m := range r.models {
		out[name] = m.state
	}
	return out
}

// ModelInfo returns an introspection snapshot.
func (r *Registry) ModelInfo(name string) (RegistryModelInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.models[name]
	if !ok {
		return RegistryModelInfo{}, fmt.Errorf("%w: model %s", ErrNotFound, name)
	}
	return RegistryModelInfo{
		Name:          name,
		SourcePath:    m.sourcePath,
		QuantType:     m.desc.QuantType,
		Architecture:  m.desc.Architecture,
		ContextLength: m.desc.ContextLength,
		NumLayers:     m.desc.NumLayers,
		NumHeads:      m.desc.NumHeads,
		GPULayers:     m.gpuLayers,
		VRAMMB:        m.vramMB,
		State:         m.state,
		LastAccess:    m.lastAccess,
	}, nil
}

// TotalVRAMUsedMB returns the VRAM accounted to resident models.
func (r *Registry) TotalVRAMUsedMB() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.totalVRAMMB
}

// ensureVRAMSpaceLocked evicts least-recently-used resident models
// until needed MB fit. The active model is never evicted; when only
// protected models remain, the load proceeds over budget, matching the
// best-effort accounting of the VRAM proxy.
func (r *Registry) ensureVRAMSpaceLocked(neededMB int64) bool {
	for r.totalVRAMMB+neededMB > r.cfg.VRAMBudgetMB {
		victim := ""
		var oldest time.Time
		for name, m := range r.models {
			if m.state != ModelResident || name == r.current {
				continue
			}
			if victim == "" || m.lastAccess.Before(oldest) {
				victim, oldest = name, m.lastAccess
			}
		}
		if victim == "" {
			slog.Warn("VRAM budget exceeded with no evictable model",
				"neededMB", neededMB, "usedMB", r.totalVRAMMB, "budgetMB", r.cfg.VRAMBudgetMB)
			return true
		}

		m := r.models[victim]
		m.state = ModelEvicted
		r.totalVRAMMB -= m.vramMB

		// Release outside would be nicer, but eviction is rare and the
		// backend release does not reenter the registry.
		r.releaseModel(victim, m)

		slog.Info("model evicted",
			"model", victim, "freedMB", m.vramMB, "vramUsedMB", r.totalVRAMMB)
	}
	return true
}

// resolveGPULayers applies the offload policy: explicit count wins;
// models under 80% of the budget offload fully; larger ones offload
// a budget-proportional share, at least 8 layers, clamped to
// [0.3, 1.0] of the layer count.
func (r *Registry) resolveGPULayers(gpu GPUConfig, modelSizeMB, numLayers int64) int {
	if gpu.Layers >= 0 {
		return gpu.Layers
	}

	budget := gpu.VRAMBudgetMB
	if budget <= 0 {
		budget = r.cfg.VRAMBudgetMB
	}
	if numLayers <= 0 {
		numLayers = 32
	}

	if float64(modelSizeMB) < 0.8*float64(budget) {
		return int(numLayers)
	}

	ratio := 0.85 * float64(budget) / float64(modelSizeMB)
	if ratio < 0.3 {
		ratio = 0.3
	} else if ratio > 1 {
		ratio = 1
	}

	layers := int(32 * ratio)
	if layers < 8 {
		layers = 8
	}
	if floor := int(float64(numLayers) * 0.3); layers < floor {
		layers = floor
	}
	if layers > int(numLayers) {
		layers = int(numLayers)
	}
	return layers
}

// estimateVRAMMB uses the quantized source size as the VRAM proxy; a
// missing source falls back to a quarter of the F32 footprint.
func estimateVRAMMB(sourcePath string, desc *ModelDescriptor) int64 {
	if st, err := os.Stat(osx.InlineTilde(sourcePath)); err == nil {
		return st.Size() / (1 << 20)
	}
	return desc.TotalByteSize() / 4 / (1 << 20)
}

// residentModel returns the tracked model when resident, touching its
// LRU position.
func (r *Registry) residentModel(name string) (*registeredModel, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.models[name]
	if !ok || m.state != ModelResident {
		return nil, fmt.Errorf("%w: model %s is not resident", ErrNotFound, name)
	}
	m.lastAccess = time.Now()
	return m, nil
}

// sessionLocked returns the model's cached inference context, creating
// it on first use. Caller holds m.genMu or is inside bind.
func (r *Registry) sessionLocked(m *registeredModel) (Session, error) {
	if m.session != nil {
		return m.session, nil
	}

	sess, err := r.backend.NewSession(m.handle, SessionOptions{
		ContextLength: int(m.desc.ContextLength),
		BatchSize:     512,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: new session: %v", ErrBackend, err)
	}
	m.session = sess
	return sess, nil
}

// Generate runs token generation on the active model, streaming pieces
// through cb when non-nil. It holds one inference slot and observes ctx
// between tokens. Returns the concatenated output.
func (r *Registry) Generate(ctx context.Context, prompt string, params SamplingParams, cb TokenCallback) (string, error) {
	if err := r.inferSem.Acquire(ctx, 1); err != nil {
		return "", err
	}
	defer r.inferSem.Release(1)

	r.mu.Lock()
	name := r.activeLocked()
	m := r.models[name]
	if m != nil {
		m.lastAccess = time.Now()
	}
	r.mu.Unlock()
	if m == nil || m.state != ModelResident {
		return "", fmt.Errorf("%w: no active model", ErrNotFound)
	}

	m.genMu.Lock()
	defer m.genMu.Unlock()

	sess, err := r.sessionLocked(m)
	if err != nil {
		return "", err
	}
	sess.ClearSeq(0)

	tokens, err := r.backend.Tokenize(m.handle, prompt, true, true)
	if err != nil {
		return "", fmt.Errorf("%w: tokenize: %v", ErrBackend, err)
	}

	positions := make([]int32, len(tokens))
	for i := range positions {
		positions[i] = int32(i)
	}
	if err = sess.DecodeBatch(ctx, tokens, positions, 0); err != nil {
		return "", err
	}

	maxTokens := params.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 100
	}

	var sb strings.Builder
	pos := int32(len(tokens))
	for i := 0; i < maxTokens; i++ {
		if err = ctx.Err(); err != nil {
			return sb.String(), err
		}

		t := sess.Sample(params)
		eos := t == 2
		piece := r.backend.TokenToPiece(m.handle, t)
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

	slog.Debug("generation finished",
		"model", name, "prompt", len(prompt), "output", humanize.Comma(int64(sb.Len())))
	return sb.String(), nil
}
