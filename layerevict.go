package snapllm

import (
	"log/slog"
	"sync/atomic"
)

// LayerEvictor discards or restores the physical backing of one
// transformer layer's workspace regions. Virtual mappings survive
// eviction: a later read of the layer faults its bytes back in from
// disk. HOT copies of the layer are dropped alongside.
//
// Only tensors named "blk.<N>.*" are reachable; embeddings and the
// output projection are untouchable through this API.
type LayerEvictor struct {
	model string
	ws    *Workspace
	hot   *HotCache

	bytesFreed     atomic.Int64
	bytesRequested atomic.Int64
}

// NewLayerEvictor binds an evictor to a model's workspace and the
// shared HOT cache (which may be nil).
func NewLayerEvictor(model string, ws *Workspace, hot *HotCache) *LayerEvictor {
	return &LayerEvictor{model: model, ws: ws, hot: hot}
}

// Evict discards the physical pages of every region of the layer and
// drops matching HOT entries. Returns the bytes freed.
func (e *LayerEvictor) Evict(layer int) (int64, error) {
	freed, err := e.ws.EvictLayer(layer)
	if err != nil {
		return 0, err
	}

	if e.hot != nil {
		freed += e.hot.EvictLayer(e.model, layer)
	}

	e.bytesFreed.Add(freed)
	slog.Debug("layer evicted", "model", e.model, "layer", layer, "bytes", freed)
	return freed, nil
}

// Prefetch hints the OS to page the layer's regions back in. Returns
// the bytes requested.
func (e *LayerEvictor) Prefetch(layer int) (int64, error) {
	requested, err := e.ws.PrefetchLayer(layer)
	if err != nil {
		return 0, err
	}

	e.bytesRequested.Add(requested)
	return requested, nil
}

// BytesFreed returns the cumulative bytes released by Evict calls.
func (e *LayerEvictor) BytesFreed() int64 { return e.bytesFreed.Load() }

// BytesRequested returns the cumulative bytes asked back by Prefetch.
func (e *LayerEvictor) BytesRequested() int64 { return e.bytesRequested.Load() }
