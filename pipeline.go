package snapllm

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"
)

// workspaceGrowthFactor gives a fresh workspace headroom beyond its
// source file. The exact F32 total of the catalog is the real floor;
// ingest takes the larger of the two.
const workspaceGrowthFactor = 2

// IngestResult is the outcome of a pipeline run: a populated workspace
// with its catalog, ready for tensor binding.
type IngestResult struct {
	Descriptor *ModelDescriptor
	Workspace  *Workspace
	Catalog    *Catalog
	// FromCache is true when persisted metadata satisfied the load and
	// no dequantization ran.
	FromCache bool
	// Elapsed is the wall time of the run.
	Elapsed time.Duration
}

// Pipeline transforms quantized weight files into populated F32
// workspaces, recording catalog and metadata so later loads skip the
// work entirely.
type Pipeline struct {
	meta     *MetadataStore
	directIO bool
}

// NewPipeline builds a pipeline over the metadata store.
func NewPipeline(meta *MetadataStore, directIO bool) *Pipeline {
	return &Pipeline{meta: meta, directIO: directIO}
}

// Run ingests the source weights for modelName (derived from the
// filename when empty). With metadata already present and force off,
// the populated workspace is reopened without touching the source.
//
// A failed ingest leaves no metadata behind: the partially written
// workspace file is ignored on restart and overwritten by the next
// attempt.
func (p *Pipeline) Run(ctx context.Context, modelName, sourcePath string, force bool) (*IngestResult, error) {
	started := time.Now()

	quant := DetectQuantType(sourcePath)
	if modelName == "" {
		modelName = ExtractModelName(sourcePath)
	}
	if modelName == "" {
		return nil, fmt.Errorf("%w: cannot derive model name from %s", ErrInvalidInput, sourcePath)
	}

	if !force && p.meta.Exists(modelName, quant) {
		res, err := p.reopen(modelName, quant, sourcePath)
		if err == nil {
			res.Elapsed = time.Since(started)
			return res, nil
		}
		slog.Warn("cached workspace unusable, re-ingesting",
			"model", modelName, "quant", quant, "err", err)
	}

	res, err := p.ingest(ctx, modelName, quant, sourcePath)
	if err != nil {
		return nil, err
	}
	res.Elapsed = time.Since(started)

	slog.Info("model ingested",
		"model", modelName, "quant", quant,
		"tensors", len(res.Descriptor.Tensors),
		"size", humanize.IBytes(uint64(res.Descriptor.TotalByteSize())),
		"elapsed", res.Elapsed)
	return res, nil
}

// reopen serves a load from persisted metadata: the workspace file is
// remapped and its allocations restored, with no writes.
func (p *Pipeline) reopen(modelName, quant, sourcePath string) (*IngestResult, error) {
	md, err := p.meta.Load(modelName, quant)
	if err != nil {
		return nil, err
	}

	// A replaced source invalidates the cached dequantization.
	if md.SourceHash != "" && sourcePath != "" {
		if fp := SourceFingerprint(sourcePath); fp != "" && fp != md.SourceHash {
			return nil, fmt.Errorf("%w: source weights changed since ingest", ErrIntegrity)
		}
	}

	wsPath := p.meta.WorkspacePath(modelName, quant)
	totalSize := md.TotalByteSize()
	if totalSize == 0 {
		return nil, fmt.Errorf("%w: empty tensor catalog", ErrIntegrity)
	}

	// The catalog is contiguous from offset zero, so its byte total is
	// exactly the span to map.
	ws, err := NewWorkspace(wsPath, totalSize, p.directIO)
	if err != nil {
		return nil, err
	}

	for _, td := range md.Tensors {
		a := Allocation{Offset: td.WorkspaceOffset, Size: td.ByteSize, Name: td.Name}
		if err = ws.RestoreAllocation(a); err != nil {
			_ = ws.Close()
			return nil, err
		}
		ws.RegisterLayerRegion(td.Name, td.WorkspaceOffset, td.ByteSize)
	}

	cat := NewCatalog(ws)
	if err = cat.RegisterModel(md); err != nil {
		_ = ws.Close()
		return nil, err
	}

	return &IngestResult{Descriptor: md, Workspace: ws, Catalog: cat, FromCache: true}, nil
}

func (p *Pipeline) ingest(ctx context.Context, modelName, quant, sourcePath string) (_ *IngestResult, err error) {
	src, err := OpenSource(sourcePath)
	if err != nil {
		return nil, err
	}
	defer func() { _ = src.Close() }()

	// Reject unknown formats before any allocation so a failed ingest
	// does as little work as possible.
	var f32Total int64
	for _, ti := range src.Tensors {
		if !CanDequantize(ti.Type) {
			return nil, fmt.Errorf("%w: tensor %s is %v", ErrUnsupported, ti.Name, ti.Type)
		}
		f32Total += int64(ti.ElementCount()) * 4
	}

	// Growth-factor sizing covers sub-4-bit sources; wide quants like
	// Q8_0 inflate past it, so the exact F32 total is the floor.
	totalSize := src.Size * workspaceGrowthFactor
	if f32Total > totalSize {
		totalSize = f32Total
	}

	wsPath := p.meta.WorkspacePath(modelName, quant)
	ws, err := NewWorkspace(wsPath, totalSize, p.directIO)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			_ = ws.Close()
		}
	}()

	shape := src.Shape()
	md := &ModelDescriptor{
		Name:            modelName,
		SourcePath:      sourcePath,
		SourceHash:      SourceFingerprint(sourcePath),
		QuantType:       quant,
		Architecture:    shape.Architecture,
		VocabSize:       shape.VocabSize,
		ContextLength:   shape.ContextLength,
		EmbeddingLength: shape.EmbeddingLength,
		NumLayers:       shape.NumLayers,
		NumHeads:        shape.NumHeads,
		NumKVHeads:      shape.NumKVHeads,
		Tensors:         make([]*TensorDescriptor, 0, len(src.Tensors)),
	}

	// Allocation is serial so offsets are deterministic; the dequantize
	// and write work fans out, each task owning a disjoint region, so
	// the writes need no lock.
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))

	for _, ti := range src.Tensors {
		ti := ti
		elems := ti.ElementCount()
		byteSize := int64(elems) * 4

		var a Allocation
		a, err = ws.Allocate(byteSize, ti.Name)
		if err != nil {
			return nil, err
		}
		ws.RegisterLayerRegion(ti.Name, a.Offset, a.Size)

		md.Tensors = append(md.Tensors, &TensorDescriptor{
			Name:            ti.Name,
			Shape:           ti.Dims,
			ElementCount:    elems,
			ByteSize:        byteSize,
			WorkspaceOffset: a.Offset,
			OriginalType:    ti.Type.String(),
		})

		g.Go(func() error {
			if gctx.Err() != nil {
				return gctx.Err()
			}

			raw, err := src.TensorBytes(ti)
			if err != nil {
				return err
			}

			out := make([]float32, elems)
			if err = Dequantize(ti.Type, raw, out); err != nil {
				return fmt.Errorf("tensor %s: %w", ti.Name, err)
			}

			n, err := ws.Write(a.Offset, f32Bytes(out))
			if err != nil {
				return fmt.Errorf("write tensor %s: %w", ti.Name, err)
			}
			if int64(n) < byteSize {
				return fmt.Errorf("short write of tensor %s: %d < %d", ti.Name, n, byteSize)
			}
			return nil
		})
	}

	if err = g.Wait(); err != nil {
		return nil, err
	}
	if err = ws.Sync(); err != nil {
		return nil, err
	}

	// Metadata is published last; its presence is the commit point.
	if err = p.meta.Save(md); err != nil {
		return nil, err
	}

	cat := NewCatalog(ws)
	if err = cat.RegisterModel(md); err != nil {
		return nil, err
	}

	return &IngestResult{Descriptor: md, Workspace: ws, Catalog: cat}, nil
}
