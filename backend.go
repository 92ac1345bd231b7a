package snapllm

import (
	"context"
	"encoding/binary"
	"fmt"
	"hash/fnv"
	"sync"
)

// Token is a vocabulary id produced by the backend tokenizer.
type Token int32

// ModelHandle identifies a model skeleton opened inside the backend.
type ModelHandle uint64

// SkeletonOptions configures opening a model structure without weight
// storage: tensor data is supplied afterwards via SetExternalTensor.
type SkeletonOptions struct {
	// GPULayers is the number of transformer layers offloaded to the
	// device; 0 keeps everything on the host.
	GPULayers int
	// FlashAttention enables the fused attention path when available.
	FlashAttention bool
}

// SessionOptions configures an inference context over a model handle.
type SessionOptions struct {
	ContextLength  int
	BatchSize      int
	Threads        int
	FlashAttention bool
}

// SamplingParams condenses the backend sampler chain: repetition
// penalty, top-k, top-p, min-p, temperature, then distribution sampling
// with the given seed.
type SamplingParams struct {
	Temperature   float32
	TopK          int
	TopP          float32
	MinP          float32
	RepeatPenalty float32
	Seed          uint64
	MaxTokens     int
}

// TokenCallback receives streamed tokens during generation. Returning
// false stops the generation cooperatively.
type TokenCallback func(piece string, id Token, eos bool) bool

// Session is one inference context: a token sequence with its KV state.
//
// Sessions are not safe for concurrent use; callers serialize access,
// typically under the registry's inference semaphore.
type Session interface {
	// DecodeBatch feeds tokens at the given positions into sequence
	// seqID. Cancellation is observed between batches.
	DecodeBatch(ctx context.Context, tokens []Token, positions []int32, seqID int32) error

	// Sample draws the next token after the last decoded batch.
	Sample(params SamplingParams) Token

	// StateSeqGet serializes the KV state of a sequence to opaque bytes.
	StateSeqGet(seqID int32) ([]byte, error)

	// StateSeqSet restores a sequence from bytes produced by StateSeqGet.
	StateSeqSet(seqID int32, state []byte) error

	// ClearSeq drops a sequence's KV state.
	ClearSeq(seqID int32)

	// SeqLen returns the number of positions held for a sequence.
	SeqLen(seqID int32) int

	Close()
}

// InferenceBackend is the narrow seam to the embedded inference engine.
// The cache core never sees tensors' use, only their residency: it
// opens skeletons, rebinds data pointers, and moves opaque KV state.
type InferenceBackend interface {
	// OpenModelSkeleton loads the architectural structure of a model
	// without allocating weight storage.
	OpenModelSkeleton(path string, opts SkeletonOptions) (ModelHandle, error)

	// TensorNames lists the tensors the skeleton expects to be bound.
	TensorNames(h ModelHandle) []string

	// SetExternalTensor rebinds a tensor's data pointer to the given
	// F32 slice. The slice must stay valid until ReleaseModel.
	SetExternalTensor(h ModelHandle, name string, data []float32) error

	// ReleaseModel frees the skeleton and invalidates its borrows.
	ReleaseModel(h ModelHandle)

	// Tokenize splits text with the model's vocabulary.
	Tokenize(h ModelHandle, text string, addBOS, parseSpecial bool) ([]Token, error)

	// TokenToPiece renders a token id back to text.
	TokenToPiece(h ModelHandle, t Token) string

	// NewSession creates an inference context over the handle.
	NewSession(h ModelHandle, opts SessionOptions) (Session, error)
}

// simBackend is a deterministic in-process InferenceBackend used by
// tests. It tokenizes bytes, keeps per-seq
// position logs as KV state, and samples by hashing the visible state,
// so identical inputs always yield identical tokens.
type simBackend struct {
	mu      sync.Mutex
	nextID  ModelHandle
	handles map[ModelHandle]*simModel
}

type simModel struct {
	path    string
	tensors map[string][]float32
	names   []string
	opts    SkeletonOptions
}

// NewSimBackend builds the deterministic test backend.
func NewSimBackend() InferenceBackend {
	return &simBackend{handles: map[ModelHandle]*simModel{}}
}

func (b *simBackend) OpenModelSkeleton(path string, opts SkeletonOptions) (ModelHandle, error) {
	var names []string
	if sf, err := OpenSource(path); err == nil {
		for _, ti := range sf.Tensors {
			names = append(names, ti.Name)
		}
		_ = sf.Close()
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	h := b.nextID
	b.handles[h] = &simModel{
		path:    path,
		tensors: map[string][]float32{},
		names:   names,
		opts:    opts,
	}
	return h, nil
}

func (b *simBackend) model(h ModelHandle) (*simModel, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	m, ok := b.handles[h]
	if !ok {
		return nil, fmt.Errorf("%w: unknown model handle %d", ErrBackend, h)
	}
	return m, nil
}

func (b *simBackend) TensorNames(h ModelHandle) []string {
	m, err := b.model(h)
	if err != nil {
		return nil
	}
	return m.names
}

func (b *simBackend) SetExternalTensor(h ModelHandle, name string, data []float32) error {
	m, err := b.model(h)
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return fmt.Errorf("%w: empty tensor %s", ErrBackend, name)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	m.tensors[name] = data
	return nil
}

func (b *simBackend) ReleaseModel(h ModelHandle) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.handles, h)
}

func (b *simBackend) Tokenize(h ModelHandle, text string, addBOS, _ bool) ([]Token, error) {
	if _, err := b.model(h); err != nil {
		return nil, err
	}

	out := make([]Token, 0, len(text)+1)
	if addBOS {
		out = append(out, 1)
	}
	for _, c := range []byte(text) {
		out = append(out, Token(c)+3)
	}
	return out, nil
}

func (b *simBackend) TokenToPiece(_ ModelHandle, t Token) string {
	if t < 3 {
		return ""
	}
	return string([]byte{byte(t - 3)})
}

func (b *simBackend) NewSession(h ModelHandle, _ SessionOptions) (Session, error) {
	if _, err := b.model(h); err != nil {
		return nil, err
	}
	return &simSession{seqs: map[int32][]Token{}}, nil
}

type simSession struct {
	mu   sync.Mutex
	seqs map[int32][]Token
}

func (s *simSession) DecodeBatch(ctx context.Context, tokens []Token, positions []int32, seqID int32) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(tokens) != len(positions) {
		return fmt.Errorf("%w: %d tokens, %d positions", ErrBackend, len(tokens), len(positions))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	seq := s.seqs[seqID]
	for i, t := range tokens {
		pos := int(positions[i])
		for len(seq) <= pos {
			seq = append(seq, 0)
		}
		seq[pos] = t
	}
	s.seqs[seqID] = seq
	return nil
}

func (s *simSession) Sample(params SamplingParams) Token {
	s.mu.Lock()
	defer s.mu.Unlock()

	h := fnv.New64a()
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], params.Seed)
	_, _ = h.Write(b[:])
	for _, t := range s.seqs[0] {
		binary.LittleEndian.PutUint32(b[:4], uint32(t))
		_, _ = h.Write(b[:4])
	}

	// Keep output printable so TokenToPiece round-trips.
	return Token(h.Sum64()%94) + 35
}

func (s *simSession) StateSeqGet(seqID int32) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	seq, ok := s.seqs[seqID]
	if !ok {
		return nil, fmt.Errorf("%w: sequence %d", ErrNotFound, seqID)
	}

	out := make([]byte, 4+len(seq)*4)
	binary.LittleEndian.PutUint32(out, uint32(len(seq)))
	for i, t := range seq {
		binary.LittleEndian.PutUint32(out[4+i*4:], uint32(t))
	}
	return out, nil
}

func (s *simSession) StateSeqSet(seqID int32, state []byte) error {
	if len(state) < 4 {
		return fmt.Errorf("%w: truncated sequence state", ErrInvalidInput)
	}
	n := binary.LittleEndian.Uint32(state)
	if uint32(len(state)-4)/4 < n {
		return fmt.Errorf("%w: truncated sequence state", ErrInvalidInput)
	}

	seq := make([]Token, n)
	for i := range seq {
		seq[i] = Token(binary.LittleEndian.Uint32(state[4+i*4:]))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.seqs[seqID] = seq
	return nil
}

func (s *simSession) ClearSeq(seqID int32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.seqs, seqID)
}

func (s *simSession) SeqLen(seqID int32) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.seqs[seqID])
}

func (s *simSession) Close() {}
