package model

import (
	"errors"
	"fmt"
	"time"

	"github.com/bizclaw/brain/internal/attention"
	"github.com/bizclaw/brain/internal/kvcache"
	"github.com/bizclaw/brain/internal/tensor"
)

// ErrUnloaded is returned when a model is used after Close.
var ErrUnloaded = errors.New("model unloaded")

// StageError locates a failure inside the forward pass. Layer is -1 for
// the stages outside the transformer blocks.
type StageError struct {
	Layer int
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	if e.Layer < 0 {
		return fmt.Sprintf("forward %s: %v", e.Stage, e.Err)
	}
	return fmt.Sprintf("forward layer %d %s: %v", e.Layer, e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// state is the per-session scratch of one forward step.
type state struct {
	cache *kvcache.Cache

	x, xb  []float32 // residual stream and its normalized copy
	q      []float32
	k, v   []float32
	att    []float32
	proj   []float32
	gate   []float32
	up     []float32
	ffn    []float32
	logits []float32
	scores []float32
}

func (m *Model) newState(cache *kvcache.Cache) *state {
	hp := m.hp
	return &state{
		cache:  cache,
		x:      make([]float32, hp.Embedding),
		xb:     make([]float32, hp.Embedding),
		q:      make([]float32, hp.QDim()),
		k:      make([]float32, hp.KVDim()),
		v:      make([]float32, hp.KVDim()),
		att:    make([]float32, hp.QDim()),
		proj:   make([]float32, hp.Embedding),
		gate:   make([]float32, hp.FeedFwd),
		up:     make([]float32, hp.FeedFwd),
		ffn:    make([]float32, hp.Embedding),
		logits: make([]float32, hp.Vocab),
		scores: make([]float32, cache.Capacity()),
	}
}

type stage struct {
	name string
	run  func(m *Model, s *state, b *blockMats, layer, pos int) error
}

// blockStages run in order for every transformer block.
var blockStages = []stage{
	{"attn_norm", func(m *Model, s *state, b *blockMats, _, _ int) error {
		return tensor.RMSNorm(s.xb, s.x, b.attnNorm, m.hp.RMSEpsilon)
	}},
	{"attention", (*Model).attention},
	{"attn_residual", func(_ *Model, s *state, _ *blockMats, _, _ int) error {
		return tensor.Add(s.x, s.proj)
	}},
	{"ffn_norm", func(m *Model, s *state, b *blockMats, _, _ int) error {
		return tensor.RMSNorm(s.xb, s.x, b.ffnNorm, m.hp.RMSEpsilon)
	}},
	{"feed_forward", (*Model).feedForward},
	{"ffn_residual", func(_ *Model, s *state, _ *blockMats, _, _ int) error {
		return tensor.Add(s.x, s.ffn)
	}},
}

// forward runs token tok at position pos and returns the logits, which
// alias s and are overwritten by the next step. The mapping is leased for
// the whole step so Close cannot unmap weights mid-pass.
func (m *Model) forward(s *state, tok, pos int) ([]float32, error) {
	if tok < 0 || tok >= m.hp.Vocab {
		return nil, &StageError{Layer: -1, Stage: "embed", Err: fmt.Errorf("token id %d outside [0, %d)", tok, m.hp.Vocab)}
	}
	lease, err := m.mapping.Acquire()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnloaded, err)
	}
	defer lease.Release()
	start := time.Now()

	embd, err := m.w.embd.mat(lease)
	if err == nil {
		err = embd.RowTo(s.x, tok)
	}
	if err != nil {
		return nil, &StageError{Layer: -1, Stage: "embed", Err: err}
	}

	var b blockMats
	for i := range m.w.blocks {
		if err := m.w.blocks[i].bind(lease, &b); err != nil {
			return nil, &StageError{Layer: i, Stage: "bind", Err: err}
		}
		for _, st := range blockStages {
			if err := st.run(m, s, &b, i, pos); err != nil {
				return nil, &StageError{Layer: i, Stage: st.name, Err: err}
			}
		}
	}

	if err := tensor.RMSNorm(s.xb, s.x, m.w.outNorm, m.hp.RMSEpsilon); err != nil {
		return nil, &StageError{Layer: -1, Stage: "output_norm", Err: err}
	}
	out, err := m.w.out.mat(lease)
	if err == nil {
		err = tensor.MatVec(m.pool, s.logits, &out, s.xb)
	}
	if err != nil {
		return nil, &StageError{Layer: -1, Stage: "output", Err: err}
	}
	m.metrics.ObserveForward(time.Since(start))
	return s.logits, nil
}

func (m *Model) attention(s *state, b *blockMats, layer, pos int) error {
	for _, p := range []struct {
		dst []float32
		w   *tensor.Mat
	}{{s.q, &b.q}, {s.k, &b.k}, {s.v, &b.v}} {
		if err := tensor.MatVec(m.pool, p.dst, p.w, s.xb); err != nil {
			return err
		}
	}
	if err := m.rope.RotateHeads(s.q, m.hp.Heads, pos); err != nil {
		return err
	}
	if err := m.rope.RotateHeads(s.k, m.hp.KVHeads, pos); err != nil {
		return err
	}
	hd := m.hp.HeadDim
	for h := range m.hp.KVHeads {
		if err := s.cache.Append(layer, h, pos, s.k[h*hd:(h+1)*hd], s.v[h*hd:(h+1)*hd]); err != nil {
			return err
		}
	}
	if err := attention.MultiHead(s.att, s.q, pos, s.cache, layer, m.hp.Heads, m.hp.KVHeads, s.scores); err != nil {
		return err
	}
	return tensor.MatVec(m.pool, s.proj, &b.o, s.att)
}

// feedForward is the SwiGLU block: down(silu(gate(x)) * up(x)).
func (m *Model) feedForward(s *state, b *blockMats, _, _ int) error {
	if err := tensor.MatVec(m.pool, s.gate, &b.gate, s.xb); err != nil {
		return err
	}
	if err := tensor.MatVec(m.pool, s.up, &b.up, s.xb); err != nil {
		return err
	}
	if err := tensor.SiluMul(s.gate, s.gate, s.up); err != nil {
		return err
	}
	return tensor.MatVec(m.pool, s.ffn, &b.down, s.gate)
}
