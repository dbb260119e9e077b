package model

import (
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/bizclaw/brain/internal/gguf"
	"github.com/bizclaw/brain/internal/mmap"
	"github.com/bizclaw/brain/internal/quant"
	"github.com/bizclaw/brain/internal/tensor"
)

// ErrMissingTensor is returned when a required weight is absent.
var ErrMissingTensor = errors.New("missing tensor")

const (
	tokenEmbdName  = "token_embd.weight"
	outputNormName = "output_norm.weight"
	outputName     = "output.weight"
)

func blockName(layer int, part string) string {
	return fmt.Sprintf("blk.%d.%s.weight", layer, part)
}

// weight is a matrix stored in the mapping. Its bytes are only reachable
// through a lease.
type weight struct {
	name       string
	kind       quant.Kind
	rows, cols int
	view       mmap.View
}

func (w *weight) mat(l *mmap.Lease) (tensor.Mat, error) {
	raw, err := l.Bytes(w.view)
	if err != nil {
		return tensor.Mat{}, err
	}
	return tensor.FromRaw(w.rows, w.cols, w.kind, raw)
}

type block struct {
	attnNorm, ffnNorm []float32
	q, k, v, o        weight
	gate, up, down    weight
}

// blockMats are the matrices of one block bound to a lease for one step.
type blockMats struct {
	attnNorm, ffnNorm []float32
	q, k, v, o        tensor.Mat
	gate, up, down    tensor.Mat
}

func (b *block) bind(l *mmap.Lease, dst *blockMats) error {
	dst.attnNorm, dst.ffnNorm = b.attnNorm, b.ffnNorm
	for _, p := range []struct {
		w   *weight
		dst *tensor.Mat
	}{
		{&b.q, &dst.q}, {&b.k, &dst.k}, {&b.v, &dst.v}, {&b.o, &dst.o},
		{&b.gate, &dst.gate}, {&b.up, &dst.up}, {&b.down, &dst.down},
	} {
		m, err := p.w.mat(l)
		if err != nil {
			return fmt.Errorf("%s: %w", p.w.name, err)
		}
		*p.dst = m
	}
	return nil
}

type weights struct {
	embd    weight
	outNorm []float32
	out     weight
	tied    bool
	blocks  []block
}

// resolver turns tensor descriptors into views, checking kind and shape
// against the hyperparameters. The lease is held by the caller for the
// duration of loading.
type resolver struct {
	file    *gguf.File
	mapping *mmap.Mapping
	lease   *mmap.Lease
}

func (r *resolver) lookup(name string) (gguf.TensorInfo, error) {
	t, ok := r.file.Tensor(name)
	if !ok {
		return gguf.TensorInfo{}, fmt.Errorf("model: %w: %s", ErrMissingTensor, name)
	}
	if !t.Kind.Supported() {
		return gguf.TensorInfo{}, fmt.Errorf("model: %s: %w", name, &quant.KindError{Kind: t.Kind, Op: "load"})
	}
	return t, nil
}

func shapeErr(name, what string, want, got int) error {
	return fmt.Errorf("model: %s: %w", name, &tensor.DimensionError{Op: "load", What: what, Want: want, Got: got})
}

// matrix resolves a rows x cols weight, stored with dims {cols, rows}.
// rows < 0 accepts any row count.
func (r *resolver) matrix(name string, rows, cols int) (weight, error) {
	t, err := r.lookup(name)
	if err != nil {
		return weight{}, err
	}
	if len(t.Dims) != 2 {
		return weight{}, shapeErr(name, "rank", 2, len(t.Dims))
	}
	if t.Dims[0] != uint64(cols) {
		return weight{}, shapeErr(name, "columns", cols, int(min(t.Dims[0], 1<<31)))
	}
	if t.Dims[1] > 1<<31 || (rows >= 0 && t.Dims[1] != uint64(rows)) {
		return weight{}, shapeErr(name, "rows", rows, int(min(t.Dims[1], 1<<31)))
	}
	off, n := r.file.Range(t)
	view, err := r.mapping.View(off, n)
	if err != nil {
		return weight{}, fmt.Errorf("model: %s: %w", name, err)
	}
	w := weight{name: name, kind: t.Kind, rows: int(t.Dims[1]), cols: cols, view: view}
	// Binding once validates the row layout for this kind.
	if _, err := w.mat(r.lease); err != nil {
		return weight{}, fmt.Errorf("model: %s: %w", name, err)
	}
	return w, nil
}

// vector decodes a one-dimensional weight into owned memory.
func (r *resolver) vector(name string, n int) ([]float32, error) {
	t, err := r.lookup(name)
	if err != nil {
		return nil, err
	}
	if len(t.Dims) != 1 {
		return nil, shapeErr(name, "rank", 1, len(t.Dims))
	}
	if t.Dims[0] != uint64(n) {
		return nil, shapeErr(name, "length", n, int(min(t.Dims[0], 1<<31)))
	}
	off, size := r.file.Range(t)
	view, err := r.mapping.View(off, size)
	if err != nil {
		return nil, fmt.Errorf("model: %s: %w", name, err)
	}
	raw, err := r.lease.Bytes(view)
	if err != nil {
		return nil, err
	}
	out := make([]float32, n)
	if err := quant.Dequantize(raw, t.Kind, out); err != nil {
		return nil, fmt.Errorf("model: %s: %w", name, err)
	}
	return out, nil
}

func (r *resolver) block(i int, hp Hyperparams) (block, error) {
	var b block
	var err error
	e := hp.Embedding
	if b.attnNorm, err = r.vector(blockName(i, "attn_norm"), e); err != nil {
		return b, err
	}
	if b.ffnNorm, err = r.vector(blockName(i, "ffn_norm"), e); err != nil {
		return b, err
	}
	for _, m := range []struct {
		dst        *weight
		part       string
		rows, cols int
	}{
		{&b.q, "attn_q", hp.QDim(), e},
		{&b.k, "attn_k", hp.KVDim(), e},
		{&b.v, "attn_v", hp.KVDim(), e},
		{&b.o, "attn_output", e, hp.QDim()},
		{&b.gate, "ffn_gate", hp.FeedFwd, e},
		{&b.up, "ffn_up", hp.FeedFwd, e},
		{&b.down, "ffn_down", e, hp.FeedFwd},
	} {
		if *m.dst, err = r.matrix(blockName(i, m.part), m.rows, m.cols); err != nil {
			return b, err
		}
	}
	return b, nil
}

// resolveWeights binds every tensor the forward pass reads. Blocks are
// resolved concurrently, at most limit at a time.
func (r *resolver) resolveWeights(hp Hyperparams, limit int) (weights, error) {
	var w weights
	for _, bias := range []string{"attn_q", "attn_k", "attn_v"} {
		if _, ok := r.file.Tensor(fmt.Sprintf("blk.0.%s.bias", bias)); ok {
			return w, fmt.Errorf("model: %w: %s projections carry a bias", ErrUnsupportedArchitecture, bias)
		}
	}

	var err error
	if w.embd, err = r.matrix(tokenEmbdName, -1, hp.Embedding); err != nil {
		return w, err
	}
	if w.outNorm, err = r.vector(outputNormName, hp.Embedding); err != nil {
		return w, err
	}
	if _, ok := r.file.Tensor(outputName); ok {
		if w.out, err = r.matrix(outputName, w.embd.rows, hp.Embedding); err != nil {
			return w, err
		}
	} else {
		w.out, w.tied = w.embd, true
	}

	w.blocks = make([]block, hp.Layers)
	var g errgroup.Group
	g.SetLimit(max(limit, 1))
	for i := range w.blocks {
		g.Go(func() error {
			b, err := r.block(i, hp)
			if err != nil {
				return err
			}
			w.blocks[i] = b
			return nil
		})
	}
	return w, g.Wait()
}
