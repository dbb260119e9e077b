// Package model loads llama-family GGUF models and runs them one token at a
// time.
//
// A Model owns the file mapping, the parsed weights and a worker pool. It
// is immutable after Load and may be shared by any number of Sessions, each
// of which owns its KV cache. Close waits for in-flight forward steps before
// unmapping the file.
package model

import (
	"fmt"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bizclaw/brain/internal/gguf"
	"github.com/bizclaw/brain/internal/kvcache"
	"github.com/bizclaw/brain/internal/logger"
	"github.com/bizclaw/brain/internal/metrics"
	"github.com/bizclaw/brain/internal/mmap"
	"github.com/bizclaw/brain/internal/rope"
	"github.com/bizclaw/brain/internal/sched"
	"github.com/bizclaw/brain/internal/tokenizer"
)

// DefaultContextLength caps the per-session cache when Options leaves it
// unset.
const DefaultContextLength = 2048

type Options struct {
	// Threads sizes the worker pool. Zero means GOMAXPROCS.
	Threads int

	// ContextLength is the KV cache capacity of each session. Zero means
	// min(context_length, DefaultContextLength); larger values are clamped
	// to the model's context_length.
	ContextLength int

	CacheOverflow kvcache.Policy

	// MemoryLimit bounds each session's KV cache in bytes. Zero means no
	// limit.
	MemoryLimit int64

	// Prefetch asks the kernel to read the whole file ahead.
	Prefetch bool

	Logger  logger.Logger
	Metrics *metrics.Metrics
}

type Model struct {
	path    string
	mapping *mmap.Mapping
	file    *gguf.File
	hp      Hyperparams
	vocab   *tokenizer.Vocabulary
	w       weights
	rope    *rope.Table
	pool    *sched.Pool
	opts    Options
	ctxLen  int
	log     logger.Logger
	metrics *metrics.Metrics

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// Load maps path and prepares the model for inference.
func Load(path string, opts Options) (*Model, error) {
	start := time.Now()
	if opts.Logger == nil {
		opts.Logger = logger.Discard()
	}
	if opts.Threads <= 0 {
		opts.Threads = runtime.GOMAXPROCS(0)
	}
	mapping, err := mmap.Open(path)
	if err != nil {
		return nil, err
	}
	if opts.Prefetch {
		if err := mapping.Prefetch(); err != nil {
			opts.Logger.Warn("prefetch failed", "path", path, "error", err)
		}
	}
	m, err := load(mapping, opts)
	if err != nil {
		_ = mapping.Close()
		return nil, err
	}
	m.pool = sched.NewPool(opts.Threads)

	elapsed := time.Since(start)
	m.metrics.ObserveLoad(elapsed)
	m.log.Info("model loaded",
		"path", path,
		"arch", m.hp.Arch,
		"layers", m.hp.Layers,
		"embedding", m.hp.Embedding,
		"vocab", m.hp.Vocab,
		"context", m.ctxLen,
		"threads", opts.Threads,
		"mapped", mapping.Mapped(),
		"duration", elapsed,
	)
	return m, nil
}

func load(mapping *mmap.Mapping, opts Options) (*Model, error) {
	lease, err := mapping.Acquire()
	if err != nil {
		return nil, err
	}
	defer lease.Release()

	whole, err := mapping.View(0, uint64(mapping.Size()))
	if err != nil {
		return nil, err
	}
	data, err := lease.Bytes(whole)
	if err != nil {
		return nil, err
	}
	file, err := gguf.Parse(data)
	if err != nil {
		return nil, err
	}
	hp, err := HyperparamsFromMetadata(file.Metadata)
	if err != nil {
		return nil, err
	}
	vocab, err := tokenizer.FromMetadata(file.Metadata)
	if err != nil {
		return nil, err
	}

	r := &resolver{file: file, mapping: mapping, lease: lease}
	w, err := r.resolveWeights(hp, opts.Threads)
	if err != nil {
		return nil, err
	}
	hp.Vocab = w.embd.rows
	if vocab.Len() != hp.Vocab {
		return nil, fmt.Errorf("model: %w: tokenizer has %d tokens, embedding has %d rows",
			ErrInvalidHyperparams, vocab.Len(), hp.Vocab)
	}

	table, err := rope.New(hp.HeadDim, hp.RopeBase)
	if err != nil {
		return nil, fmt.Errorf("model: %w", err)
	}

	ctxLen := opts.ContextLength
	if ctxLen <= 0 {
		ctxLen = min(hp.Context, DefaultContextLength)
	}
	ctxLen = min(ctxLen, hp.Context)

	return &Model{
		path:    mapping.Path(),
		mapping: mapping,
		file:    file,
		hp:      hp,
		vocab:   vocab,
		w:       w,
		rope:    table,
		opts:    opts,
		ctxLen:  ctxLen,
		log:     opts.Logger,
		metrics: opts.Metrics,
	}, nil
}

// Close unloads the model. It blocks until in-flight forward steps finish;
// afterwards every session fails with ErrUnloaded.
func (m *Model) Close() error {
	m.closeOnce.Do(func() {
		m.closed.Store(true)
		m.closeErr = m.mapping.Close()
		m.pool.Close()
		m.log.Info("model unloaded", "path", m.path)
	})
	return m.closeErr
}

func (m *Model) Hyperparams() Hyperparams          { return m.hp }
func (m *Model) Vocabulary() *tokenizer.Vocabulary { return m.vocab }
func (m *Model) Metadata() gguf.Metadata           { return m.file.Metadata }
func (m *Model) ContextLength() int                { return m.ctxLen }

// Tensors returns the tensor descriptors in file order.
func (m *Model) Tensors() []gguf.TensorInfo {
	return append([]gguf.TensorInfo(nil), m.file.Tensors...)
}

// Info summarizes a loaded model.
type Info struct {
	Path          string         `json:"path"`
	Name          string         `json:"name,omitempty"`
	Version       uint32         `json:"gguf_version"`
	FileSize      int64          `json:"file_size"`
	Mapped        bool           `json:"mapped"`
	Tensors       int            `json:"tensors"`
	Parameters    uint64         `json:"parameters"`
	Quantization  map[string]int `json:"quantization"`
	TiedOutput    bool           `json:"tied_output"`
	Tokenizer     string         `json:"tokenizer"`
	ContextLength int            `json:"context_length"`
	Hyperparams   Hyperparams    `json:"hyperparams"`
}

func (m *Model) Info() Info {
	info := Info{
		Path:          m.path,
		Version:       m.file.Version,
		FileSize:      int64(m.mapping.Size()),
		Mapped:        m.mapping.Mapped(),
		Tensors:       len(m.file.Tensors),
		Quantization:  make(map[string]int),
		TiedOutput:    m.w.tied,
		Tokenizer:     m.vocab.Style().String(),
		ContextLength: m.ctxLen,
		Hyperparams:   m.hp,
	}
	info.Name, _ = m.file.Metadata.Text("general.name")
	for _, t := range m.file.Tensors {
		if n, ok := t.Elements(); ok {
			info.Parameters += n
		}
		info.Quantization[t.Kind.String()]++
	}
	return info
}

// QuantizationKinds returns the tensor kinds present, sorted by name.
func (i Info) QuantizationKinds() []string {
	kinds := make([]string, 0, len(i.Quantization))
	for k := range i.Quantization {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}
