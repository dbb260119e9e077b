// Package brain runs a local GGUF language model. It is the interface other
// services use: load a model, open sessions, stream generated tokens.
//
//	h, err := brain.LoadModel(path, brain.Config{})
//	s, err := h.StartSession("You are a helpful assistant.")
//	for chunk, err := range s.Generate(ctx, "Hello", brain.DefaultSampling()) {
//		...
//	}
package brain

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/semaphore"

	"github.com/bizclaw/brain/internal/gguf"
	"github.com/bizclaw/brain/internal/kvcache"
	"github.com/bizclaw/brain/internal/logger"
	"github.com/bizclaw/brain/internal/logits"
	"github.com/bizclaw/brain/internal/metrics"
	"github.com/bizclaw/brain/internal/mmap"
	"github.com/bizclaw/brain/internal/model"
	"github.com/bizclaw/brain/internal/quant"
	"github.com/bizclaw/brain/internal/tensor"
)

// DefaultMaxSessions applies when Config.MaxSessions is zero.
const DefaultMaxSessions = 4

var (
	ErrTooManySessions = errors.New("brain: too many sessions")

	ErrUnloaded       = model.ErrUnloaded
	ErrSessionBusy    = model.ErrSessionBusy
	ErrSessionClosed  = model.ErrSessionClosed
	ErrStreamConsumed = model.ErrStreamConsumed
	ErrEmptyPrompt    = model.ErrEmptyPrompt

	ErrNotFound                = mmap.ErrNotFound
	ErrPermissionDenied        = mmap.ErrPermissionDenied
	ErrBadMagic                = gguf.ErrBadMagic
	ErrUnsupportedVersion      = gguf.ErrUnsupportedVersion
	ErrTruncatedData           = gguf.ErrTruncatedData
	ErrUnsupportedArchitecture = model.ErrUnsupportedArchitecture
	ErrUnsupportedQuantization = quant.ErrUnsupportedQuantization
	ErrDimension               = tensor.ErrDimension
	ErrCacheOverflow           = kvcache.ErrCacheOverflow
	ErrOutOfMemory             = kvcache.ErrOutOfMemory
	ErrInvalidSampling         = logits.ErrInvalidConfig
)

type Config struct {
	// Threads sizes the compute pool. Zero means GOMAXPROCS.
	Threads int

	// ContextLength is the per-session KV cache capacity. Zero lets the
	// model decide, capped at 2048.
	ContextLength int

	MaxSessions int

	// MemoryLimit bounds each session's KV cache in bytes. Zero means no
	// limit.
	MemoryLimit int64

	// CacheOverflow is "fail" (the default) or "evict".
	CacheOverflow string

	Prefetch bool

	// Sampling is used by Complete.
	Sampling SamplingConfig

	Logger     *slog.Logger
	Registerer prometheus.Registerer
}

// SamplingConfig controls token selection. Temperature 0 is greedy. TopP is
// used as given, so with a positive temperature set it to 1 to keep every
// top-k candidate; DefaultSampling is a reasonable starting point.
type SamplingConfig struct {
	Seed          uint64  `json:"seed"`
	Temperature   float32 `json:"temperature"`
	TopK          int     `json:"top_k"`
	TopP          float32 `json:"top_p"`
	RepeatPenalty float32 `json:"repeat_penalty"`
	RepeatLastN   int     `json:"repeat_last_n"`
	MaxTokens     int     `json:"max_tokens"`
	IgnoreEOS     bool    `json:"ignore_eos,omitempty"`
}

// DefaultSampling returns temperature 0.8, top-k 40, top-p 0.95 and a
// 1.1 repeat penalty over the last 64 tokens, for up to 256 tokens.
func DefaultSampling() SamplingConfig {
	c := logits.DefaultConfig()
	return SamplingConfig{
		Temperature:   c.Temperature,
		TopK:          c.TopK,
		TopP:          c.TopP,
		RepeatPenalty: c.RepeatPenalty,
		RepeatLastN:   c.RepeatLastN,
		MaxTokens:     model.DefaultMaxTokens,
	}
}

func (c SamplingConfig) options() model.GenerateOptions {
	return model.GenerateOptions{
		Sampling: logits.Config{
			Seed:          c.Seed,
			Temperature:   c.Temperature,
			TopK:          c.TopK,
			TopP:          c.TopP,
			RepeatPenalty: c.RepeatPenalty,
			RepeatLastN:   c.RepeatLastN,
		},
		MaxTokens: c.MaxTokens,
		IgnoreEOS: c.IgnoreEOS,
	}
}

// Handle is a loaded model. It is safe for concurrent use.
type Handle struct {
	m   *model.Model
	sem *semaphore.Weighted
	cfg Config
	log logger.Logger

	mu       sync.Mutex
	sessions map[*Session]struct{}
	unloaded atomic.Bool
}

// LoadModel maps the GGUF file at path and prepares it for inference.
func LoadModel(path string, cfg Config) (*Handle, error) {
	policy, err := kvcache.ParsePolicy(cfg.CacheOverflow)
	if err != nil {
		return nil, fmt.Errorf("brain: %w", err)
	}
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = DefaultMaxSessions
	}
	if cfg.Sampling == (SamplingConfig{}) {
		cfg.Sampling = DefaultSampling()
	}
	log := logger.Discard()
	if cfg.Logger != nil {
		log = logger.New(cfg.Logger.Handler())
	}
	var met *metrics.Metrics
	if cfg.Registerer != nil {
		met = metrics.New(cfg.Registerer)
	}

	m, err := model.Load(path, model.Options{
		Threads:       cfg.Threads,
		ContextLength: cfg.ContextLength,
		CacheOverflow: policy,
		MemoryLimit:   cfg.MemoryLimit,
		Prefetch:      cfg.Prefetch,
		Logger:        log,
		Metrics:       met,
	})
	if err != nil {
		return nil, err
	}
	return &Handle{
		m:        m,
		sem:      semaphore.NewWeighted(int64(cfg.MaxSessions)),
		cfg:      cfg,
		log:      log,
		sessions: make(map[*Session]struct{}),
	}, nil
}

// StartSession opens a session, failing with ErrTooManySessions when
// MaxSessions are already open.
func (h *Handle) StartSession(system string) (*Session, error) {
	if h.unloaded.Load() {
		return nil, ErrUnloaded
	}
	if !h.sem.TryAcquire(1) {
		return nil, ErrTooManySessions
	}
	return h.open(system)
}

// StartSessionContext is StartSession, waiting for a free slot until ctx
// is done.
func (h *Handle) StartSessionContext(ctx context.Context, system string) (*Session, error) {
	if h.unloaded.Load() {
		return nil, ErrUnloaded
	}
	if err := h.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	return h.open(system)
}

func (h *Handle) open(system string) (*Session, error) {
	ms, err := h.m.NewSession(system)
	if err != nil {
		h.sem.Release(1)
		return nil, err
	}
	s := &Session{h: h, s: ms}
	h.mu.Lock()
	h.sessions[s] = struct{}{}
	h.mu.Unlock()
	return s, nil
}

// Unload closes every session and releases the model. It waits for
// forward steps in flight; streams still running end with ErrUnloaded.
func (h *Handle) Unload() error {
	if !h.unloaded.CompareAndSwap(false, true) {
		return nil
	}
	h.mu.Lock()
	open := make([]*Session, 0, len(h.sessions))
	for s := range h.sessions {
		open = append(open, s)
	}
	h.mu.Unlock()

	err := h.m.Close()
	for _, s := range open {
		err = errors.Join(err, s.Close())
	}
	return err
}

// Sessions returns the number of open sessions.
func (h *Handle) Sessions() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

// Complete generates up to maxTokens tokens for prompt in a fresh session
// and returns the text.
func (h *Handle) Complete(ctx context.Context, prompt string, maxTokens int) (string, error) {
	s, err := h.StartSessionContext(ctx, "")
	if err != nil {
		return "", err
	}
	defer s.Close()

	sc := h.cfg.Sampling
	sc.MaxTokens = maxTokens
	var text []byte
	for chunk, err := range s.Generate(ctx, prompt, sc) {
		if err != nil {
			return string(text), err
		}
		text = append(text, chunk.Text...)
	}
	return string(text), nil
}

// Session is one conversation. Generate calls on a session must not
// overlap; separate sessions run concurrently.
type Session struct {
	h      *Handle
	s      *model.Session
	closed sync.Once
}

// Chunk is one generated token.
type Chunk struct {
	TokenID int    `json:"token_id"`
	Text    string `json:"text"`
}

func (s *Session) ID() string { return s.s.ID() }

// Generate streams the continuation of prompt. The stream runs when ranged
// over and can be ranged over once; a failure is the last element.
func (s *Session) Generate(ctx context.Context, prompt string, sc SamplingConfig) iter.Seq2[Chunk, error] {
	stream := s.s.Generate(ctx, prompt, sc.options())
	return func(yield func(Chunk, error) bool) {
		for tok, err := range stream {
			if !yield(Chunk{TokenID: tok.ID, Text: tok.Text}, err) {
				return
			}
		}
	}
}

// Reset forgets the conversation but keeps the system context.
func (s *Session) Reset() error { return s.s.Reset() }

// Close releases the session's slot. It is safe to call more than once.
func (s *Session) Close() error {
	var err error
	s.closed.Do(func() {
		err = s.s.Close()
		s.h.mu.Lock()
		delete(s.h.sessions, s)
		s.h.mu.Unlock()
		s.h.sem.Release(1)
	})
	return err
}
