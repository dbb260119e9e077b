package model

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/bizclaw/brain/internal/kvcache"
	"github.com/bizclaw/brain/internal/logger"
	"github.com/bizclaw/brain/internal/logits"
	"github.com/bizclaw/brain/internal/tensor"
	"github.com/bizclaw/brain/internal/tokenizer"
)

var (
	// ErrStreamConsumed is yielded when a generation stream is ranged over
	// a second time.
	ErrStreamConsumed = errors.New("generation stream already consumed")

	// ErrSessionBusy is yielded when a session is asked to generate while
	// another stream on it is still running.
	ErrSessionBusy = errors.New("session is busy")

	ErrSessionClosed = errors.New("session closed")

	// ErrEmptyPrompt is yielded when there is nothing to condition on: an
	// empty prompt in a fresh session of a model without BOS.
	ErrEmptyPrompt = errors.New("empty prompt")
)

// DefaultMaxTokens bounds a stream when GenerateOptions leaves it unset.
const DefaultMaxTokens = 256

// Token is one generated token and the text it completes.
type Token struct {
	ID   int    `json:"id"`
	Text string `json:"text"`
}

type GenerateOptions struct {
	Sampling logits.Config

	// MaxTokens bounds the tokens yielded. Zero means DefaultMaxTokens.
	MaxTokens int

	// IgnoreEOS keeps sampling past the end-of-sequence token.
	IgnoreEOS bool
}

// Session is one conversation with a model. It owns a KV cache and may be
// used from one goroutine at a time, except for Position and Tokens;
// separate sessions run concurrently.
type Session struct {
	id     uuid.UUID
	m      *Model
	st     *state
	log    logger.Logger
	system string

	busy   atomic.Bool
	closed atomic.Bool

	// Written under busy and mu; Position and Tokens read under mu.
	mu      sync.Mutex
	history []int
	pos     int

	// Guarded by busy.
	pending   int // yielded but not yet fed back, or -1
	systemFed bool
	decoder   *tokenizer.StreamDecoder
	evicted   int
}

// NewSession allocates a session. A non-empty system prompt is fed ahead
// of the first prompt and again after every reset.
func (m *Model) NewSession(system string) (*Session, error) {
	if m.closed.Load() {
		return nil, ErrUnloaded
	}
	cache, err := kvcache.New(kvcache.Options{
		Layers:      m.hp.Layers,
		KVHeads:     m.hp.KVHeads,
		HeadDim:     m.hp.HeadDim,
		Capacity:    m.ctxLen,
		Policy:      m.opts.CacheOverflow,
		MemoryLimit: m.opts.MemoryLimit,
	})
	if err != nil {
		return nil, fmt.Errorf("model: session: %w", err)
	}
	id := uuid.New()
	s := &Session{
		id:      id,
		m:       m,
		st:      m.newState(cache),
		log:     m.log.With("session", id.String()),
		system:  system,
		pending: -1,
		decoder: tokenizer.NewStreamDecoder(m.vocab),
	}
	m.metrics.SessionOpened()
	s.log.Debug("session opened", "cache_bytes", cache.Bytes(), "capacity", m.ctxLen)
	return s, nil
}

func (s *Session) ID() string { return s.id.String() }

// Position is the number of tokens fed since the last reset. It may be
// called while a stream runs.
func (s *Session) Position() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pos
}

// Tokens returns the ids fed since the last reset.
func (s *Session) Tokens() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int(nil), s.history...)
}

// Reset discards the conversation. The system prompt is fed again on the
// next Generate.
func (s *Session) Reset() error {
	if !s.busy.CompareAndSwap(false, true) {
		return ErrSessionBusy
	}
	defer s.busy.Store(false)
	s.reset()
	return nil
}

func (s *Session) reset() {
	s.st.cache.Reset()
	s.mu.Lock()
	s.history = s.history[:0]
	s.pos = 0
	s.mu.Unlock()
	s.pending = -1
	s.systemFed = false
	s.decoder = tokenizer.NewStreamDecoder(s.m.vocab)
	s.evicted = 0
}

// Close releases the session. It does not wait for a running stream.
func (s *Session) Close() error {
	if s.closed.CompareAndSwap(false, true) {
		s.m.metrics.SessionClosed()
		s.log.Debug("session closed", "position", s.Position())
	}
	return nil
}

// Generate returns a stream of tokens continuing prompt. Nothing runs until
// the stream is ranged over, and it can be ranged over once. A failure is
// yielded as the final element with a zero Token.
//
// ctx is checked between forward steps. On cancellation, or on any forward
// failure, the session is reset; tokens already yielded stay valid.
func (s *Session) Generate(ctx context.Context, prompt string, opts GenerateOptions) iter.Seq2[Token, error] {
	var used atomic.Bool
	return func(yield func(Token, error) bool) {
		if used.Swap(true) {
			yield(Token{}, ErrStreamConsumed)
			return
		}
		if s.closed.Load() {
			yield(Token{}, ErrSessionClosed)
			return
		}
		if !s.busy.CompareAndSwap(false, true) {
			yield(Token{}, ErrSessionBusy)
			return
		}
		defer s.busy.Store(false)
		s.generate(ctx, prompt, opts, yield)
	}
}

func (s *Session) generate(ctx context.Context, prompt string, opts GenerateOptions, yield func(Token, error) bool) {
	start := time.Now()
	sampler, err := logits.NewSampler(opts.Sampling)
	if err != nil {
		yield(Token{}, err)
		return
	}
	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}

	input, err := s.input(prompt)
	if err != nil {
		yield(Token{}, err)
		return
	}
	if len(input) == 0 {
		yield(Token{}, fmt.Errorf("model: %w", ErrEmptyPrompt))
		return
	}

	var out []float32
	for _, id := range input {
		if err := ctx.Err(); err != nil {
			s.abort("cancelled", err)
			yield(Token{}, err)
			return
		}
		if out, err = s.step(id); err != nil {
			s.abort(errorKind(err), err)
			yield(Token{}, err)
			return
		}
	}
	s.m.metrics.AddPrompt(len(input))

	produced := 0
	stop := "max_tokens"
	for {
		id, err := sampler.Sample(out, s.history)
		if err != nil {
			s.abort(errorKind(err), err)
			yield(Token{}, err)
			return
		}
		if !opts.IgnoreEOS && s.m.vocab.IsEOS(id) {
			stop = "eos"
			break
		}
		produced++
		s.pending = id
		s.m.metrics.AddGenerated(1)
		if !yield(Token{ID: id, Text: s.decoder.Next(id)}, nil) {
			stop = "consumer"
			break
		}
		if produced >= maxTokens {
			break
		}
		if err := ctx.Err(); err != nil {
			s.abort("cancelled", err)
			yield(Token{}, err)
			return
		}
		s.pending = -1
		if out, err = s.step(id); err != nil {
			s.abort(errorKind(err), err)
			yield(Token{}, err)
			return
		}
	}
	s.log.Debug("generation finished",
		"prompt_tokens", len(input),
		"generated", produced,
		"stop", stop,
		"position", s.pos,
		"duration", time.Since(start),
	)
}

// input tokenizes prompt and prepends what the cache still lacks: the
// last sampled token, BOS in a fresh session, and the system prompt.
func (s *Session) input(prompt string) ([]int, error) {
	var ids []int
	if s.pending >= 0 {
		ids = append(ids, s.pending)
	}
	fresh := s.pos == 0 && s.pending < 0
	if sp := s.m.vocab.Special(); fresh && sp.AddBOS && sp.BOS >= 0 {
		ids = append(ids, sp.BOS)
	}
	if !s.systemFed && s.system != "" {
		sys, err := s.m.vocab.Encode(s.system)
		if err != nil {
			return nil, err
		}
		ids = append(ids, sys...)
	}
	text, err := s.m.vocab.Encode(prompt)
	if err != nil {
		return nil, err
	}
	s.pending = -1
	s.systemFed = true
	return append(ids, text...), nil
}

// ForwardToken feeds one token at the next position and returns the
// logits, which are overwritten by the next step.
func (s *Session) ForwardToken(id int) ([]float32, error) {
	if !s.busy.CompareAndSwap(false, true) {
		return nil, ErrSessionBusy
	}
	defer s.busy.Store(false)
	if s.pending >= 0 {
		if _, err := s.step(s.pending); err != nil {
			return nil, err
		}
		s.pending = -1
	}
	return s.step(id)
}

func (s *Session) step(id int) ([]float32, error) {
	if s.closed.Load() {
		return nil, ErrSessionClosed
	}
	out, err := s.m.forward(s.st, id, s.pos)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.pos++
	s.history = append(s.history, id)
	s.mu.Unlock()
	if ev := s.st.cache.Evictions(); ev > s.evicted {
		s.m.metrics.AddEvictions((ev - s.evicted) / (s.m.hp.Layers * s.m.hp.KVHeads))
		s.evicted = ev
	}
	return out, nil
}

func (s *Session) abort(kind string, err error) {
	s.reset()
	s.m.metrics.Error(kind)
	if errors.Is(err, kvcache.ErrCacheOverflow) {
		s.m.metrics.CacheOverflow()
	}
	s.log.Warn("generation aborted", "kind", kind, "error", err)
}

func errorKind(err error) string {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	case errors.Is(err, kvcache.ErrCacheOverflow):
		return "cache_overflow"
	case errors.Is(err, ErrUnloaded):
		return "unloaded"
	case errors.Is(err, ErrSessionClosed):
		return "session_closed"
	case errors.Is(err, tensor.ErrDimension):
		return "dimension"
	default:
		return "internal"
	}
}
