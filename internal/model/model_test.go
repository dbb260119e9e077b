package model

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/sync/errgroup"

	"github.com/bizclaw/brain/internal/gguf"
	"github.com/bizclaw/brain/internal/kvcache"
	"github.com/bizclaw/brain/internal/logits"
	"github.com/bizclaw/brain/internal/mmap"
	"github.com/bizclaw/brain/internal/quant"
	"github.com/bizclaw/brain/internal/tensor"
	"github.com/bizclaw/brain/internal/tokenizer"
)

func writeModel(t testing.TB, w *gguf.Writer) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "model.gguf")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := w.WriteTo(f); err != nil {
		t.Fatal(err)
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}
	return path
}

func synthModel(t testing.TB, cfg SynthConfig, opts Options) *Model {
	t.Helper()
	path := filepath.Join(t.TempDir(), "synth.gguf")
	if err := SynthesizeFile(path, cfg); err != nil {
		t.Fatal(err)
	}
	m, err := Load(path, opts)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { m.Close() })
	return m
}

func newSession(t testing.TB, m *Model, system string) *Session {
	t.Helper()
	s, err := m.NewSession(system)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func collect(seq iter.Seq2[Token, error]) ([]int, error) {
	var ids []int
	for tok, err := range seq {
		if err != nil {
			return ids, err
		}
		ids = append(ids, tok.ID)
	}
	return ids, nil
}

func greedy(n int) GenerateOptions {
	return GenerateOptions{Sampling: logits.Config{Temperature: 0}, MaxTokens: n, IgnoreEOS: true}
}

func generate(t *testing.T, s *Session, prompt string, opts GenerateOptions) []int {
	t.Helper()
	ids, err := collect(s.Generate(context.Background(), prompt, opts))
	if err != nil {
		t.Fatal(err)
	}
	return ids
}

func TestLoadSynthetic(t *testing.T) {
	t.Parallel()
	for _, kind := range []quant.Kind{quant.F32, quant.F16, quant.Q8_0, quant.Q4_0} {
		t.Run(kind.String(), func(t *testing.T) {
			t.Parallel()
			cfg := DefaultSynthConfig()
			cfg.Kind = kind
			m := synthModel(t, cfg, Options{Threads: 2})

			info := m.Info()
			want := Hyperparams{
				Arch:       "llama",
				Embedding:  32,
				Layers:     2,
				Heads:      4,
				KVHeads:    2,
				HeadDim:    8,
				FeedFwd:    64,
				Context:    64,
				Vocab:      266,
				RMSEpsilon: DefaultRMSEpsilon,
				RopeBase:   10000,
			}
			if diff := cmp.Diff(want, info.Hyperparams); diff != "" {
				t.Fatalf("hyperparams (-want +got):\n%s", diff)
			}
			if info.Tensors != 21 || info.TiedOutput || info.Tokenizer != "gpt2" || info.ContextLength != 64 {
				t.Fatalf("info = %+v", info)
			}
			matrices := 16
			if kind == quant.F32 {
				matrices += 5
			}
			if info.Name != "synthetic" || info.Quantization[kind.String()] != matrices {
				t.Fatalf("info = %+v", info)
			}

			ids := generate(t, newSession(t, m, ""), "the", greedy(4))
			if len(ids) != 4 {
				t.Fatalf("generated %d tokens, want 4", len(ids))
			}
			for _, id := range ids {
				if id < 0 || id >= want.Vocab {
					t.Fatalf("token %d outside vocabulary", id)
				}
			}
		})
	}
}

// greedyAnswer is the greedy continuation of "the answer" on the default
// synthetic model.
var greedyAnswer = []int{129, 248, 248, 248, 65, 47, 178, 138, 163, 61, 61, 61}

func TestGreedyGolden(t *testing.T) {
	t.Parallel()
	for _, threads := range []int{1, 4} {
		m := synthModel(t, DefaultSynthConfig(), Options{Threads: threads})
		got := generate(t, newSession(t, m, ""), "the answer", greedy(len(greedyAnswer)))
		if diff := cmp.Diff(greedyAnswer, got); diff != "" {
			t.Fatalf("threads=%d (-want +got):\n%s", threads, diff)
		}
	}
}

func TestGreedyReproducible(t *testing.T) {
	t.Parallel()
	cfg := DefaultSynthConfig()
	path := filepath.Join(t.TempDir(), "synth.gguf")
	if err := SynthesizeFile(path, cfg); err != nil {
		t.Fatal(err)
	}
	var runs [][]int
	for range 2 {
		m, err := Load(path, Options{})
		if err != nil {
			t.Fatal(err)
		}
		for range 2 {
			runs = append(runs, generate(t, newSession(t, m, ""), "the answer", greedy(12)))
		}
		m.Close()
	}
	for i := 1; i < len(runs); i++ {
		if diff := cmp.Diff(runs[0], runs[i]); diff != "" {
			t.Fatalf("run %d differs (-first +got):\n%s", i, diff)
		}
	}
}

func TestSeededSamplingReproducible(t *testing.T) {
	t.Parallel()
	m := synthModel(t, DefaultSynthConfig(), Options{})
	opts := GenerateOptions{Sampling: logits.DefaultConfig(), MaxTokens: 16, IgnoreEOS: true}
	opts.Sampling.Seed = 7
	a := generate(t, newSession(t, m, ""), "on", opts)
	b := generate(t, newSession(t, m, ""), "on", opts)
	if diff := cmp.Diff(a, b); diff != "" {
		t.Fatalf("same seed differs (-a +b):\n%s", diff)
	}
}

func TestGenerateIsLazyAndSingleUse(t *testing.T) {
	t.Parallel()
	m := synthModel(t, DefaultSynthConfig(), Options{})
	s := newSession(t, m, "")

	stream := s.Generate(context.Background(), "the", greedy(2))
	if s.Position() != 0 {
		t.Fatalf("Position = %d before ranging", s.Position())
	}
	if ids, err := collect(stream); err != nil || len(ids) != 2 {
		t.Fatalf("first range: %v, %v", ids, err)
	}

	var n int
	for tok, err := range stream {
		n++
		if !errors.Is(err, ErrStreamConsumed) || tok != (Token{}) {
			t.Fatalf("second range yielded %+v, %v", tok, err)
		}
	}
	if n != 1 {
		t.Fatalf("second range yielded %d elements", n)
	}
}

func TestSessionBusy(t *testing.T) {
	t.Parallel()
	m := synthModel(t, DefaultSynthConfig(), Options{})
	s := newSession(t, m, "")

	for _, err := range s.Generate(context.Background(), "the", greedy(3)) {
		if err != nil {
			t.Fatal(err)
		}
		_, err := collect(s.Generate(context.Background(), "in", greedy(1)))
		if !errors.Is(err, ErrSessionBusy) {
			t.Fatalf("nested generate: %v, want ErrSessionBusy", err)
		}
		if err := s.Reset(); !errors.Is(err, ErrSessionBusy) {
			t.Fatalf("Reset while generating: %v", err)
		}
	}
	if err := s.Reset(); err != nil {
		t.Fatal(err)
	}
}

func TestContinuation(t *testing.T) {
	t.Parallel()
	m := synthModel(t, DefaultSynthConfig(), Options{})

	whole := generate(t, newSession(t, m, ""), "the", greedy(6))

	s := newSession(t, m, "")
	first := generate(t, s, "the", greedy(3))
	// BOS, "t", "he", then two fed tokens; the third is held back.
	if s.Position() != 5 {
		t.Fatalf("Position = %d, want 5", s.Position())
	}
	bos := m.Vocabulary().Special().BOS
	if got := s.Tokens(); got[0] != bos || !cmp.Equal(got[3:], first[:2]) {
		t.Fatalf("Tokens = %v", got)
	}
	second := generate(t, s, "", greedy(3))
	if diff := cmp.Diff(whole, append(first, second...)); diff != "" {
		t.Fatalf("continuation (-whole +split):\n%s", diff)
	}
	if s.Position() != 8 {
		t.Fatalf("Position = %d, want 8", s.Position())
	}
}

func TestSystemPrompt(t *testing.T) {
	t.Parallel()
	m := synthModel(t, DefaultSynthConfig(), Options{})
	s := newSession(t, m, "in an")

	generate(t, s, "the", greedy(1))
	sys, err := m.Vocabulary().Encode("in an")
	if err != nil {
		t.Fatal(err)
	}
	prompt, _ := m.Vocabulary().Encode("the")
	want := append([]int{m.Vocabulary().Special().BOS}, sys...)
	want = append(want, prompt...)
	if diff := cmp.Diff(want, s.Tokens()); diff != "" {
		t.Fatalf("tokens (-want +got):\n%s", diff)
	}

	if err := s.Reset(); err != nil {
		t.Fatal(err)
	}
	if s.Position() != 0 || len(s.Tokens()) != 0 {
		t.Fatalf("after Reset: position %d, tokens %v", s.Position(), s.Tokens())
	}
	generate(t, s, "the", greedy(1))
	if diff := cmp.Diff(want, s.Tokens()); diff != "" {
		t.Fatalf("tokens after reset (-want +got):\n%s", diff)
	}
}

func TestCancellation(t *testing.T) {
	t.Parallel()
	m := synthModel(t, DefaultSynthConfig(), Options{})
	s := newSession(t, m, "")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var got []Token
	var gotErr error
	for tok, err := range s.Generate(ctx, "the", greedy(10)) {
		if err != nil {
			gotErr = err
			break
		}
		got = append(got, tok)
		cancel()
	}
	if len(got) != 1 || !errors.Is(gotErr, context.Canceled) {
		t.Fatalf("got %d tokens, err %v", len(got), gotErr)
	}
	if s.Position() != 0 {
		t.Fatalf("cache not discarded: position %d", s.Position())
	}

	ids, err := collect(s.Generate(ctx, "the", greedy(10)))
	if len(ids) != 0 || !errors.Is(err, context.Canceled) {
		t.Fatalf("pre-cancelled: %v, %v", ids, err)
	}
	if ids := generate(t, s, "the", greedy(2)); len(ids) != 2 {
		t.Fatalf("session unusable after cancel: %v", ids)
	}
}

func TestCacheOverflowFail(t *testing.T) {
	t.Parallel()
	m := synthModel(t, DefaultSynthConfig(), Options{ContextLength: 4, CacheOverflow: kvcache.Fail})
	s := newSession(t, m, "")

	// Three prompt tokens leave room for one generated token to be fed.
	ids, err := collect(s.Generate(context.Background(), "the", greedy(10)))
	if len(ids) != 2 || !errors.Is(err, kvcache.ErrCacheOverflow) {
		t.Fatalf("got %v, %v", ids, err)
	}
	var se *StageError
	if !errors.As(err, &se) || se.Layer != 0 || se.Stage != "attention" {
		t.Fatalf("err = %#v", err)
	}
	if s.Position() != 0 {
		t.Fatalf("position %d after overflow", s.Position())
	}
}

func TestCacheEvictOldest(t *testing.T) {
	t.Parallel()
	m := synthModel(t, DefaultSynthConfig(), Options{ContextLength: 4, CacheOverflow: kvcache.EvictOldest})
	s := newSession(t, m, "")

	ids := generate(t, s, "the", greedy(10))
	if len(ids) != 10 || s.Position() != 12 {
		t.Fatalf("generated %d, position %d", len(ids), s.Position())
	}
}

func TestContextLengthClamped(t *testing.T) {
	t.Parallel()
	m := synthModel(t, DefaultSynthConfig(), Options{ContextLength: 1 << 20})
	if m.ContextLength() != 64 {
		t.Fatalf("ContextLength = %d", m.ContextLength())
	}
}

func TestSessionMemoryLimit(t *testing.T) {
	t.Parallel()
	m := synthModel(t, DefaultSynthConfig(), Options{MemoryLimit: 1024})
	if _, err := m.NewSession(""); !errors.Is(err, kvcache.ErrOutOfMemory) {
		t.Fatalf("NewSession: %v", err)
	}
}

func TestConcurrentSessions(t *testing.T) {
	t.Parallel()
	m := synthModel(t, DefaultSynthConfig(), Options{Threads: 4})
	want := greedyAnswer[:8]

	got := make([][]int, 6)
	var g errgroup.Group
	for i := range got {
		g.Go(func() error {
			s, err := m.NewSession("")
			if err != nil {
				return err
			}
			defer s.Close()
			got[i], err = collect(s.Generate(context.Background(), "the answer", greedy(8)))
			return err
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
	for i, ids := range got {
		if diff := cmp.Diff(want, ids); diff != "" {
			t.Fatalf("session %d (-want +got):\n%s", i, diff)
		}
	}
}

func TestSessionReadsDuringStream(t *testing.T) {
	t.Parallel()
	m := synthModel(t, DefaultSynthConfig(), Options{})
	s := newSession(t, m, "")

	done := make(chan struct{})
	var g errgroup.Group
	g.Go(func() error {
		last := 0
		for {
			select {
			case <-done:
				return nil
			default:
			}
			pos := s.Position()
			if pos < last {
				return fmt.Errorf("position went from %d to %d", last, pos)
			}
			last = pos
			if n := len(s.Tokens()); n < last {
				return fmt.Errorf("%d tokens at position %d", n, last)
			}
		}
	})
	ids := generate(t, s, "the answer", greedy(6))
	close(done)
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
	if got := s.Tokens(); len(got) != s.Position() || got[len(got)-1] != ids[len(ids)-2] {
		t.Fatalf("Tokens = %v at position %d after %v", got, s.Position(), ids)
	}
}

func TestUnload(t *testing.T) {
	t.Parallel()
	m := synthModel(t, DefaultSynthConfig(), Options{})
	s := newSession(t, m, "")
	generate(t, s, "the", greedy(1))

	if err := m.Close(); err != nil {
		t.Fatal(err)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if _, err := m.NewSession(""); !errors.Is(err, ErrUnloaded) {
		t.Fatalf("NewSession after Close: %v", err)
	}
	if _, err := collect(s.Generate(context.Background(), "in", greedy(1))); !errors.Is(err, ErrUnloaded) {
		t.Fatalf("Generate after Close: %v", err)
	}
	if _, err := s.ForwardToken(0); !errors.Is(err, ErrUnloaded) {
		t.Fatalf("ForwardToken after Close: %v", err)
	}
}

func TestClosedSession(t *testing.T) {
	t.Parallel()
	m := synthModel(t, DefaultSynthConfig(), Options{})
	s, err := m.NewSession("")
	if err != nil {
		t.Fatal(err)
	}
	s.Close()
	if _, err := collect(s.Generate(context.Background(), "the", greedy(1))); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("Generate on closed session: %v", err)
	}
}

func TestForwardToken(t *testing.T) {
	t.Parallel()
	m := synthModel(t, DefaultSynthConfig(), Options{})
	s := newSession(t, m, "")

	out, err := s.ForwardToken(m.Vocabulary().Special().BOS)
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != m.Hyperparams().Vocab || s.Position() != 1 {
		t.Fatalf("logits %d, position %d", len(out), s.Position())
	}

	_, err = s.ForwardToken(m.Hyperparams().Vocab)
	var se *StageError
	if !errors.As(err, &se) || se.Stage != "embed" || se.Layer != -1 {
		t.Fatalf("out of range token: %v", err)
	}
	if s.Position() != 1 {
		t.Fatalf("failed step advanced position to %d", s.Position())
	}
}

func TestEmptyPrompt(t *testing.T) {
	t.Parallel()
	m := synthModel(t, DefaultSynthConfig(), Options{})
	if ids := generate(t, newSession(t, m, ""), "", greedy(2)); len(ids) != 2 {
		t.Fatalf("BOS-only prompt generated %v", ids)
	}

	w, err := newSynthWriter(DefaultSynthConfig())
	if err != nil {
		t.Fatal(err)
	}
	w.Set("tokenizer.ggml.add_bos_token", gguf.Bool(false))
	noBOS, err := Load(writeModel(t, w), Options{})
	if err != nil {
		t.Fatal(err)
	}
	defer noBOS.Close()
	if _, err := collect(newSession(t, noBOS, "").Generate(context.Background(), "", greedy(2))); !errors.Is(err, ErrEmptyPrompt) {
		t.Fatalf("empty prompt without BOS: %v", err)
	}
}

func TestInvalidSampling(t *testing.T) {
	t.Parallel()
	m := synthModel(t, DefaultSynthConfig(), Options{})
	opts := greedy(1)
	opts.Sampling.TopP = 2
	if _, err := collect(newSession(t, m, "").Generate(context.Background(), "the", opts)); !errors.Is(err, logits.ErrInvalidConfig) {
		t.Fatalf("err = %v", err)
	}
}

func TestTiedOutput(t *testing.T) {
	t.Parallel()
	cfg := DefaultSynthConfig()
	cfg.Tied = true
	m := synthModel(t, cfg, Options{})
	if info := m.Info(); !info.TiedOutput || info.Tensors != 20 {
		t.Fatalf("info = %+v", info)
	}
	if ids := generate(t, newSession(t, m, ""), "the", greedy(3)); len(ids) != 3 {
		t.Fatalf("generated %v", ids)
	}
}

func TestLoadErrors(t *testing.T) {
	t.Parallel()
	synth := func(cfg SynthConfig, edit func(w *gguf.Writer) error) string {
		w, err := newSynthWriter(cfg)
		if err != nil {
			t.Fatal(err)
		}
		if edit != nil {
			if err := edit(w); err != nil {
				t.Fatal(err)
			}
		}
		return writeModel(t, w)
	}
	set := func(key string, v gguf.Value) func(*gguf.Writer) error {
		return func(w *gguf.Writer) error {
			w.Set(key, v)
			return nil
		}
	}
	unsupported := DefaultSynthConfig()
	unsupported.Kinds = map[string]quant.Kind{blockName(1, "ffn_down"): quant.Q4_K}
	tokens, types := synthVocab()

	truncated := filepath.Join(t.TempDir(), "truncated.gguf")
	if err := os.WriteFile(truncated, []byte("GGUF\x03\x00\x00\x00\x01"), 0o644); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		path string
		want error
	}{
		{"missing file", filepath.Join(t.TempDir(), "absent.gguf"), mmap.ErrNotFound},
		{"truncated", truncated, gguf.ErrTruncatedData},
		{"architecture", synth(DefaultSynthConfig(), set("general.architecture", gguf.String("falcon"))), ErrUnsupportedArchitecture},
		{"missing key", synth(DefaultSynthConfig(), set("general.architecture", gguf.String("mistral"))), gguf.ErrMissingKey},
		{"bias", synth(DefaultSynthConfig(), func(w *gguf.Writer) error {
			return w.AddTensor("blk.0.attn_q.bias", []uint64{32}, quant.F32, make([]byte, 128))
		}), ErrUnsupportedArchitecture},
		{"quantization", synth(unsupported, nil), quant.ErrUnsupportedQuantization},
		{"missing tensor", synth(DefaultSynthConfig(), set("llama.block_count", gguf.Uint32(3))), ErrMissingTensor},
		{"shape", synth(DefaultSynthConfig(), set("llama.feed_forward_length", gguf.Uint32(96))), tensor.ErrDimension},
		{"vocabulary size", synth(DefaultSynthConfig(), func(w *gguf.Writer) error {
			w.Set("tokenizer.ggml.tokens", gguf.Strings(append(tokens, "extra")))
			w.Set("tokenizer.ggml.token_type", gguf.Int32s(append(types, tokenizer.TypeNormal)))
			return nil
		}), ErrInvalidHyperparams},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := Load(tt.path, Options{})
			if err == nil {
				m.Close()
				t.Fatal("expected error")
			}
			if !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestHyperparamsValidate(t *testing.T) {
	t.Parallel()
	base := Hyperparams{
		Arch: "llama", Embedding: 32, Layers: 1, Heads: 4, KVHeads: 2, HeadDim: 8,
		FeedFwd: 64, Context: 16, RMSEpsilon: 1e-5, RopeBase: 10000,
	}
	if err := base.Validate(); err != nil {
		t.Fatal(err)
	}
	tests := []struct {
		name string
		edit func(*Hyperparams)
	}{
		{"heads not multiple of kv heads", func(h *Hyperparams) { h.KVHeads = 3 }},
		{"odd head dim", func(h *Hyperparams) { h.HeadDim = 7 }},
		{"zero layers", func(h *Hyperparams) { h.Layers = 0 }},
		{"zero epsilon", func(h *Hyperparams) { h.RMSEpsilon = 0 }},
		{"zero context", func(h *Hyperparams) { h.Context = 0 }},
	}
	for _, tt := range tests {
		h := base
		tt.edit(&h)
		if err := h.Validate(); !errors.Is(err, ErrInvalidHyperparams) {
			t.Errorf("%s: err = %v", tt.name, err)
		}
	}
}

func TestStageErrorMessage(t *testing.T) {
	t.Parallel()
	err := &StageError{Layer: 3, Stage: "feed_forward", Err: kvcache.ErrCacheOverflow}
	if err.Error() != "forward layer 3 feed_forward: kv cache overflow" {
		t.Fatalf("Error() = %q", err.Error())
	}
	if !errors.Is(err, kvcache.ErrCacheOverflow) {
		t.Fatal("StageError does not unwrap")
	}
	top := &StageError{Layer: -1, Stage: "output", Err: errors.New("x")}
	if top.Error() != "forward output: x" {
		t.Fatalf("Error() = %q", top.Error())
	}
}

func BenchmarkForward(b *testing.B) {
	m := synthModel(b, DefaultSynthConfig(), Options{Threads: 2, CacheOverflow: kvcache.EvictOldest})
	s := newSession(b, m, "")
	tok := m.Vocabulary().Special().BOS
	for b.Loop() {
		if _, err := s.ForwardToken(tok); err != nil {
			b.Fatal(err)
		}
	}
}
