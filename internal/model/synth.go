package model

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/bizclaw/brain/internal/gguf"
	"github.com/bizclaw/brain/internal/quant"
	"github.com/bizclaw/brain/internal/tensor"
	"github.com/bizclaw/brain/internal/tokenizer"
)

// SynthConfig describes a randomly initialized llama model, used to
// exercise the engine without downloading weights.
type SynthConfig struct {
	Seed      uint64
	Kind      quant.Kind // encoding of the projection and embedding matrices
	Layers    int
	Heads     int
	KVHeads   int
	Embedding int
	FeedFwd   int
	Context   int
	Tied      bool // omit output.weight

	// Kinds overrides Kind per tensor name. Kinds without an encoder are
	// written zero-filled.
	Kinds map[string]quant.Kind
}

func DefaultSynthConfig() SynthConfig {
	return SynthConfig{
		Seed:      1,
		Kind:      quant.Q8_0,
		Layers:    2,
		Heads:     4,
		KVHeads:   2,
		Embedding: 32,
		FeedFwd:   64,
		Context:   64,
	}
}

// synthMerges are byte-level merges over the escaped alphabet, where Ġ
// stands for a space.
var synthMerges = []string{"Ġ t", "h e", "Ġt he", "i n", "e r", "a n", "o n", "Ġ a"}

const (
	synthBOS = "<s>"
	synthEOS = "</s>"
)

// synthVocab is the 256 byte tokens, BOS, EOS and one token per merge.
func synthVocab() ([]string, []int32) {
	tokens := make([]string, 0, 258+len(synthMerges))
	types := make([]int32, 0, cap(tokens))
	for b := range 256 {
		tokens = append(tokens, string(tokenizer.ByteRune(byte(b))))
		types = append(types, tokenizer.TypeNormal)
	}
	tokens = append(tokens, synthBOS, synthEOS)
	types = append(types, tokenizer.TypeControl, tokenizer.TypeControl)
	for _, m := range synthMerges {
		a, b, _ := strings.Cut(m, " ")
		tokens = append(tokens, a+b)
		types = append(types, tokenizer.TypeNormal)
	}
	return tokens, types
}

// newSynthWriter lays out the metadata and tensors of cfg.
func newSynthWriter(cfg SynthConfig) (*gguf.Writer, error) {
	hp := Hyperparams{
		Arch:       "llama",
		Embedding:  cfg.Embedding,
		Layers:     cfg.Layers,
		Heads:      cfg.Heads,
		KVHeads:    cfg.KVHeads,
		FeedFwd:    cfg.FeedFwd,
		Context:    cfg.Context,
		RMSEpsilon: DefaultRMSEpsilon,
		RopeBase:   10000,
	}
	if cfg.Heads > 0 {
		hp.HeadDim = cfg.Embedding / cfg.Heads
	}
	if err := hp.Validate(); err != nil {
		return nil, err
	}
	tokens, types := synthVocab()

	w := gguf.NewWriter()
	arch := func(k string) string { return "llama." + k }
	w.Set("general.architecture", gguf.String("llama"))
	w.Set("general.name", gguf.String("synthetic"))
	w.Set(arch("embedding_length"), gguf.Uint32(uint32(hp.Embedding)))
	w.Set(arch("block_count"), gguf.Uint32(uint32(hp.Layers)))
	w.Set(arch("attention.head_count"), gguf.Uint32(uint32(hp.Heads)))
	w.Set(arch("attention.head_count_kv"), gguf.Uint32(uint32(hp.KVHeads)))
	w.Set(arch("context_length"), gguf.Uint32(uint32(hp.Context)))
	w.Set(arch("feed_forward_length"), gguf.Uint32(uint32(hp.FeedFwd)))
	w.Set(arch("attention.layer_norm_rms_epsilon"), gguf.Float32(hp.RMSEpsilon))
	w.Set(arch("rope.freq_base"), gguf.Float32(float32(hp.RopeBase)))
	w.Set("tokenizer.ggml.model", gguf.String("gpt2"))
	w.Set("tokenizer.ggml.pre", gguf.String("gpt2"))
	w.Set("tokenizer.ggml.tokens", gguf.Strings(tokens))
	w.Set("tokenizer.ggml.token_type", gguf.Int32s(types))
	w.Set("tokenizer.ggml.merges", gguf.Strings(synthMerges))
	w.Set("tokenizer.ggml.bos_token_id", gguf.Uint32(256))
	w.Set("tokenizer.ggml.eos_token_id", gguf.Uint32(257))
	w.Set("tokenizer.ggml.add_bos_token", gguf.Bool(true))

	seed := cfg.Seed
	matrix := func(name string, rows, cols int) error {
		seed++
		kind := cfg.Kind
		if k, ok := cfg.Kinds[name]; ok {
			kind = k
		}
		m := tensor.NewMat(rows, cols)
		tensor.FillRand(&m, seed, 0.5)
		data, err := quant.Quantize(m.Data, kind)
		if err != nil && kind.Known() && !kind.Supported() {
			size, serr := quant.ByteSize(kind, uint64(rows*cols))
			if serr != nil {
				return serr
			}
			data, err = make([]byte, size), nil
		}
		if err != nil {
			return fmt.Errorf("model: synth %s: %w", name, err)
		}
		return w.AddTensor(name, []uint64{uint64(cols), uint64(rows)}, kind, data)
	}
	norm := func(name string) error {
		ones := make([]float32, hp.Embedding)
		for i := range ones {
			ones[i] = 1
		}
		return w.AddTensor(name, []uint64{uint64(hp.Embedding)}, quant.F32, quant.EncodeF32(ones))
	}

	if err := matrix(tokenEmbdName, len(tokens), hp.Embedding); err != nil {
		return nil, err
	}
	for i := range hp.Layers {
		for _, n := range []string{"attn_norm", "ffn_norm"} {
			if err := norm(blockName(i, n)); err != nil {
				return nil, err
			}
		}
		for _, t := range []struct {
			part       string
			rows, cols int
		}{
			{"attn_q", hp.QDim(), hp.Embedding},
			{"attn_k", hp.KVDim(), hp.Embedding},
			{"attn_v", hp.KVDim(), hp.Embedding},
			{"attn_output", hp.Embedding, hp.QDim()},
			{"ffn_gate", hp.FeedFwd, hp.Embedding},
			{"ffn_up", hp.FeedFwd, hp.Embedding},
			{"ffn_down", hp.Embedding, hp.FeedFwd},
		} {
			if err := matrix(blockName(i, t.part), t.rows, t.cols); err != nil {
				return nil, err
			}
		}
	}
	if err := norm(outputNormName); err != nil {
		return nil, err
	}
	if !cfg.Tied {
		if err := matrix(outputName, len(tokens), hp.Embedding); err != nil {
			return nil, err
		}
	}
	return w, nil
}

// Synthesize writes the model described by cfg to out.
func Synthesize(out io.Writer, cfg SynthConfig) error {
	w, err := newSynthWriter(cfg)
	if err != nil {
		return err
	}
	_, err = w.WriteTo(out)
	return err
}

// SynthesizeFile writes the model described by cfg to path.
func SynthesizeFile(path string, cfg SynthConfig) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := Synthesize(f, cfg); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
