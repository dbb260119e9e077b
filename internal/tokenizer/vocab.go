// Package tokenizer maps text to token ids and back using the vocabulary and
// merge table embedded in a model file.
package tokenizer

import (
	"cmp"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/bizclaw/brain/internal/gguf"
)

var (
	// ErrUnknownSymbol is returned by Encode when a symbol is missing from a
	// vocabulary that declares no unknown token.
	ErrUnknownSymbol = errors.New("symbol not in vocabulary")

	// ErrUnsupportedTokenizer is returned for tokenizer.ggml.model values
	// other than gpt2 and llama.
	ErrUnsupportedTokenizer = errors.New("unsupported tokenizer model")
)

// Style selects how text becomes initial symbols and how merges are ranked.
type Style int

const (
	// ByteLevel escapes every byte to a printable rune and merges by the
	// rank of the pair in the merge table (GPT-2 style BPE).
	ByteLevel Style = iota
	// SentencePiece merges runes by token score, marks spaces with U+2581
	// and falls back to <0xXX> byte tokens.
	SentencePiece
)

func (s Style) String() string {
	switch s {
	case ByteLevel:
		return "gpt2"
	case SentencePiece:
		return "llama"
	default:
		return fmt.Sprintf("style(%d)", int(s))
	}
}

// Token types as stored in tokenizer.ggml.token_type.
const (
	TypeNormal      int32 = 1
	TypeUnknown     int32 = 2
	TypeControl     int32 = 3
	TypeUserDefined int32 = 4
	TypeUnused      int32 = 5
	TypeByte        int32 = 6
)

// Special holds the reserved ids. A negative id means the vocabulary does
// not declare that token.
type Special struct {
	BOS, EOS, UNK  int
	AddBOS, AddEOS bool
}

// Options describes a vocabulary beyond its token strings.
type Options struct {
	Style   Style
	Merges  []string  // "left right" lines, rank = index
	Types   []int32   // optional, one per token
	Scores  []float32 // SentencePiece merge priorities
	Special Special
	// Pre names the pre-tokenizer (tokenizer.ggml.pre).
	Pre string
	// SpacePrefix prepends a space marker before SentencePiece encoding.
	SpacePrefix bool
}

type pair struct{ a, b string }

// Vocabulary is a bijection between token strings and ids [0, Len()) plus
// the merge table. It is immutable and safe for concurrent use.
type Vocabulary struct {
	style    Style
	tokens   []string
	types    []int32
	scores   []float32
	ids      map[string]int
	merges   map[pair]int
	special  Special
	specials []string
	splitter *splitter
	spacePre bool
	byteIDs  [256]int

	// ignoreMerges looks whole pre-tokenized pieces up before merging.
	ignoreMerges bool
}

// NewVocabulary validates tokens and builds the lookup tables.
func NewVocabulary(tokens []string, opts Options) (*Vocabulary, error) {
	if len(tokens) == 0 {
		return nil, errors.New("tokenizer: empty token list")
	}
	if opts.Types != nil && len(opts.Types) != len(tokens) {
		return nil, fmt.Errorf("tokenizer: %d token types for %d tokens", len(opts.Types), len(tokens))
	}
	if opts.Scores != nil && len(opts.Scores) != len(tokens) {
		return nil, fmt.Errorf("tokenizer: %d scores for %d tokens", len(opts.Scores), len(tokens))
	}
	if opts.Style == SentencePiece && opts.Scores == nil {
		return nil, errors.New("tokenizer: sentencepiece vocabulary needs token scores")
	}

	v := &Vocabulary{
		style:    opts.Style,
		tokens:   tokens,
		types:    opts.Types,
		scores:   opts.Scores,
		ids:      make(map[string]int, len(tokens)),
		merges:   make(map[pair]int, len(opts.Merges)),
		special:  opts.Special,
		spacePre: opts.SpacePrefix,
	}
	for id, tok := range tokens {
		if prev, dup := v.ids[tok]; dup {
			return nil, fmt.Errorf("tokenizer: token %q appears at ids %d and %d", tok, prev, id)
		}
		v.ids[tok] = id
	}
	for _, which := range []struct {
		name string
		id   int
	}{{"bos", v.special.BOS}, {"eos", v.special.EOS}, {"unk", v.special.UNK}} {
		if which.id >= len(tokens) {
			return nil, fmt.Errorf("tokenizer: %s id %d out of range [0, %d)", which.name, which.id, len(tokens))
		}
	}

	rank := 0
	for _, line := range opts.Merges {
		a, b, ok := strings.Cut(line, " ")
		if !ok || a == "" || b == "" {
			return nil, fmt.Errorf("tokenizer: malformed merge %q", line)
		}
		p := pair{a, b}
		if _, dup := v.merges[p]; !dup {
			v.merges[p] = rank
			rank++
		}
	}

	for i := range v.byteIDs {
		v.byteIDs[i] = -1
		if opts.Style == SentencePiece {
			if id, ok := v.ids[fmt.Sprintf("<0x%02X>", i)]; ok {
				v.byteIDs[i] = id
			}
		}
	}

	v.specials = v.collectSpecials()
	if opts.Style == ByteLevel {
		v.splitter, v.ignoreMerges = newSplitter(opts.Pre)
	}
	return v, nil
}

// FromMetadata builds the vocabulary stored under tokenizer.ggml.*.
func FromMetadata(md gguf.Metadata) (*Vocabulary, error) {
	var opts Options
	switch model, _ := md.Text("tokenizer.ggml.model"); model {
	case "", "gpt2":
		opts.Style = ByteLevel
	case "llama":
		opts.Style = SentencePiece
		opts.SpacePrefix = true
	default:
		return nil, fmt.Errorf("tokenizer: %w: %q", ErrUnsupportedTokenizer, model)
	}

	tokens, err := md.Strings("tokenizer.ggml.tokens")
	if err != nil {
		return nil, fmt.Errorf("tokenizer: %w", err)
	}
	if opts.Merges, err = optional(md.Strings("tokenizer.ggml.merges")); err != nil {
		return nil, err
	}
	if opts.Types, err = optional(md.Int32s("tokenizer.ggml.token_type")); err != nil {
		return nil, err
	}
	if opts.Scores, err = optional(md.Float32s("tokenizer.ggml.scores")); err != nil {
		return nil, err
	}
	opts.Pre, _ = md.Text("tokenizer.ggml.pre")
	if b, err := md.Bool("tokenizer.ggml.add_space_prefix"); err == nil {
		opts.SpacePrefix = b
	}

	id := func(key string) (int, error) {
		u, err := md.Uint(key)
		switch {
		case errors.Is(err, gguf.ErrMissingKey):
			return -1, nil
		case err != nil:
			return 0, fmt.Errorf("tokenizer: %w", err)
		}
		return int(u), nil
	}
	if opts.Special.BOS, err = id("tokenizer.ggml.bos_token_id"); err != nil {
		return nil, err
	}
	if opts.Special.EOS, err = id("tokenizer.ggml.eos_token_id"); err != nil {
		return nil, err
	}
	if opts.Special.UNK, err = id("tokenizer.ggml.unknown_token_id"); err != nil {
		return nil, err
	}
	if opts.Special.UNK < 0 && opts.Types != nil {
		if i := slices.Index(opts.Types, TypeUnknown); i >= 0 {
			opts.Special.UNK = i
		}
	}
	opts.Special.AddBOS = opts.Special.BOS >= 0
	if b, err := md.Bool("tokenizer.ggml.add_bos_token"); err == nil {
		opts.Special.AddBOS = b && opts.Special.BOS >= 0
	}
	if b, err := md.Bool("tokenizer.ggml.add_eos_token"); err == nil {
		opts.Special.AddEOS = b && opts.Special.EOS >= 0
	}
	return NewVocabulary(tokens, opts)
}

func optional[T any](v T, err error) (T, error) {
	if errors.Is(err, gguf.ErrMissingKey) {
		var zero T
		return zero, nil
	}
	if err != nil {
		return v, fmt.Errorf("tokenizer: %w", err)
	}
	return v, nil
}

// collectSpecials returns the tokens matched whole in input text, longest
// first.
func (v *Vocabulary) collectSpecials() []string {
	var out []string
	for id, tok := range v.tokens {
		if tok == "" {
			continue
		}
		if v.types != nil {
			if t := v.types[id]; t == TypeControl || t == TypeUserDefined {
				out = append(out, tok)
			}
			continue
		}
		if len(tok) >= 4 && strings.HasPrefix(tok, "<|") && strings.HasSuffix(tok, "|>") {
			out = append(out, tok)
		}
	}
	slices.SortStableFunc(out, func(a, b string) int { return cmp.Compare(len(b), len(a)) })
	return out
}

func (v *Vocabulary) Len() int         { return len(v.tokens) }
func (v *Vocabulary) Style() Style     { return v.style }
func (v *Vocabulary) Special() Special { return v.special }
func (v *Vocabulary) Merges() int      { return len(v.merges) }
func (v *Vocabulary) ID(tok string) (int, bool) {
	id, ok := v.ids[tok]
	return id, ok
}

// TokenString returns the raw vocabulary entry for id, or "" when id is out
// of range.
func (v *Vocabulary) TokenString(id int) string {
	if id < 0 || id >= len(v.tokens) {
		return ""
	}
	return v.tokens[id]
}

// IsControl reports whether id renders as nothing when decoded.
func (v *Vocabulary) IsControl(id int) bool {
	if v.types != nil && id >= 0 && id < len(v.types) {
		return v.types[id] == TypeControl
	}
	return id >= 0 && (id == v.special.BOS || id == v.special.EOS)
}

// IsEOS reports whether id ends generation.
func (v *Vocabulary) IsEOS(id int) bool { return id >= 0 && id == v.special.EOS }
