package model

import (
	"errors"
	"fmt"
	"slices"

	"github.com/bizclaw/brain/internal/gguf"
)

var (
	// ErrUnsupportedArchitecture is returned for general.architecture values
	// outside the llama family.
	ErrUnsupportedArchitecture = errors.New("unsupported architecture")

	// ErrInvalidHyperparams reports metadata that cannot describe a model.
	ErrInvalidHyperparams = errors.New("invalid hyperparameters")
)

// Architectures lists the general.architecture values this engine runs.
var Architectures = []string{"llama", "mistral"}

// DefaultRMSEpsilon applies when the model does not declare one.
const DefaultRMSEpsilon = 1e-5

// Hyperparams are the shape parameters read from {arch}.* metadata.
type Hyperparams struct {
	Arch       string  `json:"arch"`
	Embedding  int     `json:"embedding_length"`
	Layers     int     `json:"block_count"`
	Heads      int     `json:"head_count"`
	KVHeads    int     `json:"head_count_kv"`
	HeadDim    int     `json:"key_length"`
	FeedFwd    int     `json:"feed_forward_length"`
	Context    int     `json:"context_length"`
	Vocab      int     `json:"vocab_size"`
	RMSEpsilon float32 `json:"rms_epsilon"`
	RopeBase   float64 `json:"rope_freq_base"`
}

// QDim is the width of the concatenated query heads.
func (h Hyperparams) QDim() int { return h.Heads * h.HeadDim }

// KVDim is the width of the concatenated key (or value) heads.
func (h Hyperparams) KVDim() int { return h.KVHeads * h.HeadDim }

// HyperparamsFromMetadata reads the hyperparameters of the architecture
// named by general.architecture. Vocab is left zero; it comes from the
// embedding tensor.
func HyperparamsFromMetadata(md gguf.Metadata) (Hyperparams, error) {
	arch := md.Architecture()
	if !slices.Contains(Architectures, arch) {
		return Hyperparams{}, fmt.Errorf("model: %w: %q", ErrUnsupportedArchitecture, arch)
	}
	h := Hyperparams{Arch: arch}
	key := func(k string) string { return arch + "." + k }

	required := []struct {
		key string
		dst *int
	}{
		{"embedding_length", &h.Embedding},
		{"block_count", &h.Layers},
		{"attention.head_count", &h.Heads},
		{"context_length", &h.Context},
		{"feed_forward_length", &h.FeedFwd},
	}
	for _, r := range required {
		v, err := md.Uint(key(r.key))
		if err != nil {
			return Hyperparams{}, fmt.Errorf("model: %w", err)
		}
		if v > 1<<31 {
			return Hyperparams{}, fmt.Errorf("model: %w: %s=%d", ErrInvalidHyperparams, key(r.key), v)
		}
		*r.dst = int(v)
	}

	kv, err := optionalUint(md, key("attention.head_count_kv"))
	if err != nil {
		return Hyperparams{}, err
	}
	h.KVHeads = h.Heads
	if kv > 0 {
		h.KVHeads = int(min(kv, 1<<31))
	}
	hd, err := optionalUint(md, key("attention.key_length"))
	if err != nil {
		return Hyperparams{}, err
	}
	if h.Heads > 0 {
		h.HeadDim = h.Embedding / h.Heads
	}
	if hd > 0 {
		h.HeadDim = int(min(hd, 1<<31))
	}

	h.RMSEpsilon = DefaultRMSEpsilon
	if v, err := md.Float(key("attention.layer_norm_rms_epsilon")); err == nil {
		h.RMSEpsilon = float32(v)
	} else if !errors.Is(err, gguf.ErrMissingKey) {
		return Hyperparams{}, fmt.Errorf("model: %w", err)
	}
	if v, err := md.Float(key("rope.freq_base")); err == nil {
		h.RopeBase = v
	} else if !errors.Is(err, gguf.ErrMissingKey) {
		return Hyperparams{}, fmt.Errorf("model: %w", err)
	}
	return h, h.Validate()
}

func optionalUint(md gguf.Metadata, key string) (uint64, error) {
	v, err := md.Uint(key)
	if errors.Is(err, gguf.ErrMissingKey) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("model: %w", err)
	}
	return v, nil
}

// Validate checks the relations the forward pass relies on.
func (h Hyperparams) Validate() error {
	bad := func(format string, args ...any) error {
		return fmt.Errorf("model: %w: %s", ErrInvalidHyperparams, fmt.Sprintf(format, args...))
	}
	switch {
	case h.Embedding <= 0:
		return bad("embedding_length %d", h.Embedding)
	case h.Layers <= 0:
		return bad("block_count %d", h.Layers)
	case h.Heads <= 0 || h.KVHeads <= 0:
		return bad("head_count %d, head_count_kv %d", h.Heads, h.KVHeads)
	case h.Heads%h.KVHeads != 0:
		return bad("head_count %d not a multiple of head_count_kv %d", h.Heads, h.KVHeads)
	case h.HeadDim <= 0 || h.HeadDim%2 != 0:
		return bad("head dimension %d must be positive and even", h.HeadDim)
	case h.FeedFwd <= 0:
		return bad("feed_forward_length %d", h.FeedFwd)
	case h.Context <= 0:
		return bad("context_length %d", h.Context)
	case !(h.RMSEpsilon > 0):
		return bad("rms epsilon %v", h.RMSEpsilon)
	case h.RopeBase < 0:
		return bad("rope base %v", h.RopeBase)
	}
	return nil
}
