package brain

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/bizclaw/brain/internal/config"
	"github.com/bizclaw/brain/internal/gguf"
	"github.com/bizclaw/brain/internal/mmap"
)

// ModelInfo describes a loaded model.
type ModelInfo struct {
	Path            string         `json:"path"`
	Name            string         `json:"name,omitempty"`
	Architecture    string         `json:"architecture"`
	FileSize        int64          `json:"file_size"`
	Parameters      uint64         `json:"parameters"`
	Quantization    map[string]int `json:"quantization"`
	Tokenizer       string         `json:"tokenizer"`
	VocabSize       int            `json:"vocab_size"`
	ContextLength   int            `json:"context_length"`
	EmbeddingLength int            `json:"embedding_length"`
	Layers          int            `json:"layers"`
	Heads           int            `json:"heads"`
	KVHeads         int            `json:"kv_heads"`
	Mapped          bool           `json:"mapped"`
}

func (h *Handle) Info() ModelInfo {
	in := h.m.Info()
	hp := in.Hyperparams
	return ModelInfo{
		Path:            in.Path,
		Name:            in.Name,
		Architecture:    hp.Arch,
		FileSize:        in.FileSize,
		Parameters:      in.Parameters,
		Quantization:    in.Quantization,
		Tokenizer:       in.Tokenizer,
		VocabSize:       hp.Vocab,
		ContextLength:   in.ContextLength,
		EmbeddingLength: hp.Embedding,
		Layers:          hp.Layers,
		Heads:           hp.Heads,
		KVHeads:         hp.KVHeads,
		Mapped:          in.Mapped,
	}
}

// ModelFile is a .gguf file found by ListModels. Error is set when the
// file could not be read as a model container.
type ModelFile struct {
	Path         string `json:"path"`
	Name         string `json:"name"`
	Size         int64  `json:"size"`
	Architecture string `json:"architecture,omitempty"`
	Error        string `json:"error,omitempty"`
}

// DefaultModelsDir is $BIZCLAW_MODELS_DIR, or ~/.bizclaw/models.
func DefaultModelsDir() string {
	return config.Default().ModelsDirPath()
}

// ListModels returns the .gguf files directly inside dir, sorted by name.
// A missing directory holds no models.
func ListModels(dir string) ([]ModelFile, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []ModelFile
	for _, e := range entries {
		if e.IsDir() || !strings.EqualFold(filepath.Ext(e.Name()), ".gguf") {
			continue
		}
		mf := ModelFile{Path: filepath.Join(dir, e.Name()), Name: e.Name()}
		if fi, err := e.Info(); err == nil {
			mf.Size = fi.Size()
		}
		if arch, err := probe(mf.Path); err != nil {
			mf.Error = err.Error()
		} else {
			mf.Architecture = arch
		}
		out = append(out, mf)
	}
	slices.SortFunc(out, func(a, b ModelFile) int { return strings.Compare(a.Name, b.Name) })
	return out, nil
}

// probe parses the container header without resolving any weights.
func probe(path string) (string, error) {
	m, err := mmap.Open(path)
	if err != nil {
		return "", err
	}
	defer m.Close()
	lease, err := m.Acquire()
	if err != nil {
		return "", err
	}
	defer lease.Release()
	whole, err := m.View(0, uint64(m.Size()))
	if err != nil {
		return "", err
	}
	f, err := gguf.Parse(lease.MustBytes(whole))
	if err != nil {
		return "", err
	}
	return f.Metadata.Architecture(), nil
}
