// Package config loads the engine's YAML configuration file.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/bizclaw/brain/internal/kvcache"
	"github.com/bizclaw/brain/internal/logits"
)

const (
	EnvHome      = "BIZCLAW_HOME"
	EnvModelsDir = "BIZCLAW_MODELS_DIR"

	FileName = "brain.yaml"
)

type Config struct {
	Enabled       bool     `yaml:"enabled"`
	ModelPath     string   `yaml:"model_path"`
	ModelsDir     string   `yaml:"models_dir"`
	Threads       int      `yaml:"threads"`
	ContextLength int      `yaml:"context_length"`
	MaxSessions   int      `yaml:"max_sessions"`
	MemoryLimitMB int64    `yaml:"memory_limit_mb"`
	CacheOverflow string   `yaml:"cache_overflow"`
	Sampling      Sampling `yaml:"sampling"`
	Log           Log      `yaml:"log"`
}

type Sampling struct {
	Temperature   float32 `yaml:"temperature"`
	TopK          int     `yaml:"top_k"`
	TopP          float32 `yaml:"top_p"`
	RepeatPenalty float32 `yaml:"repeat_penalty"`
	RepeatLastN   int     `yaml:"repeat_last_n"`
	Seed          uint64  `yaml:"seed"`
	MaxTokens     int     `yaml:"max_tokens"`
}

type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the configuration used when no file exists.
func Default() Config {
	s := logits.DefaultConfig()
	return Config{
		Enabled:       true,
		ModelsDir:     filepath.Join("~", ".bizclaw", "models"),
		MaxSessions:   4,
		CacheOverflow: kvcache.Fail.String(),
		Sampling: Sampling{
			Temperature:   s.Temperature,
			TopK:          s.TopK,
			TopP:          s.TopP,
			RepeatPenalty: s.RepeatPenalty,
			RepeatLastN:   s.RepeatLastN,
			MaxTokens:     256,
		},
		Log: Log{Level: "info", Format: "pretty"},
	}
}

// Home returns $BIZCLAW_HOME, or ~/.bizclaw.
func Home() string {
	if h := strings.TrimSpace(os.Getenv(EnvHome)); h != "" {
		return h
	}
	dir, err := os.UserHomeDir()
	if err != nil {
		return ".bizclaw"
	}
	return filepath.Join(dir, ".bizclaw")
}

// Path returns the default configuration file location.
func Path() string { return filepath.Join(Home(), FileName) }

// Load reads path over Default. A missing file is not an error; unknown keys
// and malformed YAML are.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("config: %w", err)
	}
	if err := cfg.decode(bytes.NewReader(data)); err != nil {
		return Default(), fmt.Errorf("config: %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) decode(r io.Reader) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// Save writes c to path as YAML, creating parent directories.
func (c Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

// FieldError reports one invalid setting.
type FieldError struct {
	Field  string
	Reason string
}

func (e *FieldError) Error() string { return e.Field + ": " + e.Reason }

// Validate reports every invalid field, joined.
func (c Config) Validate() error {
	var errs []error
	bad := func(field, format string, args ...any) {
		errs = append(errs, &FieldError{Field: field, Reason: fmt.Sprintf(format, args...)})
	}
	if c.Threads < 0 {
		bad("threads", "must be >= 0, got %d", c.Threads)
	}
	if c.ContextLength < 0 {
		bad("context_length", "must be >= 0, got %d", c.ContextLength)
	}
	if c.MaxSessions < 1 {
		bad("max_sessions", "must be >= 1, got %d", c.MaxSessions)
	}
	if c.MemoryLimitMB < 0 || c.MemoryLimitMB > math.MaxInt64>>20 {
		bad("memory_limit_mb", "out of range: %d", c.MemoryLimitMB)
	}
	if _, err := kvcache.ParsePolicy(c.CacheOverflow); err != nil {
		bad("cache_overflow", "want fail or evict, got %q", c.CacheOverflow)
	}
	if c.Sampling.MaxTokens < 1 {
		bad("sampling.max_tokens", "must be >= 1, got %d", c.Sampling.MaxTokens)
	}
	if err := c.SamplingConfig().Validate(); err != nil {
		var ce *logits.ConfigError
		if errors.As(err, &ce) {
			bad("sampling."+ce.Field, "%s, got %v", ce.Reason, ce.Value)
		} else {
			errs = append(errs, err)
		}
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "pretty", "text", "logfmt", "json", "none", "off":
	default:
		bad("log.format", "unknown format %q", c.Log.Format)
	}
	return errors.Join(errs...)
}

// SamplingConfig converts the sampling section.
func (c Config) SamplingConfig() logits.Config {
	return logits.Config{
		Seed:          c.Sampling.Seed,
		Temperature:   c.Sampling.Temperature,
		TopK:          c.Sampling.TopK,
		TopP:          c.Sampling.TopP,
		RepeatPenalty: c.Sampling.RepeatPenalty,
		RepeatLastN:   c.Sampling.RepeatLastN,
	}
}

// Policy returns the KV cache overflow policy.
func (c Config) Policy() (kvcache.Policy, error) {
	return kvcache.ParsePolicy(c.CacheOverflow)
}

// MemoryLimit returns the KV cache budget in bytes, 0 for none.
func (c Config) MemoryLimit() int64 { return c.MemoryLimitMB << 20 }

// EffectiveThreads resolves 0 to GOMAXPROCS.
func (c Config) EffectiveThreads() int {
	if c.Threads > 0 {
		return c.Threads
	}
	return runtime.GOMAXPROCS(0)
}

// ModelsDirPath returns $BIZCLAW_MODELS_DIR if set, else models_dir with a
// leading ~ expanded.
func (c Config) ModelsDirPath() string {
	if d := strings.TrimSpace(os.Getenv(EnvModelsDir)); d != "" {
		return ExpandHome(d)
	}
	if c.ModelsDir == "" {
		return filepath.Join(Home(), "models")
	}
	return ExpandHome(c.ModelsDir)
}

// ExpandHome replaces a leading "~" with the user's home directory.
func ExpandHome(p string) string {
	if p != "~" && !strings.HasPrefix(p, "~/") && !strings.HasPrefix(p, `~\`) {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(home, p[1:])
}
