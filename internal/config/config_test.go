package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/bizclaw/brain/internal/kvcache"
	"github.com/google/go-cmp/cmp"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), FileName)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDefaultIsValid(t *testing.T) {
	t.Parallel()
	if err := Default().Validate(); err != nil {
		t.Fatal(err)
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(Default(), cfg); diff != "" {
		t.Fatalf("config (-want +got):\n%s", diff)
	}
}

func TestLoadMergesOverDefaults(t *testing.T) {
	t.Parallel()
	path := writeFile(t, `
threads: 2
cache_overflow: evict
sampling:
  temperature: 0
  seed: 42
log:
  format: json
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	want := Default()
	want.Threads = 2
	want.CacheOverflow = "evict"
	want.Sampling.Temperature = 0
	want.Sampling.Seed = 42
	want.Log.Format = "json"
	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Fatalf("config (-want +got):\n%s", diff)
	}
	if p, _ := cfg.Policy(); p != kvcache.EvictOldest {
		t.Fatalf("Policy = %v", p)
	}
	if sc := cfg.SamplingConfig(); sc.Seed != 42 || sc.Temperature != 0 || sc.TopK != want.Sampling.TopK {
		t.Fatalf("SamplingConfig = %+v", sc)
	}
}

func TestLoadRejects(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		body string
	}{
		{"unknown key", "treads: 4\n"},
		{"malformed", "threads: [\n"},
		{"wrong type", "threads: many\n"},
		{"invalid value", "max_sessions: 0\n"},
	}
	for _, tt := range tests {
		if _, err := Load(writeFile(t, tt.body)); err == nil {
			t.Errorf("%s: expected error", tt.name)
		}
	}
}

func TestEmptyFile(t *testing.T) {
	t.Parallel()
	cfg, err := Load(writeFile(t, ""))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.MaxSessions != Default().MaxSessions {
		t.Fatalf("MaxSessions = %d", cfg.MaxSessions)
	}
}

func TestValidateCollectsFields(t *testing.T) {
	t.Parallel()
	cfg := Default()
	cfg.Threads = -1
	cfg.CacheOverflow = "grow"
	cfg.Sampling.TopP = 2
	cfg.Log.Format = "xml"
	err := cfg.Validate()

	var fields []string
	for _, e := range err.(interface{ Unwrap() []error }).Unwrap() {
		var fe *FieldError
		if !errors.As(e, &fe) {
			t.Fatalf("%v is not a *FieldError", e)
		}
		fields = append(fields, fe.Field)
	}
	want := []string{"threads", "cache_overflow", "sampling.top_p", "log.format"}
	if diff := cmp.Diff(want, fields); diff != "" {
		t.Fatalf("fields (-want +got):\n%s", diff)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	t.Parallel()
	cfg := Default()
	cfg.ModelPath = "/models/tiny.gguf"
	cfg.MemoryLimitMB = 64
	path := filepath.Join(t.TempDir(), "nested", FileName)
	if err := cfg.Save(path); err != nil {
		t.Fatal(err)
	}
	got, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(cfg, got); diff != "" {
		t.Fatalf("config (-want +got):\n%s", diff)
	}
	if got.MemoryLimit() != 64<<20 {
		t.Fatalf("MemoryLimit = %d", got.MemoryLimit())
	}
}

func TestPathsFromEnvironment(t *testing.T) {
	home := t.TempDir()
	t.Setenv(EnvHome, home)
	t.Setenv(EnvModelsDir, "")
	if got := Path(); got != filepath.Join(home, FileName) {
		t.Fatalf("Path = %q", got)
	}

	cfg := Default()
	cfg.ModelsDir = ""
	if got := cfg.ModelsDirPath(); got != filepath.Join(home, "models") {
		t.Fatalf("ModelsDirPath = %q", got)
	}
	t.Setenv(EnvModelsDir, "/srv/models")
	if got := cfg.ModelsDirPath(); got != "/srv/models" {
		t.Fatalf("ModelsDirPath with override = %q", got)
	}
}

func TestExpandHome(t *testing.T) {
	t.Parallel()
	userHome, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}
	if got := ExpandHome("~/x"); got != filepath.Join(userHome, "x") {
		t.Fatalf("ExpandHome = %q", got)
	}
	for _, p := range []string{"/abs", "rel/~", "~user"} {
		if got := ExpandHome(p); got != p {
			t.Fatalf("ExpandHome(%q) = %q", p, got)
		}
	}
	if !strings.HasPrefix(Default().ModelsDir, "~") {
		t.Fatal("default models dir should be home relative")
	}
}
