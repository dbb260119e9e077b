package main

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/urfave/cli/v3"

	"github.com/bizclaw/brain/internal/config"
	"github.com/bizclaw/brain/internal/model"
	"github.com/bizclaw/brain/pkg/brain"
)

func greedy(n int) brain.SamplingConfig {
	return brain.SamplingConfig{MaxTokens: n, IgnoreEOS: true}
}

func loadHandle(t *testing.T, cfg brain.Config) *brain.Handle {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tiny.gguf")
	writeModel(t, path)
	h, err := brain.LoadModel(path, cfg)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = h.Unload() })
	return h
}

func startSession(t *testing.T, h *brain.Handle) *brain.Session {
	t.Helper()
	s, err := h.StartSession("")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func decodeEvents(t *testing.T, out []byte) []event {
	t.Helper()
	var events []event
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		var ev event
		if err := json.Unmarshal(sc.Bytes(), &ev); err != nil {
			t.Fatalf("decode %q: %v", sc.Text(), err)
		}
		events = append(events, ev)
	}
	return events
}

func TestGenerateJSON(t *testing.T) {
	t.Parallel()
	h := loadHandle(t, brain.Config{Sampling: greedy(4)})
	var buf bytes.Buffer
	stats, err := generateJSON(context.Background(), startSession(t, h), "the", greedy(4), &buf)
	if err != nil {
		t.Fatal(err)
	}
	events := decodeEvents(t, buf.Bytes())
	if len(events) != 5 || stats.Tokens != 4 {
		t.Fatalf("got %d events, %d tokens", len(events), stats.Tokens)
	}
	for _, ev := range events[:4] {
		if ev.Type != "token" {
			t.Fatalf("event %+v", ev)
		}
	}
	if last := events[4]; last.Type != "done" || last.Tokens != 4 || last.Error != "" {
		t.Fatalf("last event %+v", last)
	}

	want, err := h.Complete(context.Background(), "the", 4)
	if err != nil {
		t.Fatal(err)
	}
	var text strings.Builder
	for _, ev := range events[:4] {
		text.WriteString(ev.Text)
	}
	if text.String() != want {
		t.Fatalf("streamed %q, Complete returned %q", text.String(), want)
	}
}

func TestGenerateJSONCancelled(t *testing.T) {
	t.Parallel()
	h := loadHandle(t, brain.Config{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var buf bytes.Buffer
	_, err := generateJSON(ctx, startSession(t, h), "the", greedy(4), &buf)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v", err)
	}
	events := decodeEvents(t, buf.Bytes())
	if len(events) != 1 || events[0].Type != "error" || events[0].Error == "" {
		t.Fatalf("events = %+v", events)
	}
}

func TestGenerateText(t *testing.T) {
	t.Parallel()
	h := loadHandle(t, brain.Config{})
	var buf bytes.Buffer
	sw := NewStreamWriter(&buf, StreamQuiet, false)
	stats, err := generateText(context.Background(), startSession(t, h), "on", greedy(6), sw)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Tokens != 6 || stats.Duration <= 0 {
		t.Fatalf("stats = %+v", stats)
	}
	if buf.String() != sw.Flush() {
		t.Fatalf("output %q differs from accumulated text", buf.String())
	}
}

func TestChat(t *testing.T) {
	t.Parallel()
	h := loadHandle(t, brain.Config{})
	s := startSession(t, h)
	in := strings.NewReader("the\n\n/reset\non\n/exit\nignored\n")
	var out bytes.Buffer
	if err := chat(context.Background(), s, greedy(3), in, &out, StreamInstant, true); err != nil {
		t.Fatal(err)
	}
	got := out.String()
	if strings.Count(got, "> ") < 5 {
		t.Fatalf("expected five prompts in %q", got)
	}
	if !strings.Contains(got, "(conversation reset)") {
		t.Fatalf("missing reset notice in %q", got)
	}
}

func TestChatEOF(t *testing.T) {
	t.Parallel()
	h := loadHandle(t, brain.Config{})
	var out bytes.Buffer
	if err := chat(context.Background(), startSession(t, h), greedy(2), strings.NewReader("the"), &out, StreamQuiet, false); err != nil {
		t.Fatal(err)
	}
}

func TestSelfTest(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "tiny.gguf")
	writeModel(t, path)
	var out bytes.Buffer
	if err := selfTest(context.Background(), &out, path, "hello", brain.Config{Sampling: greedy(10)}); err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"Model:  " + path, "llama, 2 layers, 4 heads, vocab 266", `Prompt: "hello"`} {
		if !strings.Contains(out.String(), want) {
			t.Fatalf("missing %q in %q", want, out.String())
		}
	}

	err := selfTest(context.Background(), &out, filepath.Join(t.TempDir(), "absent.gguf"), "hello", brain.Config{})
	var exit cli.ExitCoder
	if !errors.As(err, &exit) || exit.ExitCode() != 1 {
		t.Fatalf("missing model: %v", err)
	}
}

func TestWriteMetrics(t *testing.T) {
	t.Parallel()
	reg := prometheus.NewRegistry()
	h := loadHandle(t, brain.Config{Registerer: reg, Sampling: greedy(3)})
	if _, err := h.Complete(context.Background(), "the", 3); err != nil {
		t.Fatal(err)
	}
	var buf bytes.Buffer
	if err := writeMetrics(&buf, reg); err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{
		"brain_tokens_generated_total 3",
		"brain_forward_duration_seconds_count",
		"brain_model_load_duration_seconds_count 1",
		"brain_sessions_total 1",
	} {
		if !strings.Contains(buf.String(), want) {
			t.Fatalf("missing %q in:\n%s", want, buf.String())
		}
	}
}

func TestGenStatsTPS(t *testing.T) {
	t.Parallel()
	if got := (genStats{Tokens: 10, Duration: 2 * time.Second}).TPS(); got != 5 {
		t.Fatalf("TPS = %v", got)
	}
	if got := (genStats{Tokens: 10}).TPS(); got != 0 {
		t.Fatalf("TPS with no duration = %v", got)
	}
}

func TestApplyRunConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Threads = 3
	cfg.CacheOverflow = "evict"
	cfg.MemoryLimitMB = 8
	cfg.Sampling.Temperature = 0.2
	cfg.Sampling.TopK = 7
	cfg.Sampling.Seed = 99
	cfg.Sampling.MaxTokens = 12

	cmd := &cli.Command{
		Name:  "run",
		Flags: append(modelFlags(), samplingFlags()...),
		Action: func(ctx context.Context, c *cli.Command) error {
			applyRunConfig(c, cfg)
			return nil
		},
	}
	if err := cmd.Run(context.Background(), []string{"run", "--top-k", "3", "--threads", "2"}); err != nil {
		t.Fatal(err)
	}

	got := brainConfig(nil)
	got.Logger = nil
	want := brain.Config{
		Threads:       2,
		MaxSessions:   1,
		MemoryLimit:   8 << 20,
		CacheOverflow: "evict",
		Sampling: brain.SamplingConfig{
			Seed:          99,
			Temperature:   0.2,
			TopK:          3,
			TopP:          cfg.Sampling.TopP,
			RepeatPenalty: cfg.Sampling.RepeatPenalty,
			RepeatLastN:   cfg.Sampling.RepeatLastN,
			MaxTokens:     12,
		},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("config (-want +got):\n%s", diff)
	}
}

func TestPrintBenchResults(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	printBenchResults(&buf, []benchResult{
		{Tokens: 11, FirstToken: time.Second, Duration: 3 * time.Second},
		{Tokens: 1, FirstToken: time.Second, Duration: time.Second},
	})
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 7 {
		t.Fatalf("got %d lines:\n%s", len(lines), buf.String())
	}
	if !strings.HasPrefix(lines[3], "1") || !strings.Contains(lines[3], "5.00") {
		t.Fatalf("first run line %q", lines[3])
	}
	if !strings.HasPrefix(lines[6], "Avg") {
		t.Fatalf("average line %q", lines[6])
	}
}

func TestPrintInfo(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "tiny.gguf")
	writeModel(t, path)
	m, err := model.Load(path, model.Options{Threads: 1})
	if err != nil {
		t.Fatal(err)
	}
	defer m.Close()

	out := infoOutput{
		Info:        m.Info(),
		Metadata:    metadataStrings(m.Metadata()),
		TensorTable: tensorRows(m.Tensors(), "blk.1."),
	}
	if len(out.TensorTable) != 9 {
		t.Fatalf("got %d blk.1 tensors", len(out.TensorTable))
	}
	var buf bytes.Buffer
	printInfo(&buf, out, m.Vocabulary().Special(), m.Vocabulary().Merges())
	for _, want := range []string{
		"architecture:            llama",
		"block_count:             2",
		"vocab_size:              266",
		"merges:                  8",
		"general.architecture",
		"blk.1.ffn_down.weight",
		"[32, 64]",
	} {
		if !strings.Contains(buf.String(), want) {
			t.Fatalf("missing %q in:\n%s", want, buf.String())
		}
	}

	var js bytes.Buffer
	if err := writeJSON(&js, out); err != nil {
		t.Fatal(err)
	}
	var back map[string]any
	if err := json.Unmarshal(js.Bytes(), &back); err != nil {
		t.Fatal(err)
	}
	if back["tensors"] != float64(21) {
		t.Fatalf("tensors = %v", back["tensors"])
	}
}

// testApp reports cli.Exit errors instead of exiting the process.
func testApp() *cli.Command {
	app := newApp()
	app.ExitErrHandler = func(context.Context, *cli.Command, error) {}
	return app
}

func TestSynthCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "q4.gguf")
	args := []string{
		"brain", "--config", filepath.Join(t.TempDir(), "absent.yaml"), "--log-format", "none",
		"synth", "--out", path, "--quant", "q4_0", "--layers", "1",
	}
	if err := testApp().Run(context.Background(), args); err != nil {
		t.Fatal(err)
	}
	m, err := model.Load(path, model.Options{Threads: 1})
	if err != nil {
		t.Fatal(err)
	}
	defer m.Close()
	in := m.Info()
	if in.Hyperparams.Layers != 1 || in.Quantization["Q4_0"] == 0 {
		t.Fatalf("info = %+v", in)
	}

	args[len(args)-3] = "q4_k"
	if err := testApp().Run(context.Background(), args); err == nil {
		t.Fatal("expected error for an unsupported encoding")
	}
}
