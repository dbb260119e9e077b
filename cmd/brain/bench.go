package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"runtime"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/bizclaw/brain/internal/logger"
	"github.com/bizclaw/brain/pkg/brain"
)

type benchResult struct {
	Tokens     int
	FirstToken time.Duration
	Duration   time.Duration
}

// GenTPS excludes the time to the first token, which includes the prompt.
func (r benchResult) GenTPS() float64 {
	gen := r.Duration - r.FirstToken
	if r.Tokens < 2 || gen <= 0 {
		return 0
	}
	return float64(r.Tokens-1) / gen.Seconds()
}

func (r benchResult) TPS() float64 {
	if r.Duration <= 0 {
		return 0
	}
	return float64(r.Tokens) / r.Duration.Seconds()
}

func benchCmd() *cli.Command {
	var (
		warmupRuns int64
		benchRuns  int64
		prompt     string
	)

	flags := append(modelFlags(), samplingFlags()...)
	flags = append(flags,
		&cli.Int64Flag{
			Name:        "warmup",
			Usage:       "number of warmup runs",
			Value:       1,
			Destination: &warmupRuns,
		},
		&cli.Int64Flag{
			Name:        "runs",
			Usage:       "number of benchmark runs",
			Value:       3,
			Destination: &benchRuns,
		},
		&cli.StringFlag{
			Name:        "prompt",
			Aliases:     []string{"p"},
			Usage:       "prompt text for benchmarking",
			Value:       "Explain the theory of relativity in simple terms.",
			Destination: &prompt,
		},
	)

	return &cli.Command{
		Name:    "bench",
		Aliases: []string{"benchmark"},
		Usage:   "Measure prompt and generation throughput",
		Flags:   flags,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			applyRunConfig(cmd, loadedConfig)
			if !cmd.IsSet("max-tokens") {
				maxTokens = 128
			}

			path, err := resolveModelPath(modelPath, modelsDir, os.Stdin, os.Stderr)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: resolve model: %v", err), 1)
			}

			log.Info("loading model for benchmark", "path", path)
			loadStart := time.Now()
			h, err := brain.LoadModel(path, brainConfig(log))
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: load model: %v", err), 1)
			}
			defer func() { _ = h.Unload() }()
			loadDuration := time.Since(loadStart)

			in := h.Info()
			sc := samplingConfig()
			sc.IgnoreEOS = true
			out := os.Stdout
			_, _ = fmt.Fprintln(out, "=== Brain Benchmark ===")
			_, _ = fmt.Fprintf(out, "Model:      %s (%s)\n", path, formatModelSize(in.FileSize))
			_, _ = fmt.Fprintf(out, "Arch:       %s, %d layers, context %d\n", in.Architecture, in.Layers, in.ContextLength)
			_, _ = fmt.Fprintf(out, "CPUs:       %d\n", runtime.NumCPU())
			_, _ = fmt.Fprintf(out, "GOMAXPROCS: %d\n", runtime.GOMAXPROCS(0))
			_, _ = fmt.Fprintf(out, "Load:       %s\n", loadDuration.Round(time.Millisecond))
			_, _ = fmt.Fprintf(out, "Tokens:     %d\n", sc.MaxTokens)
			_, _ = fmt.Fprintf(out, "Warmup:     %d runs\n", warmupRuns)
			_, _ = fmt.Fprintf(out, "Runs:       %d\n\n", benchRuns)

			for i := range int(warmupRuns) {
				log.Info("warmup run", "run", i+1)
				if _, err := benchRun(ctx, h, prompt, sc); err != nil {
					return cli.Exit(fmt.Sprintf("error: warmup run %d: %v", i+1, err), 1)
				}
			}

			results := make([]benchResult, 0, benchRuns)
			for i := range int(benchRuns) {
				log.Info("benchmark run", "run", i+1)
				r, err := benchRun(ctx, h, prompt, sc)
				if err != nil {
					return cli.Exit(fmt.Sprintf("error: benchmark run %d: %v", i+1, err), 1)
				}
				results = append(results, r)
			}
			printBenchResults(out, results)

			var mem runtime.MemStats
			runtime.ReadMemStats(&mem)
			_, _ = fmt.Fprintf(out, "\nMemory: %.1f MB alloc, %.1f MB sys\n",
				float64(mem.Alloc)/(1024*1024),
				float64(mem.Sys)/(1024*1024))
			return nil
		},
	}
}

// benchRun generates in a fresh session so every run starts from an empty
// cache.
func benchRun(ctx context.Context, h *brain.Handle, prompt string, sc brain.SamplingConfig) (benchResult, error) {
	s, err := h.StartSessionContext(ctx, "")
	if err != nil {
		return benchResult{}, err
	}
	defer func() { _ = s.Close() }()

	var r benchResult
	start := time.Now()
	for _, err := range s.Generate(ctx, prompt, sc) {
		if err != nil {
			return r, err
		}
		if r.Tokens == 0 {
			r.FirstToken = time.Since(start)
		}
		r.Tokens++
	}
	r.Duration = time.Since(start)
	return r, nil
}

func printBenchResults(w io.Writer, results []benchResult) {
	_, _ = fmt.Fprintln(w, "=== Results ===")
	_, _ = fmt.Fprintf(w, "%-6s %10s %10s %10s %10s %8s\n", "Run", "First", "Gen", "Total", "Duration", "Tokens")
	_, _ = fmt.Fprintf(w, "%-6s %10s %10s %10s %10s %8s\n", "---", "", "tps", "tps", "", "")

	var sumFirst time.Duration
	var sumGen, sumTPS float64
	for i, r := range results {
		_, _ = fmt.Fprintf(w, "%-6d %10s %10.2f %10.2f %10s %8d\n",
			i+1, r.FirstToken.Round(time.Millisecond), r.GenTPS(), r.TPS(), r.Duration.Round(time.Millisecond), r.Tokens)
		sumFirst += r.FirstToken
		sumGen += r.GenTPS()
		sumTPS += r.TPS()
	}
	if len(results) == 0 {
		return
	}
	n := float64(len(results))
	_, _ = fmt.Fprintf(w, "\n%-6s %10s %10.2f %10.2f\n", "Avg",
		(sumFirst / time.Duration(len(results))).Round(time.Millisecond), sumGen/n, sumTPS/n)
}
