package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"runtime/pprof"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"github.com/urfave/cli/v3"

	"github.com/bizclaw/brain/internal/logger"
	"github.com/bizclaw/brain/pkg/brain"
)

type genStats struct {
	Tokens   int
	Duration time.Duration
}

func (s genStats) TPS() float64 {
	if s.Duration <= 0 {
		return 0
	}
	return float64(s.Tokens) / s.Duration.Seconds()
}

// event is one line of --json output.
type event struct {
	Type       string  `json:"type"`
	TokenID    int     `json:"token_id,omitempty"`
	Text       string  `json:"text,omitempty"`
	Tokens     int     `json:"tokens,omitempty"`
	DurationMS float64 `json:"duration_ms,omitempty"`
	TPS        float64 `json:"tps,omitempty"`
	Error      string  `json:"error,omitempty"`
}

func runCmd() *cli.Command {
	var (
		prompt      string
		system      string
		streamMode  string
		rawOutput   bool
		jsonOut     bool
		showMetrics bool
		interactive bool
		cpuProfile  string
		memProfile  string
	)

	flags := append(modelFlags(), samplingFlags()...)
	flags = append(flags,
		&cli.StringFlag{
			Name:        "prompt",
			Aliases:     []string{"p"},
			Usage:       "prompt text",
			Destination: &prompt,
		},
		&cli.StringFlag{
			Name:        "system",
			Aliases:     []string{"sys"},
			Usage:       "system prompt fed once at the start of the session",
			Destination: &system,
		},
		&cli.BoolFlag{
			Name:        "interactive",
			Aliases:     []string{"i"},
			Usage:       "read prompts from stdin, one per line, in one session",
			Destination: &interactive,
		},
		&cli.StringFlag{
			Name:        "stream-mode",
			Usage:       "output mode (instant, smooth, quiet)",
			Value:       string(StreamInstant),
			Destination: &streamMode,
		},
		&cli.BoolFlag{
			Name:        "raw",
			Usage:       "escape control characters in the output",
			Destination: &rawOutput,
		},
		&cli.BoolFlag{
			Name:        "json",
			Usage:       "print one JSON event per token",
			Destination: &jsonOut,
		},
		&cli.BoolFlag{
			Name:        "metrics",
			Usage:       "print Prometheus metrics to stderr when done",
			Destination: &showMetrics,
		},
		&cli.StringFlag{
			Name:        "cpuprofile",
			Usage:       "write cpu profile to file",
			Destination: &cpuProfile,
		},
		&cli.StringFlag{
			Name:        "memprofile",
			Usage:       "write memory profile to file",
			Destination: &memProfile,
		},
	)

	return &cli.Command{
		Name:  "run",
		Usage: "Generate text from a prompt",
		Flags: flags,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			applyRunConfig(cmd, loadedConfig)

			if strings.TrimSpace(prompt) == "" && !interactive {
				return cli.Exit("error: --prompt is required unless --interactive is set", 1)
			}
			mode, err := parseStreamMode(streamMode)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}

			if cpuProfile != "" {
				f, err := os.Create(cpuProfile)
				if err != nil {
					return cli.Exit(fmt.Sprintf("could not create CPU profile: %v", err), 1)
				}
				defer func() { _ = f.Close() }()
				if err := pprof.StartCPUProfile(f); err != nil {
					return cli.Exit(fmt.Sprintf("could not start CPU profile: %v", err), 1)
				}
				defer pprof.StopCPUProfile()
			}
			if memProfile != "" {
				defer func() {
					f, err := os.Create(memProfile)
					if err != nil {
						fmt.Fprintf(os.Stderr, "could not create memory profile: %v\n", err)
						return
					}
					defer func() { _ = f.Close() }()
					if err := pprof.WriteHeapProfile(f); err != nil {
						fmt.Fprintf(os.Stderr, "could not write memory profile: %v\n", err)
					}
				}()
			}

			path, err := resolveModelPath(modelPath, modelsDir, os.Stdin, os.Stderr)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: resolve model: %v", err), 1)
			}

			cfg := brainConfig(log)
			var reg *prometheus.Registry
			if showMetrics {
				reg = prometheus.NewRegistry()
				cfg.Registerer = reg
			}
			loadStart := time.Now()
			h, err := brain.LoadModel(path, cfg)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: load model: %v", err), 1)
			}
			defer func() { _ = h.Unload() }()
			if !jsonOut {
				fmt.Fprintf(os.Stderr, "Model loaded in %s\n", time.Since(loadStart).Round(time.Millisecond))
			}

			s, err := h.StartSession(system)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: start session: %v", err), 1)
			}
			defer func() { _ = s.Close() }()

			sc := samplingConfig()
			if interactive {
				err = chat(ctx, s, sc, os.Stdin, os.Stdout, mode, rawOutput)
			} else if jsonOut {
				_, err = generateJSON(ctx, s, prompt, sc, os.Stdout)
			} else {
				var stats genStats
				sw := NewStreamWriter(os.Stdout, mode, rawOutput)
				stats, err = generateText(ctx, s, prompt, sc, sw)
				fmt.Println()
				fmt.Fprintf(os.Stderr, "Stats: %.2f TPS (%d tokens in %s)\n", stats.TPS(), stats.Tokens, stats.Duration.Round(time.Millisecond))
			}

			if showMetrics {
				if merr := writeMetrics(os.Stderr, reg); merr != nil {
					log.Warn("write metrics", "error", merr)
				}
			}
			if errors.Is(err, context.Canceled) {
				fmt.Fprintln(os.Stderr, "interrupted")
				return nil
			}
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: generate: %v", err), 1)
			}
			return nil
		},
	}
}

// generateText streams one reply through sw.
func generateText(ctx context.Context, s *brain.Session, prompt string, sc brain.SamplingConfig, sw *StreamWriter) (genStats, error) {
	start := time.Now()
	var stats genStats
	defer sw.Flush()
	for chunk, err := range s.Generate(ctx, prompt, sc) {
		if err != nil {
			stats.Duration = time.Since(start)
			return stats, err
		}
		sw.Write(chunk.Text)
		stats.Tokens++
	}
	stats.Duration = time.Since(start)
	return stats, nil
}

// generateJSON writes one token event per chunk, then a done or error event.
func generateJSON(ctx context.Context, s *brain.Session, prompt string, sc brain.SamplingConfig, w io.Writer) (genStats, error) {
	enc := json.NewEncoder(w)
	start := time.Now()
	var stats genStats
	var genErr error
	for chunk, err := range s.Generate(ctx, prompt, sc) {
		if err != nil {
			genErr = err
			break
		}
		stats.Tokens++
		if err := enc.Encode(event{Type: "token", TokenID: chunk.TokenID, Text: chunk.Text}); err != nil {
			return stats, err
		}
	}
	stats.Duration = time.Since(start)
	last := event{
		Type:       "done",
		Tokens:     stats.Tokens,
		DurationMS: float64(stats.Duration.Microseconds()) / 1000,
		TPS:        stats.TPS(),
	}
	if genErr != nil {
		last.Type, last.Error = "error", genErr.Error()
	}
	if err := enc.Encode(last); err != nil {
		return stats, err
	}
	return stats, genErr
}

// chat reads one prompt per line and answers each in the same session.
// "/reset" clears the conversation and "/exit" ends the loop.
func chat(ctx context.Context, s *brain.Session, sc brain.SamplingConfig, in io.Reader, out io.Writer, mode StreamMode, raw bool) error {
	sw := NewStreamWriter(out, mode, raw)
	scanner := bufio.NewScanner(in)
	for {
		_, _ = fmt.Fprint(out, "> ")
		if !scanner.Scan() {
			_, _ = fmt.Fprintln(out)
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		switch line {
		case "":
			continue
		case "/exit", "/quit":
			return nil
		case "/reset":
			if err := s.Reset(); err != nil {
				return err
			}
			_, _ = fmt.Fprintln(out, "(conversation reset)")
			continue
		}
		_, err := generateText(ctx, s, line, sc, sw)
		sw.Reset()
		_, _ = fmt.Fprintln(out)
		if err != nil {
			return err
		}
	}
}

func writeMetrics(w io.Writer, reg prometheus.Gatherer) error {
	families, err := reg.Gather()
	if err != nil {
		return err
	}
	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return err
		}
	}
	return nil
}
