package main

import (
	"github.com/urfave/cli/v3"

	"github.com/bizclaw/brain/internal/config"
)

var (
	configFile string
	logLevel   string
	logFormat  string
	debug      bool

	modelPath     string
	modelsDir     string
	threads       int64
	contextLength int64
	cacheOverflow string
	memoryLimitMB int64
	prefetch      bool

	temperature   float64
	topK          int64
	topP          float64
	repeatPenalty float64
	repeatLastN   int64
	seed          int64
	maxTokens     int64
	ignoreEOS     bool
)

func globalFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "config",
			Usage:       "path to brain.yaml (default $BIZCLAW_HOME/brain.yaml)",
			Destination: &configFile,
		},
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "log level (debug, info, warn, error)",
			Value:       "info",
			Destination: &logLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "log format (pretty, json, text, none)",
			Value:       "pretty",
			Destination: &logFormat,
		},
		&cli.BoolFlag{
			Name:        "debug",
			Usage:       "enable debug logging (shorthand for --log-level=debug)",
			Destination: &debug,
		},
	}
}

func modelsDirFlag() cli.Flag {
	return &cli.StringFlag{
		Name:        "models-dir",
		Aliases:     []string{"path"},
		Usage:       "directory containing .gguf models",
		Sources:     cli.EnvVars(config.EnvModelsDir),
		Destination: &modelsDir,
	}
}

func modelFlags() []cli.Flag {
	def := config.Default()
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "model",
			Aliases:     []string{"m"},
			Usage:       "path to a .gguf file",
			Destination: &modelPath,
		},
		modelsDirFlag(),
		&cli.Int64Flag{
			Name:        "threads",
			Aliases:     []string{"t"},
			Usage:       "compute threads (0 = GOMAXPROCS)",
			Destination: &threads,
		},
		&cli.Int64Flag{
			Name:        "context",
			Aliases:     []string{"ctx", "c"},
			Usage:       "KV cache length per session (0 = model default, at most 2048)",
			Destination: &contextLength,
		},
		&cli.StringFlag{
			Name:        "cache-overflow",
			Usage:       "what to do when the KV cache is full (fail, evict)",
			Value:       def.CacheOverflow,
			Destination: &cacheOverflow,
		},
		&cli.Int64Flag{
			Name:        "memory-limit",
			Usage:       "KV cache budget per session in MiB (0 = unlimited)",
			Destination: &memoryLimitMB,
		},
		&cli.BoolFlag{
			Name:        "prefetch",
			Usage:       "ask the kernel to read the model file ahead",
			Destination: &prefetch,
		},
	}
}

func samplingFlags() []cli.Flag {
	def := config.Default().Sampling
	return []cli.Flag{
		&cli.Float64Flag{
			Name:        "temperature",
			Aliases:     []string{"temp"},
			Usage:       "sampling temperature (0 = greedy)",
			Value:       float64(def.Temperature),
			Destination: &temperature,
		},
		&cli.Int64Flag{
			Name:        "top-k",
			Usage:       "keep the k most likely tokens (0 = all)",
			Value:       int64(def.TopK),
			Destination: &topK,
		},
		&cli.Float64Flag{
			Name:        "top-p",
			Usage:       "nucleus sampling threshold",
			Value:       float64(def.TopP),
			Destination: &topP,
		},
		&cli.Float64Flag{
			Name:        "repeat-penalty",
			Usage:       "penalty for recently generated tokens (1 = off)",
			Value:       float64(def.RepeatPenalty),
			Destination: &repeatPenalty,
		},
		&cli.Int64Flag{
			Name:        "repeat-last-n",
			Usage:       "window the repeat penalty looks back over",
			Value:       int64(def.RepeatLastN),
			Destination: &repeatLastN,
		},
		&cli.Int64Flag{
			Name:        "seed",
			Usage:       "random seed",
			Destination: &seed,
		},
		&cli.Int64Flag{
			Name:        "max-tokens",
			Aliases:     []string{"n"},
			Usage:       "maximum tokens to generate",
			Value:       int64(def.MaxTokens),
			Destination: &maxTokens,
		},
		&cli.BoolFlag{
			Name:        "ignore-eos",
			Usage:       "keep generating past the end-of-sequence token",
			Destination: &ignoreEOS,
		},
	}
}
