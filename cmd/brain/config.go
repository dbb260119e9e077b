package main

import (
	"context"
	"fmt"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/bizclaw/brain/internal/config"
	"github.com/bizclaw/brain/internal/logger"
	"github.com/bizclaw/brain/pkg/brain"
)

// loadedConfig is the configuration file read by setup.
var loadedConfig = config.Default()

// setup reads the configuration file and installs the logger in the
// context. Flags given on the command line win over the file.
func setup(ctx context.Context, cmd *cli.Command) (context.Context, error) {
	path := configFile
	if path == "" {
		path = config.Path()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return ctx, cli.Exit(fmt.Sprintf("error: %v", err), 1)
	}
	loadedConfig = cfg
	applyLogConfig(cmd, cfg)

	if debug {
		logLevel = "debug"
	}
	level, err := logger.ParseLevel(logLevel)
	if err != nil {
		return ctx, cli.Exit(fmt.Sprintf("error: %v", err), 1)
	}
	log, err := logger.FromFormat(os.Stderr, logFormat, level)
	if err != nil {
		return ctx, cli.Exit(fmt.Sprintf("error: %v", err), 1)
	}
	log.Debug("configuration loaded", "path", path)
	return logger.WithContext(ctx, log), nil
}

func applyLogConfig(c *cli.Command, cfg config.Config) {
	if cfg.Log.Level != "" && !c.IsSet("log-level") {
		logLevel = cfg.Log.Level
	}
	if cfg.Log.Format != "" && !c.IsSet("log-format") {
		logFormat = cfg.Log.Format
	}
}

// applyRunConfig applies config file values to the model and sampling flag
// variables when the corresponding flag was not explicitly set.
func applyRunConfig(c *cli.Command, cfg config.Config) {
	if !c.IsSet("model") && cfg.ModelPath != "" {
		modelPath = config.ExpandHome(cfg.ModelPath)
	}
	if !c.IsSet("models-dir") {
		modelsDir = cfg.ModelsDirPath()
	}
	if !c.IsSet("threads") {
		threads = int64(cfg.Threads)
	}
	if !c.IsSet("context") {
		contextLength = int64(cfg.ContextLength)
	}
	if !c.IsSet("cache-overflow") && cfg.CacheOverflow != "" {
		cacheOverflow = cfg.CacheOverflow
	}
	if !c.IsSet("memory-limit") {
		memoryLimitMB = cfg.MemoryLimitMB
	}

	s := cfg.Sampling
	if !c.IsSet("temperature") {
		temperature = float64(s.Temperature)
	}
	if !c.IsSet("top-k") {
		topK = int64(s.TopK)
	}
	if !c.IsSet("top-p") {
		topP = float64(s.TopP)
	}
	if !c.IsSet("repeat-penalty") {
		repeatPenalty = float64(s.RepeatPenalty)
	}
	if !c.IsSet("repeat-last-n") {
		repeatLastN = int64(s.RepeatLastN)
	}
	if !c.IsSet("seed") {
		seed = int64(s.Seed)
	}
	if !c.IsSet("max-tokens") && s.MaxTokens > 0 {
		maxTokens = int64(s.MaxTokens)
	}
}

func samplingConfig() brain.SamplingConfig {
	return brain.SamplingConfig{
		Seed:          uint64(seed),
		Temperature:   float32(temperature),
		TopK:          int(topK),
		TopP:          float32(topP),
		RepeatPenalty: float32(repeatPenalty),
		RepeatLastN:   int(repeatLastN),
		MaxTokens:     int(maxTokens),
		IgnoreEOS:     ignoreEOS,
	}
}

func brainConfig(log logger.Logger) brain.Config {
	return brain.Config{
		Threads:       int(threads),
		ContextLength: int(contextLength),
		MaxSessions:   1,
		MemoryLimit:   memoryLimitMB << 20,
		CacheOverflow: cacheOverflow,
		Prefetch:      prefetch,
		Sampling:      samplingConfig(),
		Logger:        logger.Slog(log),
	}
}
