package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/bizclaw/brain/internal/logger"
	"github.com/bizclaw/brain/pkg/brain"
)

const (
	defaultTestPrompt = "Hello, who are you?"
	testTokens        = 100
)

func testCmd() *cli.Command {
	flags := append(modelFlags(), samplingFlags()...)
	return &cli.Command{
		Name:      "test",
		Usage:     "Load the first model in the models directory and generate a short reply",
		ArgsUsage: "[PROMPT]",
		Flags:     flags,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			applyRunConfig(cmd, loadedConfig)
			if !cmd.IsSet("max-tokens") {
				maxTokens = testTokens
			}

			prompt := defaultTestPrompt
			if cmd.Args().Present() {
				prompt = cmd.Args().First()
			}

			path := modelPath
			if path == "" {
				var err error
				if path, err = firstModel(modelsDir); err != nil {
					return cli.Exit(fmt.Sprintf("error: %v", err), 1)
				}
			}
			return selfTest(ctx, os.Stdout, path, prompt, brainConfig(log))
		},
	}
}

func selfTest(ctx context.Context, w io.Writer, path, prompt string, cfg brain.Config) error {
	_, _ = fmt.Fprintln(w, "Testing inference")
	_, _ = fmt.Fprintf(w, "  Model:  %s\n", path)

	h, err := brain.LoadModel(path, cfg)
	if err != nil {
		return cli.Exit(fmt.Sprintf("error: load model: %v", err), 1)
	}
	defer func() { _ = h.Unload() }()

	in := h.Info()
	_, _ = fmt.Fprintf(w, "  Info:   %s, %d layers, %d heads, vocab %d, context %d\n",
		in.Architecture, in.Layers, in.Heads, in.VocabSize, in.ContextLength)
	_, _ = fmt.Fprintf(w, "  Prompt: %q\n\n", prompt)

	text, err := h.Complete(ctx, prompt, cfg.Sampling.MaxTokens)
	_, _ = fmt.Fprintln(w, text)
	if err != nil {
		return cli.Exit(fmt.Sprintf("error: generate: %v", err), 1)
	}
	return nil
}
