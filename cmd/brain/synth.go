package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/bizclaw/brain/internal/logger"
	"github.com/bizclaw/brain/internal/model"
	"github.com/bizclaw/brain/internal/quant"
)

func synthCmd() *cli.Command {
	var (
		out     string
		kind    string
		layers  int64
		synSeed int64
		tied    bool
	)
	return &cli.Command{
		Name:  "synth",
		Usage: "Write a small deterministic model with random weights",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "out",
				Aliases:     []string{"o"},
				Usage:       "output .gguf path",
				Required:    true,
				Destination: &out,
			},
			&cli.StringFlag{
				Name:        "quant",
				Aliases:     []string{"q"},
				Usage:       "weight encoding (q8_0, q4_0, f16, f32)",
				Value:       "q8_0",
				Destination: &kind,
			},
			&cli.Int64Flag{
				Name:        "layers",
				Usage:       "number of transformer blocks",
				Value:       int64(model.DefaultSynthConfig().Layers),
				Destination: &layers,
			},
			&cli.Int64Flag{
				Name:        "seed",
				Usage:       "weight seed",
				Value:       int64(model.DefaultSynthConfig().Seed),
				Destination: &synSeed,
			},
			&cli.BoolFlag{
				Name:        "tied",
				Usage:       "omit output.weight and reuse the token embedding",
				Destination: &tied,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			k, err := quant.ParseKind(strings.TrimSpace(kind))
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			if !k.Supported() {
				return cli.Exit(fmt.Sprintf("error: %s weights cannot be executed", k), 1)
			}
			cfg := model.DefaultSynthConfig()
			cfg.Kind = k
			cfg.Layers = int(layers)
			cfg.Seed = uint64(synSeed)
			cfg.Tied = tied
			if err := model.SynthesizeFile(out, cfg); err != nil {
				return cli.Exit(fmt.Sprintf("error: synthesize: %v", err), 1)
			}
			log.Info("model written", "path", out, "quant", k, "layers", cfg.Layers)
			return nil
		},
	}
}
