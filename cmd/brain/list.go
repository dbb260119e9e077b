package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/goccy/go-json"
	"github.com/urfave/cli/v3"

	"github.com/bizclaw/brain/internal/logger"
	"github.com/bizclaw/brain/pkg/brain"
)

func listCmd() *cli.Command {
	var jsonOut bool
	return &cli.Command{
		Name:    "list",
		Aliases: []string{"ls", "models"},
		Usage:   "List the GGUF models in the models directory",
		Flags: []cli.Flag{
			modelsDirFlag(),
			&cli.BoolFlag{
				Name:        "json",
				Usage:       "print the list as JSON",
				Destination: &jsonOut,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)

			dir := modelsDir
			if !cmd.IsSet("models-dir") {
				dir = loadedConfig.ModelsDirPath()
			}
			models, err := brain.ListModels(dir)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			if jsonOut {
				return writeJSON(os.Stdout, models)
			}
			if len(models) == 0 {
				log.Info("no models found", "path", dir)
				return nil
			}
			printModels(os.Stdout, dir, models)
			return nil
		},
	}
}

func printModels(w io.Writer, dir string, models []brain.ModelFile) {
	_, _ = fmt.Fprintf(w, "Models in %s:\n\n", dir)
	for _, m := range models {
		size := formatModelSize(m.Size)
		switch {
		case m.Error != "":
			_, _ = fmt.Fprintf(w, "  %-40s %8s  (unreadable: %s)\n", m.Name, size, m.Error)
		case m.Architecture != "":
			_, _ = fmt.Fprintf(w, "  %-40s %8s  (%s)\n", m.Name, size, m.Architecture)
		default:
			_, _ = fmt.Fprintf(w, "  %-40s %8s\n", m.Name, size)
		}
	}
	_, _ = fmt.Fprintf(w, "\n%d model(s) found\n", len(models))
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func formatModelSize(bytes int64) string {
	const (
		kb = 1024
		mb = 1024 * kb
		gb = 1024 * mb
	)
	switch {
	case bytes >= gb:
		return fmt.Sprintf("%.1f GB", float64(bytes)/float64(gb))
	case bytes >= mb:
		return fmt.Sprintf("%.1f MB", float64(bytes)/float64(mb))
	case bytes >= kb:
		return fmt.Sprintf("%.1f KB", float64(bytes)/float64(kb))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}
