package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/bizclaw/brain/internal/gguf"
	"github.com/bizclaw/brain/internal/logger"
	"github.com/bizclaw/brain/internal/model"
	"github.com/bizclaw/brain/internal/tokenizer"
)

type infoOutput struct {
	model.Info
	Metadata    map[string]string `json:"metadata,omitempty"`
	TensorTable []tensorRow       `json:"tensor_table,omitempty"`
}

type tensorRow struct {
	Name  string   `json:"name"`
	Kind  string   `json:"kind"`
	Shape []uint64 `json:"shape"`
	Size  uint64   `json:"size"`
}

func infoCmd() *cli.Command {
	var (
		jsonOut      bool
		showTensors  bool
		showMetadata bool
		filter       string
	)
	return &cli.Command{
		Name:    "info",
		Aliases: []string{"inspect"},
		Usage:   "Show a model's hyperparameters, tokenizer and tensors",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "model",
				Aliases:     []string{"m"},
				Usage:       "path to a .gguf file",
				Destination: &modelPath,
			},
			modelsDirFlag(),
			&cli.BoolFlag{
				Name:        "json",
				Usage:       "print as JSON",
				Destination: &jsonOut,
			},
			&cli.BoolFlag{
				Name:        "tensors",
				Usage:       "list every tensor",
				Destination: &showTensors,
			},
			&cli.BoolFlag{
				Name:        "metadata",
				Usage:       "list metadata keys (arrays are summarized)",
				Destination: &showMetadata,
			},
			&cli.StringFlag{
				Name:        "filter",
				Usage:       "only list tensors whose name contains this",
				Destination: &filter,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			if !cmd.IsSet("models-dir") {
				modelsDir = loadedConfig.ModelsDirPath()
			}
			path, err := resolveModelPath(modelPath, modelsDir, os.Stdin, os.Stderr)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: resolve model: %v", err), 1)
			}
			m, err := model.Load(path, model.Options{Threads: 1, Logger: log})
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: load model: %v", err), 1)
			}
			defer func() { _ = m.Close() }()

			out := infoOutput{Info: m.Info()}
			if showMetadata {
				out.Metadata = metadataStrings(m.Metadata())
			}
			if showTensors {
				out.TensorTable = tensorRows(m.Tensors(), filter)
			}
			if jsonOut {
				return writeJSON(os.Stdout, out)
			}
			printInfo(os.Stdout, out, m.Vocabulary().Special(), m.Vocabulary().Merges())
			return nil
		},
	}
}

func metadataStrings(md gguf.Metadata) map[string]string {
	out := make(map[string]string, md.Len())
	for _, k := range md.Keys() {
		v, _ := md.Get(k)
		out[k] = v.String()
	}
	return out
}

func tensorRows(ts []gguf.TensorInfo, filter string) []tensorRow {
	rows := make([]tensorRow, 0, len(ts))
	for _, t := range ts {
		if filter != "" && !strings.Contains(t.Name, filter) {
			continue
		}
		rows = append(rows, tensorRow{Name: t.Name, Kind: t.Kind.String(), Shape: t.Shape(), Size: t.Size})
	}
	return rows
}

func printInfo(w io.Writer, out infoOutput, s tokenizer.Special, merges int) {
	in := out.Info
	hp := in.Hyperparams
	p := printer{w: w}

	_, _ = fmt.Fprintf(w, "GGUF v%d: %s (%s)\n", in.Version, in.Path, formatModelSize(in.FileSize))
	p.row("name", in.Name)
	p.row("mapped", fmt.Sprintf("%t", in.Mapped))

	p.section("Parameters")
	p.row("architecture", hp.Arch)
	p.rowInt("embedding_length", hp.Embedding)
	p.rowInt("feed_forward_length", hp.FeedFwd)
	p.rowInt("block_count", hp.Layers)
	p.rowInt("head_count", hp.Heads)
	p.rowInt("head_count_kv", hp.KVHeads)
	p.rowInt("head_dim", hp.HeadDim)
	p.rowInt("context_length", hp.Context)
	p.rowInt("session_context", in.ContextLength)
	p.rowFloat("rms_norm_eps", float64(hp.RMSEpsilon))
	p.rowFloat("rope_freq_base", hp.RopeBase)
	p.row("parameters", formatCount(in.Parameters))

	p.section("Tokenizer")
	p.row("model", in.Tokenizer)
	p.rowInt("vocab_size", hp.Vocab)
	p.rowInt("merges", merges)
	p.row("bos", fmt.Sprintf("%d (add=%t)", s.BOS, s.AddBOS))
	p.row("eos", fmt.Sprintf("%d", s.EOS))

	p.section("Tensors")
	p.rowInt("count", in.Tensors)
	p.row("tied_output", fmt.Sprintf("%t", in.TiedOutput))
	for _, k := range in.QuantizationKinds() {
		p.rowInt(k, in.Quantization[k])
	}

	if len(out.Metadata) > 0 {
		p.section("Metadata")
		keys := make([]string, 0, len(out.Metadata))
		for k := range out.Metadata {
			keys = append(keys, k)
		}
		slices.Sort(keys)
		for _, k := range keys {
			_, _ = fmt.Fprintf(w, "%-40s %s\n", k, out.Metadata[k])
		}
	}
	if len(out.TensorTable) > 0 {
		p.section("Tensor Index")
		for _, t := range out.TensorTable {
			_, _ = fmt.Fprintf(w, "%-32s %-6s %-14s %10s\n", t.Name, t.Kind, formatShape(t.Shape), formatModelSize(int64(t.Size)))
		}
	}
}

type printer struct {
	w io.Writer
}

func (p printer) section(title string) {
	line := strings.Repeat("-", len(title)+8)
	_, _ = fmt.Fprintf(p.w, "\n%s\n--- %s ---\n%s\n", line, title, line)
}

func (p printer) row(label, value string) {
	if value == "" {
		return
	}
	_, _ = fmt.Fprintf(p.w, "%-24s %s\n", label+":", value)
}

func (p printer) rowInt(label string, v int) {
	if v == 0 {
		return
	}
	p.row(label, fmt.Sprintf("%d", v))
}

func (p printer) rowFloat(label string, v float64) {
	if v == 0 {
		return
	}
	p.row(label, fmt.Sprintf("%g", v))
}

func formatShape(shape []uint64) string {
	parts := make([]string, len(shape))
	for i, d := range shape {
		parts[i] = fmt.Sprintf("%d", d)
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

func formatCount(n uint64) string {
	switch {
	case n >= 1e9:
		return fmt.Sprintf("%.2fB", float64(n)/1e9)
	case n >= 1e6:
		return fmt.Sprintf("%.2fM", float64(n)/1e6)
	case n >= 1e3:
		return fmt.Sprintf("%.1fK", float64(n)/1e3)
	default:
		return fmt.Sprintf("%d", n)
	}
}
