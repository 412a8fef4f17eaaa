package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/segformer/internal/checkpoint"
	"github.com/samcharles93/segformer/internal/convert"
	"github.com/samcharles93/segformer/internal/safetensors"
	"github.com/samcharles93/segformer/internal/segformer"
)

// tensorRow is one line of the tensor listing.
type tensorRow struct {
	Name  string
	DType string
	Shape []int
}

func inspectCmd() *cli.Command {
	var (
		showTensors  bool
		showConfig   bool
		tensorLimit  int
		tensorFilter string
	)

	return &cli.Command{
		Name:      "inspect",
		Usage:     "Inspect a converted model directory or a checkpoint file",
		ArgsUsage: "PATH",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "tensors", Usage: "list tensor index", Destination: &showTensors},
			&cli.BoolFlag{Name: "config", Usage: "print raw config.json", Destination: &showConfig},
			&cli.IntFlag{Name: "tensors-limit", Usage: "limit tensor listing (0 = no limit)", Value: 50, Destination: &tensorLimit},
			&cli.StringFlag{Name: "tensor-filter", Usage: "substring filter for tensor listing", Destination: &tensorFilter},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			path := c.Args().First()
			if path == "" {
				return cli.Exit("error: a model directory or checkpoint path is required", 1)
			}
			stat, err := os.Stat(path)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: stat %q: %v", path, err), 1)
			}

			out := os.Stdout
			weights := path
			if stat.IsDir() {
				cfgPath := filepath.Join(path, convert.ConfigFile)
				cfg, err := segformer.LoadConfig(cfgPath)
				if err != nil {
					return cli.Exit(fmt.Sprintf("error: %v", err), 1)
				}
				fmt.Fprintf(out, "Model: %s\n", path)
				printConfig(out, &cfg)
				if showConfig {
					raw, err := os.ReadFile(cfgPath)
					if err != nil {
						return err
					}
					fmt.Fprintf(out, "\n== config.json ==\n%s\n", strings.TrimSpace(string(raw)))
				}
				weights = filepath.Join(path, convert.WeightsFile)
			}

			rows, err := tensorIndex(weights)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			if st, err := os.Stat(weights); err == nil {
				fmt.Fprintf(out, "\nWeights: %s (%s)\n", filepath.Base(weights), formatBytes(uint64(st.Size())))
			}
			printTensorSummary(out, rows)
			if showTensors {
				printTensorIndex(out, rows, tensorFilter, tensorLimit)
			}
			return nil
		},
	}
}

// tensorIndex lists the tensors of a weight file without converting their
// data where the format allows it.
func tensorIndex(path string) ([]tensorRow, error) {
	var rows []tensorRow
	if strings.EqualFold(filepath.Ext(path), ".safetensors") {
		f, err := safetensors.Open(path)
		if err != nil {
			return nil, err
		}
		defer func() { _ = f.Close() }()
		for _, name := range f.Names() {
			info, _ := f.Tensor(name)
			rows = append(rows, tensorRow{Name: name, DType: info.DType, Shape: info.Shape})
		}
	} else {
		sd, err := checkpoint.LoadTorch(path)
		if err != nil {
			return nil, err
		}
		for _, name := range sd.Keys() {
			rows = append(rows, tensorRow{Name: name, DType: "F32", Shape: sd[name].Shape})
		}
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Name < rows[j].Name })
	return rows, nil
}

func printConfig(w io.Writer, cfg *segformer.Config) {
	fmt.Fprintln(w, "\n== Parameters ==")
	fmt.Fprintf(w, "Architecture:        %s\n", strings.Join(cfg.Architectures, ", "))
	fmt.Fprintf(w, "Head:                %s\n", convert.HeadFromConfig(cfg))
	fmt.Fprintf(w, "Image size:          %d\n", cfg.ImageSize)
	fmt.Fprintf(w, "Hidden sizes:        %v\n", cfg.HiddenSizes)
	fmt.Fprintf(w, "Depths:              %v\n", cfg.Depths)
	fmt.Fprintf(w, "Attention heads:     %v\n", cfg.NumAttentionHeads)
	fmt.Fprintf(w, "SR ratios:           %v\n", cfg.SRRatios)
	fmt.Fprintf(w, "Decoder hidden size: %d\n", cfg.DecoderHiddenSize)
	fmt.Fprintf(w, "Labels:              %d\n", cfg.NumLabels())
}

func printTensorSummary(w io.Writer, rows []tensorRow) {
	params := 0
	dtypes := make(map[string]int)
	for _, r := range rows {
		n := 1
		for _, d := range r.Shape {
			n *= d
		}
		params += n
		dtypes[r.DType]++
	}
	kinds := make([]string, 0, len(dtypes))
	for k, n := range dtypes {
		kinds = append(kinds, fmt.Sprintf("%s=%d", k, n))
	}
	sort.Strings(kinds)
	fmt.Fprintf(w, "Tensors: %d  Params: %s  (%s)\n", len(rows), formatCount(params), strings.Join(kinds, " "))
}

func printTensorIndex(w io.Writer, rows []tensorRow, filter string, limit int) {
	fmt.Fprintln(w, "\n== Tensors ==")
	shown := 0
	for _, r := range rows {
		if filter != "" && !strings.Contains(r.Name, filter) {
			continue
		}
		if limit > 0 && shown == limit {
			fmt.Fprintln(w, "...")
			break
		}
		fmt.Fprintf(w, "%-64s %-4s %v\n", r.Name, r.DType, r.Shape)
		shown++
	}
}

func formatCount(n int) string {
	switch {
	case n >= 1_000_000:
		return fmt.Sprintf("%.2fM", float64(n)/1e6)
	case n >= 1_000:
		return fmt.Sprintf("%.1fK", float64(n)/1e3)
	default:
		return fmt.Sprint(n)
	}
}

func formatBytes(b uint64) string {
	const (
		kb = 1024
		mb = 1024 * kb
		gb = 1024 * mb
	)
	switch {
	case b >= gb:
		return fmt.Sprintf("%.2f GiB", float64(b)/float64(gb))
	case b >= mb:
		return fmt.Sprintf("%.2f MiB", float64(b)/float64(mb))
	case b >= kb:
		return fmt.Sprintf("%.2f KiB", float64(b)/float64(kb))
	default:
		return fmt.Sprintf("%d B", b)
	}
}
