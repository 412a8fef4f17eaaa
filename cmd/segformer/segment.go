package main

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"image"
	"image/png"
	"io"
	"os"
	"slices"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/segformer/internal/checkpoint"
	"github.com/samcharles93/segformer/internal/convert"
	"github.com/samcharles93/segformer/internal/labels"
	"github.com/samcharles93/segformer/internal/logger"
	"github.com/samcharles93/segformer/internal/preprocess"
	"github.com/samcharles93/segformer/internal/segformer"
	"github.com/samcharles93/segformer/internal/tensor"
)

func loadBundle(ctx context.Context, cmd *cli.Command, want checkpoint.Head) (*convert.Bundle, error) {
	applyModelConfig(cmd, fileConfig)
	dir, err := resolveModelDir(modelPath, modelsPath, os.Stdin, os.Stderr)
	if err != nil {
		return nil, err
	}
	logger.FromContext(ctx).Debug("loading model", "path", dir)
	b, err := convert.LoadDir(dir)
	if err != nil {
		return nil, err
	}
	if b.Head != want {
		return nil, fmt.Errorf("%s has a %s head, want %s", dir, b.Head, want)
	}
	return b, nil
}

func openImages(paths []string) ([]image.Image, error) {
	if len(paths) == 0 {
		return nil, errors.New("at least one image is required")
	}
	imgs := make([]image.Image, len(paths))
	for i, p := range paths {
		img, err := preprocess.Open(p)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", p, err)
		}
		imgs[i] = img
	}
	return imgs, nil
}

func segmentCmd() *cli.Command {
	var (
		outDir  string
		overlay float64
	)

	return &cli.Command{
		Name:      "segment",
		Usage:     "Segment images and write colourised masks",
		ArgsUsage: "IMAGE...",
		Flags: append(commonModelFlags(),
			&cli.StringFlag{
				Name:        "out",
				Aliases:     []string{"o"},
				Usage:       "directory for the <image>_mask.png files",
				Value:       ".",
				Destination: &outDir,
			},
			&cli.FloatFlag{
				Name:        "overlay",
				Usage:       "blend the mask over the input with this opacity (0 writes the bare mask)",
				Destination: &overlay,
			},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			paths := cmd.Args().Slice()
			imgs, err := openImages(paths)
			if err != nil {
				return err
			}
			b, err := loadBundle(ctx, cmd, checkpoint.HeadSegmentation)
			if err != nil {
				return err
			}
			if err := os.MkdirAll(outDir, 0o755); err != nil {
				return err
			}

			pixels, err := b.Preprocess.Batch(imgs...)
			if err != nil {
				return err
			}
			targets := make([]segformer.Size, len(imgs))
			for i, img := range imgs {
				targets[i] = segformer.Size{Height: img.Bounds().Dy(), Width: img.Bounds().Dx()}
			}
			maps, err := b.Model.(*segformer.SemanticSegmentation).Segment(ctx, pixels, targets)
			if err != nil {
				return err
			}

			palette := labels.ForNames(b.Config.Labels())
			for i, cm := range maps {
				mask := labels.Colorize(cm.Classes, cm.Width, cm.Height, palette)
				out := image.Image(mask)
				if overlay > 0 {
					out = labels.Overlay(imgs[i], mask, overlay)
				}
				dst := maskPath(outDir, paths[i])
				if err := writePNG(dst, out); err != nil {
					return err
				}
				log.Info("wrote mask", "image", paths[i], "mask", dst)
				printSummary(os.Stdout, paths[i], cm, palette, 5)
			}
			return nil
		},
	}
}

func writePNG(path string, img image.Image) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := png.Encode(f, img); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// printSummary lists the n classes covering the most pixels.
func printSummary(w io.Writer, name string, cm segformer.ClassMap, t *labels.Table, n int) {
	counts := labels.Histogram(cm.Classes, t.Len())
	ids := make([]int, 0, len(counts))
	for id, c := range counts {
		if c > 0 {
			ids = append(ids, id)
		}
	}
	slices.SortStableFunc(ids, func(a, b int) int { return cmp.Compare(counts[b], counts[a]) })
	_, _ = fmt.Fprintf(w, "%s (%dx%d)\n", name, cm.Width, cm.Height)
	total := float64(len(cm.Classes))
	for _, id := range ids[:min(n, len(ids))] {
		label, _ := t.Label(id)
		_, _ = fmt.Fprintf(w, "  %-24s %6.2f%%\n", label, 100*float64(counts[id])/total)
	}
}

func classifyCmd() *cli.Command {
	var topK int

	return &cli.Command{
		Name:      "classify",
		Usage:     "Classify images with a SegFormer encoder and linear head",
		ArgsUsage: "IMAGE...",
		Flags: append(commonModelFlags(),
			&cli.IntFlag{
				Name:        "top-k",
				Aliases:     []string{"k"},
				Usage:       "number of classes to print per image",
				Value:       5,
				Destination: &topK,
			},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			paths := cmd.Args().Slice()
			imgs, err := openImages(paths)
			if err != nil {
				return err
			}
			b, err := loadBundle(ctx, cmd, checkpoint.HeadClassification)
			if err != nil {
				return err
			}
			pixels, err := b.Preprocess.Batch(imgs...)
			if err != nil {
				return err
			}
			out, err := b.Model.(*segformer.ImageClassification).Forward(ctx, pixels, segformer.ForwardOptions{
				OutputAttentions:   segformer.Bool(false),
				OutputHiddenStates: segformer.Bool(false),
			})
			if err != nil {
				return err
			}
			names := b.Config.Labels()
			for i, p := range paths {
				fmt.Println(p)
				probs := slices.Clone(out.Logits.Sample(i))
				tensor.Softmax(probs)
				ids := make([]int, len(probs))
				for j := range ids {
					ids[j] = j
				}
				slices.SortStableFunc(ids, func(a, b int) int { return cmp.Compare(probs[b], probs[a]) })
				for _, id := range ids[:min(max(topK, 1), len(ids))] {
					fmt.Printf("  %-32s %.4f\n", names[id], probs[id])
				}
			}
			return nil
		},
	}
}
