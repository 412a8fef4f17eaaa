package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/segformer/internal/convert"
	"github.com/samcharles93/segformer/internal/labels"
	"github.com/samcharles93/segformer/internal/preprocess"
	"github.com/samcharles93/segformer/internal/safetensors"
	"github.com/samcharles93/segformer/internal/version"
)

// modelVariants are the encoder presets known to segformer.Variant.
var modelVariants = []string{"b0", "b1", "b2", "b3", "b4", "b5"}

func versionCmd() *cli.Command {
	return &cli.Command{
		Name:  "version",
		Usage: "Print version and model format information",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			printVersion(os.Stdout, version.Resolve())
			return nil
		},
	}
}

func printVersion(w io.Writer, info version.Info) {
	fmt.Fprintf(w, "version:    %s\n", info.Version)
	if info.Commit != "" {
		fmt.Fprintf(w, "commit:     %s\n", info.Commit)
	}
	if info.BuildTime != "" {
		fmt.Fprintf(w, "build time: %s\n", info.BuildTime)
	}
	fmt.Fprintf(w, "go:         %s\n", info.GoVersion)

	fmt.Fprintln(w, "\nmodel format:")
	fmt.Fprintf(w, "  files:    %s, %s, %s\n", convert.WeightsFile, convert.ConfigFile, preprocess.ConfigFile)
	fmt.Fprintf(w, "  dtypes:   %s, %s\n", safetensors.DTypeF32, safetensors.DTypeF16)
	fmt.Fprintf(w, "  variants: mit-%s\n", strings.Join(modelVariants, ", mit-"))
	fmt.Fprintf(w, "  labels:   %s\n", labels.ADE20K.Name+", "+labels.Cityscapes.Name)
}
