package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/segformer/internal/logger"
)

func main() {
	if err := newApp().Run(context.Background(), os.Args); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newApp() *cli.Command {
	return &cli.Command{
		Name:  "segformer",
		Usage: "SegFormer checkpoint conversion and inference",
		Flags: append(loggingFlags(), &cli.IntFlag{
			Name:        "threads",
			Usage:       "worker threads for inference (0 = all cores)",
			Destination: &threads,
		}),
		Before: setup,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return cli.ShowAppHelp(cmd)
		},
		Commands: []*cli.Command{
			convertCmd(),
			segmentCmd(),
			classifyCmd(),
			inspectCmd(),
			labelsCmd(),
			serveCmd(),
			versionCmd(),
		},
	}
}

// setup applies the config file, then installs the logger and thread count
// every command runs with.
func setup(ctx context.Context, cmd *cli.Command) (context.Context, error) {
	cfg, err := LoadConfig(configPath())
	if err != nil {
		return ctx, err
	}
	fileConfig = cfg
	applyGlobalConfig(cmd, cfg)

	level := logger.ParseLevel(logLevel)
	if debug {
		level = slog.LevelDebug
	}
	log, err := logger.Setup(strings.ToLower(logFormat), level, os.Stderr)
	if err != nil {
		return ctx, err
	}
	if threads > 0 {
		runtime.GOMAXPROCS(threads)
	}
	return logger.WithContext(ctx, log), nil
}
