package main

import "github.com/urfave/cli/v3"

var (
	logLevel  string
	logFormat string
	debug     bool
	threads   int

	modelPath  string
	modelsPath string
	cacheDir   string

	// fileConfig is the config file read before any command runs.
	fileConfig Config
)

func loggingFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "log level (debug, info, warn, error)",
			Value:       "info",
			Destination: &logLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "log format (pretty, json, text)",
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

func commonModelFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "model",
			Aliases:     []string{"m"},
			Usage:       "converted model directory (config.json + model.safetensors)",
			Destination: &modelPath,
		},
		&cli.StringFlag{
			Name:        "models-path",
			Aliases:     []string{"path"},
			Usage:       "directory holding one converted model per subdirectory",
			Destination: &modelsPath,
		},
	}
}

func cacheFlag() cli.Flag {
	return &cli.StringFlag{
		Name:        "cache-dir",
		Usage:       "download cache for remote checkpoints",
		Sources:     cli.EnvVars("SEGFORMER_CACHE_DIR"),
		Destination: &cacheDir,
	}
}
