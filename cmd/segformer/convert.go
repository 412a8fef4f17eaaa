package main

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/segformer/internal/convert"
	"github.com/samcharles93/segformer/internal/logger"
)

func convertCmd() *cli.Command {
	var opts convert.Options

	return &cli.Command{
		Name:  "convert",
		Usage: "Convert an original SegFormer checkpoint to a model directory",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "checkpoint",
				Aliases:     []string{"c"},
				Usage:       "checkpoint URL or path (.pth, .pt, .bin, .safetensors)",
				Required:    true,
				Destination: &opts.CheckpointURL,
			},
			&cli.StringFlag{
				Name:        "out",
				Aliases:     []string{"o"},
				Usage:       "output model directory",
				Required:    true,
				Destination: &opts.OutputDir,
			},
			&cli.StringFlag{
				Name:        "name",
				Usage:       "model name selecting the architecture, e.g. segformer.b0.512x512.ade.160k (default: checkpoint file name)",
				Destination: &opts.ModelName,
			},
			&cli.StringFlag{
				Name:        "config",
				Usage:       "config.json to use instead of deriving one from --name",
				Destination: &opts.ConfigPath,
			},
			&cli.StringFlag{
				Name:        "image",
				Usage:       "image used to verify the converted model (default: zero image)",
				Destination: &opts.ImagePath,
			},
			&cli.StringFlag{
				Name:        "dtype",
				Usage:       "weight type written to disk (f32, f16)",
				Value:       "f32",
				Destination: &opts.DType,
			},
			&cli.BoolFlag{
				Name:        "fused-qkv",
				Usage:       "source attention uses one fused qkv projection",
				Destination: &opts.FusedQKV,
			},
			cacheFlag(),
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			applyCacheConfig(cmd, fileConfig)
			opts.CacheDir = cacheDir

			res, err := convert.Run(ctx, opts)
			if err != nil {
				return err
			}
			log.Info("conversion complete",
				"head", res.Head.String(),
				"params", res.Params,
				"output_shape", fmt.Sprint(res.OutputShape),
			)
			for _, f := range res.Files {
				fmt.Println(f)
			}
			return nil
		},
	}
}
