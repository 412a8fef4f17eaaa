package main

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/segformer/internal/api"
	"github.com/samcharles93/segformer/internal/logger"
)

func serveCmd() *cli.Command {
	var (
		addr        string
		readTimeout time.Duration
		maxBody     int64
		rps         float64
		burst       int
		keep        int
	)

	return &cli.Command{
		Name:  "serve",
		Usage: "Serve the segmentation REST API",
		Flags: append(commonModelFlags(),
			&cli.StringFlag{
				Name:        "addr",
				Usage:       "listen address",
				Value:       "127.0.0.1:8080",
				Destination: &addr,
			},
			&cli.DurationFlag{
				Name:        "read-timeout",
				Usage:       "read timeout",
				Value:       30 * time.Second,
				Destination: &readTimeout,
			},
			&cli.Int64Flag{
				Name:        "max-body",
				Usage:       "largest accepted request body in bytes",
				Value:       32 << 20,
				Destination: &maxBody,
			},
			&cli.FloatFlag{
				Name:        "rate",
				Usage:       "requests per second across all clients (0 = unlimited)",
				Value:       10,
				Destination: &rps,
			},
			&cli.IntFlag{
				Name:        "burst",
				Usage:       "requests allowed above --rate in a burst",
				Value:       20,
				Destination: &burst,
			},
			&cli.IntFlag{
				Name:        "keep",
				Usage:       "segmentation results kept for later mask downloads",
				Value:       64,
				Destination: &keep,
			},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			applyServeConfig(cmd, fileConfig, &addr)

			provider := api.NewCachedModelProvider(api.ModelProviderConfig{
				DefaultModelPath: modelPath,
				ModelsPath:       modelsPath,
			})
			server := api.NewServer(api.NewResultStore(keep), provider)
			e := echo.New()
			e.Use(middleware.RequestLogger())
			e.Use(middleware.Recover())
			e.Use(api.RequestID())
			e.Use(api.RateLimit(rps, burst))
			e.Use(api.BodyLimit(maxBody))
			server.Register(e)
			log.Info("starting server", "address", addr)
			sc := echo.StartConfig{
				Address: addr,
				BeforeServeFunc: func(srv *http.Server) error {
					srv.ReadHeaderTimeout = readTimeout
					return nil
				},
			}
			return sc.Start(ctx, e)
		},
	}
}
