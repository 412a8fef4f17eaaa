package main

import (
	"context"
	"fmt"
	"os"

	"github.com/goccy/go-json"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/segformer/internal/labels"
)

func labelsCmd() *cli.Command {
	var (
		dataset string
		asJSON  bool
	)

	return &cli.Command{
		Name:  "labels",
		Usage: "Print a dataset's class names and palette",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "dataset",
				Aliases:     []string{"d"},
				Usage:       "dataset (ade20k, cityscapes)",
				Value:       "ade20k",
				Destination: &dataset,
			},
			&cli.BoolFlag{
				Name:        "json",
				Usage:       "print id2label as config.json style JSON",
				Destination: &asJSON,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			t, err := labels.ByName(dataset)
			if err != nil {
				return err
			}
			if asJSON {
				id2label := make(map[string]string, t.Len())
				for id, l := range t.ID2Label() {
					id2label[fmt.Sprint(id)] = l
				}
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(map[string]any{"id2label": id2label})
			}
			for i, l := range t.Labels {
				fmt.Printf("%3d  %s  %s\n", i, t.Color(i).Hex(), l)
			}
			return nil
		},
	}
}
