// Package convert ports an original MiT/mmseg checkpoint to this
// repository's layout: it renames and splits the weights, loads them into a
// model, checks a forward pass and writes the result as safetensors.
package convert

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/samcharles93/segformer/internal/checkpoint"
	"github.com/samcharles93/segformer/internal/logger"
	"github.com/samcharles93/segformer/internal/preprocess"
	"github.com/samcharles93/segformer/internal/safetensors"
	"github.com/samcharles93/segformer/internal/segformer"
	"github.com/samcharles93/segformer/internal/tensor"
)

// Output file names.
const (
	WeightsFile = "model.safetensors"
	ConfigFile  = "config.json"
)

var (
	ErrOutputShape = errors.New("unexpected output shape")
	ErrLeftover    = errors.New("checkpoint has unmapped parameters")
)

// Options describe one conversion.
type Options struct {
	// CheckpointURL is an http(s) URL, a file:// URL or a local path.
	CheckpointURL string
	OutputDir     string
	// ModelName selects the architecture, e.g. "segformer.b0.512x512.ade.160k".
	// It is ignored when ConfigPath is set.
	ModelName  string
	ConfigPath string
	// ImagePath is the verification image. Empty means a zero image.
	ImagePath string
	// DType is the element type written to disk, F32 or F16. Empty means F32.
	DType    string
	CacheDir string
	// FusedQKV marks a source whose attention has one qkv projection.
	FusedQKV bool
}

// Result summarises a finished conversion.
type Result struct {
	Head        checkpoint.Head
	Config      segformer.Config
	OutputShape []int
	Params      int
	Files       []string
}

// Run performs the conversion described by opts.
func Run(ctx context.Context, opts Options) (*Result, error) {
	log := logger.FromContext(ctx)
	if opts.CheckpointURL == "" || opts.OutputDir == "" {
		return nil, errors.New("convert: checkpoint and output directory are required")
	}
	dtype := strings.ToUpper(opts.DType)
	if dtype == "" {
		dtype = safetensors.DTypeF32
	}
	if dtype != safetensors.DTypeF32 && dtype != safetensors.DTypeF16 {
		return nil, fmt.Errorf("convert: unsupported dtype %q", opts.DType)
	}

	cfg, head, err := resolveConfig(opts)
	if err != nil {
		return nil, err
	}
	log.Info("converting", "head", head, "model", cfg.String())

	path, err := checkpoint.Fetch(ctx, opts.CheckpointURL, opts.CacheDir)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	sd, err := checkpoint.Load(path)
	if err != nil {
		return nil, err
	}
	log.Info("loaded checkpoint", "path", path, "tensors", sd.Len(), "params", sd.NumParams(), "elapsed", time.Since(start).Round(time.Millisecond))

	if err := Rename(sd, &cfg, head, opts.FusedQKV); err != nil {
		return nil, err
	}

	m, err := build(cfg, head)
	if err != nil {
		return nil, err
	}
	if _, err := segformer.LoadStateDict(m, sd, true); err != nil {
		return nil, fmt.Errorf("convert: %w", err)
	}

	pre := preprocess.DefaultConfig()
	pre.Size = cfg.ImageSize
	pixels, err := pixelValues(&pre, opts.ImagePath, cfg.ImageSize)
	if err != nil {
		return nil, err
	}
	shape, err := forwardShape(ctx, m, pixels)
	if err != nil {
		return nil, err
	}
	if err := CheckShape(shape, ExpectedShape(&cfg, head)); err != nil {
		return nil, err
	}
	log.Info("forward pass ok", "shape", shape)

	files, err := save(opts.OutputDir, m, &cfg, &pre, dtype)
	if err != nil {
		return nil, err
	}
	log.Info("saved model", "dir", opts.OutputDir, "dtype", dtype)
	return &Result{Head: head, Config: cfg, OutputShape: shape, Params: segformer.NumParams(m), Files: files}, nil
}

func resolveConfig(opts Options) (segformer.Config, checkpoint.Head, error) {
	if opts.ConfigPath != "" {
		cfg, err := segformer.LoadConfig(opts.ConfigPath)
		if err != nil {
			return segformer.Config{}, 0, err
		}
		return cfg, HeadFromConfig(&cfg), nil
	}
	name := opts.ModelName
	if name == "" {
		name = filepath.Base(opts.CheckpointURL)
	}
	info, err := ParseModelName(name)
	if err != nil {
		return segformer.Config{}, 0, err
	}
	cfg, err := info.Config()
	return cfg, info.Head, err
}

// Rename maps the keys of an original checkpoint onto the model's names in
// place. Keys the table neither maps nor drops are reported as ErrLeftover.
func Rename(sd checkpoint.StateDict, cfg *segformer.Config, head checkpoint.Head, fusedQKV bool) error {
	opts := checkpoint.RenameOptions{SRRatios: cfg.SRRatios, FusedQKV: fusedQKV, Head: head}
	decoderLayers := 0
	if head == checkpoint.HeadSegmentation {
		decoderLayers = cfg.NumEncoderBlocks
	}
	if head != checkpoint.HeadNone {
		opts.TargetPrefix = "segformer."
	}
	table := checkpoint.RenameTable(cfg.Depths, decoderLayers, opts)
	if err := table.Validate(); err != nil {
		return err
	}
	if left := table.Leftovers(sd); len(left) > 0 {
		shown := left
		if len(shown) > 8 {
			shown = shown[:8]
		}
		return fmt.Errorf("convert: %w: %d keys, first %s", ErrLeftover, len(left), strings.Join(shown, ", "))
	}
	return table.Apply(sd)
}

func build(cfg segformer.Config, head checkpoint.Head) (segformer.Module, error) {
	switch head {
	case checkpoint.HeadSegmentation:
		return segformer.NewSemanticSegmentation(cfg)
	case checkpoint.HeadClassification:
		return segformer.NewImageClassification(cfg)
	default:
		return segformer.New(cfg)
	}
}

func pixelValues(pre *preprocess.Config, imagePath string, size int) (*tensor.Tensor, error) {
	if imagePath == "" {
		return tensor.New(1, 3, size, size), nil
	}
	img, err := preprocess.Open(imagePath)
	if err != nil {
		return nil, err
	}
	return pre.Batch(img)
}

func forwardShape(ctx context.Context, m segformer.Module, pixels *tensor.Tensor) ([]int, error) {
	var (
		out *tensor.Tensor
		err error
	)
	switch m := m.(type) {
	case *segformer.SemanticSegmentation:
		var res *segformer.SegmentationOutput
		if res, err = m.Forward(ctx, pixels, segformer.ForwardOptions{}); err == nil {
			out = res.Logits
		}
	case *segformer.ImageClassification:
		var res *segformer.ClassificationOutput
		if res, err = m.Forward(ctx, pixels, segformer.ForwardOptions{}); err == nil {
			out = res.Logits
		}
	case *segformer.Model:
		var res *segformer.EncoderOutput
		if res, err = m.Forward(ctx, pixels, segformer.ForwardOptions{}); err == nil {
			out = res.LastHiddenState
		}
	default:
		return nil, fmt.Errorf("convert: unsupported model %T", m)
	}
	if err != nil {
		return nil, err
	}
	if !tensor.AllFinite(out.Data) {
		return nil, errors.New("convert: forward pass produced non-finite values")
	}
	return out.Shape, nil
}

// ExpectedShape returns the output shape of a single square image of the
// configured size.
func ExpectedShape(cfg *segformer.Config, head checkpoint.Head) []int {
	sides := cfg.StageSizes(cfg.ImageSize)
	switch head {
	case checkpoint.HeadSegmentation:
		side := sides[0]
		return []int{1, cfg.NumLabels(), side, side}
	case checkpoint.HeadClassification:
		return []int{1, cfg.NumLabels()}
	default:
		side := sides[len(sides)-1]
		last := cfg.HiddenSizes[len(cfg.HiddenSizes)-1]
		if !cfg.ReshapeLastStage {
			return []int{1, side * side, last}
		}
		return []int{1, last, side, side}
	}
}

// CheckShape returns ErrOutputShape when got differs from want.
func CheckShape(got, want []int) error {
	if !slices.Equal(got, want) {
		return fmt.Errorf("convert: %w: got %s, want %s", ErrOutputShape, tensor.ShapeString(got), tensor.ShapeString(want))
	}
	return nil
}

func save(dir string, m segformer.Module, cfg *segformer.Config, pre *preprocess.Config, dtype string) ([]string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	files := []string{
		filepath.Join(dir, WeightsFile),
		filepath.Join(dir, ConfigFile),
		filepath.Join(dir, preprocess.ConfigFile),
	}
	if err := checkpoint.Save(files[0], segformer.StateDict(m), dtype); err != nil {
		return nil, err
	}
	if err := cfg.Save(files[1]); err != nil {
		return nil, err
	}
	if err := pre.Save(files[2]); err != nil {
		return nil, err
	}
	return files, nil
}

// Bundle is a converted model directory loaded back into memory.
type Bundle struct {
	Model      segformer.Module
	Head       checkpoint.Head
	Config     segformer.Config
	Preprocess preprocess.Config
}

// LoadDir reads a model directory written by Run. A missing
// preprocessor_config.json falls back to the defaults at the model's image
// size.
func LoadDir(dir string) (*Bundle, error) {
	cfg, err := segformer.LoadConfig(filepath.Join(dir, ConfigFile))
	if err != nil {
		return nil, err
	}
	pre, err := preprocess.LoadConfig(filepath.Join(dir, preprocess.ConfigFile))
	if errors.Is(err, os.ErrNotExist) {
		pre = preprocess.DefaultConfig()
		pre.Size = cfg.ImageSize
	} else if err != nil {
		return nil, err
	}
	head := HeadFromConfig(&cfg)
	m, err := build(cfg, head)
	if err != nil {
		return nil, err
	}
	sd, err := checkpoint.LoadSafetensors(filepath.Join(dir, WeightsFile))
	if err != nil {
		return nil, err
	}
	if _, err := segformer.LoadStateDict(m, sd, true); err != nil {
		return nil, err
	}
	return &Bundle{Model: m, Head: head, Config: cfg, Preprocess: pre}, nil
}
