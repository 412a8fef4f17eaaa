package segformer

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"

	"github.com/goccy/go-json"

	"github.com/samcharles93/segformer/internal/labels"
	"github.com/samcharles93/segformer/internal/tensor"
)

var ErrInvalidConfig = errors.New("invalid config")

// Config holds the architecture hyperparameters. Field names follow the
// Hugging Face config.json so files can be exchanged with it.
type Config struct {
	Architectures []string `json:"architectures,omitempty"`
	ModelType     string   `json:"model_type"`

	NumChannels       int       `json:"num_channels"`
	ImageSize         int       `json:"image_size"`
	NumEncoderBlocks  int       `json:"num_encoder_blocks"`
	Depths            []int     `json:"depths"`
	SRRatios          []int     `json:"sr_ratios"`
	HiddenSizes       []int     `json:"hidden_sizes"`
	DownsamplingRates []int     `json:"downsampling_rates"`
	PatchSizes        []int     `json:"patch_sizes"`
	Strides           []int     `json:"strides"`
	NumAttentionHeads []int     `json:"num_attention_heads"`
	MLPRatios         []float64 `json:"mlp_ratios"`

	HiddenAct                 string  `json:"hidden_act"`
	HiddenDropoutProb         float64 `json:"hidden_dropout_prob"`
	AttentionProbsDropoutProb float64 `json:"attention_probs_dropout_prob"`
	ClassifierDropoutProb     float64 `json:"classifier_dropout_prob"`
	DropPathRate              float64 `json:"drop_path_rate"`
	InitializerRange          float64 `json:"initializer_range"`

	// LayerNormEps is carried for config.json compatibility. Encoder and
	// embedding norms use LayerNormEpsilon, matching the released weights.
	LayerNormEps float64 `json:"layer_norm_eps"`

	DecoderHiddenSize       int  `json:"decoder_hidden_size"`
	SemanticLossIgnoreIndex int  `json:"semantic_loss_ignore_index"`
	ReshapeLastStage        bool `json:"reshape_last_stage"`

	ID2Label map[string]string `json:"id2label,omitempty"`
	Label2ID map[string]int    `json:"label2id,omitempty"`

	OutputAttentions   bool `json:"output_attentions"`
	OutputHiddenStates bool `json:"output_hidden_states"`
	UseReturnDict      bool `json:"use_return_dict"`
}

// LayerNormEpsilon is the epsilon of every LayerNorm in the network.
const LayerNormEpsilon = 1e-5

// BatchNormEpsilon is the epsilon of the decode head's BatchNorm.
const BatchNormEpsilon = 1e-5

// DefaultConfig returns the MiT-b0 architecture with the ADE20K label set.
func DefaultConfig() Config {
	cfg := Config{
		ModelType:                 "segformer",
		NumChannels:               3,
		ImageSize:                 512,
		NumEncoderBlocks:          4,
		Depths:                    []int{2, 2, 2, 2},
		SRRatios:                  []int{8, 4, 2, 1},
		HiddenSizes:               []int{32, 64, 160, 256},
		DownsamplingRates:         []int{1, 4, 8, 16},
		PatchSizes:                []int{7, 3, 3, 3},
		Strides:                   []int{4, 2, 2, 2},
		NumAttentionHeads:         []int{1, 2, 5, 8},
		MLPRatios:                 []float64{4, 4, 4, 4},
		HiddenAct:                 "gelu",
		HiddenDropoutProb:         0,
		AttentionProbsDropoutProb: 0,
		ClassifierDropoutProb:     0.1,
		DropPathRate:              0.1,
		InitializerRange:          0.02,
		LayerNormEps:              1e-6,
		DecoderHiddenSize:         256,
		SemanticLossIgnoreIndex:   255,
		ReshapeLastStage:          true,
		UseReturnDict:             true,
	}
	cfg.SetLabels(labels.ADE20K.Labels)
	return cfg
}

// Variant returns the preset for one of the released encoder sizes b0..b5.
func Variant(name string) (Config, error) {
	cfg := DefaultConfig()
	wide := []int{64, 128, 320, 512}
	switch strings.TrimPrefix(strings.ToLower(name), "mit-") {
	case "b0":
	case "b1":
		cfg.HiddenSizes = wide
	case "b2":
		cfg.HiddenSizes, cfg.Depths, cfg.DecoderHiddenSize = wide, []int{3, 4, 6, 3}, 768
	case "b3":
		cfg.HiddenSizes, cfg.Depths, cfg.DecoderHiddenSize = wide, []int{3, 4, 18, 3}, 768
	case "b4":
		cfg.HiddenSizes, cfg.Depths, cfg.DecoderHiddenSize = wide, []int{3, 8, 27, 3}, 768
	case "b5":
		cfg.HiddenSizes, cfg.Depths, cfg.DecoderHiddenSize = wide, []int{3, 6, 40, 3}, 768
	default:
		return Config{}, fmt.Errorf("segformer: %w: unknown variant %q", ErrInvalidConfig, name)
	}
	return cfg, nil
}

// Validate reports the first problem that would prevent building a model.
func (c *Config) Validate() error {
	n := c.NumEncoderBlocks
	if n <= 0 {
		return c.invalid("num_encoder_blocks must be positive, got %d", n)
	}
	if c.NumChannels <= 0 {
		return c.invalid("num_channels must be positive, got %d", c.NumChannels)
	}
	lists := []struct {
		name string
		n    int
	}{
		{"depths", len(c.Depths)},
		{"sr_ratios", len(c.SRRatios)},
		{"hidden_sizes", len(c.HiddenSizes)},
		{"patch_sizes", len(c.PatchSizes)},
		{"strides", len(c.Strides)},
		{"num_attention_heads", len(c.NumAttentionHeads)},
		{"mlp_ratios", len(c.MLPRatios)},
	}
	for _, l := range lists {
		if l.n != n {
			return c.invalid("%s has %d entries, want %d", l.name, l.n, n)
		}
	}
	for i := range n {
		switch {
		case c.Depths[i] < 0:
			return c.invalid("depths[%d] is negative", i)
		case c.SRRatios[i] <= 0, c.PatchSizes[i] <= 0, c.Strides[i] <= 0:
			return c.invalid("stage %d: sr ratio, patch size and stride must be positive", i)
		case c.HiddenSizes[i] <= 0 || c.NumAttentionHeads[i] <= 0:
			return c.invalid("stage %d: hidden size and head count must be positive", i)
		case c.HiddenSizes[i]%c.NumAttentionHeads[i] != 0:
			return c.invalid("the hidden size (%d) is not a multiple of the number of attention heads (%d)",
				c.HiddenSizes[i], c.NumAttentionHeads[i])
		case c.MLPRatios[i] <= 0:
			return c.invalid("mlp_ratios[%d] must be positive", i)
		}
	}
	for name, p := range map[string]float64{
		"hidden_dropout_prob":          c.HiddenDropoutProb,
		"attention_probs_dropout_prob": c.AttentionProbsDropoutProb,
		"classifier_dropout_prob":      c.ClassifierDropoutProb,
		"drop_path_rate":               c.DropPathRate,
	} {
		if p < 0 || p >= 1 {
			return c.invalid("%s must be in [0, 1), got %g", name, p)
		}
	}
	if _, err := activation(c.HiddenAct); err != nil {
		return c.invalid("%v", err)
	}
	if c.DecoderHiddenSize <= 0 {
		return c.invalid("decoder_hidden_size must be positive, got %d", c.DecoderHiddenSize)
	}
	for k := range c.ID2Label {
		if id, err := strconv.Atoi(k); err != nil || id < 0 {
			return c.invalid("id2label key %q is not a class id", k)
		}
	}
	return nil
}

func (c *Config) invalid(format string, args ...any) error {
	return fmt.Errorf("segformer: %w: %s", ErrInvalidConfig, fmt.Sprintf(format, args...))
}

// NumLabels returns the number of output classes. Configs without a label
// map default to two classes.
func (c *Config) NumLabels() int {
	if len(c.ID2Label) == 0 {
		return 2
	}
	hi := -1
	for k := range c.ID2Label {
		if id, err := strconv.Atoi(k); err == nil && id > hi {
			hi = id
		}
	}
	return hi + 1
}

// Labels returns the class names ordered by id. Gaps get "LABEL_<id>".
func (c *Config) Labels() []string {
	out := make([]string, c.NumLabels())
	for i := range out {
		if l, ok := c.ID2Label[strconv.Itoa(i)]; ok {
			out[i] = l
		} else {
			out[i] = "LABEL_" + strconv.Itoa(i)
		}
	}
	return out
}

// SetLabels replaces id2label and label2id with names ordered by id.
func (c *Config) SetLabels(names []string) {
	c.ID2Label = make(map[string]string, len(names))
	c.Label2ID = make(map[string]int, len(names))
	for i, n := range names {
		c.ID2Label[strconv.Itoa(i)] = n
		c.Label2ID[n] = i
	}
}

// DropPathRates returns the stochastic depth rate of every encoder layer in
// order, spaced linearly from 0 to DropPathRate.
func (c *Config) DropPathRates() []float64 {
	total := 0
	for _, d := range c.Depths {
		total += d
	}
	rates := make([]float64, total)
	if total > 1 {
		for i := range rates {
			rates[i] = c.DropPathRate * float64(i) / float64(total-1)
		}
	}
	return rates
}

// StageChannels returns the input channel count of every stage.
func (c *Config) StageChannels() []int {
	out := make([]int, c.NumEncoderBlocks)
	for i := range out {
		if i == 0 {
			out[i] = c.NumChannels
		} else {
			out[i] = c.HiddenSizes[i-1]
		}
	}
	return out
}

// OutputStride returns the total downsampling of the final stage.
func (c *Config) OutputStride() int {
	s := 1
	for _, st := range c.Strides {
		s *= st
	}
	return s
}

// StageSizes returns the token grid side of every stage for a square input
// of the given side. Each patch embedding rounds up like the conv it wraps,
// so the result differs from side/OutputStride when side is not a multiple.
func (c *Config) StageSizes(side int) []int {
	out := make([]int, len(c.Strides))
	for i := range c.Strides {
		side = tensor.ConvOutputSize(side, c.PatchSizes[i], c.Strides[i], c.PatchSizes[i]/2)
		out[i] = side
	}
	return out
}

// LoadConfig reads a config.json file.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	cfg := DefaultConfig()
	cfg.ID2Label, cfg.Label2ID = nil, nil
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("segformer: parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Save writes the config as indented JSON.
func (c *Config) Save(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o644)
}

// Clone returns a deep copy.
func (c Config) Clone() Config {
	out := c
	out.Architectures = slices.Clone(c.Architectures)
	out.Depths = slices.Clone(c.Depths)
	out.SRRatios = slices.Clone(c.SRRatios)
	out.HiddenSizes = slices.Clone(c.HiddenSizes)
	out.DownsamplingRates = slices.Clone(c.DownsamplingRates)
	out.PatchSizes = slices.Clone(c.PatchSizes)
	out.Strides = slices.Clone(c.Strides)
	out.NumAttentionHeads = slices.Clone(c.NumAttentionHeads)
	out.MLPRatios = slices.Clone(c.MLPRatios)
	if c.ID2Label != nil {
		out.ID2Label = make(map[string]string, len(c.ID2Label))
		for k, v := range c.ID2Label {
			out.ID2Label[k] = v
		}
	}
	if c.Label2ID != nil {
		out.Label2ID = make(map[string]int, len(c.Label2ID))
		for k, v := range c.Label2ID {
			out.Label2ID[k] = v
		}
	}
	return out
}

// String summarises the architecture on one line.
func (c *Config) String() string {
	stages := make([]string, 0, len(c.HiddenSizes))
	for i := range c.HiddenSizes {
		stages = append(stages, fmt.Sprintf("%dx%d", c.Depths[i], c.HiddenSizes[i]))
	}
	return fmt.Sprintf("segformer stages=[%s] decoder=%d labels=%d", strings.Join(stages, " "), c.DecoderHiddenSize, c.NumLabels())
}
