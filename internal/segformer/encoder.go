package segformer

import (
	"fmt"
	"strconv"

	"github.com/samcharles93/segformer/internal/tensor"
)

// Layer is one pre-norm transformer block of an encoder stage.
type Layer struct {
	LayerNorm1 *LayerNorm
	Attention  *EfficientSelfAttention
	LayerNorm2 *LayerNorm
	MLP        *MixFFN
	DropPath   DropPath
}

func newLayer(hidden, heads, sr int, mlpRatio, dropPath float64, act func(float32) float32, cfg *Config) *Layer {
	return &Layer{
		LayerNorm1: newLayerNorm(hidden),
		Attention:  newEfficientSelfAttention(hidden, heads, sr, cfg),
		LayerNorm2: newLayerNorm(hidden),
		MLP:        newMixFFN(hidden, int(float64(hidden)*mlpRatio), act, cfg.HiddenDropoutProb),
		DropPath:   DropPath{Prob: dropPath},
	}
}

func (l *Layer) Params(prefix string, visit func(string, *tensor.Tensor)) {
	l.LayerNorm1.Params(join(prefix, "layer_norm_1"), visit)
	l.Attention.Params(join(prefix, "attention"), visit)
	l.LayerNorm2.Params(join(prefix, "layer_norm_2"), visit)
	l.MLP.Params(join(prefix, "mlp"), visit)
}

// Forward updates x, an (h*w, C) token matrix, in place.
func (l *Layer) Forward(x *tensor.Mat, h, w int, rs *runState, probs []float32) error {
	normed := x.Clone()
	l.LayerNorm1.Forward(&normed)
	attn, err := l.Attention.Forward(&normed, h, w, rs, probs)
	if err != nil {
		return err
	}
	tensor.Add(x.Data, l.DropPath.Apply(attn.Data, rs))

	normed = x.Clone()
	l.LayerNorm2.Forward(&normed)
	mlp, err := l.MLP.Forward(&normed, h, w, rs)
	if err != nil {
		return err
	}
	tensor.Add(x.Data, l.DropPath.Apply(mlp.Data, rs))
	return nil
}

// Stage is one resolution level of the encoder.
type Stage struct {
	Embed     *PatchEmbeddings
	Layers    []*Layer
	LayerNorm *LayerNorm
}

// Encoder is the hierarchical Mix Transformer backbone.
type Encoder struct {
	Stages []*Stage
}

func newEncoder(cfg *Config) (*Encoder, error) {
	act, err := activation(cfg.HiddenAct)
	if err != nil {
		return nil, err
	}
	rates := cfg.DropPathRates()
	in := cfg.StageChannels()
	enc := &Encoder{Stages: make([]*Stage, cfg.NumEncoderBlocks)}
	cur := 0
	for i := range enc.Stages {
		hidden := cfg.HiddenSizes[i]
		st := &Stage{
			Embed:     newPatchEmbeddings(cfg.PatchSizes[i], cfg.Strides[i], in[i], hidden),
			Layers:    make([]*Layer, cfg.Depths[i]),
			LayerNorm: newLayerNorm(hidden),
		}
		for j := range st.Layers {
			st.Layers[j] = newLayer(hidden, cfg.NumAttentionHeads[i], cfg.SRRatios[i], cfg.MLPRatios[i], rates[cur+j], act, cfg)
		}
		cur += cfg.Depths[i]
		enc.Stages[i] = st
	}
	return enc, nil
}

func (e *Encoder) Params(prefix string, visit func(string, *tensor.Tensor)) {
	for i, st := range e.Stages {
		idx := strconv.Itoa(i)
		st.Embed.Params(join(prefix, "patch_embeddings."+idx), visit)
		for j, l := range st.Layers {
			l.Params(join(prefix, "block."+idx+"."+strconv.Itoa(j)), visit)
		}
		st.LayerNorm.Params(join(prefix, "layer_norm."+idx), visit)
	}
}

// NumLayers returns the total number of transformer blocks.
func (e *Encoder) NumLayers() int {
	n := 0
	for _, st := range e.Stages {
		n += len(st.Layers)
	}
	return n
}

// sampleOutput is the encoder result for one image.
type sampleOutput struct {
	stages []tensor.FeatureMap
	// probs[i] holds layer i's attention probabilities; shapes[i] is (heads, N, M).
	probs  [][]float32
	shapes [][]int
}

// forward runs one (C, H, W) image through every stage. Every stage output is
// kept because the decode head consumes all of them.
func (e *Encoder) forward(x *tensor.FeatureMap, rs *runState, wantAttn bool) (*sampleOutput, error) {
	out := &sampleOutput{stages: make([]tensor.FeatureMap, 0, len(e.Stages))}
	cur := *x
	for i, st := range e.Stages {
		tokens, h, w, err := st.Embed.Forward(&cur)
		if err != nil {
			return nil, fmt.Errorf("stage %d: %w", i, err)
		}
		for j, l := range st.Layers {
			var probs []float32
			if wantAttn {
				heads, m := l.Attention.Heads, l.Attention.ReducedLen(h, w)
				probs = make([]float32, heads*h*w*m)
				out.probs = append(out.probs, probs)
				out.shapes = append(out.shapes, []int{heads, h * w, m})
			}
			if err := l.Forward(&tokens, h, w, rs, probs); err != nil {
				return nil, fmt.Errorf("stage %d layer %d: %w", i, j, err)
			}
		}
		st.LayerNorm.Forward(&tokens)
		cur = tensor.FromTokens(&tokens, h, w)
		out.stages = append(out.stages, cur)
	}
	return out, nil
}
