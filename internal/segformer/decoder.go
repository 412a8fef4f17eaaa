package segformer

import (
	"fmt"
	"strconv"

	"github.com/samcharles93/segformer/internal/tensor"
)

// DecodeHead is the all-MLP decoder: every stage is projected to a common
// width, upsampled to the first stage's grid, fused and classified per pixel.
type DecodeHead struct {
	LinearC    []*Linear
	LinearFuse *Conv2d
	BatchNorm  *BatchNorm2d
	Classifier *Conv2d

	dropout float64
}

func newDecodeHead(cfg *Config) *DecodeHead {
	d := cfg.DecoderHiddenSize
	head := &DecodeHead{
		LinearC:    make([]*Linear, cfg.NumEncoderBlocks),
		LinearFuse: newConv2d(d*cfg.NumEncoderBlocks, d, 1, 1, 0, 1, false),
		BatchNorm:  newBatchNorm2d(d),
		Classifier: newConv2d(d, cfg.NumLabels(), 1, 1, 0, 1, true),
		dropout:    cfg.ClassifierDropoutProb,
	}
	for i := range head.LinearC {
		head.LinearC[i] = newLinear(cfg.HiddenSizes[i], d)
	}
	return head
}

func (h *DecodeHead) Params(prefix string, visit func(string, *tensor.Tensor)) {
	for i, l := range h.LinearC {
		l.Params(join(prefix, "linear_c."+strconv.Itoa(i)+".proj"), visit)
	}
	h.LinearFuse.Params(join(prefix, "linear_fuse"), visit)
	h.BatchNorm.Params(join(prefix, "batch_norm"), visit)
	h.Classifier.Params(join(prefix, "classifier"), visit)
}

// Forward maps the per-stage encoder outputs of one image to class logits at
// the first stage's resolution.
func (h *DecodeHead) Forward(stages []tensor.FeatureMap, rs *runState) (tensor.FeatureMap, error) {
	if len(stages) != len(h.LinearC) {
		return tensor.FeatureMap{}, fmt.Errorf("decode head: got %d stage outputs, want %d", len(stages), len(h.LinearC))
	}
	oh, ow := stages[0].H, stages[0].W
	d := h.LinearFuse.Weight.Dim(1) / len(stages)
	plane := oh * ow
	fused := tensor.NewFeatureMap(d*len(stages), oh, ow)

	for i := range stages {
		tokens := stages[i].Tokens()
		proj := h.LinearC[i].Forward(&tokens)
		fm := tensor.FromTokens(&proj, stages[i].H, stages[i].W)
		up := tensor.ResizeBilinear(&fm, oh, ow)
		// Deepest stage first.
		slot := len(stages) - 1 - i
		copy(fused.Data[slot*d*plane:(slot+1)*d*plane], up.Data)
	}

	hidden, err := h.LinearFuse.Forward(&fused)
	if err != nil {
		return tensor.FeatureMap{}, fmt.Errorf("decode head: %w", err)
	}
	h.BatchNorm.Forward(&hidden)
	tensor.Apply(hidden.Data, tensor.ReLU)
	rs.dropout(hidden.Data, h.dropout)

	logits, err := h.Classifier.Forward(&hidden)
	if err != nil {
		return tensor.FeatureMap{}, fmt.Errorf("decode head: %w", err)
	}
	return logits, nil
}
