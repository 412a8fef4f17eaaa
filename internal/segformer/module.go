package segformer

import (
	"fmt"
	"math"
	"math/rand/v2"
	"strings"

	"github.com/samcharles93/segformer/internal/tensor"
)

// Module is implemented by every layer. Params reports each owned weight
// and buffer under its dotted checkpoint name.
type Module interface {
	Params(prefix string, visit func(name string, t *tensor.Tensor))
}

func join(prefix, name string) string {
	if prefix == "" {
		return name
	}
	return prefix + "." + name
}

// runState carries the per-sample mode of a forward pass.
type runState struct {
	training bool
	rng      *rand.Rand
}

func (rs *runState) dropout(x []float32, p float64) {
	if !rs.training || p <= 0 {
		return
	}
	tensor.Dropout(x, p, rs.rng)
}

func activation(name string) (func(float32) float32, error) {
	switch strings.ToLower(name) {
	case "gelu", "":
		return tensor.GELU, nil
	case "gelu_new", "gelu_fast", "gelu_pytorch_tanh":
		return tensor.GELUTanh, nil
	case "relu":
		return tensor.ReLU, nil
	case "silu", "swish":
		return tensor.Silu, nil
	case "sigmoid":
		return tensor.Sigmoid, nil
	default:
		return nil, fmt.Errorf("unknown activation %q", name)
	}
}

// Linear is y = x·Wᵀ + b with W stored [out, in].
type Linear struct {
	Weight *tensor.Tensor
	Bias   *tensor.Tensor
}

func newLinear(in, out int) *Linear {
	return &Linear{Weight: tensor.New(out, in), Bias: tensor.New(out)}
}

func (l *Linear) Params(prefix string, visit func(string, *tensor.Tensor)) {
	visit(join(prefix, "weight"), l.Weight)
	if l.Bias != nil {
		visit(join(prefix, "bias"), l.Bias)
	}
}

// Forward applies the projection to every row of x.
func (l *Linear) Forward(x *tensor.Mat) tensor.Mat {
	w := l.Weight.Mat()
	out := tensor.NewMat(x.R, w.R)
	tensor.MatMulTransB(&out, x, &w)
	if l.Bias != nil {
		tensor.AddBias(&out, l.Bias.Data)
	}
	return out
}

// Conv2d wraps a convolution weight [out, in/groups, kh, kw].
type Conv2d struct {
	Weight *tensor.Tensor
	Bias   *tensor.Tensor
	Conv   tensor.Conv2DParams
}

func newConv2d(in, out, kernel, stride, padding, groups int, bias bool) *Conv2d {
	c := &Conv2d{
		Weight: tensor.New(out, in/groups, kernel, kernel),
		Conv:   tensor.Conv2DParams{Stride: stride, Padding: padding, Groups: groups},
	}
	if bias {
		c.Bias = tensor.New(out)
	}
	return c
}

func (c *Conv2d) Params(prefix string, visit func(string, *tensor.Tensor)) {
	visit(join(prefix, "weight"), c.Weight)
	if c.Bias != nil {
		visit(join(prefix, "bias"), c.Bias)
	}
}

func (c *Conv2d) Forward(x *tensor.FeatureMap) (tensor.FeatureMap, error) {
	var bias []float32
	if c.Bias != nil {
		bias = c.Bias.Data
	}
	return tensor.Conv2D(x, c.Weight, bias, c.Conv)
}

// LayerNorm normalises the last dimension.
type LayerNorm struct {
	Weight *tensor.Tensor
	Bias   *tensor.Tensor
	Eps    float32
}

func newLayerNorm(dim int) *LayerNorm {
	ln := &LayerNorm{Weight: tensor.New(dim), Bias: tensor.New(dim), Eps: LayerNormEpsilon}
	tensor.Fill(ln.Weight.Data, 1)
	return ln
}

func (ln *LayerNorm) Params(prefix string, visit func(string, *tensor.Tensor)) {
	visit(join(prefix, "weight"), ln.Weight)
	visit(join(prefix, "bias"), ln.Bias)
}

// Forward normalises every row of x in place.
func (ln *LayerNorm) Forward(x *tensor.Mat) {
	tensor.LayerNormRows(x, ln.Weight.Data, ln.Bias.Data, ln.Eps)
}

// BatchNorm2d applies inference-time batch normalisation per channel.
type BatchNorm2d struct {
	Weight      *tensor.Tensor
	Bias        *tensor.Tensor
	RunningMean *tensor.Tensor
	RunningVar  *tensor.Tensor
	Eps         float32
}

func newBatchNorm2d(dim int) *BatchNorm2d {
	bn := &BatchNorm2d{
		Weight:      tensor.New(dim),
		Bias:        tensor.New(dim),
		RunningMean: tensor.New(dim),
		RunningVar:  tensor.New(dim),
		Eps:         BatchNormEpsilon,
	}
	tensor.Fill(bn.Weight.Data, 1)
	tensor.Fill(bn.RunningVar.Data, 1)
	return bn
}

func (bn *BatchNorm2d) Params(prefix string, visit func(string, *tensor.Tensor)) {
	visit(join(prefix, "weight"), bn.Weight)
	visit(join(prefix, "bias"), bn.Bias)
	visit(join(prefix, "running_mean"), bn.RunningMean)
	visit(join(prefix, "running_var"), bn.RunningVar)
}

func (bn *BatchNorm2d) Forward(x *tensor.FeatureMap) {
	tensor.BatchNorm(x, bn.Weight.Data, bn.Bias.Data, bn.RunningMean.Data, bn.RunningVar.Data, bn.Eps)
}

// initParams draws every weight of m from N(0, std²) and zeroes every bias.
// Norm parameters and running statistics keep their construction values.
func initParams(m Module, std float64, rng *rand.Rand) {
	m.Params("", func(name string, t *tensor.Tensor) {
		if !strings.HasSuffix(name, "weight") || isNormParam(name) {
			return
		}
		tensor.FillNormal(t.Data, rng, 0, std)
	})
}

func isNormParam(name string) bool {
	return strings.Contains(name, "layer_norm") || strings.Contains(name, "batch_norm")
}

// DropPath randomly skips a residual branch per sample during training.
type DropPath struct {
	Prob float64
}

// Apply scales the branch x in place. The input slice is returned untouched
// when the rate is zero or the model is not training.
func (d DropPath) Apply(x []float32, rs *runState) []float32 {
	if d.Prob == 0 || rs == nil || !rs.training {
		return x
	}
	keep := 1 - d.Prob
	mask := math.Floor(keep + rs.rng.Float64())
	tensor.Scale(x, float32(mask/keep))
	return x
}
