package segformer

import (
	"fmt"
	"math"

	"github.com/samcharles93/segformer/internal/tensor"
)

// EfficientSelfAttention is multi-head attention whose keys and values are
// taken from a sequence shrunk by SRRatio along both spatial axes.
type EfficientSelfAttention struct {
	Heads   int
	SRRatio int

	Query *Linear
	Key   *Linear
	Value *Linear
	// SR and LayerNorm are nil when SRRatio is 1.
	SR        *Conv2d
	LayerNorm *LayerNorm
	Output    *Linear

	attnDropout   float64
	outputDropout float64
}

func newEfficientSelfAttention(hidden, heads, sr int, cfg *Config) *EfficientSelfAttention {
	a := &EfficientSelfAttention{
		Heads:         heads,
		SRRatio:       sr,
		Query:         newLinear(hidden, hidden),
		Key:           newLinear(hidden, hidden),
		Value:         newLinear(hidden, hidden),
		Output:        newLinear(hidden, hidden),
		attnDropout:   cfg.AttentionProbsDropoutProb,
		outputDropout: cfg.HiddenDropoutProb,
	}
	if sr > 1 {
		a.SR = newConv2d(hidden, hidden, sr, sr, 0, 1, true)
		a.LayerNorm = newLayerNorm(hidden)
	}
	return a
}

func (a *EfficientSelfAttention) Params(prefix string, visit func(string, *tensor.Tensor)) {
	self := join(prefix, "self")
	a.Query.Params(join(self, "query"), visit)
	a.Key.Params(join(self, "key"), visit)
	a.Value.Params(join(self, "value"), visit)
	if a.SR != nil {
		a.SR.Params(join(self, "sr"), visit)
		a.LayerNorm.Params(join(self, "layer_norm"), visit)
	}
	a.Output.Params(join(prefix, "output.dense"), visit)
}

// reduce returns the key/value source for an (h*w, C) token matrix and the
// number of reduced tokens.
func (a *EfficientSelfAttention) reduce(x *tensor.Mat, h, w int) (tensor.Mat, error) {
	if a.SR == nil {
		return *x, nil
	}
	fm := tensor.FromTokens(x, h, w)
	reduced, err := a.SR.Forward(&fm)
	if err != nil {
		return tensor.Mat{}, fmt.Errorf("spatial reduction: %w", err)
	}
	kv := reduced.Tokens()
	a.LayerNorm.Forward(&kv)
	return kv, nil
}

// Forward attends over x, an (h*w, C) token matrix, and returns a matrix of
// the same shape. When probs is non-nil it receives the attention
// probabilities laid out (heads, N, M) and must hold Heads*N*M values.
func (a *EfficientSelfAttention) Forward(x *tensor.Mat, h, w int, rs *runState, probs []float32) (tensor.Mat, error) {
	q := a.Query.Forward(x)
	kv, err := a.reduce(x, h, w)
	if err != nil {
		return tensor.Mat{}, err
	}
	k := a.Key.Forward(&kv)
	v := a.Value.Forward(&kv)

	n, m := q.R, k.R
	dh := q.C / a.Heads
	scale := float32(1 / math.Sqrt(float64(dh)))

	ctx := tensor.NewMat(n, q.C)
	scores := tensor.NewMat(n, m)
	for hd := 0; hd < a.Heads; hd++ {
		c0, c1 := hd*dh, (hd+1)*dh
		qh, kh, vh := q.Cols(c0, c1), k.Cols(c0, c1), v.Cols(c0, c1)

		tensor.MatMulTransB(&scores, &qh, &kh)
		tensor.Scale(scores.Data, scale)
		for i := 0; i < n; i++ {
			tensor.Softmax(scores.Row(i))
		}
		rs.dropout(scores.Data, a.attnDropout)
		if probs != nil {
			copy(probs[hd*n*m:(hd+1)*n*m], scores.Data)
		}

		out := ctx.Cols(c0, c1)
		tensor.GemmPar(&out, &scores, &vh, 1, 0, 0)
	}

	y := a.Output.Forward(&ctx)
	rs.dropout(y.Data, a.outputDropout)
	return y, nil
}

// ReducedLen returns the number of key/value tokens for an h×w token grid.
func (a *EfficientSelfAttention) ReducedLen(h, w int) int {
	if a.SR == nil {
		return h * w
	}
	return tensor.ConvOutputSize(h, a.SRRatio, a.SRRatio, 0) * tensor.ConvOutputSize(w, a.SRRatio, a.SRRatio, 0)
}
