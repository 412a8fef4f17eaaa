package segformer

import (
	"fmt"

	"github.com/samcharles93/segformer/internal/tensor"
)

// MixFFN is the feed-forward block with a 3×3 depthwise conv between its two
// projections, which lets it carry positional information.
type MixFFN struct {
	Dense1 *Linear
	DWConv *Conv2d
	Dense2 *Linear

	act     func(float32) float32
	dropout float64
}

func newMixFFN(in, hidden int, act func(float32) float32, dropout float64) *MixFFN {
	return &MixFFN{
		Dense1:  newLinear(in, hidden),
		DWConv:  newConv2d(hidden, hidden, 3, 1, 1, hidden, true),
		Dense2:  newLinear(hidden, in),
		act:     act,
		dropout: dropout,
	}
}

func (f *MixFFN) Params(prefix string, visit func(string, *tensor.Tensor)) {
	f.Dense1.Params(join(prefix, "dense1"), visit)
	f.DWConv.Params(join(prefix, "dwconv.dwconv"), visit)
	f.Dense2.Params(join(prefix, "dense2"), visit)
}

func (f *MixFFN) Forward(x *tensor.Mat, h, w int, rs *runState) (tensor.Mat, error) {
	hidden := f.Dense1.Forward(x)
	fm := tensor.FromTokens(&hidden, h, w)
	conv, err := f.DWConv.Forward(&fm)
	if err != nil {
		return tensor.Mat{}, fmt.Errorf("mix-ffn: %w", err)
	}
	tokens := conv.Tokens()
	tensor.Apply(tokens.Data, f.act)
	rs.dropout(tokens.Data, f.dropout)
	out := f.Dense2.Forward(&tokens)
	rs.dropout(out.Data, f.dropout)
	return out, nil
}
