package checkpoint

import (
	"fmt"

	gtensor "github.com/pdevine/tensor"
	"github.com/pdevine/tensor/native"

	"github.com/samcharles93/segformer/internal/tensor"
)

// SplitRows slices a fused projection into parts equal pieces along its
// leading (output) dimension. A fused kv weight [2C, C] becomes key and value
// weights of shape [C, C]; its bias [2C] becomes two [C] biases.
func SplitRows(t *tensor.Tensor, parts int) ([]*tensor.Tensor, error) {
	if parts < 1 {
		return nil, fmt.Errorf("checkpoint: split into %d parts", parts)
	}
	if t.Rank() == 0 || t.Shape[0]%parts != 0 {
		return nil, fmt.Errorf("checkpoint: %w: cannot split %s into %d parts",
			ErrShapeMismatch, tensor.ShapeString(t.Shape), parts)
	}
	rows := t.Shape[0] / parts
	partShape := append([]int{rows}, t.Shape[1:]...)

	var fused gtensor.Tensor = gtensor.New(gtensor.WithShape(t.Shape...), gtensor.WithBacking(t.Data))
	out := make([]*tensor.Tensor, parts)
	for p := range parts {
		slices := make([]gtensor.Slice, t.Rank())
		slices[0] = gtensor.S(p*rows, (p+1)*rows)
		view, err := fused.Slice(slices...)
		if err != nil {
			return nil, fmt.Errorf("checkpoint: slice part %d: %w", p, err)
		}
		piece := gtensor.Materialize(view).(*gtensor.Dense)
		if err := piece.Reshape(piece.Shape().TotalSize()); err != nil {
			return nil, err
		}
		data, err := native.VectorF32(piece)
		if err != nil {
			return nil, err
		}
		out[p], err = tensor.FromData(data, partShape...)
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}
