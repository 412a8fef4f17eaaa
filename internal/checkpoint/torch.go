package checkpoint

import (
	"fmt"

	"github.com/nlpodyssey/gopickle/pytorch"
	"github.com/nlpodyssey/gopickle/types"

	"github.com/samcharles93/segformer/internal/tensor"
)

// Training checkpoints often nest the weights under one of these keys.
var wrapperKeys = []string{"state_dict", "model", "module"}

// LoadTorch reads a PyTorch checkpoint written by torch.save. Non-tensor
// entries (optimizer state, epoch counters, metadata) are ignored.
func LoadTorch(path string) (StateDict, error) {
	obj, err := pytorch.Load(path)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: load %s: %w", path, err)
	}
	dict, ok := obj.(*types.Dict)
	if !ok {
		return nil, fmt.Errorf("checkpoint: %s: top-level object is %T, want a dict", path, obj)
	}
	dict = unwrapStateDict(dict)

	sd := make(StateDict, dict.Len())
	for _, k := range dict.Keys() {
		name, ok := k.(string)
		if !ok {
			continue
		}
		pt, ok := dict.MustGet(k).(*pytorch.Tensor)
		if !ok {
			continue
		}
		t, err := fromTorch(pt)
		if err != nil {
			return nil, fmt.Errorf("checkpoint: %s: %w", name, err)
		}
		sd[name] = t
	}
	if len(sd) == 0 {
		return nil, fmt.Errorf("checkpoint: %s: no tensors found", path)
	}
	return sd, nil
}

func unwrapStateDict(d *types.Dict) *types.Dict {
	for _, key := range wrapperKeys {
		v, ok := d.Get(key)
		if !ok {
			continue
		}
		if inner, ok := v.(*types.Dict); ok {
			return unwrapStateDict(inner)
		}
	}
	return d
}

func fromTorch(pt *pytorch.Tensor) (*tensor.Tensor, error) {
	at, err := storageReader(pt.Source)
	if err != nil {
		return nil, err
	}
	out := tensor.New(pt.Size...)
	strides := pt.Stride
	if len(strides) != len(pt.Size) {
		strides = contiguousStrides(pt.Size)
	}

	// Walk the logical index space in row-major order, tracking the storage
	// offset so non-contiguous views are gathered correctly.
	idx := make([]int, len(pt.Size))
	off := pt.StorageOffset
	for i := range out.Data {
		out.Data[i] = at(off)
		for d := len(idx) - 1; d >= 0; d-- {
			idx[d]++
			off += strides[d]
			if idx[d] < pt.Size[d] {
				break
			}
			off -= strides[d] * idx[d]
			idx[d] = 0
		}
	}
	return out, nil
}

func contiguousStrides(size []int) []int {
	strides := make([]int, len(size))
	s := 1
	for d := len(size) - 1; d >= 0; d-- {
		strides[d] = s
		s *= size[d]
	}
	return strides
}

func storageReader(src pytorch.StorageInterface) (func(int) float32, error) {
	switch s := src.(type) {
	case *pytorch.FloatStorage:
		return func(i int) float32 { return s.Data[i] }, nil
	case *pytorch.HalfStorage:
		return func(i int) float32 { return s.Data[i] }, nil
	case *pytorch.BFloat16Storage:
		return func(i int) float32 { return s.Data[i] }, nil
	case *pytorch.DoubleStorage:
		return func(i int) float32 { return float32(s.Data[i]) }, nil
	case *pytorch.LongStorage:
		return func(i int) float32 { return float32(s.Data[i]) }, nil
	default:
		return nil, fmt.Errorf("unsupported storage %T", src)
	}
}
