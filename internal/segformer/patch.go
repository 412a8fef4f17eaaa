package segformer

import (
	"fmt"

	"github.com/samcharles93/segformer/internal/tensor"
)

// PatchEmbeddings turns an image or feature map into overlapping patch
// tokens: a strided conv with padding patch/2 followed by LayerNorm.
type PatchEmbeddings struct {
	Proj      *Conv2d
	LayerNorm *LayerNorm
}

func newPatchEmbeddings(patch, stride, in, hidden int) *PatchEmbeddings {
	return &PatchEmbeddings{
		Proj:      newConv2d(in, hidden, patch, stride, patch/2, 1, true),
		LayerNorm: newLayerNorm(hidden),
	}
}

func (p *PatchEmbeddings) Params(prefix string, visit func(string, *tensor.Tensor)) {
	p.Proj.Params(join(prefix, "proj"), visit)
	p.LayerNorm.Params(join(prefix, "layer_norm"), visit)
}

// OutputSize returns the token grid produced for an h×w input.
func (p *PatchEmbeddings) OutputSize(h, w int) (int, int) {
	k := p.Proj.Weight.Dim(2)
	s, pad := p.Proj.Conv.Stride, p.Proj.Conv.Padding
	return tensor.ConvOutputSize(h, k, s, pad), tensor.ConvOutputSize(w, k, s, pad)
}

// Forward returns the normalised tokens (h*w, hidden) and the token grid.
func (p *PatchEmbeddings) Forward(x *tensor.FeatureMap) (tensor.Mat, int, int, error) {
	fm, err := p.Proj.Forward(x)
	if err != nil {
		return tensor.Mat{}, 0, 0, fmt.Errorf("patch embeddings: %w", err)
	}
	tokens := fm.Tokens()
	p.LayerNorm.Forward(&tokens)
	return tokens, fm.H, fm.W, nil
}
