package tensor

// ResizeBilinear resamples every channel of in to oh×ow using bilinear
// interpolation with half-pixel centres (align_corners=false semantics).
func ResizeBilinear(in *FeatureMap, oh, ow int) FeatureMap {
	out := NewFeatureMap(in.C, oh, ow)
	if in.H == oh && in.W == ow {
		copy(out.Data, in.Data)
		return out
	}
	ys := bilinearTaps(in.H, oh)
	xs := bilinearTaps(in.W, ow)
	hw := in.H * in.W

	workers := 0
	if in.C*oh*ow < parallelThreshold {
		workers = 1
	}
	ParallelRows(in.C, workers, func(cs, ce int) {
		for c := cs; c < ce; c++ {
			src := in.Data[c*hw : (c+1)*hw]
			dst := out.Plane(c)
			for oy, ty := range ys {
				r0 := src[ty.i0*in.W : (ty.i0+1)*in.W]
				r1 := src[ty.i1*in.W : (ty.i1+1)*in.W]
				row := dst[oy*ow : (oy+1)*ow]
				for ox, tx := range xs {
					top := r0[tx.i0]*(1-tx.f) + r0[tx.i1]*tx.f
					bot := r1[tx.i0]*(1-tx.f) + r1[tx.i1]*tx.f
					row[ox] = top*(1-ty.f) + bot*ty.f
				}
			}
		}
	})
	return out
}

type tap struct {
	i0, i1 int
	f      float32
}

func bilinearTaps(in, out int) []tap {
	taps := make([]tap, out)
	scale := float64(in) / float64(out)
	for o := range taps {
		src := (float64(o)+0.5)*scale - 0.5
		if src < 0 {
			src = 0
		}
		i0 := int(src)
		if i0 > in-1 {
			i0 = in - 1
		}
		i1 := i0
		if i0 < in-1 {
			i1 = i0 + 1
		}
		taps[o] = tap{i0: i0, i1: i1, f: float32(src - float64(i0))}
	}
	return taps
}
