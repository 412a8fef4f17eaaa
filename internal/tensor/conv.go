package tensor

import "fmt"

// Conv2DParams describes a 2-D convolution with square stride and padding.
type Conv2DParams struct {
	Stride  int
	Padding int
	Groups  int
}

// ConvOutputSize returns the spatial output size of a convolution along one
// axis: floor((in + 2*pad - kernel) / stride) + 1.
func ConvOutputSize(in, kernel, stride, pad int) int {
	return (in+2*pad-kernel)/stride + 1
}

// Conv2D convolves in with weight [out, in/groups, kh, kw] and adds bias
// (which may be nil). Groups equal to the channel count use a direct
// depthwise kernel; everything else goes through im2col and GemmPar.
func Conv2D(in *FeatureMap, weight *Tensor, bias []float32, p Conv2DParams) (FeatureMap, error) {
	if len(weight.Shape) != 4 {
		return FeatureMap{}, fmt.Errorf("conv2d: weight must be rank 4, got %v", weight.Shape)
	}
	stride := max(p.Stride, 1)
	groups := max(p.Groups, 1)
	cout, cinG, kh, kw := weight.Shape[0], weight.Shape[1], weight.Shape[2], weight.Shape[3]
	if in.C%groups != 0 || cout%groups != 0 || cinG != in.C/groups {
		return FeatureMap{}, fmt.Errorf("conv2d: input has %d channels, weight %v, groups %d", in.C, weight.Shape, groups)
	}
	if bias != nil && len(bias) != cout {
		return FeatureMap{}, fmt.Errorf("conv2d: bias has %d values for %d output channels", len(bias), cout)
	}
	oh := ConvOutputSize(in.H, kh, stride, p.Padding)
	ow := ConvOutputSize(in.W, kw, stride, p.Padding)
	if oh <= 0 || ow <= 0 {
		return FeatureMap{}, fmt.Errorf("conv2d: input %dx%d too small for kernel %dx%d", in.H, in.W, kh, kw)
	}

	out := NewFeatureMap(cout, oh, ow)
	if groups == in.C && cinG == 1 && cout == in.C {
		depthwise(&out, in, weight.Data, kh, kw, stride, p.Padding)
	} else {
		coutG := cout / groups
		k := cinG * kh * kw
		cols := NewMat(k, oh*ow)
		for g := 0; g < groups; g++ {
			im2col(&cols, in, g*cinG, cinG, kh, kw, stride, p.Padding, oh, ow)
			w := NewMatFromData(coutG, k, weight.Data[g*coutG*k:(g+1)*coutG*k])
			o := NewMatFromData(coutG, oh*ow, out.Data[g*coutG*oh*ow:(g+1)*coutG*oh*ow])
			GemmPar(&o, &w, &cols, 1, 0, 0)
		}
	}
	if bias != nil {
		for c := 0; c < cout; c++ {
			plane := out.Plane(c)
			b := bias[c]
			for i := range plane {
				plane[i] += b
			}
		}
	}
	return out, nil
}

// im2col lays out the receptive fields of channels [c0, c0+cn) so that column
// p of cols holds the patch that produces output position p.
func im2col(cols *Mat, in *FeatureMap, c0, cn, kh, kw, stride, pad, oh, ow int) {
	hw := in.H * in.W
	workers := 0
	if cols.R*cols.C < parallelThreshold {
		workers = 1
	}
	ParallelRows(cn*kh*kw, workers, func(rs, re int) {
		for r := rs; r < re; r++ {
			c := r / (kh * kw)
			ky := (r / kw) % kh
			kx := r % kw
			plane := in.Data[(c0+c)*hw : (c0+c+1)*hw]
			dst := cols.Row(r)
			for oy := 0; oy < oh; oy++ {
				iy := oy*stride - pad + ky
				row := dst[oy*ow : (oy+1)*ow]
				if iy < 0 || iy >= in.H {
					clear(row)
					continue
				}
				src := plane[iy*in.W : (iy+1)*in.W]
				for ox := range row {
					ix := ox*stride - pad + kx
					if ix < 0 || ix >= in.W {
						row[ox] = 0
					} else {
						row[ox] = src[ix]
					}
				}
			}
		}
	})
}

func depthwise(out, in *FeatureMap, w []float32, kh, kw, stride, pad int) {
	hw := in.H * in.W
	workers := 0
	if out.C*out.H*out.W*kh*kw < parallelThreshold {
		workers = 1
	}
	ParallelRows(in.C, workers, func(cs, ce int) {
		for c := cs; c < ce; c++ {
			src := in.Data[c*hw : (c+1)*hw]
			dst := out.Plane(c)
			kern := w[c*kh*kw : (c+1)*kh*kw]
			for oy := 0; oy < out.H; oy++ {
				for ox := 0; ox < out.W; ox++ {
					var sum float32
					for ky := 0; ky < kh; ky++ {
						iy := oy*stride - pad + ky
						if iy < 0 || iy >= in.H {
							continue
						}
						for kx := 0; kx < kw; kx++ {
							ix := ox*stride - pad + kx
							if ix < 0 || ix >= in.W {
								continue
							}
							sum += src[iy*in.W+ix] * kern[ky*kw+kx]
						}
					}
					dst[oy*out.W+ox] = sum
				}
			}
		}
	})
}
