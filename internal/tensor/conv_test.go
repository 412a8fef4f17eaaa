package tensor

import (
	"math"
	"testing"
)

func conv2dNaive(in *FeatureMap, w *Tensor, bias []float32, stride, pad, groups int) FeatureMap {
	cout, cinG, kh, kw := w.Shape[0], w.Shape[1], w.Shape[2], w.Shape[3]
	coutG := cout / groups
	oh := ConvOutputSize(in.H, kh, stride, pad)
	ow := ConvOutputSize(in.W, kw, stride, pad)
	out := NewFeatureMap(cout, oh, ow)
	for o := 0; o < cout; o++ {
		g := o / coutG
		for oy := 0; oy < oh; oy++ {
			for ox := 0; ox < ow; ox++ {
				var sum float32
				if bias != nil {
					sum = bias[o]
				}
				for ci := 0; ci < cinG; ci++ {
					c := g*cinG + ci
					for ky := 0; ky < kh; ky++ {
						for kx := 0; kx < kw; kx++ {
							iy := oy*stride - pad + ky
							ix := ox*stride - pad + kx
							if iy < 0 || iy >= in.H || ix < 0 || ix >= in.W {
								continue
							}
							wv := w.Data[((o*cinG+ci)*kh+ky)*kw+kx]
							sum += wv * in.Data[(c*in.H+iy)*in.W+ix]
						}
					}
				}
				out.Data[(o*oh+oy)*ow+ox] = sum
			}
		}
	}
	return out
}

func randFeatureMap(c, h, w int, seed int64) FeatureMap {
	fm := NewFeatureMap(c, h, w)
	m := NewMatFromData(1, len(fm.Data), fm.Data)
	FillRand(&m, seed)
	return fm
}

func randTensor(seed int64, shape ...int) *Tensor {
	t := New(shape...)
	m := NewMatFromData(1, len(t.Data), t.Data)
	FillRand(&m, seed)
	return t
}

func TestConv2DMatchesNaive(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name                string
		cin, cout, k        int
		stride, pad, groups int
		h, w                int
		bias                bool
	}{
		{name: "patch7s4", cin: 3, cout: 8, k: 7, stride: 4, pad: 3, groups: 1, h: 32, w: 32, bias: true},
		{name: "patch3s2", cin: 8, cout: 16, k: 3, stride: 2, pad: 1, groups: 1, h: 8, w: 12, bias: true},
		{name: "reduction", cin: 8, cout: 8, k: 4, stride: 4, pad: 0, groups: 1, h: 8, w: 8, bias: true},
		{name: "depthwise", cin: 6, cout: 6, k: 3, stride: 1, pad: 1, groups: 6, h: 5, w: 7, bias: true},
		{name: "grouped", cin: 4, cout: 6, k: 3, stride: 1, pad: 1, groups: 2, h: 4, w: 4},
		{name: "pointwise", cin: 12, cout: 5, k: 1, stride: 1, pad: 0, groups: 1, h: 6, w: 6},
	}
	for i, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			in := randFeatureMap(tc.cin, tc.h, tc.w, int64(100+i))
			w := randTensor(int64(200+i), tc.cout, tc.cin/tc.groups, tc.k, tc.k)
			var bias []float32
			if tc.bias {
				bias = randTensor(int64(300+i), tc.cout).Data
			}
			want := conv2dNaive(&in, w, bias, tc.stride, tc.pad, tc.groups)
			got, err := Conv2D(&in, w, bias, Conv2DParams{Stride: tc.stride, Padding: tc.pad, Groups: tc.groups})
			if err != nil {
				t.Fatalf("Conv2D: %v", err)
			}
			if got.C != want.C || got.H != want.H || got.W != want.W {
				t.Fatalf("shape %dx%dx%d, want %dx%dx%d", got.C, got.H, got.W, want.C, want.H, want.W)
			}
			if d := maxAbsDiff(want.Data, got.Data); d > 1e-6 {
				t.Fatalf("max abs diff %g", d)
			}
		})
	}
}

func TestConv2DPatchEmbedOutputSize(t *testing.T) {
	t.Parallel()
	in := NewFeatureMap(3, 64, 64)
	w := New(32, 3, 7, 7)
	out, err := Conv2D(&in, w, nil, Conv2DParams{Stride: 4, Padding: 3})
	if err != nil {
		t.Fatal(err)
	}
	if out.H != 16 || out.W != 16 {
		t.Fatalf("output %dx%d, want 16x16", out.H, out.W)
	}
}

func TestConv2DErrors(t *testing.T) {
	t.Parallel()
	in := NewFeatureMap(3, 4, 4)
	if _, err := Conv2D(&in, New(8, 4, 3, 3), nil, Conv2DParams{Stride: 1}); err == nil {
		t.Fatal("expected channel mismatch error")
	}
	if _, err := Conv2D(&in, New(8, 3, 3, 3), make([]float32, 2), Conv2DParams{Stride: 1}); err == nil {
		t.Fatal("expected bias length error")
	}
	if _, err := Conv2D(&in, New(8, 3, 7, 7), nil, Conv2DParams{Stride: 1}); err == nil {
		t.Fatal("expected kernel too large error")
	}
}

func TestResizeBilinearIdentityAndConstant(t *testing.T) {
	t.Parallel()
	in := randFeatureMap(2, 3, 5, 42)
	same := ResizeBilinear(&in, 3, 5)
	if d := maxAbsDiff(in.Data, same.Data); d != 0 {
		t.Fatalf("identity resize changed values by %g", d)
	}

	c := NewFeatureMap(1, 2, 2)
	Fill(c.Data, 3.5)
	up := ResizeBilinear(&c, 7, 9)
	for _, v := range up.Data {
		if math.Abs(float64(v-3.5)) > 1e-6 {
			t.Fatalf("constant map resized to %v", v)
		}
	}
}

func TestResizeBilinearHalfPixel(t *testing.T) {
	t.Parallel()
	// 1x2 -> 1x4 with half-pixel centres gives [a, 0.75a+0.25b, 0.25a+0.75b, b].
	in := FeatureMapFrom(1, 1, 2, []float32{0, 4})
	out := ResizeBilinear(&in, 1, 4)
	want := []float32{0, 1, 3, 4}
	for i, v := range want {
		if math.Abs(float64(out.Data[i]-v)) > 1e-6 {
			t.Fatalf("index %d: got %v want %v", i, out.Data[i], v)
		}
	}
}
