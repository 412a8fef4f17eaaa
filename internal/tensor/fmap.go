package tensor

// FeatureMap is a single image-shaped activation in channel-major (C, H, W)
// layout.
type FeatureMap struct {
	C, H, W int
	Data    []float32
}

// NewFeatureMap allocates a zeroed map.
func NewFeatureMap(c, h, w int) FeatureMap {
	return FeatureMap{C: c, H: h, W: w, Data: make([]float32, c*h*w)}
}

// FeatureMapFrom wraps data, which must hold exactly c*h*w values.
func FeatureMapFrom(c, h, w int, data []float32) FeatureMap {
	if len(data) != c*h*w {
		panic("feature map size mismatch")
	}
	return FeatureMap{C: c, H: h, W: w, Data: data}
}

// Plane returns channel c as a slice of H*W values.
func (fm *FeatureMap) Plane(c int) []float32 {
	hw := fm.H * fm.W
	return fm.Data[c*hw : (c+1)*hw]
}

// Tokens flattens the spatial dims and moves channels last: (C, H, W) becomes
// a (H*W, C) matrix, one row per position in raster order.
func (fm *FeatureMap) Tokens() Mat {
	hw := fm.H * fm.W
	out := NewMat(hw, fm.C)
	for c := 0; c < fm.C; c++ {
		plane := fm.Data[c*hw : (c+1)*hw]
		for p, v := range plane {
			out.Data[p*fm.C+c] = v
		}
	}
	return out
}

// FromTokens is the inverse of Tokens: a (h*w, C) matrix becomes a (C, h, w) map.
func FromTokens(m *Mat, h, w int) FeatureMap {
	if m.R != h*w {
		panic("token count does not match spatial size")
	}
	fm := NewFeatureMap(m.C, h, w)
	hw := h * w
	for p := 0; p < m.R; p++ {
		row := m.Row(p)
		for c, v := range row {
			fm.Data[c*hw+p] = v
		}
	}
	return fm
}

// ArgmaxChannels returns, for every spatial position, the channel with the
// largest value.
func ArgmaxChannels(fm *FeatureMap) []int {
	hw := fm.H * fm.W
	out := make([]int, hw)
	if fm.C == 0 {
		return out
	}
	best := make([]float32, hw)
	copy(best, fm.Plane(0))
	for c := 1; c < fm.C; c++ {
		plane := fm.Plane(c)
		for p, v := range plane {
			if v > best[p] {
				best[p] = v
				out[p] = c
			}
		}
	}
	return out
}
