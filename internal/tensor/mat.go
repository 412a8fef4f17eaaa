package tensor

import (
	"math"
	"math/rand/v2"
)

// Mat represents a dense row‑major matrix of float32 values.
//
// R and C represent the number of rows and columns respectively.  Stride is the
// number of elements between the starts of two consecutive rows.  For a
// freshly allocated matrix Stride equals C; column views (see Cols) keep the
// parent's stride so per-head slices of a projection can be used in place.
//
// Mat does not perform any memory safety beyond the checks performed by Go's
// slice types; out‑of‑range indices will panic.
type Mat struct {
	R, C   int
	Stride int
	Data   []float32
}

// NewMat allocates a new matrix with the given number of rows and columns.
// The underlying slice is zero initialised.  The stride is set to the
// number of columns.
func NewMat(r, c int) Mat {
	if r < 0 || c < 0 {
		panic("negative dimension for matrix")
	}
	return Mat{
		R:      r,
		C:      c,
		Stride: c,
		Data:   make([]float32, r*c),
	}
}

// NewMatFromData creates a matrix from existing data.
// It checks that the data length matches r*c.
func NewMatFromData(r, c int, data []float32) Mat {
	if r*c != len(data) {
		panic("data length mismatch")
	}
	return Mat{
		R:      r,
		C:      c,
		Stride: c,
		Data:   data,
	}
}

// Row returns a view of the i‑th row of the matrix as a slice.  The slice
// has length equal to the number of columns.  Modifications to the returned
// slice update the underlying matrix values.
func (m *Mat) Row(i int) []float32 {
	if i < 0 || i >= m.R {
		panic("row index out of range")
	}
	start := i * m.Stride
	return m.Data[start : start+m.C]
}

// Cols returns a view of columns [c0, c1) sharing storage with m.
func (m *Mat) Cols(c0, c1 int) Mat {
	if c0 < 0 || c1 > m.C || c0 > c1 {
		panic("column range out of range")
	}
	if m.R == 0 {
		return Mat{R: 0, C: c1 - c0, Stride: m.Stride}
	}
	return Mat{
		R:      m.R,
		C:      c1 - c0,
		Stride: m.Stride,
		Data:   m.Data[c0 : (m.R-1)*m.Stride+c1],
	}
}

// Contiguous reports whether the rows are packed back to back.
func (m *Mat) Contiguous() bool {
	return m.Stride == m.C
}

// Clone returns a packed copy of m.
func (m *Mat) Clone() Mat {
	out := NewMat(m.R, m.C)
	for i := 0; i < m.R; i++ {
		copy(out.Row(i), m.Row(i))
	}
	return out
}

// Transpose returns a new packed matrix holding mᵀ.
func (m *Mat) Transpose() Mat {
	out := NewMat(m.C, m.R)
	for i := 0; i < m.R; i++ {
		row := m.Row(i)
		for j, v := range row {
			out.Data[j*out.Stride+i] = v
		}
	}
	return out
}

// FillRand fills the matrix with reproducible pseudo‑random values.  A small
// range around zero is used to avoid overflow in accumulations.  The seed
// controls the random sequence; multiple calls with the same seed produce
// identical matrices.
func FillRand(m *Mat, seed int64) {
	rng := rand.New(rand.NewPCG(uint64(seed), 0x5eed))
	for i := 0; i < m.R; i++ {
		row := m.Row(i)
		for j := range row {
			row[j] = (rng.Float32() - 0.5) * 0.02 // roughly in (-0.01,0.01)
		}
	}
}

// FillNormal fills data with samples from N(mean, std²) drawn from rng.
func FillNormal(data []float32, rng *rand.Rand, mean, std float64) {
	for i := range data {
		data[i] = float32(mean + std*rng.NormFloat64())
	}
}

// Fill sets every element of data to v.
func Fill(data []float32, v float32) {
	for i := range data {
		data[i] = v
	}
}

// AllFinite reports whether data holds no NaN or Inf values.
func AllFinite(data []float32) bool {
	for _, v := range data {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return false
		}
	}
	return true
}
