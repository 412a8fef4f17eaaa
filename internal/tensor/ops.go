package tensor

import (
	"math"
	"math/rand/v2"
)

// Add adds src to dst element-wise.
func Add(dst, src []float32) {
	for i := range dst {
		dst[i] += src[i]
	}
}

// AddBias adds bias to every row of m.
func AddBias(m *Mat, bias []float32) {
	if len(bias) != m.C {
		panic("bias length mismatch")
	}
	for i := 0; i < m.R; i++ {
		Add(m.Row(i), bias)
	}
}

// Scale multiplies x in place by s.
func Scale(x []float32, s float32) {
	for i := range x {
		x[i] *= s
	}
}

// Dot computes the dot product of a and b.
func Dot(a, b []float32) float32 {
	var sum float32
	i := 0
	for ; i+3 < len(a); i += 4 {
		sum += a[i]*b[i] + a[i+1]*b[i+1] + a[i+2]*b[i+2] + a[i+3]*b[i+3]
	}
	for ; i < len(a); i++ {
		sum += a[i] * b[i]
	}
	return sum
}

// LayerNorm normalises src to zero mean and unit variance and applies the
// affine weight and bias. dst and src may alias.
func LayerNorm(dst, src, weight, bias []float32, eps float32) {
	n := len(src)
	if n == 0 {
		return
	}
	var mean float64
	for _, v := range src {
		mean += float64(v)
	}
	mean /= float64(n)
	var variance float64
	for _, v := range src {
		d := float64(v) - mean
		variance += d * d
	}
	variance /= float64(n)
	inv := 1 / math.Sqrt(variance+float64(eps))
	for i, v := range src {
		dst[i] = float32((float64(v)-mean)*inv)*weight[i] + bias[i]
	}
}

// LayerNormRows applies LayerNorm to every row of m in place.
func LayerNormRows(m *Mat, weight, bias []float32, eps float32) {
	if len(weight) != m.C || len(bias) != m.C {
		panic("layernorm: parameter length mismatch")
	}
	workers := 0
	if m.R*m.C < parallelThreshold {
		workers = 1
	}
	ParallelRows(m.R, workers, func(rs, re int) {
		for i := rs; i < re; i++ {
			row := m.Row(i)
			LayerNorm(row, row, weight, bias, eps)
		}
	})
}

// Softmax applies the softmax function to x.
func Softmax(x []float32) {
	if len(x) == 0 {
		return
	}
	maxv := x[0]
	for i := 1; i < len(x); i++ {
		if x[i] > maxv {
			maxv = x[i]
		}
	}
	var sum float64
	for i := range x {
		v := math.Exp(float64(x[i] - maxv))
		x[i] = float32(v)
		sum += v
	}
	if sum == 0 {
		return
	}
	inv := float32(1.0 / sum)
	for i := range x {
		x[i] *= inv
	}
}

// GELU is the exact Gaussian error linear unit 0.5·x·(1+erf(x/√2)).
func GELU(x float32) float32 {
	return float32(0.5 * float64(x) * (1 + math.Erf(float64(x)/math.Sqrt2)))
}

// GELUTanh is the tanh approximation of GELU.
func GELUTanh(x float32) float32 {
	const (
		sqrt2OverPi = 0.7978845608028654
		coeff       = 0.044715
	)
	v := float64(x)
	return float32(0.5 * v * (1 + math.Tanh(sqrt2OverPi*(v+coeff*v*v*v))))
}

// ReLU returns max(0, x).
func ReLU(x float32) float32 {
	if x < 0 {
		return 0
	}
	return x
}

// Sigmoid computes the logistic sigmoid activation.
func Sigmoid(x float32) float32 {
	return float32(1.0 / (1.0 + math.Exp(float64(-x))))
}

// Silu computes the Sigmoid Linear Unit (SiLU) activation.
func Silu(x float32) float32 {
	return x * Sigmoid(x)
}

// Apply replaces every element of x with fn(x).
func Apply(x []float32, fn func(float32) float32) {
	for i, v := range x {
		x[i] = fn(v)
	}
}

// Dropout zeroes each element with probability p and scales survivors by
// 1/(1-p). p <= 0 leaves x untouched.
func Dropout(x []float32, p float64, rng *rand.Rand) {
	if p <= 0 {
		return
	}
	if p >= 1 {
		clear(x)
		return
	}
	scale := float32(1 / (1 - p))
	for i := range x {
		if rng.Float64() < p {
			x[i] = 0
		} else {
			x[i] *= scale
		}
	}
}

// BatchNorm normalises every channel of a CHW buffer with inference
// statistics: (x-mean)/sqrt(var+eps)*weight + bias.
func BatchNorm(fm *FeatureMap, weight, bias, mean, variance []float32, eps float32) {
	hw := fm.H * fm.W
	for c := 0; c < fm.C; c++ {
		scale := weight[c] / float32(math.Sqrt(float64(variance[c]+eps)))
		shift := bias[c] - mean[c]*scale
		plane := fm.Data[c*hw : (c+1)*hw]
		for i := range plane {
			plane[i] = plane[i]*scale + shift
		}
	}
}

// Argmax returns the index of the largest element of x (first on ties).
func Argmax(x []float32) int {
	best := 0
	for i := 1; i < len(x); i++ {
		if x[i] > x[best] {
			best = i
		}
	}
	return best
}
