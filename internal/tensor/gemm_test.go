package tensor

import (
	"math"
	"sync/atomic"
	"testing"
)

func gemmNaive(C, A, B *Mat) {
	for i := 0; i < A.R; i++ {
		for j := 0; j < B.C; j++ {
			var sum float32
			for kk := 0; kk < A.C; kk++ {
				sum += A.Row(i)[kk] * B.Row(kk)[j]
			}
			C.Row(i)[j] = sum
		}
	}
}

func maxAbsDiff(a, b []float32) float64 {
	var maxAbs float64
	for i := range a {
		d := math.Abs(float64(a[i] - b[i]))
		if d > maxAbs {
			maxAbs = d
		}
	}
	return maxAbs
}

func TestGemmParMatchesNaive(t *testing.T) {
	t.Parallel()
	A := NewMat(50, 70)
	B := NewMat(70, 45)
	C0 := NewMat(50, 45)
	C1 := NewMat(50, 45)

	FillRand(&A, 1)
	FillRand(&B, 2)

	gemmNaive(&C0, &A, &B)
	GemmPar(&C1, &A, &B, 1, 0, 4)

	if maxAbs := maxAbsDiff(C0.Data, C1.Data); maxAbs > 1e-5 {
		t.Fatalf("max abs diff %g", maxAbs)
	}
}

func TestGemmParLarge(t *testing.T) {
	t.Parallel()
	A := NewMat(130, 200)
	B := NewMat(200, 96)
	C0 := NewMat(130, 96)
	C1 := NewMat(130, 96)
	FillRand(&A, 5)
	FillRand(&B, 6)

	gemmNaive(&C0, &A, &B)
	GemmPar(&C1, &A, &B, 1, 0, 0)
	if maxAbs := maxAbsDiff(C0.Data, C1.Data); maxAbs > 1e-5 {
		t.Fatalf("max abs diff %g", maxAbs)
	}
}

func TestGemmParAlphaBeta(t *testing.T) {
	t.Parallel()
	A := NewMat(8, 6)
	B := NewMat(6, 5)
	FillRand(&A, 7)
	FillRand(&B, 8)
	want := NewMat(8, 5)
	gemmNaive(&want, &A, &B)

	C := NewMat(8, 5)
	Fill(C.Data, 1)
	GemmPar(&C, &A, &B, 2, 0.5, 1)
	for i := range want.Data {
		exp := 2*want.Data[i] + 0.5
		if math.Abs(float64(C.Data[i]-exp)) > 1e-5 {
			t.Fatalf("index %d: got %v want %v", i, C.Data[i], exp)
		}
	}
}

func TestGemmParStridedViews(t *testing.T) {
	t.Parallel()
	parent := NewMat(12, 20)
	FillRand(&parent, 9)
	A := parent.Cols(4, 10)
	B := NewMat(6, 7)
	FillRand(&B, 10)

	packed := A.Clone()
	want := NewMat(12, 7)
	gemmNaive(&want, &packed, &B)
	got := NewMat(12, 7)
	GemmPar(&got, &A, &B, 1, 0, 2)
	if maxAbs := maxAbsDiff(want.Data, got.Data); maxAbs > 1e-6 {
		t.Fatalf("max abs diff %g", maxAbs)
	}
}

func TestMatMulTransB(t *testing.T) {
	t.Parallel()
	A := NewMat(9, 13)
	W := NewMat(4, 13)
	FillRand(&A, 11)
	FillRand(&W, 12)

	Wt := W.Transpose()
	want := NewMat(9, 4)
	gemmNaive(&want, &A, &Wt)
	got := NewMat(9, 4)
	MatMulTransB(&got, &A, &W)
	if maxAbs := maxAbsDiff(want.Data, got.Data); maxAbs > 1e-6 {
		t.Fatalf("max abs diff %g", maxAbs)
	}
}

func TestParallelRowsCoversRange(t *testing.T) {
	t.Parallel()
	for _, n := range []int{1, 7, 64, 1000} {
		seen := make([]int32, n)
		ParallelRows(n, 0, func(rs, re int) {
			for i := rs; i < re; i++ {
				atomic.AddInt32(&seen[i], 1)
			}
		})
		for i, v := range seen {
			if v != 1 {
				t.Fatalf("n=%d row %d visited %d times", n, i, v)
			}
		}
	}
}

func TestGemmParDimensionMismatchPanics(t *testing.T) {
	t.Parallel()
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic")
		}
	}()
	A := NewMat(2, 3)
	B := NewMat(4, 2)
	C := NewMat(2, 2)
	GemmPar(&C, &A, &B, 1, 0, 1)
}
