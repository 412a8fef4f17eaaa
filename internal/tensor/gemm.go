package tensor

import (
	"runtime"
	"sync"
)

// Tuned for the stage-1 token matrices of the smaller encoders (a few
// thousand rows, 32..256 columns). Tile sizes are variables to allow
// test-time sweeps without recompilation.
const (
	defaultTileM = 32
	defaultTileN = 32
	defaultTileK = 16

	maxTileM = 64
	maxTileN = 64
	maxTileK = 64

	// Below this many multiply-adds the pool hand-off costs more than it saves.
	parallelThreshold = 1 << 15
)

var (
	tileM = defaultTileM
	tileN = defaultTileN
	tileK = defaultTileK
)

func selectGemmTiles(m, k, n int) (int, int, int) {
	if tileM != defaultTileM || tileN != defaultTileN || tileK != defaultTileK {
		return clampTile(tileM, maxTileM), clampTile(tileN, maxTileN), clampTile(tileK, maxTileK)
	}

	tm := defaultTileM
	tn := defaultTileN
	tk := defaultTileK

	switch {
	case k >= 192:
		tk = 32
	case k >= 96:
		tk = 24
	}

	return clampTile(tm, maxTileM), clampTile(tn, maxTileN), clampTile(tk, maxTileK)
}

func clampTile(value, max int) int {
	if value < 1 {
		return 1
	}
	if value > max {
		return max
	}
	return value
}

type rowTask struct {
	fn     func(rs, re int)
	rs, re int
	wg     *sync.WaitGroup
}

type rowPool struct {
	size  int
	tasks chan rowTask
}

func newRowPool() *rowPool {
	size := runtime.GOMAXPROCS(0)
	if size < 1 {
		size = 1
	}
	p := &rowPool{
		size:  size,
		tasks: make(chan rowTask, size*2),
	}
	for w := 0; w < size; w++ {
		go func() {
			for task := range p.tasks {
				task.fn(task.rs, task.re)
				task.wg.Done()
			}
		}()
	}
	return p
}

var workPool = newRowPool()

// Workers returns the size of the shared row pool.
func Workers() int {
	return workPool.size
}

// ParallelRows splits [0, n) into contiguous ranges and runs fn on each of
// them using the shared worker pool. workers <= 0 selects GOMAXPROCS.
// It returns once every range has been processed.
func ParallelRows(n, workers int, fn func(rs, re int)) {
	if n <= 0 {
		return
	}
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	if workers > n {
		workers = n
	}
	if workers > workPool.size {
		workers = workPool.size
	}
	if workers <= 1 {
		fn(0, n)
		return
	}

	chunk := (n + workers - 1) / workers
	var wg sync.WaitGroup
	for rs := 0; rs < n; rs += chunk {
		re := min(rs+chunk, n)
		wg.Add(1)
		workPool.tasks <- rowTask{fn: fn, rs: rs, re: re, wg: &wg}
	}
	wg.Wait()
}

// GemmPar computes the matrix product C = alpha*A*B + beta*C using a
// blocked algorithm and parallelising across ranges of output rows.
func GemmPar(C, A, B *Mat, alpha, beta float32, workers int) {
	if A.C != B.R || C.R != A.R || C.C != B.C {
		panic("gemm: dimension mismatch")
	}
	if C.R == 0 || C.C == 0 {
		return
	}

	tm, tn, tk := selectGemmTiles(C.R, A.C, B.C)
	if C.R*A.C*B.C < parallelThreshold {
		workers = 1
	}
	ParallelRows(C.R, workers, func(rs, re int) {
		gemmRangeRows(C, A, B, alpha, beta, rs, re, tm, tn, tk)
	})
}

// MatMul returns A*B as a new packed matrix.
func MatMul(A, B *Mat) Mat {
	C := NewMat(A.R, B.C)
	GemmPar(&C, A, B, 1, 0, 0)
	return C
}

// MatMulTransB computes C = A*Bᵀ. B is stored row-major with one output
// column per row, which is how linear layer weights are laid out.
func MatMulTransB(C, A, B *Mat) {
	if A.C != B.C || C.R != A.R || C.C != B.R {
		panic("gemm: dimension mismatch")
	}
	if C.R == 0 || C.C == 0 {
		return
	}
	workers := 0
	if C.R*A.C*B.R < parallelThreshold {
		workers = 1
	}
	ParallelRows(C.R, workers, func(rs, re int) {
		for i := rs; i < re; i++ {
			a := A.Row(i)
			c := C.Row(i)
			for j := range c {
				c[j] = Dot(a, B.Row(j))
			}
		}
	})
}

// gemmRangeRows performs a blocked GEMM on a contiguous range of rows of C.
func gemmRangeRows(C, A, B *Mat, alpha, beta float32, rs, re int, tm, tn, tk int) {
	if beta == 0 {
		for i := rs; i < re; i++ {
			clear(C.Row(i))
		}
	} else if beta != 1 {
		for i := rs; i < re; i++ {
			row := C.Row(i)
			for j := range row {
				row[j] *= beta
			}
		}
	}

	n := B.C
	k := A.C

	for i0 := rs; i0 < re; i0 += tm {
		iMax := min(i0+tm, re)
		for k0 := 0; k0 < k; k0 += tk {
			kMax := min(k0+tk, k)
			for j0 := 0; j0 < n; j0 += tn {
				jMax := min(j0+tn, n)
				if alpha == 1 {
					blockUpdateAlpha1(C.Data, A.Data, B.Data, C.Stride, A.Stride, B.Stride, i0, iMax, j0, jMax, k0, kMax)
				} else {
					blockUpdateGeneric(C.Data, A.Data, B.Data, C.Stride, A.Stride, B.Stride, alpha, i0, iMax, j0, jMax, k0, kMax)
				}
			}
		}
	}
}

func blockUpdateGeneric(cData, aData, bData []float32, cStride, aStride, bStride int, alpha float32, i0, iMax, j0, jMax, k0, kMax int) {
	width := jMax - j0
	for i := i0; i < iMax; i++ {
		aRow := aData[i*aStride:]
		cOff := i*cStride + j0
		cRow := cData[cOff : cOff+width]

		for kk := k0; kk < kMax; kk++ {
			aik := aRow[kk] * alpha
			if aik == 0 {
				continue
			}
			bOff := kk*bStride + j0
			bRow := bData[bOff : bOff+width]

			j := 0
			for ; j+7 < width; j += 8 {
				cRow[j+0] += aik * bRow[j+0]
				cRow[j+1] += aik * bRow[j+1]
				cRow[j+2] += aik * bRow[j+2]
				cRow[j+3] += aik * bRow[j+3]
				cRow[j+4] += aik * bRow[j+4]
				cRow[j+5] += aik * bRow[j+5]
				cRow[j+6] += aik * bRow[j+6]
				cRow[j+7] += aik * bRow[j+7]
			}
			for ; j < width; j++ {
				cRow[j] += aik * bRow[j]
			}
		}
	}
}

func blockUpdateAlpha1(cData, aData, bData []float32, cStride, aStride, bStride int, i0, iMax, j0, jMax, k0, kMax int) {
	width := jMax - j0
	for i := i0; i < iMax; i++ {
		aRow := aData[i*aStride:]
		cOff := i*cStride + j0
		cRow := cData[cOff : cOff+width]

		for kk := k0; kk < kMax; kk++ {
			aik := aRow[kk]
			if aik == 0 {
				continue
			}
			bOff := kk*bStride + j0
			bRow := bData[bOff : bOff+width]

			j := 0
			for ; j+3 < width; j += 4 {
				cRow[j+0] += aik * bRow[j+0]
				cRow[j+1] += aik * bRow[j+1]
				cRow[j+2] += aik * bRow[j+2]
				cRow[j+3] += aik * bRow[j+3]
			}
			for ; j < width; j++ {
				cRow[j] += aik * bRow[j]
			}
		}
	}
}
