package nn

import "sync"

var NumThreads = 8

// MatMulUnroll in to multiple inlined operations
func MatMulUnroll[T float32 | float64](xout, x, w []T) {
	for i := range xout {
		var sum T
		j := 0
		for ; (j + 4) < len(x); j += 4 {
			sum += w[i*len(x)+j] * x[j]
			sum += w[i*len(x)+j+1] * x[j+1]
			sum += w[i*len(x)+j+2] * x[j+2]
			sum += w[i*len(x)+j+3] * x[j+3]
		}
		for ; j < len(x); j++ {
			sum += w[i*len(x)+j] * x[j]
		}
		xout[i] = sum
	}
}

// MatMulParallel chunks horizontally across cache lines and parallelizes
func MatMulParallel[T float32 | float64](xout, x, w []T) {
	n, m := len(xout), len(x)
	if n < NumThreads*64 {
		MatMulUnroll(xout, x, w)
		return
	}
	var wg sync.WaitGroup
	wg.Add(NumThreads)
	for i := 0; i < NumThreads; i++ {
		rowStart := i * n / NumThreads
		rowEnd := (i + 1) * n / NumThreads
		if i == NumThreads-1 {
			rowEnd = n
		}
		go func(rowStart, rowEnd int) { MatMulUnroll(xout[rowStart:rowEnd], x, w[m*rowStart:m*rowEnd]); wg.Done() }(rowStart, rowEnd)
	}
	wg.Wait()
}

// MatMul: W (d,n) @ x (n,) -> xout (d,)
func MatMul[T float32 | float64](xout, x, w []T) { MatMulParallel(xout, x, w) }

// Linear is MatMul followed by an optional bias.
func Linear[T float32 | float64](xout, x, w, bias []T) {
	MatMul(xout, x, w)
	if bias != nil {
		Acc(xout, bias)
	}
}
