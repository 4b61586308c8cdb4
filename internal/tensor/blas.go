package tensor

import (
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

// MatMul computes c = op(a)*op(b) + beta*c where op(a) is m x k, op(b) is
// k x n and c is m x n, all dense row-major. transA and transB select the
// transposed view of the stored matrix.
func MatMul(transA, transB bool, m, n, k int, a, b []float32, beta float32, c []float32) {
	ta, ar, ac := blas.NoTrans, m, k
	if transA {
		ta, ar, ac = blas.Trans, k, m
	}
	tb, br, bc := blas.NoTrans, k, n
	if transB {
		tb, br, bc = blas.Trans, n, k
	}
	blas32.Gemm(ta, tb, 1,
		blas32.General{Rows: ar, Cols: ac, Stride: ac, Data: a},
		blas32.General{Rows: br, Cols: bc, Stride: bc, Data: b},
		beta,
		blas32.General{Rows: m, Cols: n, Stride: n, Data: c},
	)
}
