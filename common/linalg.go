package common

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// Pinv writes the Moore-Penrose pseudo-inverse of a into dst, dropping
// singular values below tol relative to the largest one. It returns the
// effective rank.
func Pinv(dst *mat.Dense, a mat.Matrix, tol float64) (int, error) {
	var svd mat.SVD
	if ok := svd.Factorize(a, mat.SVDThin); !ok {
		return 0, fmt.Errorf("SVD factorization failed")
	}
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)
	s := svd.Values(nil)

	rank := 0
	cutoff := 0.0
	if len(s) > 0 {
		cutoff = tol * s[0]
	}
	for _, sv := range s {
		if sv > cutoff {
			rank++
		}
	}
	r, c := a.Dims()
	dst.ReuseAs(c, r)
	// dst = V * diag(1/s) * U^T over the retained rank.
	scaled := mat.NewDense(c, rank, nil)
	for j := 0; j < rank; j++ {
		for i := 0; i < c; i++ {
			scaled.Set(i, j, v.At(i, j)/s[j])
		}
	}
	ut := u.Slice(0, r, 0, rank).(*mat.Dense)
	dst.Mul(scaled, ut.T())
	return rank, nil
}

// CondNumber returns the 2-norm condition number of a.
func CondNumber(a mat.Matrix) (float64, error) {
	var svd mat.SVD
	if ok := svd.Factorize(a, mat.SVDThin); !ok {
		return 0, fmt.Errorf("SVD factorization failed")
	}
	s := svd.Values(nil)
	if len(s) == 0 || s[len(s)-1] == 0 {
		return math.Inf(1), nil
	}
	return s[0] / s[len(s)-1], nil
}

// SolveDamped solves (A + lambda*diag(A)) x = b for symmetric positive
// semi-definite A, falling back to a pseudo-inverse solve when the Cholesky
// factorization fails.
func SolveDamped(x *mat.VecDense, a *mat.SymDense, lambda float64, b *mat.VecDense) error {
	n, _ := a.Dims()
	damped := mat.NewSymDense(n, nil)
	damped.CopySym(a)
	for i := 0; i < n; i++ {
		d := a.At(i, i)
		if d <= 0 {
			d = 1e-12
		}
		damped.SetSym(i, i, a.At(i, i)+lambda*d)
	}
	var chol mat.Cholesky
	if ok := chol.Factorize(damped); ok {
		return chol.SolveVecTo(x, b)
	}
	var pinv mat.Dense
	if _, err := Pinv(&pinv, damped, 1e-12); err != nil {
		return err
	}
	x.MulVec(&pinv, b)
	return nil
}
