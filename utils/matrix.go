// Package utils holds small numeric helpers shared across the optimizer.
package utils

import (
	"gonum.org/v1/gonum/mat"
)

const pinvTolerance = 1e-10

// PseudoInverse returns the Moore-Penrose pseudo-inverse of m via SVD.
// Singular values below tolerance·σ_max are treated as zero, so rank
// deficient matrices invert on their row space.
func PseudoInverse(m mat.Matrix) *mat.Dense {
	r, c := m.Dims()
	var svd mat.SVD
	if ok := svd.Factorize(m, mat.SVDThin); !ok {
		panic("svd factorization failed")
	}
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)
	vals := svd.Values(nil)

	tol := 0.0
	for _, s := range vals {
		if s > tol {
			tol = s
		}
	}
	tol *= pinvTolerance

	k := len(vals)
	sInv := mat.NewDense(k, k, nil)
	for i, s := range vals {
		if s > tol {
			sInv.Set(i, i, 1/s)
		}
	}

	out := mat.NewDense(c, r, nil)
	var tmp mat.Dense
	tmp.Mul(&v, sInv)
	out.Mul(&tmp, u.T())
	return out
}

// Identity returns the n×n identity matrix.
func Identity(n int) *mat.Dense {
	m := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		m.Set(i, i, 1)
	}
	return m
}
