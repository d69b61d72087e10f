package covariance

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// Diagnostic records the conditioning of one covariance snapshot. Eigenvalues
// are taken from a symmetric eigen-decomposition, so they are always real.
//
// MinEigenvalue is clamped at zero: a sample covariance matrix is PSD by
// construction, so any negative eigenvalue is floating-point round-off and is
// reported as zero. The clamp applies to this read-only view only - the
// matrix handed to regularization keeps its raw spectrum.
type Diagnostic struct {
	Date            string  `json:"date"`
	MinEigenvalue   float64 `json:"min_eigenvalue"`
	MaxEigenvalue   float64 `json:"max_eigenvalue"`
	ConditionNumber float64 `json:"condition_number"`
}

// Diagnose computes the eigenvalue diagnostic for a symmetric matrix. A
// non-positive smallest eigenvalue yields an infinite condition number,
// which is the expected signal for rank-deficient windows.
func Diagnose(date string, m *mat.SymDense) Diagnostic {
	eigenvalues := Eigenvalues(m)

	minEig := eigenvalues[0]
	maxEig := eigenvalues[len(eigenvalues)-1]
	if minEig < 0 {
		minEig = 0
	}

	cond := math.Inf(1)
	if minEig > 0 {
		cond = maxEig / minEig
	}

	return Diagnostic{
		Date:            date,
		MinEigenvalue:   minEig,
		MaxEigenvalue:   maxEig,
		ConditionNumber: cond,
	}
}

// Eigenvalues returns the eigenvalues of a symmetric matrix in ascending
// order. Panics only if the factorization fails, which cannot happen for
// finite symmetric input.
func Eigenvalues(m *mat.SymDense) []float64 {
	var eig mat.EigenSym
	if ok := eig.Factorize(m, false); !ok {
		panic("covariance: symmetric eigen-decomposition failed")
	}
	return eig.Values(nil)
}
