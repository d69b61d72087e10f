// Package coverage evaluates an exceedance record statistically: the Kupiec
// unconditional-coverage likelihood-ratio test plus a descriptive rolling
// exceedance-rate series for clustering inspection.
package coverage

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat/distuv"
)

// probabilityEps bounds probabilities away from 0 and 1 before taking logs.
// With it, the degenerate cases x=0 and x=N resolve to their analytic limits
// (the unrestricted likelihood term tends to 1) instead of producing NaN.
const probabilityEps = 1e-12

// TestResult is a read-only hypothesis test outcome.
type TestResult struct {
	Name         string  `json:"name"`
	Statistic    float64 `json:"statistic"`
	PValue       float64 `json:"p_value"`
	Significance float64 `json:"significance"`
	Reject       bool    `json:"reject"`
}

// Kupiec runs the unconditional-coverage LR test: under the null that the
// true exceedance rate equals alpha, the statistic
//
//	LR = -2 ln[ (1-alpha)^(N-x) alpha^x / ((1-pi)^(N-x) pi^x) ],  pi = x/N
//
// is asymptotically chi-squared with one degree of freedom. The result is
// always finite: probabilities are clamped to [eps, 1-eps] so x=0 and x=N
// follow the limiting behavior rather than dividing by zero.
func Kupiec(alpha float64, exceedances, n int, significance float64) (TestResult, error) {
	if n <= 0 {
		return TestResult{}, fmt.Errorf("kupiec test requires at least one forecast, got %d", n)
	}
	if exceedances < 0 || exceedances > n {
		return TestResult{}, fmt.Errorf("exceedance count %d outside [0, %d]", exceedances, n)
	}
	if alpha <= 0 || alpha >= 1 {
		return TestResult{}, fmt.Errorf("alpha must be in (0, 1), got %v", alpha)
	}

	x := float64(exceedances)
	total := float64(n)
	a := clampProbability(alpha)
	piHat := clampProbability(x / total)

	nullLogLik := (total-x)*math.Log(1-a) + x*math.Log(a)
	altLogLik := (total-x)*math.Log(1-piHat) + x*math.Log(piHat)

	statistic := -2 * (nullLogLik - altLogLik)
	// Round-off can push the statistic a hair below zero when x/N == alpha.
	if statistic < 0 {
		statistic = 0
	}

	pValue := distuv.ChiSquared{K: 1}.Survival(statistic)

	return TestResult{
		Name:         "kupiec_unconditional_coverage",
		Statistic:    statistic,
		PValue:       pValue,
		Significance: significance,
		Reject:       pValue < significance,
	}, nil
}

func clampProbability(p float64) float64 {
	if p < probabilityEps {
		return probabilityEps
	}
	if p > 1-probabilityEps {
		return 1 - probabilityEps
	}
	return p
}
