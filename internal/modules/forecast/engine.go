// Package forecast produces one-step-ahead parametric Value-at-Risk numbers
// from a volatility estimate and a standardized return distribution.
package forecast

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat/distuv"

	"github.com/aristath/riskwatch/internal/modules/volatility"
)

// Distribution selects the standardized return distribution for the
// VaR quantile.
type Distribution string

const (
	DistGaussian Distribution = "gaussian"
	DistStudentT Distribution = "student-t"
)

// VaR is an immutable one-day-ahead forecast. Value is a positive loss
// magnitude: the forecast says "with probability alpha, tomorrow's return is
// below -Value". It is computed from information available strictly before
// Date and must never be revised once produced.
type VaR struct {
	Date   string            `json:"date"`
	Alpha  float64           `json:"alpha"`
	Dist   Distribution      `json:"distribution"`
	Source volatility.Source `json:"source"`
	Value  float64           `json:"value"`
}

// Violated reports whether a realized return breaches the forecast: the
// return is more negative than -Value.
func (v VaR) Violated(realized float64) bool {
	return realized < -v.Value
}

// Engine computes VaR = -sigma * q(alpha) for a configured Student-t degrees
// of freedom. The t quantile is rescaled by sqrt((nu-2)/nu) so the
// standardized distribution has unit variance and sigma keeps its meaning
// across distribution families. nu is a fixed external parameter, never
// estimated here.
type Engine struct {
	dof float64
}

// NewEngine creates a VaR engine. The Student-t degrees of freedom must
// exceed 2 or the variance rescaling is undefined.
func NewEngine(studentTDOF float64) (*Engine, error) {
	if studentTDOF <= 2 {
		return nil, fmt.Errorf("student-t degrees of freedom must exceed 2, got %v", studentTDOF)
	}
	return &Engine{dof: studentTDOF}, nil
}

// Forecast produces the VaR for forecastDate at tail probability alpha under
// the chosen distribution, given the volatility sigma that was available at
// the close of the prior day.
func (e *Engine) Forecast(forecastDate string, sigma, alpha float64, dist Distribution, source volatility.Source) (VaR, error) {
	if sigma < 0 || math.IsNaN(sigma) {
		return VaR{}, fmt.Errorf("invalid volatility %v for %s", sigma, forecastDate)
	}
	if alpha <= 0 || alpha >= 0.5 {
		return VaR{}, fmt.Errorf("alpha must be in (0, 0.5), got %v", alpha)
	}

	q, err := e.Quantile(alpha, dist)
	if err != nil {
		return VaR{}, err
	}

	return VaR{
		Date:   forecastDate,
		Alpha:  alpha,
		Dist:   dist,
		Source: source,
		Value:  -sigma * q,
	}, nil
}

// Quantile returns the alpha-quantile of the standardized (zero mean, unit
// variance) distribution. Negative for alpha < 0.5.
func (e *Engine) Quantile(alpha float64, dist Distribution) (float64, error) {
	switch dist {
	case DistGaussian:
		return distuv.Normal{Mu: 0, Sigma: 1}.Quantile(alpha), nil
	case DistStudentT:
		raw := distuv.StudentsT{Mu: 0, Sigma: 1, Nu: e.dof}.Quantile(alpha)
		// Rescale to unit variance: Var(t_nu) = nu/(nu-2).
		return raw * math.Sqrt((e.dof-2)/e.dof), nil
	default:
		return 0, fmt.Errorf("unknown distribution %q", dist)
	}
}
