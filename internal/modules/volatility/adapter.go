// Package volatility normalizes externally produced volatility estimates
// (realized proxies, GARCH conditional volatility, VAR innovation
// covariance) into one timestamp-keyed lookup for the VaR engine. The
// fitting procedures that produce these series are collaborators, not part
// of this module - it only aligns and serves their outputs, enforcing strict
// causality on every lookup.
package volatility

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/mat"

	"github.com/aristath/riskwatch/internal/modules/returns"
)

// Source tags where a volatility estimate came from.
type Source string

const (
	SourceRealized      Source = "realized"
	SourceGARCH         Source = "garch"
	SourceVARInnovation Source = "var-innovation"
)

// Estimate is one dated volatility observation. Scalar sources fill Sigma;
// the var-innovation source fills Cov and Sigma is derived at construction
// from the portfolio weights.
type Estimate struct {
	Date   string
	Sigma  float64
	Cov    *mat.SymDense
	Source Source
}

// AlignmentError reports a causality violation: an estimate dated at or
// after the day it would be used to forecast. This is always a pipeline bug,
// never recoverable - producing the forecast anyway would bake lookahead
// into the backtest.
type AlignmentError struct {
	EstimateDate string
	ForecastDate string
	Source       Source
}

func (e *AlignmentError) Error() string {
	return fmt.Sprintf("volatility alignment violation: %s estimate dated %s cannot forecast %s",
		e.Source, e.EstimateDate, e.ForecastDate)
}

// Adapter is an immutable timestamp-keyed volatility lookup.
type Adapter struct {
	source Source
	dates  []string
	byDate map[string]Estimate
}

// NewScalarAdapter wraps a scalar volatility series (realized proxy or GARCH
// conditional volatility). Dates must be strictly increasing and sigmas
// non-negative.
func NewScalarAdapter(source Source, series returns.Series) (*Adapter, error) {
	if err := series.Validate(); err != nil {
		return nil, fmt.Errorf("invalid %s volatility series: %w", source, err)
	}

	a := &Adapter{
		source: source,
		dates:  append([]string(nil), series.Dates...),
		byDate: make(map[string]Estimate, series.Len()),
	}
	for i, date := range series.Dates {
		sigma := series.Values[i]
		if sigma < 0 || math.IsNaN(sigma) {
			return nil, fmt.Errorf("%s volatility at %s is invalid: %v", source, date, sigma)
		}
		a.byDate[date] = Estimate{Date: date, Sigma: sigma, Source: source}
	}
	return a, nil
}

// DatedCovariance pairs a date with an innovation covariance matrix.
type DatedCovariance struct {
	Date string
	Cov  *mat.SymDense
}

// NewInnovationAdapter wraps a VAR residual-covariance series. Each matrix is
// collapsed to a portfolio volatility sqrt(w' * Cov * w) under the supplied
// weights, which must match the matrix dimension.
func NewInnovationAdapter(series []DatedCovariance, weights []float64) (*Adapter, error) {
	if len(weights) == 0 {
		return nil, fmt.Errorf("innovation adapter requires portfolio weights")
	}

	a := &Adapter{
		source: SourceVARInnovation,
		dates:  make([]string, 0, len(series)),
		byDate: make(map[string]Estimate, len(series)),
	}
	w := mat.NewVecDense(len(weights), append([]float64(nil), weights...))

	for _, dc := range series {
		if dc.Cov == nil {
			return nil, fmt.Errorf("innovation covariance at %s is nil", dc.Date)
		}
		if dc.Cov.SymmetricDim() != len(weights) {
			return nil, fmt.Errorf("innovation covariance at %s is %dx%d but %d weights supplied",
				dc.Date, dc.Cov.SymmetricDim(), dc.Cov.SymmetricDim(), len(weights))
		}

		var tmp mat.VecDense
		tmp.MulVec(dc.Cov, w)
		variance := mat.Dot(w, &tmp)
		if variance < 0 || math.IsNaN(variance) {
			return nil, fmt.Errorf("innovation covariance at %s yields invalid portfolio variance %v", dc.Date, variance)
		}

		a.dates = append(a.dates, dc.Date)
		a.byDate[dc.Date] = Estimate{
			Date:   dc.Date,
			Sigma:  math.Sqrt(variance),
			Cov:    dc.Cov,
			Source: SourceVARInnovation,
		}
	}

	sort.Strings(a.dates)
	for i := 1; i < len(a.dates); i++ {
		if a.dates[i] == a.dates[i-1] {
			return nil, fmt.Errorf("duplicate innovation covariance date %s", a.dates[i])
		}
	}
	return a, nil
}

// Source returns the adapter's source tag.
func (a *Adapter) Source() Source {
	return a.source
}

// Dates returns the estimate dates in ascending order.
func (a *Adapter) Dates() []string {
	return a.dates
}

// At returns the estimate dated exactly date.
func (a *Adapter) At(date string) (Estimate, bool) {
	est, ok := a.byDate[date]
	return est, ok
}

// SigmaFor returns the volatility available at close of estimateDate for
// forecasting forecastDate. Strict causality is enforced: the estimate date
// must precede the forecast date, otherwise an AlignmentError is returned
// and the caller must abort.
func (a *Adapter) SigmaFor(estimateDate, forecastDate string) (float64, error) {
	if estimateDate >= forecastDate {
		return 0, &AlignmentError{
			EstimateDate: estimateDate,
			ForecastDate: forecastDate,
			Source:       a.source,
		}
	}
	est, ok := a.byDate[estimateDate]
	if !ok {
		return 0, fmt.Errorf("no %s estimate dated %s", a.source, estimateDate)
	}
	return est.Sigma, nil
}
