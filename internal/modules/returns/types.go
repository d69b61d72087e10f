// Package returns converts price history into log-return series and
// realized-volatility proxies.
package returns

import (
	"fmt"
)

// Series is an ordered single-asset time series. Dates are trading days in
// "2006-01-02" form, strictly increasing, aligned index-for-index with Values.
type Series struct {
	Dates  []string
	Values []float64
}

// Len returns the number of observations.
func (s Series) Len() int {
	return len(s.Dates)
}

// At returns the observation at index i.
func (s Series) At(i int) (string, float64) {
	return s.Dates[i], s.Values[i]
}

// Validate checks the Series invariants: equal-length slices and strictly
// increasing dates. Gaps are allowed (non-trading days); out-of-order or
// duplicate dates are not.
func (s Series) Validate() error {
	if len(s.Dates) != len(s.Values) {
		return fmt.Errorf("series has %d dates but %d values", len(s.Dates), len(s.Values))
	}
	for i := 1; i < len(s.Dates); i++ {
		if s.Dates[i] <= s.Dates[i-1] {
			return fmt.Errorf("dates not strictly increasing at index %d: %s after %s", i, s.Dates[i], s.Dates[i-1])
		}
	}
	return nil
}

// Panel is an ordered multi-asset return panel. Every asset's slice is
// aligned with Dates; missing data must be resolved by the loader before a
// panel is constructed - panels never contain NaN placeholders.
type Panel struct {
	Dates  []string
	Assets []string
	Data   map[string][]float64
}

// Len returns the number of observations per asset.
func (p Panel) Len() int {
	return len(p.Dates)
}

// NumAssets returns the number of assets in the panel.
func (p Panel) NumAssets() int {
	return len(p.Assets)
}

// Validate checks panel alignment: strictly increasing dates and one value
// per asset per date.
func (p Panel) Validate() error {
	for i := 1; i < len(p.Dates); i++ {
		if p.Dates[i] <= p.Dates[i-1] {
			return fmt.Errorf("panel dates not strictly increasing at index %d", i)
		}
	}
	for _, asset := range p.Assets {
		vals, ok := p.Data[asset]
		if !ok {
			return fmt.Errorf("panel missing data for asset %s", asset)
		}
		if len(vals) != len(p.Dates) {
			return fmt.Errorf("asset %s has %d observations, expected %d", asset, len(vals), len(p.Dates))
		}
	}
	return nil
}

// InsufficientDataError reports a window larger than the available history.
// It is recoverable at per-date granularity: callers skip the affected
// computation rather than aborting the whole run (unless configured strict).
type InsufficientDataError struct {
	Op     string // Operation that failed (e.g. "realized_volatility")
	Needed int    // Minimum observations required
	Have   int    // Observations available
}

func (e *InsufficientDataError) Error() string {
	return fmt.Sprintf("%s: insufficient data: need %d observations, have %d", e.Op, e.Needed, e.Have)
}
