package returns

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat"
)

// LogReturns computes log returns r_t = ln(p_t / p_{t-1}) from a price
// series. The first observation carries no return and is dropped, so the
// output is one element shorter than the input and starts at the second
// price date. Non-positive prices are rejected rather than silently skipped.
func LogReturns(prices Series) (Series, error) {
	if err := prices.Validate(); err != nil {
		return Series{}, fmt.Errorf("invalid price series: %w", err)
	}
	if prices.Len() < 2 {
		return Series{}, &InsufficientDataError{Op: "log_returns", Needed: 2, Have: prices.Len()}
	}

	out := Series{
		Dates:  make([]string, 0, prices.Len()-1),
		Values: make([]float64, 0, prices.Len()-1),
	}
	for i := 1; i < prices.Len(); i++ {
		prev, cur := prices.Values[i-1], prices.Values[i]
		if prev <= 0 || cur <= 0 {
			return Series{}, fmt.Errorf("log_returns: non-positive price at %s", prices.Dates[i])
		}
		out.Dates = append(out.Dates, prices.Dates[i])
		out.Values = append(out.Values, math.Log(cur/prev))
	}
	return out, nil
}

// SquaredReturns returns the element-wise squared return series, aligned with
// the input dates.
func SquaredReturns(rets Series) Series {
	out := Series{
		Dates:  append([]string(nil), rets.Dates...),
		Values: make([]float64, rets.Len()),
	}
	for i, r := range rets.Values {
		out.Values[i] = r * r
	}
	return out
}

// RealizedVolatility computes the trailing-window realized-volatility proxy
// RV_t = sqrt(annualization * mean(r^2 over the W observations ending at t)).
// The output starts at the first date with a full trailing window, so it is
// W-1 observations shorter than the input. Requires window >= 2.
func RealizedVolatility(rets Series, window int, annualization float64) (Series, error) {
	if window < 2 {
		return Series{}, fmt.Errorf("realized_volatility: window must be >= 2, got %d", window)
	}
	if annualization <= 0 {
		return Series{}, fmt.Errorf("realized_volatility: annualization must be positive, got %v", annualization)
	}
	if rets.Len() < window {
		return Series{}, &InsufficientDataError{Op: "realized_volatility", Needed: window, Have: rets.Len()}
	}

	squared := SquaredReturns(rets)
	out := Series{
		Dates:  make([]string, 0, rets.Len()-window+1),
		Values: make([]float64, 0, rets.Len()-window+1),
	}
	for t := window - 1; t < rets.Len(); t++ {
		meanSq := stat.Mean(squared.Values[t-window+1:t+1], nil)
		out.Dates = append(out.Dates, rets.Dates[t])
		out.Values = append(out.Values, math.Sqrt(annualization*meanSq))
	}
	return out, nil
}

// CumulativePrices reconstructs a price path from log returns and an initial
// price: p_t = p_0 * exp(sum of returns through t). The initial price is
// dated before the first return and is not included in the output.
func CumulativePrices(initial float64, rets Series) (Series, error) {
	if initial <= 0 {
		return Series{}, fmt.Errorf("cumulative_prices: initial price must be positive, got %v", initial)
	}
	out := Series{
		Dates:  append([]string(nil), rets.Dates...),
		Values: make([]float64, rets.Len()),
	}
	logPrice := math.Log(initial)
	for i, r := range rets.Values {
		logPrice += r
		out.Values[i] = math.Exp(logPrice)
	}
	return out, nil
}
