package coverage

import (
	"fmt"

	"github.com/aristath/riskwatch/internal/modules/backtest"
	"github.com/aristath/riskwatch/internal/modules/returns"
)

// RollingExceedanceRate computes the exceedance rate over a trailing window
// across the record, one point per date with a full window.
//
// This is a descriptive diagnostic for eyeballing violation clustering
// (independence of exceedances), not a hypothesis test: it carries no
// significance level and supports no accept/reject statement. Formal
// independence testing (e.g. Christoffersen) is out of scope.
func RollingExceedanceRate(record *backtest.Record, window int) (returns.Series, error) {
	if window < 1 {
		return returns.Series{}, fmt.Errorf("clustering window must be >= 1, got %d", window)
	}
	entries := record.Entries()
	if len(entries) < window {
		return returns.Series{}, &returns.InsufficientDataError{
			Op:     "rolling_exceedance_rate",
			Needed: window,
			Have:   len(entries),
		}
	}

	out := returns.Series{
		Dates:  make([]string, 0, len(entries)-window+1),
		Values: make([]float64, 0, len(entries)-window+1),
	}

	violated := 0
	for i, e := range entries {
		if e.Violated {
			violated++
		}
		if i >= window {
			if entries[i-window].Violated {
				violated--
			}
		}
		if i >= window-1 {
			out.Dates = append(out.Dates, e.Date)
			out.Values = append(out.Values, float64(violated)/float64(window))
		}
	}
	return out, nil
}
