package backtest

import (
	"github.com/aristath/riskwatch/internal/modules/forecast"
	"github.com/aristath/riskwatch/internal/modules/volatility"
)

// Entry is one evaluated forecast: the realized return for a day set against
// the VaR that was forecast for it the evening before.
type Entry struct {
	Date     string       `json:"date"`
	Realized float64      `json:"realized"`
	VaR      forecast.VaR `json:"var"`
	Violated bool         `json:"violated"`
}

// Record is the append-only exceedance record for one backtest run. The
// backtester owns it exclusively while running; once returned it is a
// read-only snapshot.
type Record struct {
	Source  volatility.Source
	Dist    forecast.Distribution
	Alpha   float64
	Skipped int // Dates in the forecasting phase with no volatility estimate

	entries []Entry
}

// NewRecordFromEntries rebuilds a read-only record from already-evaluated
// entries, e.g. when loading a persisted run. Entries must be in time order.
func NewRecordFromEntries(source volatility.Source, dist forecast.Distribution, alpha float64, entries []Entry) *Record {
	return &Record{
		Source:  source,
		Dist:    dist,
		Alpha:   alpha,
		entries: append([]Entry(nil), entries...),
	}
}

func (r *Record) append(e Entry) {
	r.entries = append(r.entries, e)
}

// Entries returns a copy of the evaluated forecasts in time order. Callers
// may reorder or truncate the returned slice without affecting the record.
func (r *Record) Entries() []Entry {
	return append([]Entry(nil), r.entries...)
}

// Len returns the number of evaluated forecasts.
func (r *Record) Len() int {
	return len(r.entries)
}

// Violations counts the exceedances in the record.
func (r *Record) Violations() int {
	count := 0
	for _, e := range r.entries {
		if e.Violated {
			count++
		}
	}
	return count
}

// Rate returns the empirical exceedance rate, 0 for an empty record.
func (r *Record) Rate() float64 {
	if len(r.entries) == 0 {
		return 0
	}
	return float64(r.Violations()) / float64(len(r.entries))
}
