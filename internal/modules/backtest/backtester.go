// Package backtest runs causal walk-forward VaR evaluation: each day's
// forecast is produced from the previous day's volatility estimate, then
// scored against the realized return once it is observed.
package backtest

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/aristath/riskwatch/internal/modules/forecast"
	"github.com/aristath/riskwatch/internal/modules/returns"
	"github.com/aristath/riskwatch/internal/modules/volatility"
)

// State is the backtester phase.
type State string

const (
	// StateWarmup accumulates history before the first volatility estimate;
	// no forecasts are produced.
	StateWarmup State = "warmup"
	// StateForecasting is the steady state: one forecast and one evaluation
	// per day.
	StateForecasting State = "forecasting"
	// StateDone means the series is exhausted.
	StateDone State = "done"
)

// Backtester drives walk-forward runs.
type Backtester struct {
	engine *forecast.Engine
	log    zerolog.Logger
}

// New creates a Backtester around a forecast engine.
func New(engine *forecast.Engine, log zerolog.Logger) *Backtester {
	return &Backtester{
		engine: engine,
		log:    log.With().Str("component", "backtester").Logger(),
	}
}

// Run walks the return series in time order. For each day t with a
// volatility estimate, it forecasts VaR for day t+1 and, on observing the
// return at t+1, appends an exceedance entry.
//
// Causality is structural: the forecast for t+1 is fully formed before the
// t+1 return is read, the volatility lookup is keyed by the date at index t,
// and the adapter independently rejects any estimate dated at or after the
// forecast date. An AlignmentError therefore always indicates a pipeline bug
// and aborts the run.
//
// Days inside the forecasting phase with a missing estimate are data
// sparsity: they are skipped, counted, and logged, not fatal.
func (b *Backtester) Run(
	rets returns.Series,
	vol *volatility.Adapter,
	alpha float64,
	dist forecast.Distribution,
) (*Record, error) {
	if err := rets.Validate(); err != nil {
		return nil, fmt.Errorf("invalid return series: %w", err)
	}
	if rets.Len() < 2 {
		return nil, &returns.InsufficientDataError{Op: "backtest", Needed: 2, Have: rets.Len()}
	}

	record := &Record{Source: vol.Source(), Dist: dist, Alpha: alpha}
	state := StateWarmup

	for t := 0; t < rets.Len()-1; t++ {
		estimateDate := rets.Dates[t]
		forecastDate := rets.Dates[t+1]

		if _, ok := vol.At(estimateDate); !ok {
			if state == StateForecasting {
				record.Skipped++
				b.log.Debug().
					Str("date", estimateDate).
					Str("source", string(vol.Source())).
					Msg("No volatility estimate for date, skipping forecast")
			}
			continue
		}

		if state == StateWarmup {
			state = StateForecasting
			b.log.Debug().
				Str("first_forecast_date", forecastDate).
				Msg("Warmup complete, entering forecasting state")
		}

		sigma, err := vol.SigmaFor(estimateDate, forecastDate)
		if err != nil {
			var alignErr *volatility.AlignmentError
			if errors.As(err, &alignErr) {
				return nil, fmt.Errorf("backtest aborted: %w", err)
			}
			return nil, fmt.Errorf("volatility lookup failed at %s: %w", estimateDate, err)
		}

		v, err := b.engine.Forecast(forecastDate, sigma, alpha, dist, vol.Source())
		if err != nil {
			return nil, fmt.Errorf("forecast failed for %s: %w", forecastDate, err)
		}

		// The forecast is sealed; only now is the realized return read.
		realized := rets.Values[t+1]
		record.append(Entry{
			Date:     forecastDate,
			Realized: realized,
			VaR:      v,
			Violated: v.Violated(realized),
		})
	}

	state = StateDone
	b.log.Info().
		Str("source", string(vol.Source())).
		Str("distribution", string(dist)).
		Str("state", string(state)).
		Float64("alpha", alpha).
		Int("forecasts", record.Len()).
		Int("violations", record.Violations()).
		Int("skipped", record.Skipped).
		Msg("Backtest run complete")

	return record, nil
}
