// Package risk orchestrates the nightly pipeline: rolling covariance
// estimation with condition diagnostics, SPD repair, the walk-forward VaR
// model grid with coverage testing, and volatility regime labelling. Results
// are persisted per run and served by the handlers subpackage.
package risk

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/stat"

	"github.com/aristath/riskwatch/internal/config"
	"github.com/aristath/riskwatch/internal/modules/backtest"
	"github.com/aristath/riskwatch/internal/modules/covariance"
	"github.com/aristath/riskwatch/internal/modules/coverage"
	"github.com/aristath/riskwatch/internal/modules/forecast"
	"github.com/aristath/riskwatch/internal/modules/returns"
	"github.com/aristath/riskwatch/internal/modules/spd"
	"github.com/aristath/riskwatch/internal/modules/volatility"
)

// HistoryReader is the slice of the loader database the pipeline consumes.
type HistoryReader interface {
	PricePanel(symbols []string, limit int) (returns.Panel, error)
	GarchVolatility(symbol string) (returns.Series, error)
	InnovationCovariances(symbols []string) ([]volatility.DatedCovariance, error)
}

// Service runs the pipeline end to end.
type Service struct {
	params  config.RiskParams
	symbols []string
	history HistoryReader
	repo    *Repository // nil disables persistence
	engine  *forecast.Engine
	repair  spd.Method
	log     zerolog.Logger
}

// NewService builds a pipeline service. The first symbol is the VaR
// benchmark; the full list is the covariance universe.
func NewService(
	params config.RiskParams,
	symbols []string,
	history HistoryReader,
	repo *Repository,
	log zerolog.Logger,
) (*Service, error) {
	if len(symbols) == 0 {
		return nil, fmt.Errorf("risk service requires at least one symbol")
	}
	params = params.Normalize()

	engine, err := forecast.NewEngine(params.StudentTDOF)
	if err != nil {
		return nil, fmt.Errorf("failed to build forecast engine: %w", err)
	}

	var repair spd.Method
	switch params.RepairMethod {
	case string(spd.MethodClip):
		repair = spd.MethodClip
	case string(spd.MethodJitter):
		repair = spd.MethodJitter
	default:
		return nil, fmt.Errorf("unknown SPD repair method %q", params.RepairMethod)
	}

	return &Service{
		params:  params,
		symbols: append([]string(nil), symbols...),
		history: history,
		repo:    repo,
		engine:  engine,
		repair:  repair,
		log:     log.With().Str("component", "risk_service").Logger(),
	}, nil
}

// Run executes one full pipeline pass and persists the results when a
// repository is configured.
func (s *Service) Run(ctx context.Context) (*RunResults, error) {
	started := time.Now()
	results := &RunResults{
		RunID:     uuid.NewString(),
		CreatedAt: started.UTC(),
		Benchmark: s.symbols[0],
		Assets:    append([]string(nil), s.symbols...),
		Params:    s.params,
	}
	log := s.log.With().Str("run_id", results.RunID).Logger()
	log.Info().Strs("symbols", s.symbols).Msg("Starting risk pipeline run")

	panel, err := s.history.PricePanel(s.symbols, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to load price panel: %w", err)
	}
	retPanel, err := logReturnPanel(panel)
	if err != nil {
		return nil, fmt.Errorf("failed to compute return panel: %w", err)
	}

	if err := s.covarianceSweep(retPanel, results, log); err != nil {
		return nil, err
	}

	benchRets := returns.Series{
		Dates:  retPanel.Dates,
		Values: retPanel.Data[results.Benchmark],
	}
	rv, err := returns.RealizedVolatility(benchRets, s.params.RVWindow, s.params.Annualization)
	if err != nil {
		return nil, fmt.Errorf("failed to compute realized volatility for %s: %w", results.Benchmark, err)
	}

	results.Regimes = s.labelRegimes(rv, results.Diagnostics)

	if err := s.runGrid(benchRets, rv, results, log); err != nil {
		return nil, err
	}

	if s.repo != nil {
		if err := s.repo.SaveRun(ctx, results); err != nil {
			return nil, fmt.Errorf("failed to persist run %s: %w", results.RunID, err)
		}
	}

	log.Info().
		Int("diagnostics", len(results.Diagnostics)).
		Int("cholesky_failures", results.CholeskyFailures).
		Int("grid_cells", len(results.Grid)).
		Dur("elapsed", time.Since(started)).
		Msg("Risk pipeline run complete")
	return results, nil
}

// covarianceSweep computes the rolling covariance series, diagnoses each
// snapshot, and repairs it to SPD. Repair failures are counted and recorded;
// in strict mode they abort the run.
func (s *Service) covarianceSweep(retPanel returns.Panel, results *RunResults, log zerolog.Logger) error {
	covEngine := covariance.NewRollingEngine(s.params.CovWindow, log)
	snaps, err := covEngine.Compute(retPanel)
	if err != nil {
		return fmt.Errorf("covariance sweep failed: %w", err)
	}

	regularizer := spd.New(spd.Options{
		Floor:          s.params.EigenFloor,
		JitterInitial:  s.params.JitterInitial,
		JitterGrowth:   s.params.JitterGrowth,
		MaxEscalations: s.params.JitterMaxEscalations,
	}, log)

	results.Diagnostics = make([]covariance.Diagnostic, 0, len(snaps))
	results.Snapshots = make([]RepairedSnapshot, 0, len(snaps))
	for _, snap := range snaps {
		results.Diagnostics = append(results.Diagnostics, snap.Diagnostic)

		repaired, err := regularizer.Repair(snap.Matrix, s.repair)
		if err != nil {
			var failure *spd.RegularizationFailure
			if !errors.As(err, &failure) {
				return fmt.Errorf("unexpected repair error at %s: %w", snap.Date, err)
			}
			results.CholeskyFailures++
			results.Snapshots = append(results.Snapshots, RepairedSnapshot{
				Date:          snap.Date,
				Failed:        true,
				FailureReason: failure.Error(),
			})
			log.Error().Str("date", snap.Date).Err(failure).Msg("SPD repair failed")
			if s.params.Strict {
				return fmt.Errorf("strict mode: SPD repair failed at %s: %w", snap.Date, failure)
			}
			continue
		}
		results.Snapshots = append(results.Snapshots, RepairedSnapshot{Date: snap.Date, Result: repaired})
	}
	return nil
}

// labelRegimes marks each realized-volatility date as high-vol when it sits
// above the run's regime quantile, and joins the covariance condition number
// where a diagnostic shares the date.
func (s *Service) labelRegimes(rv returns.Series, diagnostics []covariance.Diagnostic) []RegimeLabel {
	sorted := append([]float64(nil), rv.Values...)
	sort.Float64s(sorted)
	threshold := stat.Quantile(s.params.RegimeQuantile, stat.Empirical, sorted, nil)

	condByDate := make(map[string]float64, len(diagnostics))
	for _, d := range diagnostics {
		condByDate[d.Date] = d.ConditionNumber
	}

	labels := make([]RegimeLabel, rv.Len())
	for i, date := range rv.Dates {
		cond := math.NaN()
		if c, ok := condByDate[date]; ok {
			cond = c
		}
		labels[i] = RegimeLabel{
			Date:            date,
			RealizedVol:     rv.Values[i],
			HighVol:         rv.Values[i] > threshold,
			ConditionNumber: cond,
		}
	}
	return labels
}

// runGrid evaluates every volatility source against every distribution and
// tail probability, appending one GridResult per combination.
func (s *Service) runGrid(benchRets, rv returns.Series, results *RunResults, log zerolog.Logger) error {
	adapters, err := s.buildAdapters(rv, results.Benchmark, log)
	if err != nil {
		return err
	}

	backtester := backtest.New(s.engine, log)
	for _, adapter := range adapters {
		for _, dist := range []forecast.Distribution{forecast.DistGaussian, forecast.DistStudentT} {
			for _, alpha := range s.params.Alphas {
				cell, err := s.runCell(backtester, benchRets, adapter, dist, alpha, log)
				if err != nil {
					return err
				}
				if cell != nil {
					results.Grid = append(results.Grid, *cell)
				}
			}
		}
	}
	if len(results.Grid) == 0 {
		return fmt.Errorf("no grid cell produced a usable backtest")
	}
	return nil
}

// buildAdapters assembles the volatility sources available for this run. The
// realized proxy always exists; GARCH and VAR-innovation estimates come from
// the loader and are skipped with a warning when absent.
func (s *Service) buildAdapters(rv returns.Series, benchmark string, log zerolog.Logger) ([]*volatility.Adapter, error) {
	realized, err := volatility.NewScalarAdapter(volatility.SourceRealized, rv)
	if err != nil {
		return nil, fmt.Errorf("failed to build realized adapter: %w", err)
	}
	adapters := []*volatility.Adapter{realized}

	garch, err := s.history.GarchVolatility(benchmark)
	if err != nil {
		return nil, fmt.Errorf("failed to load garch volatility: %w", err)
	}
	if garch.Len() > 0 {
		adapter, err := volatility.NewScalarAdapter(volatility.SourceGARCH, garch)
		if err != nil {
			return nil, fmt.Errorf("failed to build garch adapter: %w", err)
		}
		adapters = append(adapters, adapter)
	} else {
		log.Warn().Str("symbol", benchmark).Msg("No GARCH estimates in loader DB, skipping source")
	}

	if len(s.symbols) > 1 {
		series, err := s.history.InnovationCovariances(s.symbols)
		if err != nil {
			return nil, fmt.Errorf("failed to load innovation covariances: %w", err)
		}
		if len(series) > 0 {
			weights := make([]float64, len(s.symbols))
			for i := range weights {
				weights[i] = 1.0 / float64(len(s.symbols))
			}
			adapter, err := volatility.NewInnovationAdapter(series, weights)
			if err != nil {
				return nil, fmt.Errorf("failed to build innovation adapter: %w", err)
			}
			adapters = append(adapters, adapter)
		} else {
			log.Warn().Msg("No innovation covariances in loader DB, skipping source")
		}
	}
	return adapters, nil
}

// runCell backtests one grid combination. Data sparsity (too few usable
// observations) skips the cell outside strict mode; alignment violations
// always abort.
func (s *Service) runCell(
	backtester *backtest.Backtester,
	benchRets returns.Series,
	adapter *volatility.Adapter,
	dist forecast.Distribution,
	alpha float64,
	log zerolog.Logger,
) (*GridResult, error) {
	record, err := backtester.Run(benchRets, adapter, alpha, dist)
	if err != nil {
		var alignment *volatility.AlignmentError
		if errors.As(err, &alignment) {
			return nil, fmt.Errorf("grid cell %s/%s/%.2f: %w", adapter.Source(), dist, alpha, err)
		}
		var insufficient *returns.InsufficientDataError
		if errors.As(err, &insufficient) && !s.params.Strict {
			log.Warn().
				Str("source", string(adapter.Source())).
				Str("dist", string(dist)).
				Float64("alpha", alpha).
				Err(err).
				Msg("Skipping grid cell on insufficient data")
			return nil, nil
		}
		return nil, fmt.Errorf("grid cell %s/%s/%.2f failed: %w", adapter.Source(), dist, alpha, err)
	}
	if record.Len() == 0 {
		log.Warn().
			Str("source", string(adapter.Source())).
			Str("dist", string(dist)).
			Float64("alpha", alpha).
			Msg("Skipping grid cell with no evaluated forecasts")
		return nil, nil
	}

	test, err := coverage.Kupiec(alpha, record.Violations(), record.Len(), s.params.Significance)
	if err != nil {
		return nil, fmt.Errorf("kupiec test for %s/%s/%.2f failed: %w", adapter.Source(), dist, alpha, err)
	}

	cell := &GridResult{
		Source:   adapter.Source(),
		Dist:     dist,
		Alpha:    alpha,
		Record:   record,
		Coverage: test,
	}

	clustering, err := coverage.RollingExceedanceRate(record, s.params.ClusterWindow)
	if err != nil {
		var insufficient *returns.InsufficientDataError
		if !errors.As(err, &insufficient) {
			return nil, fmt.Errorf("clustering series for %s/%s/%.2f failed: %w", adapter.Source(), dist, alpha, err)
		}
		log.Debug().
			Str("source", string(adapter.Source())).
			Msg("Record too short for the clustering window")
	} else {
		cell.Clustering = clustering
	}
	return cell, nil
}

// logReturnPanel converts a price panel to a log-return panel. Every symbol
// loses the same first observation, so the return dates stay aligned.
func logReturnPanel(prices returns.Panel) (returns.Panel, error) {
	if err := prices.Validate(); err != nil {
		return returns.Panel{}, fmt.Errorf("invalid price panel: %w", err)
	}

	out := returns.Panel{
		Assets: append([]string(nil), prices.Assets...),
		Data:   make(map[string][]float64, len(prices.Assets)),
	}
	for _, asset := range prices.Assets {
		rets, err := returns.LogReturns(returns.Series{Dates: prices.Dates, Values: prices.Data[asset]})
		if err != nil {
			return returns.Panel{}, fmt.Errorf("log returns for %s: %w", asset, err)
		}
		if out.Dates == nil {
			out.Dates = rets.Dates
		}
		out.Data[asset] = rets.Values
	}
	if err := out.Validate(); err != nil {
		return returns.Panel{}, fmt.Errorf("return panel is invalid: %w", err)
	}
	return out, nil
}
