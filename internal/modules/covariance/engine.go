// Package covariance computes rolling sample covariance matrices over a
// multi-asset return panel, together with eigenvalue conditioning
// diagnostics for each matrix.
package covariance

import (
	"fmt"

	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"github.com/aristath/riskwatch/internal/modules/returns"
)

// Snapshot is one time-indexed covariance estimate. Matrix is the raw sample
// estimate: it may be indefinite or near-singular, and it is what gets handed
// to SPD repair downstream. Diagnostic carries the clamped eigenvalue view
// used for reporting; the two are deliberately distinct.
type Snapshot struct {
	Date       string
	Assets     []string
	Matrix     *mat.SymDense
	Diagnostic Diagnostic
}

// RollingEngine computes trailing-window sample covariance matrices.
type RollingEngine struct {
	window int
	log    zerolog.Logger
}

// NewRollingEngine creates a rolling covariance engine with the given window.
func NewRollingEngine(window int, log zerolog.Logger) *RollingEngine {
	return &RollingEngine{
		window: window,
		log:    log.With().Str("component", "covariance_engine").Logger(),
	}
}

// Compute produces one Snapshot per time index t >= window-1, each covering
// the window observations ending at t. Only data at or before t enters the
// estimate for t: means and cross-products are taken over the trailing slice
// alone, so no window can see a later observation.
//
// A window smaller than assets+1 yields rank-deficient matrices by
// construction; those are emitted normally, with the deficiency visible in
// the diagnostics, not treated as an error.
func (e *RollingEngine) Compute(panel returns.Panel) ([]Snapshot, error) {
	if err := panel.Validate(); err != nil {
		return nil, fmt.Errorf("invalid return panel: %w", err)
	}
	if e.window < 2 {
		return nil, fmt.Errorf("covariance window must be >= 2, got %d", e.window)
	}
	if panel.Len() < e.window {
		return nil, &returns.InsufficientDataError{Op: "rolling_covariance", Needed: e.window, Have: panel.Len()}
	}

	k := panel.NumAssets()
	if e.window < k+1 {
		e.log.Warn().
			Int("window", e.window).
			Int("num_assets", k).
			Msg("Window smaller than assets+1, covariance matrices will be rank-deficient")
	}

	snapshots := make([]Snapshot, 0, panel.Len()-e.window+1)
	for t := e.window - 1; t < panel.Len(); t++ {
		m := sampleCovariance(panel, t-e.window+1, t+1)
		snapshots = append(snapshots, Snapshot{
			Date:       panel.Dates[t],
			Assets:     panel.Assets,
			Matrix:     m,
			Diagnostic: Diagnose(panel.Dates[t], m),
		})
	}

	e.log.Info().
		Int("num_matrices", len(snapshots)).
		Int("window", e.window).
		Int("num_assets", k).
		Msg("Computed rolling covariance series")

	return snapshots, nil
}

// sampleCovariance computes the sample covariance (N-1 denominator) of the
// panel rows in [start, end). SymDense storage makes the result exactly
// symmetric: each pair is computed once and stored once.
func sampleCovariance(panel returns.Panel, start, end int) *mat.SymDense {
	k := panel.NumAssets()
	m := mat.NewSymDense(k, nil)

	cols := make([][]float64, k)
	for i, asset := range panel.Assets {
		cols[i] = panel.Data[asset][start:end]
	}

	for i := 0; i < k; i++ {
		for j := i; j < k; j++ {
			m.SetSym(i, j, stat.Covariance(cols[i], cols[j], nil))
		}
	}
	return m
}
