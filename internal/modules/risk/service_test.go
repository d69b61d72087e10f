package risk

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/aristath/riskwatch/internal/config"
	"github.com/aristath/riskwatch/internal/modules/returns"
	"github.com/aristath/riskwatch/internal/modules/spd"
	"github.com/aristath/riskwatch/internal/modules/volatility"
)

// fakeHistory serves synthetic loader data without a database.
type fakeHistory struct {
	panel returns.Panel
	garch returns.Series
	innov []volatility.DatedCovariance
}

func (f *fakeHistory) PricePanel(symbols []string, limit int) (returns.Panel, error) {
	return f.panel, nil
}

func (f *fakeHistory) GarchVolatility(symbol string) (returns.Series, error) {
	return f.garch, nil
}

func (f *fakeHistory) InnovationCovariances(symbols []string) ([]volatility.DatedCovariance, error) {
	return f.innov, nil
}

func tradingDate(t int) string {
	// 252 trading days per synthetic year, 12 blocks of 21.
	return fmt.Sprintf("%04d-%02d-%02d", 2019+t/252, 1+(t%252)/21, 1+t%21)
}

// syntheticHistory builds a price panel from independent Gaussian daily
// returns, plus GARCH sigmas and innovation covariances for every return
// date so all three volatility sources participate.
func syntheticHistory(numAssets, numObs int, seed int64) (*fakeHistory, []string) {
	rng := rand.New(rand.NewSource(seed))

	symbols := make([]string, numAssets)
	panel := returns.Panel{
		Dates:  make([]string, numObs),
		Assets: symbols,
		Data:   make(map[string][]float64, numAssets),
	}
	for t := 0; t < numObs; t++ {
		panel.Dates[t] = tradingDate(t)
	}
	for i := 0; i < numAssets; i++ {
		symbols[i] = fmt.Sprintf("SYM%02d", i)
		prices := make([]float64, numObs)
		price := 100.0
		for t := 0; t < numObs; t++ {
			price *= math.Exp(rng.NormFloat64() * 0.01)
			prices[t] = price
		}
		panel.Data[symbols[i]] = prices
	}

	// Return dates start at the second price date.
	garch := returns.Series{}
	var innov []volatility.DatedCovariance
	for t := 1; t < numObs; t++ {
		date := panel.Dates[t]
		garch.Dates = append(garch.Dates, date)
		garch.Values = append(garch.Values, 0.009+0.002*rng.Float64())

		cov := mat.NewSymDense(numAssets, nil)
		for i := 0; i < numAssets; i++ {
			cov.SetSym(i, i, 1e-4)
		}
		innov = append(innov, volatility.DatedCovariance{Date: date, Cov: cov})
	}

	return &fakeHistory{panel: panel, garch: garch, innov: innov}, symbols
}

func testParams() config.RiskParams {
	return config.RiskParams{
		CovWindow:  60,
		RVWindow:   21,
		EigenFloor: 1e-6,
	}.Normalize()
}

func TestService_FullPipeline(t *testing.T) {
	// Ten assets over five synthetic years. Every rolling covariance matrix
	// must leave the pipeline SPD with zero Cholesky failures.
	hist, symbols := syntheticHistory(10, 5*252, 7)

	svc, err := NewService(testParams(), symbols, hist, nil, zerolog.Nop())
	require.NoError(t, err)

	results, err := svc.Run(context.Background())
	require.NoError(t, err)

	numReturns := 5*252 - 1
	assert.Len(t, results.Diagnostics, numReturns-60+1)
	assert.Equal(t, 0, results.CholeskyFailures)

	require.Len(t, results.Snapshots, len(results.Diagnostics))
	for _, snap := range results.Snapshots {
		require.False(t, snap.Failed, "repair failed at %s: %s", snap.Date, snap.FailureReason)
		assert.True(t, spd.Validate(snap.Result.Matrix),
			"repaired matrix at %s does not admit a Cholesky factorization", snap.Date)
	}
}

func TestService_GridCoversAllSources(t *testing.T) {
	hist, symbols := syntheticHistory(3, 2*252, 11)

	svc, err := NewService(testParams(), symbols, hist, nil, zerolog.Nop())
	require.NoError(t, err)

	results, err := svc.Run(context.Background())
	require.NoError(t, err)

	// 3 sources x 2 distributions x 2 alphas.
	assert.Len(t, results.Grid, 12)

	seen := map[volatility.Source]int{}
	for _, cell := range results.Grid {
		seen[cell.Source]++
		assert.Greater(t, cell.Record.Len(), 0)
		assert.False(t, math.IsNaN(cell.Coverage.Statistic))
	}
	assert.Equal(t, 4, seen[volatility.SourceRealized])
	assert.Equal(t, 4, seen[volatility.SourceGARCH])
	assert.Equal(t, 4, seen[volatility.SourceVARInnovation])
}

func TestService_RegimeFractionMatchesQuantile(t *testing.T) {
	hist, symbols := syntheticHistory(2, 3*252, 13)

	svc, err := NewService(testParams(), symbols, hist, nil, zerolog.Nop())
	require.NoError(t, err)

	results, err := svc.Run(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, results.Regimes)

	high := 0
	for _, label := range results.Regimes {
		if label.HighVol {
			high++
		}
	}
	fraction := float64(high) / float64(len(results.Regimes))
	// The 70th-percentile threshold puts roughly 30% of dates in the
	// high-vol regime.
	assert.InDelta(t, 0.30, fraction, 0.08)
}

func TestService_RegimesCarryConditionNumbers(t *testing.T) {
	hist, symbols := syntheticHistory(2, 2*252, 17)

	svc, err := NewService(testParams(), symbols, hist, nil, zerolog.Nop())
	require.NoError(t, err)

	results, err := svc.Run(context.Background())
	require.NoError(t, err)

	condDates := map[string]bool{}
	for _, d := range results.Diagnostics {
		condDates[d.Date] = true
	}
	for _, label := range results.Regimes {
		if condDates[label.Date] {
			assert.False(t, math.IsNaN(label.ConditionNumber),
				"regime at %s should carry the snapshot's condition number", label.Date)
		} else {
			assert.True(t, math.IsNaN(label.ConditionNumber))
		}
	}
}

func TestService_JitterRepairSelection(t *testing.T) {
	hist, symbols := syntheticHistory(4, 252, 19)
	params := testParams()
	params.RepairMethod = "jitter"

	svc, err := NewService(params, symbols, hist, nil, zerolog.Nop())
	require.NoError(t, err)

	results, err := svc.Run(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, results.Snapshots)

	for _, snap := range results.Snapshots {
		require.False(t, snap.Failed)
		assert.Equal(t, spd.MethodJitter, snap.Result.Method,
			"configured jitter repair must reach every snapshot")
		assert.True(t, spd.Validate(snap.Result.Matrix))
	}
}

func TestService_UnknownRepairMethod(t *testing.T) {
	params := testParams()
	params.RepairMethod = "shrinkage"

	_, err := NewService(params, []string{"SPY"}, &fakeHistory{}, nil, zerolog.Nop())
	assert.Error(t, err)
}

func TestService_RequiresSymbols(t *testing.T) {
	_, err := NewService(testParams(), nil, &fakeHistory{}, nil, zerolog.Nop())
	assert.Error(t, err)
}

func TestLogReturnPanel_AlignedAcrossAssets(t *testing.T) {
	prices := returns.Panel{
		Dates:  []string{"2024-01-02", "2024-01-03", "2024-01-04"},
		Assets: []string{"A", "B"},
		Data: map[string][]float64{
			"A": {100, 110, 121},
			"B": {50, 45, 40.5},
		},
	}

	rets, err := logReturnPanel(prices)
	require.NoError(t, err)

	assert.Equal(t, []string{"2024-01-03", "2024-01-04"}, rets.Dates)
	assert.InDelta(t, math.Log(1.1), rets.Data["A"][0], 1e-12)
	assert.InDelta(t, math.Log(0.9), rets.Data["B"][0], 1e-12)
}
