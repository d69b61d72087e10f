package risk

import (
	"context"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/aristath/riskwatch/internal/config"
	"github.com/aristath/riskwatch/internal/database"
	"github.com/aristath/riskwatch/internal/modules/backtest"
	"github.com/aristath/riskwatch/internal/modules/covariance"
	"github.com/aristath/riskwatch/internal/modules/coverage"
	"github.com/aristath/riskwatch/internal/modules/forecast"
	"github.com/aristath/riskwatch/internal/modules/spd"
	"github.com/aristath/riskwatch/internal/modules/volatility"
)

func testRepository(t *testing.T) *Repository {
	t.Helper()

	db, err := database.New(database.Config{
		Path: filepath.Join(t.TempDir(), "results.db"),
		Name: "results",
	})
	require.NoError(t, err)
	require.NoError(t, db.Migrate())
	t.Cleanup(func() { _ = db.Close() })

	return NewRepository(db, zerolog.Nop())
}

func fixtureResults() *RunResults {
	matrix := mat.NewSymDense(2, []float64{2e-4, 5e-5, 5e-5, 3e-4})
	record := backtest.NewRecordFromEntries(
		volatility.SourceRealized, forecast.DistGaussian, 0.05,
		[]backtest.Entry{
			{
				Date:     "2024-01-03",
				Realized: -0.03,
				VaR: forecast.VaR{
					Date: "2024-01-03", Alpha: 0.05,
					Dist: forecast.DistGaussian, Source: volatility.SourceRealized,
					Value: 0.02,
				},
				Violated: true,
			},
			{
				Date:     "2024-01-04",
				Realized: 0.01,
				VaR: forecast.VaR{
					Date: "2024-01-04", Alpha: 0.05,
					Dist: forecast.DistGaussian, Source: volatility.SourceRealized,
					Value: 0.021,
				},
				Violated: false,
			},
		})

	return &RunResults{
		RunID:     "run-1",
		CreatedAt: time.Date(2024, 1, 5, 2, 30, 0, 0, time.UTC),
		Benchmark: "SPY",
		Assets:    []string{"SPY", "QQQ"},
		Params:    config.RiskParams{}.Normalize(),
		Diagnostics: []covariance.Diagnostic{
			{Date: "2024-01-03", MinEigenvalue: 1e-5, MaxEigenvalue: 4e-4, ConditionNumber: 40},
			{Date: "2024-01-04", MinEigenvalue: 0, MaxEigenvalue: 4e-4, ConditionNumber: math.Inf(1)},
		},
		Snapshots: []RepairedSnapshot{
			{
				Date: "2024-01-03",
				Result: spd.Result{
					Matrix: matrix, Method: spd.MethodClip,
					Delta: 0, Escalations: 0, MinEigenvalue: 1e-5,
				},
			},
			{Date: "2024-01-04", Failed: true, FailureReason: "escalation cap reached"},
		},
		CholeskyFailures: 1,
		Regimes: []RegimeLabel{
			{Date: "2024-01-03", RealizedVol: 0.012, HighVol: false, ConditionNumber: 40},
			{Date: "2024-01-04", RealizedVol: 0.031, HighVol: true, ConditionNumber: math.NaN()},
		},
		Grid: []GridResult{
			{
				Source: volatility.SourceRealized,
				Dist:   forecast.DistGaussian,
				Alpha:  0.05,
				Record: record,
				Coverage: coverage.TestResult{
					Name: "kupiec_unconditional_coverage", Statistic: 3.1,
					PValue: 0.078, Significance: 0.05, Reject: false,
				},
			},
		},
	}
}

func TestRepository_RoundTrip(t *testing.T) {
	repo := testRepository(t)
	results := fixtureResults()

	require.NoError(t, repo.SaveRun(context.Background(), results))

	runs, err := repo.ListRuns(10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "run-1", runs[0].RunID)
	assert.Equal(t, "SPY", runs[0].Benchmark)
	assert.Equal(t, "SPY,QQQ", runs[0].Assets)
	assert.Equal(t, 1, runs[0].CholeskyFailures)

	diags, err := repo.Diagnostics("run-1")
	require.NoError(t, err)
	require.Len(t, diags, 2)
	assert.Equal(t, 40.0, diags[0].ConditionNumber)
	// Singular matrices round-trip their +Inf condition number.
	assert.True(t, math.IsInf(diags[1].ConditionNumber, 1))
}

func TestRepository_ExceedanceRecordRebuilds(t *testing.T) {
	repo := testRepository(t)
	require.NoError(t, repo.SaveRun(context.Background(), fixtureResults()))

	record, err := repo.ExceedanceRecord("run-1", volatility.SourceRealized, forecast.DistGaussian, 0.05)
	require.NoError(t, err)

	require.Equal(t, 2, record.Len())
	assert.Equal(t, 1, record.Violations())
	entries := record.Entries()
	assert.Equal(t, "2024-01-03", entries[0].Date)
	assert.Equal(t, 0.02, entries[0].VaR.Value)
	assert.True(t, entries[0].Violated)
	assert.Equal(t, volatility.SourceRealized, record.Source)
}

func TestRepository_CoverageResults(t *testing.T) {
	repo := testRepository(t)
	require.NoError(t, repo.SaveRun(context.Background(), fixtureResults()))

	rows, err := repo.CoverageResults("run-1")
	require.NoError(t, err)
	require.Len(t, rows, 1)

	assert.Equal(t, "realized", rows[0].Source)
	assert.Equal(t, 2, rows[0].Observations)
	assert.Equal(t, 1, rows[0].Violations)
	assert.InDelta(t, 3.1, rows[0].Statistic, 1e-12)
	assert.False(t, rows[0].Reject)
}

func TestRepository_RegimesPreserveMissingCondition(t *testing.T) {
	repo := testRepository(t)
	require.NoError(t, repo.SaveRun(context.Background(), fixtureResults()))

	labels, err := repo.Regimes("run-1")
	require.NoError(t, err)
	require.Len(t, labels, 2)

	assert.Equal(t, 40.0, labels[0].ConditionNumber)
	assert.True(t, labels[1].HighVol)
	assert.True(t, math.IsNaN(labels[1].ConditionNumber))
}

func TestRepository_SnapshotMatrixRoundTrip(t *testing.T) {
	repo := testRepository(t)
	require.NoError(t, repo.SaveRun(context.Background(), fixtureResults()))

	snapshot, err := repo.SnapshotMatrix("run-1", "2024-01-03")
	require.NoError(t, err)

	assert.Equal(t, 2, snapshot.Order)
	assert.Equal(t, []string{"SPY", "QQQ"}, snapshot.Assets)

	m, err := snapshot.Matrix()
	require.NoError(t, err)
	assert.Equal(t, 2e-4, m.At(0, 0))
	assert.Equal(t, 5e-5, m.At(0, 1))
	assert.Equal(t, 3e-4, m.At(1, 1))

	// The failed snapshot was never persisted.
	_, err = repo.SnapshotMatrix("run-1", "2024-01-04")
	assert.Error(t, err)
}
