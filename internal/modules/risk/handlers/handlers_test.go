package handlers

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/riskwatch/internal/config"
	"github.com/aristath/riskwatch/internal/database"
	"github.com/aristath/riskwatch/internal/modules/backtest"
	"github.com/aristath/riskwatch/internal/modules/covariance"
	"github.com/aristath/riskwatch/internal/modules/coverage"
	"github.com/aristath/riskwatch/internal/modules/forecast"
	"github.com/aristath/riskwatch/internal/modules/risk"
	"github.com/aristath/riskwatch/internal/modules/volatility"
)

func setupTestHandler(t *testing.T) (*Handler, *chi.Mux) {
	t.Helper()

	db, err := database.New(database.Config{
		Path: filepath.Join(t.TempDir(), "results.db"),
		Name: "results",
	})
	require.NoError(t, err)
	require.NoError(t, db.Migrate())
	t.Cleanup(func() { _ = db.Close() })

	repo := risk.NewRepository(db, zerolog.Nop())
	require.NoError(t, repo.SaveRun(context.Background(), fixtureRun()))

	handler := NewHandler(repo, nil, zerolog.Nop())
	router := chi.NewRouter()
	router.Route("/api", handler.RegisterRoutes)
	return handler, router
}

func fixtureRun() *risk.RunResults {
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
		})

	return &risk.RunResults{
		RunID:     "run-api",
		CreatedAt: time.Date(2024, 1, 5, 2, 30, 0, 0, time.UTC),
		Benchmark: "SPY",
		Assets:    []string{"SPY"},
		Params:    config.RiskParams{}.Normalize(),
		Diagnostics: []covariance.Diagnostic{
			{Date: "2024-01-03", MinEigenvalue: 1e-5, MaxEigenvalue: 4e-4, ConditionNumber: 40},
			{Date: "2024-01-04", MinEigenvalue: 0, MaxEigenvalue: 4e-4, ConditionNumber: math.Inf(1)},
		},
		Regimes: []risk.RegimeLabel{
			{Date: "2024-01-03", RealizedVol: 0.012, HighVol: false, ConditionNumber: 40},
		},
		Grid: []risk.GridResult{
			{
				Source: volatility.SourceRealized,
				Dist:   forecast.DistGaussian,
				Alpha:  0.05,
				Record: record,
				Coverage: coverage.TestResult{
					Name: "kupiec_unconditional_coverage", Statistic: 3.1,
					PValue: 0.078, Significance: 0.05,
				},
			},
		},
	}
}

func getJSON(t *testing.T, router *chi.Mux, url string) map[string]interface{} {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, url, nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, "GET %s: %s", url, rec.Body.String())

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	data, ok := body["data"].(map[string]interface{})
	require.True(t, ok, "response missing data envelope")
	return data
}

func TestHandleListRuns(t *testing.T) {
	_, router := setupTestHandler(t)

	data := getJSON(t, router, "/api/risk/runs")
	runs, ok := data["runs"].([]interface{})
	require.True(t, ok)
	require.Len(t, runs, 1)

	run := runs[0].(map[string]interface{})
	assert.Equal(t, "run-api", run["run_id"])
	assert.Equal(t, "SPY", run["benchmark"])
}

func TestHandleGetDiagnostics_InfGoesOutAsNull(t *testing.T) {
	_, router := setupTestHandler(t)

	data := getJSON(t, router, "/api/risk/runs/run-api/diagnostics")
	diags := data["diagnostics"].([]interface{})
	require.Len(t, diags, 2)

	first := diags[0].(map[string]interface{})
	assert.Equal(t, 40.0, first["condition_number"])

	second := diags[1].(map[string]interface{})
	assert.Nil(t, second["condition_number"])
}

func TestHandleGetCoverage(t *testing.T) {
	_, router := setupTestHandler(t)

	data := getJSON(t, router, "/api/risk/runs/run-api/coverage")
	rows := data["coverage"].([]interface{})
	require.Len(t, rows, 1)

	row := rows[0].(map[string]interface{})
	assert.Equal(t, "realized", row["source"])
	assert.InDelta(t, 3.1, row["statistic"].(float64), 1e-12)
}

func TestHandleGetExceedances(t *testing.T) {
	_, router := setupTestHandler(t)

	data := getJSON(t, router, "/api/risk/runs/run-api/exceedances?source=realized&dist=gaussian&alpha=0.05")
	assert.Equal(t, 1.0, data["violations"])
	entries := data["entries"].([]interface{})
	require.Len(t, entries, 1)
}

func TestHandleGetExceedances_MissingParams(t *testing.T) {
	_, router := setupTestHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/api/risk/runs/run-api/exceedances", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleGetSnapshot_NotFound(t *testing.T) {
	_, router := setupTestHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/api/risk/runs/run-api/snapshots/2024-01-03", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleTriggerRun_NoService(t *testing.T) {
	_, router := setupTestHandler(t)

	req := httptest.NewRequest(http.MethodPost, "/api/risk/runs", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
