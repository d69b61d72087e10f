// Package handlers provides HTTP handlers for persisted risk pipeline
// results.
package handlers

import (
	"encoding/json"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/riskwatch/internal/modules/forecast"
	"github.com/aristath/riskwatch/internal/modules/risk"
	"github.com/aristath/riskwatch/internal/modules/volatility"
)

// Handler handles risk HTTP requests
type Handler struct {
	repo *risk.Repository
	svc  *risk.Service // nil disables POST /runs
	log  zerolog.Logger
}

// NewHandler creates a new risk handler
func NewHandler(repo *risk.Repository, svc *risk.Service, log zerolog.Logger) *Handler {
	return &Handler{
		repo: repo,
		svc:  svc,
		log:  log.With().Str("handler", "risk").Logger(),
	}
}

// HandleListRuns handles GET /api/risk/runs
func (h *Handler) HandleListRuns(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	runs, err := h.repo.ListRuns(limit)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to list runs")
		http.Error(w, "Failed to list runs", http.StatusInternalServerError)
		return
	}
	h.writeJSON(w, map[string]interface{}{"runs": runs})
}

// HandleTriggerRun handles POST /api/risk/runs: it executes the pipeline
// synchronously and returns the new run's identity.
func (h *Handler) HandleTriggerRun(w http.ResponseWriter, r *http.Request) {
	if h.svc == nil {
		http.Error(w, "Pipeline service not configured", http.StatusServiceUnavailable)
		return
	}

	results, err := h.svc.Run(r.Context())
	if err != nil {
		h.log.Error().Err(err).Msg("Triggered pipeline run failed")
		http.Error(w, "Pipeline run failed", http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, map[string]interface{}{
		"run_id":            results.RunID,
		"diagnostics":       len(results.Diagnostics),
		"cholesky_failures": results.CholeskyFailures,
		"grid_cells":        len(results.Grid),
	})
}

// HandleGetDiagnostics handles GET /api/risk/runs/{runID}/diagnostics
func (h *Handler) HandleGetDiagnostics(w http.ResponseWriter, r *http.Request, runID string) {
	diags, err := h.repo.Diagnostics(runID)
	if err != nil {
		h.log.Error().Err(err).Str("run_id", runID).Msg("Failed to load diagnostics")
		http.Error(w, "Failed to load diagnostics", http.StatusInternalServerError)
		return
	}

	// JSON has no Inf, so singular condition numbers go out as null.
	out := make([]map[string]interface{}, len(diags))
	for i, d := range diags {
		out[i] = map[string]interface{}{
			"date":             d.Date,
			"min_eigenvalue":   d.MinEigenvalue,
			"max_eigenvalue":   d.MaxEigenvalue,
			"condition_number": finiteOrNil(d.ConditionNumber),
		}
	}
	h.writeJSON(w, map[string]interface{}{"run_id": runID, "diagnostics": out})
}

// HandleGetCoverage handles GET /api/risk/runs/{runID}/coverage
func (h *Handler) HandleGetCoverage(w http.ResponseWriter, r *http.Request, runID string) {
	rows, err := h.repo.CoverageResults(runID)
	if err != nil {
		h.log.Error().Err(err).Str("run_id", runID).Msg("Failed to load coverage results")
		http.Error(w, "Failed to load coverage results", http.StatusInternalServerError)
		return
	}
	h.writeJSON(w, map[string]interface{}{"run_id": runID, "coverage": rows})
}

// HandleGetExceedances handles GET /api/risk/runs/{runID}/exceedances.
// Query parameters source, dist, and alpha select the grid cell.
func (h *Handler) HandleGetExceedances(w http.ResponseWriter, r *http.Request, runID string) {
	source := volatility.Source(r.URL.Query().Get("source"))
	dist := forecast.Distribution(r.URL.Query().Get("dist"))
	alpha, err := strconv.ParseFloat(r.URL.Query().Get("alpha"), 64)
	if err != nil || source == "" || dist == "" {
		http.Error(w, "source, dist and alpha query parameters are required", http.StatusBadRequest)
		return
	}

	record, err := h.repo.ExceedanceRecord(runID, source, dist, alpha)
	if err != nil {
		h.log.Error().Err(err).Str("run_id", runID).Msg("Failed to load exceedance record")
		http.Error(w, "Failed to load exceedance record", http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, map[string]interface{}{
		"run_id":     runID,
		"source":     record.Source,
		"dist":       record.Dist,
		"alpha":      record.Alpha,
		"violations": record.Violations(),
		"rate":       record.Rate(),
		"entries":    record.Entries(),
	})
}

// HandleGetRegimes handles GET /api/risk/runs/{runID}/regimes
func (h *Handler) HandleGetRegimes(w http.ResponseWriter, r *http.Request, runID string) {
	labels, err := h.repo.Regimes(runID)
	if err != nil {
		h.log.Error().Err(err).Str("run_id", runID).Msg("Failed to load regime labels")
		http.Error(w, "Failed to load regime labels", http.StatusInternalServerError)
		return
	}

	out := make([]map[string]interface{}, len(labels))
	for i, label := range labels {
		out[i] = map[string]interface{}{
			"date":             label.Date,
			"realized_vol":     label.RealizedVol,
			"high_vol":         label.HighVol,
			"condition_number": finiteOrNil(label.ConditionNumber),
		}
	}
	h.writeJSON(w, map[string]interface{}{"run_id": runID, "regimes": out})
}

// HandleGetSnapshot handles GET /api/risk/runs/{runID}/snapshots/{date}
func (h *Handler) HandleGetSnapshot(w http.ResponseWriter, r *http.Request, runID, date string) {
	snapshot, err := h.repo.SnapshotMatrix(runID, date)
	if err != nil {
		h.log.Warn().Err(err).Str("run_id", runID).Str("date", date).Msg("Snapshot not found")
		http.Error(w, "Snapshot not found", http.StatusNotFound)
		return
	}

	h.writeJSON(w, map[string]interface{}{
		"run_id": runID,
		"date":   date,
		"order":  snapshot.Order,
		"assets": snapshot.Assets,
		"matrix": snapshot.Data,
	})
}

func (h *Handler) writeJSON(w http.ResponseWriter, payload map[string]interface{}) {
	response := map[string]interface{}{
		"data": payload,
		"metadata": map[string]interface{}{
			"timestamp": time.Now().Format(time.RFC3339),
		},
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(response); err != nil {
		h.log.Error().Err(err).Msg("Failed to encode response")
	}
}

func finiteOrNil(v float64) interface{} {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return v
}
