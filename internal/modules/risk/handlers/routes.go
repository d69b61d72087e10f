package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// RegisterRoutes registers all risk pipeline routes
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/risk", func(r chi.Router) {
		r.Get("/runs", h.HandleListRuns)
		r.Post("/runs", h.HandleTriggerRun)

		r.Route("/runs/{runID}", func(r chi.Router) {
			r.Get("/diagnostics", func(w http.ResponseWriter, r *http.Request) {
				h.HandleGetDiagnostics(w, r, chi.URLParam(r, "runID"))
			})
			r.Get("/coverage", func(w http.ResponseWriter, r *http.Request) {
				h.HandleGetCoverage(w, r, chi.URLParam(r, "runID"))
			})
			r.Get("/exceedances", func(w http.ResponseWriter, r *http.Request) {
				h.HandleGetExceedances(w, r, chi.URLParam(r, "runID"))
			})
			r.Get("/regimes", func(w http.ResponseWriter, r *http.Request) {
				h.HandleGetRegimes(w, r, chi.URLParam(r, "runID"))
			})
			r.Get("/snapshots/{date}", func(w http.ResponseWriter, r *http.Request) {
				h.HandleGetSnapshot(w, r, chi.URLParam(r, "runID"), chi.URLParam(r, "date"))
			})
		})
	})
}
