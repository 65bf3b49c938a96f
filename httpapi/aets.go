package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
)

// listAETs handles GET /aets.
func listAETs(registry *Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(registry.List())
	}
}

// healthCheck handles GET /aets/{aet}: a C-ECHO round trip against the
// configured backend.
func healthCheck(registry *Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		aet := chi.URLParam(r, "aet")
		backends, ok := registry.Lookup(aet)
		if !ok {
			writeError(w, http.StatusServiceUnavailable, "AE title not configured")
			return
		}
		if backends.Health == nil {
			writeError(w, http.StatusServiceUnavailable, "health check not supported for this AE title")
			return
		}
		if err := backends.Health.HealthCheck(r.Context()); err != nil {
			RequestLogger(r.Context()).Warn("health check failed", "aet", aet, "error", err)
			writeError(w, http.StatusBadGateway, "C-ECHO failed")
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}
