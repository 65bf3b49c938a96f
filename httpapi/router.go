package httpapi

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

// Router builds the DICOMweb HTTP surface: every route is scoped under
// /aets/{aet}, which resolves to one Backends entry via registry.
func Router(registry *Registry, requestTimeoutDuration time.Duration, maxUploadSize int64, logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(requestLogger(logger))
	r.Use(recoverer)
	r.Use(requestTimeout(requestTimeoutDuration))

	r.Get("/aets", listAETs(registry))

	r.Route("/aets/{aet}", func(r chi.Router) {
		r.Get("/", healthCheck(registry))

		r.Get("/studies", qidoSearch(registry, levelStudy))
		r.Get("/series", qidoSearch(registry, levelSeries))
		r.Get("/instances", qidoSearch(registry, levelImage))
		r.Get("/studies/{study}/series", qidoSearch(registry, levelSeries))
		r.Get("/studies/{study}/instances", qidoSearch(registry, levelImage))
		r.Get("/studies/{study}/series/{series}/instances", qidoSearch(registry, levelImage))

		r.Get("/studies/{study}", wadoRetrieve(registry, levelStudy))
		r.Get("/studies/{study}/series/{series}", wadoRetrieve(registry, levelSeries))
		r.Get("/studies/{study}/series/{series}/instances/{instance}", wadoRetrieve(registry, levelImage))

		r.Post("/studies", stowStore(registry, maxUploadSize))
	})

	return r
}
