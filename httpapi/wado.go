package httpapi

import (
	"fmt"
	"mime/multipart"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/dicomnet/gateway/dicom"
)

// wadoRetrieve handles GET .../studies/{study}[/series/{series}[/instances/{instance}]],
// streaming a multipart/related response as the backend's move mediator
// delivers each instance.
func wadoRetrieve(registry *Registry, lvl level) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		aet := chi.URLParam(r, "aet")
		backends, ok := registry.Lookup(aet)
		if !ok {
			writeError(w, http.StatusServiceUnavailable, "AE title not configured")
			return
		}
		if backends.Retrieve == nil {
			writeError(w, http.StatusServiceUnavailable, "WADO-RS not enabled for this AE title")
			return
		}

		keys := dicom.NewDataset()
		if study := chi.URLParam(r, "study"); study != "" {
			keys.AddElement(studyInstanceUIDTag, "UI", study)
		}
		if series := chi.URLParam(r, "series"); series != "" {
			keys.AddElement(seriesInstanceUIDTag, "UI", series)
		}
		if instance := chi.URLParam(r, "instance"); instance != "" {
			keys.AddElement(sopInstanceUIDTag, "UI", instance)
		}

		files, err := backends.Retrieve.Retrieve(r.Context(), lvl.queryLevel(), keys)
		if err != nil {
			RequestLogger(r.Context()).Error("WADO-RS retrieve failed", "aet", aet, "error", err)
			writeError(w, http.StatusInternalServerError, "retrieve failed")
			return
		}

		boundary := uuid.NewString()
		w.Header().Set("Content-Type", fmt.Sprintf(`multipart/related; type="application/dicom"; boundary=%s`, boundary))
		w.WriteHeader(http.StatusOK)

		mw := multipart.NewWriter(w)
		_ = mw.SetBoundary(boundary)
		defer mw.Close()

		delivered := 0
		for file := range files {
			if file.Err != nil {
				RequestLogger(r.Context()).Warn("WADO-RS retrieve ended with an error", "aet", aet, "error", file.Err)
				continue
			}
			part, err := mw.CreatePart(map[string][]string{"Content-Type": {"application/dicom"}})
			if err != nil {
				return
			}
			if _, err := part.Write(file.Part10); err != nil {
				return
			}
			delivered++
			if flusher, ok := w.(http.Flusher); ok {
				flusher.Flush()
			}
		}

		if delivered == 0 {
			RequestLogger(r.Context()).Warn("WADO-RS retrieve delivered zero instances", "aet", aet)
		}
	}
}
