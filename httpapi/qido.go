package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/dicomnet/gateway/dicom"
	"github.com/dicomnet/gateway/types"
)

type level string

const (
	levelStudy  level = "studies"
	levelSeries level = "series"
	levelImage  level = "instances"
)

func (l level) queryLevel() types.QueryLevel {
	switch l {
	case levelStudy:
		return types.QueryLevelStudy
	case levelSeries:
		return types.QueryLevelSeries
	default:
		return types.QueryLevelImage
	}
}

var (
	studyInstanceUIDTag  = dicom.Tag{Group: 0x0020, Element: 0x000D}
	seriesInstanceUIDTag = dicom.Tag{Group: 0x0020, Element: 0x000E}
	sopInstanceUIDTag    = dicom.Tag{Group: 0x0008, Element: 0x0018}
)

// qidoSearch handles GET .../studies|series|instances and the study/series
// scoped variants, serving QIDO-RS search over the path's AET.
func qidoSearch(registry *Registry, lvl level) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		aet := chi.URLParam(r, "aet")
		backends, ok := registry.Lookup(aet)
		if !ok {
			writeError(w, http.StatusServiceUnavailable, "AE title not configured")
			return
		}
		if backends.Search == nil {
			writeError(w, http.StatusServiceUnavailable, "QIDO-RS not enabled for this AE title")
			return
		}

		keys, limit, offset, err := parseQidoQuery(r, lvl)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		// The C-FIND limit/cancel boundary is client-side, so the backend
		// must be asked for offset+limit matches; the leading offset ones
		// are dropped below once they arrive.
		backendLimit := limit
		if backendLimit > 0 && offset > 0 {
			backendLimit += offset
		}

		results, err := backends.Search.Search(r.Context(), lvl.queryLevel(), keys, backendLimit)
		if err != nil {
			RequestLogger(r.Context()).Error("QIDO-RS search failed", "aet", aet, "error", err)
			writeError(w, http.StatusInternalServerError, "search failed")
			return
		}

		matches := make([]*dicom.Dataset, 0)
		var searchErr error
		skipped := 0
		for res := range results {
			if res.Err != nil {
				searchErr = res.Err
				continue
			}
			if skipped < offset {
				skipped++
				continue
			}
			matches = append(matches, res.Dataset)
		}
		if searchErr != nil && len(matches) == 0 {
			RequestLogger(r.Context()).Error("QIDO-RS search ended in error", "aet", aet, "error", searchErr)
			writeError(w, http.StatusInternalServerError, searchErr.Error())
			return
		}

		if len(matches) == 0 {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		w.Header().Set("Content-Type", "application/dicom+json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(matches)
	}
}

// parseQidoQuery builds the match-key dataset from the path's
// study/series scoping and the request's query parameters (arbitrary
// attribute keywords/tags plus includefield, limit, offset). offset is
// applied by the caller dropping leading results; the wire protocol
// carries neither limit nor offset (see SCU Operations). includefield
// attributes that are not already part of the match keys are added with an
// empty value so they come back as return keys even when absent from a
// given match.
func parseQidoQuery(r *http.Request, lvl level) (*dicom.Dataset, int, int, error) {
	keys := dicom.NewDataset()

	if study := chi.URLParam(r, "study"); study != "" {
		keys.AddElement(studyInstanceUIDTag, "UI", study)
	}
	if series := chi.URLParam(r, "series"); series != "" {
		keys.AddElement(seriesInstanceUIDTag, "UI", series)
	}

	q := r.URL.Query()
	limit := 0
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return nil, 0, 0, errInvalidLimit
		}
		limit = n
	}

	offset := 0
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return nil, 0, 0, errInvalidOffset
		}
		offset = n
	}

	for key, values := range q {
		switch key {
		case "limit", "offset", "includefield", "fuzzymatching":
			continue
		}
		tag, vr, ok := dicomTagForKeyword(key)
		if !ok {
			continue
		}
		keys.AddElement(tag, vr, strings.Join(values, "\\"))
	}

	for _, field := range q["includefield"] {
		for _, name := range strings.Split(field, ",") {
			if name == "" || name == "all" {
				continue
			}
			tag, vr, ok := dicomTagForKeyword(name)
			if !ok || keys.GetString(tag) != "" {
				continue
			}
			keys.AddElement(tag, vr, "")
		}
	}

	return keys, limit, offset, nil
}

var errInvalidLimit = httpError("limit must be a non-negative integer")
var errInvalidOffset = httpError("offset must be a non-negative integer")

type httpError string

func (e httpError) Error() string { return string(e) }

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
