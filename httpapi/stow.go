package httpapi

import (
	"encoding/json"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/dicomnet/gateway/dicom"
	"github.com/dicomnet/gateway/interfaces"
	"github.com/dicomnet/gateway/types"
)

// stowStore handles POST /aets/{aet}/studies: a multipart/related body of
// application/dicom parts, each a complete Part 10 file.
func stowStore(registry *Registry, maxUploadSize int64) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		aet := chi.URLParam(r, "aet")
		backends, ok := registry.Lookup(aet)
		if !ok {
			writeError(w, http.StatusServiceUnavailable, "AE title not configured")
			return
		}
		if backends.Store == nil {
			writeError(w, http.StatusServiceUnavailable, "STOW-RS not enabled for this AE title")
			return
		}

		_, params, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
		if err != nil || params["boundary"] == "" {
			writeError(w, http.StatusBadRequest, "missing multipart/related boundary")
			return
		}

		body := http.MaxBytesReader(w, r.Body, maxUploadSize)
		reader := multipart.NewReader(body, params["boundary"])

		instances := make(chan interfaces.Instance)
		results, err := backends.Store.Store(r.Context(), instances)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "store failed")
			return
		}

		done := make(chan []interfaces.StoreResult, 1)
		go func() {
			var collected []interfaces.StoreResult
			for res := range results {
				collected = append(collected, res)
			}
			done <- collected
		}()

		submitErr := submitParts(reader, instances)
		close(instances)
		collected := <-done

		if submitErr != nil && len(collected) == 0 {
			writeError(w, http.StatusBadRequest, submitErr.Error())
			return
		}

		w.Header().Set("Content-Type", "application/dicom+json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(stowResponse(collected))
	}
}

func submitParts(reader *multipart.Reader, instances chan<- interfaces.Instance) error {
	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		data, err := io.ReadAll(part)
		part.Close()
		if err != nil {
			return err
		}

		meta, err := dicom.ReadPart10Meta(data)
		if err != nil {
			continue
		}
		datasetBytes, err := dicom.StripPart10Header(data)
		if err != nil {
			continue
		}
		dataset, err := dicom.ParseDatasetWithTransferSyntax(datasetBytes, meta.TransferSyntaxUID)
		if err != nil {
			continue
		}

		instances <- interfaces.Instance{
			SOPClassUID:       meta.SOPClassUID,
			SOPInstanceUID:    meta.SOPInstanceUID,
			TransferSyntaxUID: meta.TransferSyntaxUID,
			Dataset:           dataset,
		}
	}
}

var (
	referencedSOPClassUIDTag    = dicom.Tag{Group: 0x0008, Element: 0x1150}
	referencedSOPInstanceUIDTag = dicom.Tag{Group: 0x0008, Element: 0x1155}
	failureReasonTag            = dicom.Tag{Group: 0x0008, Element: 0x1197}
)

// dicomSequence is one entry of the DICOM JSON model for a Sequence of
// Items (VR SQ): its Value is a list of item datasets, each of which
// marshals through dicom.Dataset's own tag/vr/Value encoding.
type dicomSequence struct {
	VR    string           `json:"vr"`
	Value []*dicom.Dataset `json:"Value,omitempty"`
}

// stowResponse builds the PS3.18 STOW-RS response body: a
// ReferencedSOPSequence (00081199) and FailedSOPSequence (00081198), each
// item itself DICOM JSON rather than keyword-keyed, so a failed item's
// FailureReason comes back under its tag (00081197) per PS3.18.
func stowResponse(results []interfaces.StoreResult) map[string]any {
	referenced := make([]*dicom.Dataset, 0)
	failed := make([]*dicom.Dataset, 0)

	for _, res := range results {
		item := dicom.NewDataset()
		item.AddElement(referencedSOPClassUIDTag, dicom.VR_UI, res.SOPClassUID)
		item.AddElement(referencedSOPInstanceUIDTag, dicom.VR_UI, res.SOPInstanceUID)

		if res.Err == nil && res.Status == types.StatusSuccess {
			referenced = append(referenced, item)
			continue
		}
		item.AddElement(failureReasonTag, dicom.VR_US, strconv.Itoa(int(res.Status)))
		failed = append(failed, item)
	}

	return map[string]any{
		"00081199": dicomSequence{VR: "SQ", Value: referenced},
		"00081198": dicomSequence{VR: "SQ", Value: failed},
	}
}
