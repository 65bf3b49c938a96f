// Package adapter implements the gateway's DICOMweb-facing backend
// interfaces (interfaces.SearchBackend, RetrieveBackend, StoreBackend) on
// top of a DIMSE association pool, the move mediator, and the client SCU
// operations.
package adapter

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/dicomnet/gateway/client"
	"github.com/dicomnet/gateway/dicom"
	"github.com/dicomnet/gateway/errors"
	"github.com/dicomnet/gateway/interfaces"
	"github.com/dicomnet/gateway/pool"
	"github.com/dicomnet/gateway/types"
)

var queryRetrieveLevelTag = dicom.Tag{Group: 0x0008, Element: 0x0052}
var studyInstanceUIDTag = dicom.Tag{Group: 0x0020, Element: 0x000D}
var seriesInstanceUIDTag = dicom.Tag{Group: 0x0020, Element: 0x000E}

// findMessageIDs mints DIMSE message IDs for C-FIND requests, so a C-CANCEL
// sent once the result limit is reached always names the operation it
// means to stop.
var findMessageIDs atomic.Uint32

// DimseSearchBackend implements interfaces.SearchBackend against one
// backend AET's association pool, using a Study Root C-FIND.
type DimseSearchBackend struct {
	aet    string
	pool   *pool.Pool
	logger *slog.Logger
}

// NewSearchBackend creates a QIDO-RS backend bound to pool's AET.
func NewSearchBackend(aet string, p *pool.Pool, logger *slog.Logger) *DimseSearchBackend {
	if logger == nil {
		logger = slog.Default()
	}
	return &DimseSearchBackend{aet: aet, pool: p, logger: logger}
}

// Search implements interfaces.SearchBackend. Once limit matching results
// have been emitted, a C-CANCEL-RQ is sent on the association so the
// backend PACS stops producing responses that would otherwise be silently
// discarded here.
func (b *DimseSearchBackend) Search(ctx context.Context, level types.QueryLevel, keys *dicom.Dataset, limit int) (<-chan interfaces.Result, error) {
	assoc, err := b.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}

	identifier := dicom.NewDataset()
	if keys != nil {
		for tag, elem := range keys.Elements {
			identifier.AddElement(tag, elem.VR, elem.Value)
		}
	}
	identifier.AddElement(queryRetrieveLevelTag, dicom.VR_CS, string(level))

	messageID := uint16(findMessageIDs.Add(1))
	stream, _, err := assoc.SendCFind(&client.CFindRequest{
		SOPClassUID: types.StudyRootQueryRetrieveInformationModelFind,
		MessageID:   messageID,
		Dataset:     identifier,
	})
	if err != nil {
		b.pool.Release(assoc, true)
		return nil, errors.NewAssociationLostError(b.aet, err)
	}

	out := make(chan interfaces.Result)
	go func() {
		defer close(out)
		broken := false
		cancelled := false
		count := 0

	drain:
		for resp := range stream {
			if resp.Err != nil {
				broken = true
				if cancelled {
					// The caller already has its limit of matches; a failure
					// while draining the cancelled operation is not surfaced.
					break drain
				}
				select {
				case out <- interfaces.Result{Err: errors.NewAssociationLostError(b.aet, resp.Err)}:
				case <-ctx.Done():
				}
				break drain
			}

			if resp.Status == types.StatusPending {
				if resp.Dataset == nil {
					continue
				}
				if limit > 0 && count >= limit {
					// Already cancelled; drain whatever the SCP still has in
					// flight for this operation without surfacing it.
					continue
				}
				count++
				select {
				case out <- interfaces.Result{Dataset: resp.Dataset}:
				case <-ctx.Done():
					broken = true
					break drain
				}
				if limit > 0 && count >= limit && !cancelled {
					cancelled = true
					if err := assoc.SendCCancel(messageID, types.StudyRootQueryRetrieveInformationModelFind); err != nil {
						b.logger.Warn("failed to send C-CANCEL for C-FIND over limit", "aet", b.aet, "error", err)
					}
				}
				continue
			}

			if resp.Status != types.StatusSuccess && resp.Status != types.StatusCancel {
				select {
				case out <- interfaces.Result{Err: errors.NewQueryFailedError(resp.Status, fmt.Sprintf("C-FIND against %s", b.aet))}:
				case <-ctx.Done():
				}
			}
		}

		b.pool.Release(assoc, broken)
	}()

	return out, nil
}
