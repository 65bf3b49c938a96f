package adapter

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/dicomnet/gateway/client"
	"github.com/dicomnet/gateway/dicom"
	"github.com/dicomnet/gateway/errors"
	"github.com/dicomnet/gateway/interfaces"
	"github.com/dicomnet/gateway/mediator"
	"github.com/dicomnet/gateway/pool"
	"github.com/dicomnet/gateway/types"
)

var sopInstanceUIDTag = dicom.Tag{Group: 0x0008, Element: 0x0018}

// moveMessageIDs mints DIMSE message IDs for C-MOVE requests, shared across
// every backend AET. The move mediator correlates a sub-operation's
// C-STORE-RQ back to its originating request by this value alone (the
// store-SCP listener has no other field to go on), so two retrieves issued
// concurrently against any backend must never collide on the same one.
var moveMessageIDs atomic.Uint32

// DimseRetrieveBackend implements interfaces.RetrieveBackend by issuing a
// C-MOVE against the backend AET, targeting a store-SCP listener this
// gateway itself runs, and streaming sub-operation files back out as the
// move mediator publishes them.
type DimseRetrieveBackend struct {
	aet             string
	pool            *pool.Pool
	mediator        *mediator.Mediator
	moveDestination string // AE title of this gateway's store-SCP listener
	callingAETitle  string
	logger          *slog.Logger
}

// NewRetrieveBackend creates a WADO-RS backend bound to pool's AET.
// moveDestination is the AE title the backend PACS should send
// sub-operation C-STORE-RQs to — one of this gateway's own store-SCP
// listeners.
func NewRetrieveBackend(aet string, p *pool.Pool, m *mediator.Mediator, moveDestination, callingAETitle string, logger *slog.Logger) *DimseRetrieveBackend {
	if logger == nil {
		logger = slog.Default()
	}
	return &DimseRetrieveBackend{
		aet:             aet,
		pool:            p,
		mediator:        m,
		moveDestination: moveDestination,
		callingAETitle:  callingAETitle,
		logger:          logger,
	}
}

// Retrieve implements interfaces.RetrieveBackend.
func (b *DimseRetrieveBackend) Retrieve(ctx context.Context, level types.QueryLevel, keys *dicom.Dataset) (<-chan interfaces.RetrievedFile, error) {
	identifier := dicom.NewDataset()
	identifier.AddElement(queryRetrieveLevelTag, dicom.VR_CS, string(level))
	if keys != nil {
		if uid := keys.GetString(studyInstanceUIDTag); uid != "" {
			identifier.AddElement(studyInstanceUIDTag, dicom.VR_UI, uid)
		}
		if uid := keys.GetString(seriesInstanceUIDTag); uid != "" {
			identifier.AddElement(seriesInstanceUIDTag, dicom.VR_UI, uid)
		}
		if uid := keys.GetString(sopInstanceUIDTag); uid != "" {
			identifier.AddElement(sopInstanceUIDTag, dicom.VR_UI, uid)
		}
	}

	messageID := uint16(moveMessageIDs.Add(1))
	key := mediator.TaskKey{AET: b.aet, Originator: b.callingAETitle, MessageID: &messageID}

	sub, err := b.mediator.Subscribe(ctx, key)
	if err != nil {
		return nil, err
	}

	assoc, err := b.pool.Acquire(ctx)
	if err != nil {
		b.mediator.Cancel(sub)
		return nil, err
	}

	responses, err := assoc.SendCMove(&client.CMoveRequest{
		SOPClassUID:     types.StudyRootQueryRetrieveInformationModelMove,
		MessageID:       messageID,
		MoveDestination: b.moveDestination,
		Dataset:         identifier,
	})
	if err != nil {
		b.pool.Release(assoc, true)
		b.mediator.Cancel(sub)
		return nil, errors.NewAssociationLostError(b.aet, err)
	}

	go func() {
		broken := false
	loop:
		for {
			select {
			case resp, ok := <-responses:
				if !ok {
					break loop
				}
				if resp.Err != nil {
					broken = true
					b.logger.Warn("C-MOVE response stream failed", "aet", b.aet, "error", resp.Err)
					b.mediator.Cancel(sub)
					break loop
				}
				if resp.Status != types.StatusPending {
					if resp.Status != types.StatusSuccess {
						b.logger.Warn("C-MOVE terminal status was not success", "aet", b.aet, "status", resp.Status)
					}
					b.mediator.Complete(key, mediator.Totals{
						Completed: resp.Completed,
						Warning:   resp.Warning,
						Failed:    resp.Failed,
						Remaining: resp.Remaining,
					})
				}
			case <-ctx.Done():
				b.logger.Info("WADO-RS request cancelled mid-retrieve, tearing down move subscription", "aet", b.aet)
				if err := assoc.SendCCancel(messageID, types.StudyRootQueryRetrieveInformationModelMove); err != nil {
					b.logger.Warn("failed to send C-CANCEL for in-flight C-MOVE", "aet", b.aet, "error", err)
				}
				b.mediator.Cancel(sub)
				broken = true
				break loop
			}
		}
		b.pool.Release(assoc, broken)
	}()

	return sub.Files, nil
}
