// Package storescp implements the C-STORE service-class provider side of
// the gateway's inbound DIMSE listener: it receives sub-operation instances
// from a C-MOVE a WADO-RS request issued, and hands them to the move
// mediator so the waiting HTTP request can stream them back out.
package storescp

import (
	"context"
	"log/slog"

	"github.com/dicomnet/gateway/dicom"
	"github.com/dicomnet/gateway/dimse"
	"github.com/dicomnet/gateway/interfaces"
	"github.com/dicomnet/gateway/mediator"
	"github.com/dicomnet/gateway/types"
)

// Publisher is the subset of the mediator this package depends on, kept
// narrow so tests can fake it without constructing a real Mediator.
type Publisher interface {
	Publish(ctx context.Context, key mediator.TaskKey, file interfaces.RetrievedFile) bool
}

// Service handles C-STORE-RQ sub-operations arriving on a notify listener.
// listenerAET identifies the listener itself for logging only: a single
// listener can be the move destination for several backend AETs at once,
// and nothing on the wire says which one produced a given sub-operation
// (MoveOriginatorApplicationEntityTitle carries this gateway's own calling
// AE title, not the backend's), so the mediator is asked to resolve the
// subscription by originator and message ID alone.
type Service struct {
	listenerAET string
	mediator    Publisher
	logger      *slog.Logger
}

// New creates a store-SCP handler for one notify listener.
func New(listenerAET string, mediator Publisher, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{listenerAET: listenerAET, mediator: mediator, logger: logger}
}

// HandleDIMSE implements interfaces.ServiceHandler for C-STORE-RQ.
func (s *Service) HandleDIMSE(ctx context.Context, msg *types.Message, data []byte, meta interfaces.MessageContext) (*types.Message, *dicom.Dataset, error) {
	part10, err := dicom.WritePart10(data, msg.AffectedSOPClassUID, msg.AffectedSOPInstanceUID, meta.TransferSyntaxUID)
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to reconstruct Part 10 stream for sub-operation",
			"sop_instance_uid", msg.AffectedSOPInstanceUID, "error", err)
		return s.response(msg, dimse.StatusFailure), nil, nil
	}

	key := mediator.TaskKey{
		Originator: msg.MoveOriginatorApplicationEntityTitle,
		MessageID:  msg.MoveOriginatorMessageID,
	}

	if !s.mediator.Publish(ctx, key, interfaces.RetrievedFile{Part10: part10}) {
		s.logger.WarnContext(ctx, "sub-operation had no matching move subscription",
			"listener", s.listenerAET, "sop_instance_uid", msg.AffectedSOPInstanceUID, "originator", key.Originator)
		return s.response(msg, dimse.StatusFailureOutOfResources), nil, nil // out of resources: 0xA700
	}

	s.logger.InfoContext(ctx, "received sub-operation instance",
		"listener", s.listenerAET, "sop_instance_uid", msg.AffectedSOPInstanceUID, "originator", key.Originator)

	return s.response(msg, dimse.StatusSuccess), nil, nil
}

func (s *Service) response(msg *types.Message, status uint16) *types.Message {
	return &types.Message{
		CommandField:              dimse.CStoreRSP,
		MessageIDBeingRespondedTo: msg.MessageID,
		AffectedSOPClassUID:       msg.AffectedSOPClassUID,
		AffectedSOPInstanceUID:    msg.AffectedSOPInstanceUID,
		CommandDataSetType:        0x0101, // no dataset present
		Status:                    status,
	}
}

// HealthCheck reports the listener is operational; it has no dependency
// beyond the mediator it was constructed with.
func (s *Service) HealthCheck(ctx context.Context) error {
	return nil
}
