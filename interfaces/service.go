// Package interfaces contains all service and handler interfaces
package interfaces

import (
	"context"

	"github.com/dicomnet/gateway/dicom"
	"github.com/dicomnet/gateway/types"
)

// MessageContext carries per-message metadata the DIMSE layer knows but the
// wire-level command set does not encode: which presentation context the
// message arrived on, and the transfer syntax negotiated for it. Handlers
// need the transfer syntax to parse and re-encode datasets correctly.
type MessageContext struct {
	PresentationContextID byte
	TransferSyntaxUID     string
}

// ServiceHandler handles a single-response DIMSE operation (C-ECHO, C-STORE).
type ServiceHandler interface {
	HandleDIMSE(ctx context.Context, msg *types.Message, data []byte, meta MessageContext) (*types.Message, *dicom.Dataset, error)
}

// StreamingServiceHandler handles a multi-response DIMSE operation (C-FIND, C-MOVE).
// Implementations send zero or more PENDING responses through responder and
// return once the terminal response has been sent.
type StreamingServiceHandler interface {
	HandleDIMSEStreaming(ctx context.Context, msg *types.Message, data []byte, meta MessageContext, responder ResponseSender) error
}

// ResponseSender sends one DIMSE response, with an optional dataset encoded
// in the given transfer syntax.
type ResponseSender interface {
	SendResponse(msg *types.Message, dataset *dicom.Dataset, transferSyntaxUID string) error
}

// DIMSEHandler is how the PDU layer hands a reassembled message to the DIMSE layer.
type DIMSEHandler interface {
	HandleDIMSEMessage(presContextID byte, msgCtrlHeader byte, data []byte, pduLayer PDULayer) error
}

// PDULayer is how the DIMSE layer sends responses and looks up per-context
// transfer syntax back through the association.
type PDULayer interface {
	SendDIMSEResponse(presContextID byte, commandData []byte) error
	SendDIMSEResponseWithDataset(presContextID byte, commandData []byte, dataset []byte) error
	GetTransferSyntax(presContextID byte) (string, error)
}
