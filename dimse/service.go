package dimse

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/dicomnet/gateway/dicom"
	"github.com/dicomnet/gateway/interfaces"
	"github.com/dicomnet/gateway/types"
)

// Status codes
const (
	StatusSuccess               = 0x0000
	StatusPending               = 0xFF00
	StatusFailure               = 0xC000
	StatusFailureOutOfResources = 0xA700
)

// Command field aliases, so callers within this package can write CStoreRQ
// instead of types.CStoreRQ. The canonical values live in types.
const (
	CStoreRQ  = types.CStoreRQ
	CStoreRSP = types.CStoreRSP
	CFindRQ   = types.CFindRQ
	CFindRSP  = types.CFindRSP
	CMoveRQ   = types.CMoveRQ
	CMoveRSP  = types.CMoveRSP
	CEchoRQ   = types.CEchoRQ
	CEchoRSP  = types.CEchoRSP
	CCancelRQ = types.CCancelRQ
)

// PDULayer is the subset of pdu.Layer the DIMSE layer needs to send
// responses and to learn the transfer syntax negotiated for a context.
type PDULayer interface {
	SendDIMSEResponse(presContextID byte, commandData []byte) error
	SendDIMSEResponseWithDataset(presContextID byte, commandData []byte, datasetData []byte) error
	GetTransferSyntax(presContextID byte) (string, error)
}

// Service reassembles command/dataset fragments for one association and
// routes complete messages to a ServiceHandler.
//
// One Service is created per connection. Reassembly state is scoped per
// presentation context id, since the association invariant "at most one
// DIMSE command in flight per presentation context" allows several distinct
// commands to be mid-flight concurrently across different contexts.
type Service struct {
	handler interfaces.ServiceHandler
	logger  *slog.Logger

	reassembly map[byte]*reassemblyState
}

type reassemblyState struct {
	commandData []byte
	datasetData []byte
	currentMsg  *types.Message
}

// responseHandler implements interfaces.ResponseSender for streaming responses.
type responseHandler struct {
	service       *Service
	presContextID byte
	pduLayer      PDULayer
}

func (r *responseHandler) SendResponse(msg *types.Message, dataset *dicom.Dataset, transferSyntaxUID string) error {
	return r.service.sendDIMSEResponse(msg, dataset, transferSyntaxUID, r.presContextID, r.pduLayer)
}

// NewService creates a new DIMSE service with a handler.
func NewService(handler interfaces.ServiceHandler, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		handler:    handler,
		logger:     logger,
		reassembly: make(map[byte]*reassemblyState),
	}
}

// HandleDIMSEMessage processes one PDV's worth of command or dataset bytes
// for a presentation context and dispatches to the handler once a full
// message has been reassembled.
func (d *Service) HandleDIMSEMessage(presContextID byte, msgCtrlHeader byte, data []byte, pduLayer PDULayer) error {
	ctx := context.Background()

	state := d.reassembly[presContextID]
	if state == nil {
		state = &reassemblyState{}
		d.reassembly[presContextID] = state
	}

	isCommand := msgCtrlHeader&0x01 != 0
	isLastFragment := msgCtrlHeader&0x02 != 0

	d.logger.Debug("processing DIMSE fragment",
		"presentation_context_id", presContextID,
		"is_command", isCommand,
		"is_last", isLastFragment,
		"size_bytes", len(data))

	if isCommand {
		state.commandData = append(state.commandData, data...)
		if isLastFragment {
			msg, err := DecodeCommand(state.commandData)
			if err != nil {
				return fmt.Errorf("failed to decode DIMSE command: %w", err)
			}
			state.currentMsg = msg
			if msg.CommandDataSetType == 0x0101 {
				return d.processCompleteMessage(ctx, presContextID, pduLayer)
			}
		}
		return nil
	}

	state.datasetData = append(state.datasetData, data...)
	if isLastFragment {
		return d.processCompleteMessage(ctx, presContextID, pduLayer)
	}
	return nil
}

func (d *Service) processCompleteMessage(ctx context.Context, presContextID byte, pduLayer PDULayer) error {
	state := d.reassembly[presContextID]
	if state == nil || state.currentMsg == nil {
		return fmt.Errorf("no current message to process on context %d", presContextID)
	}

	transferSyntaxUID, err := pduLayer.GetTransferSyntax(presContextID)
	if err != nil {
		return fmt.Errorf("failed to resolve transfer syntax: %w", err)
	}

	msg := state.currentMsg
	datasetData := state.datasetData
	delete(d.reassembly, presContextID)

	d.logger.InfoContext(ctx, "processing complete DIMSE message",
		"command_field", fmt.Sprintf("0x%04x", msg.CommandField),
		"message_id", msg.MessageID,
		"dataset_size", len(datasetData))

	var dataset *dicom.Dataset
	if len(datasetData) > 0 {
		dataset, err = dicom.ParseDatasetWithTransferSyntax(datasetData, transferSyntaxUID)
		if err != nil {
			return fmt.Errorf("failed to parse dataset: %w", err)
		}
	}

	meta := interfaces.MessageContext{
		PresentationContextID: presContextID,
		TransferSyntaxUID:     transferSyntaxUID,
	}

	if streamingHandler, ok := d.handler.(interfaces.StreamingServiceHandler); ok {
		responder := &responseHandler{service: d, presContextID: presContextID, pduLayer: pduLayer}
		return streamingHandler.HandleDIMSEStreaming(ctx, msg, datasetData, meta, responder)
	}
	_ = dataset // handlers reparse from raw bytes when they need typed access; kept for parity with meta.TransferSyntaxUID

	responseMsg, responseDataset, err := d.handler.HandleDIMSE(ctx, msg, datasetData, meta)
	if err != nil {
		return fmt.Errorf("service handler failed: %w", err)
	}

	return d.sendDIMSEResponse(responseMsg, responseDataset, transferSyntaxUID, presContextID, pduLayer)
}

func (d *Service) sendDIMSEResponse(msg *types.Message, dataset *dicom.Dataset, transferSyntaxUID string, presContextID byte, pduLayer PDULayer) error {
	if dataset == nil {
		msg.CommandDataSetType = 0x0101 // No dataset follows this command
	}
	commandData, err := EncodeCommand(msg)
	if err != nil {
		return fmt.Errorf("failed to encode response command: %w", err)
	}

	if dataset == nil {
		return pduLayer.SendDIMSEResponse(presContextID, commandData)
	}

	datasetData, err := dicom.EncodeDatasetWithTransferSyntax(dataset, transferSyntaxUID)
	if err != nil {
		return fmt.Errorf("failed to encode response dataset: %w", err)
	}
	return pduLayer.SendDIMSEResponseWithDataset(presContextID, commandData, datasetData)
}
