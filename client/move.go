package client

import (
	"fmt"

	"github.com/dicomnet/gateway/dicom"
	"github.com/dicomnet/gateway/dimse"
	"github.com/dicomnet/gateway/types"
)

const studyRootMoveSOPClassUID = "1.2.840.10008.5.1.4.1.2.2.2"

// CMoveRequest encapsulates the information required to perform a C-MOVE
// request. MoveDestination is the AE title of the store-SCP that should
// receive the matching instances as out-of-band C-STORE sub-operations.
type CMoveRequest struct {
	SOPClassUID     string
	MessageID       uint16
	Priority        uint16
	MoveDestination string
	Dataset         *dicom.Dataset
}

// CMoveResponse is one response in a C-MOVE response stream: zero or more
// PENDING responses carrying the sub-operation counters, followed by exactly
// one terminal response. Err is set instead of the other fields when reading
// the stream itself failed.
type CMoveResponse struct {
	Status    uint16
	MessageID uint16
	Remaining uint16
	Completed uint16
	Failed    uint16
	Warning   uint16
	Err       error
}

// SendCMove issues a C-MOVE request and streams the C-MOVE-RSP sequence back
// on the returned channel, which is closed after the terminal response (or
// after a read error, reported as the final CMoveResponse.Err). The caller
// does not receive the moved instances here — those arrive out-of-band at
// the store-SCP listener and are correlated by the move mediator.
func (a *Association) SendCMove(req *CMoveRequest) (<-chan *CMoveResponse, error) {
	if req == nil {
		return nil, fmt.Errorf("c-move request cannot be nil")
	}
	if req.Dataset == nil {
		return nil, fmt.Errorf("c-move request requires a dataset")
	}
	if req.MoveDestination == "" {
		return nil, fmt.Errorf("c-move request requires a move destination AE title")
	}

	sopClass := req.SOPClassUID
	if sopClass == "" {
		sopClass = studyRootMoveSOPClassUID
	}

	messageID := req.MessageID
	if messageID == 0 {
		messageID = 1
	}

	priority := req.Priority
	if priority == 0 {
		priority = 0x0000 // Medium priority per DICOM PS3.7
	}

	presContextID, err := a.GetPresentationContextID(sopClass)
	if err != nil {
		return nil, err
	}

	command := &types.Message{
		CommandField:        dimse.CMoveRQ,
		MessageID:           messageID,
		CommandDataSetType:  0x0000, // Dataset present
		Priority:            priority,
		AffectedSOPClassUID: sopClass,
		MoveDestination:     req.MoveDestination,
	}

	commandData, err := dimse.EncodeCommand(command)
	if err != nil {
		return nil, fmt.Errorf("failed to encode C-MOVE command: %w", err)
	}

	datasetData := req.Dataset.EncodeDataset()

	if err := dimse.SendDIMSEMessage(a.conn, presContextID, a.maxPDULength, commandData, datasetData); err != nil {
		return nil, fmt.Errorf("failed to send C-MOVE request: %w", err)
	}

	responses := make(chan *CMoveResponse, 4)

	go func() {
		defer close(responses)

		for {
			msg, _, err := a.receiveDIMSEMessage()
			if err != nil {
				responses <- &CMoveResponse{Err: err}
				return
			}

			if msg.CommandField != dimse.CMoveRSP {
				responses <- &CMoveResponse{Err: fmt.Errorf("unexpected command: 0x%04x (expected C-MOVE-RSP)", msg.CommandField)}
				return
			}

			resp := &CMoveResponse{
				Status:    msg.Status,
				MessageID: msg.MessageIDBeingRespondedTo,
			}
			if msg.NumberOfRemainingSuboperations != nil {
				resp.Remaining = *msg.NumberOfRemainingSuboperations
			}
			if msg.NumberOfCompletedSuboperations != nil {
				resp.Completed = *msg.NumberOfCompletedSuboperations
			}
			if msg.NumberOfFailedSuboperations != nil {
				resp.Failed = *msg.NumberOfFailedSuboperations
			}
			if msg.NumberOfWarningSuboperations != nil {
				resp.Warning = *msg.NumberOfWarningSuboperations
			}

			responses <- resp

			if msg.Status != dimse.StatusPending {
				return
			}
		}
	}()

	return responses, nil
}
