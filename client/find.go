package client

import (
	"fmt"
	"log/slog"

	"github.com/dicomnet/gateway/dicom"
	"github.com/dicomnet/gateway/dimse"
	"github.com/dicomnet/gateway/types"
)

const studyRootFindSOPClassUID = "1.2.840.10008.5.1.4.1.2.2.1"

// CFindRequest encapsulates the information required to perform a C-FIND query.
type CFindRequest struct {
	SOPClassUID string
	MessageID   uint16
	Priority    uint16
	Dataset     *dicom.Dataset
}

// CFindResponse is one response in a C-FIND response stream: zero or more
// PENDING responses carrying a matching dataset, followed by exactly one
// terminal response. Err is set instead of the other fields when reading
// the stream itself failed.
type CFindResponse struct {
	Status    uint16
	MessageID uint16
	Dataset   *dicom.Dataset
	Err       error
}

// SendCFind issues a C-FIND request and streams the C-FIND-RSP sequence back
// on the returned channel, which is closed after the terminal response (or
// after a read error, reported as the final CFindResponse.Err). The
// returned message ID is the one the request was sent with — needed by the
// caller to send a matching C-CANCEL-RQ should it want to stop early.
func (a *Association) SendCFind(req *CFindRequest) (<-chan *CFindResponse, uint16, error) {
	if req == nil {
		return nil, 0, fmt.Errorf("c-find request cannot be nil")
	}

	if req.Dataset == nil {
		return nil, 0, fmt.Errorf("c-find request requires a dataset")
	}

	sopClass := req.SOPClassUID
	if sopClass == "" {
		sopClass = studyRootFindSOPClassUID
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
		return nil, 0, err
	}

	command := &types.Message{
		CommandField:        dimse.CFindRQ,
		MessageID:           messageID,
		CommandDataSetType:  0x0000, // Dataset present
		Priority:            priority,
		AffectedSOPClassUID: sopClass,
	}

	commandData, err := dimse.EncodeCommand(command)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to encode C-FIND command: %w", err)
	}

	datasetData := req.Dataset.EncodeDataset()

	if err := dimse.SendDIMSEMessage(a.conn, presContextID, a.maxPDULength, commandData, datasetData); err != nil {
		return nil, 0, fmt.Errorf("failed to send C-FIND request: %w", err)
	}

	responses := make(chan *CFindResponse, 4)

	go func() {
		defer close(responses)

		for {
			msg, data, err := a.receiveDIMSEMessage()
			if err != nil {
				responses <- &CFindResponse{Err: err}
				return
			}

			if msg.CommandField != dimse.CFindRSP {
				responses <- &CFindResponse{Err: fmt.Errorf("unexpected command: 0x%04x (expected C-FIND-RSP)", msg.CommandField)}
				return
			}

			var dataset *dicom.Dataset
			if len(data) > 0 {
				dataset, err = dicom.ParseDataset(data)
				if err != nil {
					slog.Warn("Failed to parse C-FIND response dataset",
						"error", err,
						"message_id", msg.MessageIDBeingRespondedTo,
						"status", fmt.Sprintf("0x%04X", msg.Status))
				}
			}

			responses <- &CFindResponse{
				Status:    msg.Status,
				MessageID: msg.MessageIDBeingRespondedTo,
				Dataset:   dataset,
			}

			if msg.Status != dimse.StatusPending {
				return
			}
		}
	}()

	return responses, messageID, nil
}
