package client

import (
	"fmt"

	"github.com/dicomnet/gateway/dimse"
	"github.com/dicomnet/gateway/types"
)

// CStoreRequest represents a C-STORE request
type CStoreRequest = dimse.CStoreRequest

// CStoreResponse represents a C-STORE response
type CStoreResponse = dimse.CStoreResponse

// SendCStore sends a C-STORE request and waits for response. Framing,
// command encoding and reassembly are handled by the dimse package's
// wire codec; the association only supplies presentation context
// negotiation and the underlying connection.
func (a *Association) SendCStore(req *CStoreRequest) (*CStoreResponse, error) {
	presContextID, err := a.GetPresentationContextID(req.SOPClassUID)
	if err != nil {
		return nil, fmt.Errorf("no presentation context for SOP class %s: %w", req.SOPClassUID, err)
	}

	return dimse.SendCStore(a.conn, presContextID, a.maxPDULength, req)
}

// receiveDIMSEMessage reads a complete DIMSE message (command and optional
// dataset) from the association connection.
func (a *Association) receiveDIMSEMessage() (*types.Message, []byte, error) {
	return dimse.ReceiveDIMSEMessage(a.conn)
}
