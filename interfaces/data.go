package interfaces

import (
	"context"

	"github.com/dicomnet/gateway/dicom"
	"github.com/dicomnet/gateway/types"
)

// Result is one matching identifier dataset produced by a search.
type Result struct {
	Dataset *dicom.Dataset
	Err     error
}

// RetrievedFile is one instance delivered to a WADO-RS retrieve in progress.
type RetrievedFile struct {
	Part10 []byte // full DICOM Part 10 byte stream (preamble + meta + dataset)
	Err    error
}

// Instance is one submitted STOW-RS instance to store.
type Instance struct {
	SOPClassUID       string
	SOPInstanceUID    string
	TransferSyntaxUID string
	Dataset           *dicom.Dataset
}

// StoreResult is the per-instance outcome of a StoreBackend.Store call.
type StoreResult struct {
	SOPClassUID    string
	SOPInstanceUID string
	Status         uint16
	Err            error
}

// SearchBackend implements QIDO-RS query semantics for one AET.
type SearchBackend interface {
	Search(ctx context.Context, level types.QueryLevel, keys *dicom.Dataset, limit int) (<-chan Result, error)
}

// RetrieveBackend implements WADO-RS retrieve semantics for one AET.
type RetrieveBackend interface {
	Retrieve(ctx context.Context, level types.QueryLevel, keys *dicom.Dataset) (<-chan RetrievedFile, error)
}

// StoreBackend implements STOW-RS store semantics for one AET.
type StoreBackend interface {
	Store(ctx context.Context, instances <-chan Instance) (<-chan StoreResult, error)
}

// DatasetEncoder is implemented by the DICOM library layer this module
// composes with; kept as a narrow seam so the adapters do not depend
// directly on the concrete dicom package encode/decode functions.
type DatasetEncoder interface {
	EncodeDataset(dataset *dicom.Dataset, transferSyntaxUID string) ([]byte, error)
	ParseDataset(data []byte, transferSyntaxUID string) (*dicom.Dataset, error)
}
