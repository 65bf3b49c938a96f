package adapter

import (
	"context"
	"log/slog"

	"github.com/dicomnet/gateway/client"
	"github.com/dicomnet/gateway/dicom"
	"github.com/dicomnet/gateway/errors"
	"github.com/dicomnet/gateway/interfaces"
	"github.com/dicomnet/gateway/pool"
	"github.com/dicomnet/gateway/types"
)

// DimseStoreBackend implements interfaces.StoreBackend by issuing one
// C-STORE per submitted instance against the backend AET's association
// pool.
type DimseStoreBackend struct {
	aet    string
	pool   *pool.Pool
	logger *slog.Logger
}

// NewStoreBackend creates a STOW-RS backend bound to pool's AET.
func NewStoreBackend(aet string, p *pool.Pool, logger *slog.Logger) *DimseStoreBackend {
	if logger == nil {
		logger = slog.Default()
	}
	return &DimseStoreBackend{aet: aet, pool: p, logger: logger}
}

// Store implements interfaces.StoreBackend. One association is acquired
// from the pool and reused across every instance on the channel, released
// back to the pool once the channel closes.
func (b *DimseStoreBackend) Store(ctx context.Context, instances <-chan interfaces.Instance) (<-chan interfaces.StoreResult, error) {
	assoc, err := b.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}

	out := make(chan interfaces.StoreResult)
	go func() {
		defer close(out)
		broken := false

		for {
			var inst interfaces.Instance
			var ok bool
			select {
			case inst, ok = <-instances:
				if !ok {
					b.pool.Release(assoc, broken)
					return
				}
			case <-ctx.Done():
				b.pool.Release(assoc, true)
				return
			}

			result := b.storeOne(assoc, inst)
			if result.Err != nil {
				if _, lost := result.Err.(*errors.AssociationLostError); lost {
					broken = true
				}
			}

			select {
			case out <- result:
			case <-ctx.Done():
				b.pool.Release(assoc, broken)
				return
			}

			if broken {
				b.pool.Release(assoc, true)
				return
			}
		}
	}()

	return out, nil
}

func (b *DimseStoreBackend) storeOne(assoc *client.Association, inst interfaces.Instance) interfaces.StoreResult {
	transferSyntaxUID := inst.TransferSyntaxUID
	if transferSyntaxUID == "" {
		transferSyntaxUID = types.ExplicitVRLittleEndian
	}

	data, err := dicom.EncodeDatasetWithTransferSyntax(inst.Dataset, transferSyntaxUID)
	if err != nil {
		return interfaces.StoreResult{SOPClassUID: inst.SOPClassUID, SOPInstanceUID: inst.SOPInstanceUID, Err: err}
	}

	resp, err := assoc.SendCStore(&client.CStoreRequest{
		SOPClassUID:    inst.SOPClassUID,
		SOPInstanceUID: inst.SOPInstanceUID,
		Data:           data,
		MessageID:      1,
	})
	if err != nil {
		return interfaces.StoreResult{
			SOPClassUID:    inst.SOPClassUID,
			SOPInstanceUID: inst.SOPInstanceUID,
			Err:            errors.NewAssociationLostError(b.aet, err),
		}
	}

	result := interfaces.StoreResult{
		SOPClassUID:    resp.SOPClassUID,
		SOPInstanceUID: resp.SOPInstanceUID,
		Status:         resp.Status,
	}
	if resp.Status != types.StatusSuccess {
		result.Err = errors.NewQueryFailedError(resp.Status, "C-STORE rejected by "+b.aet)
	}
	return result
}
