package adapter

import (
	"context"
	"log/slog"

	"github.com/dicomnet/gateway/errors"
	"github.com/dicomnet/gateway/pool"
)

// DimseHealthChecker answers a liveness probe for one backend AET with a
// C-ECHO round trip over a pooled association, mirroring the pool's own
// recycle probe.
type DimseHealthChecker struct {
	aet    string
	pool   *pool.Pool
	logger *slog.Logger
}

func NewHealthChecker(aet string, p *pool.Pool, logger *slog.Logger) *DimseHealthChecker {
	if logger == nil {
		logger = slog.Default()
	}
	return &DimseHealthChecker{aet: aet, pool: p, logger: logger}
}

func (h *DimseHealthChecker) HealthCheck(ctx context.Context) error {
	assoc, err := h.pool.Acquire(ctx)
	if err != nil {
		return err
	}

	if _, err := assoc.SendCEcho(1); err != nil {
		h.pool.Release(assoc, true)
		return errors.NewAssociationLostError(h.aet, err)
	}
	h.pool.Release(assoc, false)
	return nil
}
