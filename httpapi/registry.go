// Package httpapi exposes the DICOMweb surface (QIDO-RS, WADO-RS, STOW-RS)
// over the backends of package adapter, routed per configured AET.
package httpapi

import (
	"context"

	"github.com/dicomnet/gateway/interfaces"
)

// HealthChecker is implemented by backends that can answer a C-ECHO-style
// liveness probe for GET /aets/{aet}.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Backends is the set of capabilities one configured AET exposes. A backend
// that is disabled, or that only implements a subset of QIDO/WADO/STOW,
// leaves the remaining fields nil; the router answers 503 for the missing
// capability.
type Backends struct {
	Search   interfaces.SearchBackend
	Retrieve interfaces.RetrieveBackend
	Store    interfaces.StoreBackend
	Health   HealthChecker
}

// Registry resolves the {aet} path parameter to its Backends, built once at
// startup from the configuration document.
type Registry struct {
	byAET map[string]Backends
	order []string
}

func NewRegistry() *Registry {
	return &Registry{byAET: make(map[string]Backends)}
}

// Register adds aet's backend set. Calling it twice for the same AET
// replaces the previous entry without affecting its position in List.
func (r *Registry) Register(aet string, b Backends) {
	if _, exists := r.byAET[aet]; !exists {
		r.order = append(r.order, aet)
	}
	r.byAET[aet] = b
}

func (r *Registry) Lookup(aet string) (Backends, bool) {
	b, ok := r.byAET[aet]
	return b, ok
}

// List returns the configured AETs in registration order.
func (r *Registry) List() []string {
	return append([]string(nil), r.order...)
}
