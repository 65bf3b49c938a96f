// Package pool bounds the number of live outbound DICOM associations held
// open against one called AE title, reusing idle associations across
// requests instead of renegotiating for every operation.
package pool

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/dicomnet/gateway/client"
	gatewayerrors "github.com/dicomnet/gateway/errors"
	"github.com/dicomnet/gateway/types"
)

// Config describes one AET's pool parameters and the association settings
// used to negotiate a fresh member when the pool needs to grow.
type Config struct {
	AETitle          string
	Address          string
	CallingAETitle   string
	AbstractSyntaxes []string
	Size             int
	AcquireTimeout   time.Duration
	IdleTTL          time.Duration // idle slots older than this are closed rather than handed out
}

type slot struct {
	assoc    *client.Association
	idle     bool
	lastUsed time.Time
}

// Pool is a bounded, per-AET set of warm outbound associations. At most
// Config.Size associations are live (idle or busy) at once; acquisition
// beyond that queues until a slot frees or the context's deadline (or
// Config.AcquireTimeout, whichever is sooner) elapses.
type Pool struct {
	cfg    Config
	logger *slog.Logger

	mu    sync.Mutex
	slots []*slot
	freed chan struct{} // signaled (best-effort) whenever a slot becomes idle or is removed
}

// New creates a Pool for one AET. It does not negotiate any associations
// eagerly; the first Acquire call creates the first one.
func New(cfg Config, logger *slog.Logger) *Pool {
	if cfg.Size <= 0 {
		cfg.Size = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	cfg.AbstractSyntaxes = withVerificationSOPClass(cfg.AbstractSyntaxes)
	return &Pool{
		cfg:    cfg,
		logger: logger,
		freed:  make(chan struct{}, 1),
	}
}

// withVerificationSOPClass ensures every negotiated association proposes the
// Verification SOP Class, since Release's recycle probe depends on it
// regardless of which abstract syntaxes the caller configured for its own
// traffic.
func withVerificationSOPClass(syntaxes []string) []string {
	for _, s := range syntaxes {
		if s == types.VerificationSOPClass {
			return syntaxes
		}
	}
	return append(append([]string{}, syntaxes...), types.VerificationSOPClass)
}

func (p *Pool) notifyFreed() {
	select {
	case p.freed <- struct{}{}:
	default:
	}
}

// Acquire returns a healthy, Established association to the configured AET,
// reusing an idle pool member when one is available. It blocks until a slot
// is free, the pool negotiates a new member, ctx is cancelled, or
// Config.AcquireTimeout elapses.
func (p *Pool) Acquire(ctx context.Context) (*client.Association, error) {
	if p.cfg.AcquireTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.AcquireTimeout)
		defer cancel()
	}

	for {
		assoc, reserved, err := p.tryAcquireLocked()
		if err != nil {
			return nil, err
		}
		if assoc != nil {
			return assoc, nil
		}
		if reserved != nil {
			// We hold the only reference to this placeholder slot; negotiate
			// outside the lock so other callers can still acquire idle slots.
			negotiated, err := p.negotiate(reserved)
			if err != nil {
				p.removeReservation(reserved)
				return nil, err
			}
			return negotiated, nil
		}

		select {
		case <-p.freed:
		case <-ctx.Done():
			return nil, gatewayerrors.NewPoolTimeoutError(p.cfg.AETitle)
		}
	}
}

// tryAcquireLocked looks for an idle, non-stale slot to hand out. If none
// exists but the pool has room to grow, it reserves a placeholder slot for
// the caller to fill via negotiate, identified by its own *slot pointer so
// concurrent reservations never collide.
func (p *Pool) tryAcquireLocked() (assoc *client.Association, reserved *slot, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i := 0; i < len(p.slots); i++ {
		s := p.slots[i]
		if !s.idle {
			continue
		}
		if p.cfg.IdleTTL > 0 && time.Since(s.lastUsed) > p.cfg.IdleTTL {
			p.logger.Debug("closing idle association past TTL", "aet", p.cfg.AETitle)
			s.assoc.Close()
			p.slots = append(p.slots[:i], p.slots[i+1:]...)
			i--
			continue
		}
		s.idle = false
		return s.assoc, nil, nil
	}

	if len(p.slots) < p.cfg.Size {
		placeholder := &slot{idle: false}
		p.slots = append(p.slots, placeholder)
		return nil, placeholder, nil
	}

	return nil, nil, nil
}

// negotiate fills the reserved placeholder slot created by tryAcquireLocked.
func (p *Pool) negotiate(placeholder *slot) (*client.Association, error) {
	assoc, err := client.Connect(p.cfg.Address, client.Config{
		CallingAETitle:   p.cfg.CallingAETitle,
		CalledAETitle:    p.cfg.AETitle,
		AbstractSyntaxes: p.cfg.AbstractSyntaxes,
		Logger:           p.logger,
	})
	if err != nil {
		return nil, gatewayerrors.NewAssociationLostError(p.cfg.AETitle, err)
	}

	p.mu.Lock()
	placeholder.assoc = assoc
	p.mu.Unlock()

	return assoc, nil
}

// removeReservation drops a placeholder slot that failed to negotiate.
func (p *Pool) removeReservation(placeholder *slot) {
	p.mu.Lock()
	for i, s := range p.slots {
		if s == placeholder {
			p.slots = append(p.slots[:i], p.slots[i+1:]...)
			break
		}
	}
	p.mu.Unlock()
	p.notifyFreed()
}

// Release returns assoc to the pool. If broken is true, or the association
// fails a C-ECHO recycle probe, it is torn down and removed instead, making
// room for a fresh negotiation on the next Acquire.
func (p *Pool) Release(assoc *client.Association, broken bool) {
	if !broken {
		if _, err := assoc.SendCEcho(0); err != nil {
			p.logger.Warn("association failed recycle probe, discarding", "aet", p.cfg.AETitle, "error", err)
			broken = true
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	for i, s := range p.slots {
		if s.assoc != assoc {
			continue
		}
		if broken {
			assoc.Close()
			p.slots = append(p.slots[:i], p.slots[i+1:]...)
		} else {
			s.idle = true
			s.lastUsed = time.Now()
		}
		break
	}
	p.notifyFreed()
}

// Size returns the number of associations currently held (idle plus busy).
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.slots)
}

// Close tears down every pooled association. Callers should stop issuing
// Acquire calls before calling Close.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range p.slots {
		if s.assoc != nil {
			s.assoc.Close()
		}
	}
	p.slots = nil
}
