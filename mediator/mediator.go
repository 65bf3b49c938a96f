// Package mediator brokers C-MOVE sub-operations between the store-SCP
// listener, which receives instances as out-of-band C-STORE-RQs, and the
// WADO-RS handler that issued the originating C-MOVE and is waiting to
// stream those instances back to an HTTP client.
package mediator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	gatewayerrors "github.com/dicomnet/gateway/errors"
	"github.com/dicomnet/gateway/interfaces"
)

// Mode selects how inbound C-STORE sub-operations are routed back to the
// WADO-RS request that caused them, per AET.
type Mode int

const (
	// Concurrent correlates sub-operations by the move-originator AE title
	// and message ID, allowing multiple C-MOVE operations against the same
	// AET to be in flight at once.
	Concurrent Mode = iota
	// Sequential serializes C-MOVE operations against an AET with a binary
	// semaphore and routes every inbound file to the one active
	// subscription for that AET, regardless of correlator. Used when the
	// PACS omits the move-originator message ID.
	Sequential
)

// TaskKey identifies one outstanding C-MOVE operation. AET is the configured
// backend this move targets, which governs the retrieve mode and Sequential
// semaphore. Originator and MessageID are the move-originator AE title and
// message ID (DICOM elements 0000,1030 and 0000,1031) carried on the
// sub-operation C-STORE-RQ, used to disambiguate concurrent moves against
// the same AET; MessageID is nil when the PACS omitted it.
type TaskKey struct {
	AET        string
	Originator string
	MessageID  *uint16
}

func (k TaskKey) identified() bool {
	return k.MessageID != nil
}

// mapKey turns a TaskKey into a comparable map key; a nil MessageID
// collapses to a sentinel so all unidentified keys for one AET coincide.
type mapKey struct {
	aet        string
	originator string
	messageID  uint16
	identified bool
}

func (k TaskKey) mapKey() mapKey {
	mk := mapKey{aet: k.AET, originator: k.Originator, identified: k.identified()}
	if k.MessageID != nil {
		mk.messageID = *k.MessageID
	}
	return mk
}

// Totals carries the terminal C-MOVE-RSP sub-operation counters, used to
// decide when a subscription has received everything it is going to.
type Totals struct {
	Completed uint16
	Warning   uint16
	Failed    uint16
	Remaining uint16
}

func (t Totals) expectedFiles() int {
	return int(t.Completed) + int(t.Warning)
}

// Subscription is a handle returned by Subscribe. Files streams every
// matching instance delivered via Publish; it is closed once Complete
// reports the expected count has arrived, Cancel is called, or the
// subscription stalls.
type Subscription struct {
	Files <-chan interfaces.RetrievedFile

	key      TaskKey
	files    chan interfaces.RetrievedFile
	doneCh   chan struct{}
	once     sync.Once
	delivery int
	expected int // -1 until Complete sets it
	closed   bool
	mu       sync.Mutex
	permit   *permit
	stall    *time.Timer
}

// done reports whether the subscription has already been finished. Callers
// must hold sub.mu.
func (s *Subscription) done() bool {
	return s.closed
}

// doneSignal is closed exactly once, by finish, so a Publish blocked on a
// full buffer can unblock instead of sending on an about-to-be-closed
// channel.
func (s *Subscription) doneSignal() <-chan struct{} {
	return s.doneCh
}

// permit is held for the lifetime of a Sequential-mode subscription.
type permit struct {
	sem chan struct{}
}

func (p *permit) release() {
	if p == nil {
		return
	}
	p.sem <- struct{}{}
}

// Mediator owns the subscription table for every AET's in-flight C-MOVE
// operations. One Mediator is shared across all WADO-RS requests and the
// store-SCP listener.
type Mediator struct {
	logger       *slog.Logger
	stallTimeout time.Duration

	mu            sync.Mutex
	modes         map[string]Mode
	subscriptions map[mapKey]*Subscription
	semaphores    map[string]chan struct{} // one 1-buffered channel per Sequential AET
}

// AETConfig describes one AET's retrieve mode, as configured.
type AETConfig struct {
	AETitle string
	Mode    Mode
}

// New creates a Mediator. stallTimeout is the per-subscription inactivity
// window after which a subscription with no new files is torn down with a
// MoveStalledError; zero disables the stall watchdog.
func New(aets []AETConfig, stallTimeout time.Duration, logger *slog.Logger) *Mediator {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Mediator{
		logger:        logger,
		stallTimeout:  stallTimeout,
		modes:         make(map[string]Mode),
		subscriptions: make(map[mapKey]*Subscription),
		semaphores:    make(map[string]chan struct{}),
	}
	for _, ae := range aets {
		m.modes[ae.AETitle] = ae.Mode
		if ae.Mode == Sequential {
			logger.Info("using sequential retrieve mode, reduced throughput expected", "aet", ae.AETitle)
			sem := make(chan struct{}, 1)
			sem <- struct{}{}
			m.semaphores[ae.AETitle] = sem
		}
	}
	return m
}

// Subscribe registers a new C-MOVE operation against key.AET and returns a
// handle to stream its sub-operation files back through. Under Sequential
// mode this blocks until the AET's single slot is free or ctx is cancelled.
func (m *Mediator) Subscribe(ctx context.Context, key TaskKey) (*Subscription, error) {
	sub := &Subscription{
		key:      key,
		files:    make(chan interfaces.RetrievedFile, 8),
		doneCh:   make(chan struct{}),
		expected: -1,
	}
	sub.Files = sub.files

	m.mu.Lock()
	mode := m.modes[key.AET]
	sem := m.semaphores[key.AET]
	m.mu.Unlock()

	if mode == Sequential && sem != nil {
		select {
		case <-sem:
			sub.permit = &permit{sem: sem}
		case <-ctx.Done():
			return nil, gatewayerrors.NewSubscriptionCancelledError(ctx.Err())
		}
	}

	m.mu.Lock()
	mk := key.mapKey()
	if existing, ok := m.subscriptions[mk]; ok {
		m.mu.Unlock()
		sub.permit.release()
		return nil, fmt.Errorf("mediator: duplicate subscription for %s: %v already active", key.AET, existing.key)
	}
	m.subscriptions[mk] = sub
	m.mu.Unlock()

	m.armStallTimer(sub)

	return sub, nil
}

func (m *Mediator) armStallTimer(sub *Subscription) {
	if m.stallTimeout <= 0 {
		return
	}
	sub.mu.Lock()
	sub.stall = time.AfterFunc(m.stallTimeout, func() { m.stall(sub) })
	sub.mu.Unlock()
}

func (m *Mediator) resetStallTimer(sub *Subscription) {
	if m.stallTimeout <= 0 {
		return
	}
	sub.mu.Lock()
	if sub.stall != nil {
		sub.stall.Reset(m.stallTimeout)
	}
	sub.mu.Unlock()
}

func (m *Mediator) stall(sub *Subscription) {
	messageID := uint16(0)
	if sub.key.MessageID != nil {
		messageID = *sub.key.MessageID
	}
	m.logger.Warn("move subscription stalled", "aet", sub.key.AET, "originator", sub.key.Originator, "message_id", messageID)
	m.finish(sub, interfaces.RetrievedFile{Err: gatewayerrors.NewMoveStalledError(sub.key.Originator, messageID)})
}

// Publish delivers a sub-operation's reconstructed Part 10 bytes to the
// subscription matching key, blocking until the subscription's consumer
// has room for it. This is deliberate backpressure: the store-SCP's
// C-STORE-RSP for the sub-operation is not sent until the enqueue
// succeeds, throttling the originating PACS rather than silently dropping
// an instance it believes it already delivered. Under Sequential mode
// key's Originator and MessageID are ignored; the file is routed to
// key.AET's single active subscription. It reports false, without
// delivering the file, when no subscription matches, the match has
// already closed, or ctx is cancelled first — the caller is expected to
// fail the sub-operation's C-STORE-RSP in that case.
func (m *Mediator) Publish(ctx context.Context, key TaskKey, file interfaces.RetrievedFile) bool {
	sub := m.lookup(key)
	if sub == nil {
		m.logger.Warn("no active move subscription for sub-operation, dropping file", "aet", key.AET, "originator", key.Originator)
		return false
	}

	select {
	case sub.files <- file:
	case <-sub.doneSignal():
		m.logger.Warn("move subscription already closed, dropping file", "aet", key.AET)
		return false
	case <-ctx.Done():
		m.logger.Warn("publish cancelled while waiting for subscription buffer", "aet", key.AET)
		return false
	}

	sub.mu.Lock()
	sub.delivery++
	complete := sub.expected >= 0 && sub.delivery >= sub.expected
	sub.mu.Unlock()

	m.resetStallTimer(sub)

	if complete {
		m.finish(sub, interfaces.RetrievedFile{})
	}
	return true
}

// Complete records the terminal C-MOVE-RSP counters for key's subscription.
// If every expected file has already arrived the subscription closes
// immediately; otherwise it closes as soon as the last one does.
func (m *Mediator) Complete(key TaskKey, totals Totals) {
	sub := m.lookup(key)
	if sub == nil {
		return
	}

	sub.mu.Lock()
	sub.expected = totals.expectedFiles()
	complete := sub.delivery >= sub.expected
	sub.mu.Unlock()

	if complete {
		m.finish(sub, interfaces.RetrievedFile{})
	}
}

// Cancel tears down a subscription, e.g. when the HTTP client disconnects.
// Later Publish calls for it report false. Files already in the buffer stay
// readable from Files ahead of the SubscriptionCancelledError.
func (m *Mediator) Cancel(sub *Subscription) {
	m.finish(sub, interfaces.RetrievedFile{Err: gatewayerrors.NewSubscriptionCancelledError(errors.New("cancelled"))})
}

func (m *Mediator) lookup(key TaskKey) *Subscription {
	m.mu.Lock()
	defer m.mu.Unlock()

	if key.AET != "" {
		if m.modes[key.AET] == Sequential {
			for mk, sub := range m.subscriptions {
				if mk.aet == key.AET {
					return sub
				}
			}
			return nil
		}
		if sub, ok := m.subscriptions[key.mapKey()]; ok {
			return sub
		}
		// Fall back to an unidentified subscription for this AET, covering a
		// PACS that set up Concurrent mode but omitted the message ID on
		// this particular sub-operation.
		if sub, ok := m.subscriptions[mapKey{aet: key.AET, originator: key.Originator, identified: false}]; ok {
			return sub
		}
		return nil
	}

	// The store-SCP listener publishes with AET unset: C-STORE-RQ carries
	// no field identifying which backend's C-MOVE produced it, only the
	// move-originator AE title and message ID. Search every subscription
	// by that correlator instead, falling back to the single active
	// Sequential-mode subscription (if exactly one is outstanding) for
	// PACS that omit the message ID.
	if key.identified() {
		for mk, sub := range m.subscriptions {
			if mk.identified && mk.originator == key.Originator && mk.messageID == *key.MessageID {
				return sub
			}
		}
	}

	var sequential *Subscription
	matches := 0
	for mk, sub := range m.subscriptions {
		if m.modes[mk.aet] == Sequential {
			sequential = sub
			matches++
		}
	}
	if matches == 1 {
		return sequential
	}
	if matches > 1 {
		m.logger.Warn("multiple sequential-mode subscriptions active, cannot disambiguate inbound store without a backend AET", "originator", key.Originator)
	}
	return nil
}

// finish closes the subscription's file stream and removes it from the
// table. A terminal error (if any) is queued as the last value only when the
// buffer has room for it; otherwise the stream closes without it.
func (m *Mediator) finish(sub *Subscription, terminal interfaces.RetrievedFile) {
	sub.once.Do(func() {
		sub.mu.Lock()
		if sub.stall != nil {
			sub.stall.Stop()
		}
		sub.closed = true
		sub.mu.Unlock()
		close(sub.doneCh)

		if terminal.Err != nil {
			select {
			case sub.files <- terminal:
			default:
			}
		}
		close(sub.files)

		m.mu.Lock()
		delete(m.subscriptions, sub.key.mapKey())
		m.mu.Unlock()

		sub.permit.release()
	})
}
