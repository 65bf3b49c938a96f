package mediator

import (
	"context"
	"errors"
	"testing"
	"time"

	gatewayerrors "github.com/dicomnet/gateway/errors"
	"github.com/dicomnet/gateway/interfaces"
)

func uint16ptr(v uint16) *uint16 { return &v }

func TestMediator_ConcurrentPublishAndComplete(t *testing.T) {
	m := New(nil, 0, nil)

	key := TaskKey{AET: "PACS1", Originator: "GATEWAY", MessageID: uint16ptr(1)}
	sub, err := m.Subscribe(context.Background(), key)
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	m.Publish(context.Background(), key, interfaces.RetrievedFile{Part10: []byte("one")})
	m.Publish(context.Background(), key, interfaces.RetrievedFile{Part10: []byte("two")})
	m.Complete(key, Totals{Completed: 2})

	var received []string
	for f := range sub.Files {
		if f.Err != nil {
			t.Fatalf("unexpected error in stream: %v", f.Err)
		}
		received = append(received, string(f.Part10))
	}

	if len(received) != 2 || received[0] != "one" || received[1] != "two" {
		t.Fatalf("received = %v, want [one two]", received)
	}
}

func TestMediator_ConcurrentDistinguishesByMessageID(t *testing.T) {
	m := New(nil, 0, nil)

	keyA := TaskKey{AET: "PACS1", Originator: "GATEWAY", MessageID: uint16ptr(1)}
	keyB := TaskKey{AET: "PACS1", Originator: "GATEWAY", MessageID: uint16ptr(2)}

	subA, err := m.Subscribe(context.Background(), keyA)
	if err != nil {
		t.Fatalf("Subscribe(A) error = %v", err)
	}
	subB, err := m.Subscribe(context.Background(), keyB)
	if err != nil {
		t.Fatalf("Subscribe(B) error = %v", err)
	}

	m.Publish(context.Background(), keyA, interfaces.RetrievedFile{Part10: []byte("a")})
	m.Publish(context.Background(), keyB, interfaces.RetrievedFile{Part10: []byte("b")})
	m.Complete(keyA, Totals{Completed: 1})
	m.Complete(keyB, Totals{Completed: 1})

	fa := <-subA.Files
	fb := <-subB.Files
	if string(fa.Part10) != "a" {
		t.Errorf("subA got %q, want %q", fa.Part10, "a")
	}
	if string(fb.Part10) != "b" {
		t.Errorf("subB got %q, want %q", fb.Part10, "b")
	}
}

func TestMediator_SequentialRoutesIgnoringCorrelator(t *testing.T) {
	m := New([]AETConfig{{AETitle: "PACS1", Mode: Sequential}}, 0, nil)

	key := TaskKey{AET: "PACS1"} // no move-originator message ID at all
	sub, err := m.Subscribe(context.Background(), key)
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	// The inbound C-STORE carries an unrelated originator/message ID; under
	// Sequential mode it should still land on the one active subscription.
	publishKey := TaskKey{AET: "PACS1", Originator: "SOME_PACS", MessageID: uint16ptr(99)}
	m.Publish(context.Background(), publishKey, interfaces.RetrievedFile{Part10: []byte("x")})
	m.Complete(publishKey, Totals{Completed: 1})

	f := <-sub.Files
	if string(f.Part10) != "x" {
		t.Fatalf("got %q, want %q", f.Part10, "x")
	}
}

func TestMediator_SequentialSerializesViaSemaphore(t *testing.T) {
	m := New([]AETConfig{{AETitle: "PACS1", Mode: Sequential}}, 0, nil)

	key1 := TaskKey{AET: "PACS1", MessageID: uint16ptr(1)}
	sub1, err := m.Subscribe(context.Background(), key1)
	if err != nil {
		t.Fatalf("first Subscribe() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	key2 := TaskKey{AET: "PACS1", MessageID: uint16ptr(2)}
	if _, err := m.Subscribe(ctx, key2); err == nil {
		t.Fatal("expected second Subscribe() to block while the first holds the semaphore")
	}

	m.Complete(key1, Totals{Completed: 0})
	<-sub1.Files // drained, confirms channel closed after Complete with nothing delivered

	// The semaphore is now free; a fresh Subscribe should succeed.
	sub2, err := m.Subscribe(context.Background(), key2)
	if err != nil {
		t.Fatalf("second Subscribe() after release error = %v", err)
	}
	m.Cancel(sub2)
}

func TestMediator_CancelDeliversTerminalError(t *testing.T) {
	m := New(nil, 0, nil)

	key := TaskKey{AET: "PACS1", Originator: "GATEWAY", MessageID: uint16ptr(1)}
	sub, err := m.Subscribe(context.Background(), key)
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	m.Cancel(sub)

	f, ok := <-sub.Files
	if !ok {
		t.Fatal("expected a terminal error value before the channel closed")
	}
	var cancelled *gatewayerrors.SubscriptionCancelledError
	if !errors.As(f.Err, &cancelled) {
		t.Fatalf("err = %v, want *SubscriptionCancelledError", f.Err)
	}

	if _, ok := <-sub.Files; ok {
		t.Fatal("expected channel to be closed after the terminal value")
	}
}

func TestMediator_StallTimeoutClosesWithError(t *testing.T) {
	m := New(nil, 20*time.Millisecond, nil)

	key := TaskKey{AET: "PACS1", Originator: "GATEWAY", MessageID: uint16ptr(1)}
	sub, err := m.Subscribe(context.Background(), key)
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	select {
	case f := <-sub.Files:
		var stalled *gatewayerrors.MoveStalledError
		if !errors.As(f.Err, &stalled) {
			t.Fatalf("err = %v, want *MoveStalledError", f.Err)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for stall watchdog to fire")
	}
}

func TestMediator_DuplicateSubscriptionRejected(t *testing.T) {
	m := New(nil, 0, nil)

	key := TaskKey{AET: "PACS1", Originator: "GATEWAY", MessageID: uint16ptr(1)}
	sub, err := m.Subscribe(context.Background(), key)
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	defer m.Cancel(sub)

	if _, err := m.Subscribe(context.Background(), key); err == nil {
		t.Fatal("expected duplicate Subscribe() for the same key to fail")
	}
}

func TestMediator_PublishWithNoSubscriptionIsDropped(t *testing.T) {
	m := New(nil, 0, nil)

	// Should not panic or block; the file is simply dropped.
	m.Publish(context.Background(), TaskKey{AET: "PACS1", Originator: "GATEWAY", MessageID: uint16ptr(1)}, interfaces.RetrievedFile{Part10: []byte("x")})
}

func TestMediator_PublishBlocksWhenBufferIsFull(t *testing.T) {
	m := New(nil, 0, nil)

	key := TaskKey{AET: "PACS1", Originator: "GATEWAY", MessageID: uint16ptr(1)}
	sub, err := m.Subscribe(context.Background(), key)
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	// Fill the subscription's buffer (capacity 8) without draining it.
	for i := 0; i < 8; i++ {
		if !m.Publish(context.Background(), key, interfaces.RetrievedFile{Part10: []byte("x")}) {
			t.Fatalf("Publish() %d reported false, want true", i)
		}
	}

	blocked := make(chan bool, 1)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		blocked <- m.Publish(ctx, key, interfaces.RetrievedFile{Part10: []byte("overflow")})
	}()

	select {
	case <-blocked:
		t.Fatal("Publish() returned before the buffer had room, backpressure was not applied")
	case <-time.After(20 * time.Millisecond):
	}

	cancel()
	if ok := <-blocked; ok {
		t.Fatal("Publish() reported success after its context was cancelled")
	}

	// Draining a slot should let a fresh blocked Publish succeed instead of
	// dropping the file.
	<-sub.Files
	if !m.Publish(context.Background(), key, interfaces.RetrievedFile{Part10: []byte("fits now")}) {
		t.Fatal("Publish() should succeed once the buffer has room")
	}
}

func TestMediator_PublishWithoutAETCorrelatesByMessageIDAcrossBackends(t *testing.T) {
	m := New(nil, 0, nil)

	keyA := TaskKey{AET: "PACS1", Originator: "GATEWAY", MessageID: uint16ptr(1)}
	keyB := TaskKey{AET: "PACS2", Originator: "GATEWAY", MessageID: uint16ptr(2)}
	subA, err := m.Subscribe(context.Background(), keyA)
	if err != nil {
		t.Fatalf("Subscribe(A) error = %v", err)
	}
	subB, err := m.Subscribe(context.Background(), keyB)
	if err != nil {
		t.Fatalf("Subscribe(B) error = %v", err)
	}

	// A store-SCP listener shared by both backends publishes without ever
	// knowing which backend a sub-operation came from.
	m.Publish(context.Background(), TaskKey{Originator: "GATEWAY", MessageID: uint16ptr(2)}, interfaces.RetrievedFile{Part10: []byte("b")})
	m.Publish(context.Background(), TaskKey{Originator: "GATEWAY", MessageID: uint16ptr(1)}, interfaces.RetrievedFile{Part10: []byte("a")})
	m.Complete(keyA, Totals{Completed: 1})
	m.Complete(keyB, Totals{Completed: 1})

	fa := <-subA.Files
	fb := <-subB.Files
	if string(fa.Part10) != "a" {
		t.Errorf("subA got %q, want %q", fa.Part10, "a")
	}
	if string(fb.Part10) != "b" {
		t.Errorf("subB got %q, want %q", fb.Part10, "b")
	}
}

func TestMediator_PublishWithoutAETFallsBackToSoleSequentialSubscription(t *testing.T) {
	m := New([]AETConfig{{AETitle: "PACS1", Mode: Sequential}}, 0, nil)

	sub, err := m.Subscribe(context.Background(), TaskKey{AET: "PACS1"})
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	// The PACS omitted the move-originator message ID entirely; with no
	// other Sequential-mode backend active this still resolves uniquely.
	m.Publish(context.Background(), TaskKey{Originator: "SOME_PACS"}, interfaces.RetrievedFile{Part10: []byte("x")})
	m.Complete(TaskKey{AET: "PACS1"}, Totals{Completed: 1})

	f := <-sub.Files
	if string(f.Part10) != "x" {
		t.Fatalf("got %q, want %q", f.Part10, "x")
	}
}
