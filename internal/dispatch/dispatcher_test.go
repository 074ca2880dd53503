package dispatch

import (
	"context"
	"errors"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"heavy.local/research-gateway/internal/protocol"
	"heavy.local/research-gateway/internal/subscribers"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeSubscriber struct {
	name      string
	failUntil int

	mu    sync.Mutex
	calls int
	ch    chan protocol.Event
}

func (f *fakeSubscriber) Name() string {
	return f.name
}

func (f *fakeSubscriber) Handle(_ context.Context, event protocol.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failUntil {
		return errors.New("forced failure")
	}
	if f.ch != nil {
		f.ch <- event
	}
	return nil
}

func (f *fakeSubscriber) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func testLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func TestDispatcherRetriesThenSucceeds(t *testing.T) {
	sub := &fakeSubscriber{name: "sub", failUntil: 2, ch: make(chan protocol.Event, 1)}
	d := New(testLogger(), []subscribers.Subscriber{sub})
	defer d.Close()
	event := protocol.Event{EventID: "evt_1"}

	d.Dispatch(context.Background(), event)

	select {
	case got := <-sub.ch:
		if got.EventID != event.EventID {
			t.Fatalf("unexpected event id: %s", got.EventID)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for dispatch")
	}
	d.Wait()

	if calls := sub.Calls(); calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
}

func TestDispatcherStopsAfterRetries(t *testing.T) {
	sub := &fakeSubscriber{name: "sub", failUntil: 10, ch: make(chan protocol.Event, 1)}
	d := New(testLogger(), []subscribers.Subscriber{sub})
	defer d.Close()

	d.Dispatch(context.Background(), protocol.Event{EventID: "evt_2"})
	d.Wait()

	if calls := sub.Calls(); calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
	select {
	case <-sub.ch:
		t.Fatalf("did not expect successful dispatch")
	default:
	}
}

func TestDispatcherSurvivesCallerCancellation(t *testing.T) {
	sub := &fakeSubscriber{name: "sub", failUntil: 1, ch: make(chan protocol.Event, 1)}
	d := New(testLogger(), []subscribers.Subscriber{sub})
	defer d.Close()

	ctx, cancel := context.WithCancel(context.Background())
	d.Dispatch(ctx, protocol.Event{EventID: "evt_3"})
	cancel()
	d.Wait()

	if calls := sub.Calls(); calls != 2 {
		t.Fatalf("expected retry to continue after caller cancel, got %d calls", calls)
	}
}

func TestDispatcherCloseAbandonsRetries(t *testing.T) {
	sub := &fakeSubscriber{name: "sub", failUntil: 10}
	d := New(testLogger(), []subscribers.Subscriber{sub})
	d.retryBackoff = time.Hour

	d.Dispatch(context.Background(), protocol.Event{EventID: "evt_4"})
	done := make(chan struct{})
	go func() {
		d.Close()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("close did not abandon pending retry")
	}
	if calls := sub.Calls(); calls != 1 {
		t.Fatalf("expected a single attempt, got %d", calls)
	}
}

func TestNilDispatcher(t *testing.T) {
	var d *Dispatcher
	d.Dispatch(context.Background(), protocol.Event{})
	d.Wait()
	d.Close()
}
