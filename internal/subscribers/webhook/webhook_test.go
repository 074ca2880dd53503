package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"heavy.local/research-gateway/internal/protocol"
)

func TestHandleSuccessfulPost(t *testing.T) {
	var (
		gotMethod      string
		gotPath        string
		gotContentType string
		gotEventHeader string
		gotBody        []byte
	)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer r.Body.Close()
		gotMethod = r.Method
		gotPath = r.URL.Path
		gotContentType = r.Header.Get("Content-Type")
		gotEventHeader = r.Header.Get("X-Research-Event")
		body, err := io.ReadAll(r.Body)
		if err != nil {
			t.Errorf("read request body: %v", err)
		}
		gotBody = body
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	event := newTestEvent(protocol.TypeOrchestrationComplete)
	wantBody, err := json.Marshal(event)
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}

	subscriber := New("webhook-test", server.URL+"/events", testLogger())
	if err := subscriber.Handle(context.Background(), event); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if gotMethod != http.MethodPost {
		t.Fatalf("unexpected method: %s", gotMethod)
	}
	if gotPath != "/events" {
		t.Fatalf("unexpected path: %s", gotPath)
	}
	if gotContentType != "application/json" {
		t.Fatalf("unexpected content-type: %s", gotContentType)
	}
	if gotEventHeader != "orchestration_complete" {
		t.Fatalf("unexpected event header: %s", gotEventHeader)
	}
	if !bytes.Equal(gotBody, wantBody) {
		t.Fatalf("unexpected body: got=%s want=%s", gotBody, wantBody)
	}
}

func TestHandleNon2xxReturnsErrorWithBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("upstream failed"))
	}))
	defer server.Close()

	subscriber := New("webhook-test", server.URL, testLogger())
	err := subscriber.Handle(context.Background(), newTestEvent(protocol.TypeResearchError))
	if err == nil {
		t.Fatalf("expected error")
	}
	if !strings.Contains(err.Error(), "500") || !strings.Contains(err.Error(), "upstream failed") {
		t.Fatalf("expected status and body in error, got %v", err)
	}
}

func TestTerminalOnlySkipsProgressEvents(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	subscriber := New("webhook-test", server.URL, testLogger(), TerminalOnly())

	for _, typ := range []protocol.MessageType{protocol.TypeAgentProgress, protocol.TypeAgentStep, protocol.TypeSessionCreated} {
		if err := subscriber.Handle(context.Background(), newTestEvent(typ)); err != nil {
			t.Fatalf("unexpected error for %s: %v", typ, err)
		}
	}
	if n := atomic.LoadInt32(&calls); n != 0 {
		t.Fatalf("expected no webhook call, got %d", n)
	}

	for _, typ := range []protocol.MessageType{protocol.TypeOrchestrationComplete, protocol.TypeResearchError} {
		if err := subscriber.Handle(context.Background(), newTestEvent(typ)); err != nil {
			t.Fatalf("unexpected error for %s: %v", typ, err)
		}
	}
	if n := atomic.LoadInt32(&calls); n != 2 {
		t.Fatalf("expected two webhook calls, got %d", n)
	}
}

func TestHandleNilFilterForwardsAllEvents(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	subscriber := New("", server.URL, testLogger())
	if subscriber.Name() != "webhook" {
		t.Fatalf("unexpected default name: %s", subscriber.Name())
	}
	if err := subscriber.Handle(context.Background(), newTestEvent(protocol.TypeAgentStep)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("expected one webhook call, got %d", calls)
	}
}

func TestHandlePostTimeoutReturnsError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		time.Sleep(250 * time.Millisecond)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	client := &http.Client{Timeout: 50 * time.Millisecond}
	subscriber := New("webhook-test", server.URL, testLogger(), WithHTTPClient(client))
	err := subscriber.Handle(context.Background(), newTestEvent(protocol.TypeOrchestrationComplete))
	if err == nil {
		t.Fatalf("expected timeout error")
	}
	if !strings.Contains(err.Error(), "Timeout") && !strings.Contains(err.Error(), "deadline exceeded") {
		t.Fatalf("expected timeout/deadline error, got %v", err)
	}
}

func testLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func newTestEvent(typ protocol.MessageType) protocol.Event {
	return protocol.Event{
		EventID:    "evt_1",
		SessionID:  "session_1",
		UserID:     "user_1",
		OccurredAt: time.Unix(1_700_000_000, 0).UTC(),
		Message:    protocol.Message{Type: typ, Data: json.RawMessage(`{"message":"hello"}`)},
	}
}

func TestHandleSetsSessionAndIdempotencyHeaders(t *testing.T) {
	var gotSession, gotKey string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSession = r.Header.Get("X-Research-Session")
		gotKey = r.Header.Get("Idempotency-Key")
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	subscriber := New("webhook-test", server.URL, testLogger())
	if err := subscriber.Handle(context.Background(), newTestEvent(protocol.TypeResearchError)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotSession != "session_1" {
		t.Fatalf("unexpected session header: %q", gotSession)
	}
	if gotKey != "evt_1" {
		t.Fatalf("unexpected idempotency key: %q", gotKey)
	}
}
