package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log"
	"strings"
	"testing"

	"heavy.local/research-gateway/internal/protocol"
)

func TestSubscriberHandle(t *testing.T) {
	var buf bytes.Buffer
	logger := log.New(&buf, "", 0)
	s := New(logger)

	event := protocol.Event{
		EventID:   "evt_1",
		SessionID: "session_1",
		UserID:    "user_1",
		Message:   protocol.Message{Type: protocol.TypeAgentProgress, Data: json.RawMessage(`{"agentId":0}`)},
	}
	if err := s.Handle(context.Background(), event); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.Name() != "logging" {
		t.Fatalf("unexpected name: %s", s.Name())
	}
	out := buf.String()
	for _, want := range []string{"evt_1", "agent_progress", "session_1", "user_1"} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected log output to contain %q, got %q", want, out)
		}
	}
}
