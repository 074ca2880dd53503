package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

type MessageType string

// Inbound commands.
const (
	TypeStartResearch     MessageType = "start_research"
	TypeReconnectSession  MessageType = "reconnect_session"
	TypeGetActiveSessions MessageType = "get_active_sessions"
	TypePing              MessageType = "ping"
)

// Outbound events.
const (
	TypeSessionCreated        MessageType = "session_created"
	TypeSessionReconnected    MessageType = "session_reconnected"
	TypeActiveSessions        MessageType = "active_sessions"
	TypeReconnectFailed       MessageType = "reconnect_failed"
	TypeTaskDecomposed        MessageType = "task_decomposed"
	TypeAgentProgress         MessageType = "agent_progress"
	TypeAgentStep             MessageType = "agent_step"
	TypeResearchPhaseStart    MessageType = "research_phase_start"
	TypeResearchPhaseComplete MessageType = "research_phase_complete"
	TypeSynthesisStarting     MessageType = "synthesis_starting"
	TypeOrchestrationComplete MessageType = "orchestration_complete"
	TypeResearchError         MessageType = "research_error"
	TypePong                  MessageType = "pong"
)

var ErrUnknownType = errors.New("unknown message type")

// Message is the wire frame: {"type": ..., "data": {...}}.
type Message struct {
	Type MessageType     `json:"type"`
	Data json.RawMessage `json:"data"`
}

func NewMessage(t MessageType, payload any) (Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Message{}, fmt.Errorf("encode %s payload: %w", t, err)
	}
	return Message{Type: t, Data: data}, nil
}

// Inbound reports whether t is a command clients may send.
func (t MessageType) Inbound() bool {
	switch t {
	case TypeStartResearch, TypeReconnectSession, TypeGetActiveSessions, TypePing:
		return true
	default:
		return false
	}
}

// Terminal reports whether t closes out a session for its viewers.
func (t MessageType) Terminal() bool {
	return t == TypeOrchestrationComplete || t == TypeResearchError
}

// ParseCommand decodes one inbound frame. Unknown command types are rejected.
func ParseCommand(raw []byte) (Message, error) {
	var msg Message
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&msg); err != nil {
		return Message{}, fmt.Errorf("invalid json: %w", err)
	}
	if dec.More() {
		return Message{}, errors.New("invalid json: trailing content")
	}
	msg.Type = MessageType(strings.TrimSpace(string(msg.Type)))
	if msg.Type == "" {
		return Message{}, errors.New("type is required")
	}
	if !msg.Type.Inbound() {
		return Message{}, fmt.Errorf("%w: %q", ErrUnknownType, msg.Type)
	}
	return msg, nil
}

// DecodeData strictly decodes the data object into v. Absent or null data
// decodes as an empty object.
func (m Message) DecodeData(v any) error {
	data := bytes.TrimSpace(m.Data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		data = []byte("{}")
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid %s data: %w", m.Type, err)
	}
	if dec.More() {
		return fmt.Errorf("invalid %s data: trailing content", m.Type)
	}
	return nil
}

// Event is an outbound message tagged with the session it belongs to, as
// handed to out-of-band subscribers.
type Event struct {
	EventID    string    `json:"eventId"`
	SessionID  string    `json:"sessionId"`
	UserID     string    `json:"userId"`
	OccurredAt time.Time `json:"occurredAt"`
	Message    Message   `json:"message"`
}
