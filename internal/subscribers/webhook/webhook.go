package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"heavy.local/research-gateway/internal/protocol"
)

const (
	defaultName       = "webhook"
	defaultTimeout    = 10 * time.Second
	errorSnippetBytes = 4 << 10

	headerEvent       = "X-Research-Event"
	headerSession     = "X-Research-Session"
	headerIdempotency = "Idempotency-Key"
)

type Option func(*Subscriber)

// Subscriber POSTs each accepted event as JSON to one endpoint. The event id
// travels as the idempotency key so receivers can drop dispatcher retries.
type Subscriber struct {
	name     string
	endpoint string
	client   *http.Client
	logger   *log.Logger
	accept   func(protocol.MessageType) bool
}

func New(name string, endpoint string, logger *log.Logger, opts ...Option) *Subscriber {
	s := &Subscriber{
		name:     strings.TrimSpace(name),
		endpoint: strings.TrimSpace(endpoint),
		client:   &http.Client{Timeout: defaultTimeout},
		logger:   logger,
	}
	if s.name == "" {
		s.name = defaultName
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

func WithHTTPClient(client *http.Client) Option {
	return func(s *Subscriber) {
		if client != nil {
			s.client = client
		}
	}
}

// WithEventFilter forwards only message types for which accept returns true.
func WithEventFilter(accept func(protocol.MessageType) bool) Option {
	return func(s *Subscriber) {
		s.accept = accept
	}
}

// TerminalOnly forwards only the events that end a session.
func TerminalOnly() Option {
	return WithEventFilter(protocol.MessageType.Terminal)
}

func (s *Subscriber) Name() string {
	return s.name
}

func (s *Subscriber) Handle(ctx context.Context, event protocol.Event) error {
	if s.accept != nil && !s.accept(event.Message.Type) {
		return nil
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode event %s: %w", event.EventID, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("new webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(headerEvent, string(event.Message.Type))
	req.Header.Set(headerSession, event.SessionID)
	req.Header.Set(headerIdempotency, event.EventID)

	started := time.Now()
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("deliver webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 == 2 {
		_, _ = io.Copy(io.Discard, resp.Body)
		if s.logger != nil {
			s.logger.Printf("subscriber=%s event_id=%s type=%s status=%d took=%s", s.name, event.EventID, event.Message.Type, resp.StatusCode, time.Since(started).Round(time.Millisecond))
		}
		return nil
	}
	return statusError(resp)
}

func statusError(resp *http.Response) error {
	snippet, err := io.ReadAll(io.LimitReader(resp.Body, errorSnippetBytes+1))
	if err != nil {
		return fmt.Errorf("webhook status=%d (body unreadable: %v)", resp.StatusCode, err)
	}
	suffix := ""
	if len(snippet) > errorSnippetBytes {
		snippet = snippet[:errorSnippetBytes]
		suffix = "..."
	}
	return fmt.Errorf("webhook status=%d body=%q%s", resp.StatusCode, strings.TrimSpace(string(snippet)), suffix)
}
