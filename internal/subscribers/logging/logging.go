package logging

import (
	"context"
	"log"

	"heavy.local/research-gateway/internal/protocol"
)

type Subscriber struct {
	logger *log.Logger
}

func New(logger *log.Logger) *Subscriber {
	return &Subscriber{logger: logger}
}

func (s *Subscriber) Name() string {
	return "logging"
}

// Handle logs one line per event. Payloads are left out; final results can be
// large.
func (s *Subscriber) Handle(_ context.Context, event protocol.Event) error {
	s.logger.Printf(
		"subscriber=logging event_id=%s type=%s session_id=%s user_id=%s bytes=%d",
		event.EventID,
		event.Message.Type,
		event.SessionID,
		event.UserID,
		len(event.Message.Data),
	)
	return nil
}
