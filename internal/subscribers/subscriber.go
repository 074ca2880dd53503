package subscribers

import (
	"context"

	"heavy.local/research-gateway/internal/protocol"
)

// Subscriber receives session events outside the websocket path. Delivery is
// best effort and never holds up the session that produced the event.
type Subscriber interface {
	Name() string
	Handle(context.Context, protocol.Event) error
}
