package registry

import (
	"errors"
	"strings"
	"sync"

	"heavy.local/research-gateway/internal/protocol"
)

var ErrIdentityMismatch = errors.New("identity mismatch")

const defaultOutboundBuffer = 256

// Conn is the registry's view of one client connection. Messages are queued
// on a buffered channel drained by the connection's writer; a client that
// cannot keep up is disconnected rather than allowed to stall a session.
type Conn struct {
	id  string
	out chan protocol.Message

	done      chan struct{}
	closeOnce sync.Once

	mu        sync.Mutex
	userID    string
	sessionID string
}

func NewConn(id, userID string, buffer int) *Conn {
	if buffer <= 0 {
		buffer = defaultOutboundBuffer
	}
	return &Conn{
		id:     id,
		out:    make(chan protocol.Message, buffer),
		done:   make(chan struct{}),
		userID: strings.TrimSpace(userID),
	}
}

func (c *Conn) ID() string {
	return c.id
}

func (c *Conn) UserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

// AttachIdentity sets the connection's identity on first use. Later calls must
// carry the same identity or nothing at all.
func (c *Conn) AttachIdentity(userID string) (string, error) {
	userID = strings.TrimSpace(userID)

	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case userID == "":
		return c.userID, nil
	case c.userID == "":
		c.userID = userID
		return userID, nil
	case c.userID != userID:
		return c.userID, ErrIdentityMismatch
	default:
		return c.userID, nil
	}
}

func (c *Conn) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

func (c *Conn) setSession(sessionID string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	prev := c.sessionID
	c.sessionID = sessionID
	return prev
}

// Send queues msg without blocking. It reports false when the connection is
// closed or its buffer overflowed, in which case the connection is closed.
func (c *Conn) Send(msg protocol.Message) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.out <- msg:
		return true
	default:
		c.Close()
		return false
	}
}

func (c *Conn) Outbound() <-chan protocol.Message {
	return c.out
}

func (c *Conn) Done() <-chan struct{} {
	return c.done
}

func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}
