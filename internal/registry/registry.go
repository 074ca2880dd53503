package registry

import (
	"errors"
	"strings"
	"sync"

	"heavy.local/research-gateway/internal/protocol"
)

var (
	ErrUnknownConn = errors.New("unknown connection")
	ErrNotOwner    = errors.New("connection does not own session")
)

// Registry maps live connections to the session each one is watching. A
// connection watches at most one session; a session may have many watchers.
type Registry struct {
	mu        sync.RWMutex
	conns     map[string]*Conn
	bySession map[string]map[string]*Conn
}

func New() *Registry {
	return &Registry{
		conns:     make(map[string]*Conn),
		bySession: make(map[string]map[string]*Conn),
	}
}

func (r *Registry) Register(c *Conn) {
	if r == nil || c == nil {
		return
	}
	r.mu.Lock()
	r.conns[c.ID()] = c
	r.mu.Unlock()
}

// Unregister drops the connection and its binding. The session it watched is
// unaffected.
func (r *Registry) Unregister(connID string) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[connID]
	if !ok {
		return
	}
	delete(r.conns, connID)
	r.detachLocked(c)
}

func (r *Registry) Lookup(connID string) (*Conn, bool) {
	if r == nil {
		return nil, false
	}
	r.mu.RLock()
	c, ok := r.conns[connID]
	r.mu.RUnlock()
	return c, ok
}

// Bind points the connection at sessionID, replacing any earlier binding. The
// connection's identity must match the session owner.
func (r *Registry) Bind(connID, sessionID, ownerID string) error {
	if r == nil {
		return ErrUnknownConn
	}
	sessionID = strings.TrimSpace(sessionID)

	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[connID]
	if !ok {
		return ErrUnknownConn
	}
	if c.UserID() == "" || c.UserID() != ownerID {
		return ErrNotOwner
	}
	r.detachLocked(c)
	c.setSession(sessionID)
	watchers, ok := r.bySession[sessionID]
	if !ok {
		watchers = make(map[string]*Conn)
		r.bySession[sessionID] = watchers
	}
	watchers[connID] = c
	return nil
}

func (r *Registry) Unbind(connID string) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.conns[connID]; ok {
		r.detachLocked(c)
	}
}

// UnbindSession detaches every watcher of sessionID and returns how many there
// were.
func (r *Registry) UnbindSession(sessionID string) int {
	if r == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	watchers := r.bySession[sessionID]
	for _, c := range watchers {
		c.setSession("")
	}
	delete(r.bySession, sessionID)
	return len(watchers)
}

// Publish queues msg on every connection bound to sessionID and returns the
// number of connections that accepted it.
func (r *Registry) Publish(sessionID string, msg protocol.Message) int {
	if r == nil {
		return 0
	}
	r.mu.RLock()
	watchers := make([]*Conn, 0, len(r.bySession[sessionID]))
	for _, c := range r.bySession[sessionID] {
		watchers = append(watchers, c)
	}
	r.mu.RUnlock()

	delivered := 0
	for _, c := range watchers {
		if c.Send(msg) {
			delivered++
		}
	}
	return delivered
}

func (r *Registry) SessionConnections(sessionID string) int {
	if r == nil {
		return 0
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.bySession[sessionID])
}

func (r *Registry) Len() int {
	if r == nil {
		return 0
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

func (r *Registry) detachLocked(c *Conn) {
	prev := c.setSession("")
	if prev == "" {
		return
	}
	if watchers, ok := r.bySession[prev]; ok {
		delete(watchers, c.ID())
		if len(watchers) == 0 {
			delete(r.bySession, prev)
		}
	}
}
