package world

import "sync"

// Conn is the transport handle the room broadcasts through. Send is
// fire-and-forget: implementations must never block the caller and must
// swallow delivery failures (a dead transport is handled by its own reader
// triggering Leave). Close tears the transport down; the room uses it when
// it evicts a superseded connection.
type Conn interface {
	Send(msg ServerMessage)
	Close(reason string)
}

// Registry tracks the live connection handle for each session id in a room.
// Each handle is bound to exactly one session id; rebinding a session id
// replaces the previous handle.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]Conn
}

func NewRegistry() *Registry {
	return &Registry{
		conns: make(map[string]Conn),
	}
}

func (r *Registry) Bind(sessionID string, conn Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[sessionID] = conn
}

// Unbind removes the handle for a session id. Unbinding an unknown id is a
// no-op, which keeps leave processing idempotent.
func (r *Registry) Unbind(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.conns, sessionID)
}

func (r *Registry) Get(sessionID string) (Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.conns[sessionID]
	return conn, ok
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}
