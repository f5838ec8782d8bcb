// Package socket implements skald's Socket Registry: the mapping from
// client connection id to live connection handle that the Sync Coordinator
// uses to deliver client-originated replies. The registry is guarded by a
// mutex: the Router registers and closes entries from each connection's own
// goroutine, and the coordinator's reply goroutine looks them up. Workers
// never touch a connection directly, instead handing finished commands back
// over pkg/coordinator's reply channel.
package socket

import (
	"bufio"
	"net"
	"sync"
)

// Conn is a registered client connection: a net.Conn plus the buffered
// reader/writer pair the Router and Coordinator use to read requests and
// send responses.
type Conn struct {
	ID     uint64
	Raw    net.Conn
	Reader *bufio.Reader
	Writer *bufio.Writer
}

// Registry maps client connection id to its live Conn. At most one
// in-flight dequeued request may exist per connection (enforced by Router,
// not by Registry itself — Registry only tracks presence/absence).
type Registry struct {
	mu    sync.Mutex
	conns map[uint64]*Conn
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{conns: make(map[uint64]*Conn)}
}

// Register records that a dequeue is in flight for conn. It is an error to
// register the same id twice without an intervening Unregister; the Router
// refuses to parse a second request off a connection that already has one
// in flight, so this should never be called twice for the same id.
func (r *Registry) Register(c *Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[c.ID] = c
}

// Lookup returns the Conn for id, if a dequeue is currently in flight for it.
func (r *Registry) Lookup(id uint64) (*Conn, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[id]
	return c, ok
}

// InFlight reports whether a dequeue is already registered for id.
func (r *Registry) InFlight(id uint64) bool {
	_, ok := r.Lookup(id)
	return ok
}

// Unregister removes id's entry, e.g. once its response has been sent or the
// connection has closed.
func (r *Registry) Unregister(id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.conns, id)
}

// Close unregisters id and closes its underlying connection, discarding any
// write error (the peer may already be gone).
func (r *Registry) Close(id uint64) {
	r.mu.Lock()
	c, ok := r.conns[id]
	delete(r.conns, id)
	r.mu.Unlock()
	if ok {
		_ = c.Raw.Close()
	}
}
