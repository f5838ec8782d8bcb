// Package command defines the unit of work that flows through skald's
// dispatch pipeline: sockets hand commands to the Router, the Router feeds
// the Command Queue, workers and the Sync Coordinator drain it.
package command

import (
	"fmt"
	"sync/atomic"
)

// Consistency is the write-consistency hint a client attaches to a write.
// It is forwarded to the replication layer verbatim; skald's core never
// interprets it beyond routing decisions (see worker.process in pkg/worker).
type Consistency string

const (
	ConsistencyAsync   Consistency = "ASYNC"
	ConsistencyOne     Consistency = "ONE"
	ConsistencyQuorum  Consistency = "QUORUM"
)

// ParseConsistency maps a request header value to a Consistency, defaulting
// to ASYNC for an absent or unrecognized header.
func ParseConsistency(s string) Consistency {
	switch Consistency(s) {
	case ConsistencyOne:
		return ConsistencyOne
	case ConsistencyQuorum:
		return ConsistencyQuorum
	default:
		return ConsistencyAsync
	}
}

// Message is the shared shape of a request and a response: a method line,
// ordered headers, and an optional body. See pkg/wire for the text codec.
type Message struct {
	MethodLine string
	Headers    []Header
	Body       []byte
}

// Header returns the first header value matching name (case-sensitive, as
// the wire format specifies exact header names), and whether it was found.
func (m *Message) Header(name string) (string, bool) {
	for _, h := range m.Headers {
		if h.Name == name {
			return h.Value, true
		}
	}
	return "", false
}

// SetHeader appends or overwrites the first header matching name.
func (m *Message) SetHeader(name, value string) {
	for i := range m.Headers {
		if m.Headers[i].Name == name {
			m.Headers[i].Value = value
			return
		}
	}
	m.Headers = append(m.Headers, Header{Name: name, Value: value})
}

// Header is one name/value pair, order-preserving per spec §6.
type Header struct {
	Name  string
	Value string
}

// HTTPSRequest is a handle to an outstanding outbound HTTPS call made on a
// command's behalf by a plugin's HTTPS manager (pkg/plugin). skald's core
// never originates the call itself; it only tracks whether one is pending,
// since a pending call forces the command through the Sync Coordinator.
type HTTPSRequest struct {
	URL    string
	Done   bool
	Status int
}

// Command is the unit of work that travels from a client connection,
// through the Command Queue, to a worker or the Sync Coordinator, and back
// out as a response.
type Command struct {
	ID string

	Request  Message
	Response Message

	// Exactly one of these is non-zero for any command needing a reply
	// path; both may be zero only for internally generated work.
	InitiatingClientID uint64
	InitiatingPeerID   uint64

	WriteConsistency Consistency

	// complete is accessed by the worker that owns the command and, once
	// control passes to the coordinator queue, by the Sync Coordinator.
	// Only one of those ever holds the command at a time, so plain field
	// access would already be safe; it is declared atomic only to make
	// concurrent reads (e.g. status introspection) race-free.
	complete atomic.Bool

	HTTPSRequest *HTTPSRequest

	// ScheduledExecuteTime is absolute microseconds since epoch; zero
	// means "execute immediately".
	ScheduledExecuteTime int64
}

// New constructs a Command stamped with a freshly generated ID.
func New(clientID uint64) *Command {
	return &Command{
		ID:                 nextID(),
		InitiatingClientID: clientID,
	}
}

// NewPeerCommand constructs a command escalated from or destined for a peer.
func NewPeerCommand(peerID uint64) *Command {
	return &Command{
		ID:               nextID(),
		InitiatingPeerID: peerID,
	}
}

// Complete reports whether a final response has been set.
func (c *Command) Complete() bool { return c.complete.Load() }

// MarkComplete finalizes the command's response. Complete == true always
// implies Response.MethodLine is non-empty; callers are expected to have
// set Response before calling this (checked defensively here since a
// violation is a programmer error worth surfacing loudly in tests).
func (c *Command) MarkComplete() {
	if c.Response.MethodLine == "" {
		panic(fmt.Sprintf("command %s marked complete with empty response method line", c.ID))
	}
	c.complete.Store(true)
}

// NeedsCoordinator reports whether this command must flow through the Sync
// Coordinator rather than being committed directly by a worker: an
// outstanding HTTPS call, or any write stronger than ASYNC.
func (c *Command) NeedsCoordinator() bool {
	if c.HTTPSRequest != nil && !c.HTTPSRequest.Done {
		return true
	}
	return c.WriteConsistency != ConsistencyAsync
}

var idCounter atomic.Uint64

// nextID produces a process-unique, monotonically increasing command ID.
// Uniqueness only needs to hold within one node's lifetime.
func nextID() string {
	return fmt.Sprintf("cmd-%d", idCounter.Add(1))
}
