// Package router implements skald's Command Router: the admission layer
// that turns bytes sitting in a connection's read buffer into queued
// Commands. Poll runs on each connection's own goroutine (pkg/coordinator's
// connLoop), handling one request at a time per connection.
package router

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/skald-db/skald/pkg/command"
	"github.com/skald-db/skald/pkg/plugin"
	"github.com/skald-db/skald/pkg/socket"
	"github.com/skald-db/skald/pkg/wire"
)

// StatusSource supplies the live node state status commands report. The
// Sync Coordinator and replication node implement it; Router only reads
// from it, never mutates it.
type StatusSource interface {
	IsSlave() bool
	IsHandlingCommands() bool
	RoleName() string
	Version() string
	IsMaster() bool
}

// Router parses requests off connections and either answers them inline or
// pushes them onto a Queue for workers to pick up.
type Router struct {
	registry *socket.Registry
	queue    *command.Queue
	plugins  *plugin.Registry
	status   StatusSource
	log      *slog.Logger
}

// New constructs a Router. plugins may be nil if no plugin handlers are
// registered.
func New(registry *socket.Registry, queue *command.Queue, plugins *plugin.Registry, status StatusSource, log *slog.Logger) *Router {
	if log == nil {
		log = slog.Default()
	}
	return &Router{registry: registry, queue: queue, plugins: plugins, status: status, log: log}
}

// Poll is called in a tight loop from conn's own connLoop goroutine (see
// pkg/coordinator). It blocks until at least one byte is readable on conn
// (bufio.Reader.Buffered never triggers a read on its own, so Peek is used
// to force the fill), then consumes exactly one request. It returns false,
// which tears the connection down, when the read side is closed or erred,
// when the request is malformed, or when a second request arrives before
// the first one's dequeue has completed. Otherwise it returns true, having
// either answered the request inline or pushed it onto the Command Queue.
func (r *Router) Poll(conn *socket.Conn) bool {
	if _, err := conn.Reader.Peek(1); err != nil {
		return false
	}

	if r.registry.InFlight(conn.ID) {
		r.log.Warn("refusing second in-flight request on connection", "conn_id", conn.ID)
		r.registry.Close(conn.ID)
		return false
	}

	msg, err := wire.ReadMessage(conn.Reader)
	if err != nil {
		if err == wire.ErrIncomplete {
			return false
		}
		r.log.Warn("malformed request, closing connection", "conn_id", conn.ID, "err", err)
		r.registry.Close(conn.ID)
		return false
	}

	cmd := command.New(conn.ID)
	cmd.Request = msg

	if forget, _ := msg.Header("Connection"); forget == "forget" {
		r.reply(conn, wire.Status("202 Successfully queued"))
		return true
	}
	if execAt, ok := msg.Header("commandExecuteTime"); ok {
		if us, err := strconv.ParseInt(execAt, 10, 64); err == nil {
			cmd.ScheduledExecuteTime = us
			if us > nowMicros() {
				r.reply(conn, wire.Status("202 Successfully queued"))
				return true
			}
		}
	}
	if wc, ok := msg.Header("writeConsistency"); ok {
		cmd.WriteConsistency = command.ParseConsistency(wc)
	}

	r.registry.Register(conn)

	if resp, ok := r.runStatusCommand(msg.MethodLine); ok {
		cmd.Response = resp
		cmd.MarkComplete()
		r.reply(conn, resp)
		r.registry.Unregister(conn.ID)
		return true
	}

	r.queue.Push(cmd)
	return true
}

// HandleClose removes conn's registry entry and closes it. Any command
// already dequeued for it keeps running; its eventual reply is discarded
// when the reply path finds no socket (pkg/coordinator).
func (r *Router) HandleClose(connID uint64) {
	r.registry.Close(connID)
}

func (r *Router) reply(conn *socket.Conn, msg command.Message) {
	if err := wire.WriteMessage(conn.Writer, msg); err != nil {
		r.log.Warn("failed writing reply", "conn_id", conn.ID, "err", err)
	}
}

// runStatusCommand recognizes and executes a `Status: ...` command inline,
// never touching the Command Queue. The second return value is false for
// any method line that is not a recognized status command.
func (r *Router) runStatusCommand(methodLine string) (command.Message, bool) {
	const prefix = "Status: "
	if len(methodLine) <= len(prefix) || methodLine[:len(prefix)] != prefix {
		return command.Message{}, false
	}
	name := methodLine[len(prefix):]

	switch name {
	case "is_slave":
		if r.status.IsSlave() {
			return wire.Status("HTTP/1.1 200 Slaving"), true
		}
		return wire.Status(fmt.Sprintf("HTTP/1.1 500 Not slaving. State=%s", r.status.RoleName())), true

	case "handling_commands":
		if r.status.IsSlave() && r.status.IsHandlingCommands() {
			return wire.Status("HTTP/1.1 200 Slaving"), true
		}
		return wire.Status(fmt.Sprintf("HTTP/1.1 500 Not handling commands. State=%s", r.status.RoleName())), true

	case "ping":
		return wire.Status("200 OK"), true

	case "status":
		body, _ := json.Marshal(statusBody{
			IsMaster: strconv.FormatBool(r.status.IsMaster()),
			State:    r.status.RoleName(),
			Version:  r.status.Version(),
			Plugins:  r.pluginStatus(),
		})
		msg := wire.Status("200 OK")
		msg.Body = body
		msg.SetHeader("Content-Type", "application/json")
		return msg, true

	default:
		return command.Message{}, false
	}
}

func (r *Router) pluginStatus() []plugin.StatusRecord {
	if r.plugins == nil {
		return nil
	}
	return r.plugins.StatusRecords()
}

type statusBody struct {
	IsMaster string                 `json:"isMaster"`
	State    string                 `json:"state"`
	Version  string                 `json:"version"`
	Plugins  []plugin.StatusRecord `json:"plugins"`
}

// nowMicros returns microseconds since epoch, matching commandExecuteTime's
// units, so router.go's one dynamic-time dependency is isolated here.
func nowMicros() int64 {
	return time.Now().UnixMicro()
}
