// Package coordinator implements skald's Sync Coordinator: the single
// goroutine that owns the node's one write-capable database handle and
// drives the replication node's role machine. Workers (pkg/worker) and the
// coordinator itself both finish commands and hand them to the reply
// channel; the coordinator's RunReplies goroutine is the only writer of
// those queued replies to client sockets, so workers never touch a socket.
// The Router's inline replies (202 and Status commands) are written from
// the connection's own goroutine.
package coordinator

import (
	"bufio"
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/skald-db/skald/pkg/command"
	"github.com/skald-db/skald/pkg/dbengine"
	"github.com/skald-db/skald/pkg/plugin"
	"github.com/skald-db/skald/pkg/replication"
	"github.com/skald-db/skald/pkg/router"
	"github.com/skald-db/skald/pkg/socket"
	"github.com/skald-db/skald/pkg/wire"
)

// errCommitFailed is reported when a finalized commit neither succeeded nor
// hit a retryable conflict — any other failure the replication node surfaces
// through CommitSucceeded==false.
var errCommitFailed = errors.New("coordinator: commit did not succeed")

// Coordinator ties together the pieces the Sync Coordinator needs exclusive
// access to: the database engine's writer handle, the replication node, the
// socket registry, and a dedicated queue of commands that could not be
// completed by a worker alone.
type Coordinator struct {
	inbound *command.Queue // shared with Router and the Worker Pool
	sync    *command.Queue // commands needing coordinator attention
	replies chan *command.Command

	registry *socket.Registry
	router   *router.Router
	plugins  *plugin.Registry
	node     replication.Node
	writer   *dbengine.Writer

	gracefulShutdown *atomic.Bool
	tickInterval     time.Duration
	version          string
	log              *slog.Logger

	handlingCommands atomic.Bool

	mu            sync.Mutex
	pendingCommit *command.Command
}

// New constructs a Coordinator. inbound is the queue the Router and Worker
// Pool share; syncQueue is the Coordinator's own queue, fed by workers that
// cannot complete a command locally (NeedsCoordinator, or a conflict that
// exhausted its retries) and by AcceptCommand (a completed escalation or
// peer-originated write returning from the replication layer). replies is
// the channel the Worker Pool and Coordinator both hand locally-originated,
// completed commands to; only this Coordinator's RunReplies ever reads it.
func New(
	inbound, syncQueue *command.Queue,
	replies chan *command.Command,
	registry *socket.Registry,
	plugins *plugin.Registry,
	node replication.Node,
	writer *dbengine.Writer,
	gracefulShutdown *atomic.Bool,
	version string,
	log *slog.Logger,
) *Coordinator {
	if log == nil {
		log = slog.Default()
	}
	c := &Coordinator{
		inbound:          inbound,
		sync:             syncQueue,
		replies:          replies,
		registry:         registry,
		plugins:          plugins,
		node:             node,
		writer:           writer,
		gracefulShutdown: gracefulShutdown,
		tickInterval:     20 * time.Millisecond,
		version:          version,
		log:              log,
	}
	c.router = router.New(registry, inbound, plugins, c, log)
	return c
}

// StatusSource implementation, consumed by the Router's `Status: ...`
// inline commands.

func (c *Coordinator) IsSlave() bool            { return c.node.Role() == replication.RoleSlaving }
func (c *Coordinator) IsHandlingCommands() bool { return c.handlingCommands.Load() }
func (c *Coordinator) RoleName() string         { return c.node.Role().String() }
func (c *Coordinator) Version() string          { return c.version }
func (c *Coordinator) IsMaster() bool           { return c.node.Role() == replication.RoleMastering }

// AcceptCommand implements replication.AcceptSink: a command the
// replication node is handing back to the dispatch pipeline, already
// complete (an escalation's eventual response) or still needing local work
// (a peer's write forwarded to this node because it masters).
func (c *Coordinator) AcceptCommand(cmd *command.Command) {
	c.sync.Push(cmd)
}

// Serve runs the accept loop for the command port, registering and reading
// each connection on its own goroutine, until ctx is cancelled.
func (c *Coordinator) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	var nextConnID atomic.Uint64
	for {
		raw, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return err
			}
		}
		conn := &socket.Conn{
			ID:     nextConnID.Add(1),
			Raw:    raw,
			Reader: bufio.NewReader(raw),
			Writer: bufio.NewWriter(raw),
		}
		go c.connLoop(conn)
	}
}

// connLoop repeatedly reads and dispatches requests off one connection
// until it closes or a malformed request forces a close. Router.Poll does
// the actual parsing; blocking network reads happen naturally inside it
// (bufio.Reader.ReadString blocks on the underlying conn when its buffer is
// empty), so one goroutine per connection is this server's event-loop unit.
func (c *Coordinator) connLoop(conn *socket.Conn) {
	defer conn.Raw.Close()
	defer c.router.HandleClose(conn.ID)
	for {
		if !c.router.Poll(conn) {
			// False always means this connection is done: read error/EOF,
			// a malformed request, or a pipelined second request arriving
			// while the first is still in flight.
			return
		}
	}
}

// Run drives the coordinator's tick loop until gracefulShutdown is set and
// every queue has drained and the replication node confirms shutdown.
func (c *Coordinator) Run(ctx context.Context) {
	for {
		c.tick(ctx)

		if c.gracefulShutdown.Load() && c.inbound.Empty() && c.sync.Empty() && c.node.ShutdownComplete() {
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(c.tickInterval):
		}
	}
}

// RunReplies drains the shared reply channel, delivering each locally
// completed command to its originating socket. It is the single consumer
// that resolves the worker-touches-socket hazard; run it in its own
// goroutine alongside Run.
func (c *Coordinator) RunReplies(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case cmd, ok := <-c.replies:
			if !ok {
				return
			}
			c.sendReply(cmd)
		}
	}
}

func (c *Coordinator) sendReply(cmd *command.Command) {
	conn, ok := c.registry.Lookup(cmd.InitiatingClientID)
	if !ok {
		return // connection closed before the reply was ready; nothing to deliver.
	}
	if err := wire.WriteMessage(conn.Writer, cmd.Response); err != nil {
		c.log.Warn("failed writing reply", "conn_id", conn.ID, "cmd_id", cmd.ID, "err", err)
	}
	c.registry.Unregister(conn.ID)
}

// tick runs one pass of the nine-step coordinator loop: advance the
// replication node to quiescence, bail out if the role can't serve commands
// yet, finalize whatever commit was started last tick, drain completed
// peer-originated replies, and finally dispatch the next sync-queue command
// according to the current role.
func (c *Coordinator) tick(ctx context.Context) {
	if err := c.node.PreSelect(ctx); err != nil {
		c.log.Warn("PreSelect failed", "err", err)
	}
	if err := c.node.PostSelect(ctx); err != nil {
		c.log.Warn("PostSelect failed", "err", err)
	}

	for {
		quiescent, err := c.node.Update(ctx)
		if err != nil {
			c.log.Warn("replication update failed", "err", err)
			break
		}
		if quiescent {
			break
		}
	}

	if c.plugins != nil {
		if err := c.plugins.TickHTTPSManagers(ctx); err != nil {
			c.log.Warn("plugin https tick failed", "err", err)
		}
		c.plugins.TickTimers(ctx)
	}

	role := c.node.Role()
	c.handlingCommands.Store(role.Ready() && c.node.LeaderVersion() == c.version)
	if !role.Ready() {
		return
	}

	c.finalizePendingCommit()
	c.drainCompletedReplies()

	if c.node.CommitInProgress() {
		return
	}

	switch role {
	case replication.RoleMastering:
		if cmd, err := c.sync.PopFront(); err == nil {
			c.dispatchMastering(cmd)
		}
	case replication.RoleSlaving:
		if cmd, err := c.sync.PopFront(); err == nil {
			c.dispatchSlaving(cmd)
		}
	}
}

// finalizePendingCommit checks whether a commit started in a previous tick
// has finished and, if so, replies to it — asserting that the node is still
// mastering, since only a Mastering node may have started one.
func (c *Coordinator) finalizePendingCommit() {
	c.mu.Lock()
	cmd := c.pendingCommit
	c.mu.Unlock()
	if cmd == nil || c.node.CommitInProgress() {
		return
	}

	c.mu.Lock()
	c.pendingCommit = nil
	c.mu.Unlock()

	if c.node.Role() != replication.RoleMastering {
		c.fail(cmd, replication.ErrNotMastering)
		return
	}
	if !c.node.CommitSucceeded() {
		c.fail(cmd, errCommitFailed)
		return
	}
	c.finish(cmd)
}

// drainCompletedReplies walks the front of the sync queue, delivering every
// already-complete command it finds there (an escalation's returned
// response, or a peer write this node finished on the replication layer's
// behalf) and stopping at the first command still awaiting work.
func (c *Coordinator) drainCompletedReplies() {
	for {
		cmd, err := c.sync.Front()
		if err != nil {
			return
		}
		if !cmd.Complete() {
			return
		}
		c.sync.PopFront()
		c.deliver(cmd)
	}
}

// dispatchMastering runs the write path for a node that currently masters:
// peek, and on a miss, process, commit the staged write through the writer
// handle (requeueing on a conflict), and start the replication commit,
// tracking it as the next tick's pendingCommit.
func (c *Coordinator) dispatchMastering(cmd *command.Command) {
	satisfied, err := c.writer.Peek(cmd)
	if err != nil {
		c.fail(cmd, err)
		return
	}
	if satisfied {
		c.finish(cmd)
		return
	}

	needsCommit, err := c.writer.Process(cmd)
	if err != nil {
		c.fail(cmd, err)
		return
	}
	if !needsCommit {
		c.finish(cmd)
		return
	}

	if err := c.writer.Commit(cmd); err != nil {
		if errors.Is(err, dbengine.ErrConflict) {
			// A conflict at commit time goes back on the coordinator's own
			// queue for another attempt.
			c.sync.Push(cmd)
			return
		}
		c.fail(cmd, err)
		return
	}

	if err := c.node.StartCommit(cmd, cmd.WriteConsistency); err != nil {
		c.fail(cmd, err)
		return
	}
	c.mu.Lock()
	c.pendingCommit = cmd
	c.mu.Unlock()
}

// dispatchSlaving runs the read path for a node that currently slaves: peek
// against the local store, and on a miss, escalate to the master
// asynchronously. EscalateCommand hands the command back via AcceptCommand
// once the master replies, so there is nothing further to do here on the
// non-error path.
func (c *Coordinator) dispatchSlaving(cmd *command.Command) {
	satisfied, err := c.writer.Peek(cmd)
	if err != nil {
		c.fail(cmd, err)
		return
	}
	if satisfied {
		c.finish(cmd)
		return
	}
	if err := c.node.EscalateCommand(cmd); err != nil {
		c.fail(cmd, err)
	}
}

func (c *Coordinator) finish(cmd *command.Command) {
	if cmd.Response.MethodLine == "" {
		cmd.Response = wire.Status("200 OK")
	}
	cmd.MarkComplete()
	c.deliver(cmd)
}

func (c *Coordinator) fail(cmd *command.Command, err error) {
	cmd.Response = wire.Status("500 " + err.Error())
	cmd.MarkComplete()
	c.deliver(cmd)
}

// deliver routes a completed command to its reply path: peer-originated
// commands go back over the replication channel, since only the node knows
// how to reach that peer; local commands go to the shared reply channel for
// RunReplies to deliver to the registered socket.
func (c *Coordinator) deliver(cmd *command.Command) {
	if cmd.InitiatingPeerID != 0 {
		if err := c.node.SendResponse(cmd); err != nil {
			c.log.Warn("failed sending peer response", "cmd_id", cmd.ID, "err", err)
		}
		return
	}
	c.replies <- cmd
}
