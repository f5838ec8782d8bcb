// Package worker implements skald's Worker Pool: N cooperative goroutines
// draining the Command Queue, each holding its own reader handle into the
// database engine. A worker that cannot complete a command locally forwards
// it to the Sync Coordinator's queue instead of replying itself.
package worker

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/skald-db/skald/pkg/command"
	"github.com/skald-db/skald/pkg/dbengine"
	"github.com/skald-db/skald/pkg/wire"
)

// popTimeout bounds how long a worker blocks on an empty queue before
// looping back to check for shutdown.
const popTimeout = time.Second

// Pool owns N worker goroutines.
type Pool struct {
	workers          []*worker
	wg               sync.WaitGroup
	gracefulShutdown *atomic.Bool
}

// New constructs a Pool of n workers, each reading from queue and, when a
// command can't be completed locally, writing to coordQueue. replies
// receives every locally-completable command so a single coordinator
// goroutine can deliver it to its socket — workers never touch a
// connection directly.
func New(n int, queue *command.Queue, engine *dbengine.Engine, coordQueue *command.Queue, replies chan<- *command.Command, gracefulShutdown *atomic.Bool, log *slog.Logger) *Pool {
	if log == nil {
		log = slog.Default()
	}
	p := &Pool{gracefulShutdown: gracefulShutdown}
	for i := 0; i < n; i++ {
		p.workers = append(p.workers, &worker{
			reader:     engine.NewReader(i),
			queue:      queue,
			coordQueue: coordQueue,
			replies:    replies,
			shutdown:   gracefulShutdown,
			log:        log.With("worker", i),
		})
	}
	return p
}

// Start launches every worker's goroutine. Each runs until the
// gracefulShutdown flag is set and the queue has drained; Wait blocks until
// they have all exited.
func (p *Pool) Start() {
	for _, w := range p.workers {
		p.wg.Add(1)
		go func(w *worker) {
			defer p.wg.Done()
			w.run()
		}(w)
	}
}

// Wait blocks until every worker goroutine has exited (after graceful
// shutdown has drained the queue).
func (p *Pool) Wait() {
	p.wg.Wait()
}

type worker struct {
	reader     *dbengine.Reader
	queue      *command.Queue
	coordQueue *command.Queue
	replies    chan<- *command.Command
	shutdown   *atomic.Bool
	log        *slog.Logger
}

func (w *worker) run() {
	for {
		cmd, err := w.queue.Pop(popTimeout)
		if err != nil {
			if w.shutdown.Load() && w.queue.Empty() {
				return
			}
			continue
		}

		if cmd.Complete() {
			w.deliver(cmd)
			continue
		}

		w.process(cmd)

		if w.shutdown.Load() && w.queue.Empty() {
			return
		}
	}
}

// process runs the retry loop described for a freshly dequeued, incomplete
// command: peek, and on a miss either escalate immediately (HTTPS-bearing
// or non-ASYNC writes) or process/commit with up to 3 attempts before
// escalating a persistent conflict.
func (w *worker) process(cmd *command.Command) {
	const maxAttempts = 3
	retry := maxAttempts

	for {
		satisfied, err := w.reader.Peek(cmd)
		if err != nil {
			w.fail(cmd, err)
			return
		}
		if satisfied {
			w.finish(cmd)
			return
		}

		if cmd.NeedsCoordinator() {
			w.coordQueue.Push(cmd)
			return
		}

		needsCommit, err := w.reader.Process(cmd)
		if err != nil {
			w.fail(cmd, err)
			return
		}
		if !needsCommit {
			w.finish(cmd)
			return
		}

		err = w.reader.Commit(cmd)
		if err == nil {
			w.finish(cmd)
			return
		}
		if !errors.Is(err, dbengine.ErrConflict) {
			w.fail(cmd, err)
			return
		}

		retry--
		if retry <= 0 {
			w.log.Warn("commit conflict exhausted retries, escalating", "cmd_id", cmd.ID)
			w.coordQueue.Push(cmd)
			return
		}
	}
}

// finish marks cmd complete (its handler already populated Response) and
// routes the reply: peer-originated commands always go back through the
// Sync Coordinator, since only it talks to the replication channel; local
// commands go to the shared reply channel.
func (w *worker) finish(cmd *command.Command) {
	if cmd.Response.MethodLine == "" {
		cmd.Response = wire.Status("200 OK")
	}
	cmd.MarkComplete()
	w.deliver(cmd)
}

func (w *worker) fail(cmd *command.Command, err error) {
	cmd.Response = wire.Status("500 " + err.Error())
	cmd.MarkComplete()
	w.deliver(cmd)
}

func (w *worker) deliver(cmd *command.Command) {
	if cmd.InitiatingPeerID != 0 {
		w.coordQueue.Push(cmd)
		return
	}
	w.replies <- cmd
}
