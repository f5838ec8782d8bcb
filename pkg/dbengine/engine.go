// Package dbengine implements skald's three-phase command executor contract
// (Peek/Process/Commit) over an embedded transactional key-value store,
// using github.com/dgraph-io/badger/v4 for optimistic-concurrency storage.
package dbengine

import (
	"errors"
	"sync"

	"github.com/skald-db/skald/pkg/command"
)

var (
	// ErrUnknownCommand is returned when no Handler is registered for a
	// command's method name.
	ErrUnknownCommand = errors.New("dbengine: unknown command")
	// ErrConflict is returned by Commit when the staged write lost an
	// optimistic-concurrency race. Workers retry a bounded number of times
	// on this error before escalating.
	ErrConflict = errors.New("dbengine: commit conflict")
	// ErrNoPendingWrite is returned by Commit if Process was never called,
	// or already committed, for this command.
	ErrNoPendingWrite = errors.New("dbengine: no pending write for command")
	// ErrStorageClosed is returned by any operation after Close.
	ErrStorageClosed = errors.New("dbengine: storage closed")
)

// ReadTx is the read-only view a Handler's Peek phase receives.
type ReadTx interface {
	Get(key []byte) ([]byte, bool, error)
}

// WriteTx is the staging view a Handler's Process phase receives. Writes
// are visible to the same transaction's later reads but not durable until
// the owning Commit call succeeds.
type WriteTx interface {
	ReadTx
	Set(key, value []byte) error
	Delete(key []byte) error
}

// Handler implements one command method's business logic across the
// three-phase contract. Peek and Process both run with a fresh transaction
// scoped to the call; Commit finalizes whatever Process staged.
type Handler interface {
	// Peek reports whether a read-only pass already satisfies cmd,
	// populating cmd.Response if so.
	Peek(tx ReadTx, cmd *command.Command) (satisfied bool, err error)
	// Process stages cmd's writes into tx and reports whether a commit is
	// needed. If it returns false (or an error), the command is treated as
	// complete: populate cmd.Response before returning.
	Process(tx WriteTx, cmd *command.Command) (needsCommit bool, err error)
}

// Store is the minimal transactional storage contract Engine needs; Badger
// is the only production implementation (pkg/dbengine/badger_store.go), but
// the interface keeps worker/coordinator code decoupled from Badger's API.
type Store interface {
	View(fn func(ReadTx) error) error
	NewWriteTxn() WriteTxn
	Close() error
}

// WriteTxn is a staged-but-not-yet-committed write transaction.
type WriteTxn interface {
	WriteTx
	Commit() error
	Discard()
}

// Engine ties a Store to a registry of named command Handlers and exposes
// the Peek/Process/Commit contract the Worker Pool and Sync Coordinator
// drive.
type Engine struct {
	store    Store
	mu       sync.RWMutex
	handlers map[string]Handler

	pendingMu sync.Mutex
	pending   map[string]WriteTxn // command ID -> staged write, set by Process
}

// New wraps store with an empty handler registry.
func New(store Store) *Engine {
	return &Engine{
		store:    store,
		handlers: make(map[string]Handler),
		pending:  make(map[string]WriteTxn),
	}
}

// Register binds a Handler to a command method name (the method line's
// first space-separated word, e.g. "testcommand"). The handler map is
// guarded by a read-write mutex, so Register may run concurrently with
// Peek/Process; a command only sees handlers registered before its lookup.
func (e *Engine) Register(methodName string, h Handler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[methodName] = h
}

func (e *Engine) handler(methodName string) (Handler, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	h, ok := e.handlers[methodName]
	return h, ok
}

// Close releases the underlying store.
func (e *Engine) Close() error {
	return e.store.Close()
}

// Reader is a worker's read-capable handle into the engine, identified by
// an index (reader id = worker_index, total readers = N, per the Worker
// Pool's one-reader-per-worker convention).
type Reader struct {
	Index  int
	engine *Engine
}

// NewReader constructs the index'th reader handle over engine.
func (e *Engine) NewReader(index int) *Reader {
	return &Reader{Index: index, engine: e}
}

// Peek runs cmd's method-name handler's read-only phase.
func (r *Reader) Peek(cmd *command.Command) (bool, error) {
	return r.engine.peek(cmd)
}

// Process stages cmd's writes. A true needsCommit return means the caller
// must follow up with Commit(cmd) (or abandon it, in which case the staged
// transaction leaks until the engine is closed — callers must not do this).
func (r *Reader) Process(cmd *command.Command) (bool, error) {
	return r.engine.process(cmd)
}

// Commit finalizes a write Process staged for cmd, returning ErrConflict on
// an optimistic-concurrency loss.
func (r *Reader) Commit(cmd *command.Command) error {
	return r.engine.commit(cmd)
}

// Writer is the Sync Coordinator's exclusive write handle. It exposes the
// same Process/Commit surface as Reader; the distinction is purely who
// holds it; the engine does not enforce single-writer exclusion itself
// (Badger permits many concurrent writers with optimistic conflict
// detection) — the Sync Coordinator's exclusivity is a property of skald's
// dispatch pipeline, not of the storage layer.
type Writer struct {
	engine *Engine
}

// NewWriter constructs the engine's writer handle.
func (e *Engine) NewWriter() *Writer { return &Writer{engine: e} }

func (w *Writer) Peek(cmd *command.Command) (bool, error)    { return w.engine.peek(cmd) }
func (w *Writer) Process(cmd *command.Command) (bool, error) { return w.engine.process(cmd) }
func (w *Writer) Commit(cmd *command.Command) error          { return w.engine.commit(cmd) }

func methodName(methodLine string) string {
	for i, r := range methodLine {
		if r == ' ' {
			return methodLine[:i]
		}
	}
	return methodLine
}

func (e *Engine) peek(cmd *command.Command) (bool, error) {
	h, ok := e.handler(methodName(cmd.Request.MethodLine))
	if !ok {
		return false, ErrUnknownCommand
	}
	var satisfied bool
	err := e.store.View(func(tx ReadTx) error {
		var err error
		satisfied, err = h.Peek(tx, cmd)
		return err
	})
	return satisfied, err
}

func (e *Engine) process(cmd *command.Command) (bool, error) {
	h, ok := e.handler(methodName(cmd.Request.MethodLine))
	if !ok {
		return false, ErrUnknownCommand
	}

	txn := e.store.NewWriteTxn()
	needsCommit, err := h.Process(txn, cmd)
	if err != nil || !needsCommit {
		txn.Discard()
		return needsCommit, err
	}

	e.pendingMu.Lock()
	e.pending[cmd.ID] = txn
	e.pendingMu.Unlock()
	return true, nil
}

func (e *Engine) commit(cmd *command.Command) error {
	e.pendingMu.Lock()
	txn, ok := e.pending[cmd.ID]
	delete(e.pending, cmd.ID)
	e.pendingMu.Unlock()
	if !ok {
		return ErrNoPendingWrite
	}
	defer txn.Discard()
	return txn.Commit()
}
