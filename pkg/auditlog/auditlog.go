// Package auditlog implements skald's query log: an append-only file of
// JSON-lines records, one per Logger.Log call, toggled on and off by the
// Lifecycle Controller in response to SIGUSR2/SIGQUIT. Each entry carries a
// mutex-guarded monotonic sequence number. The dispatch pipeline (router,
// worker, coordinator) does not call Log, so commands a node executes are
// not recorded in it.
package auditlog

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"
)

// Entry is one query-log record.
type Entry struct {
	Sequence   uint64    `json:"sequence"`
	Timestamp  time.Time `json:"timestamp"`
	ConnID     uint64    `json:"conn_id,omitempty"`
	PeerID     uint64    `json:"peer_id,omitempty"`
	MethodLine string    `json:"method_line"`
	Response   string    `json:"response,omitempty"`
}

// Logger writes Entry records to an append-only file when enabled is true.
// Toggling enabled never closes or reopens the file; it only gates writes,
// so the query log can be flipped on and off many times per process
// lifetime without losing the file handle or its position.
type Logger struct {
	mu       sync.Mutex
	writer   io.Writer
	file     *os.File
	sequence uint64
	closed   bool

	enabled atomic.Bool
}

// New opens (creating if necessary) an append-only query log at path.
// The logger starts disabled; call SetEnabled(true) or let the Lifecycle
// Controller's signal handling do so.
func New(path string) (*Logger, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("auditlog: creating directory: %w", err)
	}
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o640)
	if err != nil {
		return nil, fmt.Errorf("auditlog: opening %s: %w", path, err)
	}
	return &Logger{writer: file, file: file}, nil
}

// NewWithWriter builds a Logger over an arbitrary writer, for tests.
func NewWithWriter(w io.Writer) *Logger {
	return &Logger{writer: w}
}

// SetEnabled toggles whether Log actually writes. Called by the Lifecycle
// Controller on SIGUSR2 (enable) and SIGQUIT (disable).
func (l *Logger) SetEnabled(v bool) { l.enabled.Store(v) }

// Enabled reports the current toggle state.
func (l *Logger) Enabled() bool { return l.enabled.Load() }

// Log records one command execution. It is a silent no-op when disabled,
// so callers do not need to check Enabled() themselves.
func (l *Logger) Log(e Entry) error {
	if !l.enabled.Load() {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return fmt.Errorf("auditlog: logger closed")
	}

	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	l.sequence++
	e.Sequence = l.sequence

	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("auditlog: marshaling entry: %w", err)
	}
	if _, err := l.writer.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("auditlog: writing entry: %w", err)
	}
	return nil
}

// Close flushes and closes the underlying file, if any.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	if l.file != nil {
		return l.file.Close()
	}
	return nil
}
