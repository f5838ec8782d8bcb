package dbengine

import (
	"errors"
	"os"

	badger "github.com/dgraph-io/badger/v4"
)

// BadgerOptions configures the underlying store: an in-memory toggle for
// tests, a data directory for persistence, and a sync-writes toggle trading
// durability for throughput.
type BadgerOptions struct {
	InMemory   bool
	DataDir    string
	SyncWrites bool
}

// BadgerStore is the production Store, backed by an embedded Badger
// database. Badger's optimistic SSI transactions are exactly the
// optimistic-concurrency conflict source the three-phase contract expects:
// a staged WriteTxn's Commit returns badger.ErrConflict when another
// transaction wrote a key this one read, which BadgerStore maps to
// ErrConflict.
type BadgerStore struct {
	db     *badger.DB
	closed bool
}

// NewBadgerStore opens (or creates) a disk-backed store at dir.
func NewBadgerStore(dir string) (*BadgerStore, error) {
	return NewBadgerStoreWithOptions(BadgerOptions{DataDir: dir})
}

// NewBadgerStoreInMemory opens an in-memory store, for tests and
// single-process demos.
func NewBadgerStoreInMemory() (*BadgerStore, error) {
	return NewBadgerStoreWithOptions(BadgerOptions{InMemory: true})
}

// NewBadgerStoreWithOptions opens a store per opts.
func NewBadgerStoreWithOptions(opts BadgerOptions) (*BadgerStore, error) {
	var badgerOpts badger.Options
	if opts.InMemory {
		badgerOpts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(opts.DataDir, 0o755); err != nil {
			return nil, err
		}
		badgerOpts = badger.DefaultOptions(opts.DataDir)
	}
	badgerOpts = badgerOpts.WithSyncWrites(opts.SyncWrites).WithLogger(nil)

	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, err
	}
	return &BadgerStore{db: db}, nil
}

// View runs fn against a read-only snapshot.
func (s *BadgerStore) View(fn func(ReadTx) error) error {
	if s.closed {
		return ErrStorageClosed
	}
	return s.db.View(func(txn *badger.Txn) error {
		return fn(&badgerTx{txn: txn})
	})
}

// NewWriteTxn opens a manually-managed read-write transaction; the caller
// must eventually call Commit or Discard on it exactly once.
func (s *BadgerStore) NewWriteTxn() WriteTxn {
	return &badgerTx{txn: s.db.NewTransaction(true)}
}

// Close releases the Badger database. Safe to call once.
func (s *BadgerStore) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// Sync flushes Badger's value log to disk.
func (s *BadgerStore) Sync() error {
	return s.db.Sync()
}

// RunGC reclaims space from Badger's value log. Safe to call periodically;
// it is a no-op (returns badger.ErrNoRewrite, swallowed here) when there is
// nothing to reclaim.
func (s *BadgerStore) RunGC() error {
	err := s.db.RunValueLogGC(0.5)
	if errors.Is(err, badger.ErrNoRewrite) {
		return nil
	}
	return err
}

// badgerTx adapts *badger.Txn to ReadTx/WriteTx/WriteTxn.
type badgerTx struct {
	txn *badger.Txn
}

func (t *badgerTx) Get(key []byte) ([]byte, bool, error) {
	item, err := t.txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var value []byte
	err = item.Value(func(v []byte) error {
		value = append([]byte(nil), v...)
		return nil
	})
	return value, true, err
}

func (t *badgerTx) Set(key, value []byte) error {
	return t.txn.Set(key, value)
}

func (t *badgerTx) Delete(key []byte) error {
	return t.txn.Delete(key)
}

func (t *badgerTx) Commit() error {
	err := t.txn.Commit()
	if errors.Is(err, badger.ErrConflict) {
		return ErrConflict
	}
	return err
}

func (t *badgerTx) Discard() {
	t.txn.Discard()
}
