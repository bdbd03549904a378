// Package storage provides database abstractions.
package storage

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned by Get when the key does not exist.
var ErrNotFound = errors.New("key not found")

// DB is the interface for key-value storage.
type DB interface {
	// Get returns ErrNotFound (possibly wrapped) for a missing key.
	Get(key []byte) ([]byte, error)
	Put(key, value []byte) error
	Delete(key []byte) error
	Has(key []byte) (bool, error)
	// ForEach iterates over all keys with the given prefix.
	// The callback receives a copy of the key and value.
	// Return a non-nil error from fn to stop iteration early.
	ForEach(prefix []byte, fn func(key, value []byte) error) error
	Close() error
}

// Batch collects writes that become visible together on Commit.
type Batch interface {
	Put(key, value []byte) error
	Delete(key []byte) error
	Commit() error
}

// Batcher is implemented by backends that support atomic batches.
type Batcher interface {
	NewBatch() Batch
}

// DurableBatcher is implemented by backends that can commit a batch to
// stable storage regardless of Options.SyncWrites.
type DurableBatcher interface {
	NewDurableBatch() Batch
}

// Backend names accepted by Open.
const (
	BackendBadger  = "badger"
	BackendLevelDB = "leveldb"
	BackendSQLite  = "sqlite"
	BackendMemory  = "memory"
)

// Options tune a backend.
type Options struct {
	// SyncWrites makes every committed write durable before it returns.
	SyncWrites bool
}

// Open opens the named backend rooted at path.
func Open(backend, path string, opts Options) (DB, error) {
	switch backend {
	case "", BackendBadger:
		return NewBadger(path, opts)
	case BackendLevelDB:
		return NewLevelDB(path, opts)
	case BackendSQLite:
		return NewSQLite(path, opts)
	case BackendMemory:
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", backend)
	}
}

// NewBatch returns an atomic batch when db supports it, or a buffered
// fallback that applies writes one by one on Commit.
func NewBatch(db DB) Batch {
	if b, ok := db.(Batcher); ok {
		return b.NewBatch()
	}
	return &fallbackBatch{db: db}
}

// NewDurableBatch returns a batch whose Commit returns only after the writes
// are on stable storage. Backends without durability get NewBatch.
func NewDurableBatch(db DB) Batch {
	if b, ok := db.(DurableBatcher); ok {
		return b.NewDurableBatch()
	}
	return NewBatch(db)
}

type batchOp struct {
	key   []byte
	value []byte // nil means delete
}

// fallbackBatch buffers writes and applies them non-atomically
// when the DB doesn't support batching.
type fallbackBatch struct {
	db  DB
	ops []batchOp
}

func (fb *fallbackBatch) Put(key, value []byte) error {
	fb.ops = append(fb.ops, batchOp{key: clone(key), value: nonNil(clone(value))})
	return nil
}

func (fb *fallbackBatch) Delete(key []byte) error {
	fb.ops = append(fb.ops, batchOp{key: clone(key)})
	return nil
}

func (fb *fallbackBatch) Commit() error {
	for _, op := range fb.ops {
		var err error
		if op.value == nil {
			err = fb.db.Delete(op.key)
		} else {
			err = fb.db.Put(op.key, op.value)
		}
		if err != nil {
			return err
		}
	}
	fb.ops = nil
	return nil
}

func clone(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

// nonNil keeps empty values distinguishable from deletes.
func nonNil(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return b
}
