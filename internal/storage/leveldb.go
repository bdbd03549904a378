package storage

import (
	"errors"
	"fmt"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// LevelDB implements DB using goleveldb.
type LevelDB struct {
	db *leveldb.DB
	wo *opt.WriteOptions
}

// NewLevelDB opens (or creates) a LevelDB database at path.
func NewLevelDB(path string, opts Options) (*LevelDB, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open leveldb at %s: %w", path, err)
	}
	return &LevelDB{db: db, wo: &opt.WriteOptions{Sync: opts.SyncWrites}}, nil
}

// Get retrieves a value by key.
func (l *LevelDB) Get(key []byte) ([]byte, error) {
	val, err := l.db.Get(key, nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("leveldb get: %w", err)
	}
	return val, nil
}

// Put stores a key-value pair.
func (l *LevelDB) Put(key, value []byte) error {
	if err := l.db.Put(key, value, l.wo); err != nil {
		return fmt.Errorf("leveldb put: %w", err)
	}
	return nil
}

// Delete removes a key.
func (l *LevelDB) Delete(key []byte) error {
	if err := l.db.Delete(key, l.wo); err != nil {
		return fmt.Errorf("leveldb delete: %w", err)
	}
	return nil
}

// Has checks if a key exists.
func (l *LevelDB) Has(key []byte) (bool, error) {
	ok, err := l.db.Has(key, nil)
	if err != nil {
		return false, fmt.Errorf("leveldb has: %w", err)
	}
	return ok, nil
}

// ForEach iterates over all keys with the given prefix.
func (l *LevelDB) ForEach(prefix []byte, fn func(key, value []byte) error) error {
	it := l.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer it.Release()
	for it.Next() {
		if err := fn(clone(it.Key()), clone(it.Value())); err != nil {
			return err
		}
	}
	return it.Error()
}

// NewBatch returns a batch written with a single leveldb.Batch.
func (l *LevelDB) NewBatch() Batch {
	return &levelBatch{db: l.db, wo: l.wo, batch: new(leveldb.Batch)}
}

// NewDurableBatch returns a batch written with a synced journal.
func (l *LevelDB) NewDurableBatch() Batch {
	return &levelBatch{db: l.db, wo: &opt.WriteOptions{Sync: true}, batch: new(leveldb.Batch)}
}

// Close closes the database.
func (l *LevelDB) Close() error {
	return l.db.Close()
}

type levelBatch struct {
	db    *leveldb.DB
	wo    *opt.WriteOptions
	batch *leveldb.Batch
}

func (lb *levelBatch) Put(key, value []byte) error {
	lb.batch.Put(key, value)
	return nil
}

func (lb *levelBatch) Delete(key []byte) error {
	lb.batch.Delete(key)
	return nil
}

func (lb *levelBatch) Commit() error {
	if err := lb.db.Write(lb.batch, lb.wo); err != nil {
		return fmt.Errorf("leveldb batch commit: %w", err)
	}
	lb.batch.Reset()
	return nil
}
