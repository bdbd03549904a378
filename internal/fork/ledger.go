package fork

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Klingon-tech/klingnet-mvf/internal/storage"
)

// Ledger errors.
var (
	ErrLedgerNotLoaded = errors.New("activation ledger not loaded")
	ErrCorruptLedger   = errors.New("corrupt activation record")
	ErrLedgerVerify    = errors.New("activation record read-back mismatch")
)

// LedgerPrefix namespaces the ledger keys inside the node database.
var LedgerPrefix = []byte("mvf/")

var (
	keyActivation  = []byte("activation")   // height(8) | flag(1)
	keyActivatedAt = []byte("activated_at") // unix seconds(8)
)

// AlreadyActivatedError is returned when activation is recorded twice.
// It indicates a broken trigger guard, not an operational failure.
type AlreadyActivatedError struct {
	Existing  uint64
	Attempted uint64
}

func (e *AlreadyActivatedError) Error() string {
	return fmt.Sprintf("fork already activated at height %d (attempted %d)", e.Existing, e.Attempted)
}

// Ledger is the durable activation record of one data directory.
// It is loaded once at startup and written at most once.
type Ledger struct {
	mu     sync.RWMutex
	db     storage.DB
	rec    Record
	prior  bool
	loaded bool
	at     time.Time

	now func() time.Time
}

// NewLedger creates a ledger over db. Keys are written under LedgerPrefix.
func NewLedger(db storage.DB) *Ledger {
	return &Ledger{
		db:  storage.NewPrefixDB(db, LedgerPrefix),
		now: time.Now,
	}
}

// Load reads the persisted record. A record found here was written by an
// earlier run and is reported by WasPreviouslyActivated.
func (l *Ledger) Load() (Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, err := l.read()
	if err != nil {
		return Record{}, err
	}
	l.rec = rec
	l.prior = rec.Activated
	l.loaded = true

	if data, err := l.db.Get(keyActivatedAt); err == nil && len(data) == 8 {
		l.at = time.Unix(int64(binary.BigEndian.Uint64(data)), 0)
	}
	return rec, nil
}

func (l *Ledger) read() (Record, error) {
	data, err := l.db.Get(keyActivation)
	if errors.Is(err, storage.ErrNotFound) {
		return Record{}, nil
	}
	if err != nil {
		return Record{}, fmt.Errorf("read activation record: %w", err)
	}
	return decodeRecord(data)
}

// RecordActivation persists activation at height with a synced commit,
// whatever the database's SyncWrites option, and confirms the write by
// reading it back. On failure the in-memory state stays unactivated.
func (l *Ledger) RecordActivation(height uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.loaded {
		return ErrLedgerNotLoaded
	}
	if l.rec.Activated {
		return &AlreadyActivatedError{Existing: l.rec.Height, Attempted: height}
	}

	want := Record{Activated: true, Height: height}
	at := l.now()
	var atBuf [8]byte
	binary.BigEndian.PutUint64(atBuf[:], uint64(at.Unix()))

	b := storage.NewDurableBatch(l.db)
	if err := b.Put(keyActivation, encodeRecord(want)); err != nil {
		return fmt.Errorf("write activation record: %w", err)
	}
	if err := b.Put(keyActivatedAt, atBuf[:]); err != nil {
		return fmt.Errorf("write activation time: %w", err)
	}
	if err := b.Commit(); err != nil {
		return fmt.Errorf("commit activation record: %w", err)
	}

	got, err := l.read()
	if err != nil {
		return err
	}
	if got != want {
		return fmt.Errorf("%w: wrote %+v, read %+v", ErrLedgerVerify, want, got)
	}

	l.rec = got
	l.at = at
	return nil
}

// Record returns the current activation record.
func (l *Ledger) Record() Record {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.rec
}

// IsActivated reports whether the fork has activated.
func (l *Ledger) IsActivated() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.rec.Activated
}

// ActivationHeight returns the activation height, or false if not activated.
func (l *Ledger) ActivationHeight() (uint64, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.rec.Height, l.rec.Activated
}

// WasPreviouslyActivated reports whether the record existed at Load time.
func (l *Ledger) WasPreviouslyActivated() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.prior
}

// ActivatedAt returns the wall-clock time the activation was recorded.
func (l *Ledger) ActivatedAt() time.Time {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.at
}

// LedgerEntry is one raw ledger key and value.
type LedgerEntry struct {
	Key   string `json:"key"`
	Value []byte `json:"value"`
}

// Entries returns the raw ledger contents in key order. It does not require
// Load.
func (l *Ledger) Entries() ([]LedgerEntry, error) {
	var out []LedgerEntry
	err := l.db.ForEach(nil, func(key, value []byte) error {
		out = append(out, LedgerEntry{Key: string(key), Value: value})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan activation ledger: %w", err)
	}
	return out, nil
}

func encodeRecord(r Record) []byte {
	buf := make([]byte, 9)
	binary.BigEndian.PutUint64(buf[:8], r.Height)
	if r.Activated {
		buf[8] = 1
	}
	return buf
}

func decodeRecord(data []byte) (Record, error) {
	if len(data) != 9 || data[8] > 1 {
		return Record{}, fmt.Errorf("%w: %x", ErrCorruptLedger, data)
	}
	return Record{
		Activated: data[8] == 1,
		Height:    binary.BigEndian.Uint64(data[:8]),
	}, nil
}
