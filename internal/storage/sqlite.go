package storage

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/Klingon-tech/klingnet-mvf/internal/log"
	_ "modernc.org/sqlite" // registers the "sqlite" driver
)

// SQLiteFile is the database file created inside the data directory.
const SQLiteFile = "mvf.sqlite"

// sqliteSchemaVersion is the latest schema version supported by migrateSQLite.
const sqliteSchemaVersion = 1

// SQLiteDB implements DB on a single SQLite key/value table.
type SQLiteDB struct {
	db       *sql.DB
	syncMode string
}

// NewSQLite opens (or creates) the SQLite database inside dir.
func NewSQLite(dir string, opts Options) (*SQLiteDB, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create sqlite dir: %w", err)
	}
	db, err := sql.Open("sqlite", filepath.Join(dir, SQLiteFile))
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// Callbacks in ForEach may re-enter the DB; a single connection keeps
	// writes serialized without SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	syncMode := "NORMAL"
	if opts.SyncWrites {
		syncMode = "FULL"
	}
	pragmas := []string{
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA synchronous=` + syncMode + `;`,
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("sqlite pragma %q: %w", p, err)
		}
	}
	if err := migrateSQLite(db); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLiteDB{db: db, syncMode: syncMode}, nil
}

// migrateSQLite ensures the schema exists and is at sqliteSchemaVersion.
func migrateSQLite(db *sql.DB) error {
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (version INTEGER PRIMARY KEY);`)
	if err != nil {
		return fmt.Errorf("migrate: create schema_migrations: %w", err)
	}

	var current int
	err = db.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&current)
	if err != nil {
		return fmt.Errorf("migrate: read current version: %w", err)
	}
	if current >= sqliteSchemaVersion {
		return nil
	}

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("migrate: begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.Exec(`CREATE TABLE IF NOT EXISTS kv (k BLOB PRIMARY KEY, v BLOB);`); err != nil {
		return fmt.Errorf("migrate: create kv table: %w", err)
	}
	if _, err := tx.Exec(`INSERT INTO schema_migrations (version) VALUES (?);`, sqliteSchemaVersion); err != nil {
		return fmt.Errorf("migrate: record version: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("migrate: commit: %w", err)
	}
	log.Storage.Info().
		Int("from", current).
		Int("to", sqliteSchemaVersion).
		Msg("sqlite schema migrated")
	return nil
}

// Get retrieves a value by key.
func (s *SQLiteDB) Get(key []byte) ([]byte, error) {
	var val []byte
	err := s.db.QueryRow(`SELECT v FROM kv WHERE k = ?;`, key).Scan(&val)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite get: %w", err)
	}
	return nonNil(val), nil
}

// Put stores a key-value pair.
func (s *SQLiteDB) Put(key, value []byte) error {
	if _, err := s.db.Exec(`INSERT OR REPLACE INTO kv (k, v) VALUES (?, ?);`, key, nonNil(value)); err != nil {
		return fmt.Errorf("sqlite put: %w", err)
	}
	return nil
}

// Delete removes a key.
func (s *SQLiteDB) Delete(key []byte) error {
	if _, err := s.db.Exec(`DELETE FROM kv WHERE k = ?;`, key); err != nil {
		return fmt.Errorf("sqlite delete: %w", err)
	}
	return nil
}

// Has checks if a key exists.
func (s *SQLiteDB) Has(key []byte) (bool, error) {
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(1) FROM kv WHERE k = ?;`, key).Scan(&n); err != nil {
		return false, fmt.Errorf("sqlite has: %w", err)
	}
	return n > 0, nil
}

// ForEach iterates over all keys with the given prefix in key order.
// Rows are read fully before fn runs.
func (s *SQLiteDB) ForEach(prefix []byte, fn func(key, value []byte) error) error {
	rows, err := s.db.Query(`SELECT k, v FROM kv WHERE k >= ? ORDER BY k;`, nonNil(prefix))
	if err != nil {
		return fmt.Errorf("sqlite scan: %w", err)
	}
	var pairs []batchOp
	for rows.Next() {
		var k, v []byte
		if err := rows.Scan(&k, &v); err != nil {
			rows.Close()
			return fmt.Errorf("sqlite scan row: %w", err)
		}
		if !bytes.HasPrefix(k, prefix) {
			break
		}
		pairs = append(pairs, batchOp{key: k, value: nonNil(v)})
	}
	if err := rows.Close(); err != nil {
		return fmt.Errorf("sqlite scan close: %w", err)
	}

	for _, p := range pairs {
		if err := fn(p.key, p.value); err != nil {
			return err
		}
	}
	return nil
}

// NewBatch returns a batch applied in one SQL transaction.
func (s *SQLiteDB) NewBatch() Batch {
	return &sqliteBatch{db: s}
}

// NewDurableBatch returns a batch committed under synchronous=FULL.
func (s *SQLiteDB) NewDurableBatch() Batch {
	return &sqliteBatch{db: s, durable: true}
}

// Close closes the database.
func (s *SQLiteDB) Close() error {
	return s.db.Close()
}

type sqliteBatch struct {
	db      *SQLiteDB
	ops     []batchOp
	durable bool
}

func (sb *sqliteBatch) Put(key, value []byte) error {
	sb.ops = append(sb.ops, batchOp{key: clone(key), value: nonNil(clone(value))})
	return nil
}

func (sb *sqliteBatch) Delete(key []byte) error {
	sb.ops = append(sb.ops, batchOp{key: clone(key)})
	return nil
}

func (sb *sqliteBatch) Commit() error {
	ctx := context.Background()
	conn, err := sb.db.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("sqlite batch conn: %w", err)
	}
	defer conn.Close()

	// synchronous cannot change inside a transaction.
	if sb.durable && sb.db.syncMode != "FULL" {
		if _, err := conn.ExecContext(ctx, `PRAGMA synchronous=FULL;`); err != nil {
			return fmt.Errorf("sqlite batch pragma: %w", err)
		}
		defer func() {
			_, _ = conn.ExecContext(ctx, `PRAGMA synchronous=`+sb.db.syncMode+`;`)
		}()
	}

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite batch begin: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()
	for _, op := range sb.ops {
		if op.value == nil {
			_, err = tx.Exec(`DELETE FROM kv WHERE k = ?;`, op.key)
		} else {
			_, err = tx.Exec(`INSERT OR REPLACE INTO kv (k, v) VALUES (?, ?);`, op.key, op.value)
		}
		if err != nil {
			return fmt.Errorf("sqlite batch op: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite batch commit: %w", err)
	}
	sb.ops = nil
	return nil
}
