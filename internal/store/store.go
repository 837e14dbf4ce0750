// Package store is the single key-addressable persistence layer the
// dispatch engine assumes: six named collections backed by SQLite, one
// JSON payload column per row, and a per-task writer lock that every
// composite mutation runs under.
package store

import (
	"bytes"
	"database/sql"
	"fmt"
	"sync"

	_ "modernc.org/sqlite" // pure-Go sqlite driver, registered as "sqlite"

	"github.com/taskforge/dispatch/pkg/persist"
)

const driverName = "sqlite"

const schema = `
CREATE TABLE IF NOT EXISTS tasks (
	id TEXT PRIMARY KEY,
	status TEXT NOT NULL,
	payload BLOB NOT NULL
);

CREATE TABLE IF NOT EXISTS bucket_results (
	task_id TEXT NOT NULL,
	bucket_index INTEGER NOT NULL,
	range_start INTEGER NOT NULL,
	range_end INTEGER NOT NULL,
	payload BLOB NOT NULL,
	PRIMARY KEY (task_id, bucket_index)
);

CREATE TABLE IF NOT EXISTS bucket_assignments (
	task_id TEXT NOT NULL,
	bucket_index INTEGER NOT NULL,
	worker_id TEXT NOT NULL,
	expires_at INTEGER NOT NULL,
	payload BLOB NOT NULL,
	PRIMARY KEY (task_id, bucket_index)
);

CREATE TABLE IF NOT EXISTS users (
	id TEXT PRIMARY KEY,
	session_id TEXT UNIQUE NOT NULL,
	payload BLOB NOT NULL
);

CREATE TABLE IF NOT EXISTS wallet_transactions (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	payload BLOB NOT NULL
);

CREATE TABLE IF NOT EXISTS platform_ledger (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	payload BLOB NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_bucket_results_task ON bucket_results(task_id);
CREATE INDEX IF NOT EXISTS idx_bucket_assignments_task ON bucket_assignments(task_id);
CREATE INDEX IF NOT EXISTS idx_bucket_assignments_worker ON bucket_assignments(task_id, worker_id);
CREATE INDEX IF NOT EXISTS idx_wallet_transactions_user ON wallet_transactions(user_id, created_at);
`

// Store is the dispatch engine's persistence layer: SQLite-backed
// collections plus an in-process read-through task cache and per-task
// locking discipline.
type Store struct {
	db    *sql.DB
	codec persist.Codec

	locks *Locks
	cache *taskCache

	ledgerMu sync.Mutex
}

// Open opens (creating if necessary) a SQLite-backed store at dsn, e.g.
// "file:dispatch.db" or ":memory:".
func Open(dsn string) (*Store, error) {
	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite store: %w", err)
	}

	// The per-task lock already serialises writers for a given task;
	// a single shared connection avoids SQLITE_BUSY across goroutines.
	db.SetMaxOpenConns(1)

	if _, execErr := db.Exec(schema); execErr != nil {
		closeErr := db.Close()

		return nil, fmt.Errorf("migrate schema: %w", joinErrs(execErr, closeErr))
	}

	return &Store{
		db:    db,
		codec: persist.NewJSONCodec(),
		locks: newLocks(),
		cache: newTaskCache(),
	}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close store: %w", err)
	}

	return nil
}

// WithTaskLock runs fn while holding taskId's writer lock. Every
// composite mutation (nextBucket, recordProgress, recordBucket, claim,
// drop, revoke, reinvoke, delete) must execute inside a WithTaskLock
// call so readers never observe a torn mutation.
func (s *Store) WithTaskLock(taskID string, fn func() error) error {
	mu := s.locks.For(taskID)
	mu.Lock()
	defer mu.Unlock()

	return fn()
}

func (s *Store) encode(v any) ([]byte, error) {
	var buf bytes.Buffer

	if err := s.codec.Encode(&buf, v); err != nil {
		return nil, fmt.Errorf("encode row: %w", err)
	}

	return buf.Bytes(), nil
}

func (s *Store) decode(data []byte, v any) error {
	if err := s.codec.Decode(bytes.NewReader(data), v); err != nil {
		return fmt.Errorf("decode row: %w", err)
	}

	return nil
}

func joinErrs(a, b error) error {
	if b == nil {
		return a
	}

	if a == nil {
		return b
	}

	return fmt.Errorf("%w; %w", a, b)
}
