package statestore

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/liyecom/governance-kernel/pkg/contracts"
)

// SQLiteStateStore is a StateStore backed by a single SQLite file,
// for deployments that want transactional guarantees across the
// heartbeat learning state and cost meter ledgers in one durable file
// rather than the FileStateStore's plain JSON document. It satisfies
// the identical surface as FileStateStore (including
// switches.StateReader). The heartbeat Orchestrator and the CLI take a
// *FileStateStore rather than a StateStore, so they do not accept a
// SQLiteStateStore.
type SQLiteStateStore struct {
	db *sql.DB
	mu sync.Mutex
}

// NewSQLiteStateStore opens (creating if necessary) a SQLite database
// at path and ensures its schema exists.
func NewSQLiteStateStore(path string) (*SQLiteStateStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("statestore: open sqlite %s: %w", path, err)
	}
	db.SetMaxOpenConns(1) // SQLite is single-writer; avoid pool contention on locks.

	s := &SQLiteStateStore{db: db}
	if err := s.migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStateStore) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS kv (key TEXT PRIMARY KEY, value TEXT NOT NULL)`,
		`CREATE TABLE IF NOT EXISTS state_lock (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			owner TEXT NOT NULL,
			acquired_at TEXT NOT NULL,
			expires_at TEXT NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("statestore: migrate: %w", err)
		}
	}
	return nil
}

// Close releases the underlying database handle.
func (s *SQLiteStateStore) Close() error { return s.db.Close() }

// GetString satisfies switches.StateReader.
func (s *SQLiteStateStore) GetString(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var value string
	err := s.db.QueryRowContext(context.Background(),
		`SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if err != nil {
		return "", false
	}
	return value, true
}

// SetString persists a key/value pair.
func (s *SQLiteStateStore) SetString(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(context.Background(),
		`INSERT INTO kv (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("statestore: set %s: %w", key, err)
	}
	return nil
}

// Delete removes a key.
func (s *SQLiteStateStore) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(context.Background(), `DELETE FROM kv WHERE key = ?`, key)
	if err != nil {
		return fmt.Errorf("statestore: delete %s: %w", key, err)
	}
	return nil
}

// AcquireLock takes the single-row lock for owner, valid until ttl
// elapses, with the same re-entrant/expiry-reclaim semantics as
// FileStateStore.AcquireLock.
func (s *SQLiteStateStore) AcquireLock(owner string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.currentLockLocked()
	if err != nil {
		return false, err
	}
	now := time.Now().UTC()
	if current != nil && current.Owner != owner && now.Before(current.ExpiresAt) {
		return false, nil
	}

	expiresAt := now.Add(ttl)
	_, err = s.db.ExecContext(context.Background(),
		`INSERT INTO state_lock (id, owner, acquired_at, expires_at) VALUES (1, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET owner = excluded.owner,
		   acquired_at = excluded.acquired_at, expires_at = excluded.expires_at`,
		owner, now.Format(time.RFC3339Nano), expiresAt.Format(time.RFC3339Nano))
	if err != nil {
		return false, fmt.Errorf("statestore: acquire lock: %w", err)
	}
	return true, nil
}

// ReleaseLock releases the lock if owner currently holds it.
func (s *SQLiteStateStore) ReleaseLock(owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.currentLockLocked()
	if err != nil {
		return err
	}
	if current == nil || current.Owner != owner {
		return nil
	}
	_, err = s.db.ExecContext(context.Background(), `DELETE FROM state_lock WHERE id = 1`)
	if err != nil {
		return fmt.Errorf("statestore: release lock: %w", err)
	}
	return nil
}

// CurrentLock returns the lock currently on record, if any.
func (s *SQLiteStateStore) CurrentLock() *Lock {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, err := s.currentLockLocked()
	if err != nil {
		return nil
	}
	return l
}

func (s *SQLiteStateStore) currentLockLocked() (*Lock, error) {
	var owner, acquiredAt, expiresAt string
	err := s.db.QueryRowContext(context.Background(),
		`SELECT owner, acquired_at, expires_at FROM state_lock WHERE id = 1`).
		Scan(&owner, &acquiredAt, &expiresAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, contracts.NewConfigError(contracts.CodeLockCorrupt, "state_lock row unreadable: "+err.Error())
	}
	acquired, err := time.Parse(time.RFC3339Nano, acquiredAt)
	if err != nil {
		return nil, contracts.NewConfigError(contracts.CodeLockCorrupt, "lock acquired_at unparseable: "+err.Error())
	}
	expires, err := time.Parse(time.RFC3339Nano, expiresAt)
	if err != nil {
		return nil, contracts.NewConfigError(contracts.CodeLockCorrupt, "lock expires_at unparseable: "+err.Error())
	}
	return &Lock{Owner: owner, AcquiredAt: acquired, ExpiresAt: expires}, nil
}

var _ StateStore = (*SQLiteStateStore)(nil)
