package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/Crosswind-Labs/keel/pkg/contracts"
	"github.com/Crosswind-Labs/keel/pkg/outbox"
)

// SQLiteOutboxStore implements outbox.Store on an embedded SQLite
// database. State transitions use guarded UPDATEs so the compare-and-set
// contract holds under concurrent workers sharing the database.
type SQLiteOutboxStore struct {
	db *sql.DB
}

// NewSQLiteOutboxStore creates the store and its schema.
func NewSQLiteOutboxStore(db *sql.DB) (*SQLiteOutboxStore, error) {
	s := &SQLiteOutboxStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteOutboxStore) migrate() error {
	query := `
    CREATE TABLE IF NOT EXISTS outbox_entries (
        key TEXT PRIMARY KEY,
        state TEXT NOT NULL,
        attempts INTEGER NOT NULL DEFAULT 0,
        result BLOB,
        last_error TEXT NOT NULL DEFAULT '',
        created_at DATETIME NOT NULL,
        updated_at DATETIME NOT NULL
    );`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

func (s *SQLiteOutboxStore) Get(ctx context.Context, key string) (*contracts.OutboxEntry, error) {
	query := `
        SELECT key, state, attempts, result, last_error, created_at, updated_at
        FROM outbox_entries WHERE key = ?
    `
	row := s.db.QueryRowContext(ctx, query, key)

	var e contracts.OutboxEntry
	var state string
	err := row.Scan(&e.Key, &state, &e.Attempts, &e.Result, &e.LastError, &e.CreatedAt, &e.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, outbox.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("outbox get %s: %w", key, err)
	}
	e.State = contracts.OutboxState(state)
	return &e, nil
}

func (s *SQLiteOutboxStore) Acquire(ctx context.Context, key string, now time.Time) (*contracts.OutboxEntry, error) {
	// Insert-if-absent, then guarded transition. The UPDATE's WHERE
	// clause is the CAS: it only matches entries not IN_FLIGHT and not
	// COMMITTED.
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO outbox_entries (key, state, attempts, created_at, updated_at)
        VALUES (?, 'PENDING', 0, ?, ?)
        ON CONFLICT (key) DO NOTHING
    `, key, now, now)
	if err != nil {
		return nil, fmt.Errorf("outbox upsert %s: %w", key, err)
	}

	res, err := s.db.ExecContext(ctx, `
        UPDATE outbox_entries
        SET state = 'IN_FLIGHT', attempts = attempts + 1, updated_at = ?
        WHERE key = ? AND state IN ('PENDING', 'FAILED')
    `, now, key)
	if err != nil {
		return nil, fmt.Errorf("outbox acquire %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		entry, gerr := s.Get(ctx, key)
		if gerr != nil {
			return nil, gerr
		}
		if entry.State == contracts.OutboxCommitted {
			return nil, outbox.ErrConflict
		}
		return nil, outbox.ErrBusy
	}
	return s.Get(ctx, key)
}

func (s *SQLiteOutboxStore) Commit(ctx context.Context, key string, result []byte, now time.Time) error {
	return s.transition(ctx, key, "COMMITTED", result, "", now)
}

func (s *SQLiteOutboxStore) Fail(ctx context.Context, key string, lastError string, now time.Time) error {
	return s.transition(ctx, key, "FAILED", nil, lastError, now)
}

func (s *SQLiteOutboxStore) Release(ctx context.Context, key string, lastError string, now time.Time) error {
	return s.transition(ctx, key, "PENDING", nil, lastError, now)
}

func (s *SQLiteOutboxStore) transition(ctx context.Context, key, to string, result []byte, lastError string, now time.Time) error {
	res, err := s.db.ExecContext(ctx, `
        UPDATE outbox_entries
        SET state = ?, result = COALESCE(?, result), last_error = CASE WHEN ? != '' THEN ? ELSE last_error END, updated_at = ?
        WHERE key = ? AND state = 'IN_FLIGHT'
    `, to, result, lastError, lastError, now, key)
	if err != nil {
		return fmt.Errorf("outbox transition %s -> %s: %w", key, to, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, gerr := s.Get(ctx, key); errors.Is(gerr, outbox.ErrNotFound) {
			return outbox.ErrNotFound
		}
		return outbox.ErrConflict
	}
	return nil
}

// GC removes finalized entries older than the retention window.
func (s *SQLiteOutboxStore) GC(ctx context.Context, retention time.Duration, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
        DELETE FROM outbox_entries
        WHERE state != 'IN_FLIGHT' AND updated_at < ?
    `, now.Add(-retention))
	if err != nil {
		return 0, fmt.Errorf("outbox gc: %w", err)
	}
	return res.RowsAffected()
}
