package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/Crosswind-Labs/keel/pkg/contracts"
	"github.com/Crosswind-Labs/keel/pkg/outbox"
)

// PostgresOutboxStore implements outbox.Store on PostgreSQL for fleet
// deployments. Expected schema:
//
//	CREATE TABLE outbox_entries (
//	    key        TEXT PRIMARY KEY,
//	    state      TEXT NOT NULL,
//	    attempts   INTEGER NOT NULL DEFAULT 0,
//	    result     BYTEA,
//	    last_error TEXT NOT NULL DEFAULT '',
//	    created_at TIMESTAMPTZ NOT NULL,
//	    updated_at TIMESTAMPTZ NOT NULL
//	);
type PostgresOutboxStore struct {
	db *sql.DB
}

// NewPostgresOutboxStore wraps an open PostgreSQL handle.
func NewPostgresOutboxStore(db *sql.DB) *PostgresOutboxStore {
	return &PostgresOutboxStore{db: db}
}

func (s *PostgresOutboxStore) Get(ctx context.Context, key string) (*contracts.OutboxEntry, error) {
	query := `
        SELECT key, state, attempts, result, last_error, created_at, updated_at
        FROM outbox_entries WHERE key = $1
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

func (s *PostgresOutboxStore) Acquire(ctx context.Context, key string, now time.Time) (*contracts.OutboxEntry, error) {
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO outbox_entries (key, state, attempts, created_at, updated_at)
        VALUES ($1, 'PENDING', 0, $2, $2)
        ON CONFLICT (key) DO NOTHING
    `, key, now)
	if err != nil {
		return nil, fmt.Errorf("outbox upsert %s: %w", key, err)
	}

	res, err := s.db.ExecContext(ctx, `
        UPDATE outbox_entries
        SET state = 'IN_FLIGHT', attempts = attempts + 1, updated_at = $1
        WHERE key = $2 AND state IN ('PENDING', 'FAILED')
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

func (s *PostgresOutboxStore) Commit(ctx context.Context, key string, result []byte, now time.Time) error {
	return s.transition(ctx, key, "COMMITTED", result, "", now)
}

func (s *PostgresOutboxStore) Fail(ctx context.Context, key string, lastError string, now time.Time) error {
	return s.transition(ctx, key, "FAILED", nil, lastError, now)
}

func (s *PostgresOutboxStore) Release(ctx context.Context, key string, lastError string, now time.Time) error {
	return s.transition(ctx, key, "PENDING", nil, lastError, now)
}

func (s *PostgresOutboxStore) transition(ctx context.Context, key, to string, result []byte, lastError string, now time.Time) error {
	res, err := s.db.ExecContext(ctx, `
        UPDATE outbox_entries
        SET state = $1,
            result = COALESCE($2, result),
            last_error = CASE WHEN $3 != '' THEN $3 ELSE last_error END,
            updated_at = $4
        WHERE key = $5 AND state = 'IN_FLIGHT'
    `, to, result, lastError, now, key)
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
