package store

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Crosswind-Labs/keel/pkg/outbox"
)

func TestPostgresAcquireBusy(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	s := NewPostgresOutboxStore(db)
	now := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)

	mock.ExpectExec(`INSERT INTO outbox_entries`).
		WithArgs("k1", now).
		WillReturnResult(sqlmock.NewResult(0, 0))
	// CAS update matches no rows: another worker holds IN_FLIGHT.
	mock.ExpectExec(`UPDATE outbox_entries`).
		WithArgs(now, "k1").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT key, state, attempts`).
		WithArgs("k1").
		WillReturnRows(sqlmock.NewRows(
			[]string{"key", "state", "attempts", "result", "last_error", "created_at", "updated_at"},
		).AddRow("k1", "IN_FLIGHT", 1, nil, "", now, now))

	_, err = s.Acquire(context.Background(), "k1", now)
	assert.ErrorIs(t, err, outbox.ErrBusy)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresAcquireConflictOnCommitted(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	s := NewPostgresOutboxStore(db)
	now := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)

	mock.ExpectExec(`INSERT INTO outbox_entries`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`UPDATE outbox_entries`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT key, state, attempts`).
		WillReturnRows(sqlmock.NewRows(
			[]string{"key", "state", "attempts", "result", "last_error", "created_at", "updated_at"},
		).AddRow("k1", "COMMITTED", 1, []byte(`{"id":"p1"}`), "", now, now))

	_, err = s.Acquire(context.Background(), "k1", now)
	assert.ErrorIs(t, err, outbox.ErrConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresCommitTransition(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	s := NewPostgresOutboxStore(db)
	now := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)

	mock.ExpectExec(`UPDATE outbox_entries`).
		WithArgs("COMMITTED", []byte(`{"id":"p1"}`), "", now, "k1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, s.Commit(context.Background(), "k1", []byte(`{"id":"p1"}`), now))
	assert.NoError(t, mock.ExpectationsWereMet())
}
