package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/Crosswind-Labs/keel/pkg/contracts"
)

// SQLiteAuditStore persists policy-gate audit entries. Entries are
// append-only; there is deliberately no delete or update path.
type SQLiteAuditStore struct {
	db *sql.DB
}

// NewSQLiteAuditStore creates the store and its schema.
func NewSQLiteAuditStore(db *sql.DB) (*SQLiteAuditStore, error) {
	s := &SQLiteAuditStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteAuditStore) migrate() error {
	query := `
    CREATE TABLE IF NOT EXISTS audit_entries (
        fsm_id TEXT NOT NULL,
        seq INTEGER NOT NULL,
        entry JSON NOT NULL,
        PRIMARY KEY (fsm_id, seq)
    );`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

// Append persists one audit entry under its FSM's sequence.
func (s *SQLiteAuditStore) Append(ctx context.Context, fsmID string, entry contracts.AuditEntry) error {
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("audit marshal: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
        INSERT INTO audit_entries (fsm_id, seq, entry) VALUES (?, ?, ?)
    `, fsmID, entry.Seq, payload)
	if err != nil {
		return fmt.Errorf("audit append %s/%d: %w", fsmID, entry.Seq, err)
	}
	return nil
}

// List returns all entries for an FSM ordered by sequence.
func (s *SQLiteAuditStore) List(ctx context.Context, fsmID string) ([]contracts.AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT entry FROM audit_entries WHERE fsm_id = ? ORDER BY seq ASC
    `, fsmID)
	if err != nil {
		return nil, fmt.Errorf("audit list %s: %w", fsmID, err)
	}
	defer func() { _ = rows.Close() }()

	var entries []contracts.AuditEntry
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var e contracts.AuditEntry
		if err := json.Unmarshal(payload, &e); err != nil {
			return nil, fmt.Errorf("corrupt audit entry in %s: %w", fsmID, err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
