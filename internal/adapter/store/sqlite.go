package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"callpilot/internal/domain"
)

const schema = `
CREATE TABLE IF NOT EXISTS calls (
	call_control_id TEXT PRIMARY KEY,
	from_number     TEXT NOT NULL,
	to_number       TEXT NOT NULL,
	start_time      TIMESTAMP NOT NULL,
	end_time        TIMESTAMP NOT NULL,
	duration_ms     INTEGER NOT NULL,
	status          TEXT NOT NULL,
	hangup_cause    TEXT,
	messages        TEXT NOT NULL,
	qualification   TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS transferred_calls (
	call_control_id TEXT PRIMARY KEY,
	from_number     TEXT NOT NULL,
	to_number       TEXT NOT NULL,
	transferred_at  TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_calls_status ON calls(status);
`

// SQLiteStore persists terminal call snapshots. Raw audio is never stored.
type SQLiteStore struct {
	db *sql.DB
}

// Open opens (and migrates) the database at path.
func Open(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// modernc sqlite serializes writes; a single connection avoids
	// SQLITE_BUSY under concurrent call teardowns.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// ArchiveCall writes the terminal snapshot of a call. Re-archiving the same
// call replaces the record; cleanup is idempotent upstream but a webhook
// replay must not fail the fan-out.
func (s *SQLiteStore) ArchiveCall(ctx context.Context, rec domain.CallRecord) error {
	messages, err := json.Marshal(rec.Messages)
	if err != nil {
		return fmt.Errorf("marshal messages: %w", err)
	}
	qual, err := json.Marshal(rec.Qualification)
	if err != nil {
		return fmt.Errorf("marshal qualification: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO calls
			(call_control_id, from_number, to_number, start_time, end_time, duration_ms, status, hangup_cause, messages, qualification)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.CallControlID, rec.From, rec.To,
		rec.StartTime.UTC(), rec.EndTime.UTC(), rec.Duration.Milliseconds(),
		string(rec.Status), string(rec.HangupCause), string(messages), string(qual),
	)
	if err != nil {
		return domain.WrapOp("store.ArchiveCall", err)
	}
	return nil
}

// RecordTransfer writes the transferred-call record.
func (s *SQLiteStore) RecordTransfer(ctx context.Context, tc domain.TransferredCall) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO transferred_calls
			(call_control_id, from_number, to_number, transferred_at)
		VALUES (?, ?, ?, ?)`,
		tc.CallControlID, tc.From, tc.To, tc.TransferredAt.UTC(),
	)
	if err != nil {
		return domain.WrapOp("store.RecordTransfer", err)
	}
	return nil
}

// GetCall loads one archived call.
func (s *SQLiteStore) GetCall(ctx context.Context, callControlID string) (*domain.CallRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT call_control_id, from_number, to_number, start_time, end_time, duration_ms, status, hangup_cause, messages, qualification
		FROM calls WHERE call_control_id = ?`, callControlID)

	var rec domain.CallRecord
	var durationMS int64
	var status, cause, messages, qual string
	err := row.Scan(&rec.CallControlID, &rec.From, &rec.To, &rec.StartTime, &rec.EndTime,
		&durationMS, &status, &cause, &messages, &qual)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("call %s: %w", callControlID, domain.ErrNotFound)
	}
	if err != nil {
		return nil, domain.WrapOp("store.GetCall", err)
	}

	rec.Duration = time.Duration(durationMS) * time.Millisecond
	rec.Status = domain.ArchiveStatus(status)
	rec.HangupCause = domain.HangupCause(cause)
	if err := json.Unmarshal([]byte(messages), &rec.Messages); err != nil {
		return nil, fmt.Errorf("unmarshal messages: %w", err)
	}
	if err := json.Unmarshal([]byte(qual), &rec.Qualification); err != nil {
		return nil, fmt.Errorf("unmarshal qualification: %w", err)
	}
	return &rec, nil
}

// ListTransfers returns transferred-call records, newest first.
func (s *SQLiteStore) ListTransfers(ctx context.Context, limit int) ([]domain.TransferredCall, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT call_control_id, from_number, to_number, transferred_at
		FROM transferred_calls ORDER BY transferred_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, domain.WrapOp("store.ListTransfers", err)
	}
	defer rows.Close()

	var out []domain.TransferredCall
	for rows.Next() {
		var tc domain.TransferredCall
		if err := rows.Scan(&tc.CallControlID, &tc.From, &tc.To, &tc.TransferredAt); err != nil {
			return nil, domain.WrapOp("store.ListTransfers", err)
		}
		out = append(out, tc)
	}
	return out, rows.Err()
}
