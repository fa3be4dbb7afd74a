// Package history persists a per-cycle orchestration audit log: cycle ID,
// start time, final state, error kind, and a byte-counter snapshot. This is
// explicitly not forwarded-byte persistence (spec.md's Non-goal stands);
// it exists purely as diagnostic metadata for the external web UI.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Record is one completed orchestration cycle.
type Record struct {
	ID             string
	StartedAt      time.Time
	EndedAt        time.Time
	FinalState     string
	ErrorKind      string // "" if the cycle ended without error
	BytesPhoneToHU int64
	BytesHUToPhone int64
}

// Store persists Records to a sqlite database.
type Store struct {
	db *sql.DB
}

// Open creates or opens the sqlite file at path and ensures the schema exists.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("history: open %s: %w", path, err)
	}

	const schema = `
CREATE TABLE IF NOT EXISTS cycles (
	id TEXT PRIMARY KEY,
	started_at INTEGER NOT NULL,
	ended_at INTEGER NOT NULL,
	final_state TEXT NOT NULL,
	error_kind TEXT NOT NULL DEFAULT '',
	bytes_phone_to_hu INTEGER NOT NULL DEFAULT 0,
	bytes_hu_to_phone INTEGER NOT NULL DEFAULT 0
);`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("history: create schema: %w", err)
	}

	return &Store{db: db}, nil
}

// NewCycleID generates a fresh cycle identifier.
func NewCycleID() string {
	return uuid.NewString()
}

// Record inserts a completed cycle's summary.
func (s *Store) Record(ctx context.Context, r Record) error {
	const q = `INSERT INTO cycles (id, started_at, ended_at, final_state, error_kind, bytes_phone_to_hu, bytes_hu_to_phone)
VALUES (?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, q,
		r.ID, r.StartedAt.Unix(), r.EndedAt.Unix(), r.FinalState, r.ErrorKind, r.BytesPhoneToHU, r.BytesHUToPhone)
	if err != nil {
		return fmt.Errorf("history: insert cycle %s: %w", r.ID, err)
	}
	return nil
}

// Recent returns the most recent n cycle records, newest first.
func (s *Store) Recent(ctx context.Context, n int) ([]Record, error) {
	const q = `SELECT id, started_at, ended_at, final_state, error_kind, bytes_phone_to_hu, bytes_hu_to_phone
FROM cycles ORDER BY started_at DESC LIMIT ?`
	rows, err := s.db.QueryContext(ctx, q, n)
	if err != nil {
		return nil, fmt.Errorf("history: query recent: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		var startedUnix, endedUnix int64
		if err := rows.Scan(&r.ID, &startedUnix, &endedUnix, &r.FinalState, &r.ErrorKind, &r.BytesPhoneToHU, &r.BytesHUToPhone); err != nil {
			return nil, fmt.Errorf("history: scan row: %w", err)
		}
		r.StartedAt = time.Unix(startedUnix, 0)
		r.EndedAt = time.Unix(endedUnix, 0)
		out = append(out, r)
	}
	return out, rows.Err()
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}
