package history

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore persists records in a local SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at path and prepares the
// session_history table.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("history: create db directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("history: open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &SQLiteStore{db: db}
	if err := s.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) init() error {
	for _, p := range []string{"PRAGMA journal_mode = WAL", "PRAGMA busy_timeout = 5000"} {
		if _, err := s.db.Exec(p); err != nil {
			return fmt.Errorf("history: apply pragma %q: %w", p, err)
		}
	}
	if _, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS session_history (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			transport  TEXT NOT NULL,
			model      TEXT NOT NULL DEFAULT '',
			started_at TEXT NOT NULL,
			ended_at   TEXT NOT NULL,
			state      TEXT NOT NULL,
			error      TEXT NOT NULL DEFAULT ''
		);
	`); err != nil {
		return fmt.Errorf("history: create table: %w", err)
	}
	if _, err := s.db.Exec("CREATE INDEX IF NOT EXISTS idx_session_history_ended_at ON session_history(ended_at)"); err != nil {
		return fmt.Errorf("history: create index: %w", err)
	}
	return nil
}

// Append inserts rec.
func (s *SQLiteStore) Append(rec Record) error {
	_, err := s.db.Exec(
		`INSERT INTO session_history(session_id, transport, model, started_at, ended_at, state, error)
		 VALUES(?, ?, ?, ?, ?, ?, ?)`,
		rec.SessionID,
		rec.Transport,
		rec.Model,
		rec.StartedAt.UTC().Format(time.RFC3339Nano),
		rec.EndedAt.UTC().Format(time.RFC3339Nano),
		rec.State,
		rec.Error,
	)
	if err != nil {
		return fmt.Errorf("history: insert %s: %w", rec.SessionID, err)
	}
	return nil
}

// Recent returns up to n records, newest first. n <= 0 returns all.
func (s *SQLiteStore) Recent(n int) ([]Record, error) {
	limit := n
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.Query(
		`SELECT session_id, transport, model, started_at, ended_at, state, error
		 FROM session_history ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("history: query: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			r              Record
			started, ended string
		)
		if err := rows.Scan(&r.SessionID, &r.Transport, &r.Model, &started, &ended, &r.State, &r.Error); err != nil {
			return nil, fmt.Errorf("history: scan: %w", err)
		}
		if r.StartedAt, err = time.Parse(time.RFC3339Nano, started); err != nil {
			return nil, fmt.Errorf("history: parse started_at: %w", err)
		}
		if r.EndedAt, err = time.Parse(time.RFC3339Nano, ended); err != nil {
			return nil, fmt.Errorf("history: parse ended_at: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
