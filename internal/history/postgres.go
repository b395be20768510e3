package history

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// opTimeout bounds a single Append, which runs without a caller context.
const opTimeout = 5 * time.Second

const ddlSessionHistory = `
CREATE TABLE IF NOT EXISTS session_history (
    id         BIGSERIAL   PRIMARY KEY,
    session_id TEXT        NOT NULL,
    transport  TEXT        NOT NULL,
    model      TEXT        NOT NULL DEFAULT '',
    started_at TIMESTAMPTZ NOT NULL,
    ended_at   TIMESTAMPTZ NOT NULL,
    state      TEXT        NOT NULL,
    error      TEXT        NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_session_history_ended_at
    ON session_history (ended_at DESC);
`

// PGStore persists records in PostgreSQL. Safe for concurrent use.
type PGStore struct {
	pool *pgxpool.Pool
}

// NewPGStore connects to dsn and creates the session_history table if it
// does not exist.
func NewPGStore(ctx context.Context, dsn string) (*PGStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("history: parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("history: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("history: ping: %w", err)
	}
	if _, err := pool.Exec(ctx, ddlSessionHistory); err != nil {
		pool.Close()
		return nil, fmt.Errorf("history: migrate: %w", err)
	}
	return &PGStore{pool: pool}, nil
}

// Append inserts rec.
func (s *PGStore) Append(rec Record) error {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	const q = `
		INSERT INTO session_history (session_id, transport, model, started_at, ended_at, state, error)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`
	if _, err := s.pool.Exec(ctx, q,
		rec.SessionID, rec.Transport, rec.Model, rec.StartedAt, rec.EndedAt, rec.State, rec.Error,
	); err != nil {
		return fmt.Errorf("history: insert: %w", err)
	}
	return nil
}

// Recent returns up to n records, newest first. n <= 0 returns all.
func (s *PGStore) Recent(n int) ([]Record, error) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	const q = `
		SELECT session_id, transport, model, started_at, ended_at, state, error
		FROM   session_history
		ORDER  BY ended_at DESC, id DESC
		LIMIT  $1`
	var limit any
	if n > 0 {
		limit = n
	}
	rows, err := s.pool.Query(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("history: query: %w", err)
	}
	recs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Record, error) {
		var r Record
		err := row.Scan(&r.SessionID, &r.Transport, &r.Model, &r.StartedAt, &r.EndedAt, &r.State, &r.Error)
		return r, err
	})
	if err != nil {
		return nil, fmt.Errorf("history: scan rows: %w", err)
	}
	return recs, nil
}

// Ping reports whether the database is reachable.
func (s *PGStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the pool.
func (s *PGStore) Close() {
	s.pool.Close()
}
