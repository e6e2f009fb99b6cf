// Package postgres provides a PostgreSQL-backed transcript log.
//
// It holds a single [pgxpool.Pool] and manages its own schema via
// CREATE TABLE IF NOT EXISTS on startup, so a fresh database needs no manual
// setup.
//
// Usage:
//
//	log, err := postgres.New(ctx, dsn)
//	if err != nil { … }
//	defer log.Close()
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/frostholm/cueline/internal/transcript"
	"github.com/frostholm/cueline/pkg/session"
)

// Compile-time interface check.
var _ transcript.Log = (*Log)(nil)

const defaultRecentLimit = 100

const ddlTranscriptEntries = `
CREATE TABLE IF NOT EXISTS transcript_entries (
    id         TEXT         PRIMARY KEY,
    role       TEXT         NOT NULL DEFAULT '',
    text       TEXT         NOT NULL,
    timestamp  TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_transcript_entries_timestamp
    ON transcript_entries (timestamp);
`

// Log implements transcript.Log on a PostgreSQL table. All methods are safe
// for concurrent use.
type Log struct {
	pool *pgxpool.Pool
}

// New creates a Log, establishes a connection pool to the database at dsn,
// and ensures the schema exists.
func New(ctx context.Context, dsn string) (*Log, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("transcript postgres: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("transcript postgres: ping: %w", err)
	}
	if _, err := pool.Exec(ctx, ddlTranscriptEntries); err != nil {
		pool.Close()
		return nil, fmt.Errorf("transcript postgres: migrate: %w", err)
	}
	return &Log{pool: pool}, nil
}

// Append implements transcript.Log. Re-inserting an existing ID is a no-op
// rather than an error, so a retried append cannot fail on the primary key.
func (l *Log) Append(ctx context.Context, entry transcript.Entry) error {
	const q = `
		INSERT INTO transcript_entries (id, role, text, timestamp)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO NOTHING`

	_, err := l.pool.Exec(ctx, q, entry.ID, string(entry.Role), entry.Text, entry.Timestamp)
	if err != nil {
		return fmt.Errorf("transcript postgres: append: %w", err)
	}
	return nil
}

// Recent implements transcript.Log. It returns up to n newest entries in
// chronological order (oldest first). n <= 0 defaults to 100.
func (l *Log) Recent(ctx context.Context, n int) ([]transcript.Entry, error) {
	if n <= 0 {
		n = defaultRecentLimit
	}
	const q = `
		SELECT id, role, text, timestamp
		FROM (
		    SELECT id, role, text, timestamp
		    FROM   transcript_entries
		    ORDER  BY timestamp DESC
		    LIMIT  $1
		) newest
		ORDER BY timestamp`

	rows, err := l.pool.Query(ctx, q, n)
	if err != nil {
		return nil, fmt.Errorf("transcript postgres: recent: %w", err)
	}
	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (transcript.Entry, error) {
		var (
			e    transcript.Entry
			role string
		)
		if err := row.Scan(&e.ID, &role, &e.Text, &e.Timestamp); err != nil {
			return transcript.Entry{}, err
		}
		e.Role = session.Role(role)
		return e, nil
	})
	if err != nil {
		return nil, fmt.Errorf("transcript postgres: scan rows: %w", err)
	}
	if entries == nil {
		entries = []transcript.Entry{}
	}
	return entries, nil
}

// Close releases all connections held by the underlying pool.
func (l *Log) Close() {
	l.pool.Close()
}
