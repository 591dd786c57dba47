// Package postgres provides a [store.Store] backed by PostgreSQL via pgx.
//
// Use [Connect] to create a pool-backed store from a DSN, or [NewStore] to
// wrap an existing *pgxpool.Pool or *pgx.Conn (useful in tests).
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/coachd/pkg/store"
)

// Schema is the SQL DDL for the coachd tables. Execute it via
// [Store.Migrate] or apply it manually during deployment.
const Schema = `
CREATE TABLE IF NOT EXISTS coachd_kv (
    key        TEXT PRIMARY KEY,
    value      BYTEA NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS coachd_events (
    session_id        TEXT NOT NULL,
    prompt_id         TEXT NOT NULL,
    type              TEXT NOT NULL,
    text              TEXT NOT NULL DEFAULT '',
    reason            TEXT NOT NULL DEFAULT '',
    confidence        DOUBLE PRECISION NOT NULL DEFAULT 0,
    session_timestamp DOUBLE PRECISION NOT NULL DEFAULT 0,
    created_at        TIMESTAMPTZ NOT NULL,
    shown_at          TIMESTAMPTZ NOT NULL,
    response          TEXT NOT NULL DEFAULT 'not_responded',
    responded_at      TIMESTAMPTZ,
    response_time     DOUBLE PRECISION NOT NULL DEFAULT 0,
    PRIMARY KEY (session_id, prompt_id)
);
CREATE INDEX IF NOT EXISTS idx_coachd_events_shown ON coachd_events(session_id, shown_at);
`

// DB is the database interface used by [Store]. Both *pgxpool.Pool and
// *pgx.Conn satisfy this interface.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Compile-time interface check.
var _ store.Store = (*Store)(nil)

// Store is a [store.Store] backed by PostgreSQL.
type Store struct {
	db    DB
	close func()
}

// NewStore wraps db. The caller owns db and is responsible for running
// [Store.Migrate] before issuing queries.
func NewStore(db DB) *Store {
	return &Store{db: db}
}

// Connect opens a connection pool for dsn, verifies it and applies [Schema].
// [Store.Close] closes the pool.
func Connect(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	s := &Store{db: pool, close: pool.Close}
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// Migrate executes the [Schema] DDL against the database.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("postgres: migrate: %w", err)
	}
	return nil
}

// Get implements [store.KeyValue].
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	var v []byte
	err := s.db.QueryRow(ctx, `SELECT value FROM coachd_kv WHERE key = $1`, key).Scan(&v)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get %q: %w", key, err)
	}
	return v, nil
}

// Set implements [store.KeyValue].
func (s *Store) Set(ctx context.Context, key string, value []byte) error {
	const query = `
		INSERT INTO coachd_kv (key, value, updated_at) VALUES ($1, $2, now())
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = now()`
	if _, err := s.db.Exec(ctx, query, key, value); err != nil {
		return fmt.Errorf("postgres: set %q: %w", key, err)
	}
	return nil
}

// Delete implements [store.KeyValue].
func (s *Store) Delete(ctx context.Context, key string) error {
	if _, err := s.db.Exec(ctx, `DELETE FROM coachd_kv WHERE key = $1`, key); err != nil {
		return fmt.Errorf("postgres: delete %q: %w", key, err)
	}
	return nil
}

// AppendEvent implements [store.EventLog].
func (s *Store) AppendEvent(ctx context.Context, ev store.Event) error {
	const query = `
		INSERT INTO coachd_events (
			session_id, prompt_id, type, text, reason, confidence,
			session_timestamp, created_at, shown_at, response, responded_at, response_time
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`
	_, err := s.db.Exec(ctx, query,
		ev.SessionID, ev.PromptID, ev.Type, ev.Text, ev.Reason, ev.Confidence,
		ev.SessionTimestamp, ev.CreatedAt, ev.ShownAt, ev.Response, ev.RespondedAt, ev.ResponseTime,
	)
	if err != nil {
		if isDuplicateKeyError(err) {
			return fmt.Errorf("postgres: event %q already exists in session %q", ev.PromptID, ev.SessionID)
		}
		return fmt.Errorf("postgres: append event %q: %w", ev.PromptID, err)
	}
	return nil
}

// UpdateEvent implements [store.EventLog].
func (s *Store) UpdateEvent(ctx context.Context, ev store.Event) error {
	const query = `
		UPDATE coachd_events
		SET response = $3, responded_at = $4, response_time = $5
		WHERE session_id = $1 AND prompt_id = $2`
	tag, err := s.db.Exec(ctx, query, ev.SessionID, ev.PromptID, ev.Response, ev.RespondedAt, ev.ResponseTime)
	if err != nil {
		return fmt.Errorf("postgres: update event %q: %w", ev.PromptID, err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// SessionEvents implements [store.EventLog].
func (s *Store) SessionEvents(ctx context.Context, sessionID string) ([]store.Event, error) {
	const query = `
		SELECT session_id, prompt_id, type, text, reason, confidence,
		       session_timestamp, created_at, shown_at, response, responded_at, response_time
		FROM coachd_events
		WHERE session_id = $1
		ORDER BY shown_at, prompt_id`

	rows, err := s.db.Query(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("postgres: session events: %w", err)
	}
	events, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (store.Event, error) {
		var ev store.Event
		var responded *time.Time
		err := row.Scan(
			&ev.SessionID, &ev.PromptID, &ev.Type, &ev.Text, &ev.Reason, &ev.Confidence,
			&ev.SessionTimestamp, &ev.CreatedAt, &ev.ShownAt, &ev.Response, &responded, &ev.ResponseTime,
		)
		ev.RespondedAt = responded
		return ev, err
	})
	if err != nil {
		return nil, fmt.Errorf("postgres: scan events: %w", err)
	}
	return events, nil
}

// Ping implements [store.Store].
func (s *Store) Ping(ctx context.Context) error {
	if p, ok := s.db.(interface{ Ping(context.Context) error }); ok {
		return p.Ping(ctx)
	}
	_, err := s.db.Exec(ctx, `SELECT 1`)
	return err
}

// Close releases the pool created by [Connect]. Stores built with
// [NewStore] leave the caller's connection open.
func (s *Store) Close() error {
	if s.close != nil {
		s.close()
	}
	return nil
}

// isDuplicateKeyError reports whether err is a PostgreSQL unique violation.
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
