// Package sqlite provides a [store.Store] backed by an SQLite database file
// using the mattn/go-sqlite3 driver.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"

	"github.com/MrWong99/coachd/pkg/store"
)

// Schema is the DDL applied by [Open].
const Schema = `
CREATE TABLE IF NOT EXISTS kv (
    key   TEXT PRIMARY KEY,
    value BLOB NOT NULL
);
CREATE TABLE IF NOT EXISTS coaching_events (
    session_id        TEXT NOT NULL,
    prompt_id         TEXT NOT NULL,
    type              TEXT NOT NULL,
    text              TEXT NOT NULL DEFAULT '',
    reason            TEXT NOT NULL DEFAULT '',
    confidence        REAL NOT NULL DEFAULT 0,
    session_timestamp REAL NOT NULL DEFAULT 0,
    created_at        TIMESTAMP NOT NULL,
    shown_at          TIMESTAMP NOT NULL,
    response          TEXT NOT NULL DEFAULT 'not_responded',
    responded_at      TIMESTAMP,
    response_time     REAL NOT NULL DEFAULT 0,
    PRIMARY KEY (session_id, prompt_id)
);
CREATE INDEX IF NOT EXISTS idx_coaching_events_shown ON coaching_events(session_id, shown_at);
`

// Compile-time interface check.
var _ store.Store = (*Store)(nil)

// Store is an SQLite-backed [store.Store].
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database at path and applies [Schema]. The
// parent directory is created when missing.
func Open(ctx context.Context, path string) (*Store, error) {
	if path == "" {
		slog.Error("sqlite store path not set")
		return nil, errors.New("sqlite: path must not be empty")
	}
	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			slog.Error("failed to create database directory", "dir", dir, "err", err)
			return nil, fmt.Errorf("sqlite: create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}
	// SQLite serialises writers; a single connection avoids SQLITE_BUSY and
	// keeps ":memory:" databases coherent.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: ping: %w", err)
	}
	if _, err := db.ExecContext(ctx, Schema); err != nil {
		db.Close()
		slog.Error("sqlite migrations failed", "err", err)
		return nil, fmt.Errorf("sqlite: migrate: %w", err)
	}
	slog.Debug("sqlite store ready", "path", path)
	return &Store{db: db}, nil
}

// Get implements [store.KeyValue].
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	var v []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: get %q: %w", key, err)
	}
	return v, nil
}

// Set implements [store.KeyValue].
func (s *Store) Set(ctx context.Context, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO kv (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		slog.Error("sqlite set failed", "key", key, "err", err)
		return fmt.Errorf("sqlite: set %q: %w", key, err)
	}
	return nil
}

// Delete implements [store.KeyValue].
func (s *Store) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key); err != nil {
		return fmt.Errorf("sqlite: delete %q: %w", key, err)
	}
	return nil
}

// AppendEvent implements [store.EventLog].
func (s *Store) AppendEvent(ctx context.Context, ev store.Event) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO coaching_events (
			session_id, prompt_id, type, text, reason, confidence,
			session_timestamp, created_at, shown_at, response, responded_at, response_time
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.SessionID, ev.PromptID, ev.Type, ev.Text, ev.Reason, ev.Confidence,
		ev.SessionTimestamp, ev.CreatedAt.UTC(), ev.ShownAt.UTC(), ev.Response,
		nullTime(ev), ev.ResponseTime,
	)
	if err != nil {
		slog.Error("sqlite append event failed", "session_id", ev.SessionID, "prompt_id", ev.PromptID, "err", err)
		return fmt.Errorf("sqlite: append event %q: %w", ev.PromptID, err)
	}
	return nil
}

// UpdateEvent implements [store.EventLog].
func (s *Store) UpdateEvent(ctx context.Context, ev store.Event) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE coaching_events
		SET response = ?, responded_at = ?, response_time = ?
		WHERE session_id = ? AND prompt_id = ?`,
		ev.Response, nullTime(ev), ev.ResponseTime, ev.SessionID, ev.PromptID,
	)
	if err != nil {
		return fmt.Errorf("sqlite: update event %q: %w", ev.PromptID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: update event %q: %w", ev.PromptID, err)
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

// SessionEvents implements [store.EventLog].
func (s *Store) SessionEvents(ctx context.Context, sessionID string) ([]store.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, prompt_id, type, text, reason, confidence,
		       session_timestamp, created_at, shown_at, response, responded_at, response_time
		FROM coaching_events
		WHERE session_id = ?
		ORDER BY shown_at, rowid`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: session events: %w", err)
	}
	defer rows.Close()

	var out []store.Event
	for rows.Next() {
		var ev store.Event
		var responded sql.NullTime
		if err := rows.Scan(
			&ev.SessionID, &ev.PromptID, &ev.Type, &ev.Text, &ev.Reason, &ev.Confidence,
			&ev.SessionTimestamp, &ev.CreatedAt, &ev.ShownAt, &ev.Response, &responded, &ev.ResponseTime,
		); err != nil {
			return nil, fmt.Errorf("sqlite: scan event: %w", err)
		}
		if responded.Valid {
			t := responded.Time
			ev.RespondedAt = &t
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: session events: %w", err)
	}
	return out, nil
}

// Ping implements [store.Store].
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close implements [store.Store].
func (s *Store) Close() error {
	return s.db.Close()
}

func nullTime(ev store.Event) sql.NullTime {
	if ev.RespondedAt == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: ev.RespondedAt.UTC(), Valid: true}
}
