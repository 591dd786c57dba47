// Package store defines the persistence contracts used by the coaching
// engine: a small key-value store for preferences, counters and queues, and
// an append/update event log for per-session coaching events.
//
// Concrete backends live in sub-packages (memory, file, sqlite, postgres).
// All implementations must be safe for concurrent use.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a key or event does not exist.
var ErrNotFound = errors.New("store: not found")

// KeyValue is a durable byte-oriented key-value store.
type KeyValue interface {
	// Get returns the value stored under key, or [ErrNotFound].
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores value under key, replacing any previous value.
	Set(ctx context.Context, key string, value []byte) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
}

// EventLog stores one [Event] per shown coaching prompt.
type EventLog interface {
	// AppendEvent inserts ev. The (SessionID, PromptID) pair must be unique.
	AppendEvent(ctx context.Context, ev Event) error

	// UpdateEvent replaces the response fields of an existing event identified
	// by ev.SessionID and ev.PromptID. Returns [ErrNotFound] if absent.
	UpdateEvent(ctx context.Context, ev Event) error

	// SessionEvents returns all events of a session ordered by ShownAt.
	SessionEvents(ctx context.Context, sessionID string) ([]Event, error)
}

// Store is the full persistence surface a backend provides.
type Store interface {
	KeyValue
	EventLog

	// Ping reports whether the backend is reachable.
	Ping(ctx context.Context) error

	// Close releases backend resources.
	Close() error
}

// Event is the persisted form of a coaching event record.
type Event struct {
	SessionID        string     `json:"session_id"`
	PromptID         string     `json:"prompt_id"`
	Type             string     `json:"type"`
	Text             string     `json:"text"`
	Reason           string     `json:"reason,omitempty"`
	Confidence       float64    `json:"confidence"`
	SessionTimestamp float64    `json:"session_timestamp"`
	CreatedAt        time.Time  `json:"created_at"`
	ShownAt          time.Time  `json:"shown_at"`
	Response         string     `json:"response"`
	RespondedAt      *time.Time `json:"responded_at,omitempty"`
	ResponseTime     float64    `json:"response_time_seconds,omitempty"`
}
