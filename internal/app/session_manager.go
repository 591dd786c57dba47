package app

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/MrWong99/coachd/internal/coaching"
	"github.com/MrWong99/coachd/internal/observe"
)

// SessionInfo holds metadata about the active coaching session.
type SessionInfo struct {
	// SessionID is the unique identifier for this session.
	SessionID string `json:"session_id"`

	// Label is an optional caller-supplied name, e.g. the participant code.
	Label string `json:"label,omitempty"`

	// StartedAt is when the session was started.
	StartedAt time.Time `json:"started_at"`
}

// SessionEngine is the part of [*coaching.Engine] the manager drives.
type SessionEngine interface {
	StartSession(ctx context.Context, sessionID string)
	EndSession(ctx context.Context) (coaching.SessionSummary, error)
}

// TranscriptBuffer is reset whenever a new session starts so that the
// suggester never mixes utterances from two interviews.
type TranscriptBuffer interface {
	Reset()
}

// SessionManager manages the lifecycle of coaching sessions.
// Only one session can be active at a time (enforced by mutex).
// All exported methods are safe for concurrent use.
type SessionManager struct {
	mu     sync.Mutex
	active bool
	info   SessionInfo

	// Dependencies injected at construction.
	engine     SessionEngine
	transcript TranscriptBuffer
	metrics    *observe.Metrics
	clock      clockwork.Clock
	newID      func() string
}

// SessionManagerConfig holds all dependencies for a [SessionManager].
type SessionManagerConfig struct {
	Engine SessionEngine

	// Transcript is optional; nil when no suggester is configured.
	Transcript TranscriptBuffer

	// Metrics defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// Clock defaults to the real clock.
	Clock clockwork.Clock

	// NewID generates session IDs. Defaults to random UUIDs.
	NewID func() string
}

// NewSessionManager creates a SessionManager with the given dependencies.
func NewSessionManager(cfg SessionManagerConfig) *SessionManager {
	sm := &SessionManager{
		engine:     cfg.Engine,
		transcript: cfg.Transcript,
		metrics:    cfg.Metrics,
		clock:      cfg.Clock,
		newID:      cfg.NewID,
	}
	if sm.metrics == nil {
		sm.metrics = observe.DefaultMetrics()
	}
	if sm.clock == nil {
		sm.clock = clockwork.NewRealClock()
	}
	if sm.newID == nil {
		sm.newID = uuid.NewString
	}
	return sm
}

// Start begins a new coaching session and returns its ID.
//
// Returns [coaching.ErrSessionActive] if a session is already active.
func (sm *SessionManager) Start(ctx context.Context, label string) (string, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if sm.active {
		return "", coaching.ErrSessionActive
	}

	id := sm.newID()
	if sm.transcript != nil {
		sm.transcript.Reset()
	}
	sm.engine.StartSession(ctx, id)

	sm.active = true
	sm.info = SessionInfo{
		SessionID: id,
		Label:     label,
		StartedAt: sm.clock.Now().UTC(),
	}
	sm.metrics.ActiveSessions.Add(ctx, 1)

	slog.Info("session started", "session_id", id, "label", label)
	return id, nil
}

// Stop ends the active session and returns its summary.
//
// Returns [coaching.ErrNoSession] if no session is active.
func (sm *SessionManager) Stop(ctx context.Context) (coaching.SessionSummary, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if !sm.active {
		return coaching.SessionSummary{}, coaching.ErrNoSession
	}

	id := sm.info.SessionID
	summary, err := sm.engine.EndSession(ctx)
	if err != nil {
		// The engine lost the session on its own; keep the manager in sync.
		slog.Warn("session: engine had no session to end", "session_id", id, "err", err)
	}

	sm.active = false
	sm.info = SessionInfo{}
	sm.metrics.ActiveSessions.Add(ctx, -1)

	slog.Info("session stopped",
		"session_id", id,
		"shown", summary.Stats.Shown,
		"acceptance_rate", summary.AcceptanceRate,
	)
	return summary, err
}

// IsActive reports whether a session is currently running.
func (sm *SessionManager) IsActive() bool {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.active
}

// Info returns metadata about the active session.
// Returns zero value if no session is active.
func (sm *SessionManager) Info() SessionInfo {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.info
}
