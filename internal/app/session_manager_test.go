package app_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/MrWong99/coachd/internal/app"
	"github.com/MrWong99/coachd/internal/coaching"
	"github.com/MrWong99/coachd/internal/observe"
)

// fakeEngine records the session lifecycle calls it receives.
type fakeEngine struct {
	mu      sync.Mutex
	started []string
	ended   int
	endErr  error
}

func (f *fakeEngine) StartSession(_ context.Context, id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, id)
}

func (f *fakeEngine) EndSession(context.Context) (coaching.SessionSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ended++
	if f.endErr != nil {
		return coaching.SessionSummary{}, f.endErr
	}
	return coaching.SessionSummary{SessionID: f.started[len(f.started)-1], Stats: coaching.SessionStats{Shown: 2, Accepted: 1}, AcceptanceRate: 0.5}, nil
}

type fakeTranscript struct {
	mu     sync.Mutex
	resets int
}

func (f *fakeTranscript) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resets++
}

var sessionEpoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func newTestSessionManager(t *testing.T) (*app.SessionManager, *fakeEngine, *fakeTranscript) {
	t.Helper()
	m, err := observe.NewMetrics(noop.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	eng := &fakeEngine{}
	tr := &fakeTranscript{}
	n := 0
	sm := app.NewSessionManager(app.SessionManagerConfig{
		Engine:     eng,
		Transcript: tr,
		Metrics:    m,
		Clock:      clockwork.NewFakeClockAt(sessionEpoch),
		NewID: func() string {
			n++
			return "sess-" + string(rune('0'+n))
		},
	})
	return sm, eng, tr
}

func TestSessionManager_StartStop(t *testing.T) {
	t.Parallel()

	sm, eng, tr := newTestSessionManager(t)

	ctx := context.Background()
	id, err := sm.Start(ctx, "P07")
	if err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	if id != "sess-1" {
		t.Errorf("session ID = %q, want %q", id, "sess-1")
	}
	if !sm.IsActive() {
		t.Fatal("expected session to be active after Start")
	}

	info := sm.Info()
	if info.Label != "P07" {
		t.Errorf("Label = %q, want %q", info.Label, "P07")
	}
	if !info.StartedAt.Equal(sessionEpoch) {
		t.Errorf("StartedAt = %v, want %v", info.StartedAt, sessionEpoch)
	}
	if len(eng.started) != 1 || eng.started[0] != "sess-1" {
		t.Errorf("engine StartSession calls = %v, want [sess-1]", eng.started)
	}
	if tr.resets != 1 {
		t.Errorf("transcript resets = %d, want 1", tr.resets)
	}

	summary, err := sm.Stop(ctx)
	if err != nil {
		t.Fatalf("Stop() error: %v", err)
	}
	if summary.SessionID != "sess-1" || summary.Stats.Shown != 2 {
		t.Errorf("summary = %+v, want session sess-1 with 2 shown", summary)
	}
	if sm.IsActive() {
		t.Fatal("expected session to be inactive after Stop")
	}
	if eng.ended != 1 {
		t.Errorf("engine EndSession calls = %d, want 1", eng.ended)
	}
}

func TestSessionManager_DoubleStart(t *testing.T) {
	t.Parallel()

	sm, eng, _ := newTestSessionManager(t)

	ctx := context.Background()
	if _, err := sm.Start(ctx, ""); err != nil {
		t.Fatalf("first Start() error: %v", err)
	}

	_, err := sm.Start(ctx, "")
	if !errors.Is(err, coaching.ErrSessionActive) {
		t.Fatalf("second Start() error = %v, want ErrSessionActive", err)
	}
	if len(eng.started) != 1 {
		t.Errorf("engine StartSession calls = %d, want 1", len(eng.started))
	}
}

func TestSessionManager_StopWithoutStart(t *testing.T) {
	t.Parallel()

	sm, eng, _ := newTestSessionManager(t)

	_, err := sm.Stop(context.Background())
	if !errors.Is(err, coaching.ErrNoSession) {
		t.Fatalf("Stop() error = %v, want ErrNoSession", err)
	}
	if eng.ended != 0 {
		t.Errorf("engine EndSession calls = %d, want 0", eng.ended)
	}
}

func TestSessionManager_StopWhenEngineLostSession(t *testing.T) {
	t.Parallel()

	sm, eng, _ := newTestSessionManager(t)
	eng.endErr = coaching.ErrNoSession

	if _, err := sm.Start(context.Background(), ""); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	if _, err := sm.Stop(context.Background()); !errors.Is(err, coaching.ErrNoSession) {
		t.Fatalf("Stop() error = %v, want ErrNoSession", err)
	}
	if sm.IsActive() {
		t.Fatal("manager should be inactive even when the engine had no session")
	}
}

func TestSessionManager_Info(t *testing.T) {
	t.Parallel()

	sm, _, _ := newTestSessionManager(t)

	// Info before start should be zero value.
	if info := sm.Info(); info.SessionID != "" {
		t.Errorf("SessionID before start = %q, want empty", info.SessionID)
	}

	if _, err := sm.Start(context.Background(), ""); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	if info := sm.Info(); info.SessionID == "" {
		t.Error("SessionID should not be empty after start")
	}
	if _, err := sm.Stop(context.Background()); err != nil {
		t.Fatalf("Stop() error: %v", err)
	}

	// Info after stop should be zero value.
	if info := sm.Info(); info.SessionID != "" {
		t.Errorf("SessionID after stop = %q, want empty", info.SessionID)
	}
}

func TestSessionManager_SequentialSessionsGetFreshIDs(t *testing.T) {
	t.Parallel()

	sm, eng, tr := newTestSessionManager(t)
	ctx := context.Background()
	for range 2 {
		if _, err := sm.Start(ctx, ""); err != nil {
			t.Fatalf("Start() error: %v", err)
		}
		if _, err := sm.Stop(ctx); err != nil {
			t.Fatalf("Stop() error: %v", err)
		}
	}
	if len(eng.started) != 2 || eng.started[0] == eng.started[1] {
		t.Errorf("session IDs = %v, want two distinct IDs", eng.started)
	}
	if tr.resets != 2 {
		t.Errorf("transcript resets = %d, want 2", tr.resets)
	}
}

func TestSessionManager_ConcurrentAccess(t *testing.T) {
	t.Parallel()

	sm, _, _ := newTestSessionManager(t)

	if _, err := sm.Start(context.Background(), ""); err != nil {
		t.Fatalf("Start() error: %v", err)
	}

	// Concurrent reads should not panic.
	var wg sync.WaitGroup
	for range 20 {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = sm.IsActive()
		}()
		go func() {
			defer wg.Done()
			_ = sm.Info()
		}()
	}
	wg.Wait()

	if _, err := sm.Stop(context.Background()); err != nil {
		t.Fatalf("Stop() error: %v", err)
	}
}
