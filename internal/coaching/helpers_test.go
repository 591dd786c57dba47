package coaching

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/MrWong99/coachd/internal/observe"
)

// fakePrefs is an in-memory [Preferences] for engine and recorder tests.
type fakePrefs struct {
	mu         sync.Mutex
	run        bool
	thresholds ThresholdPolicy
	custom     time.Duration
	hasCustom  bool
	life       LifetimeStats
	enabled    []bool

	// onboardingPending keeps ShouldCoachingRun false whatever the enabled
	// flag says.
	onboardingPending bool
}

func newFakePrefs(th ThresholdPolicy) *fakePrefs {
	return &fakePrefs{run: true, thresholds: th}
}

func (f *fakePrefs) ShouldCoachingRun() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.run && !f.onboardingPending
}

func (f *fakePrefs) EffectiveThresholds() ThresholdPolicy {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.thresholds
}

func (f *fakePrefs) CustomAutoDismiss() (time.Duration, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.custom, f.hasCustom
}

func (f *fakePrefs) Lifetime() LifetimeStats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.life
}

func (f *fakePrefs) SetEnabled(_ context.Context, enabled bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enabled = append(f.enabled, enabled)
	f.run = enabled
}

func (f *fakePrefs) RecordPromptShown(context.Context) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.life.PromptsShown++
}

func (f *fakePrefs) RecordPromptAccepted(context.Context) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.life.PromptsAccepted++
}

func (f *fakePrefs) RecordPromptDismissed(context.Context) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.life.PromptsDismissed++
}

func (f *fakePrefs) RecordSessionCompleted(context.Context) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.life.SessionsCompleted++
}

var testEpoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func noopMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	m, err := observe.NewMetrics(noop.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

// newTestEngine builds an engine on a fake clock and starts session "s1".
func newTestEngine(t *testing.T, prefs *fakePrefs, opts ...Option) (*Engine, *clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClockAt(testEpoch)
	m := noopMetrics(t)
	rec := NewRecorder(prefs, WithRecorderClock(clock), WithRecorderMetrics(m))
	base := []Option{
		WithClock(clock),
		WithMetrics(m),
		WithClassifier(NewClassifier(WithClassifierClock(clock))),
	}
	e := NewEngine(prefs, rec, append(base, opts...)...)
	e.StartSession(context.Background(), "s1")
	t.Cleanup(func() { _, _ = e.EndSession(context.Background()) })
	return e, clock
}

// waitFor polls cond until it holds. Fake-clock AfterFunc callbacks run on
// their own goroutine, so their effects become visible asynchronously.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

// prompt returns a prompt of type t with the given confidence and timestamp.
func prompt(id string, t PromptType, confidence, ts float64) Prompt {
	return Prompt{ID: id, Type: t, Text: "text", Confidence: confidence, SessionTimestamp: ts, CreatedAt: testEpoch}
}
