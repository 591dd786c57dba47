// Package preference persists the interviewer's coaching settings and
// lifetime counters.
//
// The whole state is one JSON document stored under [Key] in a
// [store.KeyValue]. Every mutation is written through synchronously; a failed
// write is logged and counted but the in-memory state stays authoritative,
// so coaching keeps working when the backing store is unavailable.
//
// A freshly created store never lets coaching run: the user must complete
// onboarding and enable coaching explicitly.
package preference

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/MrWong99/coachd/internal/coaching"
	"github.com/MrWong99/coachd/internal/observe"
	"github.com/MrWong99/coachd/pkg/store"
)

// Key is the key-value key holding the preference document.
const Key = "coaching/preferences"

const defaultWriteTimeout = 5 * time.Second

// State is the persisted preference document.
type State struct {
	OnboardingCompleted bool                   `json:"onboarding_completed"`
	Enabled             bool                   `json:"enabled"`
	Level               coaching.Level         `json:"level"`
	CustomSensitivity   float64                `json:"custom_sensitivity"`
	CustomAutoDismiss   *time.Duration         `json:"custom_auto_dismiss,omitempty"`
	Lifetime            coaching.LifetimeStats `json:"lifetime"`
}

// Defaults returns the state of a first-time user.
func Defaults() State {
	return State{
		Level:             coaching.LevelBalanced,
		CustomSensitivity: 1.0,
	}
}

// Compile-time interface check.
var _ coaching.Preferences = (*Store)(nil)

// Store is the persisted preference store. Safe for concurrent use.
type Store struct {
	mu           sync.Mutex
	kv           store.KeyValue
	metrics      *observe.Metrics
	writeTimeout time.Duration
	state        State
}

// Option configures a [Store].
type Option func(*Store)

// WithMetrics sets the metrics sink used to count failed writes.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Store) { s.metrics = m }
}

// WithWriteTimeout bounds every write to the backing store.
func WithWriteTimeout(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.writeTimeout = d
		}
	}
}

// Open loads the preference document from kv. A missing document yields
// [Defaults]; a read or decode failure is returned.
func Open(ctx context.Context, kv store.KeyValue, opts ...Option) (*Store, error) {
	s := &Store{
		kv:           kv,
		writeTimeout: defaultWriteTimeout,
		state:        Defaults(),
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}

	raw, err := kv.Get(ctx, Key)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return s, nil
	case err != nil:
		return nil, fmt.Errorf("preference: load: %w", err)
	}
	if err := json.Unmarshal(raw, &s.state); err != nil {
		return nil, fmt.Errorf("preference: decode: %w", err)
	}
	s.state = normalize(s.state)
	return s, nil
}

// normalize repairs values a hand-edited or older document may carry.
func normalize(st State) State {
	if !st.Level.Valid() {
		st.Level = coaching.LevelBalanced
	}
	if st.CustomSensitivity == 0 {
		st.CustomSensitivity = 1.0
	}
	st.CustomSensitivity = clampSensitivity(st.CustomSensitivity)
	if st.CustomAutoDismiss != nil {
		d := max(*st.CustomAutoDismiss, time.Second)
		st.CustomAutoDismiss = &d
	}
	return st
}

// Snapshot returns a copy of the current state.
func (s *Store) Snapshot() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.state
	if st.CustomAutoDismiss != nil {
		d := *st.CustomAutoDismiss
		st.CustomAutoDismiss = &d
	}
	return st
}

// ShouldCoachingRun reports whether coaching may activate: the user finished
// onboarding, enabled coaching and chose a level other than off.
func (s *Store) ShouldCoachingRun() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Enabled && s.state.OnboardingCompleted && s.state.Level != coaching.LevelOff
}

// EffectiveThresholds returns the preset for the chosen level with the
// custom auto-dismiss and sensitivity applied.
func (s *Store) EffectiveThresholds() coaching.ThresholdPolicy {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := coaching.Preset(s.state.Level)
	if s.state.CustomAutoDismiss != nil {
		p.AutoDismiss = *s.state.CustomAutoDismiss
	}
	p.SensitivityMultiplier = s.state.CustomSensitivity
	return coaching.NewThresholdPolicy(p)
}

// CustomAutoDismiss returns the user's auto-dismiss override, if any.
func (s *Store) CustomAutoDismiss() (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.CustomAutoDismiss == nil {
		return 0, false
	}
	return *s.state.CustomAutoDismiss, true
}

// Lifetime returns the cross-session counters.
func (s *Store) Lifetime() coaching.LifetimeStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Lifetime
}

// AcceptanceRate is lifetime accepted / shown.
func (s *Store) AcceptanceRate() float64 { return s.Lifetime().AcceptanceRate() }

// DismissalRate is lifetime dismissed / shown.
func (s *Store) DismissalRate() float64 { return s.Lifetime().DismissalRate() }

// RecordPromptShown increments the lifetime shown counter.
func (s *Store) RecordPromptShown(ctx context.Context) {
	s.update(ctx, func(st *State) { st.Lifetime.PromptsShown++ })
}

// RecordPromptAccepted increments the lifetime accepted counter.
func (s *Store) RecordPromptAccepted(ctx context.Context) {
	s.update(ctx, func(st *State) { st.Lifetime.PromptsAccepted++ })
}

// RecordPromptDismissed increments the lifetime dismissed counter.
func (s *Store) RecordPromptDismissed(ctx context.Context) {
	s.update(ctx, func(st *State) { st.Lifetime.PromptsDismissed++ })
}

// RecordSessionCompleted increments the completed-session counter.
func (s *Store) RecordSessionCompleted(ctx context.Context) {
	s.update(ctx, func(st *State) { st.Lifetime.SessionsCompleted++ })
}

// SetEnabled records the user's on/off choice.
func (s *Store) SetEnabled(ctx context.Context, enabled bool) {
	s.update(ctx, func(st *State) { st.Enabled = enabled })
}

// CompleteOnboarding marks onboarding as done.
func (s *Store) CompleteOnboarding(ctx context.Context) {
	s.update(ctx, func(st *State) { st.OnboardingCompleted = true })
}

// SetLevel selects a coaching level preset.
func (s *Store) SetLevel(ctx context.Context, level coaching.Level) error {
	if !level.Valid() {
		return fmt.Errorf("preference: invalid level %q", level)
	}
	s.update(ctx, func(st *State) { st.Level = level })
	return nil
}

// SetCustomSensitivity sets the sensitivity multiplier, clamped to
// [coaching.MinSensitivity, coaching.MaxSensitivity].
func (s *Store) SetCustomSensitivity(ctx context.Context, v float64) {
	s.update(ctx, func(st *State) { st.CustomSensitivity = clampSensitivity(v) })
}

// SetCustomAutoDismiss overrides the preset auto-dismiss delay. Values below
// one second are raised to one second.
func (s *Store) SetCustomAutoDismiss(ctx context.Context, d time.Duration) {
	d = max(d, time.Second)
	s.update(ctx, func(st *State) { st.CustomAutoDismiss = &d })
}

// ClearCustomAutoDismiss removes the auto-dismiss override.
func (s *Store) ClearCustomAutoDismiss(ctx context.Context) {
	s.update(ctx, func(st *State) { st.CustomAutoDismiss = nil })
}

// Reset zeroes the lifetime counters. Settings are kept.
func (s *Store) Reset(ctx context.Context) {
	s.update(ctx, func(st *State) { st.Lifetime = coaching.LifetimeStats{} })
}

// update applies fn and writes the document while holding the lock so that
// concurrent mutations reach the store in order.
func (s *Store) update(ctx context.Context, fn func(*State)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.state)

	data, err := json.Marshal(s.state)
	if err != nil {
		slog.Error("preference: encode", "err", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.writeTimeout)
	defer cancel()
	if err := s.kv.Set(ctx, Key, data); err != nil {
		slog.Error("preference: persist failed", "err", err)
		s.metrics.RecordStoreError(ctx, "preferences")
	}
}

func clampSensitivity(v float64) float64 {
	if math.IsNaN(v) {
		return coaching.MinSensitivity
	}
	return min(max(v, coaching.MinSensitivity), coaching.MaxSensitivity)
}
