package coaching

import (
	"cmp"
	"context"
	"encoding/json"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/MrWong99/coachd/internal/observe"
	"github.com/MrWong99/coachd/pkg/store"
)

// Adaptive threshold rules.
const (
	adaptiveMinShown       = 10
	dismissalRateTrigger   = 0.7
	acceptanceRateTrigger  = 0.8
	dismissalConfidenceAdd = 0.05
	dismissalConfidenceCap = 0.95
	dismissalCooldownScale = 1.2
	dismissalMaxFloor      = 2
	dismissalSensScale     = 0.8
	acceptConfidenceSub    = 0.03
	acceptConfidenceFloor  = 0.70
	acceptCooldownScale    = 0.9
	effectiveMinShown      = 3
	defaultWriteTimeout    = 5 * time.Second
	summaryKeyPrefix       = "coaching/sessions/"
)

// SummaryKey returns the key-value key under which a session summary is
// persisted.
func SummaryKey(sessionID string) string {
	return summaryKeyPrefix + sessionID + "/summary"
}

// LifetimeStats are the cross-session counters kept by [Preferences].
type LifetimeStats struct {
	SessionsCompleted int `json:"sessions_completed"`
	PromptsShown      int `json:"prompts_shown"`
	PromptsAccepted   int `json:"prompts_accepted"`
	PromptsDismissed  int `json:"prompts_dismissed"`
}

// AcceptanceRate is accepted / shown, or 0 when nothing was shown yet.
func (s LifetimeStats) AcceptanceRate() float64 {
	return ratio(s.PromptsAccepted, s.PromptsShown)
}

// DismissalRate is dismissed / shown, or 0 when nothing was shown yet.
func (s LifetimeStats) DismissalRate() float64 {
	return ratio(s.PromptsDismissed, s.PromptsShown)
}

// Preferences is the persisted per-user state the engine and recorder read
// and update. Implementations persist every mutation synchronously and log
// (rather than return) storage failures.
type Preferences interface {
	ShouldCoachingRun() bool
	EffectiveThresholds() ThresholdPolicy
	CustomAutoDismiss() (time.Duration, bool)
	Lifetime() LifetimeStats
	SetEnabled(ctx context.Context, enabled bool)
	RecordPromptShown(ctx context.Context)
	RecordPromptAccepted(ctx context.Context)
	RecordPromptDismissed(ctx context.Context)
	RecordSessionCompleted(ctx context.Context)
}

// EventRecord is the log row kept for every shown prompt.
type EventRecord struct {
	Prompt
	ShownAt        time.Time     `json:"shown_at"`
	ShownTimestamp float64       `json:"shown_timestamp"`
	Response       Response      `json:"response"`
	RespondedAt    *time.Time    `json:"responded_at,omitempty"`
	ResponseTime   time.Duration `json:"response_time"`
}

// SessionStats aggregates the current session's records.
type SessionStats struct {
	Shown             int           `json:"shown"`
	Accepted          int           `json:"accepted"`
	Dismissed         int           `json:"dismissed"`
	Snoozed           int           `json:"snoozed"`
	TimedOut          int           `json:"timed_out"`
	TotalResponseTime time.Duration `json:"total_response_time"`
	Duration          time.Duration `json:"duration"`
}

// AcceptanceRate is accepted / shown, or 0 when nothing was shown.
func (s SessionStats) AcceptanceRate() float64 {
	return ratio(s.Accepted, s.Shown)
}

// AverageResponseTime is the mean latency of user responses. Timeouts are
// not user responses and are excluded.
func (s SessionStats) AverageResponseTime() time.Duration {
	n := s.Accepted + s.Dismissed + s.Snoozed
	if n == 0 {
		return 0
	}
	return s.TotalResponseTime / time.Duration(n)
}

// TypeAnalytics summarises one intent over the current session.
type TypeAnalytics struct {
	Type                PromptType    `json:"type"`
	Shown               int           `json:"shown"`
	Accepted            int           `json:"accepted"`
	Dismissed           int           `json:"dismissed"`
	AcceptanceRate      float64       `json:"acceptance_rate"`
	AverageResponseTime time.Duration `json:"average_response_time"`
}

// SessionSummary is produced when a session ends.
type SessionSummary struct {
	SessionID      string          `json:"session_id"`
	StartedAt      time.Time       `json:"started_at"`
	EndedAt        time.Time       `json:"ended_at"`
	Stats          SessionStats    `json:"stats"`
	AcceptanceRate float64         `json:"acceptance_rate"`
	Types          []TypeAnalytics `json:"types,omitempty"`
	MostEffective  []PromptType    `json:"most_effective,omitempty"`
}

// Recorder keeps the per-session event log, derives statistics and adaptive
// thresholds, and mirrors events to an optional durable [store.EventLog].
// Safe for concurrent use.
type Recorder struct {
	mu sync.Mutex

	prefs        Preferences
	events       store.EventLog
	summaries    store.KeyValue
	clock        clockwork.Clock
	metrics      *observe.Metrics
	writeTimeout time.Duration

	sessionID string
	startedAt time.Time
	records   []EventRecord
	index     map[string]int
	stats     SessionStats
}

// RecorderOption configures a [Recorder].
type RecorderOption func(*Recorder)

// WithEventLog mirrors every record to log.
func WithEventLog(log store.EventLog) RecorderOption {
	return func(r *Recorder) { r.events = log }
}

// WithSummaryStore persists session summaries to kv.
func WithSummaryStore(kv store.KeyValue) RecorderOption {
	return func(r *Recorder) { r.summaries = kv }
}

// WithRecorderClock sets the clock used for shown/responded instants.
func WithRecorderClock(c clockwork.Clock) RecorderOption {
	return func(r *Recorder) { r.clock = c }
}

// WithRecorderMetrics sets the metrics sink.
func WithRecorderMetrics(m *observe.Metrics) RecorderOption {
	return func(r *Recorder) { r.metrics = m }
}

// WithWriteTimeout bounds every durable write.
func WithWriteTimeout(d time.Duration) RecorderOption {
	return func(r *Recorder) {
		if d > 0 {
			r.writeTimeout = d
		}
	}
}

// NewRecorder returns a recorder backed by prefs for lifetime counters.
func NewRecorder(prefs Preferences, opts ...RecorderOption) *Recorder {
	r := &Recorder{
		prefs:        prefs,
		clock:        clockwork.NewRealClock(),
		writeTimeout: defaultWriteTimeout,
		index:        make(map[string]int),
	}
	for _, o := range opts {
		o(r)
	}
	if r.metrics == nil {
		r.metrics = observe.DefaultMetrics()
	}
	return r
}

// StartSession clears all session-scoped state.
func (r *Recorder) StartSession(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessionID = sessionID
	r.startedAt = r.clock.Now()
	r.records = nil
	r.index = make(map[string]int)
	r.stats = SessionStats{}
}

// RecordShown appends a record for p shown at session timestamp ts and bumps
// the session and lifetime counters.
func (r *Recorder) RecordShown(ctx context.Context, p Prompt, ts float64) EventRecord {
	r.mu.Lock()
	rec := EventRecord{
		Prompt:         p,
		ShownAt:        r.clock.Now(),
		ShownTimestamp: ts,
		Response:       ResponseNotResponded,
	}
	r.index[p.ID] = len(r.records)
	r.records = append(r.records, rec)
	r.stats.Shown++
	sessionID := r.sessionID
	r.mu.Unlock()

	r.prefs.RecordPromptShown(ctx)
	r.metrics.RecordPromptShown(ctx, string(p.Type))

	if r.events != nil {
		ev := toStoreEvent(sessionID, rec)
		r.persist(ctx, "append_event", func(ctx context.Context) error {
			return r.events.AppendEvent(ctx, ev)
		})
	}
	return rec
}

// RecordResponse resolves the record for promptID. Unknown IDs are logged
// and ignored; a record that already holds a response is left untouched.
func (r *Recorder) RecordResponse(ctx context.Context, promptID string, resp Response) {
	r.mu.Lock()
	i, ok := r.index[promptID]
	if !ok {
		r.mu.Unlock()
		slog.Warn("coaching: response for unknown prompt ignored", "prompt_id", promptID, "response", resp)
		return
	}
	rec := &r.records[i]
	if rec.RespondedAt != nil {
		r.mu.Unlock()
		slog.Debug("coaching: prompt already resolved", "prompt_id", promptID, "response", rec.Response, "ignored", resp)
		return
	}

	now := r.clock.Now()
	rec.Response = resp
	rec.RespondedAt = &now
	rec.ResponseTime = now.Sub(rec.ShownAt)

	switch resp {
	case ResponseAccepted:
		r.stats.Accepted++
	case ResponseDismissed:
		r.stats.Dismissed++
	case ResponseSnoozed:
		r.stats.Snoozed++
	case ResponseNotResponded:
		r.stats.TimedOut++
	}
	if resp != ResponseNotResponded {
		r.stats.TotalResponseTime += rec.ResponseTime
	}
	updated := *rec
	sessionID := r.sessionID
	r.mu.Unlock()

	switch resp {
	case ResponseAccepted:
		r.prefs.RecordPromptAccepted(ctx)
	case ResponseDismissed:
		r.prefs.RecordPromptDismissed(ctx)
	}
	latency := 0.0
	if resp != ResponseNotResponded {
		latency = updated.ResponseTime.Seconds()
	}
	r.metrics.RecordPromptResponse(ctx, string(resp), latency)

	if r.events != nil {
		ev := toStoreEvent(sessionID, updated)
		r.persist(ctx, "update_event", func(ctx context.Context) error {
			return r.events.UpdateEvent(ctx, ev)
		})
	}
}

// RecordAutoDismiss resolves promptID as not responded.
func (r *Recorder) RecordAutoDismiss(ctx context.Context, promptID string) {
	r.RecordResponse(ctx, promptID, ResponseNotResponded)
}

// AdaptiveThresholds adjusts base from lifetime behaviour. With fewer than
// ten lifetime prompts base is returned unchanged. The dismissal rule runs
// first and the acceptance rule is applied to its result, so when both
// trigger their effects compound.
func (r *Recorder) AdaptiveThresholds(base ThresholdPolicy) ThresholdPolicy {
	life := r.prefs.Lifetime()
	if life.PromptsShown < adaptiveMinShown {
		return base
	}

	p := base
	if life.DismissalRate() > dismissalRateTrigger {
		if p.MinimumConfidence < dismissalConfidenceCap {
			p.MinimumConfidence = min(p.MinimumConfidence+dismissalConfidenceAdd, dismissalConfidenceCap)
		}
		p.Cooldown = scaleDuration(p.Cooldown, dismissalCooldownScale)
		if p.MaxPromptsPerSession > dismissalMaxFloor {
			p.MaxPromptsPerSession--
		}
		p.SensitivityMultiplier *= dismissalSensScale
	}
	if life.AcceptanceRate() > acceptanceRateTrigger {
		if p.MinimumConfidence > acceptConfidenceFloor {
			p.MinimumConfidence = max(p.MinimumConfidence-acceptConfidenceSub, acceptConfidenceFloor)
		}
		p.Cooldown = scaleDuration(p.Cooldown, acceptCooldownScale)
	}
	return NewThresholdPolicy(p)
}

// Records returns a copy of the current session's records in shown order.
func (r *Recorder) Records() []EventRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.records)
}

// Stats returns the current session statistics.
func (r *Recorder) Stats() SessionStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.statsLocked()
}

func (r *Recorder) statsLocked() SessionStats {
	s := r.stats
	if !r.startedAt.IsZero() {
		s.Duration = r.clock.Since(r.startedAt)
	}
	return s
}

// TypeAnalytics summarises t over the current session.
func (r *Recorder) TypeAnalytics(t PromptType) TypeAnalytics {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.typeAnalyticsLocked(t)
}

func (r *Recorder) typeAnalyticsLocked(t PromptType) TypeAnalytics {
	a := TypeAnalytics{Type: t}
	var total time.Duration
	var responded int
	for _, rec := range r.records {
		if rec.Type != t {
			continue
		}
		a.Shown++
		switch rec.Response {
		case ResponseAccepted:
			a.Accepted++
		case ResponseDismissed:
			a.Dismissed++
		}
		if rec.RespondedAt != nil && rec.Response != ResponseNotResponded {
			total += rec.ResponseTime
			responded++
		}
	}
	a.AcceptanceRate = ratio(a.Accepted, a.Shown)
	if responded > 0 {
		a.AverageResponseTime = total / time.Duration(responded)
	}
	return a
}

// MostEffectiveTypes returns the intents shown at least three times this
// session, by descending acceptance rate. Ties keep priority order.
func (r *Recorder) MostEffectiveTypes() []PromptType {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.mostEffectiveLocked()
}

func (r *Recorder) mostEffectiveLocked() []PromptType {
	var candidates []TypeAnalytics
	for _, t := range promptTypes {
		if a := r.typeAnalyticsLocked(t); a.Shown >= effectiveMinShown {
			candidates = append(candidates, a)
		}
	}
	slices.SortStableFunc(candidates, func(a, b TypeAnalytics) int {
		return cmp.Compare(b.AcceptanceRate, a.AcceptanceRate)
	})
	out := make([]PromptType, len(candidates))
	for i, a := range candidates {
		out[i] = a.Type
	}
	return out
}

// FlushSession computes the session summary, logs it and persists it when a
// summary store is configured.
func (r *Recorder) FlushSession(ctx context.Context) SessionSummary {
	r.mu.Lock()
	sum := SessionSummary{
		SessionID:     r.sessionID,
		StartedAt:     r.startedAt,
		EndedAt:       r.clock.Now(),
		Stats:         r.statsLocked(),
		MostEffective: r.mostEffectiveLocked(),
	}
	for _, t := range promptTypes {
		if a := r.typeAnalyticsLocked(t); a.Shown > 0 {
			sum.Types = append(sum.Types, a)
		}
	}
	r.mu.Unlock()
	sum.AcceptanceRate = sum.Stats.AcceptanceRate()

	slog.Info("coaching session summary",
		"session_id", sum.SessionID,
		"shown", sum.Stats.Shown,
		"accepted", sum.Stats.Accepted,
		"dismissed", sum.Stats.Dismissed,
		"snoozed", sum.Stats.Snoozed,
		"timed_out", sum.Stats.TimedOut,
		"acceptance_rate", sum.AcceptanceRate,
		"duration", sum.Stats.Duration,
	)

	if r.summaries != nil && sum.SessionID != "" {
		data, err := json.Marshal(sum)
		if err != nil {
			slog.Error("coaching: encode session summary", "session_id", sum.SessionID, "err", err)
			return sum
		}
		r.persist(ctx, "session_summary", func(ctx context.Context) error {
			return r.summaries.Set(ctx, SummaryKey(sum.SessionID), data)
		})
	}
	return sum
}

// persist runs a durable write with a bounded context. Failures are logged
// and counted; in-memory state stays authoritative.
func (r *Recorder) persist(ctx context.Context, op string, fn func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.writeTimeout)
	defer cancel()
	if err := fn(ctx); err != nil {
		slog.Error("coaching: persistence failed", "op", op, "err", err)
		r.metrics.RecordStoreError(ctx, op)
	}
}

func toStoreEvent(sessionID string, rec EventRecord) store.Event {
	return store.Event{
		SessionID:        sessionID,
		PromptID:         rec.ID,
		Type:             string(rec.Type),
		Text:             rec.Text,
		Reason:           rec.Reason,
		Confidence:       rec.Confidence,
		SessionTimestamp: rec.ShownTimestamp,
		CreatedAt:        rec.CreatedAt,
		ShownAt:          rec.ShownAt,
		Response:         string(rec.Response),
		RespondedAt:      rec.RespondedAt,
		ResponseTime:     rec.ResponseTime.Seconds(),
	}
}

func ratio(n, d int) float64 {
	if d == 0 {
		return 0
	}
	return float64(n) / float64(d)
}
