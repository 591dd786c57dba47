package coaching

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/MrWong99/coachd/internal/observe"
)

// Sentinel errors returned by the engine's control surface.
var (
	// ErrNoSession is returned when an operation needs an active session.
	ErrNoSession = errors.New("coaching: no active session")

	// ErrSessionActive is returned when a session is started while another
	// one is still running.
	ErrSessionActive = errors.New("coaching: a session is already active")

	// ErrNoPrompt is returned when a response targets an empty prompt slot.
	ErrNoPrompt = errors.New("coaching: no prompt is visible")

	// ErrPromptActive is returned by PullNext while a prompt is visible.
	ErrPromptActive = errors.New("coaching: a prompt is already visible")

	// ErrQueueEmpty is returned by PullNext when the pull queue holds no
	// prompt that is still valid.
	ErrQueueEmpty = errors.New("coaching: pull queue is empty")

	// ErrDisabled is returned by PullNext while coaching is switched off.
	ErrDisabled = errors.New("coaching: coaching is disabled")
)

// Scheduling defaults.
const (
	DefaultSettleDelay = 500 * time.Millisecond
	DefaultRetryFloor  = time.Second
	DefaultRetryMargin = 500 * time.Millisecond
)

// Outcome reports what happened to an inbound prompt.
type Outcome string

const (
	OutcomeShown     Outcome = "shown"
	OutcomeQueued    Outcome = "queued"
	OutcomePulled    Outcome = "pull_queued"
	OutcomePreviewed Outcome = "previewed"
	OutcomeRejected  Outcome = "rejected"
	OutcomeDropped   Outcome = "dropped"
)

// Rejection reasons recorded in metrics and logs.
const (
	rejectMaxPrompts    = "max_prompts"
	rejectLowConfidence = "low_confidence"
	rejectUnclassified  = "unclassified"
	rejectDisabled      = "disabled"
)

// State is a point-in-time view of the engine.
type State struct {
	SessionID         string          `json:"session_id,omitempty"`
	Active            bool            `json:"active"`
	Enabled           bool            `json:"enabled"`
	Mode              DeliveryMode    `json:"delivery_mode"`
	Thresholds        ThresholdPolicy `json:"thresholds"`
	Current           *Prompt         `json:"current,omitempty"`
	Pending           []Prompt        `json:"pending"`
	PromptCount       int             `json:"prompt_count"`
	Timestamp         float64         `json:"timestamp"`
	CooldownRemaining time.Duration   `json:"cooldown_remaining"`
	SpeechRemaining   time.Duration   `json:"speech_quiet_remaining"`
}

// Engine is the per-session coaching state machine. One mutex guards all
// state; the auto-dismiss and retry timers re-check the session epoch (and
// the prompt ID) under that mutex before acting, so whichever of a timer or
// a user action clears the current prompt first wins and the other becomes
// a no-op.
type Engine struct {
	mu sync.Mutex

	clock      clockwork.Clock
	prefs      Preferences
	recorder   *Recorder
	router     *Router
	classifier *Classifier
	metrics    *observe.Metrics
	bus        *bus

	settleDelay time.Duration
	retryFloor  time.Duration
	retryMargin time.Duration

	sessionID    string
	active       bool
	epoch        uint64
	enabled      bool
	thresholds   ThresholdPolicy
	current      *Prompt
	pending      promptQueue
	promptCount  int
	lastShownAt  time.Time
	lastSpeechAt time.Time
	timestamp    float64
	dismissTimer clockwork.Timer
	retryTimer   clockwork.Timer
}

// Option configures an [Engine].
type Option func(*Engine)

// WithClock sets the clock driving cooldowns and timers.
func WithClock(c clockwork.Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *observe.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithClassifier overrides the default classifier.
func WithClassifier(c *Classifier) Option {
	return func(e *Engine) { e.classifier = c }
}

// WithRouter sets the delivery-mode router. Without one the engine runs in
// realtime mode with an unpersisted router.
func WithRouter(r *Router) Option {
	return func(e *Engine) { e.router = r }
}

// WithSettleDelay sets the pause between a user response and the next
// queue drain.
func WithSettleDelay(d time.Duration) Option {
	return func(e *Engine) {
		if d >= 0 {
			e.settleDelay = d
		}
	}
}

// WithRetryDelay sets the minimum retry delay and the margin added to the
// remaining cooldown or speech-quiet time when a drain is blocked.
func WithRetryDelay(floor, margin time.Duration) Option {
	return func(e *Engine) {
		if floor > 0 {
			e.retryFloor = floor
		}
		if margin >= 0 {
			e.retryMargin = margin
		}
	}
}

// NewEngine returns an engine with no active session.
func NewEngine(prefs Preferences, recorder *Recorder, opts ...Option) *Engine {
	e := &Engine{
		clock:       clockwork.NewRealClock(),
		prefs:       prefs,
		recorder:    recorder,
		bus:         newBus(),
		settleDelay: DefaultSettleDelay,
		retryFloor:  DefaultRetryFloor,
		retryMargin: DefaultRetryMargin,
	}
	for _, o := range opts {
		o(e)
	}
	if e.metrics == nil {
		e.metrics = observe.DefaultMetrics()
	}
	if e.classifier == nil {
		e.classifier = NewClassifier(WithClassifierClock(e.clock))
	}
	if e.router == nil {
		e.router = NewRouter(context.Background())
	}
	return e
}

// Recorder returns the engine's event recorder.
func (e *Engine) Recorder() *Recorder { return e.recorder }

// Router returns the engine's delivery-mode router.
func (e *Engine) Router() *Router { return e.router }

// Subscribe returns a channel of state-change events and a cancel function
// that unsubscribes and closes the channel. Events are dropped for a
// subscriber whose buffer is full.
func (e *Engine) Subscribe(buffer int) (<-chan Event, func()) {
	return e.bus.subscribe(buffer)
}

// StartSession begins a new session. Any session still running is ended
// first. Coaching is enabled only when the preferences allow it.
func (e *Engine) StartSession(ctx context.Context, sessionID string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.active {
		slog.Warn("coaching: starting a session while another is active", "previous", e.sessionID, "next", sessionID)
		e.endLocked(ctx)
	}

	e.stopTimersLocked()
	e.epoch++
	e.sessionID = sessionID
	e.active = true
	e.current = nil
	e.dropPendingLocked(ctx)
	e.promptCount = 0
	e.lastShownAt = time.Time{}
	e.lastSpeechAt = time.Time{}
	e.timestamp = 0
	e.enabled = e.prefs.ShouldCoachingRun()
	e.thresholds = e.recorder.AdaptiveThresholds(e.prefs.EffectiveThresholds())
	e.recorder.StartSession(sessionID)

	th := e.thresholds
	slog.Info("coaching session started",
		"session_id", sessionID,
		"enabled", e.enabled,
		"min_confidence", th.EffectiveConfidenceThreshold(),
		"cooldown", th.EffectiveCooldown(),
		"max_prompts", th.MaxPromptsPerSession,
	)
	e.publishLocked(Event{Kind: EventSessionStarted, Thresholds: &th})
}

// EndSession cancels pending timers, clears the current prompt without
// recording a response, flushes the session summary and drops the queue.
func (e *Engine) EndSession(ctx context.Context) (SessionSummary, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.active {
		return SessionSummary{}, ErrNoSession
	}
	return e.endLocked(ctx), nil
}

func (e *Engine) endLocked(ctx context.Context) SessionSummary {
	e.stopTimersLocked()
	e.epoch++
	if e.current != nil {
		e.clearLocked(ClearSessionEnded)
	}
	summary := e.recorder.FlushSession(ctx)
	e.prefs.RecordSessionCompleted(ctx)
	e.dropPendingLocked(ctx)
	e.active = false
	e.enabled = false
	e.publishLocked(Event{Kind: EventSessionEnded})
	slog.Info("coaching session ended", "session_id", e.sessionID, "prompts_shown", e.promptCount)
	return summary
}

// ProcessFunctionCallEvent classifies ev and queues the resulting prompt.
// Events are dropped while coaching is disabled or when no intent matches.
func (e *Engine) ProcessFunctionCallEvent(ctx context.Context, ev FunctionCallEvent) Outcome {
	_, out := e.Submit(ctx, ev)
	return out
}

// Submit is [Engine.ProcessFunctionCallEvent] that also returns the
// classified prompt. The prompt is zero when the event was dropped before
// classification or matched no intent.
func (e *Engine) Submit(ctx context.Context, ev FunctionCallEvent) (Prompt, Outcome) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.active || !e.enabled {
		slog.Debug("coaching: event dropped while disabled", "name", ev.Name)
		return Prompt{}, OutcomeDropped
	}
	if ev.Timestamp > e.timestamp {
		e.timestamp = ev.Timestamp
	}
	p, ok := e.classifier.Classify(ev.Name, ev.Arguments, ev.Timestamp)
	if !ok {
		e.metrics.RecordPromptRejected(ctx, rejectUnclassified)
		return Prompt{}, OutcomeDropped
	}
	return p, e.queueLocked(ctx, p)
}

// QueuePrompt validates p and hands it to the active delivery mode. In
// realtime mode it is shown when the gates allow, otherwise it waits in the
// pending queue ordered by priority then timestamp.
func (e *Engine) QueuePrompt(ctx context.Context, p Prompt) Outcome {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.queueLocked(ctx, p)
}

func (e *Engine) queueLocked(ctx context.Context, p Prompt) Outcome {
	if !e.active || !e.enabled {
		e.metrics.RecordPromptRejected(ctx, rejectDisabled)
		return OutcomeDropped
	}
	if ok, reason := e.validateLocked(p); !ok {
		slog.Debug("coaching: prompt rejected", "prompt_id", p.ID, "type", p.Type, "confidence", p.Confidence, "reason", reason)
		e.metrics.RecordPromptRejected(ctx, reason)
		return OutcomeRejected
	}

	mode := e.router.Route(ctx, p)
	e.metrics.RecordPromptRouted(ctx, string(mode))
	switch mode {
	case ModePull:
		slog.Debug("coaching: prompt parked in pull queue", "prompt_id", p.ID, "type", p.Type)
		return OutcomePulled
	case ModePreview:
		slog.Debug("coaching: prompt logged for preview", "prompt_id", p.ID, "type", p.Type)
		return OutcomePreviewed
	}

	if e.canShowNowLocked() {
		e.showLocked(ctx, p)
		return OutcomeShown
	}
	e.pending.push(p)
	e.metrics.QueuePending.Add(ctx, 1)
	e.publishLocked(Event{Kind: EventQueueChanged})
	if e.current == nil {
		e.scheduleRetryLocked(e.retryDelayLocked())
	}
	return OutcomeQueued
}

// Validate reports whether p passes the max-prompts and confidence gates of
// the current session.
func (e *Engine) Validate(p Prompt) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	ok, _ := e.validateLocked(p)
	return ok
}

func (e *Engine) validateLocked(p Prompt) (bool, string) {
	if e.promptCount >= e.thresholds.MaxPromptsPerSession {
		return false, rejectMaxPrompts
	}
	if p.Confidence < e.thresholds.EffectiveConfidenceThreshold() {
		return false, rejectLowConfidence
	}
	return true, ""
}

// CanShowNow reports whether a prompt could be shown immediately: nothing
// is visible, the cooldown has elapsed and speech has been quiet long
// enough.
func (e *Engine) CanShowNow() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.canShowNowLocked()
}

func (e *Engine) canShowNowLocked() bool {
	return e.current == nil && e.cooldownRemainingLocked() <= 0 && e.speechRemainingLocked() <= 0
}

func (e *Engine) cooldownRemainingLocked() time.Duration {
	if e.lastShownAt.IsZero() {
		return 0
	}
	return max(e.thresholds.EffectiveCooldown()-e.clock.Since(e.lastShownAt), 0)
}

func (e *Engine) speechRemainingLocked() time.Duration {
	if e.lastSpeechAt.IsZero() {
		return 0
	}
	return max(e.thresholds.SpeechQuiet-e.clock.Since(e.lastSpeechAt), 0)
}

func (e *Engine) retryDelayLocked() time.Duration {
	return max(e.retryFloor,
		e.cooldownRemainingLocked()+e.retryMargin,
		e.speechRemainingLocked()+e.retryMargin,
	)
}

func (e *Engine) autoDismissLocked() time.Duration {
	d := e.thresholds.AutoDismiss
	if custom, ok := e.prefs.CustomAutoDismiss(); ok && custom < d {
		d = custom
	}
	return d
}

func (e *Engine) showLocked(ctx context.Context, p Prompt) {
	e.recorder.RecordShown(ctx, p, e.timestamp)
	e.lastShownAt = e.clock.Now()
	e.current = &p
	e.promptCount++

	if e.retryTimer != nil {
		e.retryTimer.Stop()
		e.retryTimer = nil
	}
	if e.dismissTimer != nil {
		e.dismissTimer.Stop()
	}
	epoch, id := e.epoch, p.ID
	e.dismissTimer = e.clock.AfterFunc(e.autoDismissLocked(), func() {
		e.onAutoDismiss(epoch, id)
	})

	slog.Info("coaching prompt shown", "session_id", e.sessionID, "prompt_id", p.ID, "type", p.Type, "count", e.promptCount)
	e.publishLocked(Event{Kind: EventPromptShown, Prompt: &p})
}

func (e *Engine) onAutoDismiss(epoch uint64, promptID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if epoch != e.epoch || e.current == nil || e.current.ID != promptID {
		return
	}
	ctx := context.Background()
	e.dismissTimer = nil
	e.recorder.RecordAutoDismiss(ctx, promptID)
	e.clearLocked(ClearAutoDismissed)
	e.drainLocked(ctx)
}

// clearLocked empties the prompt slot and publishes the transition. It does
// not record a response.
func (e *Engine) clearLocked(reason ClearReason) {
	p := e.current
	e.current = nil
	e.publishLocked(Event{Kind: EventPromptCleared, Prompt: p, Reason: reason})
}

// Dismiss resolves the visible prompt with resp, then drains the pending
// queue after the settle delay.
func (e *Engine) Dismiss(ctx context.Context, resp Response) error {
	if _, err := ParseResponse(string(resp)); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.current == nil {
		return ErrNoPrompt
	}

	if e.dismissTimer != nil {
		e.dismissTimer.Stop()
		e.dismissTimer = nil
	}
	id := e.current.ID
	e.recorder.RecordResponse(ctx, id, resp)
	if resp == ResponseSnoozed {
		e.lastShownAt = e.clock.Now()
	}
	e.clearLocked(clearReasonFor(resp))
	e.scheduleRetryLocked(e.settleDelay)
	return nil
}

// Accept resolves the visible prompt as accepted.
func (e *Engine) Accept(ctx context.Context) error {
	return e.Dismiss(ctx, ResponseAccepted)
}

// Snooze resolves the visible prompt as snoozed and restarts the cooldown,
// deferring the next prompt. The snoozed prompt is not shown again.
func (e *Engine) Snooze(ctx context.Context) error {
	return e.Dismiss(ctx, ResponseSnoozed)
}

// drainLocked shows the most urgent pending prompt that still validates.
// When a gate blocks, a retry is scheduled instead of spinning.
func (e *Engine) drainLocked(ctx context.Context) {
	for e.active && e.enabled && e.pending.len() > 0 {
		if !e.canShowNowLocked() {
			if e.current == nil {
				e.scheduleRetryLocked(e.retryDelayLocked())
			}
			return
		}
		p, _ := e.pending.pop()
		e.metrics.QueuePending.Add(ctx, -1)
		e.publishLocked(Event{Kind: EventQueueChanged})
		if ok, reason := e.validateLocked(p); !ok {
			slog.Debug("coaching: queued prompt invalidated", "prompt_id", p.ID, "type", p.Type, "reason", reason)
			e.metrics.RecordPromptRejected(ctx, reason)
			continue
		}
		e.showLocked(ctx, p)
		return
	}
}

func (e *Engine) scheduleRetryLocked(d time.Duration) {
	if e.retryTimer != nil {
		e.retryTimer.Stop()
	}
	epoch := e.epoch
	e.retryTimer = e.clock.AfterFunc(d, func() {
		e.onRetry(epoch)
	})
}

func (e *Engine) onRetry(epoch uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if epoch != e.epoch {
		return
	}
	e.retryTimer = nil
	e.drainLocked(context.Background())
}

func (e *Engine) stopTimersLocked() {
	if e.dismissTimer != nil {
		e.dismissTimer.Stop()
		e.dismissTimer = nil
	}
	if e.retryTimer != nil {
		e.retryTimer.Stop()
		e.retryTimer = nil
	}
}

func (e *Engine) dropPendingLocked(ctx context.Context) {
	if n := e.pending.clear(); n > 0 {
		e.metrics.QueuePending.Add(ctx, -int64(n))
		e.publishLocked(Event{Kind: EventQueueChanged})
	}
}

// NotifySpeechDetected restarts the speech-quiet window.
func (e *Engine) NotifySpeechDetected() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lastSpeechAt = e.clock.Now()
}

// UpdateTimestamp records the driver's session timestamp in seconds.
func (e *Engine) UpdateTimestamp(ts float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.timestamp = ts
}

// Enable turns coaching on and persists the choice. A running session only
// activates when the preferences now allow coaching at all, so an
// unfinished onboarding or the "off" level still keep it silent.
func (e *Engine) Enable(ctx context.Context) {
	e.prefs.SetEnabled(ctx, true)
	run := e.prefs.ShouldCoachingRun()
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.active || e.enabled || !run {
		return
	}
	e.enabled = true
	e.publishLocked(Event{Kind: EventEnabledChanged})
	if e.current == nil {
		e.drainLocked(ctx)
	}
}

// Disable turns coaching off and persists the choice. A visible prompt is
// withdrawn without recording a response; queued prompts are kept.
func (e *Engine) Disable(ctx context.Context) {
	e.prefs.SetEnabled(ctx, false)
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.enabled {
		return
	}
	e.enabled = false
	e.stopTimersLocked()
	if e.current != nil {
		e.clearLocked(ClearDisabled)
	}
	e.publishLocked(Event{Kind: EventEnabledChanged})
}

// PullNext shows the most urgent prompt from the pull queue. Pulling is an
// explicit request, so the cooldown and speech gates do not apply, but each
// pulled prompt is validated again: the queue outlives sessions, and a
// prompt that no longer passes is discarded in favour of the next one.
func (e *Engine) PullNext(ctx context.Context) (Prompt, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.active {
		return Prompt{}, ErrNoSession
	}
	if !e.enabled {
		return Prompt{}, ErrDisabled
	}
	if e.current != nil {
		return Prompt{}, ErrPromptActive
	}
	for {
		p, ok := e.router.PullNext(ctx)
		if !ok {
			return Prompt{}, ErrQueueEmpty
		}
		if valid, reason := e.validateLocked(p); !valid {
			slog.Debug("coaching: pulled prompt invalidated", "prompt_id", p.ID, "type", p.Type, "reason", reason)
			e.metrics.RecordPromptRejected(ctx, reason)
			continue
		}
		e.showLocked(ctx, p)
		return p, nil
	}
}

// CurrentPrompt returns the visible prompt, if any.
func (e *Engine) CurrentPrompt() (Prompt, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.current == nil {
		return Prompt{}, false
	}
	return *e.current, true
}

// Thresholds returns the policy of the current session.
func (e *Engine) Thresholds() ThresholdPolicy {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.thresholds
}

// PromptCount returns the number of prompts shown this session.
func (e *Engine) PromptCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.promptCount
}

// State returns a snapshot of the engine.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := State{
		SessionID:         e.sessionID,
		Active:            e.active,
		Enabled:           e.enabled,
		Mode:              e.router.Mode(),
		Thresholds:        e.thresholds,
		Pending:           e.pending.snapshot(),
		PromptCount:       e.promptCount,
		Timestamp:         e.timestamp,
		CooldownRemaining: e.cooldownRemainingLocked(),
		SpeechRemaining:   e.speechRemainingLocked(),
	}
	if e.current != nil {
		p := *e.current
		s.Current = &p
	}
	return s
}

func (e *Engine) publishLocked(ev Event) {
	ev.SessionID = e.sessionID
	ev.At = e.clock.Now()
	ev.QueueLen = e.pending.len()
	ev.Enabled = e.enabled
	ev.Cooldown = e.cooldownRemainingLocked()
	e.bus.publish(ev)
}
