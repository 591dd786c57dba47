// Package suggest turns a live interview transcript into coaching
// function-call events by periodically asking an LLM [Provider] which
// coaching intents, if any, apply to the most recent utterances.
//
// A [Runner] keeps a bounded window of utterances, wakes on a ticker and,
// when new utterances arrived since the last request, calls the provider
// through a circuit breaker and feeds every returned event to a [Sink]
// (normally the coaching engine).
package suggest

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel/attribute"

	"github.com/MrWong99/coachd/internal/coaching"
	"github.com/MrWong99/coachd/internal/observe"
	"github.com/MrWong99/coachd/internal/resilience"
)

// Utterance is one transcribed turn of the conversation.
type Utterance struct {
	Speaker   string  `json:"speaker"`
	Text      string  `json:"text"`
	Timestamp float64 `json:"timestamp"`
}

// Provider asks a model for coaching intents.
type Provider interface {
	// Name identifies the provider in logs and metrics.
	Name() string

	// Suggest inspects window (oldest first) and returns zero or more
	// function-call events stamped with ts.
	Suggest(ctx context.Context, window []Utterance, ts float64) ([]coaching.FunctionCallEvent, error)
}

// Sink consumes suggested events. [*coaching.Engine] satisfies it.
type Sink interface {
	ProcessFunctionCallEvent(ctx context.Context, ev coaching.FunctionCallEvent) coaching.Outcome
}

// Runner defaults.
const (
	DefaultInterval = 5 * time.Second
	DefaultWindow   = 20
	DefaultTimeout  = 15 * time.Second
)

// Runner batches utterances and polls a [Provider]. Safe for concurrent use.
type Runner struct {
	provider Provider
	sink     Sink
	clock    clockwork.Clock
	metrics  *observe.Metrics
	breaker  *resilience.CircuitBreaker
	cbConfig resilience.CircuitBreakerConfig
	timeout  time.Duration

	intervalCh chan time.Duration

	mu       sync.Mutex
	window   []Utterance
	size     int
	interval time.Duration
	dirty    bool
}

// RunnerOption configures a [Runner].
type RunnerOption func(*Runner)

// WithInterval sets the polling interval.
func WithInterval(d time.Duration) RunnerOption {
	return func(r *Runner) {
		if d > 0 {
			r.interval = d
		}
	}
}

// WithWindow sets how many recent utterances are sent per request.
func WithWindow(n int) RunnerOption {
	return func(r *Runner) {
		if n > 0 {
			r.size = n
		}
	}
}

// WithTimeout bounds each provider request.
func WithTimeout(d time.Duration) RunnerOption {
	return func(r *Runner) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithClock sets the clock that drives the ticker and the breaker.
func WithClock(c clockwork.Clock) RunnerOption {
	return func(r *Runner) {
		r.clock = c
	}
}

// WithMetrics sets the metrics instance. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) RunnerOption {
	return func(r *Runner) {
		r.metrics = m
	}
}

// WithBreaker replaces the default circuit breaker settings. The clock
// passed via [WithClock] is used unless cfg sets one.
func WithBreaker(cfg resilience.CircuitBreakerConfig) RunnerOption {
	return func(r *Runner) {
		r.cbConfig = cfg
	}
}

// NewRunner creates a runner that forwards p's suggestions to sink.
func NewRunner(p Provider, sink Sink, opts ...RunnerOption) *Runner {
	r := &Runner{
		provider:   p,
		sink:       sink,
		clock:      clockwork.NewRealClock(),
		timeout:    DefaultTimeout,
		intervalCh: make(chan time.Duration, 1),
		size:       DefaultWindow,
		interval:   DefaultInterval,
		cbConfig: resilience.CircuitBreakerConfig{
			Name:         "suggester/" + p.Name(),
			MaxFailures:  3,
			ResetTimeout: time.Minute,
			HalfOpenMax:  1,
		},
	}
	for _, o := range opts {
		o(r)
	}
	if r.metrics == nil {
		r.metrics = observe.DefaultMetrics()
	}
	if r.cbConfig.Clock == nil {
		r.cbConfig.Clock = r.clock
	}
	r.breaker = resilience.NewCircuitBreaker(r.cbConfig)
	return r
}

// Name returns the provider name.
func (r *Runner) Name() string { return r.provider.Name() }

// AddUtterance appends u to the window, evicting the oldest entry when the
// window is full. Blank utterances are ignored.
func (r *Runner) AddUtterance(u Utterance) {
	if u.Text == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.window = append(r.window, u)
	if over := len(r.window) - r.size; over > 0 {
		r.window = append(r.window[:0], r.window[over:]...)
	}
	r.dirty = true
}

// Window returns a copy of the buffered utterances, oldest first.
func (r *Runner) Window() []Utterance {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Utterance(nil), r.window...)
}

// Reset drops the buffered utterances, e.g. when a new session starts.
func (r *Runner) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.window = nil
	r.dirty = false
}

// SetInterval changes the polling interval of a running loop.
func (r *Runner) SetInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	r.mu.Lock()
	r.interval = d
	r.mu.Unlock()
	select {
	case r.intervalCh <- d:
	default:
		// A pending change is already queued; drain it and send the newest.
		select {
		case <-r.intervalCh:
		default:
		}
		select {
		case r.intervalCh <- d:
		default:
		}
	}
}

// Interval returns the current polling interval.
func (r *Runner) Interval() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.interval
}

// Ping reports [resilience.ErrCircuitOpen] while the provider's breaker is
// open. It is used as an optional readiness check.
func (r *Runner) Ping(context.Context) error {
	if r.breaker.State() == resilience.StateOpen {
		return resilience.ErrCircuitOpen
	}
	return nil
}

// Run polls the provider until ctx is cancelled. It always returns nil.
func (r *Runner) Run(ctx context.Context) error {
	ticker := r.clock.NewTicker(r.Interval())
	defer ticker.Stop()

	slog.Info("suggester started", "provider", r.provider.Name(), "interval", r.Interval())
	for {
		select {
		case <-ctx.Done():
			slog.Info("suggester stopped", "provider", r.provider.Name())
			return nil
		case d := <-r.intervalCh:
			ticker.Reset(d)
			slog.Info("suggester interval changed", "interval", d)
		case <-ticker.Chan():
			r.tick(ctx)
		}
	}
}

// tick runs one request if new utterances arrived since the last one.
func (r *Runner) tick(ctx context.Context) {
	r.mu.Lock()
	if !r.dirty || len(r.window) == 0 {
		r.mu.Unlock()
		return
	}
	window := append([]Utterance(nil), r.window...)
	r.dirty = false
	r.mu.Unlock()

	ctx, span := observe.StartSpan(ctx, "suggest.request")
	defer span.End()
	span.SetAttributes(
		attribute.String("provider", r.provider.Name()),
		attribute.Int("window", len(window)),
	)

	ts := window[len(window)-1].Timestamp
	start := r.clock.Now()
	var events []coaching.FunctionCallEvent
	err := r.breaker.Execute(func() error {
		reqCtx, cancel := context.WithTimeout(ctx, r.timeout)
		defer cancel()
		var err error
		events, err = r.provider.Suggest(reqCtx, window, ts)
		return err
	})
	elapsed := r.clock.Since(start).Seconds()

	observe.RecordError(span, err)

	switch {
	case errors.Is(err, resilience.ErrCircuitOpen):
		r.metrics.RecordSuggestRequest(ctx, r.provider.Name(), "circuit_open", elapsed)
		r.markDirty()
		return
	case err != nil:
		r.metrics.RecordSuggestRequest(ctx, r.provider.Name(), "error", elapsed)
		if ctx.Err() == nil {
			observe.Logger(ctx).Warn("suggester request failed", "provider", r.provider.Name(), "err", err)
		}
		r.markDirty()
		return
	}
	r.metrics.RecordSuggestRequest(ctx, r.provider.Name(), "ok", elapsed)
	span.SetAttributes(attribute.Int("events", len(events)))

	for _, ev := range events {
		out := r.sink.ProcessFunctionCallEvent(ctx, ev)
		observe.Logger(ctx).Debug("suggestion forwarded", "name", ev.Name, "outcome", out)
	}
}

// markDirty schedules a retry of the same window on the next tick.
func (r *Runner) markDirty() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.window) > 0 {
		r.dirty = true
	}
}
