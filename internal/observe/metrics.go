// Package observe provides application-wide observability primitives for
// coachd: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all coachd metrics.
const meterName = "github.com/MrWong99/coachd"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// PromptResponseTime tracks the delay between showing a prompt and the
	// interviewer (or the auto-dismiss timer) resolving it. Use with
	// attribute:
	//   attribute.String("response", ...)
	PromptResponseTime metric.Float64Histogram

	// SuggestDuration tracks suggester provider latency.
	SuggestDuration metric.Float64Histogram

	// --- Counters ---

	// PromptsShown counts prompts surfaced to the interviewer. Use with
	// attribute:
	//   attribute.String("type", ...)
	PromptsShown metric.Int64Counter

	// PromptResponses counts resolved prompts. Use with attribute:
	//   attribute.String("response", ...)
	PromptResponses metric.Int64Counter

	// PromptsRejected counts prompts discarded before display. Use with
	// attribute:
	//   attribute.String("reason", ...)
	PromptsRejected metric.Int64Counter

	// PromptsRouted counts validated prompts by delivery mode. Use with
	// attribute:
	//   attribute.String("mode", ...)
	PromptsRouted metric.Int64Counter

	// SuggestRequests counts suggester calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("status", ...)
	SuggestRequests metric.Int64Counter

	// --- Error counters ---

	// StoreErrors counts persistence failures. Use with attribute:
	//   attribute.String("op", ...)
	StoreErrors metric.Int64Counter

	// --- Gauges ---

	// QueuePending tracks the number of prompts waiting in the engine's
	// pending queue.
	QueuePending metric.Int64UpDownCounter

	// ActiveSessions tracks the number of live coaching sessions.
	ActiveSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// provider round trips.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30,
}

// responseBuckets defines histogram bucket boundaries (in seconds) for
// human response times to a visible prompt.
var responseBuckets = []float64{
	0.5, 1, 2, 3, 5, 8, 10, 15, 30,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.PromptResponseTime, err = m.Float64Histogram("coachd.prompt.response_time",
		metric.WithDescription("Time from showing a prompt to its resolution."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(responseBuckets...),
	); err != nil {
		return nil, err
	}
	if met.SuggestDuration, err = m.Float64Histogram("coachd.suggest.duration",
		metric.WithDescription("Latency of suggester provider calls."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.PromptsShown, err = m.Int64Counter("coachd.prompts.shown",
		metric.WithDescription("Total prompts shown by intent type."),
	); err != nil {
		return nil, err
	}
	if met.PromptResponses, err = m.Int64Counter("coachd.prompts.responses",
		metric.WithDescription("Total resolved prompts by response kind."),
	); err != nil {
		return nil, err
	}
	if met.PromptsRejected, err = m.Int64Counter("coachd.prompts.rejected",
		metric.WithDescription("Total prompts discarded before display by reason."),
	); err != nil {
		return nil, err
	}
	if met.PromptsRouted, err = m.Int64Counter("coachd.prompts.routed",
		metric.WithDescription("Total validated prompts by delivery mode."),
	); err != nil {
		return nil, err
	}
	if met.SuggestRequests, err = m.Int64Counter("coachd.suggest.requests",
		metric.WithDescription("Total suggester requests by provider and status."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.StoreErrors, err = m.Int64Counter("coachd.store.errors",
		metric.WithDescription("Total persistence failures by operation."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.QueuePending, err = m.Int64UpDownCounter("coachd.queue.pending",
		metric.WithDescription("Number of prompts waiting in the pending queue."),
	); err != nil {
		return nil, err
	}
	if met.ActiveSessions, err = m.Int64UpDownCounter("coachd.active_sessions",
		metric.WithDescription("Number of live coaching sessions."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("coachd.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordPromptShown records a shown prompt of the given intent type.
func (m *Metrics) RecordPromptShown(ctx context.Context, promptType string) {
	m.PromptsShown.Add(ctx, 1, metric.WithAttributes(attribute.String("type", promptType)))
}

// RecordPromptResponse records a resolved prompt and, when latency is
// positive, its response time in seconds.
func (m *Metrics) RecordPromptResponse(ctx context.Context, response string, latencySeconds float64) {
	attrs := metric.WithAttributes(attribute.String("response", response))
	m.PromptResponses.Add(ctx, 1, attrs)
	if latencySeconds > 0 {
		m.PromptResponseTime.Record(ctx, latencySeconds, attrs)
	}
}

// RecordPromptRejected records a prompt discarded before display.
func (m *Metrics) RecordPromptRejected(ctx context.Context, reason string) {
	m.PromptsRejected.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordPromptRouted records a validated prompt handed to a delivery mode.
func (m *Metrics) RecordPromptRouted(ctx context.Context, mode string) {
	m.PromptsRouted.Add(ctx, 1, metric.WithAttributes(attribute.String("mode", mode)))
}

// RecordSuggestRequest records a suggester call with its latency.
func (m *Metrics) RecordSuggestRequest(ctx context.Context, provider, status string, seconds float64) {
	attrs := metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("status", status),
	)
	m.SuggestRequests.Add(ctx, 1, attrs)
	m.SuggestDuration.Record(ctx, seconds, attrs)
}

// RecordStoreError records a persistence failure for the given operation.
func (m *Metrics) RecordStoreError(ctx context.Context, op string) {
	m.StoreErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("op", op)))
}
