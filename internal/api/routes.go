// Package api exposes the coaching engine over HTTP: a JSON control surface
// under /api/v1 for the transcript driver and the overlay client, a
// websocket stream of engine events and overlay views, and the operational
// /healthz, /readyz and /metrics endpoints.
package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/coachd/internal/coaching"
	"github.com/MrWong99/coachd/internal/health"
	"github.com/MrWong99/coachd/internal/observe"
	"github.com/MrWong99/coachd/internal/overlay"
	"github.com/MrWong99/coachd/internal/preference"
	"github.com/MrWong99/coachd/internal/suggest"
)

// Sessions starts and stops coaching sessions.
type Sessions interface {
	Start(ctx context.Context, label string) (string, error)
	Stop(ctx context.Context) (coaching.SessionSummary, error)
	IsActive() bool
}

// Transcript receives utterances for the LLM suggester.
type Transcript interface {
	AddUtterance(u suggest.Utterance)
}

// Deps holds everything the router serves. Engine, Preferences and Sessions
// are required; the rest are optional.
type Deps struct {
	Engine      *coaching.Engine
	Preferences *preference.Store
	Sessions    Sessions

	// Transcript is nil when no suggester is configured; transcript events
	// then only advance the session clock.
	Transcript Transcript

	// View feeds the stream endpoint with overlay states.
	View *overlay.ViewModel

	// Health serves /healthz and /readyz. Defaults to a checker-less handler.
	Health *health.Handler

	// Metrics records HTTP request metrics. Defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// MetricsHandler serves /metrics. Defaults to [promhttp.Handler].
	MetricsHandler http.Handler

	// MCP, when set, is mounted at MCPPath.
	MCP     http.Handler
	MCPPath string
}

// NewRouter builds the HTTP handler tree.
func NewRouter(d Deps) *chi.Mux {
	if d.Health == nil {
		d.Health = health.New()
	}
	if d.Metrics == nil {
		d.Metrics = observe.DefaultMetrics()
	}
	if d.MetricsHandler == nil {
		d.MetricsHandler = promhttp.Handler()
	}

	r := chi.NewRouter()

	// Global middleware
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(observe.Middleware(d.Metrics))

	h := &Handlers{
		engine:     d.Engine,
		prefs:      d.Preferences,
		sessions:   d.Sessions,
		transcript: d.Transcript,
		view:       d.View,
	}

	// Operational endpoints
	d.Health.Register(r)
	r.Handle("/metrics", d.MetricsHandler)
	if d.MCP != nil && d.MCPPath != "" {
		r.Handle(d.MCPPath, d.MCP)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/preferences", func(r chi.Router) {
			r.Get("/", h.GetPreferences)
			r.Put("/", h.UpdatePreferences)
			r.Post("/enable", h.EnableCoaching)
			r.Post("/disable", h.DisableCoaching)
			r.Post("/onboarding", h.CompleteOnboarding)
		})

		r.Post("/sessions", h.StartSession)
		r.Get("/sessions/current", h.CurrentSession)
		r.Delete("/sessions/current", h.StopSession)

		r.Route("/events", func(r chi.Router) {
			r.Post("/function-call", h.FunctionCall)
			r.Post("/speech", h.Speech)
			r.Post("/timestamp", h.Timestamp)
			r.Post("/transcript", h.TranscriptLine)
		})

		r.Get("/prompt", h.GetPrompt)
		r.Post("/prompt/accept", h.respond(coaching.ResponseAccepted))
		r.Post("/prompt/dismiss", h.respond(coaching.ResponseDismissed))
		r.Post("/prompt/snooze", h.respond(coaching.ResponseSnoozed))

		r.Get("/delivery-mode", h.GetDeliveryMode)
		r.Put("/delivery-mode", h.SetDeliveryMode)
		r.Get("/pull", h.PullQueue)
		r.Post("/pull/next", h.PullNext)
		r.Delete("/pull", h.ClearPull)
		r.Get("/preview", h.Preview)
		r.Delete("/preview", h.ClearPreview)

		r.Route("/analytics", func(r chi.Router) {
			r.Get("/types/{type}", h.TypeAnalytics)
			r.Get("/effective", h.MostEffective)
			r.Get("/thresholds", h.Thresholds)
			r.Get("/records", h.Records)
		})

		r.Get("/stream", h.Stream)
	})

	return r
}
