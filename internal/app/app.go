// Package app wires all coachd subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves HTTP and drives the background loops (overlay view
// model, LLM suggester), and Shutdown tears everything down in order.
//
// For testing, inject doubles via functional options (WithStore, WithClock,
// WithMetrics). When an option is not provided, New builds real
// implementations from the config and the [Providers] passed in by main.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/coachd/internal/api"
	"github.com/MrWong99/coachd/internal/coaching"
	"github.com/MrWong99/coachd/internal/config"
	"github.com/MrWong99/coachd/internal/health"
	"github.com/MrWong99/coachd/internal/mcp/coachtools"
	"github.com/MrWong99/coachd/internal/observe"
	"github.com/MrWong99/coachd/internal/overlay"
	"github.com/MrWong99/coachd/internal/preference"
	"github.com/MrWong99/coachd/internal/resilience"
	"github.com/MrWong99/coachd/internal/suggest"
	"github.com/MrWong99/coachd/pkg/store"
)

const (
	eventBuffer     = 64
	shutdownTimeout = 10 * time.Second
)

// Providers holds the externally constructed backends. Populated by main.go
// via the config registry.
type Providers struct {
	// Store is the primary storage backend. Required unless [WithStore] is used.
	Store store.Store

	// Fallback, when non-nil, takes over while Store's breaker is open.
	Fallback store.Store

	// Suggester is nil when no LLM suggester is configured.
	Suggester suggest.Provider
}

// App owns all subsystem lifetimes.
type App struct {
	cfgMu sync.Mutex
	cfg   *config.Config

	providers *Providers
	version   string
	clock     clockwork.Clock
	metrics   *observe.Metrics
	level     *slog.LevelVar

	// Subsystems: initialised in New, torn down in Shutdown.
	store    store.Store
	prefs    *preference.Store
	engine   *coaching.Engine
	view     *overlay.ViewModel
	runner   *suggest.Runner
	sessions *SessionManager
	handler  http.Handler
	server   *http.Server

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithStore injects a storage backend instead of wrapping the providers'
// stores in a [resilience.Store].
func WithStore(s store.Store) Option {
	return func(a *App) { a.store = s }
}

// WithClock sets the clock shared by the engine, overlay and suggester.
func WithClock(c clockwork.Clock) Option {
	return func(a *App) { a.clock = c }
}

// WithMetrics sets the metrics instance. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLogLevel hands the app the level variable of the process logger so
// that log_level changes apply without a restart.
func WithLogLevel(lv *slog.LevelVar) Option {
	return func(a *App) { a.level = lv }
}

// WithVersion sets the version reported by the MCP server.
func WithVersion(v string) Option {
	return func(a *App) { a.version = v }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The providers struct
// comes from main.go (populated via the config registry).
//
// New performs all initialisation synchronously: store wrapping, preference
// loading, engine and delivery router construction (which restores the
// persisted delivery mode and pull queue), suggester and MCP setup, and the
// HTTP handler tree.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	a := &App{
		cfg:       cfg,
		providers: providers,
		version:   "dev",
	}
	for _, o := range opts {
		o(a)
	}
	if a.providers == nil {
		a.providers = &Providers{}
	}
	if a.clock == nil {
		a.clock = clockwork.NewRealClock()
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	if err := a.initStore(); err != nil {
		return nil, err
	}
	if err := a.initCoaching(ctx); err != nil {
		return nil, err
	}
	a.initSuggester()
	a.initHTTP()
	return a, nil
}

// initStore wraps the configured backends in a resilient store.
func (a *App) initStore() error {
	if a.store != nil {
		return nil
	}
	if a.providers.Store == nil {
		return errors.New("app: no storage backend configured")
	}
	rs := resilience.NewStore(a.providers.Store, a.cfg.Storage.Backend, resilience.FallbackConfig{
		CircuitBreaker: resilience.CircuitBreakerConfig{
			MaxFailures:  3,
			ResetTimeout: 30 * time.Second,
			HalfOpenMax:  1,
			Clock:        a.clock,
		},
	})
	if a.providers.Fallback != nil {
		rs.AddFallback(a.cfg.Storage.Fallback, a.providers.Fallback)
	}
	a.store = rs
	a.closers = append(a.closers, rs.Close)
	return nil
}

// initCoaching builds the preference store, recorder, delivery router,
// engine and overlay view model.
func (a *App) initCoaching(ctx context.Context) error {
	co := a.cfg.Coaching
	wt := a.cfg.Storage.WriteTimeout

	prefs, err := preference.Open(ctx, a.store,
		preference.WithMetrics(a.metrics),
		preference.WithWriteTimeout(wt),
	)
	if err != nil {
		return fmt.Errorf("app: %w", err)
	}
	a.prefs = prefs

	recorder := coaching.NewRecorder(prefs,
		coaching.WithEventLog(a.store),
		coaching.WithSummaryStore(a.store),
		coaching.WithRecorderClock(a.clock),
		coaching.WithRecorderMetrics(a.metrics),
		coaching.WithWriteTimeout(wt),
	)

	routerOpts := []coaching.RouterOption{
		coaching.WithRouterStore(a.store),
		coaching.WithPreviewLimit(co.PreviewLimit),
	}
	if co.DeliveryMode != "" {
		mode, err := coaching.ParseDeliveryMode(co.DeliveryMode)
		if err != nil {
			return fmt.Errorf("app: %w", err)
		}
		routerOpts = append(routerOpts, coaching.WithInitialMode(mode))
	}
	router := coaching.NewRouter(ctx, routerOpts...)

	classifier := coaching.NewClassifier(
		coaching.WithClassifierClock(a.clock),
		coaching.WithFuzzyThreshold(co.FuzzyThreshold),
	)

	a.engine = coaching.NewEngine(prefs, recorder,
		coaching.WithClock(a.clock),
		coaching.WithMetrics(a.metrics),
		coaching.WithClassifier(classifier),
		coaching.WithRouter(router),
		coaching.WithSettleDelay(co.SettleDelay),
		coaching.WithRetryDelay(co.RetryFloor, co.RetryMargin),
	)
	a.view = overlay.New(overlay.WithClock(a.clock))

	slog.Info("coaching engine ready",
		"delivery_mode", router.Mode(),
		"level", prefs.Snapshot().Level,
		"coaching_enabled", prefs.ShouldCoachingRun(),
	)
	return nil
}

// initSuggester creates the suggest runner and the session manager.
func (a *App) initSuggester() {
	smCfg := SessionManagerConfig{
		Engine:  a.engine,
		Metrics: a.metrics,
		Clock:   a.clock,
	}
	if p := a.providers.Suggester; p != nil {
		sg := a.cfg.Suggester
		a.runner = suggest.NewRunner(p, a.engine,
			suggest.WithInterval(sg.Interval),
			suggest.WithWindow(sg.Window),
			suggest.WithTimeout(sg.Timeout),
			suggest.WithClock(a.clock),
			suggest.WithMetrics(a.metrics),
		)
		smCfg.Transcript = a.runner
	}
	a.sessions = NewSessionManager(smCfg)
}

// initHTTP assembles the health checks, MCP server and API router.
func (a *App) initHTTP() {
	checkers := []health.Checker{health.Ping("store", a.store)}
	if a.runner != nil {
		checkers = append(checkers, health.Checker{Name: "suggester", Check: a.runner.Ping, Optional: true})
	}

	deps := api.Deps{
		Engine:      a.engine,
		Preferences: a.prefs,
		Sessions:    a.sessions,
		View:        a.view,
		Health:      health.New(checkers...),
		Metrics:     a.metrics,
	}
	if a.runner != nil {
		deps.Transcript = a.runner
	}
	if a.cfg.MCP.Enabled {
		deps.MCP = coachtools.Handler(coachtools.NewServer(a.engine, a.version))
		deps.MCPPath = a.cfg.MCP.Path
	}
	a.handler = api.NewRouter(deps)
	a.server = &http.Server{
		Addr:              a.cfg.Server.ListenAddr,
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Engine returns the coaching engine.
func (a *App) Engine() *coaching.Engine { return a.engine }

// Sessions returns the session manager.
func (a *App) Sessions() *SessionManager { return a.sessions }

// Handler returns the HTTP handler tree.
func (a *App) Handler() http.Handler { return a.handler }

// Config returns the config currently in effect.
func (a *App) Config() *config.Config {
	a.cfgMu.Lock()
	defer a.cfgMu.Unlock()
	return a.cfg
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves HTTP on the configured address and drives the background loops
// until ctx is cancelled or one of them fails.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.server.Addr)
	if err != nil {
		return fmt.Errorf("app: listen on %s: %w", a.server.Addr, err)
	}
	return a.Serve(ctx, ln)
}

// Serve is [App.Run] on an existing listener.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	g, ctx := errgroup.WithContext(ctx)

	events, cancelEvents := a.engine.Subscribe(eventBuffer)
	defer cancelEvents()
	g.Go(func() error {
		a.view.Run(ctx, events)
		return nil
	})

	if a.runner != nil {
		g.Go(func() error { return a.runner.Run(ctx) })
	}

	g.Go(func() error {
		slog.Info("http server listening", "addr", ln.Addr().String(), "tls", a.cfg.Server.TLS != nil)
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = a.server.ServeTLS(ln, tls.CertFile, tls.KeyFile)
		} else {
			err = a.server.Serve(ln)
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: http server: %w", err)
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if err := a.server.Shutdown(shutdownCtx); err != nil {
			slog.Warn("http server shutdown", "err", err)
		}
		return nil
	})

	return g.Wait()
}

// ─── Live config ─────────────────────────────────────────────────────────────

// ApplyConfig applies the hot-reloadable parts of next (log level, delivery
// mode, suggester interval) and logs the sections that need a restart.
// It is meant to be used as a [config.Watcher] callback.
func (a *App) ApplyConfig(ctx context.Context, next *config.Config) config.ConfigDiff {
	a.cfgMu.Lock()
	defer a.cfgMu.Unlock()

	d := config.Diff(a.cfg, next)
	if d.LogLevelChanged && a.level != nil {
		a.level.Set(d.NewLogLevel.SlogLevel())
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.DeliveryModeChanged {
		mode, err := coaching.ParseDeliveryMode(d.NewDeliveryMode)
		if err == nil {
			err = a.engine.Router().SetMode(ctx, mode)
		}
		if err != nil {
			slog.Warn("config reload: delivery mode not applied", "mode", d.NewDeliveryMode, "err", err)
		} else {
			slog.Info("delivery mode changed", "mode", mode)
		}
	}
	if d.SuggesterIntervalChanged && a.runner != nil {
		a.runner.SetInterval(d.NewSuggesterInterval)
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config changes require a restart to take effect", "sections", d.RestartRequired)
	}
	a.cfg = next
	return d
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown ends a running session (so its summary is flushed) and tears down
// all subsystems in init order. It respects the context deadline: if ctx
// expires before all closers finish, remaining closers are skipped and the
// context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		if a.sessions.IsActive() {
			if _, err := a.sessions.Stop(ctx); err != nil {
				slog.Warn("end session on shutdown", "err", err)
			}
		}

		// Run closers in order.
		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}
