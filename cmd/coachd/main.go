// Command coachd is the main entry point for the interview coaching server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.opentelemetry.io/otel"

	"github.com/MrWong99/coachd/internal/app"
	"github.com/MrWong99/coachd/internal/config"
	"github.com/MrWong99/coachd/internal/observe"
	"github.com/MrWong99/coachd/internal/suggest"
	"github.com/MrWong99/coachd/internal/suggest/openai"
	"github.com/MrWong99/coachd/pkg/store"
	"github.com/MrWong99/coachd/pkg/store/file"
	"github.com/MrWong99/coachd/pkg/store/memory"
	"github.com/MrWong99/coachd/pkg/store/postgres"
	"github.com/MrWong99/coachd/pkg/store/sqlite"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "", "path to the YAML configuration file (defaults and environment only when empty)")
	envFile := flag.String("env-file", ".env", "optional dotenv file loaded before the environment is read")
	flag.Parse()

	// ── Environment ───────────────────────────────────────────────────────────
	if err := loadEnvFile(*envFile); err != nil {
		fmt.Fprintf(os.Stderr, "coachd: %v\n", err)
		return 1
	}

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.LoadWithEnv(*configPath, nil)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "coachd: config file %q not found\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "coachd: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	slog.SetDefault(newLogger(level, cfg.Server.LogLevel))

	slog.Info("coachd starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Observability ─────────────────────────────────────────────────────────
	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "coachd",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		tctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(tctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()
	metrics, err := observe.NewMetrics(otel.GetMeterProvider())
	if err != nil {
		slog.Error("failed to create metrics", "err", err)
		return 1
	}

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltins(reg)

	providers, err := buildProviders(ctx, cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg)

	application, err := app.New(ctx, cfg, providers,
		app.WithLogLevel(level),
		app.WithMetrics(metrics),
		app.WithVersion(version),
	)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		closeProviders(providers)
		return 1
	}

	// ── Config hot reload ─────────────────────────────────────────────────────
	if *configPath != "" {
		w, err := config.NewWatcher(*configPath, func(_, next *config.Config) {
			application.ApplyConfig(ctx, next)
		}, config.WithEnv(os.LookupEnv))
		if err != nil {
			slog.Warn("config hot reload disabled", "err", err)
		} else {
			defer w.Stop()
		}
	}

	slog.Info("server ready, press Ctrl+C to shut down")

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutdown signal received, stopping…")

	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// loadEnvFile loads path into the process environment without overriding
// variables that are already set. A missing file is not an error.
func loadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load env file %q: %w", path, err)
	}
	return nil
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltins wires every storage backend and suggester provider that
// ships with coachd into reg.
func registerBuiltins(reg *config.Registry) {
	// ── Storage ───────────────────────────────────────────────────────────────

	reg.RegisterBackend(config.BackendMemory, func(context.Context, config.StorageConfig) (store.Store, error) {
		return memory.New(), nil
	})

	reg.RegisterBackend(config.BackendJSON, func(_ context.Context, sc config.StorageConfig) (store.Store, error) {
		return file.Open(sc.Path)
	})

	reg.RegisterBackend(config.BackendSQLite, func(ctx context.Context, sc config.StorageConfig) (store.Store, error) {
		return sqlite.Open(ctx, sc.Path)
	})

	reg.RegisterBackend(config.BackendPostgres, func(ctx context.Context, sc config.StorageConfig) (store.Store, error) {
		return postgres.Connect(ctx, sc.DSN)
	})

	// ── Suggester ─────────────────────────────────────────────────────────────

	reg.RegisterSuggester("openai", func(sc config.SuggesterConfig) (suggest.Provider, error) {
		return openai.New(openai.Config{
			APIKey:  sc.APIKey,
			BaseURL: sc.BaseURL,
			Model:   sc.Model,
		})
	})

	for _, name := range reg.Backends() {
		slog.Debug("registered storage backend", "name", name)
	}
}

// buildProviders opens the configured storage backends and suggester and
// returns them in an [app.Providers] struct for the application to consume.
func buildProviders(ctx context.Context, cfg *config.Config, reg *config.Registry) (*app.Providers, error) {
	ps := &app.Providers{}

	primary, err := reg.CreateBackend(ctx, cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("create storage backend: %w", err)
	}
	ps.Store = primary
	slog.Info("storage opened", "backend", cfg.Storage.Backend)

	fallback, err := reg.CreateFallback(ctx, cfg.Storage)
	if err != nil {
		closeProviders(ps)
		return nil, fmt.Errorf("create storage fallback: %w", err)
	}
	if fallback != nil {
		ps.Fallback = fallback
		slog.Info("storage fallback opened", "backend", cfg.Storage.Fallback)
	}

	if name := cfg.Suggester.Provider; name != "" {
		p, err := reg.CreateSuggester(cfg.Suggester)
		if errors.Is(err, config.ErrProviderNotRegistered) {
			slog.Warn("suggester provider not available, continuing without it", "name", name)
		} else if err != nil {
			closeProviders(ps)
			return nil, fmt.Errorf("create suggester %q: %w", name, err)
		} else {
			ps.Suggester = p
			slog.Info("provider created", "kind", "suggester", "name", name, "model", cfg.Suggester.Model)
		}
	}

	return ps, nil
}

// closeProviders releases the stores in ps when startup is aborted before
// the application takes ownership of them.
func closeProviders(ps *app.Providers) {
	for _, s := range []store.Store{ps.Store, ps.Fallback} {
		if s == nil {
			continue
		}
		if err := s.Close(); err != nil {
			slog.Warn("store close error", "err", err)
		}
	}
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║         coachd · startup summary      ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("Storage", cfg.Storage.Backend)
	printRow("Fallback", orNone(cfg.Storage.Fallback))
	printRow("Delivery mode", orNone(cfg.Coaching.DeliveryMode))
	suggester := "(disabled)"
	if cfg.Suggester.Provider != "" {
		suggester = cfg.Suggester.Provider + " / " + cfg.Suggester.Model
	}
	printRow("Suggester", suggester)
	if cfg.MCP.Enabled {
		printRow("MCP", cfg.MCP.Path)
	} else {
		printRow("MCP", "(disabled)")
	}
	if cfg.Server.TLS != nil {
		printRow("TLS", "enabled")
	}
	printRow("Listen addr", cfg.Server.ListenAddr)
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printRow(label, value string) {
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-14s  : %-19s ║\n", label, value)
}

func orNone(s string) string {
	if s == "" {
		return "(none)"
	}
	return s
}

// ── Logger ─────────────────────────────────────────────────────────────────────

// newLogger returns a text logger whose level is controlled by lv, so a
// config reload can change verbosity without rebuilding the handler.
func newLogger(lv *slog.LevelVar, level config.LogLevel) *slog.Logger {
	lv.Set(level.SlogLevel())
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lv}))
}
