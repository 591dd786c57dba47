// Package config defines the coachd configuration schema, its YAML loader,
// environment overlay, hot-reload watcher and the registry that maps storage
// backend and suggester provider names to constructors.
package config

import (
	"log/slog"
	"time"

	"github.com/MrWong99/coachd/internal/coaching"
)

// LogLevel controls log verbosity for the coachd server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is one of the recognised log levels.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError, "":
		return true
	}
	return false
}

// SlogLevel converts l to the matching [slog.Level]. The empty level maps
// to info.
func (l LogLevel) SlogLevel() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	}
	return slog.LevelInfo
}

// Storage backend names accepted by [StorageConfig.Backend].
const (
	BackendMemory   = "memory"
	BackendJSON     = "json"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
)

// Config is the root configuration structure for coachd.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Storage   StorageConfig   `yaml:"storage"`
	Coaching  CoachingConfig  `yaml:"coaching"`
	Suggester SuggesterConfig `yaml:"suggester"`
	MCP       MCPConfig       `yaml:"mcp"`
}

// ServerConfig holds network and logging settings for the HTTP server.
type ServerConfig struct {
	// ListenAddr is the TCP address the HTTP server binds to (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity. Hot-reloadable.
	LogLevel LogLevel `yaml:"log_level"`

	// TLS enables HTTPS when non-nil.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig points at the certificate and private key used for HTTPS.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// StorageConfig selects where preferences, delivery queues and the
// coaching event log are persisted.
type StorageConfig struct {
	// Backend is one of memory, json, sqlite or postgres.
	Backend string `yaml:"backend"`

	// Path is the file used by the json and sqlite backends.
	Path string `yaml:"path"`

	// DSN is the PostgreSQL connection string for the postgres backend.
	DSN string `yaml:"dsn"`

	// Fallback optionally names a second backend (only "memory" is
	// supported) that takes over while the primary's circuit is open.
	Fallback string `yaml:"fallback"`

	// WriteTimeout bounds every write issued by the engine.
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// CoachingConfig tunes the engine's scheduling and routing.
type CoachingConfig struct {
	// DeliveryMode is the initial mode used when none has been persisted.
	// Hot-reloadable.
	DeliveryMode string `yaml:"delivery_mode"`

	// SettleDelay is how long a freshly queued prompt waits before the
	// first display attempt.
	SettleDelay time.Duration `yaml:"settle_delay"`

	// RetryFloor and RetryMargin shape the retry timer that fires after a
	// gate closes: max(RetryFloor, remaining + RetryMargin).
	RetryFloor  time.Duration `yaml:"retry_floor"`
	RetryMargin time.Duration `yaml:"retry_margin"`

	// FuzzyThreshold is the minimum Jaro-Winkler similarity for fuzzy
	// intent matching. 1.0 effectively restricts matching to exact names.
	FuzzyThreshold float64 `yaml:"fuzzy_threshold"`

	// PreviewLimit caps the preview ring.
	PreviewLimit int `yaml:"preview_limit"`
}

// SuggesterConfig configures the optional LLM suggester. An empty Provider
// disables it.
type SuggesterConfig struct {
	Provider string `yaml:"provider"`
	APIKey   string `yaml:"api_key"`
	BaseURL  string `yaml:"base_url"`
	Model    string `yaml:"model"`

	// Interval is the tick period of the suggester loop. Hot-reloadable.
	Interval time.Duration `yaml:"interval"`

	// Window is the number of most recent utterances sent per request.
	Window int `yaml:"window"`

	// Timeout bounds one provider request.
	Timeout time.Duration `yaml:"timeout"`
}

// MCPConfig controls the MCP tool server.
type MCPConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Defaults used by [ApplyDefaults].
const (
	DefaultListenAddr        = ":8080"
	DefaultWriteTimeout      = 5 * time.Second
	DefaultFuzzyThreshold    = 0.92
	DefaultPreviewLimit      = 200
	DefaultSuggesterModel    = "gpt-4o-mini"
	DefaultSuggesterInterval = 5 * time.Second
	DefaultSuggesterWindow   = 20
	DefaultSuggesterTimeout  = 15 * time.Second
	DefaultMCPPath           = "/mcp"
)

// Default returns a config with every default applied, suitable for running
// without a config file.
func Default() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}

// ApplyDefaults fills every zero-valued field of cfg with its default.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = BackendMemory
	}
	if cfg.Storage.WriteTimeout == 0 {
		cfg.Storage.WriteTimeout = DefaultWriteTimeout
	}
	if cfg.Coaching.DeliveryMode == "" {
		cfg.Coaching.DeliveryMode = string(coaching.ModeRealtime)
	}
	if cfg.Coaching.SettleDelay == 0 {
		cfg.Coaching.SettleDelay = coaching.DefaultSettleDelay
	}
	if cfg.Coaching.RetryFloor == 0 {
		cfg.Coaching.RetryFloor = coaching.DefaultRetryFloor
	}
	if cfg.Coaching.RetryMargin == 0 {
		cfg.Coaching.RetryMargin = coaching.DefaultRetryMargin
	}
	if cfg.Coaching.FuzzyThreshold == 0 {
		cfg.Coaching.FuzzyThreshold = DefaultFuzzyThreshold
	}
	if cfg.Coaching.PreviewLimit == 0 {
		cfg.Coaching.PreviewLimit = DefaultPreviewLimit
	}
	if cfg.Suggester.Model == "" {
		cfg.Suggester.Model = DefaultSuggesterModel
	}
	if cfg.Suggester.Interval == 0 {
		cfg.Suggester.Interval = DefaultSuggesterInterval
	}
	if cfg.Suggester.Window == 0 {
		cfg.Suggester.Window = DefaultSuggesterWindow
	}
	if cfg.Suggester.Timeout == 0 {
		cfg.Suggester.Timeout = DefaultSuggesterTimeout
	}
	if cfg.MCP.Path == "" {
		cfg.MCP.Path = DefaultMCPPath
	}
}
