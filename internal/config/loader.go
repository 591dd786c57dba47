package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/coachd/internal/coaching"
)

// ValidBackendNames lists the storage backends [Validate] accepts.
var ValidBackendNames = []string{BackendMemory, BackendJSON, BackendSQLite, BackendPostgres}

// ValidSuggesterProviders lists the suggester providers [Validate] accepts.
// The empty string disables the suggester.
var ValidSuggesterProviders = []string{"", "openai"}

// Load reads the YAML configuration file at path, applies defaults and
// returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and
// validates the result. Unknown keys are rejected. An empty document yields
// the default config.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg, err := decode(r)
	if err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadWithEnv loads the file at path (or the defaults when path is empty),
// overlays the environment via [ApplyEnv] and validates the merged result.
// Secrets such as the database DSN may therefore live only in the
// environment.
func LoadWithEnv(path string, lookup LookupFunc) (*Config, error) {
	cfg := Default()
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("config: open %q: %w", path, err)
		}
		defer f.Close()
		if cfg, err = decode(f); err != nil {
			return nil, fmt.Errorf("config: parse %q: %w", path, err)
		}
	}
	return mergeEnv(cfg, lookup)
}

func mergeEnv(cfg *Config, lookup LookupFunc) (*Config, error) {
	if err := ApplyEnv(cfg, lookup); err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; must be one of: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	st := cfg.Storage
	switch {
	case !slices.Contains(ValidBackendNames, st.Backend):
		errs = append(errs, fmt.Errorf("storage.backend %q is invalid; must be one of: %s", st.Backend, strings.Join(ValidBackendNames, ", ")))
	case (st.Backend == BackendJSON || st.Backend == BackendSQLite) && st.Path == "":
		errs = append(errs, fmt.Errorf("storage.path is required for the %s backend", st.Backend))
	case st.Backend == BackendPostgres && st.DSN == "":
		errs = append(errs, errors.New("storage.dsn is required for the postgres backend (or set DATABASE_URL)"))
	}
	if st.Fallback != "" && st.Fallback != BackendMemory {
		errs = append(errs, fmt.Errorf("storage.fallback %q is invalid; only %q is supported", st.Fallback, BackendMemory))
	}
	if st.WriteTimeout < 0 {
		errs = append(errs, errors.New("storage.write_timeout must not be negative"))
	}

	co := cfg.Coaching
	if co.DeliveryMode != "" {
		if _, err := coaching.ParseDeliveryMode(co.DeliveryMode); err != nil {
			errs = append(errs, fmt.Errorf("coaching.delivery_mode: %w", err))
		}
	}
	if co.SettleDelay < 0 || co.RetryFloor < 0 || co.RetryMargin < 0 {
		errs = append(errs, errors.New("coaching: settle_delay, retry_floor and retry_margin must not be negative"))
	}
	if co.FuzzyThreshold < 0 || co.FuzzyThreshold > 1 {
		errs = append(errs, fmt.Errorf("coaching.fuzzy_threshold %v is out of range [0, 1]", co.FuzzyThreshold))
	}
	if co.PreviewLimit < 0 {
		errs = append(errs, errors.New("coaching.preview_limit must not be negative"))
	}

	sg := cfg.Suggester
	if !slices.Contains(ValidSuggesterProviders, sg.Provider) {
		errs = append(errs, fmt.Errorf("suggester.provider %q is not a known provider", sg.Provider))
	}
	if sg.Provider != "" {
		if sg.APIKey == "" && sg.BaseURL == "" {
			errs = append(errs, errors.New("suggester.api_key is required (or set OPENAI_API_KEY); a base_url is enough for keyless compatible servers"))
		}
		if sg.Interval <= 0 {
			errs = append(errs, errors.New("suggester.interval must be positive"))
		}
		if sg.Window <= 0 {
			errs = append(errs, errors.New("suggester.window must be positive"))
		}
	}

	if cfg.MCP.Enabled && !strings.HasPrefix(cfg.MCP.Path, "/") {
		errs = append(errs, fmt.Errorf("mcp.path %q must start with /", cfg.MCP.Path))
	}

	return errors.Join(errs...)
}

// LookupFunc reads an environment variable. [os.LookupEnv] satisfies it.
type LookupFunc func(key string) (string, bool)

// ApplyEnv overlays environment variables on cfg. COACHD_* variables
// override the file; the conventional OPENAI_API_KEY and DATABASE_URL only
// fill secrets the file left empty. Malformed values are reported joined and
// leave the field untouched.
//
//	COACHD_LISTEN_ADDR        server.listen_addr
//	COACHD_LOG_LEVEL          server.log_level
//	COACHD_STORAGE_BACKEND    storage.backend
//	COACHD_STORAGE_PATH       storage.path
//	COACHD_STORAGE_DSN        storage.dsn
//	COACHD_DELIVERY_MODE      coaching.delivery_mode
//	COACHD_SUGGESTER_PROVIDER suggester.provider
//	COACHD_SUGGESTER_MODEL    suggester.model
//	COACHD_SUGGESTER_INTERVAL suggester.interval
//	COACHD_MCP_ENABLED        mcp.enabled
func ApplyEnv(cfg *Config, lookup LookupFunc) error {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	set := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	fill := func(key string, dst *string) {
		if *dst == "" {
			set(key, dst)
		}
	}

	var errs []error
	set("COACHD_LISTEN_ADDR", &cfg.Server.ListenAddr)
	if v, ok := lookup("COACHD_LOG_LEVEL"); ok && v != "" {
		cfg.Server.LogLevel = LogLevel(strings.ToLower(v))
	}
	set("COACHD_STORAGE_BACKEND", &cfg.Storage.Backend)
	set("COACHD_STORAGE_PATH", &cfg.Storage.Path)
	set("COACHD_STORAGE_DSN", &cfg.Storage.DSN)
	set("COACHD_DELIVERY_MODE", &cfg.Coaching.DeliveryMode)
	set("COACHD_SUGGESTER_PROVIDER", &cfg.Suggester.Provider)
	set("COACHD_SUGGESTER_MODEL", &cfg.Suggester.Model)
	if v, ok := lookup("COACHD_SUGGESTER_INTERVAL"); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("COACHD_SUGGESTER_INTERVAL: %w", err))
		} else {
			cfg.Suggester.Interval = d
		}
	}
	if v, ok := lookup("COACHD_MCP_ENABLED"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("COACHD_MCP_ENABLED: %w", err))
		} else {
			cfg.MCP.Enabled = b
		}
	}

	fill("OPENAI_API_KEY", &cfg.Suggester.APIKey)
	fill("DATABASE_URL", &cfg.Storage.DSN)

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: environment: %w", err)
	}
	return nil
}
