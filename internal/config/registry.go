package config

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/MrWong99/coachd/internal/suggest"
	"github.com/MrWong99/coachd/pkg/store"
)

// ErrBackendNotRegistered is returned by [Registry.CreateBackend] when no
// factory has been registered under the requested storage backend name.
var ErrBackendNotRegistered = errors.New("config: storage backend not registered")

// ErrProviderNotRegistered is returned by [Registry.CreateSuggester] when no
// factory has been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// BackendFactory opens a storage backend from its config section.
type BackendFactory func(ctx context.Context, cfg StorageConfig) (store.Store, error)

// SuggesterFactory builds a suggester provider from its config section.
type SuggesterFactory func(cfg SuggesterConfig) (suggest.Provider, error)

// Registry maps storage backend and suggester provider names to their
// constructor functions. It is safe for concurrent use.
type Registry struct {
	mu         sync.RWMutex
	backends   map[string]BackendFactory
	suggesters map[string]SuggesterFactory
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		backends:   make(map[string]BackendFactory),
		suggesters: make(map[string]SuggesterFactory),
	}
}

// RegisterBackend registers a storage backend factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterBackend(name string, factory BackendFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.backends[name] = factory
}

// RegisterSuggester registers a suggester provider factory under name.
func (r *Registry) RegisterSuggester(name string, factory SuggesterFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.suggesters[name] = factory
}

// Backends returns the registered backend names, sorted.
func (r *Registry) Backends() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.backends))
	for name := range r.backends {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// CreateBackend opens the backend named by cfg.Backend.
// Returns [ErrBackendNotRegistered] (wrapped) if the name is unknown.
func (r *Registry) CreateBackend(ctx context.Context, cfg StorageConfig) (store.Store, error) {
	return r.createBackend(ctx, cfg.Backend, cfg)
}

// CreateFallback opens the backend named by cfg.Fallback, or returns nil
// when no fallback is configured.
func (r *Registry) CreateFallback(ctx context.Context, cfg StorageConfig) (store.Store, error) {
	if cfg.Fallback == "" {
		return nil, nil
	}
	return r.createBackend(ctx, cfg.Fallback, cfg)
}

func (r *Registry) createBackend(ctx context.Context, name string, cfg StorageConfig) (store.Store, error) {
	r.mu.RLock()
	factory, ok := r.backends[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("config: storage backend %q: %w", name, ErrBackendNotRegistered)
	}
	s, err := factory(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("config: open storage backend %q: %w", name, err)
	}
	return s, nil
}

// CreateSuggester builds the provider named by cfg.Provider. It returns
// (nil, nil) when cfg.Provider is empty, meaning the suggester is disabled.
// Returns [ErrProviderNotRegistered] (wrapped) if the name is unknown.
func (r *Registry) CreateSuggester(cfg SuggesterConfig) (suggest.Provider, error) {
	if cfg.Provider == "" {
		return nil, nil
	}
	r.mu.RLock()
	factory, ok := r.suggesters[cfg.Provider]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("config: suggester provider %q: %w", cfg.Provider, ErrProviderNotRegistered)
	}
	p, err := factory(cfg)
	if err != nil {
		return nil, fmt.Errorf("config: create suggester %q: %w", cfg.Provider, err)
	}
	return p, nil
}
