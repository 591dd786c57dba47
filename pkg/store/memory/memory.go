// Package memory provides an in-process [store.Store] backed by maps. It is
// the default backend for tests and for running without persistence.
package memory

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/MrWong99/coachd/pkg/store"
)

// Compile-time interface check.
var _ store.Store = (*Store)(nil)

// Store keeps all data in memory. The zero value is not usable; call [New].
type Store struct {
	mu     sync.RWMutex
	kv     map[string][]byte
	events map[string][]store.Event // keyed by session ID
}

// New returns an empty [Store].
func New() *Store {
	return &Store{
		kv:     make(map[string][]byte),
		events: make(map[string][]store.Event),
	}
}

// Get implements [store.KeyValue].
func (s *Store) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.kv[key]
	if !ok {
		return nil, store.ErrNotFound
	}
	return slices.Clone(v), nil
}

// Set implements [store.KeyValue].
func (s *Store) Set(_ context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.kv[key] = slices.Clone(value)
	return nil
}

// Delete implements [store.KeyValue].
func (s *Store) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.kv, key)
	return nil
}

// AppendEvent implements [store.EventLog].
func (s *Store) AppendEvent(_ context.Context, ev store.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.events[ev.SessionID] {
		if existing.PromptID == ev.PromptID {
			return fmt.Errorf("memory: event %q already exists in session %q", ev.PromptID, ev.SessionID)
		}
	}
	s.events[ev.SessionID] = append(s.events[ev.SessionID], ev)
	return nil
}

// UpdateEvent implements [store.EventLog].
func (s *Store) UpdateEvent(_ context.Context, ev store.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	evs := s.events[ev.SessionID]
	for i := range evs {
		if evs[i].PromptID == ev.PromptID {
			evs[i].Response = ev.Response
			evs[i].RespondedAt = ev.RespondedAt
			evs[i].ResponseTime = ev.ResponseTime
			return nil
		}
	}
	return store.ErrNotFound
}

// SessionEvents implements [store.EventLog].
func (s *Store) SessionEvents(_ context.Context, sessionID string) ([]store.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.events[sessionID]), nil
}

// Ping always succeeds.
func (s *Store) Ping(context.Context) error { return nil }

// Close is a no-op.
func (s *Store) Close() error { return nil }
