// Package mock provides a test double for [store.Store].
//
// The mock delegates to an in-memory store so reads observe earlier writes,
// records every method call for assertion in tests, and exposes exported
// *Err fields that force a method to fail. Safe for concurrent use.
//
// Typical usage:
//
//	s := mock.New()
//	s.SetErr = errors.New("disk full")
//
//	// inject s into the system under test …
//
//	if got := s.CallCount("Set"); got != 1 {
//	    t.Errorf("expected 1 Set call, got %d", got)
//	}
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/coachd/pkg/store"
	"github.com/MrWong99/coachd/pkg/store/memory"
)

// Call records the name and arguments of a single method invocation.
type Call struct {
	// Method is the name of the interface method that was called.
	Method string

	// Args holds the non-context arguments passed to the method, in order.
	Args []any
}

// Compile-time interface check.
var _ store.Store = (*Store)(nil)

// Store is a configurable test double for [store.Store].
type Store struct {
	mu    sync.Mutex
	calls []Call
	inner *memory.Store

	// GetErr is returned by [Store.Get] when non-nil.
	GetErr error
	// SetErr is returned by [Store.Set] when non-nil.
	SetErr error
	// DeleteErr is returned by [Store.Delete] when non-nil.
	DeleteErr error
	// AppendEventErr is returned by [Store.AppendEvent] when non-nil.
	AppendEventErr error
	// UpdateEventErr is returned by [Store.UpdateEvent] when non-nil.
	UpdateEventErr error
	// SessionEventsErr is returned by [Store.SessionEvents] when non-nil.
	SessionEventsErr error
	// PingErr is returned by [Store.Ping] when non-nil.
	PingErr error
}

// New returns an empty mock store.
func New() *Store {
	return &Store{inner: memory.New()}
}

// Calls returns a copy of all recorded method invocations.
func (m *Store) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Call, len(m.calls))
	copy(out, m.calls)
	return out
}

// CallCount returns how many times the named method was invoked.
func (m *Store) CallCount(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if c.Method == method {
			n++
		}
	}
	return n
}

// Reset clears all recorded calls. Stored data is kept.
func (m *Store) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
}

// record appends a call and returns the configured error for it.
func (m *Store) record(method string, err error, args ...any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: method, Args: args})
	return err
}

// errFor reads an *Err field under the lock.
func (m *Store) errFor(field *error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *field
}

// Get implements [store.KeyValue].
func (m *Store) Get(ctx context.Context, key string) ([]byte, error) {
	if err := m.record("Get", m.errFor(&m.GetErr), key); err != nil {
		return nil, err
	}
	return m.inner.Get(ctx, key)
}

// Set implements [store.KeyValue].
func (m *Store) Set(ctx context.Context, key string, value []byte) error {
	if err := m.record("Set", m.errFor(&m.SetErr), key, string(value)); err != nil {
		return err
	}
	return m.inner.Set(ctx, key, value)
}

// Delete implements [store.KeyValue].
func (m *Store) Delete(ctx context.Context, key string) error {
	if err := m.record("Delete", m.errFor(&m.DeleteErr), key); err != nil {
		return err
	}
	return m.inner.Delete(ctx, key)
}

// AppendEvent implements [store.EventLog].
func (m *Store) AppendEvent(ctx context.Context, ev store.Event) error {
	if err := m.record("AppendEvent", m.errFor(&m.AppendEventErr), ev); err != nil {
		return err
	}
	return m.inner.AppendEvent(ctx, ev)
}

// UpdateEvent implements [store.EventLog].
func (m *Store) UpdateEvent(ctx context.Context, ev store.Event) error {
	if err := m.record("UpdateEvent", m.errFor(&m.UpdateEventErr), ev); err != nil {
		return err
	}
	return m.inner.UpdateEvent(ctx, ev)
}

// SessionEvents implements [store.EventLog].
func (m *Store) SessionEvents(ctx context.Context, sessionID string) ([]store.Event, error) {
	if err := m.record("SessionEvents", m.errFor(&m.SessionEventsErr), sessionID); err != nil {
		return nil, err
	}
	return m.inner.SessionEvents(ctx, sessionID)
}

// Ping implements [store.Store].
func (m *Store) Ping(context.Context) error {
	return m.record("Ping", m.errFor(&m.PingErr))
}

// Close implements [store.Store].
func (m *Store) Close() error {
	return m.record("Close", nil)
}
