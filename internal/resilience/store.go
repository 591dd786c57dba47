package resilience

import (
	"context"
	"errors"

	"github.com/MrWong99/coachd/pkg/store"
)

// Store implements [store.Store] with failover across storage backends.
// Each backend has its own circuit breaker. [store.ErrNotFound] is an
// answer, not a failure: it is returned as-is and never trips a breaker.
//
// Writes land on the first healthy backend only; data written to a
// fallback while the primary is down is not copied back when it recovers.
type Store struct {
	group *FallbackGroup[store.Store]
}

// Compile-time interface check.
var _ store.Store = (*Store)(nil)

// NewStore wraps primary. cfg.IsFailure is overridden.
func NewStore(primary store.Store, primaryName string, cfg FallbackConfig) *Store {
	cfg.IsFailure = func(err error) bool {
		return err != nil && !errors.Is(err, store.ErrNotFound)
	}
	return &Store{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback registers another backend tried after the earlier ones.
func (s *Store) AddFallback(name string, backend store.Store) {
	s.group.AddFallback(name, backend)
}

// Backends returns each backend's breaker state.
func (s *Store) Backends() map[string]State {
	return s.group.States()
}

// Get implements [store.KeyValue].
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	return ExecuteWithResult(s.group, func(b store.Store) ([]byte, error) {
		return b.Get(ctx, key)
	})
}

// Set implements [store.KeyValue].
func (s *Store) Set(ctx context.Context, key string, value []byte) error {
	return s.group.Execute(func(b store.Store) error {
		return b.Set(ctx, key, value)
	})
}

// Delete implements [store.KeyValue].
func (s *Store) Delete(ctx context.Context, key string) error {
	return s.group.Execute(func(b store.Store) error {
		return b.Delete(ctx, key)
	})
}

// AppendEvent implements [store.EventLog].
func (s *Store) AppendEvent(ctx context.Context, ev store.Event) error {
	return s.group.Execute(func(b store.Store) error {
		return b.AppendEvent(ctx, ev)
	})
}

// UpdateEvent implements [store.EventLog].
func (s *Store) UpdateEvent(ctx context.Context, ev store.Event) error {
	return s.group.Execute(func(b store.Store) error {
		return b.UpdateEvent(ctx, ev)
	})
}

// SessionEvents implements [store.EventLog].
func (s *Store) SessionEvents(ctx context.Context, sessionID string) ([]store.Event, error) {
	return ExecuteWithResult(s.group, func(b store.Store) ([]store.Event, error) {
		return b.SessionEvents(ctx, sessionID)
	})
}

// Ping succeeds when at least one backend answers.
func (s *Store) Ping(ctx context.Context) error {
	return s.group.Execute(func(b store.Store) error {
		return b.Ping(ctx)
	})
}

// Close closes every backend and joins their errors.
func (s *Store) Close() error {
	return s.group.Each(func(_ string, b store.Store) error {
		return b.Close()
	})
}
