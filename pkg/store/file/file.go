// Package file provides a [store.Store] that persists everything as a single
// JSON document on the local filesystem. It suits single-user desktop
// deployments where running a database is overkill.
//
// Every mutation rewrites the document via a temporary file and an atomic
// rename, so a crash mid-write leaves the previous version intact.
package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"github.com/MrWong99/coachd/pkg/store"
)

// Compile-time interface check.
var _ store.Store = (*Store)(nil)

// document is the on-disk layout.
type document struct {
	KV     map[string][]byte        `json:"kv"`
	Events map[string][]store.Event `json:"events"`
}

// Store persists data in a JSON file. Thread-safe for concurrent use.
type Store struct {
	mu   sync.Mutex
	path string
	doc  document
}

// Open loads the document at path, creating parent directories as needed.
// A missing file starts an empty store.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, errors.New("file: path must not be empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("file: create directory: %w", err)
	}

	s := &Store{
		path: path,
		doc: document{
			KV:     make(map[string][]byte),
			Events: make(map[string][]store.Event),
		},
	}

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return s, nil
	case err != nil:
		return nil, fmt.Errorf("file: read %q: %w", path, err)
	}
	if len(data) == 0 {
		return s, nil
	}
	if err := json.Unmarshal(data, &s.doc); err != nil {
		return nil, fmt.Errorf("file: decode %q: %w", path, err)
	}
	if s.doc.KV == nil {
		s.doc.KV = make(map[string][]byte)
	}
	if s.doc.Events == nil {
		s.doc.Events = make(map[string][]store.Event)
	}
	return s, nil
}

// Get implements [store.KeyValue].
func (s *Store) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.doc.KV[key]
	if !ok {
		return nil, store.ErrNotFound
	}
	return slices.Clone(v), nil
}

// Set implements [store.KeyValue].
func (s *Store) Set(_ context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, had := s.doc.KV[key]
	s.doc.KV[key] = slices.Clone(value)
	if err := s.flushLocked(); err != nil {
		if had {
			s.doc.KV[key] = prev
		} else {
			delete(s.doc.KV, key)
		}
		return err
	}
	return nil
}

// Delete implements [store.KeyValue].
func (s *Store) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.doc.KV[key]; !ok {
		return nil
	}
	delete(s.doc.KV, key)
	return s.flushLocked()
}

// AppendEvent implements [store.EventLog].
func (s *Store) AppendEvent(_ context.Context, ev store.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	evs := s.doc.Events[ev.SessionID]
	for _, existing := range evs {
		if existing.PromptID == ev.PromptID {
			return fmt.Errorf("file: event %q already exists in session %q", ev.PromptID, ev.SessionID)
		}
	}
	s.doc.Events[ev.SessionID] = append(evs, ev)
	if err := s.flushLocked(); err != nil {
		s.doc.Events[ev.SessionID] = evs
		return err
	}
	return nil
}

// UpdateEvent implements [store.EventLog].
func (s *Store) UpdateEvent(_ context.Context, ev store.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	evs := s.doc.Events[ev.SessionID]
	for i := range evs {
		if evs[i].PromptID != ev.PromptID {
			continue
		}
		prev := evs[i]
		evs[i].Response = ev.Response
		evs[i].RespondedAt = ev.RespondedAt
		evs[i].ResponseTime = ev.ResponseTime
		if err := s.flushLocked(); err != nil {
			evs[i] = prev
			return err
		}
		return nil
	}
	return store.ErrNotFound
}

// SessionEvents implements [store.EventLog].
func (s *Store) SessionEvents(_ context.Context, sessionID string) ([]store.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.doc.Events[sessionID]), nil
}

// Ping checks that the directory holding the document is still accessible.
func (s *Store) Ping(context.Context) error {
	if _, err := os.Stat(filepath.Dir(s.path)); err != nil {
		return fmt.Errorf("file: stat directory: %w", err)
	}
	return nil
}

// Close is a no-op; every mutation is already on disk.
func (s *Store) Close() error { return nil }

// flushLocked writes the whole document atomically. Must be called with
// s.mu held.
func (s *Store) flushLocked() error {
	data, err := json.Marshal(s.doc)
	if err != nil {
		return fmt.Errorf("file: marshal: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("file: create temp: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("file: write: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("file: close temp: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("file: rename: %w", err)
	}
	return nil
}
