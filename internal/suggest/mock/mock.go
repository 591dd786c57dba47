// Package mock provides a test double for [suggest.Provider].
//
// Typical usage:
//
//	p := &mock.Provider{Events: []coaching.FunctionCallEvent{{Name: "time_check"}}}
//	r := suggest.NewRunner(p, engine)
//	// drive r …
//	if len(p.Calls()) != 1 { … }
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/coachd/internal/coaching"
	"github.com/MrWong99/coachd/internal/suggest"
)

// Compile-time interface check.
var _ suggest.Provider = (*Provider)(nil)

// SuggestCall records the arguments of a single Suggest invocation.
type SuggestCall struct {
	Window    []suggest.Utterance
	Timestamp float64
}

// Provider is a configurable test double for [suggest.Provider]. Safe for
// concurrent use.
type Provider struct {
	// ProviderName is returned by Name. Defaults to "mock".
	ProviderName string

	// Events is returned by every Suggest call. Each event's Timestamp is
	// replaced with the ts argument when zero.
	Events []coaching.FunctionCallEvent

	// Err, when non-nil, is returned by Suggest instead of Events.
	Err error

	// SuggestFunc, when set, overrides Events and Err.
	SuggestFunc func(ctx context.Context, window []suggest.Utterance, ts float64) ([]coaching.FunctionCallEvent, error)

	mu    sync.Mutex
	calls []SuggestCall
}

// Name implements [suggest.Provider].
func (p *Provider) Name() string {
	if p.ProviderName == "" {
		return "mock"
	}
	return p.ProviderName
}

// Suggest implements [suggest.Provider].
func (p *Provider) Suggest(ctx context.Context, window []suggest.Utterance, ts float64) ([]coaching.FunctionCallEvent, error) {
	p.mu.Lock()
	p.calls = append(p.calls, SuggestCall{Window: append([]suggest.Utterance(nil), window...), Timestamp: ts})
	fn, events, err := p.SuggestFunc, p.Events, p.Err
	p.mu.Unlock()

	if fn != nil {
		return fn(ctx, window, ts)
	}
	if err != nil {
		return nil, err
	}
	out := make([]coaching.FunctionCallEvent, len(events))
	for i, ev := range events {
		if ev.Timestamp == 0 {
			ev.Timestamp = ts
		}
		out[i] = ev
	}
	return out, nil
}

// Calls returns a copy of the recorded Suggest invocations.
func (p *Provider) Calls() []SuggestCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]SuggestCall(nil), p.calls...)
}

// SetErr changes Err under the lock, for use while a runner is active.
func (p *Provider) SetErr(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Err = err
}
