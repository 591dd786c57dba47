package coaching

import (
	"sync"
	"time"
)

// EventKind identifies an engine state transition.
type EventKind string

const (
	EventSessionStarted EventKind = "session_started"
	EventSessionEnded   EventKind = "session_ended"
	EventPromptShown    EventKind = "prompt_shown"
	EventPromptCleared  EventKind = "prompt_cleared"
	EventQueueChanged   EventKind = "queue_changed"
	EventEnabledChanged EventKind = "enabled_changed"
)

// ClearReason explains why the current prompt went away.
type ClearReason string

const (
	ClearAccepted      ClearReason = "accepted"
	ClearDismissed     ClearReason = "dismissed"
	ClearSnoozed       ClearReason = "snoozed"
	ClearAutoDismissed ClearReason = "auto_dismissed"
	ClearSessionEnded  ClearReason = "session_ended"
	ClearDisabled      ClearReason = "disabled"
)

func clearReasonFor(r Response) ClearReason {
	switch r {
	case ResponseAccepted:
		return ClearAccepted
	case ResponseSnoozed:
		return ClearSnoozed
	case ResponseNotResponded:
		return ClearAutoDismissed
	}
	return ClearDismissed
}

// Event is published to subscribers on every engine state transition.
// Fields irrelevant to a kind are left zero.
type Event struct {
	Kind      EventKind `json:"kind"`
	SessionID string    `json:"session_id,omitempty"`
	At        time.Time `json:"at"`

	// Prompt is set for prompt_shown and prompt_cleared.
	Prompt *Prompt `json:"prompt,omitempty"`

	// Reason is set for prompt_cleared.
	Reason ClearReason `json:"reason,omitempty"`

	// QueueLen is the pending queue length after the transition.
	QueueLen int `json:"queue_len"`

	// Enabled reports whether coaching is active for the session.
	Enabled bool `json:"enabled"`

	// Cooldown is the cooldown remaining after the transition.
	Cooldown time.Duration `json:"cooldown"`

	// Thresholds is set for session_started.
	Thresholds *ThresholdPolicy `json:"thresholds,omitempty"`
}

// bus fans events out to subscribers. Publishing never blocks: a subscriber
// whose buffer is full misses the event.
type bus struct {
	mu   sync.Mutex
	next int
	subs map[int]chan Event
}

func newBus() *bus {
	return &bus{subs: make(map[int]chan Event)}
}

func (b *bus) subscribe(buffer int) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.next
	b.next++
	ch := make(chan Event, max(buffer, 1))
	b.subs[id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.subs, id)
			close(ch)
		})
	}
	return ch, cancel
}

func (b *bus) publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
