// Package overlay derives the on-screen coaching overlay state from the
// engine's event stream.
//
// The view model is a small state machine driven by [coaching.Event] values:
//
//	inactive ──enable/start──▶ idle ──shown──▶ appearing ──fade-in──▶ visible
//	                            ▲                                      │
//	                            │                                   cleared
//	                            └── cooldown ◀──fade-out── disappearing ◀┘
//
// Fade durations come from the thresholds announced at session start. The
// cooldown state lasts for whatever the engine reported as remaining when
// the prompt was cleared.
package overlay

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/MrWong99/coachd/internal/coaching"
)

// State is one of the six overlay states.
type State string

const (
	StateInactive     State = "inactive"
	StateIdle         State = "idle"
	StateAppearing    State = "appearing"
	StateVisible      State = "visible"
	StateDisappearing State = "disappearing"
	StateCooldown     State = "cooldown"
)

// View is what a renderer needs to draw the overlay.
type View struct {
	State  State            `json:"state"`
	Prompt *coaching.Prompt `json:"prompt,omitempty"`
	At     time.Time        `json:"at"`
}

// ViewModel tracks the overlay state. Safe for concurrent use.
type ViewModel struct {
	mu    sync.Mutex
	clock clockwork.Clock

	state         State
	prompt        *coaching.Prompt
	fadeIn        time.Duration
	fadeOut       time.Duration
	cooldownUntil time.Time
	timer         clockwork.Timer
	gen           uint64

	subMu sync.Mutex
	next  int
	subs  map[int]chan View
}

// Option configures a [ViewModel].
type Option func(*ViewModel)

// WithClock sets the clock driving the fade and cooldown timers.
func WithClock(c clockwork.Clock) Option {
	return func(v *ViewModel) { v.clock = c }
}

// New returns an inactive view model using the default fade timings until
// a session announces its own.
func New(opts ...Option) *ViewModel {
	def := coaching.Preset(coaching.LevelBalanced)
	v := &ViewModel{
		clock:   clockwork.NewRealClock(),
		state:   StateInactive,
		fadeIn:  def.FadeIn,
		fadeOut: def.FadeOut,
		subs:    make(map[int]chan View),
	}
	for _, o := range opts {
		o(v)
	}
	return v
}

// Current returns the current view.
func (v *ViewModel) Current() View {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.viewLocked()
}

// Subscribe returns a channel of view changes and a cancel function that
// closes it. Views are dropped for a subscriber whose buffer is full.
func (v *ViewModel) Subscribe(buffer int) (<-chan View, func()) {
	v.subMu.Lock()
	defer v.subMu.Unlock()
	id := v.next
	v.next++
	ch := make(chan View, max(buffer, 1))
	v.subs[id] = ch
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			v.subMu.Lock()
			defer v.subMu.Unlock()
			delete(v.subs, id)
			close(ch)
		})
	}
}

// Run applies events until ctx is cancelled or events is closed.
func (v *ViewModel) Run(ctx context.Context, events <-chan coaching.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			v.Apply(ev)
		}
	}
}

// Apply advances the state machine for one engine event.
func (v *ViewModel) Apply(ev coaching.Event) {
	v.mu.Lock()
	defer v.mu.Unlock()

	switch ev.Kind {
	case coaching.EventSessionStarted:
		if ev.Thresholds != nil {
			v.fadeIn, v.fadeOut = ev.Thresholds.FadeIn, ev.Thresholds.FadeOut
		}
		v.prompt = nil
		v.cooldownUntil = time.Time{}
		if ev.Enabled {
			v.enterLocked(StateIdle)
		} else {
			v.enterLocked(StateInactive)
		}

	case coaching.EventEnabledChanged:
		switch {
		case !ev.Enabled:
			v.prompt = nil
			v.enterLocked(StateInactive)
		case v.state == StateInactive:
			v.enterLocked(StateIdle)
		}

	case coaching.EventSessionEnded:
		v.prompt = nil
		v.enterLocked(StateInactive)

	case coaching.EventPromptShown:
		if ev.Prompt == nil {
			return
		}
		p := *ev.Prompt
		v.prompt = &p
		v.enterLocked(StateAppearing)
		v.afterLocked(v.fadeIn, StateVisible)

	case coaching.EventPromptCleared:
		if v.state == StateInactive {
			return
		}
		v.cooldownUntil = ev.At.Add(ev.Cooldown)
		v.enterLocked(StateDisappearing)
		v.afterLocked(v.fadeOut, StateCooldown)
	}
}

// enterLocked switches to s, invalidating any pending timer, and notifies
// subscribers. Zero-length transitions are followed immediately.
func (v *ViewModel) enterLocked(s State) {
	v.gen++
	if v.timer != nil {
		v.timer.Stop()
		v.timer = nil
	}
	if s == StateCooldown {
		remaining := v.cooldownUntil.Sub(v.clock.Now())
		if remaining <= 0 {
			s = StateIdle
		} else {
			v.prompt = nil
			v.state = s
			v.notifyLocked()
			v.afterLocked(remaining, StateIdle)
			return
		}
	}
	if s == StateIdle {
		v.prompt = nil
	}
	v.state = s
	v.notifyLocked()
}

// afterLocked schedules a transition to next after d. A zero delay
// transitions immediately.
func (v *ViewModel) afterLocked(d time.Duration, next State) {
	if d <= 0 {
		v.enterLocked(next)
		return
	}
	gen := v.gen
	v.timer = v.clock.AfterFunc(d, func() {
		v.mu.Lock()
		defer v.mu.Unlock()
		if gen != v.gen {
			return
		}
		v.timer = nil
		v.enterLocked(next)
	})
}

func (v *ViewModel) viewLocked() View {
	view := View{State: v.state, At: v.clock.Now()}
	if v.prompt != nil {
		p := *v.prompt
		view.Prompt = &p
	}
	return view
}

func (v *ViewModel) notifyLocked() {
	view := v.viewLocked()
	v.subMu.Lock()
	defer v.subMu.Unlock()
	for _, ch := range v.subs {
		select {
		case ch <- view:
		default:
		}
	}
}
