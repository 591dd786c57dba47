package coaching

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/coachd/pkg/store"
)

// DeliveryMode selects how validated prompts reach the interviewer.
type DeliveryMode string

const (
	// ModeRealtime shows prompts as soon as the gates allow.
	ModeRealtime DeliveryMode = "realtime"
	// ModePull parks prompts until the interviewer asks for one.
	ModePull DeliveryMode = "pull"
	// ModePreview only logs prompts; nothing is ever shown.
	ModePreview DeliveryMode = "preview"
)

// Key-value keys owned by the router.
const (
	DeliveryModeKey = "coaching/delivery_mode"
	PullQueueKey    = "coaching/pull_queue"
)

const defaultPreviewLimit = 200

// ParseDeliveryMode converts s to a [DeliveryMode].
func ParseDeliveryMode(s string) (DeliveryMode, error) {
	switch m := DeliveryMode(s); m {
	case ModeRealtime, ModePull, ModePreview:
		return m, nil
	}
	return "", fmt.Errorf("coaching: unknown delivery mode %q (want realtime, pull or preview)", s)
}

// Router holds the active delivery mode, the pull queue and the preview log.
// The mode and the pull queue are persisted to the key-value store; the
// preview log lives for the process lifetime. Safe for concurrent use.
type Router struct {
	mu           sync.Mutex
	kv           store.KeyValue
	writeTimeout time.Duration
	previewLimit int

	mode    DeliveryMode
	pull    promptQueue
	preview []Prompt
}

// RouterOption configures a [Router].
type RouterOption func(*Router)

// WithRouterStore persists the mode and pull queue to kv.
func WithRouterStore(kv store.KeyValue) RouterOption {
	return func(r *Router) { r.kv = kv }
}

// WithPreviewLimit caps the preview log; the oldest entries are discarded
// first. Non-positive values keep the default.
func WithPreviewLimit(n int) RouterOption {
	return func(r *Router) {
		if n > 0 {
			r.previewLimit = n
		}
	}
}

// WithInitialMode sets the mode used when none is persisted.
func WithInitialMode(m DeliveryMode) RouterOption {
	return func(r *Router) { r.mode = m }
}

// NewRouter returns a router, restoring the persisted mode and pull queue
// when a store is configured. Load failures are logged and the defaults
// kept.
func NewRouter(ctx context.Context, opts ...RouterOption) *Router {
	r := &Router{
		mode:         ModeRealtime,
		writeTimeout: defaultWriteTimeout,
		previewLimit: defaultPreviewLimit,
	}
	for _, o := range opts {
		o(r)
	}
	if r.kv != nil {
		r.load(ctx)
	}
	return r
}

func (r *Router) load(ctx context.Context) {
	raw, err := r.kv.Get(ctx, DeliveryModeKey)
	switch {
	case err == nil:
		if m, perr := ParseDeliveryMode(string(raw)); perr == nil {
			r.mode = m
		} else {
			slog.Warn("coaching: ignoring persisted delivery mode", "err", perr)
		}
	case !errors.Is(err, store.ErrNotFound):
		slog.Error("coaching: load delivery mode", "err", err)
	}

	raw, err = r.kv.Get(ctx, PullQueueKey)
	switch {
	case err == nil:
		var prompts []Prompt
		if jerr := json.Unmarshal(raw, &prompts); jerr != nil {
			slog.Error("coaching: decode pull queue", "err", jerr)
			return
		}
		for _, p := range prompts {
			r.pull.push(p)
		}
	case !errors.Is(err, store.ErrNotFound):
		slog.Error("coaching: load pull queue", "err", err)
	}
}

// Mode returns the active delivery mode.
func (r *Router) Mode() DeliveryMode {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.mode
}

// SetMode switches the delivery mode. Items already queued stay where they
// are.
func (r *Router) SetMode(ctx context.Context, m DeliveryMode) error {
	if _, err := ParseDeliveryMode(string(m)); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mode = m
	r.persistLocked(ctx, DeliveryModeKey, []byte(m))
	return nil
}

// Route hands p to the active mode. Realtime prompts are left to the engine;
// pull prompts join the pull queue; preview prompts join the preview log.
// The mode that took the prompt is returned.
func (r *Router) Route(ctx context.Context, p Prompt) DeliveryMode {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch r.mode {
	case ModePull:
		r.pull.push(p)
		r.savePullLocked(ctx)
	case ModePreview:
		r.preview = append(r.preview, p)
		if over := len(r.preview) - r.previewLimit; over > 0 {
			slog.Debug("coaching: preview log full, evicting oldest", "evicted", over, "limit", r.previewLimit)
			r.preview = append([]Prompt(nil), r.preview[over:]...)
		}
	}
	return r.mode
}

// PullNext removes and returns the most urgent prompt in the pull queue.
func (r *Router) PullNext(ctx context.Context) (Prompt, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.pull.pop()
	if ok {
		r.savePullLocked(ctx)
	}
	return p, ok
}

// PullQueue returns the pull queue in dequeue order.
func (r *Router) PullQueue() []Prompt {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pull.snapshot()
}

// PullLen returns the number of prompts waiting in the pull queue.
func (r *Router) PullLen() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pull.len()
}

// ClearPull empties the pull queue and returns how many prompts were removed.
func (r *Router) ClearPull(ctx context.Context) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := r.pull.clear()
	r.savePullLocked(ctx)
	return n
}

// Preview returns the preview log, oldest first.
func (r *Router) Preview() []Prompt {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Prompt(nil), r.preview...)
}

// ClearPreview empties the preview log and returns how many prompts were
// removed.
func (r *Router) ClearPreview() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := len(r.preview)
	r.preview = nil
	return n
}

func (r *Router) savePullLocked(ctx context.Context) {
	if r.kv == nil {
		return
	}
	data, err := json.Marshal(r.pull.snapshot())
	if err != nil {
		slog.Error("coaching: encode pull queue", "err", err)
		return
	}
	r.persistLocked(ctx, PullQueueKey, data)
}

func (r *Router) persistLocked(ctx context.Context, key string, value []byte) {
	if r.kv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.writeTimeout)
	defer cancel()
	if err := r.kv.Set(ctx, key, value); err != nil {
		slog.Error("coaching: persist delivery state", "key", key, "err", err)
	}
}
