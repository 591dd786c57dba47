package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/MrWong99/coachd/internal/coaching"
	"github.com/MrWong99/coachd/internal/observe"
	"github.com/MrWong99/coachd/internal/overlay"
	"github.com/MrWong99/coachd/internal/preference"
	"github.com/MrWong99/coachd/internal/suggest"
)

// maxBodyBytes caps request bodies; every request here is a small document.
const maxBodyBytes = 1 << 20

// ErrorResponse is the standard error response format
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// Handlers serves the /api/v1 routes.
type Handlers struct {
	engine     *coaching.Engine
	prefs      *preference.Store
	sessions   Sessions
	transcript Transcript
	view       *overlay.ViewModel
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("api: write response", "err", err)
	}
}

func writeError(w http.ResponseWriter, status int, message, code string) {
	writeJSON(w, status, ErrorResponse{Error: message, Code: code})
}

// writeEngineError maps the engine's sentinel errors to HTTP statuses.
func writeEngineError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, coaching.ErrNoSession):
		writeError(w, http.StatusConflict, err.Error(), "NO_SESSION")
	case errors.Is(err, coaching.ErrSessionActive):
		writeError(w, http.StatusConflict, err.Error(), "SESSION_ACTIVE")
	case errors.Is(err, coaching.ErrNoPrompt):
		writeError(w, http.StatusConflict, err.Error(), "NO_PROMPT")
	case errors.Is(err, coaching.ErrPromptActive):
		writeError(w, http.StatusConflict, err.Error(), "PROMPT_ACTIVE")
	case errors.Is(err, coaching.ErrDisabled):
		writeError(w, http.StatusConflict, err.Error(), "COACHING_DISABLED")
	case errors.Is(err, coaching.ErrQueueEmpty):
		writeError(w, http.StatusNotFound, err.Error(), "QUEUE_EMPTY")
	default:
		observe.Logger(r.Context()).Error("api: unexpected engine error", "path", r.URL.Path, "err", err)
		writeError(w, http.StatusInternalServerError, "internal error", "INTERNAL")
	}
}

// decodeBody decodes the JSON request body into v. An empty body leaves v
// untouched when optional is set.
func decodeBody(w http.ResponseWriter, r *http.Request, v any, optional bool) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	err := dec.Decode(v)
	if err == nil || (optional && errors.Is(err, io.EOF)) {
		return true
	}
	writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error(), "INVALID_BODY")
	return false
}

// ─── Preferences ─────────────────────────────────────────────────────────────

// PreferencesResponse is the preference document plus derived values.
type PreferencesResponse struct {
	preference.State
	ShouldRun           bool                     `json:"should_run"`
	AcceptanceRate      float64                  `json:"acceptance_rate"`
	DismissalRate       float64                  `json:"dismissal_rate"`
	EffectiveThresholds coaching.ThresholdPolicy `json:"effective_thresholds"`
}

// PreferencesUpdate is the body of PUT /preferences. Absent fields are kept.
type PreferencesUpdate struct {
	Level             *string  `json:"level,omitempty"`
	CustomSensitivity *float64 `json:"custom_sensitivity,omitempty"`

	// CustomAutoDismiss is a Go duration string; "" removes the override.
	CustomAutoDismiss *string `json:"custom_auto_dismiss,omitempty"`

	// ResetStats zeroes the lifetime counters.
	ResetStats bool `json:"reset_stats,omitempty"`
}

func (h *Handlers) preferences() PreferencesResponse {
	return PreferencesResponse{
		State:               h.prefs.Snapshot(),
		ShouldRun:           h.prefs.ShouldCoachingRun(),
		AcceptanceRate:      h.prefs.AcceptanceRate(),
		DismissalRate:       h.prefs.DismissalRate(),
		EffectiveThresholds: h.prefs.EffectiveThresholds(),
	}
}

// GetPreferences handles GET /preferences
func (h *Handlers) GetPreferences(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.preferences())
}

// UpdatePreferences handles PUT /preferences. The whole update is validated
// before anything is written.
func (h *Handlers) UpdatePreferences(w http.ResponseWriter, r *http.Request) {
	var req PreferencesUpdate
	if !decodeBody(w, r, &req, false) {
		return
	}

	var level coaching.Level
	if req.Level != nil {
		l, err := coaching.ParseLevel(*req.Level)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error(), "INVALID_LEVEL")
			return
		}
		level = l
	}
	var autoDismiss time.Duration
	if req.CustomAutoDismiss != nil && *req.CustomAutoDismiss != "" {
		d, err := time.ParseDuration(*req.CustomAutoDismiss)
		if err != nil || d <= 0 {
			writeError(w, http.StatusBadRequest, "custom_auto_dismiss must be a positive duration", "INVALID_AUTO_DISMISS")
			return
		}
		autoDismiss = d
	}

	ctx := r.Context()
	if req.Level != nil {
		// Already validated above.
		_ = h.prefs.SetLevel(ctx, level)
	}
	if req.CustomSensitivity != nil {
		h.prefs.SetCustomSensitivity(ctx, *req.CustomSensitivity)
	}
	if req.CustomAutoDismiss != nil {
		if autoDismiss == 0 {
			h.prefs.ClearCustomAutoDismiss(ctx)
		} else {
			h.prefs.SetCustomAutoDismiss(ctx, autoDismiss)
		}
	}
	if req.ResetStats {
		h.prefs.Reset(ctx)
	}
	writeJSON(w, http.StatusOK, h.preferences())
}

// EnableCoaching handles POST /preferences/enable
func (h *Handlers) EnableCoaching(w http.ResponseWriter, r *http.Request) {
	h.engine.Enable(r.Context())
	writeJSON(w, http.StatusOK, h.preferences())
}

// DisableCoaching handles POST /preferences/disable
func (h *Handlers) DisableCoaching(w http.ResponseWriter, r *http.Request) {
	h.engine.Disable(r.Context())
	writeJSON(w, http.StatusOK, h.preferences())
}

// CompleteOnboarding handles POST /preferences/onboarding
func (h *Handlers) CompleteOnboarding(w http.ResponseWriter, r *http.Request) {
	h.prefs.CompleteOnboarding(r.Context())
	writeJSON(w, http.StatusOK, h.preferences())
}

// ─── Sessions ────────────────────────────────────────────────────────────────

// StartSessionRequest is the optional body of POST /sessions.
type StartSessionRequest struct {
	Label string `json:"label,omitempty"`
}

// StartSession handles POST /sessions
func (h *Handlers) StartSession(w http.ResponseWriter, r *http.Request) {
	var req StartSessionRequest
	if !decodeBody(w, r, &req, true) {
		return
	}
	if _, err := h.sessions.Start(r.Context(), req.Label); err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, h.engine.State())
}

// CurrentSession handles GET /sessions/current
func (h *Handlers) CurrentSession(w http.ResponseWriter, _ *http.Request) {
	if !h.sessions.IsActive() {
		writeError(w, http.StatusNotFound, coaching.ErrNoSession.Error(), "NO_SESSION")
		return
	}
	writeJSON(w, http.StatusOK, h.engine.State())
}

// StopSession handles DELETE /sessions/current
func (h *Handlers) StopSession(w http.ResponseWriter, r *http.Request) {
	summary, err := h.sessions.Stop(r.Context())
	if err != nil {
		if errors.Is(err, coaching.ErrNoSession) {
			writeError(w, http.StatusNotFound, err.Error(), "NO_SESSION")
			return
		}
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// ─── Driver events ───────────────────────────────────────────────────────────

// SubmitResponse reports what the engine did with a function-call event.
type SubmitResponse struct {
	Outcome  coaching.Outcome `json:"outcome"`
	PromptID string           `json:"prompt_id,omitempty"`
}

// TimestampRequest carries a session time in seconds.
type TimestampRequest struct {
	Timestamp *float64 `json:"timestamp,omitempty"`
}

// FunctionCall handles POST /events/function-call
func (h *Handlers) FunctionCall(w http.ResponseWriter, r *http.Request) {
	var ev coaching.FunctionCallEvent
	if !decodeBody(w, r, &ev, false) {
		return
	}
	if ev.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required", "MISSING_NAME")
		return
	}
	if !h.engine.State().Active {
		writeEngineError(w, r, coaching.ErrNoSession)
		return
	}
	p, out := h.engine.Submit(r.Context(), ev)
	writeJSON(w, http.StatusOK, SubmitResponse{Outcome: out, PromptID: p.ID})
}

// Speech handles POST /events/speech
func (h *Handlers) Speech(w http.ResponseWriter, r *http.Request) {
	var req TimestampRequest
	if !decodeBody(w, r, &req, true) {
		return
	}
	if req.Timestamp != nil {
		h.engine.UpdateTimestamp(*req.Timestamp)
	}
	h.engine.NotifySpeechDetected()
	w.WriteHeader(http.StatusNoContent)
}

// Timestamp handles POST /events/timestamp
func (h *Handlers) Timestamp(w http.ResponseWriter, r *http.Request) {
	var req TimestampRequest
	if !decodeBody(w, r, &req, false) {
		return
	}
	if req.Timestamp == nil || *req.Timestamp < 0 {
		writeError(w, http.StatusBadRequest, "timestamp must be a non-negative number of seconds", "INVALID_TIMESTAMP")
		return
	}
	h.engine.UpdateTimestamp(*req.Timestamp)
	w.WriteHeader(http.StatusNoContent)
}

// TranscriptResponse reports whether an utterance reached the suggester.
type TranscriptResponse struct {
	Forwarded bool `json:"forwarded"`
}

// TranscriptLine handles POST /events/transcript
func (h *Handlers) TranscriptLine(w http.ResponseWriter, r *http.Request) {
	var u suggest.Utterance
	if !decodeBody(w, r, &u, false) {
		return
	}
	if u.Text == "" {
		writeError(w, http.StatusBadRequest, "text is required", "MISSING_TEXT")
		return
	}
	if u.Timestamp > 0 {
		h.engine.UpdateTimestamp(u.Timestamp)
	}
	if h.transcript == nil {
		writeJSON(w, http.StatusAccepted, TranscriptResponse{})
		return
	}
	h.transcript.AddUtterance(u)
	writeJSON(w, http.StatusAccepted, TranscriptResponse{Forwarded: true})
}

// ─── Prompt ──────────────────────────────────────────────────────────────────

// PromptResponse is the visible prompt and, when available, the overlay view.
type PromptResponse struct {
	Prompt *coaching.Prompt `json:"prompt"`
	View   *overlay.View    `json:"view,omitempty"`
}

// GetPrompt handles GET /prompt
func (h *Handlers) GetPrompt(w http.ResponseWriter, _ *http.Request) {
	var resp PromptResponse
	if p, ok := h.engine.CurrentPrompt(); ok {
		resp.Prompt = &p
	}
	if h.view != nil {
		v := h.view.Current()
		resp.View = &v
	}
	writeJSON(w, http.StatusOK, resp)
}

// respond returns the handler for POST /prompt/{accept|dismiss|snooze}.
func (h *Handlers) respond(resp coaching.Response) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, ok := h.engine.CurrentPrompt()
		if err := h.engine.Dismiss(r.Context(), resp); err != nil {
			writeEngineError(w, r, err)
			return
		}
		out := map[string]any{"response": resp}
		if ok {
			out["prompt_id"] = p.ID
		}
		writeJSON(w, http.StatusOK, out)
	}
}
