package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/MrWong99/coachd/internal/coaching"
)

// DeliveryModeBody is the body of GET and PUT /delivery-mode.
type DeliveryModeBody struct {
	Mode string `json:"mode"`
}

// QueueResponse lists the prompts of the pull or preview queue.
type QueueResponse struct {
	Prompts []coaching.Prompt `json:"prompts"`
	Count   int               `json:"count"`
}

// ClearedResponse reports how many prompts a clear removed.
type ClearedResponse struct {
	Cleared int `json:"cleared"`
}

func queueResponse(ps []coaching.Prompt) QueueResponse {
	if ps == nil {
		ps = []coaching.Prompt{}
	}
	return QueueResponse{Prompts: ps, Count: len(ps)}
}

// GetDeliveryMode handles GET /delivery-mode
func (h *Handlers) GetDeliveryMode(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, DeliveryModeBody{Mode: string(h.engine.Router().Mode())})
}

// SetDeliveryMode handles PUT /delivery-mode
func (h *Handlers) SetDeliveryMode(w http.ResponseWriter, r *http.Request) {
	var req DeliveryModeBody
	if !decodeBody(w, r, &req, false) {
		return
	}
	m, err := coaching.ParseDeliveryMode(req.Mode)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "INVALID_MODE")
		return
	}
	if err := h.engine.Router().SetMode(r.Context(), m); err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "INVALID_MODE")
		return
	}
	writeJSON(w, http.StatusOK, DeliveryModeBody{Mode: string(m)})
}

// PullQueue handles GET /pull
func (h *Handlers) PullQueue(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, queueResponse(h.engine.Router().PullQueue()))
}

// PullNext handles POST /pull/next
func (h *Handlers) PullNext(w http.ResponseWriter, r *http.Request) {
	p, err := h.engine.PullNext(r.Context())
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// ClearPull handles DELETE /pull
func (h *Handlers) ClearPull(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, ClearedResponse{Cleared: h.engine.Router().ClearPull(r.Context())})
}

// Preview handles GET /preview
func (h *Handlers) Preview(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, queueResponse(h.engine.Router().Preview()))
}

// ClearPreview handles DELETE /preview
func (h *Handlers) ClearPreview(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, ClearedResponse{Cleared: h.engine.Router().ClearPreview()})
}

// ─── Analytics ───────────────────────────────────────────────────────────────

// ThresholdsResponse compares the policies in play.
type ThresholdsResponse struct {
	// Session is the policy of the running (or last) session.
	Session coaching.ThresholdPolicy `json:"session"`

	// Preferences is the policy the user's settings yield before adaptation.
	Preferences coaching.ThresholdPolicy `json:"preferences"`

	// Adaptive is what the next session will start with.
	Adaptive coaching.ThresholdPolicy `json:"adaptive"`

	EffectiveConfidence float64 `json:"effective_confidence"`
	EffectiveCooldown   string  `json:"effective_cooldown"`
}

// RecordsResponse is the current session's log and statistics.
type RecordsResponse struct {
	Records        []coaching.EventRecord `json:"records"`
	Stats          coaching.SessionStats  `json:"stats"`
	AcceptanceRate float64                `json:"acceptance_rate"`
}

// TypeAnalytics handles GET /analytics/types/{type}
func (h *Handlers) TypeAnalytics(w http.ResponseWriter, r *http.Request) {
	t := coaching.PromptType(chi.URLParam(r, "type"))
	if !t.Valid() {
		writeError(w, http.StatusBadRequest, "unknown prompt type "+string(t), "INVALID_TYPE")
		return
	}
	writeJSON(w, http.StatusOK, h.engine.Recorder().TypeAnalytics(t))
}

// MostEffective handles GET /analytics/effective
func (h *Handlers) MostEffective(w http.ResponseWriter, _ *http.Request) {
	types := h.engine.Recorder().MostEffectiveTypes()
	if types == nil {
		types = []coaching.PromptType{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"types": types})
}

// Thresholds handles GET /analytics/thresholds
func (h *Handlers) Thresholds(w http.ResponseWriter, _ *http.Request) {
	session := h.engine.Thresholds()
	base := h.prefs.EffectiveThresholds()
	writeJSON(w, http.StatusOK, ThresholdsResponse{
		Session:             session,
		Preferences:         base,
		Adaptive:            h.engine.Recorder().AdaptiveThresholds(base),
		EffectiveConfidence: session.EffectiveConfidenceThreshold(),
		EffectiveCooldown:   session.EffectiveCooldown().String(),
	})
}

// Records handles GET /analytics/records
func (h *Handlers) Records(w http.ResponseWriter, _ *http.Request) {
	rec := h.engine.Recorder()
	records := rec.Records()
	if records == nil {
		records = []coaching.EventRecord{}
	}
	stats := rec.Stats()
	writeJSON(w, http.StatusOK, RecordsResponse{
		Records:        records,
		Stats:          stats,
		AcceptanceRate: stats.AcceptanceRate(),
	})
}
