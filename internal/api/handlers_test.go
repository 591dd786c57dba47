package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/MrWong99/coachd/internal/api"
	"github.com/MrWong99/coachd/internal/coaching"
	"github.com/MrWong99/coachd/internal/observe"
	"github.com/MrWong99/coachd/internal/preference"
	"github.com/MrWong99/coachd/internal/suggest"
	"github.com/MrWong99/coachd/pkg/store/memory"
)

// engineSessions is a minimal [api.Sessions] driving the engine directly.
type engineSessions struct {
	eng *coaching.Engine
	mu  sync.Mutex
	n   int
}

func (s *engineSessions) Start(ctx context.Context, _ string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.eng.State().Active {
		return "", coaching.ErrSessionActive
	}
	s.n++
	id := fmt.Sprintf("sess-%d", s.n)
	s.eng.StartSession(ctx, id)
	return id, nil
}

func (s *engineSessions) Stop(ctx context.Context) (coaching.SessionSummary, error) {
	return s.eng.EndSession(ctx)
}

func (s *engineSessions) IsActive() bool { return s.eng.State().Active }

type recordingTranscript struct {
	mu   sync.Mutex
	utts []suggest.Utterance
}

func (r *recordingTranscript) AddUtterance(u suggest.Utterance) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.utts = append(r.utts, u)
}

type testServer struct {
	*httptest.Server
	engine     *coaching.Engine
	prefs      *preference.Store
	transcript *recordingTranscript
}

func setupTestServer(t *testing.T, withTranscript bool) *testServer {
	t.Helper()
	ctx := context.Background()

	m, err := observe.NewMetrics(noop.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	kv := memory.New()
	prefs, err := preference.Open(ctx, kv, preference.WithMetrics(m))
	if err != nil {
		t.Fatalf("preference.Open: %v", err)
	}
	prefs.CompleteOnboarding(ctx)
	prefs.SetEnabled(ctx, true)

	clock := clockwork.NewFakeClockAt(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	rec := coaching.NewRecorder(prefs, coaching.WithRecorderClock(clock), coaching.WithRecorderMetrics(m))
	eng := coaching.NewEngine(prefs, rec,
		coaching.WithClock(clock),
		coaching.WithMetrics(m),
		coaching.WithRouter(coaching.NewRouter(ctx, coaching.WithRouterStore(kv))),
	)

	ts := &testServer{engine: eng, prefs: prefs}
	deps := api.Deps{
		Engine:      eng,
		Preferences: prefs,
		Sessions:    &engineSessions{eng: eng},
		Metrics:     m,
		MetricsHandler: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = io.WriteString(w, "# metrics\n")
		}),
	}
	if withTranscript {
		ts.transcript = &recordingTranscript{}
		deps.Transcript = ts.transcript
	}
	ts.Server = httptest.NewServer(api.NewRouter(deps))
	t.Cleanup(ts.Close)
	return ts
}

// do sends a JSON request and decodes the JSON response into out (when
// non-nil). It returns the status code.
func (ts *testServer) do(t *testing.T, method, path string, body any, out any) int {
	t.Helper()
	var rd io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		rd = strings.NewReader(b)
	default:
		data, err := json.Marshal(b)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, ts.URL+path, rd)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("%s %s: decode response: %v", method, path, err)
		}
	}
	return resp.StatusCode
}

func (ts *testServer) startSession(t *testing.T) {
	t.Helper()
	if code := ts.do(t, http.MethodPost, "/api/v1/sessions", nil, nil); code != http.StatusCreated {
		t.Fatalf("POST /sessions status = %d, want 201", code)
	}
}

func followUp(confidence string) coaching.FunctionCallEvent {
	return coaching.FunctionCallEvent{
		Name:      "suggest_follow_up",
		Arguments: map[string]string{"text": "Ask what made that frustrating", "confidence": confidence},
		Timestamp: 42,
	}
}

func TestOperationalEndpoints(t *testing.T) {
	t.Parallel()
	ts := setupTestServer(t, false)

	for _, path := range []string{"/healthz", "/readyz", "/metrics"} {
		resp, err := http.Get(ts.URL + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("GET %s status = %d, want 200", path, resp.StatusCode)
		}
	}
}

func TestPreferences_GetAndUpdate(t *testing.T) {
	t.Parallel()
	ts := setupTestServer(t, false)

	var got api.PreferencesResponse
	if code := ts.do(t, http.MethodGet, "/api/v1/preferences", nil, &got); code != http.StatusOK {
		t.Fatalf("GET status = %d", code)
	}
	if !got.ShouldRun || got.Level != coaching.LevelBalanced {
		t.Errorf("initial preferences = %+v, want balanced and runnable", got)
	}

	update := map[string]any{"level": "active", "custom_auto_dismiss": "5s", "custom_sensitivity": 2.0}
	if code := ts.do(t, http.MethodPut, "/api/v1/preferences", update, &got); code != http.StatusOK {
		t.Fatalf("PUT status = %d", code)
	}
	if got.Level != coaching.LevelActive {
		t.Errorf("level = %q, want active", got.Level)
	}
	if got.EffectiveThresholds.AutoDismiss != 5*time.Second {
		t.Errorf("auto dismiss = %v, want 5s", got.EffectiveThresholds.AutoDismiss)
	}
	if got.EffectiveThresholds.SensitivityMultiplier != 2.0 {
		t.Errorf("sensitivity = %v, want 2", got.EffectiveThresholds.SensitivityMultiplier)
	}

	// Clearing the override restores the preset.
	var cleared api.PreferencesResponse
	if code := ts.do(t, http.MethodPut, "/api/v1/preferences", map[string]any{"custom_auto_dismiss": ""}, &cleared); code != http.StatusOK {
		t.Fatalf("PUT clear status = %d", code)
	}
	if cleared.CustomAutoDismiss != nil {
		t.Errorf("custom auto dismiss = %v, want cleared", *cleared.CustomAutoDismiss)
	}
	if cleared.EffectiveThresholds.AutoDismiss != 12*time.Second {
		t.Errorf("auto dismiss = %v, want the active preset's 12s", cleared.EffectiveThresholds.AutoDismiss)
	}
}

func TestPreferences_InvalidUpdateChangesNothing(t *testing.T) {
	t.Parallel()
	ts := setupTestServer(t, false)

	var errResp api.ErrorResponse
	body := map[string]any{"level": "maximal", "custom_sensitivity": 2.5}
	if code := ts.do(t, http.MethodPut, "/api/v1/preferences", body, &errResp); code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", code)
	}
	if errResp.Code != "INVALID_LEVEL" {
		t.Errorf("code = %q, want INVALID_LEVEL", errResp.Code)
	}
	if got := ts.prefs.Snapshot().CustomSensitivity; got != 1.0 {
		t.Errorf("sensitivity = %v, want unchanged 1.0", got)
	}

	if code := ts.do(t, http.MethodPut, "/api/v1/preferences", `{"colour":"blue"}`, &errResp); code != http.StatusBadRequest {
		t.Fatalf("unknown field status = %d, want 400", code)
	}
	if errResp.Code != "INVALID_BODY" {
		t.Errorf("code = %q, want INVALID_BODY", errResp.Code)
	}
}

func TestPreferences_EnableDisable(t *testing.T) {
	t.Parallel()
	ts := setupTestServer(t, false)
	ts.startSession(t)

	var got api.PreferencesResponse
	ts.do(t, http.MethodPost, "/api/v1/preferences/disable", nil, &got)
	if got.Enabled || ts.engine.State().Enabled {
		t.Fatal("coaching should be disabled in preferences and engine")
	}
	ts.do(t, http.MethodPost, "/api/v1/preferences/enable", nil, &got)
	if !got.Enabled || !ts.engine.State().Enabled {
		t.Fatal("coaching should be enabled in preferences and engine")
	}
}

func TestSessions_Lifecycle(t *testing.T) {
	t.Parallel()
	ts := setupTestServer(t, false)

	var errResp api.ErrorResponse
	if code := ts.do(t, http.MethodGet, "/api/v1/sessions/current", nil, &errResp); code != http.StatusNotFound {
		t.Fatalf("GET current before start = %d, want 404", code)
	}

	var st coaching.State
	if code := ts.do(t, http.MethodPost, "/api/v1/sessions", map[string]string{"label": "P01"}, &st); code != http.StatusCreated {
		t.Fatalf("POST status = %d, want 201", code)
	}
	if !st.Active || st.SessionID != "sess-1" {
		t.Errorf("state = %+v, want active sess-1", st)
	}

	if code := ts.do(t, http.MethodPost, "/api/v1/sessions", nil, &errResp); code != http.StatusConflict {
		t.Fatalf("second POST status = %d, want 409", code)
	}
	if errResp.Code != "SESSION_ACTIVE" {
		t.Errorf("code = %q, want SESSION_ACTIVE", errResp.Code)
	}

	if code := ts.do(t, http.MethodGet, "/api/v1/sessions/current", nil, &st); code != http.StatusOK {
		t.Fatalf("GET current = %d, want 200", code)
	}

	var summary coaching.SessionSummary
	if code := ts.do(t, http.MethodDelete, "/api/v1/sessions/current", nil, &summary); code != http.StatusOK {
		t.Fatalf("DELETE status = %d, want 200", code)
	}
	if summary.SessionID != "sess-1" {
		t.Errorf("summary session = %q, want sess-1", summary.SessionID)
	}
	if code := ts.do(t, http.MethodDelete, "/api/v1/sessions/current", nil, &errResp); code != http.StatusNotFound {
		t.Fatalf("second DELETE status = %d, want 404", code)
	}
}

func TestEvents_FunctionCallShowsAndAccepts(t *testing.T) {
	t.Parallel()
	ts := setupTestServer(t, false)
	ts.startSession(t)

	var sub api.SubmitResponse
	if code := ts.do(t, http.MethodPost, "/api/v1/events/function-call", followUp("0.95"), &sub); code != http.StatusOK {
		t.Fatalf("status = %d, want 200", code)
	}
	if sub.Outcome != coaching.OutcomeShown || sub.PromptID == "" {
		t.Fatalf("submit = %+v, want shown with an ID", sub)
	}

	var pr api.PromptResponse
	ts.do(t, http.MethodGet, "/api/v1/prompt", nil, &pr)
	if pr.Prompt == nil || pr.Prompt.ID != sub.PromptID {
		t.Fatalf("current prompt = %+v, want %s", pr.Prompt, sub.PromptID)
	}
	if pr.Prompt.Type != coaching.SuggestFollowUp || pr.Prompt.SessionTimestamp != 42 {
		t.Errorf("prompt = %+v, want follow-up at 42s", pr.Prompt)
	}

	if code := ts.do(t, http.MethodPost, "/api/v1/prompt/accept", nil, nil); code != http.StatusOK {
		t.Fatalf("accept status = %d, want 200", code)
	}
	var errResp api.ErrorResponse
	if code := ts.do(t, http.MethodPost, "/api/v1/prompt/dismiss", nil, &errResp); code != http.StatusConflict {
		t.Fatalf("dismiss without prompt = %d, want 409", code)
	}
	if errResp.Code != "NO_PROMPT" {
		t.Errorf("code = %q, want NO_PROMPT", errResp.Code)
	}

	var a coaching.TypeAnalytics
	ts.do(t, http.MethodGet, "/api/v1/analytics/types/suggest_follow_up", nil, &a)
	if a.Shown != 1 || a.Accepted != 1 || a.AcceptanceRate != 1 {
		t.Errorf("analytics = %+v, want 1 shown 1 accepted", a)
	}

	var recs api.RecordsResponse
	ts.do(t, http.MethodGet, "/api/v1/analytics/records", nil, &recs)
	if len(recs.Records) != 1 || recs.Records[0].Response != coaching.ResponseAccepted {
		t.Errorf("records = %+v, want one accepted record", recs.Records)
	}
}

func TestEvents_FunctionCallValidation(t *testing.T) {
	t.Parallel()
	ts := setupTestServer(t, false)

	tests := []struct {
		name     string
		body     any
		wantCode int
		wantErr  string
	}{
		{"no session", followUp("0.95"), http.StatusConflict, "NO_SESSION"},
		{"missing name", map[string]any{"timestamp": 1}, http.StatusBadRequest, "MISSING_NAME"},
		{"malformed", "{", http.StatusBadRequest, "INVALID_BODY"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var errResp api.ErrorResponse
			if code := ts.do(t, http.MethodPost, "/api/v1/events/function-call", tt.body, &errResp); code != tt.wantCode {
				t.Fatalf("status = %d, want %d", code, tt.wantCode)
			}
			if errResp.Code != tt.wantErr {
				t.Errorf("code = %q, want %q", errResp.Code, tt.wantErr)
			}
		})
	}
}

func TestEvents_LowConfidenceRejected(t *testing.T) {
	t.Parallel()
	ts := setupTestServer(t, false)
	ts.startSession(t)

	var sub api.SubmitResponse
	ts.do(t, http.MethodPost, "/api/v1/events/function-call", followUp("0.2"), &sub)
	if sub.Outcome != coaching.OutcomeRejected {
		t.Errorf("outcome = %q, want rejected", sub.Outcome)
	}
}

func TestEvents_SpeechAndTimestamp(t *testing.T) {
	t.Parallel()
	ts := setupTestServer(t, false)
	ts.startSession(t)

	if code := ts.do(t, http.MethodPost, "/api/v1/events/timestamp", map[string]float64{"timestamp": 61.5}, nil); code != http.StatusNoContent {
		t.Fatalf("timestamp status = %d, want 204", code)
	}
	if got := ts.engine.State().Timestamp; got != 61.5 {
		t.Errorf("timestamp = %v, want 61.5", got)
	}
	if code := ts.do(t, http.MethodPost, "/api/v1/events/timestamp", map[string]float64{"timestamp": -1}, nil); code != http.StatusBadRequest {
		t.Errorf("negative timestamp status = %d, want 400", code)
	}

	if code := ts.do(t, http.MethodPost, "/api/v1/events/speech", nil, nil); code != http.StatusNoContent {
		t.Fatalf("speech status = %d, want 204", code)
	}
	if ts.engine.State().SpeechRemaining <= 0 {
		t.Error("speech-quiet window should be running after a speech event")
	}

	var sub api.SubmitResponse
	ts.do(t, http.MethodPost, "/api/v1/events/function-call", followUp("0.95"), &sub)
	if sub.Outcome != coaching.OutcomeQueued {
		t.Errorf("outcome while speaking = %q, want queued", sub.Outcome)
	}
}

func TestEvents_TranscriptForwarding(t *testing.T) {
	t.Parallel()

	t.Run("with suggester", func(t *testing.T) {
		t.Parallel()
		ts := setupTestServer(t, true)
		var resp api.TranscriptResponse
		u := suggest.Utterance{Speaker: "participant", Text: "It was slow.", Timestamp: 12}
		if code := ts.do(t, http.MethodPost, "/api/v1/events/transcript", u, &resp); code != http.StatusAccepted {
			t.Fatalf("status = %d, want 202", code)
		}
		if !resp.Forwarded || len(ts.transcript.utts) != 1 || ts.transcript.utts[0] != u {
			t.Errorf("forwarded = %v, utterances = %+v", resp.Forwarded, ts.transcript.utts)
		}
		if got := ts.engine.State().Timestamp; got != 12 {
			t.Errorf("timestamp = %v, want 12", got)
		}
	})

	t.Run("without suggester", func(t *testing.T) {
		t.Parallel()
		ts := setupTestServer(t, false)
		var resp api.TranscriptResponse
		ts.do(t, http.MethodPost, "/api/v1/events/transcript", suggest.Utterance{Text: "hello"}, &resp)
		if resp.Forwarded {
			t.Error("nothing should be forwarded without a suggester")
		}
		var errResp api.ErrorResponse
		if code := ts.do(t, http.MethodPost, "/api/v1/events/transcript", suggest.Utterance{Speaker: "x"}, &errResp); code != http.StatusBadRequest {
			t.Errorf("blank text status = %d, want 400", code)
		}
	})
}

func TestDeliveryMode_PullFlow(t *testing.T) {
	t.Parallel()
	ts := setupTestServer(t, false)
	ts.startSession(t)

	var mode api.DeliveryModeBody
	ts.do(t, http.MethodGet, "/api/v1/delivery-mode", nil, &mode)
	if mode.Mode != string(coaching.ModeRealtime) {
		t.Errorf("default mode = %q, want realtime", mode.Mode)
	}
	if code := ts.do(t, http.MethodPut, "/api/v1/delivery-mode", api.DeliveryModeBody{Mode: "pull"}, &mode); code != http.StatusOK {
		t.Fatalf("PUT status = %d", code)
	}

	var sub api.SubmitResponse
	ts.do(t, http.MethodPost, "/api/v1/events/function-call", followUp("0.95"), &sub)
	if sub.Outcome != coaching.OutcomePulled {
		t.Fatalf("outcome = %q, want pull_queued", sub.Outcome)
	}

	var q api.QueueResponse
	ts.do(t, http.MethodGet, "/api/v1/pull", nil, &q)
	if q.Count != 1 {
		t.Fatalf("pull queue = %d, want 1", q.Count)
	}

	var p coaching.Prompt
	if code := ts.do(t, http.MethodPost, "/api/v1/pull/next", nil, &p); code != http.StatusOK {
		t.Fatalf("pull next status = %d", code)
	}
	if p.ID != sub.PromptID {
		t.Errorf("pulled %q, want %q", p.ID, sub.PromptID)
	}

	var errResp api.ErrorResponse
	if code := ts.do(t, http.MethodPost, "/api/v1/pull/next", nil, &errResp); code != http.StatusConflict || errResp.Code != "PROMPT_ACTIVE" {
		t.Errorf("pull while visible = %d %q, want 409 PROMPT_ACTIVE", code, errResp.Code)
	}
	ts.do(t, http.MethodPost, "/api/v1/prompt/dismiss", nil, nil)
	if code := ts.do(t, http.MethodPost, "/api/v1/pull/next", nil, &errResp); code != http.StatusNotFound || errResp.Code != "QUEUE_EMPTY" {
		t.Errorf("pull empty = %d %q, want 404 QUEUE_EMPTY", code, errResp.Code)
	}

	var cleared api.ClearedResponse
	ts.do(t, http.MethodDelete, "/api/v1/pull", nil, &cleared)
	if cleared.Cleared != 0 {
		t.Errorf("cleared = %d, want 0", cleared.Cleared)
	}

	if code := ts.do(t, http.MethodPut, "/api/v1/delivery-mode", api.DeliveryModeBody{Mode: "sometimes"}, &errResp); code != http.StatusBadRequest {
		t.Errorf("invalid mode status = %d, want 400", code)
	}
}

func TestDeliveryMode_PullWhileDisabled(t *testing.T) {
	t.Parallel()
	ts := setupTestServer(t, false)
	ts.startSession(t)

	ts.do(t, http.MethodPut, "/api/v1/delivery-mode", api.DeliveryModeBody{Mode: "pull"}, nil)
	var sub api.SubmitResponse
	ts.do(t, http.MethodPost, "/api/v1/events/function-call", followUp("0.95"), &sub)
	if sub.Outcome != coaching.OutcomePulled {
		t.Fatalf("outcome = %q, want pull_queued", sub.Outcome)
	}
	ts.do(t, http.MethodPost, "/api/v1/preferences/disable", nil, nil)

	var errResp api.ErrorResponse
	if code := ts.do(t, http.MethodPost, "/api/v1/pull/next", nil, &errResp); code != http.StatusConflict || errResp.Code != "COACHING_DISABLED" {
		t.Errorf("pull while disabled = %d %q, want 409 COACHING_DISABLED", code, errResp.Code)
	}
	if _, shown := ts.engine.CurrentPrompt(); shown {
		t.Error("pull while disabled showed a prompt")
	}
}

func TestDeliveryMode_Preview(t *testing.T) {
	t.Parallel()
	ts := setupTestServer(t, false)
	ts.startSession(t)
	ts.do(t, http.MethodPut, "/api/v1/delivery-mode", api.DeliveryModeBody{Mode: "preview"}, nil)

	var sub api.SubmitResponse
	ts.do(t, http.MethodPost, "/api/v1/events/function-call", followUp("0.95"), &sub)
	if sub.Outcome != coaching.OutcomePreviewed {
		t.Fatalf("outcome = %q, want previewed", sub.Outcome)
	}
	var q api.QueueResponse
	ts.do(t, http.MethodGet, "/api/v1/preview", nil, &q)
	if q.Count != 1 {
		t.Fatalf("preview = %d, want 1", q.Count)
	}
	var cleared api.ClearedResponse
	ts.do(t, http.MethodDelete, "/api/v1/preview", nil, &cleared)
	if cleared.Cleared != 1 {
		t.Errorf("cleared = %d, want 1", cleared.Cleared)
	}
}

func TestAnalytics(t *testing.T) {
	t.Parallel()
	ts := setupTestServer(t, false)
	ts.startSession(t)

	var errResp api.ErrorResponse
	if code := ts.do(t, http.MethodGet, "/api/v1/analytics/types/small_talk", nil, &errResp); code != http.StatusBadRequest {
		t.Errorf("unknown type status = %d, want 400", code)
	}

	var eff map[string][]coaching.PromptType
	ts.do(t, http.MethodGet, "/api/v1/analytics/effective", nil, &eff)
	if types, ok := eff["types"]; !ok || len(types) != 0 {
		t.Errorf("effective = %v, want empty list", eff)
	}

	var th api.ThresholdsResponse
	ts.do(t, http.MethodGet, "/api/v1/analytics/thresholds", nil, &th)
	if th.Session.MinimumConfidence != 0.80 {
		t.Errorf("session confidence = %v, want 0.80", th.Session.MinimumConfidence)
	}
	if th.EffectiveCooldown != "1m30s" {
		t.Errorf("effective cooldown = %q, want 1m30s", th.EffectiveCooldown)
	}
	if th.Adaptive != th.Preferences {
		t.Error("without lifetime history adaptive thresholds should equal preferences")
	}
}

func TestStream_SendsSnapshotThenEvents(t *testing.T) {
	t.Parallel()
	ts := setupTestServer(t, false)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/stream"
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")

	var first api.StreamMessage
	if err := wsjson.Read(ctx, conn, &first); err != nil {
		t.Fatalf("read snapshot: %v", err)
	}
	if first.Type != api.StreamState || first.State == nil || first.State.Active {
		t.Fatalf("first frame = %+v, want inactive state snapshot", first)
	}

	ts.startSession(t)

	for {
		var msg api.StreamMessage
		if err := wsjson.Read(ctx, conn, &msg); err != nil {
			t.Fatalf("read event: %v", err)
		}
		if msg.Type == api.StreamEvent && msg.Event != nil && msg.Event.Kind == coaching.EventSessionStarted {
			if msg.Event.SessionID != "sess-1" {
				t.Errorf("session = %q, want sess-1", msg.Event.SessionID)
			}
			return
		}
	}
}
