// Package coachtools exposes the coaching engine as an MCP server so that an
// external agent (a transcript driver or an LLM host) can raise coaching
// intents through tool calls.
//
// Tools:
//   - one per coaching intent ("flag_leading_question", "suggest_follow_up",
//     …): queues a prompt of that type.
//   - "notify_speech": restarts the engine's speech-quiet window.
//
// The server is mounted over streamable HTTP with [Handler].
package coachtools

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"go.opentelemetry.io/otel/attribute"

	"github.com/MrWong99/coachd/internal/coaching"
	"github.com/MrWong99/coachd/internal/observe"
)

// Engine is the subset of [*coaching.Engine] used by the tools.
type Engine interface {
	Submit(ctx context.Context, ev coaching.FunctionCallEvent) (coaching.Prompt, coaching.Outcome)
	NotifySpeechDetected()
	UpdateTimestamp(ts float64)
	State() coaching.State
}

// IntentInput is the input of every intent tool.
type IntentInput struct {
	Text       string  `json:"text" jsonschema:"the coaching message shown to the interviewer"`
	Reason     string  `json:"reason,omitempty" jsonschema:"why this intervention helps now"`
	Confidence float64 `json:"confidence" jsonschema:"confidence between 0 and 1"`
	Timestamp  float64 `json:"timestamp,omitempty" jsonschema:"session time in seconds; defaults to the engine's latest timestamp"`
}

// IntentOutput reports what the engine did with the intent.
type IntentOutput struct {
	Outcome  coaching.Outcome `json:"outcome"`
	PromptID string           `json:"prompt_id,omitempty"`
}

// SpeechInput is the input of the notify_speech tool.
type SpeechInput struct {
	Timestamp float64 `json:"timestamp,omitempty" jsonschema:"session time in seconds when speech was detected"`
}

// SpeechOutput acknowledges a speech notification.
type SpeechOutput struct {
	Acknowledged bool `json:"acknowledged"`
}

// ErrNoSession is returned as a tool error when no session is running.
var ErrNoSession = errors.New("coachtools: no active coaching session")

// NewServer builds an MCP server exposing eng. version is reported in the
// server's implementation info.
func NewServer(eng Engine, version string) *mcpsdk.Server {
	s := mcpsdk.NewServer(&mcpsdk.Implementation{Name: "coachd", Version: version}, nil)
	for _, t := range coaching.PromptTypes() {
		mcpsdk.AddTool(s, &mcpsdk.Tool{
			Name:        string(t),
			Description: t.Description(),
		}, intentHandler(eng, t))
	}
	mcpsdk.AddTool(s, &mcpsdk.Tool{
		Name:        "notify_speech",
		Description: "Tell the coach that someone is speaking so prompts wait for a pause.",
	}, speechHandler(eng))
	return s
}

// Handler serves srv over streamable HTTP.
func Handler(srv *mcpsdk.Server) http.Handler {
	return mcpsdk.NewStreamableHTTPHandler(func(*http.Request) *mcpsdk.Server { return srv }, nil)
}

func intentHandler(eng Engine, t coaching.PromptType) mcpsdk.ToolHandlerFor[IntentInput, IntentOutput] {
	return func(ctx context.Context, _ *mcpsdk.CallToolRequest, in IntentInput) (*mcpsdk.CallToolResult, IntentOutput, error) {
		st := eng.State()
		if !st.Active {
			return nil, IntentOutput{}, ErrNoSession
		}
		ts := in.Timestamp
		if ts == 0 {
			ts = st.Timestamp
		}
		args := map[string]string{
			"text":       in.Text,
			"confidence": strconv.FormatFloat(in.Confidence, 'f', -1, 64),
		}
		if in.Reason != "" {
			args["reason"] = in.Reason
		}
		ctx, span := observe.StartSpan(ctx, "coachtools."+string(t))
		defer span.End()

		p, out := eng.Submit(ctx, coaching.FunctionCallEvent{Name: string(t), Arguments: args, Timestamp: ts})
		span.SetAttributes(attribute.String("outcome", string(out)))
		observe.Logger(ctx).Debug("intent tool called", "type", t, "outcome", out, "prompt_id", p.ID)
		return nil, IntentOutput{Outcome: out, PromptID: p.ID}, nil
	}
}

func speechHandler(eng Engine) mcpsdk.ToolHandlerFor[SpeechInput, SpeechOutput] {
	return func(_ context.Context, _ *mcpsdk.CallToolRequest, in SpeechInput) (*mcpsdk.CallToolResult, SpeechOutput, error) {
		if !eng.State().Active {
			return nil, SpeechOutput{}, ErrNoSession
		}
		if in.Timestamp > 0 {
			eng.UpdateTimestamp(in.Timestamp)
		}
		eng.NotifySpeechDetected()
		return nil, SpeechOutput{Acknowledged: true}, nil
	}
}
