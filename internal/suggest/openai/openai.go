// Package openai implements [suggest.Provider] on the OpenAI chat
// completions API (or any compatible server reachable via BaseURL).
//
// Each request sends the transcript window as the user message and offers
// the six coaching intents as function tools. Every tool call in the reply
// becomes one [coaching.FunctionCallEvent]; JSON arguments are flattened to
// strings because the engine's classifier works on string arguments.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"github.com/MrWong99/coachd/internal/coaching"
	"github.com/MrWong99/coachd/internal/suggest"
)

// Compile-time interface check.
var _ suggest.Provider = (*Provider)(nil)

const systemPrompt = `You are a silent coach assisting a user-research interviewer in real time.
Read the latest part of the interview transcript. Only when a coaching intervention
would clearly help the interviewer right now, call one of the provided tools.
Prefer calling no tool at all over a weak suggestion. For each call give a short
actionable "text", a one-sentence "reason" and a "confidence" between 0 and 1.`

// Config configures a [Provider].
type Config struct {
	APIKey  string
	BaseURL string
	Model   string

	// HTTPClient overrides the default HTTP client (useful in tests).
	HTTPClient *http.Client

	// MaxRetries is passed to the SDK. Zero disables SDK-level retries;
	// the suggest runner's circuit breaker handles persistent failures.
	MaxRetries int
}

// Provider is an OpenAI-backed suggester.
type Provider struct {
	client oai.Client
	model  string
	tools  []oai.ChatCompletionToolParam
}

// New creates a [Provider]. Model is required.
func New(cfg Config) (*Provider, error) {
	if cfg.Model == "" {
		return nil, errors.New("openai: model is required")
	}
	opts := []option.RequestOption{option.WithMaxRetries(cfg.MaxRetries)}
	if cfg.APIKey != "" {
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.HTTPClient != nil {
		opts = append(opts, option.WithHTTPClient(cfg.HTTPClient))
	}
	return &Provider{
		client: oai.NewClient(opts...),
		model:  cfg.Model,
		tools:  Tools(),
	}, nil
}

// Name implements [suggest.Provider].
func (p *Provider) Name() string { return "openai" }

// Tools returns one function tool per coaching intent, most urgent first.
func Tools() []oai.ChatCompletionToolParam {
	types := coaching.PromptTypes()
	tools := make([]oai.ChatCompletionToolParam, 0, len(types))
	for _, t := range types {
		tools = append(tools, oai.ChatCompletionToolParam{
			Type: "function",
			Function: shared.FunctionDefinitionParam{
				Name:        string(t),
				Description: oai.String(t.Description()),
				Parameters: shared.FunctionParameters{
					"type": "object",
					"properties": map[string]any{
						"text": map[string]any{
							"type":        "string",
							"description": "The coaching message shown to the interviewer",
						},
						"reason": map[string]any{
							"type":        "string",
							"description": "Why this intervention helps now",
						},
						"confidence": map[string]any{
							"type":        "number",
							"minimum":     0,
							"maximum":     1,
							"description": "How sure you are that the interviewer should see this",
						},
					},
					"required": []string{"text", "confidence"},
				},
			},
		})
	}
	return tools
}

// Suggest implements [suggest.Provider].
func (p *Provider) Suggest(ctx context.Context, window []suggest.Utterance, ts float64) ([]coaching.FunctionCallEvent, error) {
	resp, err := p.client.Chat.Completions.New(ctx, oai.ChatCompletionNewParams{
		Model: oai.ChatModel(p.model),
		Messages: []oai.ChatCompletionMessageParamUnion{
			oai.SystemMessage(systemPrompt),
			oai.UserMessage(FormatTranscript(window, ts)),
		},
		Tools: p.tools,
	})
	if err != nil {
		return nil, fmt.Errorf("openai: chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, nil
	}

	var events []coaching.FunctionCallEvent
	for _, call := range resp.Choices[0].Message.ToolCalls {
		args, err := FlattenArguments(call.Function.Arguments)
		if err != nil {
			slog.Warn("openai: dropping tool call with malformed arguments", "tool", call.Function.Name, "err", err)
			continue
		}
		events = append(events, coaching.FunctionCallEvent{
			Name:      call.Function.Name,
			Arguments: args,
			Timestamp: ts,
		})
	}
	return events, nil
}

// FormatTranscript renders window as "[mm:ss] speaker: text" lines followed
// by the current session time.
func FormatTranscript(window []suggest.Utterance, ts float64) string {
	var b strings.Builder
	b.WriteString("Transcript (most recent last):\n")
	for _, u := range window {
		speaker := u.Speaker
		if speaker == "" {
			speaker = "unknown"
		}
		fmt.Fprintf(&b, "[%s] %s: %s\n", clockTime(u.Timestamp), speaker, u.Text)
	}
	fmt.Fprintf(&b, "Current session time: %s", clockTime(ts))
	return b.String()
}

func clockTime(sec float64) string {
	s := max(int(sec), 0)
	return fmt.Sprintf("%02d:%02d", s/60, s%60)
}

// FlattenArguments decodes a JSON object of tool arguments into strings.
// Strings are kept verbatim, numbers use the shortest representation and
// any other value is re-encoded as JSON. An empty input yields no arguments.
func FlattenArguments(raw string) (map[string]string, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(raw), &obj); err != nil {
		return nil, fmt.Errorf("openai: decode arguments: %w", err)
	}
	out := make(map[string]string, len(obj))
	for k, v := range obj {
		switch v := v.(type) {
		case string:
			out[k] = v
		case float64:
			out[k] = strconv.FormatFloat(v, 'f', -1, 64)
		case bool:
			out[k] = strconv.FormatBool(v)
		case nil:
		default:
			b, err := json.Marshal(v)
			if err != nil {
				return nil, fmt.Errorf("openai: encode argument %q: %w", k, err)
			}
			out[k] = string(b)
		}
	}
	return out, nil
}
