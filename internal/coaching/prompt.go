// Package coaching implements the real-time coaching decision engine: it
// decides, from a stream of transcript and speech events, whether, when and
// what coaching prompt to surface to an interviewer.
//
// The [Engine] owns the per-session state machine. It consults a
// [Classifier] to interpret inbound function-call events, a
// [ThresholdPolicy] and the injected [Preferences] to gate them, a [Router]
// to pick the delivery mode and a [Recorder] to log outcomes and derive
// adaptive thresholds for the next session.
package coaching

import (
	"fmt"
	"time"
)

// PromptType is one of the six coaching intents.
type PromptType string

const (
	FlagLeadingQuestion  PromptType = "flag_leading_question"
	SuggestFollowUp      PromptType = "suggest_follow_up"
	ExploreDeeper        PromptType = "explore_deeper"
	EncourageElaboration PromptType = "encourage_elaboration"
	SuggestPivot         PromptType = "suggest_pivot"
	TimeCheck            PromptType = "time_check"
)

// promptTypes lists the intents by ascending priority value.
var promptTypes = []PromptType{
	FlagLeadingQuestion,
	SuggestFollowUp,
	ExploreDeeper,
	EncourageElaboration,
	SuggestPivot,
	TimeCheck,
}

// PromptTypes returns every intent ordered from most to least urgent.
func PromptTypes() []PromptType {
	out := make([]PromptType, len(promptTypes))
	copy(out, promptTypes)
	return out
}

// Priority returns the fixed urgency of t, 1 (most urgent) through 6. Unknown
// types sort last.
func (t PromptType) Priority() int {
	for i, pt := range promptTypes {
		if pt == t {
			return i + 1
		}
	}
	return len(promptTypes) + 1
}

// Valid reports whether t is a known intent.
func (t PromptType) Valid() bool {
	return t.Priority() <= len(promptTypes)
}

// Description is a one-line explanation of the intent, used for tool
// schemas exposed to external suggesters.
func (t PromptType) Description() string {
	switch t {
	case FlagLeadingQuestion:
		return "Warn the interviewer that their last question was leading or biased."
	case SuggestFollowUp:
		return "Suggest a follow-up question on what the participant just said."
	case ExploreDeeper:
		return "Encourage probing deeper into the current topic."
	case EncourageElaboration:
		return "Ask the participant for an example or clarification."
	case SuggestPivot:
		return "Suggest redirecting the conversation to a new topic."
	case TimeCheck:
		return "Remind the interviewer about remaining time."
	}
	return ""
}

// Prompt is a single coaching suggestion. Prompts are immutable once created.
type Prompt struct {
	ID               string     `json:"id"`
	Type             PromptType `json:"type"`
	Text             string     `json:"text"`
	Reason           string     `json:"reason,omitempty"`
	Confidence       float64    `json:"confidence"`
	SessionTimestamp float64    `json:"session_timestamp"`
	CreatedAt        time.Time  `json:"created_at"`
}

// Response is the interviewer's reaction to a shown prompt.
type Response string

const (
	ResponseAccepted     Response = "accepted"
	ResponseDismissed    Response = "dismissed"
	ResponseSnoozed      Response = "snoozed"
	ResponseNotResponded Response = "not_responded"
)

// ParseResponse converts s to a [Response].
func ParseResponse(s string) (Response, error) {
	switch r := Response(s); r {
	case ResponseAccepted, ResponseDismissed, ResponseSnoozed, ResponseNotResponded:
		return r, nil
	}
	return "", fmt.Errorf("coaching: unknown response %q", s)
}

// FunctionCallEvent is the function-call-shaped input emitted by a
// transcript driver or suggester.
type FunctionCallEvent struct {
	Name      string            `json:"name"`
	Arguments map[string]string `json:"arguments,omitempty"`
	Timestamp float64           `json:"timestamp"`
}
