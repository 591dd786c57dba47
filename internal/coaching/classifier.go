package coaching

import (
	"log/slog"
	"strconv"
	"strings"

	"github.com/antzucaro/matchr"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

// Defaults applied by [Classifier.Classify] when arguments are missing.
const (
	DefaultPromptText     = "Consider this approach..."
	DefaultConfidence     = 0.85
	DefaultFuzzyThreshold = 0.92
)

// keywordFamily maps name fragments to an intent. Families are scanned in
// slice order and the first hit wins.
type keywordFamily struct {
	intent   PromptType
	keywords []string
}

var keywordFamilies = []keywordFamily{
	{FlagLeadingQuestion, []string{"leading", "bias"}},
	{SuggestFollowUp, []string{"follow", "question"}},
	{ExploreDeeper, []string{"deep", "explore", "probe"}},
	{EncourageElaboration, []string{"elaborat", "example", "clarif"}},
	{SuggestPivot, []string{"pivot", "redirect", "topic"}},
	{TimeCheck, []string{"time", "wrap", "remaining"}},
}

// Classifier turns loosely-typed function-call events into [Prompt] values.
// It never fails: malformed arguments degrade to defaults.
type Classifier struct {
	clock          clockwork.Clock
	newID          func() string
	fuzzyThreshold float64
}

// ClassifierOption configures a [Classifier].
type ClassifierOption func(*Classifier)

// WithClassifierClock sets the clock used for Prompt.CreatedAt.
func WithClassifierClock(c clockwork.Clock) ClassifierOption {
	return func(cl *Classifier) { cl.clock = c }
}

// WithFuzzyThreshold sets the minimum Jaro-Winkler similarity for the fuzzy
// identifier fallback. Values outside (0, 1] disable fuzzy matching.
func WithFuzzyThreshold(t float64) ClassifierOption {
	return func(cl *Classifier) { cl.fuzzyThreshold = t }
}

// WithIDGenerator overrides the prompt ID generator (uuid by default).
func WithIDGenerator(fn func() string) ClassifierOption {
	return func(cl *Classifier) { cl.newID = fn }
}

// NewClassifier returns a classifier with the given options applied.
func NewClassifier(opts ...ClassifierOption) *Classifier {
	c := &Classifier{
		clock:          clockwork.NewRealClock(),
		newID:          uuid.NewString,
		fuzzyThreshold: DefaultFuzzyThreshold,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Resolve maps an event name to an intent: exact identifier first, then a
// case-insensitive keyword scan, then a fuzzy match against the identifiers.
func (c *Classifier) Resolve(name string) (PromptType, bool) {
	name = strings.TrimSpace(name)
	if t := PromptType(name); t.Valid() {
		return t, true
	}

	lower := strings.ToLower(name)
	if lower == "" {
		return "", false
	}
	for _, fam := range keywordFamilies {
		for _, kw := range fam.keywords {
			if strings.Contains(lower, kw) {
				return fam.intent, true
			}
		}
	}

	if c.fuzzyThreshold <= 0 || c.fuzzyThreshold > 1 {
		return "", false
	}
	var (
		best      PromptType
		bestScore float64
	)
	for _, t := range promptTypes {
		if s := matchr.JaroWinkler(lower, string(t), false); s > bestScore {
			best, bestScore = t, s
		}
	}
	if bestScore >= c.fuzzyThreshold {
		return best, true
	}
	return "", false
}

// Classify builds a prompt from an event. ok is false when the name maps to
// no intent; the event is then dropped and logged.
func (c *Classifier) Classify(name string, args map[string]string, timestamp float64) (p Prompt, ok bool) {
	t, ok := c.Resolve(name)
	if !ok {
		slog.Info("coaching: dropping unrecognised function call", "name", name)
		return Prompt{}, false
	}

	text := firstArg(args, "text", "prompt", "message")
	if text == "" {
		text = DefaultPromptText
	}
	return Prompt{
		ID:               c.newID(),
		Type:             t,
		Text:             text,
		Reason:           firstArg(args, "reason", "context"),
		Confidence:       parseConfidence(args["confidence"]),
		SessionTimestamp: timestamp,
		CreatedAt:        c.clock.Now(),
	}, true
}

// firstArg returns the first non-blank value among keys.
func firstArg(args map[string]string, keys ...string) string {
	for _, k := range keys {
		if v := strings.TrimSpace(args[k]); v != "" {
			return v
		}
	}
	return ""
}

func parseConfidence(s string) float64 {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return DefaultConfidence
	}
	return clampFloat(v, 0, 1)
}
