package coaching

import (
	"testing"

	"github.com/jonboulle/clockwork"
)

func TestClassifier_Resolve(t *testing.T) {
	t.Parallel()

	c := NewClassifier()
	tests := []struct {
		name   string
		want   PromptType
		wantOK bool
	}{
		{"suggest_follow_up", SuggestFollowUp, true},
		{"  time_check ", TimeCheck, true},
		{"flag_leading_question", FlagLeadingQuestion, true},
		{"AskFollowUpNow", SuggestFollowUp, true},
		{"go_DEEPER", ExploreDeeper, true},
		{"probe_motivation", ExploreDeeper, true},
		{"request_example", EncourageElaboration, true},
		{"clarify", EncourageElaboration, true},
		{"redirect_conversation", SuggestPivot, true},
		{"wrap_up", TimeCheck, true},
		{"check_bias", FlagLeadingQuestion, true},
		// "leading" is scanned before "question".
		{"leading_question_alert", FlagLeadingQuestion, true},
		// Typo rescued by the fuzzy fallback.
		{"sugest_folow_up", SuggestFollowUp, true},
		{"encourage_elaboraton", EncourageElaboration, true},
		{"summarise", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, ok := c.Resolve(tt.name)
			if ok != tt.wantOK || got != tt.want {
				t.Errorf("Resolve(%q) = %q, %v; want %q, %v", tt.name, got, ok, tt.want, tt.wantOK)
			}
		})
	}
}

func TestClassifier_FuzzyDisabled(t *testing.T) {
	t.Parallel()
	c := NewClassifier(WithFuzzyThreshold(0))
	if _, ok := c.Resolve("sugest_folow_up"); ok {
		t.Error("fuzzy match should be disabled")
	}
}

func TestClassifier_ClassifyFieldFallbacks(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClockAt(testEpoch)
	c := NewClassifier(WithClassifierClock(clock), WithIDGenerator(func() string { return "fixed" }))

	tests := []struct {
		name       string
		args       map[string]string
		wantText   string
		wantReason string
		wantConf   float64
	}{
		{"defaults", nil, DefaultPromptText, "", DefaultConfidence},
		{"text wins", map[string]string{"text": "A", "prompt": "B", "message": "C"}, "A", "", DefaultConfidence},
		{"prompt fallback", map[string]string{"prompt": "B", "message": "C"}, "B", "", DefaultConfidence},
		{"message fallback", map[string]string{"text": "  ", "message": "C"}, "C", "", DefaultConfidence},
		{"reason", map[string]string{"reason": "R", "context": "X"}, DefaultPromptText, "R", DefaultConfidence},
		{"context fallback", map[string]string{"context": "X"}, DefaultPromptText, "X", DefaultConfidence},
		{"confidence parsed", map[string]string{"confidence": "0.91"}, DefaultPromptText, "", 0.91},
		{"confidence garbage", map[string]string{"confidence": "high"}, DefaultPromptText, "", DefaultConfidence},
		{"confidence clamped", map[string]string{"confidence": "1.4"}, DefaultPromptText, "", 1.0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			p, ok := c.Classify("explore_deeper", tt.args, 42)
			if !ok {
				t.Fatal("Classify returned !ok")
			}
			if p.Text != tt.wantText || p.Reason != tt.wantReason || p.Confidence != tt.wantConf {
				t.Errorf("prompt = %+v", p)
			}
			if p.ID != "fixed" || p.Type != ExploreDeeper || p.SessionTimestamp != 42 || !p.CreatedAt.Equal(testEpoch) {
				t.Errorf("metadata = %+v", p)
			}
		})
	}
}

func TestClassifier_UnknownDropped(t *testing.T) {
	t.Parallel()
	if _, ok := NewClassifier().Classify("weather_report", map[string]string{"text": "sunny"}, 1); ok {
		t.Error("unknown event should not classify")
	}
}

func TestClassifier_DefaultIDsUnique(t *testing.T) {
	t.Parallel()
	c := NewClassifier()
	a, _ := c.Classify("time_check", nil, 0)
	b, _ := c.Classify("time_check", nil, 0)
	if a.ID == "" || a.ID == b.ID {
		t.Errorf("IDs %q and %q should be unique and non-empty", a.ID, b.ID)
	}
}
