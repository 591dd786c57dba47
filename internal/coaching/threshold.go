package coaching

import (
	"fmt"
	"math"
	"time"
)

// Level names one of the coaching presets.
type Level string

const (
	LevelOff      Level = "off"
	LevelMinimal  Level = "minimal"
	LevelBalanced Level = "balanced"
	LevelActive   Level = "active"
)

// Valid reports whether l names a known preset.
func (l Level) Valid() bool {
	switch l {
	case LevelOff, LevelMinimal, LevelBalanced, LevelActive:
		return true
	}
	return false
}

// ParseLevel converts s to a [Level].
func ParseLevel(s string) (Level, error) {
	l := Level(s)
	if !l.Valid() {
		return "", fmt.Errorf("coaching: unknown level %q (want off, minimal, balanced or active)", s)
	}
	return l, nil
}

// Sensitivity bounds applied by [NewThresholdPolicy].
const (
	MinSensitivity = 0.1
	MaxSensitivity = 3.0
)

// ThresholdPolicy holds the numeric gates that decide whether a prompt may be
// shown. Construct values with [NewThresholdPolicy] or [Preset] so every field
// is inside its valid range.
type ThresholdPolicy struct {
	MinimumConfidence     float64       `json:"minimum_confidence"`
	Cooldown              time.Duration `json:"cooldown"`
	SpeechQuiet           time.Duration `json:"speech_quiet"`
	MaxPromptsPerSession  int           `json:"max_prompts_per_session"`
	AutoDismiss           time.Duration `json:"auto_dismiss"`
	FadeIn                time.Duration `json:"fade_in"`
	FadeOut               time.Duration `json:"fade_out"`
	SensitivityMultiplier float64       `json:"sensitivity_multiplier"`
}

// NewThresholdPolicy returns p with every field clamped to its valid range.
// Out-of-range input is corrected silently.
func NewThresholdPolicy(p ThresholdPolicy) ThresholdPolicy {
	p.MinimumConfidence = clampFloat(p.MinimumConfidence, 0, 1)
	p.Cooldown = max(p.Cooldown, 0)
	p.SpeechQuiet = max(p.SpeechQuiet, 0)
	p.MaxPromptsPerSession = max(p.MaxPromptsPerSession, 0)
	p.AutoDismiss = max(p.AutoDismiss, time.Second)
	p.FadeIn = max(p.FadeIn, 0)
	p.FadeOut = max(p.FadeOut, 0)
	p.SensitivityMultiplier = clampFloat(p.SensitivityMultiplier, MinSensitivity, MaxSensitivity)
	return p
}

// EffectiveConfidenceThreshold is the confidence a prompt needs after the
// sensitivity multiplier is applied, bounded to [0.5, 1.0].
func (p ThresholdPolicy) EffectiveConfidenceThreshold() float64 {
	return clampFloat(p.MinimumConfidence/p.sensitivity(), 0.5, 1.0)
}

// EffectiveCooldown is the cooldown scaled by the sensitivity multiplier.
// Higher sensitivity means a shorter wait.
func (p ThresholdPolicy) EffectiveCooldown() time.Duration {
	return scaleDuration(p.Cooldown, 1/p.sensitivity())
}

// sensitivity guards the division in the derived getters against a policy
// that skipped [NewThresholdPolicy].
func (p ThresholdPolicy) sensitivity() float64 {
	return clampFloat(p.SensitivityMultiplier, MinSensitivity, MaxSensitivity)
}

// Preset returns the fixed policy for level. Unknown levels yield the
// balanced preset.
func Preset(level Level) ThresholdPolicy {
	p := ThresholdPolicy{
		MinimumConfidence:     0.80,
		Cooldown:              90 * time.Second,
		SpeechQuiet:           4 * time.Second,
		MaxPromptsPerSession:  4,
		AutoDismiss:           10 * time.Second,
		FadeIn:                300 * time.Millisecond,
		FadeOut:               500 * time.Millisecond,
		SensitivityMultiplier: 1.0,
	}
	switch level {
	case LevelOff:
		p.MaxPromptsPerSession = 0
	case LevelMinimal:
		p.MinimumConfidence = 0.90
		p.Cooldown = 180 * time.Second
		p.SpeechQuiet = 5 * time.Second
		p.MaxPromptsPerSession = 2
		p.AutoDismiss = 8 * time.Second
	case LevelActive:
		p.MinimumConfidence = 0.70
		p.Cooldown = 45 * time.Second
		p.SpeechQuiet = 3 * time.Second
		p.MaxPromptsPerSession = 8
		p.AutoDismiss = 12 * time.Second
	}
	return NewThresholdPolicy(p)
}

func clampFloat(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return lo
	}
	return math.Min(math.Max(v, lo), hi)
}

// scaleDuration multiplies d by f, rounding to the nearest nanosecond.
func scaleDuration(d time.Duration, f float64) time.Duration {
	return time.Duration(math.Round(float64(d) * f))
}
