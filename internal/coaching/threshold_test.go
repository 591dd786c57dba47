package coaching

import (
	"math"
	"testing"
	"time"
)

func TestNewThresholdPolicy_Clamps(t *testing.T) {
	t.Parallel()

	got := NewThresholdPolicy(ThresholdPolicy{
		MinimumConfidence:     1.7,
		Cooldown:              -time.Second,
		SpeechQuiet:           -time.Second,
		MaxPromptsPerSession:  -3,
		AutoDismiss:           200 * time.Millisecond,
		FadeIn:                -time.Second,
		FadeOut:               -time.Second,
		SensitivityMultiplier: 9,
	})

	if got.MinimumConfidence != 1 {
		t.Errorf("MinimumConfidence = %v, want 1", got.MinimumConfidence)
	}
	if got.Cooldown != 0 || got.SpeechQuiet != 0 || got.FadeIn != 0 || got.FadeOut != 0 {
		t.Errorf("durations not clamped to zero: %+v", got)
	}
	if got.MaxPromptsPerSession != 0 {
		t.Errorf("MaxPromptsPerSession = %d, want 0", got.MaxPromptsPerSession)
	}
	if got.AutoDismiss != time.Second {
		t.Errorf("AutoDismiss = %v, want 1s", got.AutoDismiss)
	}
	if got.SensitivityMultiplier != MaxSensitivity {
		t.Errorf("SensitivityMultiplier = %v, want %v", got.SensitivityMultiplier, MaxSensitivity)
	}

	low := NewThresholdPolicy(ThresholdPolicy{MinimumConfidence: -1, SensitivityMultiplier: 0})
	if low.MinimumConfidence != 0 || low.SensitivityMultiplier != MinSensitivity {
		t.Errorf("low clamp = %+v", low)
	}
}

func TestThresholdPolicy_Effective(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name         string
		confidence   float64
		cooldown     time.Duration
		sensitivity  float64
		wantConf     float64
		wantCooldown time.Duration
	}{
		{"neutral", 0.80, 90 * time.Second, 1.0, 0.80, 90 * time.Second},
		{"sensitive lowers bar", 0.80, 90 * time.Second, 2.0, 0.50, 45 * time.Second},
		{"floor at 0.5", 0.60, 60 * time.Second, 3.0, 0.50, 20 * time.Second},
		{"insensitive capped at 1.0", 0.90, 30 * time.Second, 0.5, 1.0, 60 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			p := NewThresholdPolicy(ThresholdPolicy{
				MinimumConfidence:     tt.confidence,
				Cooldown:              tt.cooldown,
				AutoDismiss:           10 * time.Second,
				SensitivityMultiplier: tt.sensitivity,
			})
			if got := p.EffectiveConfidenceThreshold(); math.Abs(got-tt.wantConf) > 1e-9 {
				t.Errorf("EffectiveConfidenceThreshold = %v, want %v", got, tt.wantConf)
			}
			if got := p.EffectiveCooldown(); got != tt.wantCooldown {
				t.Errorf("EffectiveCooldown = %v, want %v", got, tt.wantCooldown)
			}
		})
	}
}

func TestPreset(t *testing.T) {
	t.Parallel()

	tests := []struct {
		level      Level
		confidence float64
		cooldown   time.Duration
		quiet      time.Duration
		max        int
		dismiss    time.Duration
	}{
		{LevelOff, 0.80, 90 * time.Second, 4 * time.Second, 0, 10 * time.Second},
		{LevelMinimal, 0.90, 180 * time.Second, 5 * time.Second, 2, 8 * time.Second},
		{LevelBalanced, 0.80, 90 * time.Second, 4 * time.Second, 4, 10 * time.Second},
		{LevelActive, 0.70, 45 * time.Second, 3 * time.Second, 8, 12 * time.Second},
	}
	for _, tt := range tests {
		t.Run(string(tt.level), func(t *testing.T) {
			t.Parallel()
			p := Preset(tt.level)
			if p.MinimumConfidence != tt.confidence || p.Cooldown != tt.cooldown ||
				p.SpeechQuiet != tt.quiet || p.MaxPromptsPerSession != tt.max || p.AutoDismiss != tt.dismiss {
				t.Errorf("Preset(%s) = %+v", tt.level, p)
			}
			if p.FadeIn != 300*time.Millisecond || p.FadeOut != 500*time.Millisecond || p.SensitivityMultiplier != 1.0 {
				t.Errorf("Preset(%s) fades/sensitivity = %v/%v/%v", tt.level, p.FadeIn, p.FadeOut, p.SensitivityMultiplier)
			}
		})
	}

	if got := Preset("bogus"); got != Preset(LevelBalanced) {
		t.Errorf("unknown level preset = %+v, want balanced", got)
	}
}

func TestParseLevel(t *testing.T) {
	t.Parallel()
	if l, err := ParseLevel("active"); err != nil || l != LevelActive {
		t.Errorf("ParseLevel(active) = %q, %v", l, err)
	}
	if _, err := ParseLevel("loud"); err == nil {
		t.Error("ParseLevel(loud) should fail")
	}
}
