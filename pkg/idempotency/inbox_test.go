package idempotency

import (
	"testing"
	"time"
)

func TestEvaluationKeyIsDeterministic(t *testing.T) {
	day := time.Date(2026, 10, 16, 0, 0, 0, 0, time.UTC)

	a := EvaluationKey("p-1", "r-9", day)
	b := EvaluationKey("p-1", "r-9", day)
	if a != b {
		t.Fatalf("keys differ: %s vs %s", a, b)
	}
	if len(a) != 64 {
		t.Errorf("key length = %d, want 64 hex chars", len(a))
	}
}

func TestEvaluationKeyTruncatesToDay(t *testing.T) {
	morning := time.Date(2026, 10, 16, 8, 0, 0, 0, time.UTC)
	evening := time.Date(2026, 10, 16, 22, 45, 0, 0, time.UTC)

	if EvaluationKey("p-1", "r-9", morning) != EvaluationKey("p-1", "r-9", evening) {
		t.Error("same calendar day should produce the same key")
	}
}

func TestEvaluationKeyDistinguishesInputs(t *testing.T) {
	day := time.Date(2026, 10, 16, 0, 0, 0, 0, time.UTC)
	base := EvaluationKey("p-1", "r-9", day)

	tests := []struct {
		name string
		key  string
	}{
		{"other patient", EvaluationKey("p-2", "r-9", day)},
		{"other recipe", EvaluationKey("p-1", "r-10", day)},
		{"no recipe", EvaluationKey("p-1", "", day)},
		{"next day", EvaluationKey("p-1", "r-9", day.AddDate(0, 0, 1))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.key == base {
				t.Errorf("expected a different key")
			}
		})
	}
}

func TestMessageKey(t *testing.T) {
	if MessageKey("recipe.events", "e-1") == MessageKey("sweep.requests", "e-1") {
		t.Error("topic must be part of the key")
	}
	if MessageKey("recipe.events", "e-1") != MessageKey("recipe.events", "e-1") {
		t.Error("message key should be stable")
	}
}

func TestNewInboxAppliesDefaults(t *testing.T) {
	in := NewInbox(nil, Config{}, nil)
	def := DefaultConfig()

	if in.config.TTL != def.TTL {
		t.Errorf("TTL = %v, want %v", in.config.TTL, def.TTL)
	}
	if in.config.RecoveryTimeout != def.RecoveryTimeout {
		t.Errorf("RecoveryTimeout = %v, want %v", in.config.RecoveryTimeout, def.RecoveryTimeout)
	}
	in.Stop()
}
