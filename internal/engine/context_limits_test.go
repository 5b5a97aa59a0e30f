package engine

import "testing"

func TestContextLimit_Overrides(t *testing.T) {
	overrides := map[string]int{
		"google/gemini-2.5-flash": 500_000,
		"my-custom-model":         42_000,
	}
	if got := ContextLimit("google", "gemini-2.5-flash", overrides); got != 500_000 {
		t.Errorf("provider/model override = %d; want 500000", got)
	}
	if got := ContextLimit("anything", "my-custom-model", overrides); got != 42_000 {
		t.Errorf("model override = %d; want 42000", got)
	}
	if got := ContextLimit("anthropic", "claude-sonnet-4-5", overrides); got != 200_000 {
		t.Errorf("non-overridden claude = %d; want 200000", got)
	}
}

func TestContextLimit(t *testing.T) {
	tests := []struct {
		provider string
		model    string
		want     int
	}{
		{"google", "gemini-2.5-flash", 1_048_576},
		{"google", "", 1_048_576},
		{"anthropic", "claude-sonnet-4-20250514", 200_000},
		{"anthropic", "", 200_000},
		{"openai", "gpt-4o", 128_000},
		{"openrouter", "openrouter/auto", 128_000},
		{"openai_compatible", "llama-3.1-70b", 128_000},
		{"openrouter", "Claude-Opus-4", 200_000},
	}
	for _, tt := range tests {
		if got := ContextLimit(tt.provider, tt.model, nil); got != tt.want {
			t.Errorf("ContextLimit(%q, %q) = %d; want %d", tt.provider, tt.model, got, tt.want)
		}
	}
}

func TestHistoryBudget_Floor(t *testing.T) {
	if got := historyBudget("x", "tiny", map[string]int{"tiny": 4_000}); got != 2_000 {
		t.Fatalf("budget = %d; want floor of 2000", got)
	}
	if got := historyBudget("anthropic", "claude-sonnet-4-5", nil); got != 90_000 {
		t.Fatalf("budget = %d; want 90000", got)
	}
}
