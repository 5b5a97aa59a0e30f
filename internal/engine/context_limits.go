package engine

import "strings"

// reservedTokens is held back from the context window for the system prompt,
// tool schemas and the response.
const reservedTokens = 10_000

// ContextLimit returns the context window for provider/model. overrides is
// consulted first, keyed by "provider/model" then by bare model.
func ContextLimit(provider, model string, overrides map[string]int) int {
	provider = strings.ToLower(strings.TrimSpace(provider))
	model = strings.ToLower(strings.TrimSpace(model))

	if v, ok := overrides[provider+"/"+model]; ok {
		return v
	}
	if v, ok := overrides[model]; ok {
		return v
	}

	switch {
	case strings.HasPrefix(model, "gemini-"):
		return 1_048_576
	case strings.HasPrefix(model, "claude-sonnet-4"), strings.HasPrefix(model, "claude-opus-4"),
		strings.HasPrefix(model, "claude-haiku-4"), strings.HasPrefix(model, "claude-"):
		return 200_000
	case strings.HasPrefix(model, "gpt-4"), model == "o1", model == "o3-mini":
		return 128_000
	}

	switch provider {
	case "google":
		return 1_048_576
	case "anthropic":
		return 200_000
	}
	return 128_000
}

// historyBudget is the share of the context window conversation memory may use.
func historyBudget(provider, model string, overrides map[string]int) int {
	budget := ContextLimit(provider, model, overrides)/2 - reservedTokens
	if budget < 2_000 {
		budget = 2_000
	}
	return budget
}
