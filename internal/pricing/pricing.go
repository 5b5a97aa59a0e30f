// Package pricing estimates the USD cost of a model call from its token usage.
package pricing

import "strings"

// ModelPricing holds per-million-token costs in USD.
type ModelPricing struct {
	PromptPer1M     float64
	CompletionPer1M float64
}

var knownModels = map[string]ModelPricing{
	// Anthropic
	"claude-sonnet-4-20250514": {3.00, 15.00},
	"claude-sonnet-4-5":        {3.00, 15.00},
	"claude-opus-4-20250514":   {15.00, 75.00},
	"claude-haiku-4-5":         {1.00, 5.00},
	"claude-3-7-sonnet":        {3.00, 15.00},
	// Gemini
	"gemini-2.5-pro":        {1.25, 10.00},
	"gemini-2.5-flash":      {0.075, 0.30},
	"gemini-2.5-flash-lite": {0.0, 0.0},
	// OpenAI
	"gpt-4o":      {2.50, 10.00},
	"gpt-4o-mini": {0.15, 0.60},
}

// Lookup returns pricing for model. Provider prefixes such as "anthropic/"
// are ignored.
func Lookup(model string) (ModelPricing, bool) {
	if i := strings.LastIndex(model, "/"); i >= 0 {
		model = model[i+1:]
	}
	p, ok := knownModels[model]
	return p, ok
}

// EstimateCost returns the estimated USD cost for the given token counts.
// Unknown models cost 0.
func EstimateCost(model string, promptTokens, completionTokens int) float64 {
	p, ok := Lookup(model)
	if !ok {
		return 0.0
	}
	return (float64(promptTokens)/1_000_000)*p.PromptPer1M +
		(float64(completionTokens)/1_000_000)*p.CompletionPer1M
}
