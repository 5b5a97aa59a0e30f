// Package tokenutil estimates token counts when a backend reports none.
package tokenutil

import "strings"

// EstimateTokens returns a word-based token estimate.
// Splits on whitespace, multiplies by 1.33 (avg tokens/word for English).
// Uses max(wordEstimate, len/4) as floor for code/non-English.
func EstimateTokens(content string) int {
	if content == "" {
		return 0
	}
	words := len(strings.Fields(content))
	wordEstimate := int(float64(words) * 1.33)
	charEstimate := len(content) / 4
	if wordEstimate > charEstimate {
		return wordEstimate
	}
	return charEstimate
}

// FitNewest returns the index of the oldest entry such that contents[i:]
// fits within budget tokens. tokens[i] is used when positive, otherwise the
// content is estimated. The newest entry is always kept.
func FitNewest(contents []string, tokens []int, budget int) int {
	used := 0
	for i := len(contents) - 1; i >= 0; i-- {
		n := 0
		if i < len(tokens) {
			n = tokens[i]
		}
		if n <= 0 {
			n = EstimateTokens(contents[i])
		}
		if used+n > budget && i < len(contents)-1 {
			return i + 1
		}
		used += n
	}
	return 0
}
