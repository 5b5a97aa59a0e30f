package shared

import (
	"regexp"
	"strings"
)

const redactedPlaceholder = "[REDACTED]"

// secretPatterns matches credentials that can leak into logs, tool output and
// journaled tool inputs. Patterns with two groups keep the first group.
var secretPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(api[_-]?key|apikey|secret[_-]?key|auth[_-]?token|bearer)\s*[:=]\s*"?([A-Za-z0-9_\-./+=]{16,})"?`),
	regexp.MustCompile(`(?i)(Bearer\s+)([A-Za-z0-9_\-./+=]{16,})`),
	// Anthropic and OpenAI style keys.
	regexp.MustCompile(`sk-(?:ant-)?[A-Za-z0-9_\-]{20,}`),
	// Google API keys.
	regexp.MustCompile(`AIza[A-Za-z0-9_\-]{30,}`),
	// Tavily keys.
	regexp.MustCompile(`tvly-[A-Za-z0-9_\-]{16,}`),
}

// Redact replaces secret-bearing substrings of input with [REDACTED].
func Redact(input string) string {
	if input == "" {
		return input
	}
	result := input
	for _, pat := range secretPatterns {
		result = pat.ReplaceAllStringFunc(result, func(match string) string {
			submatch := pat.FindStringSubmatch(match)
			if len(submatch) >= 3 {
				return submatch[1] + redactedPlaceholder
			}
			return redactedPlaceholder
		})
	}
	return result
}

// RedactEnvValue hides value when key looks like it names a credential.
func RedactEnvValue(key, value string) string {
	keyLower := strings.ToLower(key)
	for _, sensitive := range []string{"api_key", "apikey", "secret", "token", "password", "credential"} {
		if strings.Contains(keyLower, sensitive) {
			return redactedPlaceholder
		}
	}
	return value
}
