package config

import "strings"

// BuiltinModels lists the models offered per provider before user additions.
var BuiltinModels = map[string][]string{
	"anthropic":         {"claude-sonnet-4-20250514", "claude-opus-4-20250514", "claude-sonnet-4-5", "claude-haiku-4-5"},
	"google":            {"gemini-2.5-pro", "gemini-2.5-flash"},
	"openai":            {"gpt-4o", "gpt-4o-mini"},
	"openrouter":        {"openrouter/auto"},
	"openai_compatible": {},
}

func defaultModelForProvider(provider string) string {
	if provider == DefaultProvider {
		return DefaultModel
	}
	if models := BuiltinModels[provider]; len(models) > 0 {
		return models[0]
	}
	return DefaultModel
}

// ProviderForModel infers the provider from a model name. It returns "" when
// the name does not identify one.
func ProviderForModel(model string) string {
	m := strings.ToLower(strings.TrimSpace(model))
	switch {
	case strings.HasPrefix(m, "claude"):
		return "anthropic"
	case strings.HasPrefix(m, "gemini"):
		return "google"
	case strings.HasPrefix(m, "gpt-"), strings.HasPrefix(m, "o1"), strings.HasPrefix(m, "o3"), strings.HasPrefix(m, "o4"):
		return "openai"
	case strings.HasPrefix(m, "openrouter/"):
		return "openrouter"
	}
	return ""
}

// AvailableModels returns the built-in and user-added models for every
// provider that has a usable API key.
func (c Config) AvailableModels() []string {
	var models []string
	for _, provider := range []string{"anthropic", "google", "openai", "openrouter"} {
		if c.ProviderAPIKey(provider) == "" {
			continue
		}
		models = append(models, BuiltinModels[provider]...)
		if c.Providers != nil {
			models = append(models, c.Providers[provider].Models...)
		}
	}
	if len(models) == 0 {
		models = []string{c.LLM.Model}
	}
	return models
}
