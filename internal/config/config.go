package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultProvider     = "anthropic"
	DefaultModel        = "claude-sonnet-4-20250514"
	DefaultBindAddr     = "127.0.0.1:8000"
	DefaultMaxTurns     = 10
	DefaultTaskFileName = ".task-progress.json"
	DefaultDBFileName   = "analyst.db"
	SystemPromptFile    = "SYSTEM.md"
)

// ProviderConfig holds per-provider settings for multi-provider LLM support.
type ProviderConfig struct {
	APIKey  string   `yaml:"api_key"`
	BaseURL string   `yaml:"base_url"`
	Models  []string `yaml:"models"`
}

// LLMConfig selects the backend the agent session client talks to.
type LLMConfig struct {
	// Provider is one of "anthropic", "google", "openai", "openai_compatible", "openrouter".
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
	BaseURL  string `yaml:"base_url"`
	// MaxTurns bounds model/tool round trips within a single user turn.
	MaxTurns int `yaml:"max_turns"`
}

// APIKeyEntry is one accepted gateway credential.
type APIKeyEntry struct {
	Key  string `yaml:"key"`
	Name string `yaml:"name"`
}

type AuthConfig struct {
	Enabled bool          `yaml:"enabled"`
	Keys    []APIKeyEntry `yaml:"keys"`
}

type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute"`
	BurstSize         int  `yaml:"burst_size"`
}

type CORSConfig struct {
	Enabled        bool     `yaml:"enabled"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
	MaxAge         int      `yaml:"max_age"`
}

type OTelConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"`
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
}

// RetentionConfig controls the scheduled purge of journaled sessions.
type RetentionConfig struct {
	// MessagesDays of 0 keeps everything.
	MessagesDays int `yaml:"messages_days"`
	// Schedule is a standard 5-field cron expression.
	Schedule string `yaml:"schedule"`
}

// PlanningConfig toggles automatic task-plan seeding from prompts.
type PlanningConfig struct {
	Enabled         bool `yaml:"enabled"`
	MinPromptLength int  `yaml:"min_prompt_length"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	BindAddr string `yaml:"bind_addr"`
	LogLevel string `yaml:"log_level"`

	LLM LLMConfig `yaml:"llm"`

	// Providers holds per-provider configuration (API keys, custom endpoints, extra models).
	Providers map[string]ProviderConfig `yaml:"providers"`

	// APIKeys holds keys for tools. Keys: "tavily_search", "serpapi_search", "brave_search".
	APIKeys map[string]string `yaml:"api_keys"`

	// PreferredSearch names the search provider to try first. "duckduckgo"
	// also enables the keyless fallback.
	PreferredSearch string `yaml:"preferred_search"`

	// TaskFile is where task progress is persisted. Relative paths resolve against HomeDir.
	TaskFile string `yaml:"task_file"`
	DBPath   string `yaml:"db_path"`

	// InterruptGraceSeconds bounds how long an interrupted turn waits for the
	// backend to acknowledge cancellation before it is ended locally.
	InterruptGraceSeconds int `yaml:"interrupt_grace_seconds"`

	// AllowOrigins controls which Origin headers are accepted for browser WS connections.
	// Empty means local-only.
	AllowOrigins []string `yaml:"allow_origins"`

	Auth      AuthConfig      `yaml:"auth"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	CORS      CORSConfig      `yaml:"cors"`
	OTel      OTelConfig      `yaml:"otel"`
	Retention RetentionConfig `yaml:"retention"`
	Planning  PlanningConfig  `yaml:"planning"`

	// SystemPrompt overrides the built-in prompt when SYSTEM.md exists.
	SystemPrompt string `yaml:"-"`
}

var searchKeyEnv = map[string]string{
	"brave_search":   "BRAVE_API_KEY",
	"tavily_search":  "TAVILY_API_KEY",
	"serpapi_search": "SERPAPI_API_KEY",
}

var providerKeyEnv = map[string]string{
	"google":     "GEMINI_API_KEY",
	"anthropic":  "ANTHROPIC_API_KEY",
	"openai":     "OPENAI_API_KEY",
	"openrouter": "OPENROUTER_API_KEY",
}

// APIKey returns the value for the named tool API key, checking env overrides first.
func (c Config) APIKey(name string) string {
	if envVar, ok := searchKeyEnv[name]; ok {
		if v := os.Getenv(envVar); v != "" {
			return v
		}
	}
	if c.APIKeys != nil {
		return c.APIKeys[name]
	}
	return ""
}

// ProviderAPIKey returns the API key for the given LLM provider, checking env overrides first.
func (c Config) ProviderAPIKey(provider string) string {
	if envVar, ok := providerKeyEnv[provider]; ok {
		if v := os.Getenv(envVar); v != "" {
			return v
		}
	}
	if c.Providers != nil {
		if p, ok := c.Providers[provider]; ok {
			return p.APIKey
		}
	}
	return ""
}

// ResolveLLM returns the effective provider, model, API key and base URL.
func (c Config) ResolveLLM() (provider, model, apiKey, baseURL string) {
	provider = c.LLM.Provider
	if provider == "" {
		provider = DefaultProvider
	}
	model = c.LLM.Model
	if model == "" {
		model = defaultModelForProvider(provider)
	}
	apiKey = c.ProviderAPIKey(provider)
	baseURL = c.LLM.BaseURL
	if baseURL == "" && c.Providers != nil {
		baseURL = c.Providers[provider].BaseURL
	}
	return provider, model, apiKey, baseURL
}

func (c Config) InterruptGrace() time.Duration {
	return time.Duration(c.InterruptGraceSeconds) * time.Second
}

// TaskFilePath resolves TaskFile against the home directory.
func (c Config) TaskFilePath() string {
	return c.resolve(c.TaskFile, DefaultTaskFileName)
}

// DatabasePath resolves DBPath against the home directory.
func (c Config) DatabasePath() string {
	return c.resolve(c.DBPath, DefaultDBFileName)
}

func (c Config) resolve(p, fallback string) string {
	if strings.TrimSpace(p) == "" {
		p = fallback
	}
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.HomeDir, p)
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// loadRawConfig reads config.yaml into a generic map, returning an empty map if the file doesn't exist.
func loadRawConfig(path string) (map[string]any, error) {
	raw := make(map[string]any)
	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("parse config.yaml: %w", err)
		}
	}
	return raw, nil
}

func saveRawConfig(path string, raw map[string]any) error {
	out, err := yaml.Marshal(raw)
	if err != nil {
		return fmt.Errorf("marshal config.yaml: %w", err)
	}
	return os.WriteFile(path, out, 0o644)
}

// SetModel records model as the default in config.yaml, preserving other
// settings. The provider is inferred from the model name when possible.
func SetModel(homeDir, model string) error {
	configPath := ConfigPath(homeDir)
	raw, err := loadRawConfig(configPath)
	if err != nil {
		return err
	}
	llm, _ := raw["llm"].(map[string]any)
	if llm == nil {
		llm = make(map[string]any)
	}
	llm["model"] = model
	if provider := ProviderForModel(model); provider != "" {
		llm["provider"] = provider
	}
	raw["llm"] = llm
	return saveRawConfig(configPath, raw)
}

// Fingerprint returns a stable hash of the settings that affect sessions.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "bind=%s|log=%s|provider=%s|model=%s|turns=%d|grace=%d|tasks=%s|origins=%v",
		c.BindAddr, c.LogLevel, c.LLM.Provider, c.LLM.Model, c.LLM.MaxTurns,
		c.InterruptGraceSeconds, c.TaskFile, c.AllowOrigins)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func defaultConfig() Config {
	return Config{
		BindAddr: DefaultBindAddr,
		LogLevel: "info",
		LLM: LLMConfig{
			Provider: DefaultProvider,
			MaxTurns: DefaultMaxTurns,
		},
		TaskFile:              DefaultTaskFileName,
		DBPath:                DefaultDBFileName,
		InterruptGraceSeconds: 5,
		Retention: RetentionConfig{
			MessagesDays: 90,
			Schedule:     "17 3 * * *",
		},
		Planning: PlanningConfig{
			Enabled:         true,
			MinPromptLength: 100,
		},
	}
}

// HomeDir returns $ANALYST_HOME or ~/.analyst.
func HomeDir() string {
	if override := os.Getenv("ANALYST_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".analyst")
}

// Load reads configuration from HomeDir().
func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

// LoadFrom reads <homeDir>/config.yaml on top of the defaults, then applies
// environment overrides and SYSTEM.md.
func LoadFrom(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create analyst home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil && !os.IsNotExist(err) {
		return cfg, fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	loadTextFiles(&cfg)
	normalize(&cfg)
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.BindAddr == "" {
		cfg.BindAddr = DefaultBindAddr
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	cfg.LLM.Provider = strings.ToLower(strings.TrimSpace(cfg.LLM.Provider))
	switch cfg.LLM.Provider {
	case "":
		cfg.LLM.Provider = DefaultProvider
	case "gemini", "googleai":
		cfg.LLM.Provider = "google"
	}
	if cfg.LLM.Model == "" {
		cfg.LLM.Model = defaultModelForProvider(cfg.LLM.Provider)
	}
	if cfg.LLM.MaxTurns <= 0 {
		cfg.LLM.MaxTurns = DefaultMaxTurns
	}
	if cfg.InterruptGraceSeconds <= 0 {
		cfg.InterruptGraceSeconds = 5
	}
	if strings.TrimSpace(cfg.TaskFile) == "" {
		cfg.TaskFile = DefaultTaskFileName
	}
	if strings.TrimSpace(cfg.Retention.Schedule) == "" {
		cfg.Retention.Schedule = "17 3 * * *"
	}
	if cfg.Retention.MessagesDays < 0 {
		cfg.Retention.MessagesDays = 0
	}
	if cfg.Planning.MinPromptLength <= 0 {
		cfg.Planning.MinPromptLength = 100
	}
	cfg.PreferredSearch = strings.ToLower(strings.TrimSpace(cfg.PreferredSearch))
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("ANALYST_BIND_ADDR"); raw != "" {
		cfg.BindAddr = raw
	}
	if raw := os.Getenv("ANALYST_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("ANALYST_PROVIDER"); raw != "" {
		cfg.LLM.Provider = raw
	}
	if raw := os.Getenv("ANALYST_MODEL"); raw != "" {
		cfg.LLM.Model = raw
	}
	if raw := os.Getenv("ANALYST_MAX_TURNS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.LLM.MaxTurns = v
		}
	}
	if raw := os.Getenv("ANALYST_INTERRUPT_GRACE_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.InterruptGraceSeconds = v
		}
	}
	if raw := os.Getenv("ANALYST_TASK_FILE"); raw != "" {
		cfg.TaskFile = raw
	}
	for name, envVar := range searchKeyEnv {
		if raw := os.Getenv(envVar); raw != "" {
			if cfg.APIKeys == nil {
				cfg.APIKeys = make(map[string]string)
			}
			cfg.APIKeys[name] = raw
		}
	}
}

func loadTextFiles(cfg *Config) {
	if b, err := os.ReadFile(filepath.Join(cfg.HomeDir, SystemPromptFile)); err == nil {
		cfg.SystemPrompt = strings.TrimSpace(string(b))
	}
}
