// Package config provides application configuration management with
// multi-source priority.
//
// Configuration sources (highest to lowest priority):
//  1. Environment variables (runtime override)
//  2. Config file (~/.parlor/config.yaml)
//  3. Default values
//
// Main configuration categories:
//   - AI: provider, model, temperature, max tokens, embedder
//   - Chat: message ceiling, prompt budget, history window, retrieval limits
//   - Storage: PostgreSQL connection (see storage.go)
//   - Server: HMAC secret for connection tokens, CORS origins
//
// Sensitive values (passwords, secrets) are masked in MarshalJSON and String.
// Validation is fail-fast with sentinel errors; see validation.go.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// AI provider identifiers used in Config.Provider.
const (
	ProviderGemini = "gemini"
	ProviderOpenAI = "openai"
	ProviderOllama = "ollama"
)

// Default chat pipeline limits. All are overridable via config file or env.
const (
	// DefaultMaxMessageChars is the ceiling on a single inbound user message.
	DefaultMaxMessageChars = 4000

	// DefaultPromptBudget is the maximum assembled prompt size in characters.
	DefaultPromptBudget = 8000

	// DefaultHistoryTurns is how many prior turns are offered to the prompt
	// assembler; older turns are trimmed first.
	DefaultHistoryTurns = 10

	// DefaultRetrievalTopK is the number of ranked chunks requested per query.
	DefaultRetrievalTopK = 5

	// DefaultRetrievalThreshold is the minimum similarity for a chunk to be
	// included as context.
	DefaultRetrievalThreshold = 0.7
)

// Config stores application configuration.
// SECURITY: sensitive fields are explicitly masked in MarshalJSON().
// When adding new sensitive fields, update MarshalJSON.
type Config struct {
	// AI provider and model configuration
	Provider      string  `mapstructure:"provider" json:"provider"`
	ModelName     string  `mapstructure:"model_name" json:"model_name"`
	EmbedderModel string  `mapstructure:"embedder_model" json:"embedder_model"`
	Temperature   float32 `mapstructure:"temperature" json:"temperature"`
	MaxTokens     int     `mapstructure:"max_tokens" json:"max_tokens"`
	OllamaHost    string  `mapstructure:"ollama_host" json:"ollama_host"`

	// Chat pipeline limits
	MaxMessageChars    int     `mapstructure:"max_message_chars" json:"max_message_chars"`
	PromptBudget       int     `mapstructure:"prompt_budget" json:"prompt_budget"`
	HistoryTurns       int     `mapstructure:"history_turns" json:"history_turns"`
	RetrievalTopK      int     `mapstructure:"retrieval_top_k" json:"retrieval_top_k"`
	RetrievalThreshold float64 `mapstructure:"retrieval_threshold" json:"retrieval_threshold"`

	// GenerationTimeoutSec bounds a single provider call. Exceeding it is
	// surfaced as provider_unavailable.
	GenerationTimeoutSec int `mapstructure:"generation_timeout_sec" json:"generation_timeout_sec"`

	// GenerationRPS caps process-wide provider requests per second. Zero
	// disables the limiter.
	GenerationRPS float64 `mapstructure:"generation_rps" json:"generation_rps"`

	// TypingIdleMs is the inactivity window after which a typing indicator
	// auto-clears, independent of explicit stop signals.
	TypingIdleMs int `mapstructure:"typing_idle_ms" json:"typing_idle_ms"`

	// SendTimeoutMs bounds a broadcast send to a single connection; a consumer
	// exceeding it is forcibly unregistered.
	SendTimeoutMs int `mapstructure:"send_timeout_ms" json:"send_timeout_ms"`

	// RateLimitCooldowns maps a provider name to the cooldown (in seconds)
	// surfaced on a rate-limit failure when the provider does not say. The
	// "default" key applies to unlisted providers. Kept as configuration
	// because the set of providers grows.
	RateLimitCooldowns map[string]int `mapstructure:"rate_limit_cooldowns" json:"rate_limit_cooldowns"`

	// Storage configuration (see storage.go)
	PostgresHost     string `mapstructure:"postgres_host" json:"postgres_host"`
	PostgresPort     int    `mapstructure:"postgres_port" json:"postgres_port"`
	PostgresUser     string `mapstructure:"postgres_user" json:"postgres_user"`
	PostgresPassword string `mapstructure:"postgres_password" json:"postgres_password"` // SENSITIVE: masked in MarshalJSON
	PostgresDBName   string `mapstructure:"postgres_db_name" json:"postgres_db_name"`
	PostgresSSLMode  string `mapstructure:"postgres_ssl_mode" json:"postgres_ssl_mode"`

	// Server configuration
	ListenAddr  string   `mapstructure:"listen_addr" json:"listen_addr"`
	HMACSecret  string   `mapstructure:"hmac_secret" json:"hmac_secret"` // SENSITIVE: masked in MarshalJSON
	CORSOrigins []string `mapstructure:"cors_origins" json:"cors_origins"`

	// Observability (optional OTLP trace export)
	OTLPEndpoint string `mapstructure:"otlp_endpoint" json:"otlp_endpoint"`
	ServiceName  string `mapstructure:"service_name" json:"service_name"`
	Environment  string `mapstructure:"environment" json:"environment"`
}

// Load loads configuration.
// Priority: environment variables > configuration file > default values.
func Load() (*Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("getting user home directory: %w", err)
	}

	configDir := filepath.Join(home, ".parlor")
	if err := os.MkdirAll(configDir, 0o750); err != nil {
		return nil, fmt.Errorf("creating config directory: %w", err)
	}

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(configDir)
	viper.AddConfigPath(".")

	setDefaults()
	bindEnvVariables()

	if err := viper.ReadInConfig(); err != nil {
		// Missing config file is fine; defaults apply.
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		slog.Debug("configuration file not found, using defaults",
			"search_paths", []string{configDir, "."})
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing configuration: %w", err)
	}

	// DATABASE_URL overrides individual postgres_* settings.
	if err := cfg.parseDatabaseURL(); err != nil {
		return nil, fmt.Errorf("parsing DATABASE_URL: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating configuration: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets all default configuration values.
func setDefaults() {
	// AI defaults
	viper.SetDefault("provider", ProviderGemini)
	viper.SetDefault("model_name", "gemini-2.5-flash")
	viper.SetDefault("embedder_model", "gemini-embedding-001")
	viper.SetDefault("temperature", 0.7)
	viper.SetDefault("max_tokens", 2048)
	viper.SetDefault("ollama_host", "http://localhost:11434")

	// Chat pipeline defaults
	viper.SetDefault("max_message_chars", DefaultMaxMessageChars)
	viper.SetDefault("prompt_budget", DefaultPromptBudget)
	viper.SetDefault("history_turns", DefaultHistoryTurns)
	viper.SetDefault("retrieval_top_k", DefaultRetrievalTopK)
	viper.SetDefault("retrieval_threshold", DefaultRetrievalThreshold)
	viper.SetDefault("generation_timeout_sec", 120)
	viper.SetDefault("generation_rps", 5)
	viper.SetDefault("typing_idle_ms", 1000)
	viper.SetDefault("send_timeout_ms", 5000)

	// Generic cooldown plus known slow-cooldown providers. Providers that
	// return an explicit retry-after always win over these.
	viper.SetDefault("rate_limit_cooldowns", map[string]int{
		"default": 5,
		"gemini":  10,
		"openai":  30,
	})

	// PostgreSQL defaults (matching docker-compose.yml)
	viper.SetDefault("postgres_host", "localhost")
	viper.SetDefault("postgres_port", 5432)
	viper.SetDefault("postgres_user", "parlor")
	viper.SetDefault("postgres_password", "parlor_dev_password")
	viper.SetDefault("postgres_db_name", "parlor")
	viper.SetDefault("postgres_ssl_mode", "disable")

	// Server defaults
	viper.SetDefault("listen_addr", ":8080")

	// CORS defaults (local web client)
	viper.SetDefault("cors_origins", []string{"http://localhost:5173"})

	// Observability defaults
	viper.SetDefault("service_name", "parlor")
	viper.SetDefault("environment", "dev")
}

// bindEnvVariables binds environment variables explicitly.
// GEMINI_API_KEY and OPENAI_API_KEY are read directly by the Genkit plugins,
// not via viper; Validate() checks their presence per provider.
func bindEnvVariables() {
	// Hardcoded keys cannot fail to bind; a failure here is a bug.
	mustBind := func(key, envVar string) {
		if err := viper.BindEnv(key, envVar); err != nil {
			panic(fmt.Sprintf("BUG: failed to bind %q to %q: %v", key, envVar, err))
		}
	}

	mustBind("hmac_secret", "HMAC_SECRET")
	mustBind("listen_addr", "PARLOR_LISTEN_ADDR")
	mustBind("cors_origins", "PARLOR_CORS_ORIGINS")
	mustBind("provider", "PARLOR_PROVIDER")
	mustBind("model_name", "PARLOR_MODEL_NAME")
	mustBind("ollama_host", "PARLOR_OLLAMA_HOST")
	mustBind("otlp_endpoint", "PARLOR_OTLP_ENDPOINT")
}

// maskedValue is the placeholder for masked sensitive data.
const maskedValue = "████████"

// maskSecret masks a secret string for safe logging. Secrets of 8 characters
// or fewer are fully masked to prevent substring matching; longer secrets show
// the first and last two characters for debug utility.
func maskSecret(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 8 {
		return maskedValue
	}
	return s[:2] + "<" + maskedValue + ">" + s[len(s)-2:]
}

// MarshalJSON implements json.Marshaler with explicit sensitive field masking.
func (c Config) MarshalJSON() ([]byte, error) {
	type alias Config
	a := alias(c)
	a.PostgresPassword = maskSecret(a.PostgresPassword)
	a.HMACSecret = maskSecret(a.HMACSecret)
	data, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	return data, nil
}

// String implements Stringer to prevent accidental printing of secrets.
func (c Config) String() string {
	data, err := c.MarshalJSON()
	if err != nil {
		return fmt.Sprintf("Config{error: %v}", err)
	}
	return string(data)
}

// GenerationTimeout returns the generation hard timeout as a duration.
func (c *Config) GenerationTimeout() time.Duration {
	return time.Duration(c.GenerationTimeoutSec) * time.Second
}

// TypingIdleWindow returns the typing auto-clear window as a duration.
func (c *Config) TypingIdleWindow() time.Duration {
	return time.Duration(c.TypingIdleMs) * time.Millisecond
}

// SendTimeout returns the per-connection broadcast send timeout.
func (c *Config) SendTimeout() time.Duration {
	return time.Duration(c.SendTimeoutMs) * time.Millisecond
}

// RateLimitCooldown returns the configured cooldown for a provider, falling
// back to the "default" entry, then to a conservative 5 seconds.
func (c *Config) RateLimitCooldown(provider string) time.Duration {
	if secs, ok := c.RateLimitCooldowns[provider]; ok {
		return time.Duration(secs) * time.Second
	}
	if secs, ok := c.RateLimitCooldowns["default"]; ok {
		return time.Duration(secs) * time.Second
	}
	return 5 * time.Second
}

// FullModelName returns the provider-qualified model name for Genkit, e.g.
// "googleai/gemini-2.5-flash". A name already containing "/" is returned
// unchanged.
func (c *Config) FullModelName() string {
	return QualifyModelName(c.Provider, c.ModelName)
}
