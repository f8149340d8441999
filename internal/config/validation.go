package config

import (
	"errors"
	"fmt"
	"os"
)

// Sentinel errors for configuration validation. Wrap with
// fmt.Errorf("%w: details", ErrXxx) and check with errors.Is().
var (
	// ErrInvalidProvider indicates the AI provider is not supported.
	ErrInvalidProvider = errors.New("invalid provider")

	// ErrMissingAPIKey indicates a required API key is missing.
	ErrMissingAPIKey = errors.New("missing API key")

	// ErrInvalidModelName indicates the model name is empty.
	ErrInvalidModelName = errors.New("invalid model name")

	// ErrInvalidTemperature indicates the temperature value is out of range.
	ErrInvalidTemperature = errors.New("invalid temperature")

	// ErrInvalidMaxTokens indicates the max tokens value is out of range.
	ErrInvalidMaxTokens = errors.New("invalid max tokens")

	// ErrInvalidMessageCeiling indicates the inbound message ceiling is invalid.
	ErrInvalidMessageCeiling = errors.New("invalid max message chars")

	// ErrInvalidPromptBudget indicates the prompt character budget is too
	// small to hold even a maximal user message.
	ErrInvalidPromptBudget = errors.New("invalid prompt budget")

	// ErrInvalidHistoryTurns indicates the history window is out of range.
	ErrInvalidHistoryTurns = errors.New("invalid history turns")

	// ErrInvalidRetrieval indicates retrieval top-k or threshold is out of range.
	ErrInvalidRetrieval = errors.New("invalid retrieval settings")

	// ErrInvalidTimeout indicates a timeout or window setting is not positive.
	ErrInvalidTimeout = errors.New("invalid timeout")

	// ErrInvalidPostgresHost indicates the PostgreSQL host is empty.
	ErrInvalidPostgresHost = errors.New("invalid PostgreSQL host")

	// ErrInvalidPostgresPort indicates the PostgreSQL port is out of range.
	ErrInvalidPostgresPort = errors.New("invalid PostgreSQL port")

	// ErrInvalidPostgresDBName indicates the PostgreSQL database name is empty.
	ErrInvalidPostgresDBName = errors.New("invalid PostgreSQL database name")

	// ErrMissingHMACSecret indicates the HMAC secret is not set.
	ErrMissingHMACSecret = errors.New("missing HMAC secret")

	// ErrInvalidHMACSecret indicates the HMAC secret is too short.
	ErrInvalidHMACSecret = errors.New("invalid HMAC secret")
)

// minHMACSecretLength is the minimum byte length accepted for the connection
// token signing secret.
const minHMACSecretLength = 32

// Validate checks all configuration values and fails fast on the first
// violation. Called by Load; callers constructing Config directly (tests)
// should call it themselves.
func (c *Config) Validate() error {
	switch c.Provider {
	case ProviderGemini, ProviderOpenAI, ProviderOllama:
	default:
		return fmt.Errorf("%w: %q (supported: gemini, openai, ollama)", ErrInvalidProvider, c.Provider)
	}

	if c.ModelName == "" {
		return fmt.Errorf("%w: model name must not be empty", ErrInvalidModelName)
	}

	if c.Temperature < 0.0 || c.Temperature > 2.0 {
		return fmt.Errorf("%w: must be between 0.0 and 2.0, got %.2f", ErrInvalidTemperature, c.Temperature)
	}

	if c.MaxTokens < 1 || c.MaxTokens > 65536 {
		return fmt.Errorf("%w: must be between 1 and 65536, got %d", ErrInvalidMaxTokens, c.MaxTokens)
	}

	if c.MaxMessageChars < 1 {
		return fmt.Errorf("%w: must be positive, got %d", ErrInvalidMessageCeiling, c.MaxMessageChars)
	}

	// The budget must fit the largest accepted user message; otherwise the
	// assembler's no-drop guarantee for the current turn cannot hold.
	if c.PromptBudget < c.MaxMessageChars {
		return fmt.Errorf("%w: prompt budget %d is smaller than max message chars %d",
			ErrInvalidPromptBudget, c.PromptBudget, c.MaxMessageChars)
	}

	if c.HistoryTurns < 0 || c.HistoryTurns > 1000 {
		return fmt.Errorf("%w: must be between 0 and 1000, got %d", ErrInvalidHistoryTurns, c.HistoryTurns)
	}

	if c.RetrievalTopK < 0 || c.RetrievalTopK > 50 {
		return fmt.Errorf("%w: top_k must be between 0 and 50, got %d", ErrInvalidRetrieval, c.RetrievalTopK)
	}
	if c.RetrievalThreshold < 0.0 || c.RetrievalThreshold > 1.0 {
		return fmt.Errorf("%w: threshold must be between 0.0 and 1.0, got %.2f", ErrInvalidRetrieval, c.RetrievalThreshold)
	}

	if c.GenerationTimeoutSec < 1 {
		return fmt.Errorf("%w: generation_timeout_sec must be positive, got %d", ErrInvalidTimeout, c.GenerationTimeoutSec)
	}
	if c.TypingIdleMs < 1 {
		return fmt.Errorf("%w: typing_idle_ms must be positive, got %d", ErrInvalidTimeout, c.TypingIdleMs)
	}
	if c.SendTimeoutMs < 1 {
		return fmt.Errorf("%w: send_timeout_ms must be positive, got %d", ErrInvalidTimeout, c.SendTimeoutMs)
	}

	if c.PostgresHost == "" {
		return fmt.Errorf("%w: host must not be empty", ErrInvalidPostgresHost)
	}
	if c.PostgresPort < 1 || c.PostgresPort > 65535 {
		return fmt.Errorf("%w: must be between 1 and 65535, got %d", ErrInvalidPostgresPort, c.PostgresPort)
	}
	if c.PostgresDBName == "" {
		return fmt.Errorf("%w: database name must not be empty", ErrInvalidPostgresDBName)
	}

	return c.validateAPIKey()
}

// ValidateServe performs the additional checks required for serve mode, where
// connection tokens are HMAC-signed and the server is network-exposed.
func (c *Config) ValidateServe() error {
	if c.HMACSecret == "" {
		return fmt.Errorf("%w: set HMAC_SECRET", ErrMissingHMACSecret)
	}
	if len(c.HMACSecret) < minHMACSecretLength {
		return fmt.Errorf("%w: need at least %d bytes, got %d",
			ErrInvalidHMACSecret, minHMACSecretLength, len(c.HMACSecret))
	}
	return nil
}

// validateAPIKey checks the provider's API key environment variable.
// Ollama talks to a local server and needs no key.
func (c *Config) validateAPIKey() error {
	switch c.Provider {
	case ProviderGemini:
		if os.Getenv("GEMINI_API_KEY") == "" && os.Getenv("GOOGLE_API_KEY") == "" {
			return fmt.Errorf("%w: set GEMINI_API_KEY for provider %q", ErrMissingAPIKey, c.Provider)
		}
	case ProviderOpenAI:
		if os.Getenv("OPENAI_API_KEY") == "" {
			return fmt.Errorf("%w: set OPENAI_API_KEY for provider %q", ErrMissingAPIKey, c.Provider)
		}
	}
	return nil
}
