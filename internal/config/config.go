package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	// Browser
	CDPURL        string
	Headless      bool
	NavTimeout    time.Duration
	ActionTimeout time.Duration

	// Model
	LLMProvider     string
	AnthropicAPIKey string
	AnthropicModel  string
	OpenAIAPIKey    string
	OpenAIModel     string
	LLMBaseURL      string

	// Agent
	MaxSteps int

	// HTTP host
	Addr   string
	APIKey string
}

func Load() Config {
	cfg := Config{
		CDPURL:        os.Getenv("BROWSERFLOW_CDP_URL"),
		Headless:      envBool("BROWSERFLOW_HEADLESS", true),
		NavTimeout:    envDuration("BROWSERFLOW_NAV_TIMEOUT", 30*time.Second),
		ActionTimeout: envDuration("BROWSERFLOW_ACTION_TIMEOUT", 10*time.Second),

		LLMProvider:     strings.ToLower(envOr("LLM_PROVIDER", "anthropic")),
		AnthropicAPIKey: os.Getenv("ANTHROPIC_API_KEY"),
		AnthropicModel:  os.Getenv("ANTHROPIC_MODEL"),
		OpenAIAPIKey:    os.Getenv("OPENAI_API_KEY"),
		OpenAIModel:     os.Getenv("OPENAI_MODEL"),
		LLMBaseURL:      os.Getenv("LLM_BASE_URL"),

		MaxSteps: envInt("BROWSERFLOW_MAX_STEPS", 20),

		Addr:   envOr("BROWSERFLOW_ADDR", ":8090"),
		APIKey: os.Getenv("BROWSERFLOW_API_KEY"),
	}

	if cfg.NavTimeout <= 0 {
		cfg.NavTimeout = 30 * time.Second
	}
	if cfg.ActionTimeout <= 0 {
		cfg.ActionTimeout = 10 * time.Second
	}
	if cfg.MaxSteps <= 0 {
		cfg.MaxSteps = 20
	}

	return cfg
}

// Validate checks settings that would otherwise fail late. A missing model
// key is not an error: only the model-backed operations need one.
func (c Config) Validate() error {
	switch c.LLMProvider {
	case "anthropic", "openai":
	default:
		return fmt.Errorf("LLM_PROVIDER must be anthropic or openai, got %q", c.LLMProvider)
	}
	if c.CDPURL != "" && !hasScheme(c.CDPURL, "http://", "https://", "ws://", "wss://") {
		return fmt.Errorf("BROWSERFLOW_CDP_URL must start with http://, https://, ws:// or wss://")
	}
	return nil
}

// ModelKey returns the API key for the selected provider.
func (c Config) ModelKey() string {
	if c.LLMProvider == "openai" {
		return c.OpenAIAPIKey
	}
	return c.AnthropicAPIKey
}

// Model returns the model name for the selected provider.
func (c Config) Model() string {
	if c.LLMProvider == "openai" {
		return c.OpenAIModel
	}
	return c.AnthropicModel
}

func hasScheme(s string, schemes ...string) bool {
	for _, p := range schemes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
