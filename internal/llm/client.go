package llm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"

	defaultTimeout = 60 * time.Second
)

type Client interface {
	Generate(ctx context.Context, req Request) (Response, error)
	Name() string
}

type Request struct {
	System      string
	Messages    []Message
	Tools       []Tool
	Temperature float32
	MaxTokens   int
}

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

type Response struct {
	Text  string
	Usage Usage
}

// Usage is the token accounting reported by the provider for one call.
type Usage struct {
	InputTokens  int `json:"inputTokens"`
	OutputTokens int `json:"outputTokens"`
}

// Options select and configure a provider client.
type Options struct {
	Provider string
	APIKey   string
	Model    string
	// BaseURL overrides the provider endpoint (proxies, tests).
	BaseURL string
	Timeout time.Duration
}

// New creates a client for opts.Provider. Anthropic is the default.
func New(opts Options, logger zerolog.Logger) (Client, error) {
	provider := strings.ToLower(strings.TrimSpace(opts.Provider))
	if provider == "" {
		provider = ProviderAnthropic
	}
	if strings.TrimSpace(opts.APIKey) == "" {
		return nil, fmt.Errorf("missing api key for provider %s", provider)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	opts.Model = strings.Trim(strings.TrimSpace(opts.Model), "\"'")

	switch provider {
	case ProviderOpenAI:
		return newOpenAI(opts, logger), nil
	case ProviderAnthropic:
		return newAnthropic(opts, logger), nil
	default:
		return nil, fmt.Errorf("unknown LLM provider: %s (use 'anthropic' or 'openai')", provider)
	}
}

func truncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
