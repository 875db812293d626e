package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	defaultAnthropicModel = "claude-sonnet-4-5-20250929"

	anthropicAPIURL  = "https://api.anthropic.com/v1/messages"
	apiVersion       = "2023-06-01"
	anthropicTokens  = 900
	maxRetries       = 3
	retryBaseDelay   = 500 * time.Millisecond
	maxRequestSize   = 200000 // ~200KB limit for safety
	errorPreviewSize = 500
)

type anthropicClient struct {
	apiKey     string
	model      string
	url        string
	http       *http.Client
	logger     zerolog.Logger
	retryDelay time.Duration
}

func newAnthropic(opts Options, logger zerolog.Logger) *anthropicClient {
	model := opts.Model
	if model == "" {
		model = defaultAnthropicModel
	}
	url := anthropicAPIURL
	if opts.BaseURL != "" {
		url = strings.TrimRight(opts.BaseURL, "/") + "/v1/messages"
	}
	return &anthropicClient{
		apiKey:     opts.APIKey,
		model:      model,
		url:        url,
		http:       &http.Client{Timeout: opts.Timeout},
		logger:     logger,
		retryDelay: retryBaseDelay,
	}
}

func (c *anthropicClient) Name() string { return c.model }

func (c *anthropicClient) Generate(ctx context.Context, req Request) (Response, error) {
	if len(req.Messages) == 0 {
		return Response{}, errors.New("no messages")
	}
	req = truncateRequest(req, c.logger)

	payload := anthropicPayload{
		Model:       c.model,
		System:      req.System,
		MaxTokens:   max(req.MaxTokens, anthropicTokens),
		Temperature: float64(req.Temperature),
	}
	for _, m := range req.Messages {
		payload.Messages = append(payload.Messages, anthropicMessage{
			Role:    m.Role,
			Content: []anthropicContent{{Type: "text", Text: m.Content}},
		})
	}
	for _, t := range req.Tools {
		payload.Tools = append(payload.Tools, anthropicTool(t))
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return Response{}, fmt.Errorf("marshal payload: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			delay := c.retryDelay * time.Duration(1<<uint(attempt-1))
			c.logger.Info().
				Int("attempt", attempt).
				Dur("delay", delay).
				Msg("retrying Anthropic API call")
			select {
			case <-ctx.Done():
				return Response{}, ctx.Err()
			case <-time.After(delay):
			}
		}

		c.logger.Debug().
			Str("model", c.model).
			Int("messages", len(payload.Messages)).
			Int("tools", len(payload.Tools)).
			Int("payload_size", len(body)).
			Int("max_tokens", payload.MaxTokens).
			Msg("Anthropic API request")

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
		if err != nil {
			return Response{}, fmt.Errorf("create request: %w", err)
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("x-api-key", c.apiKey)
		httpReq.Header.Set("anthropic-version", apiVersion)

		resp, err := c.http.Do(httpReq)
		if err != nil {
			if ctx.Err() != nil {
				return Response{}, ctx.Err()
			}
			lastErr = fmt.Errorf("http request: %w", err)
			continue
		}
		data, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = fmt.Errorf("read response: %w", err)
			continue
		}

		c.logger.Debug().
			Int("status", resp.StatusCode).
			Int("response_size", len(data)).
			Msg("Anthropic API response")

		if resp.StatusCode >= 400 {
			var envelope struct {
				Error anthropicError `json:"error"`
			}
			_ = json.Unmarshal(data, &envelope)
			apiErr := envelope.Error
			msg := apiErr.Error()
			if msg == "" {
				msg = truncateString(string(data), errorPreviewSize)
			}
			lastErr = &APIError{Provider: ProviderAnthropic, Status: resp.StatusCode, Type: apiErr.Type, Message: msg}

			c.logger.Error().
				Int("status", resp.StatusCode).
				Str("error_type", apiErr.Type).
				Str("error_msg", apiErr.Message).
				Int("attempt", attempt).
				Msg("Anthropic API error")

			if retryable(resp.StatusCode) {
				continue
			}
			return Response{}, lastErr
		}

		var ar anthropicResponse
		if err := json.Unmarshal(data, &ar); err != nil {
			lastErr = fmt.Errorf("parse response: %w", err)
			continue
		}

		text, err := ar.text()
		if err != nil {
			return Response{}, err
		}
		c.logger.Debug().
			Int("response_length", len(text)).
			Int("input_tokens", ar.Usage.InputTokens).
			Int("output_tokens", ar.Usage.OutputTokens).
			Msg("Anthropic API success")

		return Response{
			Text:  text,
			Usage: Usage{InputTokens: ar.Usage.InputTokens, OutputTokens: ar.Usage.OutputTokens},
		}, nil
	}

	return Response{}, fmt.Errorf("max retries exceeded: %w", lastErr)
}

// APIError is a non-2xx provider response.
type APIError struct {
	Provider string
	Status   int
	Type     string
	Message  string
}

func (e *APIError) Error() string {
	if e.Type != "" {
		return fmt.Sprintf("%s %d: %s (type: %s)", e.Provider, e.Status, e.Message, e.Type)
	}
	return fmt.Sprintf("%s %d: %s", e.Provider, e.Status, e.Message)
}

// retryable reports whether a status is worth retrying: rate limits and
// server errors. Other 4xx responses will not improve on retry.
func retryable(status int) bool {
	return status == http.StatusTooManyRequests || status >= 500
}

func truncateRequest(req Request, logger zerolog.Logger) Request {
	msgs := make([]Message, len(req.Messages))
	copy(msgs, req.Messages)
	for i, m := range msgs {
		if len(m.Content) > maxRequestSize {
			logger.Warn().Int("message_idx", i).Int("size", len(m.Content)).Msg("message too large, truncating")
			msgs[i].Content = m.Content[:maxRequestSize] + "... [truncated]"
		}
	}
	req.Messages = msgs
	if len(req.System) > maxRequestSize {
		logger.Warn().Int("size", len(req.System)).Msg("system prompt too large, truncating")
		req.System = req.System[:maxRequestSize] + "... [truncated]"
	}
	return req
}

type anthropicPayload struct {
	Model       string             `json:"model"`
	System      string             `json:"system,omitempty"`
	Messages    []anthropicMessage `json:"messages"`
	Tools       []anthropicTool    `json:"tools,omitempty"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature float64            `json:"temperature"`
}

type anthropicMessage struct {
	Role    string             `json:"role"`
	Content []anthropicContent `json:"content"`
}

type anthropicContent struct {
	Type  string         `json:"type"`
	Text  string         `json:"text,omitempty"`
	Name  string         `json:"name,omitempty"`
	Input map[string]any `json:"input,omitempty"`
}

type anthropicTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

type anthropicResponse struct {
	Content []anthropicContent `json:"content"`
	Usage   struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// text joins the text blocks. A tool_use block is returned instead as
// {"action": name, "input": {...}} so callers parse one shape.
func (r anthropicResponse) text() (string, error) {
	var buf bytes.Buffer
	for _, content := range r.Content {
		switch content.Type {
		case "text":
			buf.WriteString(content.Text)
		case "tool_use":
			input := content.Input
			if input == nil {
				input = map[string]any{}
			}
			data, err := json.Marshal(map[string]any{"action": content.Name, "input": input})
			if err != nil {
				return "", fmt.Errorf("marshal tool call: %w", err)
			}
			return string(data), nil
		}
	}
	return buf.String(), nil
}

type anthropicError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func (e anthropicError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return e.Type
}
