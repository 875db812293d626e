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
	defaultOpenAIModel = "gpt-4o-mini"

	openAIAPIURL    = "https://api.openai.com/v1/chat/completions"
	openAIMaxTokens = 900
)

type openAIClient struct {
	apiKey     string
	model      string
	url        string
	http       *http.Client
	logger     zerolog.Logger
	retryDelay time.Duration
}

type openAIPayload struct {
	Model       string          `json:"model"`
	Messages    []openAIMessage `json:"messages"`
	Tools       []openAITool    `json:"tools,omitempty"`
	ToolChoice  string          `json:"tool_choice,omitempty"`
	Temperature float64         `json:"temperature"`
	MaxTokens   int             `json:"max_tokens"`
}

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAITool struct {
	Type     string         `json:"type"`
	Function openAIFunction `json:"function"`
}

type openAIFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

type openAIResponse struct {
	Choices []struct {
		Message struct {
			Content   string `json:"content"`
			ToolCalls []struct {
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls,omitempty"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	} `json:"error,omitempty"`
}

func newOpenAI(opts Options, logger zerolog.Logger) *openAIClient {
	model := opts.Model
	if model == "" {
		model = defaultOpenAIModel
	}
	url := openAIAPIURL
	if opts.BaseURL != "" {
		url = strings.TrimRight(opts.BaseURL, "/") + "/v1/chat/completions"
	}
	return &openAIClient{
		apiKey:     opts.APIKey,
		model:      model,
		url:        url,
		http:       &http.Client{Timeout: opts.Timeout},
		logger:     logger,
		retryDelay: retryBaseDelay,
	}
}

func (c *openAIClient) Name() string {
	return c.model
}

func (c *openAIClient) Generate(ctx context.Context, req Request) (Response, error) {
	if len(req.Messages) == 0 {
		return Response{}, errors.New("no messages")
	}
	req = truncateRequest(req, c.logger)

	// OpenAI takes the system prompt as the first message.
	messages := make([]openAIMessage, 0, len(req.Messages)+1)
	if req.System != "" {
		messages = append(messages, openAIMessage{Role: "system", Content: req.System})
	}
	for _, m := range req.Messages {
		messages = append(messages, openAIMessage{Role: m.Role, Content: m.Content})
	}
	payload := openAIPayload{
		Model:       c.model,
		Messages:    messages,
		Temperature: float64(req.Temperature),
		MaxTokens:   max(req.MaxTokens, openAIMaxTokens),
	}
	for _, t := range req.Tools {
		payload.Tools = append(payload.Tools, openAITool{
			Type:     "function",
			Function: openAIFunction{Name: t.Name, Description: t.Description, Parameters: t.InputSchema},
		})
	}
	if len(payload.Tools) > 0 {
		payload.ToolChoice = "auto"
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
				Msg("retrying OpenAI API call")
			select {
			case <-ctx.Done():
				return Response{}, ctx.Err()
			case <-time.After(delay):
			}
		}

		c.logger.Debug().
			Str("model", c.model).
			Int("messages", len(messages)).
			Int("tools", len(payload.Tools)).
			Int("payload_size", len(body)).
			Msg("OpenAI API request")

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
		if err != nil {
			return Response{}, fmt.Errorf("create request: %w", err)
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

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
			Msg("OpenAI API response")

		var apiResp openAIResponse
		parseErr := json.Unmarshal(data, &apiResp)

		if resp.StatusCode >= 400 {
			apiErr := &APIError{Provider: ProviderOpenAI, Status: resp.StatusCode, Message: truncateString(string(data), errorPreviewSize)}
			if parseErr == nil && apiResp.Error != nil {
				apiErr.Type = apiResp.Error.Type
				if apiResp.Error.Message != "" {
					apiErr.Message = apiResp.Error.Message
				}
			}
			lastErr = apiErr
			c.logger.Error().
				Int("status", resp.StatusCode).
				Str("error_type", apiErr.Type).
				Str("error_msg", apiErr.Message).
				Int("attempt", attempt).
				Msg("OpenAI API error")
			if retryable(resp.StatusCode) {
				continue
			}
			return Response{}, lastErr
		}
		if parseErr != nil {
			lastErr = fmt.Errorf("parse response: %w", parseErr)
			continue
		}
		if len(apiResp.Choices) == 0 {
			return Response{}, errors.New("no choices in response")
		}

		usage := Usage{InputTokens: apiResp.Usage.PromptTokens, OutputTokens: apiResp.Usage.CompletionTokens}
		choice := apiResp.Choices[0]

		// A tool call is returned as {"action": name, "input": {...}}.
		if len(choice.Message.ToolCalls) > 0 {
			call := choice.Message.ToolCalls[0]
			c.logger.Debug().
				Str("tool_name", call.Function.Name).
				Str("tool_args", truncateString(call.Function.Arguments, 200)).
				Msg("OpenAI tool call")
			input := map[string]any{}
			if call.Function.Arguments != "" {
				_ = json.Unmarshal([]byte(call.Function.Arguments), &input)
			}
			data, err := json.Marshal(map[string]any{"action": call.Function.Name, "input": input})
			if err != nil {
				return Response{}, fmt.Errorf("marshal tool call: %w", err)
			}
			return Response{Text: string(data), Usage: usage}, nil
		}

		text := choice.Message.Content
		if text == "" {
			return Response{}, errors.New("empty response content")
		}
		c.logger.Debug().
			Str("finish_reason", choice.FinishReason).
			Int("prompt_tokens", usage.InputTokens).
			Int("completion_tokens", usage.OutputTokens).
			Str("response_preview", truncateString(text, 200)).
			Msg("OpenAI API success")

		return Response{Text: text, Usage: usage}, nil
	}

	return Response{}, fmt.Errorf("max retries exceeded: %w", lastErr)
}
