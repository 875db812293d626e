package extract

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"github.com/polzovatel/browserflow/internal/llm"
)

const (
	defaultMaxText     = 40000
	defaultInstruction = "Extract the data described by the schema from the page."
	// repairAttempts is how many times an invalid reply is sent back with the
	// validation error.
	repairAttempts = 1
)

const systemPrompt = `You extract structured data from web page text.
Respond with a SINGLE JSON object that conforms to the given JSON Schema and NOTHING else.
Use null or omit optional properties you cannot find. Never invent values.`

const textPrompt = `You answer questions about web page text.
Respond with the answer only, no preamble.`

// TextReader reads visible text; an empty selector means the whole page.
type TextReader interface {
	Read(ctx context.Context, selector string) (string, error)
}

type Request struct {
	Instruction string
	Selector    string
	// Schema is optional. Without it the answer is returned as
	// {"extraction": text}.
	Schema *Schema
}

type Extractor struct {
	llm     llm.Client
	page    TextReader
	logger  zerolog.Logger
	maxText int
}

func New(client llm.Client, page TextReader, logger zerolog.Logger) *Extractor {
	return &Extractor{llm: client, page: page, logger: logger, maxText: defaultMaxText}
}

// Extract reads the page (or the selector's subtree) and asks the model for
// data matching req.Schema. A reply that still fails validation after repair
// is an error.
func (e *Extractor) Extract(ctx context.Context, req Request) (map[string]any, error) {
	text, err := e.page.Read(ctx, req.Selector)
	if err != nil {
		return nil, fmt.Errorf("read page: %w", err)
	}
	text = strings.TrimSpace(text)
	if len(text) > e.maxText {
		e.logger.Debug().Int("size", len(text)).Int("max", e.maxText).Msg("page text truncated for extraction")
		text = truncateText(text, e.maxText)
	}

	if req.Schema == nil {
		return e.extractText(ctx, req.Instruction, text)
	}

	instruction := strings.TrimSpace(req.Instruction)
	if instruction == "" {
		instruction = defaultInstruction
	}
	messages := []llm.Message{{
		Role:    "user",
		Content: fmt.Sprintf("INSTRUCTION: %s\n\nJSON SCHEMA:\n%s\n\nPAGE TEXT:\n%s", instruction, req.Schema.JSON(), text),
	}}

	var lastErr error
	for attempt := 0; attempt <= repairAttempts; attempt++ {
		resp, err := e.llm.Generate(ctx, llm.Request{
			System:      systemPrompt,
			Messages:    messages,
			Temperature: 0.0,
		})
		if err != nil {
			return nil, err
		}
		data, err := decodeObject(resp.Text)
		if err == nil {
			err = req.Schema.Validate(data)
		}
		if err == nil {
			return data, nil
		}
		lastErr = err
		e.logger.Warn().Err(err).Int("attempt", attempt).Msg("extraction does not match schema")
		messages = append(messages,
			llm.Message{Role: "assistant", Content: resp.Text},
			llm.Message{Role: "user", Content: fmt.Sprintf("That reply is invalid: %v\nRespond again with only the corrected JSON object.", err)},
		)
	}
	return nil, fmt.Errorf("extraction does not match schema: %w", lastErr)
}

func (e *Extractor) extractText(ctx context.Context, instruction, text string) (map[string]any, error) {
	if strings.TrimSpace(instruction) == "" {
		return map[string]any{"extraction": text}, nil
	}
	resp, err := e.llm.Generate(ctx, llm.Request{
		System:      textPrompt,
		Messages:    []llm.Message{{Role: "user", Content: fmt.Sprintf("INSTRUCTION: %s\n\nPAGE TEXT:\n%s", instruction, text)}},
		Temperature: 0.0,
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{"extraction": strings.TrimSpace(resp.Text)}, nil
}

// truncateText cuts s to at most n bytes without splitting a rune.
func truncateText(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// codeFenceRe matches markdown code fences wrapping JSON.
var codeFenceRe = regexp.MustCompile("(?si)^```(?:json)?\\s*(.*?)\\s*```$")

func stripCodeFences(s string) string {
	s = strings.TrimSpace(s)
	if m := codeFenceRe.FindStringSubmatch(s); len(m) > 1 {
		return strings.TrimSpace(m[1])
	}
	return s
}

func decodeObject(text string) (map[string]any, error) {
	var v any
	if err := json.Unmarshal([]byte(stripCodeFences(text)), &v); err != nil {
		return nil, fmt.Errorf("reply is not JSON: %w", err)
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return nil, errors.New("reply is not a JSON object")
	}
	return obj, nil
}
