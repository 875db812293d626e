package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

const (
	defaultWaitMS = 5000
	readPreview   = 2000
)

type Toolbox interface {
	Describe() []Tool
	Invoke(ctx context.Context, name string, input map[string]any) (Result, error)
}

type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

type Result struct {
	Observation string
}

// Controller is the part of browser.Controller the tools drive.
type Controller interface {
	Navigate(ctx context.Context, url, waitUntil string) error
	Click(ctx context.Context, selector string) error
	Fill(ctx context.Context, selector, text string) error
	Type(ctx context.Context, selector, text string) error
	Press(ctx context.Context, key string) error
	Read(ctx context.Context, selector string) (string, error)
	Scroll(ctx context.Context, direction string, distance int) (int, error)
	WaitFor(ctx context.Context, selector string, timeout time.Duration) error
}

type standard struct {
	ctrl  Controller
	tools []Tool
}

func New(ctrl Controller) Toolbox {
	return &standard{
		ctrl: ctrl,
		tools: []Tool{
			newTool("navigate", "Open URL", schema{"url": str("url to open"), "wait_until": str("load|domcontentloaded|networkidle|commit")}, []string{"url"}),
			newTool("click", "Click element by CSS selector or XPath (use selectors from snapshot elements)", schema{"selector": str("CSS selector or XPath")}, []string{"selector"}),
			newTool("fill", "Replace the value of an input", schema{"selector": str("CSS selector or XPath"), "text": str("text to enter")}, []string{"selector", "text"}),
			newTool("type", "Type text key by key into an element (autocomplete fields)", schema{"selector": str("CSS selector or XPath"), "text": str("text to type")}, []string{"selector", "text"}),
			newTool("press", "Press a keyboard key, e.g. Enter, Tab, Escape", schema{"key": str("key name")}, []string{"key"}),
			newTool("scroll", "Scroll page up/down/top/bottom (use sparingly)", schema{"direction": str("down|up|top|bottom|page_down|page_up"), "distance": integer("pixels")}, nil),
			newTool("wait_for", "Wait for selector visible", schema{"selector": str("CSS selector or XPath"), "timeout_ms": integer("timeout ms")}, []string{"selector"}),
			newTool("read", "Read visible text of an element, or the whole page without selector", schema{"selector": str("CSS selector or XPath")}, nil),
		},
	}
}

func (s *standard) Describe() []Tool {
	return append([]Tool(nil), s.tools...)
}

func (s *standard) Invoke(ctx context.Context, name string, input map[string]any) (Result, error) {
	switch name {
	case "navigate":
		url, err := requiredString(input, "url")
		if err != nil {
			return Result{}, err
		}
		if err := s.ctrl.Navigate(ctx, url, optionalString(input, "wait_until")); err != nil {
			return Result{}, err
		}
		return Result{Observation: fmt.Sprintf("opened %s", url)}, nil

	case "click":
		sel, err := selector(input)
		if err != nil {
			return Result{}, err
		}
		if err := s.ctrl.Click(ctx, sel); err != nil {
			return Result{}, err
		}
		return Result{Observation: fmt.Sprintf("clicked %s", sel)}, nil

	case "fill", "type":
		sel, err := selector(input)
		if err != nil {
			return Result{}, err
		}
		// Empty text is a valid fill (clears the field), so only presence is checked.
		text, ok := input["text"].(string)
		if !ok {
			return Result{}, fmt.Errorf("field text required")
		}
		if name == "fill" {
			err = s.ctrl.Fill(ctx, sel, text)
		} else {
			err = s.ctrl.Type(ctx, sel, text)
		}
		if err != nil {
			return Result{}, err
		}
		return Result{Observation: fmt.Sprintf("%s %s", pastTense(name), sel)}, nil

	case "press":
		key, err := requiredString(input, "key")
		if err != nil {
			return Result{}, err
		}
		if err := s.ctrl.Press(ctx, key); err != nil {
			return Result{}, err
		}
		return Result{Observation: fmt.Sprintf("pressed %s", key)}, nil

	case "scroll":
		dir := optionalString(input, "direction")
		if dir == "" {
			dir = "down"
		}
		dist, err := s.ctrl.Scroll(ctx, dir, optionalInt(input, "distance"))
		if err != nil {
			return Result{}, err
		}
		return Result{Observation: fmt.Sprintf("scrolled %s %d", dir, dist)}, nil

	case "wait_for":
		sel, err := selector(input)
		if err != nil {
			return Result{}, err
		}
		timeout := optionalInt(input, "timeout_ms")
		if timeout <= 0 {
			timeout = defaultWaitMS
		}
		if err := s.ctrl.WaitFor(ctx, sel, time.Duration(timeout)*time.Millisecond); err != nil {
			return Result{}, err
		}
		return Result{Observation: fmt.Sprintf("waited %s", sel)}, nil

	case "read":
		sel := sanitizeSelector(optionalString(input, "selector"))
		text, err := s.ctrl.Read(ctx, sel)
		if err != nil {
			return Result{}, err
		}
		return Result{Observation: truncate(strings.TrimSpace(text), readPreview)}, nil

	default:
		return Result{}, fmt.Errorf("unknown tool %s", name)
	}
}

func pastTense(name string) string {
	if name == "type" {
		return "typed into"
	}
	return "filled"
}

// Helpers for schema and extraction.
type schema map[string]any

func newTool(name, desc string, props schema, required []string) Tool {
	if required == nil {
		required = []string{}
	}
	return Tool{
		Name:        name,
		Description: desc,
		InputSchema: map[string]any{
			"type":       "object",
			"properties": props,
			"required":   required,
		},
	}
}

func str(desc string) map[string]any { return map[string]any{"type": "string", "description": desc} }

func integer(desc string) map[string]any {
	return map[string]any{"type": "integer", "description": desc}
}

func selector(input map[string]any) (string, error) {
	sel, err := requiredString(input, "selector")
	if err != nil {
		return "", err
	}
	sel = sanitizeSelector(sel)
	if sel == "" {
		return "", fmt.Errorf("selector is invalid or empty after sanitization")
	}
	return sel, nil
}

func requiredString(input map[string]any, key string) (string, error) {
	val, ok := input[key]
	if !ok {
		return "", fmt.Errorf("field %s required", key)
	}
	switch v := val.(type) {
	case string:
		if strings.TrimSpace(v) == "" {
			return "", fmt.Errorf("field %s empty", key)
		}
		return v, nil
	case json.Number:
		return v.String(), nil
	default:
		return "", fmt.Errorf("field %s must be string", key)
	}
}

func optionalString(input map[string]any, key string) string {
	switch v := input[key].(type) {
	case string:
		return v
	case json.Number:
		return v.String()
	default:
		return ""
	}
}

func optionalInt(input map[string]any, key string) int {
	switch v := input[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case int64:
		return int(v)
	case json.Number:
		i, _ := v.Int64()
		return int(i)
	case string:
		var i int
		if _, err := fmt.Sscanf(v, "%d", &i); err == nil {
			return i
		}
		return 0
	default:
		return 0
	}
}

// sanitizeSelector collapses whitespace models sometimes emit inside selectors.
func sanitizeSelector(sel string) string {
	return strings.Join(strings.Fields(sel), " ")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
