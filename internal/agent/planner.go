package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/polzovatel/browserflow/internal/llm"
	"github.com/polzovatel/browserflow/internal/snapshot"
	"github.com/polzovatel/browserflow/internal/tools"
)

const systemPrompt = `You are a fast, deterministic browser agent.
CRITICAL RULES:
1. Use ONLY the provided tools.
2. Respond with a SINGLE JSON object and NOTHING else: {"action": "...", "input": {...}}
3. BEFORE any action, check page.elements FIRST. Use element.selector values as given.
4. If target elements are not in page.elements, use read to inspect text or scroll to reveal more.
5. If the task is done: {"action":"finish","input":{"message":"..."}}.`

const singleActionRule = `
You are performing ONE action only. Pick the single tool call that carries out the instruction.
If nothing on the page matches, respond {"action":"finish","input":{"message":"<why>"}}.`

const selectPrompt = `You select page elements.
Given a list of indexed elements and an instruction, respond with a SINGLE JSON object and NOTHING else:
{"indices": [<index>, ...]}
Use only indices that appear in the list. Return an empty array if nothing matches.`

type Planner interface {
	Next(ctx context.Context, state State) (Decision, error)
	// Select returns the indices of summary elements matching instruction.
	Select(ctx context.Context, instruction string, summary snapshot.Summary) ([]int, error)
}

type State struct {
	Task    string
	Step    int
	Single  bool
	History []HistoryItem
	Summary snapshot.Summary
	Tools   []tools.Tool
}

type HistoryItem struct {
	Action   string `json:"action"`
	Result   string `json:"result"`
	Selector string `json:"selector,omitempty"`
	URL      string `json:"url,omitempty"`
}

type Decision struct {
	ActionName  string
	ActionInput map[string]any
	Finish      bool
	Message     string
}

type fastPlanner struct {
	llm llm.Client
}

func NewPlanner(client llm.Client) Planner {
	return &fastPlanner{llm: client}
}

func (p *fastPlanner) Next(ctx context.Context, state State) (Decision, error) {
	guidance := fmt.Sprintf("SNAPSHOT: URL=%s, Title=%s, Elements=%d. ", state.Summary.URL, state.Summary.Title, len(state.Summary.Elements))
	if len(state.Summary.Elements) == 0 {
		guidance += "No interactive elements in snapshot. Use read to explore the page or navigate."
	}

	payload := map[string]any{
		"task":     state.Task,
		"step":     state.Step,
		"page":     state.Summary.ToMap(),
		"history":  state.History,
		"tools":    state.Tools,
		"format":   map[string]string{"action": "name", "input": "object"},
		"guidance": guidance,
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Decision{}, err
	}
	system := systemPrompt
	if state.Single {
		system += singleActionRule
	}
	msg := fmt.Sprintf("STATE:\n%s\n\nOUTPUT FORMAT (strict JSON only, no text outside): {\"action\":\"...\",\"input\":{}}\n", string(raw))
	resp, err := p.llm.Generate(ctx, llm.Request{
		System:      system,
		Messages:    []llm.Message{{Role: "user", Content: msg}},
		Tools:       toLLMTools(state.Tools),
		Temperature: 0.0,
		MaxTokens:   400,
	})
	if err != nil {
		return Decision{}, err
	}
	dec, err := parseDecision(resp.Text)
	if err != nil {
		return Decision{}, fmt.Errorf("%w: raw=%q", err, resp.Text)
	}
	return dec, nil
}

func (p *fastPlanner) Select(ctx context.Context, instruction string, summary snapshot.Summary) ([]int, error) {
	msg := fmt.Sprintf("INSTRUCTION: %s\n\nELEMENTS:\n%s\n", instruction, summary.String())
	resp, err := p.llm.Generate(ctx, llm.Request{
		System:      selectPrompt,
		Messages:    []llm.Message{{Role: "user", Content: msg}},
		Temperature: 0.0,
		MaxTokens:   300,
	})
	if err != nil {
		return nil, err
	}
	jsonStr, err := extractJSON(resp.Text)
	if err != nil {
		return nil, fmt.Errorf("%w: raw=%q", err, resp.Text)
	}
	var parsed struct {
		Indices []int `json:"indices"`
	}
	if err := json.Unmarshal([]byte(jsonStr), &parsed); err != nil {
		return nil, fmt.Errorf("llm json parse: %w", err)
	}
	return parsed.Indices, nil
}

func parseDecision(text string) (Decision, error) {
	jsonStr, err := extractJSON(text)
	if err != nil {
		return Decision{}, err
	}
	var parsed struct {
		Action string         `json:"action"`
		Input  map[string]any `json:"input"`
	}
	if err := json.Unmarshal([]byte(jsonStr), &parsed); err != nil {
		return Decision{}, fmt.Errorf("llm json parse: %w", err)
	}
	if parsed.Input == nil {
		parsed.Input = map[string]any{}
	}
	dec := Decision{
		ActionName:  strings.TrimSpace(parsed.Action),
		ActionInput: parsed.Input,
	}
	if dec.ActionName == "" {
		return Decision{}, fmt.Errorf("llm decision has no action")
	}
	if dec.ActionName == "finish" {
		dec.Finish = true
		if msg, ok := parsed.Input["message"].(string); ok {
			dec.Message = msg
		} else if m, ok := parsed.Input["result"].(string); ok {
			dec.Message = m
		} else if t, ok := parsed.Input["text"].(string); ok {
			dec.Message = t
		}
	}
	if dec.Finish && dec.Message == "" {
		dec.Message = fmt.Sprintf("task finished: %v", parsed.Input)
	}
	return dec, nil
}

// extractJSON returns the first balanced top-level object in text.
func extractJSON(text string) (string, error) {
	depth := 0
	start := -1
	inStr := false
	esc := false
	for i := 0; i < len(text); i++ {
		ch := text[i]
		if esc {
			esc = false
			continue
		}
		switch ch {
		case '\\':
			if inStr {
				esc = true
			}
		case '"':
			if depth > 0 {
				inStr = !inStr
			}
		case '{':
			if !inStr {
				if depth == 0 {
					start = i
				}
				depth++
			}
		case '}':
			if !inStr && depth > 0 {
				depth--
				if depth == 0 && start != -1 {
					return text[start : i+1], nil
				}
			}
		}
	}
	return "", fmt.Errorf("json not found")
}

// toLLMTools converts tool descriptors and adds finish, which ends a task.
func toLLMTools(ts []tools.Tool) []llm.Tool {
	if len(ts) == 0 {
		return nil
	}
	res := make([]llm.Tool, 0, len(ts)+1)
	for _, t := range ts {
		res = append(res, llm.Tool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.InputSchema,
		})
	}
	return append(res, llm.Tool{
		Name:        "finish",
		Description: "Finish the task with a short result message",
		InputSchema: map[string]any{
			"type":       "object",
			"properties": map[string]any{"message": map[string]any{"type": "string", "description": "result"}},
			"required":   []string{"message"},
		},
	})
}
