package node

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/playwright-community/playwright-go"

	"github.com/polzovatel/browserflow/internal/browser"
	"github.com/polzovatel/browserflow/internal/llm"
)

// fakeController is an in-memory browser.Controller.
type fakeController struct {
	url      string
	title    string
	body     string
	elements []any
	shot     []byte
	cdp      map[string]func(params map[string]any) (any, error)

	calls  []string
	closed bool
}

var _ browser.Controller = (*fakeController)(nil)

func (f *fakeController) Close(context.Context) error {
	f.closed = true
	return nil
}

func (f *fakeController) Navigate(_ context.Context, url, waitUntil string) error {
	f.calls = append(f.calls, "navigate "+url+" "+waitUntil)
	if strings.Contains(url, "unreachable") {
		return errors.New("playwright: net::ERR_NAME_NOT_RESOLVED")
	}
	f.url = url
	return nil
}

func (f *fakeController) Click(_ context.Context, sel string) error {
	f.calls = append(f.calls, "click "+sel)
	return nil
}

func (f *fakeController) Fill(_ context.Context, sel, text string) error {
	f.calls = append(f.calls, "fill "+sel+" "+text)
	return nil
}

func (f *fakeController) Type(_ context.Context, sel, text string) error {
	f.calls = append(f.calls, "type "+sel+" "+text)
	return nil
}

func (f *fakeController) Press(_ context.Context, key string) error {
	f.calls = append(f.calls, "press "+key)
	return nil
}

func (f *fakeController) Read(_ context.Context, sel string) (string, error) {
	f.calls = append(f.calls, "read "+sel)
	return f.body, nil
}

func (f *fakeController) Scroll(_ context.Context, dir string, dist int) (int, error) {
	f.calls = append(f.calls, "scroll "+dir)
	return dist, nil
}

func (f *fakeController) WaitFor(_ context.Context, sel string, _ time.Duration) error {
	f.calls = append(f.calls, "wait "+sel)
	return nil
}

func (f *fakeController) Evaluate(_ context.Context, expression string, _ ...any) (any, error) {
	if strings.Contains(expression, "innerText") && !strings.Contains(expression, "limit") {
		return f.body, nil
	}
	return f.elements, nil
}

func (f *fakeController) Screenshot(_ context.Context, fullPage bool) ([]byte, error) {
	f.calls = append(f.calls, fmt.Sprintf("screenshot %v", fullPage))
	return f.shot, nil
}

func (f *fakeController) Title(context.Context) (string, error) { return f.title, nil }
func (f *fakeController) URL() string                           { return f.url }
func (f *fakeController) Page() playwright.Page                 { return nil }

func (f *fakeController) Send(_ context.Context, method string, params map[string]any) (json.RawMessage, error) {
	h, ok := f.cdp[method]
	if !ok {
		return json.RawMessage(`{}`), nil
	}
	v, err := h(params)
	if err != nil {
		return nil, err
	}
	return json.Marshal(v)
}

type fakeConnector struct {
	mu        sync.Mutex
	ctrl      *fakeController
	endpoints []string
	err       error
}

func (c *fakeConnector) Connect(_ context.Context, endpoint string) (browser.Controller, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.endpoints = append(c.endpoints, endpoint)
	if c.err != nil {
		return nil, c.err
	}
	return c.ctrl, nil
}

type scriptedLLM struct {
	mu      sync.Mutex
	replies []string
	calls   int
}

func (s *scriptedLLM) Generate(context.Context, llm.Request) (llm.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if len(s.replies) == 0 {
		return llm.Response{}, errors.New("script exhausted")
	}
	text := s.replies[0]
	s.replies = s.replies[1:]
	return llm.Response{Text: text, Usage: llm.Usage{InputTokens: 100, OutputTokens: 10}}, nil
}

func (s *scriptedLLM) Name() string { return "scripted" }
