package tools

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeController struct {
	calls   []string
	readOut string
	err     error
}

func (f *fakeController) record(format string, args ...any) error {
	f.calls = append(f.calls, fmt.Sprintf(format, args...))
	return f.err
}

func (f *fakeController) Navigate(_ context.Context, url, waitUntil string) error {
	return f.record("navigate %s %s", url, waitUntil)
}
func (f *fakeController) Click(_ context.Context, sel string) error {
	return f.record("click %s", sel)
}
func (f *fakeController) Fill(_ context.Context, sel, text string) error {
	return f.record("fill %s %q", sel, text)
}
func (f *fakeController) Type(_ context.Context, sel, text string) error {
	return f.record("type %s %q", sel, text)
}
func (f *fakeController) Press(_ context.Context, key string) error {
	return f.record("press %s", key)
}
func (f *fakeController) Read(_ context.Context, sel string) (string, error) {
	return f.readOut, f.record("read %s", sel)
}
func (f *fakeController) Scroll(_ context.Context, dir string, dist int) (int, error) {
	if dist == 0 {
		dist = 600
	}
	return dist, f.record("scroll %s", dir)
}
func (f *fakeController) WaitFor(_ context.Context, sel string, timeout time.Duration) error {
	return f.record("wait %s %s", sel, timeout)
}

func TestDescribe(t *testing.T) {
	tb := New(&fakeController{})
	var names []string
	for _, tool := range tb.Describe() {
		names = append(names, tool.Name)
		assert.Equal(t, "object", tool.InputSchema["type"])
		assert.NotNil(t, tool.InputSchema["required"])
	}
	assert.Equal(t, []string{"navigate", "click", "fill", "type", "press", "scroll", "wait_for", "read"}, names)
}

func TestInvoke(t *testing.T) {
	cases := []struct {
		name  string
		tool  string
		input map[string]any
		call  string
		obs   string
	}{
		{"navigate", "navigate", map[string]any{"url": "https://example.com"}, "navigate https://example.com ", "opened https://example.com"},
		{"navigate wait", "navigate", map[string]any{"url": "https://example.com", "wait_until": "networkidle"}, "navigate https://example.com networkidle", "opened https://example.com"},
		{"click xpath", "click", map[string]any{"selector": "/html/body/button[1]"}, "click /html/body/button[1]", "clicked /html/body/button[1]"},
		{"click sanitized", "click", map[string]any{"selector": "a\n.nav"}, "click a .nav", "clicked a .nav"},
		{"fill empty clears", "fill", map[string]any{"selector": "#q", "text": ""}, `fill #q ""`, "filled #q"},
		{"type", "type", map[string]any{"selector": "#q", "text": "go"}, `type #q "go"`, "typed into #q"},
		{"press", "press", map[string]any{"key": "Enter"}, "press Enter", "pressed Enter"},
		{"scroll default", "scroll", map[string]any{}, "scroll down", "scrolled down 600"},
		{"scroll distance", "scroll", map[string]any{"direction": "up", "distance": float64(200)}, "scroll up", "scrolled up 200"},
		{"wait default", "wait_for", map[string]any{"selector": "#done"}, "wait #done 5s", "waited #done"},
		{"wait timeout", "wait_for", map[string]any{"selector": "#done", "timeout_ms": "1500"}, "wait #done 1.5s", "waited #done"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ctrl := &fakeController{}
			res, err := New(ctrl).Invoke(context.Background(), tc.tool, tc.input)
			require.NoError(t, err)
			assert.Equal(t, []string{tc.call}, ctrl.calls)
			assert.Equal(t, tc.obs, res.Observation)
		})
	}
}

func TestInvoke_Read(t *testing.T) {
	ctrl := &fakeController{readOut: "  " + strings.Repeat("x", readPreview+5) + "\n"}
	res, err := New(ctrl).Invoke(context.Background(), "read", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"read "}, ctrl.calls)
	assert.Len(t, res.Observation, readPreview+3)
	assert.True(t, strings.HasSuffix(res.Observation, "..."))
}

func TestInvoke_InputErrors(t *testing.T) {
	tb := New(&fakeController{})
	ctx := context.Background()

	_, err := tb.Invoke(ctx, "navigate", map[string]any{})
	assert.EqualError(t, err, "field url required")

	_, err = tb.Invoke(ctx, "click", map[string]any{"selector": "  "})
	assert.EqualError(t, err, "field selector empty")

	_, err = tb.Invoke(ctx, "fill", map[string]any{"selector": "#q"})
	assert.EqualError(t, err, "field text required")

	_, err = tb.Invoke(ctx, "press", map[string]any{"key": 3})
	assert.EqualError(t, err, "field key must be string")

	_, err = tb.Invoke(ctx, "teleport", nil)
	assert.EqualError(t, err, "unknown tool teleport")
}

func TestInvoke_ControllerError(t *testing.T) {
	boom := errors.New("playwright: timeout")
	_, err := New(&fakeController{err: boom}).Invoke(context.Background(), "click", map[string]any{"selector": "#x"})
	assert.ErrorIs(t, err, boom)
}
