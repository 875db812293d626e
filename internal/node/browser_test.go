package node

import (
	"context"
	"encoding/base64"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polzovatel/browserflow/internal/agent"
	"github.com/polzovatel/browserflow/internal/llm"
)

func testPage() *fakeController {
	return &fakeController{
		url:   "https://shop.example/",
		title: "Shop",
		body:  "Gopher plush $12.50",
		elements: []any{
			map[string]any{"role": "button", "text": "Add to cart", "selector": "#add", "bbox": "1,2,3,4"},
			map[string]any{"role": "link", "text": "Checkout", "selector": "a#checkout", "bbox": "5,6,7,8"},
		},
		shot: []byte("png-bytes"),
	}
}

func newTestBrowser(ctrl *fakeController, model llm.Client) (*Browser, *fakeConnector) {
	conn := &fakeConnector{ctrl: ctrl}
	return NewBrowser(conn, model, BrowserOptions{CDPURL: "http://chrome:9222", MaxSteps: 5, Settle: -1}, zerolog.Nop()), conn
}

func TestBrowser_Navigate(t *testing.T) {
	ctrl := testPage()
	b, conn := newTestBrowser(ctrl, nil)

	out, err := b.Execute(context.Background(), Input{Params: map[string]any{
		"url":       "https://shop.example/cart",
		"waitUntil": "networkidle",
	}})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, map[string]any{"url": "https://shop.example/cart", "title": "Shop"}, out[0].JSON)
	assert.Equal(t, []string{"navigate https://shop.example/cart networkidle"}, ctrl.calls)
	assert.Equal(t, []string{"http://chrome:9222"}, conn.endpoints)
	assert.True(t, ctrl.closed)
}

func TestBrowser_NavigateRequiresURL(t *testing.T) {
	b, conn := newTestBrowser(testPage(), nil)
	_, err := b.Execute(context.Background(), Input{})
	var perr *ParamError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "url", perr.Param)
	assert.Empty(t, conn.endpoints)
}

func TestBrowser_PerItemParams(t *testing.T) {
	ctrl := testPage()
	b, conn := newTestBrowser(ctrl, nil)

	out, err := b.Execute(context.Background(), Input{
		Params: map[string]any{"url": "https://a.example", "cdpUrl": "ws://node:9222"},
		Items: []Item{
			{JSON: map[string]any{}},
			{JSON: map[string]any{}, Params: map[string]any{"url": "https://b.example"}},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "https://a.example", out[0].JSON["url"])
	assert.Equal(t, "https://b.example", out[1].JSON["url"])
	assert.Equal(t, []string{"ws://node:9222", "ws://node:9222"}, conn.endpoints)
}

func TestBrowser_Screenshot(t *testing.T) {
	ctrl := testPage()
	b, _ := newTestBrowser(ctrl, nil)

	out, err := b.Execute(context.Background(), Input{Params: map[string]any{"operation": "screenshot", "fullPage": true}})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"mimeType": "image/png", "fileName": "screenshot.png"}, out[0].JSON)
	bin := out[0].Binary["screenshot"]
	assert.Equal(t, base64.StdEncoding.EncodeToString([]byte("png-bytes")), bin.Data)
	assert.Equal(t, "image/png", bin.MimeType)
	assert.Equal(t, []string{"screenshot true"}, ctrl.calls)
}

func TestBrowser_ExtractWithFieldsAndUsage(t *testing.T) {
	ctrl := testPage()
	model := &scriptedLLM{replies: []string{`{"name":"Gopher plush","price":12.5}`}}
	b, _ := newTestBrowser(ctrl, model)

	out, err := b.Execute(context.Background(), Input{Params: map[string]any{
		"operation":    "extract",
		"instruction":  "product details",
		"selector":     "#product",
		"schemaSource": "fields",
		"fields": []any{
			map[string]any{"name": "name", "type": "string", "required": true},
			map[string]any{"name": "price", "type": "number"},
		},
		"includeUsage": true,
	}})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"name": "Gopher plush", "price": 12.5}, out[0].JSON["data"])
	assert.Equal(t, llm.Totals{Calls: 1, InputTokens: 100, OutputTokens: 10}, out[0].JSON["usage"])
	assert.Contains(t, ctrl.calls, "read #product")
}

func TestBrowser_ExtractFromExample(t *testing.T) {
	model := &scriptedLLM{replies: []string{`{"price":"cheap"}`, `{"price":"still cheap"}`}}
	b, _ := newTestBrowser(testPage(), model)

	_, err := b.Execute(context.Background(), Input{Params: map[string]any{
		"operation":    "extract",
		"schemaSource": "example",
		"example":      `{"price": 9.99}`,
	}})
	assert.ErrorContains(t, err, "extraction does not match schema")
}

func TestBrowser_ExtractBadSchema(t *testing.T) {
	b, conn := newTestBrowser(testPage(), &scriptedLLM{})
	_, err := b.Execute(context.Background(), Input{Params: map[string]any{
		"operation":    "extract",
		"schemaSource": "jsonSchema",
		"jsonSchema":   map[string]any{"type": "array"},
	}})
	var perr *ParamError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "jsonSchema", perr.Param)
	assert.Empty(t, conn.endpoints)
}

func TestBrowser_Act(t *testing.T) {
	ctrl := testPage()
	model := &scriptedLLM{replies: []string{`{"action":"click","input":{"selector":"#add"}}`}}
	b, _ := newTestBrowser(ctrl, model)

	out, err := b.Execute(context.Background(), Input{Params: map[string]any{"operation": "act", "instruction": "add to cart"}})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{
		"success":     true,
		"action":      "click",
		"input":       map[string]any{"selector": "#add"},
		"observation": "clicked #add",
	}, out[0].JSON)
	assert.Equal(t, []string{"click #add"}, ctrl.calls)
}

func TestBrowser_ActNeedsModelAndInstruction(t *testing.T) {
	b, _ := newTestBrowser(testPage(), nil)
	_, err := b.Execute(context.Background(), Input{Params: map[string]any{"operation": "act", "instruction": "x"}})
	assert.ErrorIs(t, err, errNoModel)

	_, err = b.Execute(context.Background(), Input{Params: map[string]any{"operation": "act"}})
	var perr *ParamError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "instruction", perr.Param)
}

func TestBrowser_ExtractRawTextWithoutModel(t *testing.T) {
	b, _ := newTestBrowser(testPage(), nil)
	out, err := b.Execute(context.Background(), Input{Params: map[string]any{"operation": "extract"}})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"extraction": "Gopher plush $12.50"}, out[0].JSON["data"])

	_, err = b.Execute(context.Background(), Input{Params: map[string]any{"operation": "extract", "instruction": "price"}})
	assert.ErrorIs(t, err, errNoModel)
}

func TestBrowser_ObserveWithoutModel(t *testing.T) {
	b, _ := newTestBrowser(testPage(), nil)
	out, err := b.Execute(context.Background(), Input{Params: map[string]any{"operation": "observe"}})
	require.NoError(t, err)
	elems := out[0].JSON["elements"].([]map[string]any)
	require.Len(t, elems, 2)
	assert.Equal(t, map[string]any{"index": 0, "role": "button", "text": "Add to cart", "selector": "#add", "bbox": "1,2,3,4"}, elems[0])
}

func TestBrowser_Agent(t *testing.T) {
	ctrl := testPage()
	model := &scriptedLLM{replies: []string{
		`{"action":"click","input":{"selector":"a#checkout"}}`,
		`{"action":"finish","input":{"message":"at checkout"}}`,
	}}
	b, _ := newTestBrowser(ctrl, model)

	out, err := b.Execute(context.Background(), Input{Params: map[string]any{
		"operation":    "agent",
		"instruction":  "go to checkout",
		"url":          "https://shop.example/",
		"maxSteps":     "4",
		"includeUsage": true,
	}})
	require.NoError(t, err)
	assert.Equal(t, true, out[0].JSON["success"])
	assert.Equal(t, "at checkout", out[0].JSON["message"])
	steps := out[0].JSON["steps"].([]agent.Step)
	require.Len(t, steps, 1)
	assert.Equal(t, "click", steps[0].Action)
	assert.Equal(t, llm.Totals{Calls: 2, InputTokens: 200, OutputTokens: 20}, out[0].JSON["usage"])
	assert.Equal(t, []string{"navigate https://shop.example/ load", "click a#checkout"}, ctrl.calls)
}

func TestBrowser_ConnectFailure(t *testing.T) {
	conn := &fakeConnector{err: errors.New("dial tcp: connection refused")}
	b := NewBrowser(conn, nil, BrowserOptions{}, zerolog.Nop())

	_, err := b.Execute(context.Background(), Input{Params: map[string]any{"url": "https://x.example"}})
	assert.ErrorContains(t, err, "connect browser: dial tcp: connection refused")

	out, err := b.Execute(context.Background(), Input{Params: map[string]any{"url": "https://x.example", "continueOnFail": true}})
	require.NoError(t, err)
	assert.Contains(t, out[0].JSON["error"], "connection refused")
}

func TestBrowser_UnknownOperation(t *testing.T) {
	b, _ := newTestBrowser(testPage(), nil)
	_, err := b.Execute(context.Background(), Input{Params: map[string]any{"operation": "teleport"}})
	assert.ErrorIs(t, err, ErrUnknownOperation)
}
