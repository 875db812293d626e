package node

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/polzovatel/browserflow/internal/agent"
	"github.com/polzovatel/browserflow/internal/browser"
	"github.com/polzovatel/browserflow/internal/extract"
	"github.com/polzovatel/browserflow/internal/llm"
	"github.com/polzovatel/browserflow/internal/snapshot"
	"github.com/polzovatel/browserflow/internal/tools"
)

const (
	OpNavigate   = "navigate"
	OpAct        = "act"
	OpExtract    = "extract"
	OpObserve    = "observe"
	OpAgent      = "agent"
	OpScreenshot = "screenshot"

	ParamOperation = "operation"

	defaultSettle = 500 * time.Millisecond
	closeTimeout  = 10 * time.Second
)

var errNoModel = errors.New("no language model configured: set ANTHROPIC_API_KEY or OPENAI_API_KEY")

// Connector opens a browser session on a DevTools endpoint. An empty
// endpoint launches a local browser. *browser.Launcher implements it.
type Connector interface {
	Connect(ctx context.Context, endpoint string) (browser.Controller, error)
}

type BrowserOptions struct {
	// CDPURL is used when the cdpUrl parameter is empty.
	CDPURL   string
	MaxSteps int
	// Settle is the pause between agent steps.
	Settle time.Duration
}

// Browser is the browser automation node.
type Browser struct {
	conn   Connector
	model  llm.Client
	opts   BrowserOptions
	logger zerolog.Logger
}

// NewBrowser creates the node. model may be nil, in which case only the
// navigate and screenshot operations work.
func NewBrowser(conn Connector, model llm.Client, opts BrowserOptions, logger zerolog.Logger) *Browser {
	if opts.Settle == 0 {
		opts.Settle = defaultSettle
	}
	return &Browser{conn: conn, model: model, opts: opts, logger: logger.With().Str("node", "browser").Logger()}
}

func (b *Browser) Description() Description {
	llmOps := []string{OpAct, OpExtract, OpObserve, OpAgent}
	return Description{
		Name:        "browser",
		DisplayName: "Browser Automation",
		Description: "Drive a Chromium browser over the DevTools protocol with natural-language instructions",
		Version:     1,
		Properties: []Property{
			cdpURLProperty,
			{
				Name: ParamOperation, DisplayName: "Operation", Type: TypeOptions, Default: OpNavigate, Required: true,
				Options: []Option{
					{Name: "Navigate", Value: OpNavigate},
					{Name: "Act", Value: OpAct},
					{Name: "Extract", Value: OpExtract},
					{Name: "Observe", Value: OpObserve},
					{Name: "Agent", Value: OpAgent},
					{Name: "Screenshot", Value: OpScreenshot},
				},
			},
			{
				Name: "url", DisplayName: "URL", Type: TypeString,
				Description: "Page to open. Required for navigate; other operations navigate first when set",
			},
			waitUntilProperty,
			{
				Name: "instruction", DisplayName: "Instruction", Type: TypeString,
				Show:        map[string][]string{ParamOperation: llmOps},
				Description: "Natural-language instruction. Required for act and agent",
			},
			{
				Name: "selector", DisplayName: "Selector", Type: TypeString,
				Show:        map[string][]string{ParamOperation: {OpExtract}},
				Description: "CSS selector or XPath limiting the text extraction reads",
			},
			{
				Name: "schemaSource", DisplayName: "Schema Source", Type: TypeOptions, Default: "none",
				Show: map[string][]string{ParamOperation: {OpExtract}},
				Options: []Option{
					{Name: "None (free text)", Value: "none"},
					{Name: "Field List", Value: "fields"},
					{Name: "JSON Schema", Value: "jsonSchema"},
					{Name: "Example JSON", Value: "example"},
				},
			},
			{
				Name: "fields", DisplayName: "Fields", Type: TypeFixedCollection, Required: true,
				Show:        map[string][]string{ParamOperation: {OpExtract}, "schemaSource": {"fields"}},
				Description: "List of {name, type, description, required}",
			},
			{
				Name: "jsonSchema", DisplayName: "JSON Schema", Type: TypeJSON, Required: true,
				Show: map[string][]string{ParamOperation: {OpExtract}, "schemaSource": {"jsonSchema"}},
			},
			{
				Name: "example", DisplayName: "Example JSON", Type: TypeJSON, Required: true,
				Show: map[string][]string{ParamOperation: {OpExtract}, "schemaSource": {"example"}},
			},
			{
				Name: "maxSteps", DisplayName: "Max Steps", Type: TypeNumber,
				Show: map[string][]string{ParamOperation: {OpAgent}},
			},
			{
				Name: "fullPage", DisplayName: "Full Page", Type: TypeBoolean, Default: false,
				Show: map[string][]string{ParamOperation: {OpScreenshot}},
			},
			{
				Name: "includeUsage", DisplayName: "Include Usage", Type: TypeBoolean, Default: false,
				Description: "Add model token usage to the output",
			},
			continueOnFailProperty,
		},
	}
}

func (b *Browser) Execute(ctx context.Context, in Input) ([]Item, error) {
	return runItems(ctx, b.Description(), in, b.logger, b.executeItem)
}

func (b *Browser) executeItem(ctx context.Context, p Params, _ Item) (Item, error) {
	op := p.Str(ParamOperation)
	if op == OpNavigate && p.Str("url") == "" {
		return Item{}, &ParamError{Param: "url", Reason: "is required"}
	}
	if (op == OpAct || op == OpAgent) && p.Str("instruction") == "" {
		return Item{}, &ParamError{Param: "instruction", Reason: "is required"}
	}
	var schema *extract.Schema
	if op == OpExtract {
		s, err := schemaFromParams(p)
		if err != nil {
			return Item{}, err
		}
		schema = s
	}

	var ledger llm.Ledger
	var model llm.Client
	if b.model != nil {
		model = llm.Metered(b.model, &ledger)
	}

	ctrl, err := connect(ctx, b.conn, p, b.opts.CDPURL)
	if err != nil {
		return Item{}, err
	}
	defer closeQuietly(ctx, ctrl, b.logger)

	if url := p.Str("url"); url != "" {
		if err := ctrl.Navigate(ctx, url, p.Str("waitUntil")); err != nil {
			return Item{}, fmt.Errorf("navigate: %w", err)
		}
	}

	var out map[string]any
	var bin map[string]Binary
	switch op {
	case OpNavigate:
		title, err := ctrl.Title(ctx)
		if err != nil {
			return Item{}, err
		}
		out = map[string]any{"url": ctrl.URL(), "title": title}

	case OpScreenshot:
		data, err := ctrl.Screenshot(ctx, p.Bool("fullPage"))
		if err != nil {
			return Item{}, fmt.Errorf("screenshot: %w", err)
		}
		out = map[string]any{"mimeType": "image/png", "fileName": "screenshot.png"}
		bin = map[string]Binary{"screenshot": {
			Data:     base64.StdEncoding.EncodeToString(data),
			MimeType: "image/png",
			FileName: "screenshot.png",
		}}

	case OpAct, OpObserve, OpAgent:
		if model == nil && (op != OpObserve || p.Str("instruction") != "") {
			return Item{}, errNoModel
		}
		orch := b.orchestrator(ctrl, model, p)
		out, err = runAgentOp(ctx, orch, op, p.Str("instruction"))
		if err != nil {
			return Item{}, err
		}

	case OpExtract:
		if model == nil && (schema != nil || p.Str("instruction") != "") {
			return Item{}, errNoModel
		}
		data, err := extract.New(model, ctrl, b.logger).Extract(ctx, extract.Request{
			Instruction: p.Str("instruction"),
			Selector:    p.Str("selector"),
			Schema:      schema,
		})
		if err != nil {
			return Item{}, err
		}
		out = map[string]any{"data": data}

	default:
		return Item{}, fmt.Errorf("%w: %s", ErrUnknownOperation, op)
	}

	if p.Bool("includeUsage") {
		out["usage"] = ledger.Totals()
	}
	return Item{JSON: out, Binary: bin}, nil
}

func (b *Browser) orchestrator(ctrl browser.Controller, model llm.Client, p Params) *agent.Orchestrator {
	maxSteps := p.Int("maxSteps")
	if maxSteps <= 0 {
		maxSteps = b.opts.MaxSteps
	}
	var planner agent.Planner
	if model != nil {
		planner = agent.NewPlanner(model)
	}
	snap := func(ctx context.Context) (snapshot.Summary, error) {
		return snapshot.Collect(ctx, ctrl, 0)
	}
	return agent.NewOrchestrator(agent.Config{MaxSteps: maxSteps, Settle: b.opts.Settle}, planner, tools.New(ctrl), snap, b.logger)
}

func runAgentOp(ctx context.Context, orch *agent.Orchestrator, op, instruction string) (map[string]any, error) {
	switch op {
	case OpAct:
		res, err := orch.Act(ctx, instruction)
		if err != nil {
			return nil, err
		}
		return map[string]any{
			"success":     res.Success,
			"action":      res.Action,
			"input":       res.Input,
			"observation": res.Observation,
		}, nil
	case OpObserve:
		elems, err := orch.Observe(ctx, instruction)
		if err != nil {
			return nil, err
		}
		list := make([]map[string]any, 0, len(elems))
		for _, el := range elems {
			list = append(list, map[string]any{
				"index":    el.Index,
				"role":     el.Role,
				"text":     el.Text,
				"selector": el.Sel,
				"bbox":     el.BBox,
			})
		}
		return map[string]any{"elements": list}, nil
	default:
		res, err := orch.Run(ctx, instruction)
		if err != nil {
			return nil, err
		}
		steps := res.Steps
		if steps == nil {
			steps = []agent.Step{}
		}
		return map[string]any{"success": res.Success, "message": res.Message, "steps": steps}, nil
	}
}

func schemaFromParams(p Params) (*extract.Schema, error) {
	source := p.Str("schemaSource")
	var (
		s   *extract.Schema
		err error
	)
	switch source {
	case "", "none":
		return nil, nil
	case "fields":
		var fields []extract.Field
		for _, m := range p.Collection("fields") {
			f := extract.Field{}
			f.Name, _ = m["name"].(string)
			f.Type, _ = m["type"].(string)
			f.Description, _ = m["description"].(string)
			f.Required, _ = m["required"].(bool)
			fields = append(fields, f)
		}
		s, err = extract.FromFields(fields)
	case "jsonSchema":
		s, err = extract.FromJSONSchema(jsonText(p["jsonSchema"]))
	case "example":
		s, err = extract.FromExample(jsonText(p["example"]))
	}
	if err != nil {
		return nil, &ParamError{Param: source, Reason: err.Error()}
	}
	return s, nil
}

// jsonText returns v as JSON source text.
func jsonText(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	data, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(data)
}

var (
	cdpURLProperty = Property{
		Name: "cdpUrl", DisplayName: "CDP URL", Type: TypeString,
		Description: "DevTools endpoint (http://host:9222 or ws://...). Empty uses the configured default or launches a local browser",
	}
	waitUntilProperty = Property{
		Name: "waitUntil", DisplayName: "Wait Until", Type: TypeOptions, Default: "load",
		Options: []Option{
			{Name: "Load", Value: "load"},
			{Name: "DOM Content Loaded", Value: "domcontentloaded"},
			{Name: "Network Idle", Value: "networkidle"},
			{Name: "Commit", Value: "commit"},
		},
	}
	continueOnFailProperty = Property{
		Name: ParamContinueOnFail, DisplayName: "Continue On Fail", Type: TypeBoolean, Default: false,
		Description: "Return {\"error\": message} for a failed item instead of failing the execution",
	}
)

func connect(ctx context.Context, conn Connector, p Params, fallback string) (browser.Controller, error) {
	endpoint := p.Str("cdpUrl")
	if endpoint == "" {
		endpoint = fallback
	}
	ctrl, err := conn.Connect(ctx, endpoint)
	if err != nil {
		return nil, fmt.Errorf("connect browser: %w", err)
	}
	return ctrl, nil
}

func closeQuietly(ctx context.Context, ctrl browser.Controller, logger zerolog.Logger) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), closeTimeout)
	defer cancel()
	if err := ctrl.Close(ctx); err != nil {
		logger.Debug().Err(err).Msg("close browser session")
	}
}
