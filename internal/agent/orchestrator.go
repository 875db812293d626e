package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/polzovatel/browserflow/internal/snapshot"
	"github.com/polzovatel/browserflow/internal/tools"
)

const (
	defaultMaxSteps    = 20
	defaultRepeatLimit = 3
	scrollRepeatLimit  = 8
	historyWindow      = 5
	snapshotTimeout    = 5 * time.Second
)

type Config struct {
	MaxSteps int
	// RepeatLimit is how many identical consecutive actions are allowed.
	RepeatLimit int
	// Settle is the pause after each action before the page is observed again.
	Settle time.Duration
}

// SnapshotFunc observes the current page.
type SnapshotFunc func(ctx context.Context) (snapshot.Summary, error)

type Orchestrator struct {
	cfg     Config
	planner Planner
	tools   tools.Toolbox
	snap    SnapshotFunc
	logger  zerolog.Logger
}

// Step is one executed agent action.
type Step struct {
	Number      int            `json:"step"`
	Action      string         `json:"action"`
	Input       map[string]any `json:"input"`
	Observation string         `json:"observation,omitempty"`
	Error       string         `json:"error,omitempty"`
	URL         string         `json:"url,omitempty"`
}

type ActResult struct {
	Success     bool           `json:"success"`
	Action      string         `json:"action"`
	Input       map[string]any `json:"input"`
	Observation string         `json:"observation"`
}

type RunResult struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Steps   []Step `json:"steps"`
}

func NewOrchestrator(cfg Config, planner Planner, toolbox tools.Toolbox, snap SnapshotFunc, logger zerolog.Logger) *Orchestrator {
	if cfg.MaxSteps <= 0 {
		cfg.MaxSteps = defaultMaxSteps
	}
	if cfg.RepeatLimit <= 0 {
		cfg.RepeatLimit = defaultRepeatLimit
	}
	return &Orchestrator{
		cfg:     cfg,
		planner: planner,
		tools:   toolbox,
		snap:    snap,
		logger:  logger,
	}
}

// Act plans and performs a single action for instruction. Tool failures are
// reported in the result; only planning failures return an error.
func (o *Orchestrator) Act(ctx context.Context, instruction string) (ActResult, error) {
	summary := o.observe(ctx)
	dec, err := o.planner.Next(ctx, State{
		Task:    instruction,
		Step:    1,
		Single:  true,
		Summary: summary,
		Tools:   o.tools.Describe(),
	})
	if err != nil {
		return ActResult{}, fmt.Errorf("planner: %w", err)
	}
	if dec.Finish {
		return ActResult{Action: dec.ActionName, Input: dec.ActionInput, Observation: dec.Message}, nil
	}

	res := ActResult{Action: dec.ActionName, Input: dec.ActionInput}
	out, err := o.tools.Invoke(ctx, dec.ActionName, dec.ActionInput)
	if err != nil {
		o.logger.Warn().Err(err).Str("action", dec.ActionName).Msg("act failed")
		res.Observation = "error: " + err.Error()
		return res, nil
	}
	o.logger.Info().Str("action", dec.ActionName).Str("observation", truncate(out.Observation)).Msg("act")
	res.Success = true
	res.Observation = out.Observation
	return res, nil
}

// Run drives the page toward task until the planner finishes, the step
// budget is spent, or the same action repeats too often.
func (o *Orchestrator) Run(ctx context.Context, task string) (RunResult, error) {
	var (
		history []HistoryItem
		result  RunResult
	)
	for step := 1; step <= o.cfg.MaxSteps; step++ {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		summary := o.observe(ctx)
		o.logger.Info().
			Int("step", step).
			Str("url", summary.URL).
			Str("title", summary.Title).
			Int("elements", len(summary.Elements)).
			Msg("snapshot")

		dec, err := o.planner.Next(ctx, State{
			Task:    task,
			Step:    step,
			History: last(history, historyWindow),
			Summary: summary,
			Tools:   o.tools.Describe(),
		})
		if err != nil {
			return result, fmt.Errorf("planner: %w", err)
		}
		if dec.Finish {
			result.Success = true
			result.Message = dec.Message
			return result, nil
		}

		limit := o.cfg.RepeatLimit
		if dec.ActionName == "scroll" {
			limit = max(limit, scrollRepeatLimit)
		}
		selector, _ := dec.ActionInput["selector"].(string)
		if tooManyRepeats(history, dec.ActionName, selector, summary.URL, limit) {
			result.Message = fmt.Sprintf("too many repeated actions: %s (limit: %d)", dec.ActionName, limit)
			o.logger.Warn().Str("action", dec.ActionName).Int("limit", limit).Msg("repeat limit reached")
			return result, nil
		}

		rec := Step{Number: step, Action: dec.ActionName, Input: dec.ActionInput, URL: summary.URL}
		item := HistoryItem{Action: dec.ActionName, Selector: selector, URL: summary.URL}
		out, err := o.tools.Invoke(ctx, dec.ActionName, dec.ActionInput)
		if err != nil {
			if ctx.Err() != nil {
				return result, ctx.Err()
			}
			o.logger.Warn().Err(err).Str("action", dec.ActionName).Msg("tool error")
			rec.Error = err.Error()
			item.Result = "error: " + err.Error()
		} else {
			o.logger.Info().Int("step", step).Str("action", dec.ActionName).Str("observation", truncate(out.Observation)).Msg("agent")
			rec.Observation = out.Observation
			item.Result = out.Observation
		}
		result.Steps = append(result.Steps, rec)
		history = append(history, item)

		if err := o.settle(ctx); err != nil {
			return result, err
		}
	}
	result.Message = "step limit reached"
	return result, nil
}

// Observe returns the page elements matching instruction, or all of them
// when instruction is empty.
func (o *Orchestrator) Observe(ctx context.Context, instruction string) ([]snapshot.Element, error) {
	summary, err := o.snap(ctx)
	if err != nil {
		return nil, fmt.Errorf("snapshot: %w", err)
	}
	if instruction == "" || len(summary.Elements) == 0 {
		return summary.Elements, nil
	}
	indices, err := o.planner.Select(ctx, instruction, summary)
	if err != nil {
		return nil, fmt.Errorf("planner: %w", err)
	}
	seen := make(map[int]bool, len(indices))
	out := make([]snapshot.Element, 0, len(indices))
	for _, idx := range indices {
		if seen[idx] {
			continue
		}
		seen[idx] = true
		if el, ok := summary.Element(idx); ok {
			out = append(out, el)
		} else {
			o.logger.Debug().Int("index", idx).Msg("planner selected unknown element")
		}
	}
	return out, nil
}

// observe snapshots the page; a failed snapshot degrades to an empty summary
// so the planner can still navigate.
func (o *Orchestrator) observe(ctx context.Context) snapshot.Summary {
	ctxSnap, cancel := snapshot.WithDeadline(ctx, snapshotTimeout)
	defer cancel()
	summary, err := o.snap(ctxSnap)
	if err != nil {
		o.logger.Debug().Err(err).Msg("snapshot failed")
	}
	return summary
}

func (o *Orchestrator) settle(ctx context.Context) error {
	if o.cfg.Settle <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(o.cfg.Settle):
		return nil
	}
}

func last(items []HistoryItem, n int) []HistoryItem {
	if len(items) <= n {
		return items
	}
	return items[len(items)-n:]
}

func truncate(s string) string {
	if len(s) > 160 {
		return s[:160] + "..."
	}
	return s
}

// tooManyRepeats reports whether the last limit history items are all the
// same action on the same selector and URL.
func tooManyRepeats(history []HistoryItem, action, selector, url string, limit int) bool {
	if limit <= 0 || len(history) < limit {
		return false
	}
	for i := 0; i < limit; i++ {
		h := history[len(history)-1-i]
		if h.Action != action || h.Selector != selector || h.URL != url {
			return false
		}
	}
	return true
}
