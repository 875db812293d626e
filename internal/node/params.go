package node

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
)

// ParamContinueOnFail turns per-item failures into {"error": msg} items.
const ParamContinueOnFail = "continueOnFail"

// ParamError reports an invalid or missing parameter.
type ParamError struct {
	Param  string
	Reason string
	// Err is an optional sentinel such as ErrUnknownOperation.
	Err error
}

func (e *ParamError) Error() string {
	return fmt.Sprintf("parameter %q: %s", e.Param, e.Reason)
}

func (e *ParamError) Unwrap() error { return e.Err }

// Params are resolved parameter values for one item.
type Params map[string]any

// Resolve merges property defaults, node-level values and item-level
// overrides, coerces values to their property types and validates them.
func Resolve(desc Description, base, override map[string]any) (Params, error) {
	p := make(Params, len(desc.Properties))
	for _, prop := range desc.Properties {
		if prop.Default != nil {
			p[prop.Name] = prop.Default
		}
	}
	for k, v := range base {
		p[k] = v
	}
	for k, v := range override {
		p[k] = v
	}

	for _, prop := range desc.Properties {
		if !p.visible(prop) {
			continue
		}
		v, ok := p[prop.Name]
		if !ok || isEmpty(v) {
			if prop.Required {
				return nil, &ParamError{Param: prop.Name, Reason: "is required"}
			}
			continue
		}
		coerced, err := coerce(prop, v)
		if err != nil {
			return nil, err
		}
		p[prop.Name] = coerced
	}
	return p, nil
}

func (p Params) visible(prop Property) bool {
	for name, allowed := range prop.Show {
		val := fmt.Sprint(p[name])
		match := false
		for _, a := range allowed {
			if a == val {
				match = true
				break
			}
		}
		if !match {
			return false
		}
	}
	return true
}

func isEmpty(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(t) == ""
	default:
		return false
	}
}

func coerce(prop Property, v any) (any, error) {
	switch prop.Type {
	case TypeString:
		switch t := v.(type) {
		case string:
			return t, nil
		case json.Number:
			return t.String(), nil
		case float64, int, int64, bool:
			return fmt.Sprint(t), nil
		}
	case TypeNumber:
		switch t := v.(type) {
		case float64:
			return t, nil
		case int:
			return float64(t), nil
		case int64:
			return float64(t), nil
		case json.Number:
			if f, err := t.Float64(); err == nil {
				return f, nil
			}
		case string:
			if f, err := strconv.ParseFloat(strings.TrimSpace(t), 64); err == nil {
				return f, nil
			}
		}
	case TypeBoolean:
		switch t := v.(type) {
		case bool:
			return t, nil
		case string:
			if b, err := strconv.ParseBool(strings.TrimSpace(t)); err == nil {
				return b, nil
			}
		}
	case TypeOptions:
		s := fmt.Sprint(v)
		for _, o := range prop.Options {
			if o.Value == s {
				return s, nil
			}
		}
		perr := &ParamError{Param: prop.Name, Reason: fmt.Sprintf("%q is not one of %s", s, optionValues(prop.Options))}
		if prop.Name == ParamOperation {
			perr.Err = ErrUnknownOperation
		}
		return nil, perr
	case TypeJSON:
		// Strings are parsed so hosts may pass JSON either inline or as text.
		if s, ok := v.(string); ok {
			var out any
			if err := json.Unmarshal([]byte(s), &out); err != nil {
				return nil, &ParamError{Param: prop.Name, Reason: "is not valid JSON: " + err.Error()}
			}
			return out, nil
		}
		return v, nil
	case TypeFixedCollection:
		switch t := v.(type) {
		case []any:
			return t, nil
		case []map[string]any:
			out := make([]any, len(t))
			for i := range t {
				out[i] = t[i]
			}
			return out, nil
		}
	default:
		return v, nil
	}
	return nil, &ParamError{Param: prop.Name, Reason: fmt.Sprintf("must be %s, got %T", prop.Type, v)}
}

func optionValues(opts []Option) string {
	vals := make([]string, len(opts))
	for i, o := range opts {
		vals[i] = o.Value
	}
	return "[" + strings.Join(vals, ", ") + "]"
}

func (p Params) Str(name string) string {
	s, _ := p[name].(string)
	return s
}

func (p Params) Float(name string) float64 {
	f, _ := p[name].(float64)
	return f
}

func (p Params) Int(name string) int {
	return int(p.Float(name))
}

func (p Params) Bool(name string) bool {
	b, _ := p[name].(bool)
	return b
}

// Collection returns a fixedCollection parameter as a list of objects.
func (p Params) Collection(name string) []map[string]any {
	list, _ := p[name].([]any)
	out := make([]map[string]any, 0, len(list))
	for _, v := range list {
		if m, ok := v.(map[string]any); ok {
			out = append(out, m)
		}
	}
	return out
}

type itemFunc func(ctx context.Context, p Params, item Item) (Item, error)

// runItems executes fn once per input item, or once with an empty item when
// there is no input. A failure aborts the execution unless continueOnFail is
// set for that item.
func runItems(ctx context.Context, desc Description, in Input, logger zerolog.Logger, fn itemFunc) ([]Item, error) {
	items := in.Items
	if len(items) == 0 {
		items = []Item{{JSON: map[string]any{}}}
	}
	out := make([]Item, 0, len(items))
	for i, item := range items {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		p, err := Resolve(desc, in.Params, item.Params)
		var res Item
		if err == nil {
			res, err = fn(ctx, p, item)
		}
		if err != nil {
			if !continueOnFail(in.Params, item.Params) {
				return nil, fmt.Errorf("item %d: %w", i, err)
			}
			logger.Warn().Err(err).Int("item", i).Str("node", desc.Name).Msg("item failed, continuing")
			res = Item{JSON: map[string]any{"error": err.Error()}}
		}
		out = append(out, res)
	}
	return out, nil
}

func continueOnFail(base, override map[string]any) bool {
	v, ok := override[ParamContinueOnFail]
	if !ok {
		v = base[ParamContinueOnFail]
	}
	switch t := v.(type) {
	case bool:
		return t
	case string:
		b, _ := strconv.ParseBool(t)
		return b
	default:
		return false
	}
}
