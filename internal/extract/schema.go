package extract

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Field types accepted by FromFields.
const (
	TypeString  = "string"
	TypeNumber  = "number"
	TypeInteger = "integer"
	TypeBoolean = "boolean"
	TypeArray   = "array"
	TypeObject  = "object"
)

var fieldTypes = map[string]bool{
	TypeString: true, TypeNumber: true, TypeInteger: true,
	TypeBoolean: true, TypeArray: true, TypeObject: true,
}

// Field is one top-level property of a schema built from a field list.
type Field struct {
	Name        string `json:"name" yaml:"name"`
	Type        string `json:"type" yaml:"type"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	Required    bool   `json:"required,omitempty" yaml:"required,omitempty"`
}

// Schema is a compiled JSON Schema whose root is an object.
type Schema struct {
	raw      map[string]any
	compiled *jsonschema.Schema
}

// Raw returns the schema document.
func (s *Schema) Raw() map[string]any { return s.raw }

// JSON returns the schema document as indented JSON.
func (s *Schema) JSON() string {
	data, _ := json.MarshalIndent(s.raw, "", "  ")
	return string(data)
}

// Validate checks v, a value decoded by encoding/json, against the schema.
func (s *Schema) Validate(v any) error {
	return s.compiled.Validate(v)
}

// FromFields builds an object schema with one property per field.
func FromFields(fields []Field) (*Schema, error) {
	if len(fields) == 0 {
		return nil, errors.New("at least one field is required")
	}
	props := make(map[string]any, len(fields))
	var required []string
	for i, f := range fields {
		name := strings.TrimSpace(f.Name)
		if name == "" {
			return nil, fmt.Errorf("field %d: name is required", i)
		}
		if _, dup := props[name]; dup {
			return nil, fmt.Errorf("field %q: duplicate name", name)
		}
		typ := strings.ToLower(strings.TrimSpace(f.Type))
		if typ == "" {
			typ = TypeString
		}
		if !fieldTypes[typ] {
			return nil, fmt.Errorf("field %q: unsupported type %q", name, f.Type)
		}
		prop := map[string]any{"type": typ}
		if f.Description != "" {
			prop["description"] = f.Description
		}
		props[name] = prop
		if f.Required {
			required = append(required, name)
		}
	}
	raw := map[string]any{"type": TypeObject, "properties": props}
	if len(required) > 0 {
		raw["required"] = required
	}
	return compile(raw)
}

// FromJSONSchema compiles a JSON Schema document. The root must describe an
// object.
func FromJSONSchema(src string) (*Schema, error) {
	var raw map[string]any
	if err := json.Unmarshal([]byte(src), &raw); err != nil {
		return nil, fmt.Errorf("parse json schema: %w", err)
	}
	if raw == nil {
		return nil, errors.New("json schema must be an object")
	}
	switch t := raw["type"].(type) {
	case nil:
		if _, ok := raw["properties"]; !ok {
			return nil, errors.New("json schema root must have type object")
		}
		raw["type"] = TypeObject
	case string:
		if t != TypeObject {
			return nil, fmt.Errorf("json schema root must have type object, got %q", t)
		}
	default:
		return nil, errors.New("json schema root must have type object")
	}
	return compile(raw)
}

// FromExample infers a schema from an example JSON object. Properties take
// the type of the example value or null, and none is required, so a page
// missing a field still validates.
func FromExample(src string) (*Schema, error) {
	dec := json.NewDecoder(strings.NewReader(src))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("parse example: %w", err)
	}
	if _, ok := v.(map[string]any); !ok {
		return nil, errors.New("example must be a JSON object")
	}
	return compile(infer(v))
}

func infer(v any) map[string]any {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		props := make(map[string]any, len(t))
		for _, k := range keys {
			props[k] = nullable(infer(t[k]))
		}
		return map[string]any{"type": TypeObject, "properties": props}
	case []any:
		out := map[string]any{"type": TypeArray}
		if len(t) > 0 {
			out["items"] = infer(t[0])
		}
		return out
	case json.Number:
		if _, err := t.Int64(); err == nil {
			return map[string]any{"type": TypeInteger}
		}
		return map[string]any{"type": TypeNumber}
	case string:
		return map[string]any{"type": TypeString}
	case bool:
		return map[string]any{"type": TypeBoolean}
	default:
		// null in the example says nothing about the type.
		return map[string]any{}
	}
}

func nullable(prop map[string]any) map[string]any {
	if t, ok := prop["type"].(string); ok {
		prop["type"] = []string{t, "null"}
	}
	return prop
}

func compile(raw map[string]any) (*Schema, error) {
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("marshal schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("schema.json", bytes.NewReader(data)); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	compiled, err := compiler.Compile("schema.json")
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return &Schema{raw: raw, compiled: compiled}, nil
}
