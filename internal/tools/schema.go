package tools

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"reflect"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// JSONSchema renders the descriptor's parameters as a JSON Schema object.
func (d Descriptor) JSONSchema() map[string]any {
	props := make(map[string]any, len(d.Params))
	required := []string{}
	for _, p := range d.Params {
		prop := map[string]any{"type": string(p.Type)}
		if p.Description != "" {
			prop["description"] = p.Description
		}
		if len(p.Enum) > 0 {
			prop["enum"] = p.Enum
		}
		if p.Type == TypeArray && p.Items != nil {
			prop["items"] = p.Items
		}
		props[p.Name] = prop
		if p.Required {
			required = append(required, p.Name)
		}
	}
	return map[string]any{
		"type":                 "object",
		"properties":           props,
		"required":             required,
		"additionalProperties": false,
	}
}

func compileSchema(d Descriptor) (*jsonschema.Schema, error) {
	for _, p := range d.Params {
		switch p.Type {
		case TypeString, TypeNumber, TypeInteger, TypeBoolean, TypeArray, TypeObject:
		default:
			return nil, fmt.Errorf("param %s: unsupported type %q", p.Name, p.Type)
		}
	}
	raw, err := json.Marshal(d.JSONSchema())
	if err != nil {
		return nil, fmt.Errorf("marshal schema: %w", err)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema JSON: %w", err)
	}
	url := d.Name + ".json"
	c := jsonschema.NewCompiler()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return schema, nil
}

// validateArgs is the shallow check: every required parameter present, every
// present parameter of its declared type, and no undeclared fields.
func validateArgs(d Descriptor, args map[string]any) error {
	declared := make(map[string]Param, len(d.Params))
	for _, p := range d.Params {
		declared[p.Name] = p
	}

	unknown := make([]string, 0)
	for k := range args {
		if _, ok := declared[k]; !ok {
			unknown = append(unknown, k)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return &InvalidArgumentsError{Tool: d.Name, Field: unknown[0], Reason: "unknown field"}
	}

	for _, p := range d.Params {
		v, ok := args[p.Name]
		if !ok || v == nil {
			if p.Required {
				return &InvalidArgumentsError{Tool: d.Name, Field: p.Name, Reason: "required field missing"}
			}
			continue
		}
		if !matchesType(p.Type, v) {
			return &InvalidArgumentsError{
				Tool:   d.Name,
				Field:  p.Name,
				Reason: fmt.Sprintf("expected %s, got %s", p.Type, jsonTypeName(v)),
			}
		}
	}
	return nil
}

// validateSchema runs the compiled JSON Schema for constraints the shallow
// check does not cover (enums, array items). Arguments are round-tripped
// through JSON so numbers reach the validator as json.Number.
func validateSchema(e *entry, args map[string]any) error {
	clean := make(map[string]any, len(args))
	for k, v := range args {
		if v != nil {
			clean[k] = v
		}
	}
	raw, err := json.Marshal(clean)
	if err != nil {
		return &InvalidArgumentsError{Tool: e.desc.Name, Reason: fmt.Sprintf("arguments not encodable: %v", err)}
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return &InvalidArgumentsError{Tool: e.desc.Name, Reason: fmt.Sprintf("arguments not decodable: %v", err)}
	}
	if err := e.schema.Validate(inst); err != nil {
		var ve *jsonschema.ValidationError
		if errors.As(err, &ve) {
			leaf := deepestCause(ve)
			field := ""
			if len(leaf.InstanceLocation) > 0 {
				field = leaf.InstanceLocation[0]
			}
			return &InvalidArgumentsError{Tool: e.desc.Name, Field: field, Reason: firstLine(leaf.Error())}
		}
		return &InvalidArgumentsError{Tool: e.desc.Name, Reason: err.Error()}
	}
	return nil
}

func deepestCause(ve *jsonschema.ValidationError) *jsonschema.ValidationError {
	for len(ve.Causes) > 0 {
		ve = ve.Causes[0]
	}
	return ve
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[:i])
	}
	return s
}

func matchesType(t ParamType, v any) bool {
	switch t {
	case TypeString:
		_, ok := v.(string)
		return ok
	case TypeBoolean:
		_, ok := v.(bool)
		return ok
	case TypeNumber:
		_, ok := toFloat(v)
		return ok
	case TypeInteger:
		f, ok := toFloat(v)
		return ok && f == math.Trunc(f)
	case TypeArray:
		if v == nil {
			return false
		}
		k := reflect.TypeOf(v).Kind()
		return k == reflect.Slice || k == reflect.Array
	case TypeObject:
		if v == nil {
			return false
		}
		return reflect.TypeOf(v).Kind() == reflect.Map
	}
	return false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

func jsonTypeName(v any) string {
	switch v.(type) {
	case string:
		return "string"
	case bool:
		return "boolean"
	case float64, float32, int, int32, int64, json.Number:
		return "number"
	}
	if v == nil {
		return "null"
	}
	switch reflect.TypeOf(v).Kind() {
	case reflect.Slice, reflect.Array:
		return "array"
	case reflect.Map:
		return "object"
	}
	return reflect.TypeOf(v).String()
}

// StringArg returns args[name] as a string, or "".
func StringArg(args map[string]any, name string) string {
	s, _ := args[name].(string)
	return s
}

// IntArg returns args[name] as an int, or def when absent.
func IntArg(args map[string]any, name string, def int) int {
	if f, ok := toFloat(args[name]); ok {
		return int(f)
	}
	return def
}

// ListArg returns args[name] as a []any, or nil.
func ListArg(args map[string]any, name string) []any {
	v := args[name]
	if v == nil {
		return nil
	}
	if l, ok := v.([]any); ok {
		return l
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice {
		return nil
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out
}

// StringListArg returns the string elements of args[name].
func StringListArg(args map[string]any, name string) []string {
	var out []string
	for _, v := range ListArg(args, name) {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
