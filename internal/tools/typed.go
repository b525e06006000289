package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"slices"

	"github.com/google/jsonschema-go/jsonschema"
)

// SchemaOption adjusts a schema inferred from an argument struct.
type SchemaOption func(*jsonschema.Schema)

// Enum restricts a top-level property to the given values. A nullable
// property also accepts null.
func Enum(property string, values ...any) SchemaOption {
	return func(s *jsonschema.Schema) {
		p, ok := s.Properties[property]
		if !ok {
			return
		}
		p.Enum = slices.Clone(values)
		if slices.Contains(p.Types, "null") && !slices.Contains(p.Enum, nil) {
			p.Enum = append(p.Enum, nil)
		}
	}
}

// Minimum sets the inclusive lower bound of a numeric property.
func Minimum(property string, min float64) SchemaOption {
	return func(s *jsonschema.Schema) {
		if p, ok := s.Properties[property]; ok {
			p.Minimum = &min
		}
	}
}

// NewTypedTool builds a strict Tool whose parameters schema is inferred
// from the argument struct T. Every property is listed as required;
// pointer fields are nullable, so optional arguments are sent as an
// explicit null. Unknown properties are rejected. The jsonschema struct
// tag supplies each property's description. Incoming arguments are
// validated against the schema before being decoded into T, with absent
// properties read as null.
func NewTypedTool[T any](name, description string, handler func(ctx context.Context, args T) (any, error), opts ...SchemaOption) (*Tool, error) {
	schema, err := jsonschema.For[T](nil)
	if err != nil {
		return nil, fmt.Errorf("infer schema for %s: %w", name, err)
	}
	for _, o := range opts {
		o(schema)
	}
	requireAll(schema)

	resolved, err := schema.Resolve(nil)
	if err != nil {
		return nil, fmt.Errorf("resolve schema for %s: %w", name, err)
	}

	params, err := schemaMap(schema)
	if err != nil {
		return nil, fmt.Errorf("encode schema for %s: %w", name, err)
	}

	return &Tool{
		Name:        name,
		Description: description,
		Parameters:  params,
		Strict:      true,
		Handler: func(ctx context.Context, raw json.RawMessage) (any, error) {
			var instance any
			if err := json.Unmarshal(raw, &instance); err != nil {
				return nil, fmt.Errorf("invalid JSON arguments: %w", err)
			}
			fillNulls(schema, instance)
			if err := resolved.Validate(instance); err != nil {
				return nil, fmt.Errorf("invalid arguments: %w", err)
			}

			var args T
			dec := json.NewDecoder(bytes.NewReader(raw))
			dec.DisallowUnknownFields()
			if err := dec.Decode(&args); err != nil {
				return nil, fmt.Errorf("decode arguments: %w", err)
			}
			return handler(ctx, args)
		},
	}, nil
}

// MustTypedTool is NewTypedTool for argument structs known at compile
// time; it panics if the schema cannot be inferred.
func MustTypedTool[T any](name, description string, handler func(ctx context.Context, args T) (any, error), opts ...SchemaOption) *Tool {
	t, err := NewTypedTool(name, description, handler, opts...)
	if err != nil {
		panic(err)
	}
	return t
}

// schemaMap converts a schema to the generic map form the LLM request
// carries.
func schemaMap(s *jsonschema.Schema) (map[string]any, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	if _, ok := m["properties"]; !ok {
		m["properties"] = map[string]any{}
	}
	return m, nil
}

// requireAll lists every property of s and of any nested object schema
// as required.
func requireAll(s *jsonschema.Schema) {
	if s == nil {
		return
	}
	if len(s.Properties) > 0 {
		s.Required = slices.Sorted(maps.Keys(s.Properties))
		for _, p := range s.Properties {
			requireAll(p)
		}
	}
	requireAll(s.Items)
}

// fillNulls sets absent properties of instance to null, following
// nested objects and arrays of objects.
func fillNulls(s *jsonschema.Schema, instance any) {
	if s == nil {
		return
	}
	switch v := instance.(type) {
	case map[string]any:
		for name, p := range s.Properties {
			val, ok := v[name]
			if !ok {
				v[name] = nil
				continue
			}
			fillNulls(p, val)
		}
	case []any:
		for _, item := range v {
			fillNulls(s.Items, item)
		}
	}
}
