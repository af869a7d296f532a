package llm

import (
	"encoding/json"
	"fmt"
	"math"
)

// Schema is a minimal JSON-schema subset: enough to describe tool parameters
// and structured-output shapes, and to validate decoded documents against them.
type Schema struct {
	Type        string             `json:"type"`
	Description string             `json:"description,omitempty"`
	Properties  map[string]*Schema `json:"properties,omitempty"`
	Required    []string           `json:"required,omitempty"`
	Items       *Schema            `json:"items,omitempty"`
	Enum        []string           `json:"enum,omitempty"`
}

// ObjectSchema builds an object schema from property definitions.
func ObjectSchema(props map[string]*Schema, required ...string) *Schema {
	return &Schema{Type: "object", Properties: props, Required: required}
}

// StringSchema builds a string schema with a description.
func StringSchema(desc string) *Schema {
	return &Schema{Type: "string", Description: desc}
}

// ArraySchema builds an array schema with the given item schema.
func ArraySchema(desc string, items *Schema) *Schema {
	return &Schema{Type: "array", Description: desc, Items: items}
}

// BoolSchema builds a boolean schema with a description.
func BoolSchema(desc string) *Schema {
	return &Schema{Type: "boolean", Description: desc}
}

// MarshalIndentString renders the schema as indented JSON for prompt embedding.
func (s *Schema) MarshalIndentString() string {
	b, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return "{}"
	}
	return string(b)
}

// Validate checks a decoded JSON value (as produced by encoding/json into any)
// against the schema. Unknown extra object keys are tolerated.
func (s *Schema) Validate(v any) error {
	return s.validate(v, "$")
}

func (s *Schema) validate(v any, path string) error {
	if s == nil {
		return nil
	}
	switch s.Type {
	case "object":
		obj, ok := v.(map[string]any)
		if !ok {
			return fmt.Errorf("%s: expected object, got %T", path, v)
		}
		for _, req := range s.Required {
			if _, present := obj[req]; !present {
				return fmt.Errorf("%s: missing required field %q", path, req)
			}
		}
		for name, sub := range s.Properties {
			val, present := obj[name]
			if !present {
				continue
			}
			if err := sub.validate(val, path+"."+name); err != nil {
				return err
			}
		}
		return nil
	case "array":
		arr, ok := v.([]any)
		if !ok {
			return fmt.Errorf("%s: expected array, got %T", path, v)
		}
		for i, item := range arr {
			if err := s.Items.validate(item, fmt.Sprintf("%s[%d]", path, i)); err != nil {
				return err
			}
		}
		return nil
	case "string":
		str, ok := v.(string)
		if !ok {
			return fmt.Errorf("%s: expected string, got %T", path, v)
		}
		if len(s.Enum) > 0 {
			for _, e := range s.Enum {
				if str == e {
					return nil
				}
			}
			return fmt.Errorf("%s: %q not in enum %v", path, str, s.Enum)
		}
		return nil
	case "boolean":
		if _, ok := v.(bool); !ok {
			return fmt.Errorf("%s: expected boolean, got %T", path, v)
		}
		return nil
	case "number":
		if _, ok := v.(float64); !ok {
			return fmt.Errorf("%s: expected number, got %T", path, v)
		}
		return nil
	case "integer":
		f, ok := v.(float64)
		if !ok || f != math.Trunc(f) {
			return fmt.Errorf("%s: expected integer, got %v", path, v)
		}
		return nil
	default:
		return nil
	}
}

// ValidateRaw decodes raw JSON and validates it against the schema.
func (s *Schema) ValidateRaw(raw json.RawMessage) error {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	return s.Validate(v)
}
