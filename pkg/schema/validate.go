package schema

import "fmt"

// Schema is a minimal structural schema for a Value, modeled on the
// subset of JSON-Schema the engine actually needs to validate tool
// input/output without a general-purpose validator library: a type tag,
// object properties with a required list, and an array item schema.
// This is deliberately small — spec.md calls for dynamic dispatch
// "without reflection", not a general schema engine.
type Schema struct {
	Type       string             `yaml:"type" json:"type"` // "null","bool","int","float","string","array","object","any"
	Properties map[string]*Schema `yaml:"properties,omitempty" json:"properties,omitempty"`
	Required   []string           `yaml:"required,omitempty" json:"required,omitempty"`
	Items      *Schema            `yaml:"items,omitempty" json:"items,omitempty"`
}

// Validate checks v structurally against s, returning a descriptive
// error naming the first mismatch found (depth-first, field order is
// the Required list then Properties map in unspecified order — good
// enough for a human-readable validation error, not for determinism).
func Validate(s *Schema, v Value) error {
	if s == nil || s.Type == "any" {
		return nil
	}
	if err := checkKind(s.Type, v); err != nil {
		return err
	}
	switch s.Type {
	case "object":
		obj, _ := v.Object()
		for _, req := range s.Required {
			if _, ok := obj[req]; !ok {
				return fmt.Errorf("schema: missing required field %q", req)
			}
		}
		for name, fieldSchema := range s.Properties {
			fv, ok := obj[name]
			if !ok {
				continue
			}
			if err := Validate(fieldSchema, fv); err != nil {
				return fmt.Errorf("schema: field %q: %w", name, err)
			}
		}
	case "array":
		arr, _ := v.Array()
		if s.Items != nil {
			for i, e := range arr {
				if err := Validate(s.Items, e); err != nil {
					return fmt.Errorf("schema: item %d: %w", i, err)
				}
			}
		}
	}
	return nil
}

func checkKind(want string, v Value) error {
	var ok bool
	switch want {
	case "null":
		ok = v.Kind() == KindNull
	case "bool":
		ok = v.Kind() == KindBool
	case "int":
		ok = v.Kind() == KindInt
	case "float":
		ok = v.Kind() == KindFloat || v.Kind() == KindInt
	case "string":
		ok = v.Kind() == KindString
	case "array":
		ok = v.Kind() == KindArray
	case "object":
		ok = v.Kind() == KindObject
	default:
		return fmt.Errorf("schema: unknown type tag %q", want)
	}
	if !ok {
		return fmt.Errorf("schema: expected type %q, got kind %d", want, v.Kind())
	}
	return nil
}
