package capability

import (
	"fmt"
	"strings"
)

// FieldViolation is one failed constraint within a validation error.
type FieldViolation struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError reports every violated field at once, so the model
// can fix all of them in a single retry instead of discovering them
// one call at a time.
type ValidationError struct {
	Capability string
	Fields     []FieldViolation
}

func (e *ValidationError) Error() string {
	parts := make([]string, len(e.Fields))
	for i, f := range e.Fields {
		parts[i] = fmt.Sprintf("%s: %s", f.Field, f.Message)
	}
	return fmt.Sprintf("invalid input for %s: %s", e.Capability, strings.Join(parts, "; "))
}

// validateInput checks args against an object schema built with the
// helpers in schema.go. It returns nil or a *ValidationError carrying
// all violations.
func validateInput(name string, schema, args map[string]any) error {
	if schema == nil {
		return nil
	}
	var violations []FieldViolation

	props, _ := schema["properties"].(map[string]any)

	if required, ok := schema["required"].([]string); ok {
		for _, field := range required {
			if _, present := args[field]; !present {
				violations = append(violations, FieldViolation{Field: field, Message: "required field missing"})
			}
		}
	}

	for field, value := range args {
		propAny, known := props[field]
		if !known {
			violations = append(violations, FieldViolation{Field: field, Message: "unknown field"})
			continue
		}
		prop, _ := propAny.(map[string]any)
		if msg := checkType(prop, value); msg != "" {
			violations = append(violations, FieldViolation{Field: field, Message: msg})
		}
	}

	if len(violations) == 0 {
		return nil
	}
	return &ValidationError{Capability: name, Fields: violations}
}

// checkType validates a single value against its property schema.
// JSON-decoded args carry float64 for every number, so integer checks
// accept any float64 with no fractional part.
func checkType(prop map[string]any, value any) string {
	wantType, _ := prop["type"].(string)
	switch wantType {
	case "string":
		s, ok := value.(string)
		if !ok {
			return fmt.Sprintf("expected string, got %T", value)
		}
		if enum, ok := prop["enum"].([]string); ok && len(enum) > 0 {
			for _, allowed := range enum {
				if s == allowed {
					return ""
				}
			}
			return fmt.Sprintf("%q is not one of %s", s, strings.Join(enum, ", "))
		}
	case "integer":
		f, ok := value.(float64)
		if !ok {
			if _, isInt := value.(int); isInt {
				return ""
			}
			return fmt.Sprintf("expected integer, got %T", value)
		}
		if f != float64(int64(f)) {
			return fmt.Sprintf("expected integer, got %v", f)
		}
	case "number":
		switch value.(type) {
		case float64, int:
		default:
			return fmt.Sprintf("expected number, got %T", value)
		}
	case "boolean":
		if _, ok := value.(bool); !ok {
			return fmt.Sprintf("expected boolean, got %T", value)
		}
	case "array":
		if _, ok := value.([]any); !ok {
			return fmt.Sprintf("expected array, got %T", value)
		}
	}
	return ""
}
