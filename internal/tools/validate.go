package tools

import (
	"encoding/json"
	"fmt"
)

// ValidationError describes a mismatch between tool arguments and the
// tool's declared schema. It is fed back to the model as a tool result so
// the model can self-correct.
type ValidationError struct {
	Tool   string
	Detail string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid arguments for tool %s: %s", e.Tool, e.Detail)
}

// validateArgs checks an argument JSON string against a schema of the
// {"type":"object","properties":{...},"required":[...]} shape used by
// function-calling APIs. It verifies the argument document is a JSON
// object, every required property is present, and declared property types
// match.
func validateArgs(name string, schema map[string]any, args string) error {
	if args == "" {
		args = "{}"
	}

	var parsed map[string]any
	if err := json.Unmarshal([]byte(args), &parsed); err != nil {
		return &ValidationError{Tool: name, Detail: fmt.Sprintf("arguments are not a JSON object: %v", err)}
	}

	required, _ := schema["required"].([]any)
	for _, r := range required {
		key, ok := r.(string)
		if !ok {
			continue
		}
		if _, present := parsed[key]; !present {
			return &ValidationError{Tool: name, Detail: fmt.Sprintf("missing required property %q", key)}
		}
	}
	// Some schemas declare required as []string rather than []any.
	if reqStrs, ok := schema["required"].([]string); ok {
		for _, key := range reqStrs {
			if _, present := parsed[key]; !present {
				return &ValidationError{Tool: name, Detail: fmt.Sprintf("missing required property %q", key)}
			}
		}
	}

	properties, _ := schema["properties"].(map[string]any)
	for key, value := range parsed {
		propSchema, ok := properties[key].(map[string]any)
		if !ok {
			continue
		}
		declared, ok := propSchema["type"].(string)
		if !ok {
			continue
		}
		if !typeMatches(declared, value) {
			return &ValidationError{
				Tool:   name,
				Detail: fmt.Sprintf("property %q must be %s, got %s", key, declared, jsonTypeName(value)),
			}
		}
	}

	return nil
}

func typeMatches(declared string, value any) bool {
	switch declared {
	case "string":
		_, ok := value.(string)
		return ok
	case "number":
		_, ok := value.(float64)
		return ok
	case "integer":
		f, ok := value.(float64)
		return ok && f == float64(int64(f))
	case "boolean":
		_, ok := value.(bool)
		return ok
	case "array":
		_, ok := value.([]any)
		return ok
	case "object":
		_, ok := value.(map[string]any)
		return ok
	case "null":
		return value == nil
	default:
		return true
	}
}

func jsonTypeName(value any) string {
	switch value.(type) {
	case string:
		return "string"
	case float64:
		return "number"
	case bool:
		return "boolean"
	case []any:
		return "array"
	case map[string]any:
		return "object"
	case nil:
		return "null"
	default:
		return "unknown"
	}
}
