package tools

import "fmt"

// ValidateArgs checks an argument payload against a descriptor's
// parameter schema: every required property must be present, and
// present properties must match their declared primitive type.
// Arguments must be strictly well-formed structured values. There is
// no string-level repair of malformed payloads; failures are schema
// errors surfaced before execution.
func ValidateArgs(d *Descriptor, args map[string]any) error {
	if d.Parameters == nil {
		return nil
	}

	properties, _ := d.Parameters["properties"].(map[string]any)

	if required, ok := d.Parameters["required"].([]string); ok {
		for _, name := range required {
			if _, present := args[name]; !present {
				return &SchemaError{Tool: d.Name, Reason: fmt.Sprintf("missing required property %q", name)}
			}
		}
	} else if required, ok := d.Parameters["required"].([]any); ok {
		// Schemas decoded from JSON carry []any rather than []string.
		for _, v := range required {
			name, _ := v.(string)
			if _, present := args[name]; !present {
				return &SchemaError{Tool: d.Name, Reason: fmt.Sprintf("missing required property %q", name)}
			}
		}
	}

	for name, value := range args {
		spec, ok := properties[name].(map[string]any)
		if !ok {
			continue // Unknown properties pass through; the tool decides.
		}
		declared, _ := spec["type"].(string)
		if declared == "" || value == nil {
			continue
		}
		if !matchesType(declared, value) {
			return &SchemaError{
				Tool:   d.Name,
				Reason: fmt.Sprintf("property %q must be of type %s, got %T", name, declared, value),
			}
		}
	}

	return nil
}

// matchesType checks a decoded JSON value against a schema type name.
// Numbers arrive as float64 from encoding/json, so "integer" accepts
// any float64 with no fractional component.
func matchesType(declared string, value any) bool {
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
	case "object":
		_, ok := value.(map[string]any)
		return ok
	case "array":
		_, ok := value.([]any)
		return ok
	default:
		return true
	}
}
