// Package schema prepares tool parameter schemas for LLM consumption and
// validates tool arguments against them.
package schema

import (
	"encoding/json"
	"reflect"
)

// strippedFields are JSON-Schema keywords the model-facing function
// declaration format does not accept.
var strippedFields = map[string]struct{}{
	"default":              {},
	"minimum":              {},
	"maximum":              {},
	"minLength":            {},
	"maxLength":            {},
	"minItems":             {},
	"maxItems":             {},
	"uniqueItems":          {},
	"additionalProperties": {},
	"$schema":              {},
	"$ref":                 {},
	"$defs":                {},
}

// allowedFormats are the only string format values passed through.
var allowedFormats = map[string]struct{}{
	"enum":      {},
	"date-time": {},
}

// Sanitize returns a copy of schema with unsupported keywords removed,
// recursing through properties, items, and the combinator lists.
// Sanitizing an already-sanitized schema is a no-op. The input is never
// mutated.
func Sanitize(schema map[string]any) map[string]any {
	if schema == nil {
		return nil
	}
	return sanitizeMap(schema, map[uintptr]bool{})
}

// SanitizeRaw sanitizes a JSON-encoded schema. Undecodable input is
// returned unchanged so a broken tool schema degrades to the provider's
// own validation instead of failing registration.
func SanitizeRaw(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return raw
	}
	var schema map[string]any
	if err := json.Unmarshal(raw, &schema); err != nil {
		return raw
	}
	out, err := json.Marshal(Sanitize(schema))
	if err != nil {
		return raw
	}
	return out
}

func sanitizeMap(schema map[string]any, visited map[uintptr]bool) map[string]any {
	// Maps decoded from JSON cannot be cyclic, but hand-built schemas can
	// share or self-reference nodes.
	ptr := reflect.ValueOf(schema).Pointer()
	if visited[ptr] {
		return map[string]any{}
	}
	visited[ptr] = true
	defer delete(visited, ptr)

	out := make(map[string]any, len(schema))
	for key, value := range schema {
		if _, strip := strippedFields[key]; strip {
			continue
		}

		switch key {
		case "format":
			if s, ok := value.(string); ok {
				if _, allowed := allowedFormats[s]; allowed {
					out[key] = s
				}
			}
		case "properties":
			if props, ok := value.(map[string]any); ok {
				clean := make(map[string]any, len(props))
				for name, sub := range props {
					if subSchema, ok := sub.(map[string]any); ok {
						clean[name] = sanitizeMap(subSchema, visited)
					} else {
						clean[name] = sub
					}
				}
				out[key] = clean
			} else {
				out[key] = value
			}
		case "items":
			if subSchema, ok := value.(map[string]any); ok {
				out[key] = sanitizeMap(subSchema, visited)
			} else {
				out[key] = value
			}
		case "anyOf", "oneOf", "allOf":
			if list, ok := value.([]any); ok {
				clean := make([]any, 0, len(list))
				for _, item := range list {
					if subSchema, ok := item.(map[string]any); ok {
						clean = append(clean, sanitizeMap(subSchema, visited))
					} else {
						clean = append(clean, item)
					}
				}
				out[key] = clean
			} else {
				out[key] = value
			}
		default:
			out[key] = value
		}
	}
	return out
}
