package schema

import (
	"encoding/json"
	"reflect"
	"testing"
)

func TestSanitizeStripsUnsupportedKeywords(t *testing.T) {
	schema := map[string]any{
		"type":        "object",
		"$schema":     "http://json-schema.org/draft-07/schema#",
		"description": "test schema",
		"properties": map[string]any{
			"count": map[string]any{
				"type":    "integer",
				"minimum": float64(0),
				"maximum": float64(10),
				"default": float64(1),
			},
			"name": map[string]any{
				"type":      "string",
				"minLength": float64(1),
			},
		},
		"additionalProperties": false,
	}

	got := Sanitize(schema)

	if _, ok := got["$schema"]; ok {
		t.Error("$schema should be stripped")
	}
	if _, ok := got["additionalProperties"]; ok {
		t.Error("additionalProperties should be stripped")
	}
	if got["description"] != "test schema" {
		t.Error("description should be kept")
	}

	count := got["properties"].(map[string]any)["count"].(map[string]any)
	for _, field := range []string{"minimum", "maximum", "default"} {
		if _, ok := count[field]; ok {
			t.Errorf("%s should be stripped from nested property", field)
		}
	}
	if count["type"] != "integer" {
		t.Error("type should survive sanitization")
	}

	name := got["properties"].(map[string]any)["name"].(map[string]any)
	if _, ok := name["minLength"]; ok {
		t.Error("minLength should be stripped")
	}
}

func TestSanitizeFormatWhitelist(t *testing.T) {
	tests := []struct {
		format string
		kept   bool
	}{
		{"date-time", true},
		{"enum", true},
		{"uri", false},
		{"email", false},
	}

	for _, tt := range tests {
		schema := map[string]any{"type": "string", "format": tt.format}
		got := Sanitize(schema)
		_, ok := got["format"]
		if ok != tt.kept {
			t.Errorf("format %q: kept=%v, want %v", tt.format, ok, tt.kept)
		}
	}
}

func TestSanitizeRecursesCombinators(t *testing.T) {
	schema := map[string]any{
		"anyOf": []any{
			map[string]any{"type": "string", "maxLength": float64(5)},
			map[string]any{
				"type":  "array",
				"items": map[string]any{"type": "integer", "minimum": float64(0)},
			},
		},
	}

	got := Sanitize(schema)

	variants := got["anyOf"].([]any)
	if _, ok := variants[0].(map[string]any)["maxLength"]; ok {
		t.Error("maxLength should be stripped inside anyOf")
	}
	items := variants[1].(map[string]any)["items"].(map[string]any)
	if _, ok := items["minimum"]; ok {
		t.Error("minimum should be stripped inside items")
	}
}

func TestSanitizeIsIdempotent(t *testing.T) {
	schema := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{"type": "string", "default": "/tmp"},
		},
		"required": []any{"path"},
	}

	once := Sanitize(schema)
	twice := Sanitize(once)

	if !reflect.DeepEqual(once, twice) {
		t.Errorf("sanitize not idempotent:\nonce:  %#v\ntwice: %#v", once, twice)
	}
}

func TestSanitizeHandlesSharedNodes(t *testing.T) {
	shared := map[string]any{"type": "string", "default": "x"}
	schema := map[string]any{
		"properties": map[string]any{
			"a": shared,
			"b": shared,
		},
	}

	got := Sanitize(schema)

	props := got["properties"].(map[string]any)
	for _, name := range []string{"a", "b"} {
		sub := props[name].(map[string]any)
		if _, ok := sub["default"]; ok {
			t.Errorf("property %s: default should be stripped", name)
		}
		if sub["type"] != "string" {
			t.Errorf("property %s: type lost", name)
		}
	}
}

func TestSanitizeHandlesCycles(t *testing.T) {
	schema := map[string]any{"type": "object"}
	schema["items"] = schema

	// Must terminate.
	got := Sanitize(schema)
	if got["type"] != "object" {
		t.Error("top level should survive")
	}
}

func TestSanitizeRawRoundTrip(t *testing.T) {
	raw := json.RawMessage(`{"type":"object","properties":{"q":{"type":"string","format":"uri","default":"x"}},"$schema":"y"}`)

	out := SanitizeRaw(raw)

	var got map[string]any
	if err := json.Unmarshal(out, &got); err != nil {
		t.Fatalf("output not valid JSON: %v", err)
	}
	if _, ok := got["$schema"]; ok {
		t.Error("$schema should be stripped")
	}
	q := got["properties"].(map[string]any)["q"].(map[string]any)
	if _, ok := q["format"]; ok {
		t.Error("uri format should be stripped")
	}
}

func TestSanitizeRawInvalidInputUnchanged(t *testing.T) {
	raw := json.RawMessage(`not json`)
	if out := SanitizeRaw(raw); string(out) != "not json" {
		t.Errorf("invalid input should pass through, got %s", out)
	}
}

func TestValidateArgs(t *testing.T) {
	schema := json.RawMessage(`{
		"type": "object",
		"properties": {
			"path": {"type": "string"},
			"limit": {"type": "integer"}
		},
		"required": ["path"]
	}`)

	if err := ValidateArgs(schema, map[string]any{"path": "/tmp", "limit": 3}); err != nil {
		t.Errorf("valid args rejected: %v", err)
	}
	if err := ValidateArgs(schema, map[string]any{"limit": 3}); err == nil {
		t.Error("missing required field should fail")
	}
	if err := ValidateArgs(schema, map[string]any{"path": 42}); err == nil {
		t.Error("wrong type should fail")
	}
	if err := ValidateArgs(nil, map[string]any{"anything": true}); err != nil {
		t.Errorf("empty schema should accept everything: %v", err)
	}
}
