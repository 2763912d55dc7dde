package schema

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

var compiledSchemas sync.Map

// ValidateArgs checks tool arguments against a JSON-Schema. An empty
// schema accepts everything. Compiled schemas are cached by their exact
// JSON text.
func ValidateArgs(rawSchema json.RawMessage, args map[string]any) error {
	if len(rawSchema) == 0 {
		return nil
	}

	compiled, err := compile(rawSchema)
	if err != nil {
		return fmt.Errorf("compile parameter schema: %w", err)
	}

	// Round-trip through JSON so argument values use the decoded shapes
	// the validator expects.
	payload, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("encode arguments: %w", err)
	}
	var decoded any
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return fmt.Errorf("decode arguments: %w", err)
	}

	if err := compiled.Validate(decoded); err != nil {
		return fmt.Errorf("invalid arguments: %w", err)
	}
	return nil
}

func compile(rawSchema json.RawMessage) (*jsonschema.Schema, error) {
	key := string(rawSchema)
	if cached, ok := compiledSchemas.Load(key); ok {
		if compiled, ok := cached.(*jsonschema.Schema); ok {
			return compiled, nil
		}
	}

	compiled, err := jsonschema.CompileString("params.schema.json", key)
	if err != nil {
		return nil, err
	}
	compiledSchemas.Store(key, compiled)
	return compiled, nil
}
