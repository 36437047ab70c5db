package tools

import (
	"encoding/json"
	"fmt"

	jsonschema "github.com/swaggest/jsonschema-go"
)

// reflectSchema builds a JSON schema map from a tagged input struct.
// It panics on failure since inputs are static types.
func reflectSchema(input any) map[string]any {
	reflector := jsonschema.Reflector{}
	schema, err := reflector.Reflect(input)
	if err != nil {
		panic(fmt.Sprintf("reflect tool schema for %T: %v", input, err))
	}
	raw, err := json.Marshal(schema)
	if err != nil {
		panic(fmt.Sprintf("marshal tool schema for %T: %v", input, err))
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		panic(fmt.Sprintf("decode tool schema for %T: %v", input, err))
	}
	return out
}

// decodeArgs maps loosely typed model arguments onto a tagged input struct.
func decodeArgs(args map[string]any, out any) error {
	raw, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("encode arguments: %w", err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("invalid arguments: %w", err)
	}
	return nil
}
