package extraction

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Prompt is sent with every request. The service is expected to fill the
// schema from the photographed pages only.
const Prompt = "You are cataloging a used or antiquarian book from photographs of its cover, " +
	"title page and (when present) copyright page. Transcribe the bibliographic details exactly " +
	"as printed. Leave a field out when it is not visible. Report whether a dust jacket is present. " +
	"Return only JSON matching the provided schema."

func optionalString() map[string]any {
	return map[string]any{"type": []any{"string", "null"}}
}

// MetadataSchema is the JSON schema the service output must satisfy.
func MetadataSchema() map[string]any {
	return map[string]any{
		"$schema":              "http://json-schema.org/draft-07/schema#",
		"type":                 "object",
		"additionalProperties": false,
		"required":             []any{"title"},
		"properties": map[string]any{
			"title":    map[string]any{"type": "string", "minLength": 1},
			"subtitle": optionalString(),
			"authors": map[string]any{
				"type":  []any{"array", "null"},
				"items": map[string]any{"type": "string"},
			},
			"publisher": optionalString(),
			"year": map[string]any{
				"type":    []any{"integer", "null"},
				"minimum": 0,
				"maximum": 3000,
			},
			"edition_statement": optionalString(),
			"dust_jacket":       map[string]any{"type": []any{"boolean", "null"}},
			"isbn":              optionalString(),
		},
	}
}

func compileSchema(schemaMap map[string]any) (*jsonschema.Schema, error) {
	b, err := json.Marshal(schemaMap)
	if err != nil {
		return nil, fmt.Errorf("marshal schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("metadata.json", bytes.NewReader(b)); err != nil {
		return nil, fmt.Errorf("add schema: %w", err)
	}
	schema, err := compiler.Compile("metadata.json")
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return schema, nil
}

func validate(schema *jsonschema.Schema, data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return fmt.Errorf("unmarshal data: %w", err)
	}
	if err := schema.Validate(v); err != nil {
		return fmt.Errorf("json does not match schema: %w", err)
	}
	return nil
}
