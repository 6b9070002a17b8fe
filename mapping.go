package esbind

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/jsonschema-go/jsonschema"
)

// indexMappingSchema constrains the create-index body a tracked type may declare. Aliases are
// managed by the lifecycle manager and therefore not allowed.
const indexMappingSchema = `{
	"type": "object",
	"properties": {
		"settings": {"type": "object"},
		"mappings": {"type": "object"}
	},
	"additionalProperties": false
}`

var (
	mappingSchemaOnce sync.Once
	mappingSchema     *jsonschema.Resolved
	mappingSchemaErr  error
)

func resolvedMappingSchema() (*jsonschema.Resolved, error) {
	mappingSchemaOnce.Do(func() {
		var schema jsonschema.Schema
		if err := json.Unmarshal([]byte(indexMappingSchema), &schema); err != nil {
			mappingSchemaErr = fmt.Errorf("failed to unmarshal into jsonschema.Schema: %w", err)
			return
		}
		mappingSchema, mappingSchemaErr = schema.Resolve(&jsonschema.ResolveOptions{})
		if mappingSchemaErr != nil {
			mappingSchemaErr = fmt.Errorf("failed to resolve JSON schema: %w", mappingSchemaErr)
		}
	})
	return mappingSchema, mappingSchemaErr
}

// ValidateIndexMapping checks a create-index body. A nil mapping is valid.
func ValidateIndexMapping(mapping map[string]any) error {
	if mapping == nil {
		return nil
	}
	resolved, err := resolvedMappingSchema()
	if err != nil {
		return err
	}

	// Normalise Go values (ints, typed maps) to plain JSON values first.
	raw, err := json.Marshal(mapping)
	if err != nil {
		return fmt.Errorf("index mapping is not JSON encodable: %w", err)
	}
	var instance any
	if err := json.Unmarshal(raw, &instance); err != nil {
		return fmt.Errorf("failed to unmarshal index mapping: %w", err)
	}

	if err := resolved.Validate(instance); err != nil {
		return fmt.Errorf("index mapping validation failed: %w", err)
	}
	return nil
}
