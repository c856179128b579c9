package mappings

import (
	"github.com/xeipuuv/gojsonschema"

	"github.com/spacemonqi/ableton-mcp-extended/errors"
)

// configSchema validates the persisted routing document before it replaces
// the in-memory table. The schema is deliberately permissive about unknown
// settings keys (the settings object is free-form by contract) and about
// incomplete targets, which the router skips at application time; it exists
// to catch structurally broken documents, not to enforce business rules.
const configSchema = `{
	"$schema": "http://json-schema.org/draft-07/schema#",
	"type": "object",
	"properties": {
		"settings": {
			"type": "object"
		},
		"mappings": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["motion_stream"],
				"properties": {
					"motion_stream": {"type": "string", "minLength": 1},
					"target": {
						"type": "object",
						"properties": {
							"track_index": {"type": "integer", "minimum": 0},
							"device_index": {"type": "integer", "minimum": 0},
							"parameter_index": {"type": "integer", "minimum": 0}
						}
					},
					"target_meta": {"type": ["object", "null"]},
					"display_name": {"type": ["string", "null"]},
					"range": {
						"type": "array",
						"items": {"type": "number"}
					},
					"smoothing": {"type": "number"},
					"enabled": {"type": "boolean"},
					"updated_at": {"type": "number"}
				}
			}
		}
	}
}`

// compileSchema compiles the document schema once per store.
func compileSchema() (*gojsonschema.Schema, error) {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(configSchema))
	if err != nil {
		return nil, errors.WrapFatal(err, "mappings", "compileSchema", "schema compilation")
	}
	return schema, nil
}

// validateDocument checks raw JSON against the document schema.
func validateDocument(schema *gojsonschema.Schema, raw []byte) error {
	result, err := schema.Validate(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return errors.WrapInvalid(err, "mappings", "validateDocument", "schema validation")
	}
	if !result.Valid() {
		first := result.Errors()[0]
		return errors.WrapInvalid(
			errors.ErrInvalidConfig,
			"mappings", "validateDocument", first.String())
	}
	return nil
}
