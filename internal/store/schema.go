package store

import (
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// documentSchema is the structural contract for the persisted document.
// Validating at every load/save boundary is what replaces after-the-fact
// repair: a malformed document is rejected immediately, never patched.
const documentSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["tasks", "agents"],
	"properties": {
		"tasks": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["id", "status"],
				"properties": {
					"id": {"type": "string", "minLength": 1},
					"title": {"type": "string"},
					"status": {"enum": ["pending", "in_progress", "completed", "blocked"]},
					"category": {"type": "string"},
					"priority": {"type": "string"},
					"assigned_agent": {"type": "string"},
					"assigned_agents": {"type": "array", "items": {"type": "string"}},
					"dependencies": {"type": "array", "items": {"type": "string"}},
					"original_implementer": {"type": "string"},
					"access_history": {
						"type": "array",
						"items": {
							"type": "object",
							"required": ["agent_id", "action", "timestamp"],
							"properties": {
								"agent_id": {"type": "string"},
								"action": {"type": "string"},
								"timestamp": {"type": "string"}
							}
						}
					}
				}
			}
		},
		"agents": {
			"type": "object",
			"additionalProperties": {
				"type": "object",
				"required": ["id"],
				"properties": {
					"id": {"type": "string", "minLength": 1},
					"role": {"type": "string"},
					"specialization": {"type": "string"}
				}
			}
		},
		"execution_count": {"type": "integer", "minimum": 0},
		"review_strikes": {"type": "integer", "minimum": 0},
		"stats": {"type": "object"}
	}
}`

var (
	schemaOnce     sync.Once
	compiledSchema *jsonschema.Schema
	schemaErr      error
)

func compileDocumentSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(documentSchema))
		if err != nil {
			schemaErr = fmt.Errorf("unmarshal document schema: %w", err)
			return
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource("document.json", doc); err != nil {
			schemaErr = fmt.Errorf("add schema resource: %w", err)
			return
		}
		compiledSchema, schemaErr = c.Compile("document.json")
	})
	return compiledSchema, schemaErr
}

// validateDocumentJSON checks serialized document bytes against the schema.
// Uses jsonschema.UnmarshalJSON for correct number handling (json.Number).
func validateDocumentJSON(raw []byte) error {
	schema, err := compileDocumentSchema()
	if err != nil {
		return err
	}
	parsed, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		return fmt.Errorf("parse document for validation: %w", err)
	}
	if _, ok := parsed.(map[string]any); !ok {
		return fmt.Errorf("document is not a plain object")
	}
	if err := schema.Validate(parsed); err != nil {
		return fmt.Errorf("document schema validation: %w", err)
	}
	return nil
}
