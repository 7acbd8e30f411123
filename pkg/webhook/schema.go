package webhook

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const payloadSchemaURL = "https://chatpipe.local/schemas/whatsapp-webhook.json"

// payloadSchema constrains the envelope only; message bodies are left to the normalizer.
const payloadSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["object", "entry"],
  "properties": {
    "object": {"type": "string"},
    "entry": {
      "type": "array",
      "items": {
        "type": "object",
        "properties": {
          "id": {"type": "string"},
          "changes": {
            "type": "array",
            "items": {
              "type": "object",
              "required": ["value"],
              "properties": {
                "field": {"type": "string"},
                "value": {
                  "type": "object",
                  "properties": {
                    "metadata": {"type": "object"},
                    "contacts": {"type": "array", "items": {"type": "object"}},
                    "statuses": {"type": "array"},
                    "messages": {
                      "type": "array",
                      "items": {
                        "type": "object",
                        "required": ["from", "type"],
                        "properties": {
                          "from": {"type": "string", "minLength": 1},
                          "id": {"type": "string"},
                          "timestamp": {"type": "string"},
                          "type": {"type": "string", "minLength": 1}
                        }
                      }
                    }
                  }
                }
              }
            }
          }
        }
      }
    }
  }
}`

// SchemaValidator validates raw webhook bodies against the envelope schema.
type SchemaValidator struct {
	schema *jsonschema.Schema
}

// NewSchemaValidator compiles the embedded envelope schema.
func NewSchemaValidator() (*SchemaValidator, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(payloadSchema))
	if err != nil {
		return nil, fmt.Errorf("parse webhook schema: %w", err)
	}

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(payloadSchemaURL, doc); err != nil {
		return nil, fmt.Errorf("add webhook schema: %w", err)
	}

	schema, err := compiler.Compile(payloadSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile webhook schema: %w", err)
	}

	return &SchemaValidator{schema: schema}, nil
}

// Validate returns an error when body is not JSON or does not match the schema.
func (v *SchemaValidator) Validate(body []byte) error {
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("malformed json: %w", err)
	}
	if err := v.schema.Validate(inst); err != nil {
		return fmt.Errorf("payload does not match schema: %w", err)
	}
	return nil
}
