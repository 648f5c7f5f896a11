package sift

import (
	"bytes"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// payloadSchemaJSON is the boundary contract for incoming payload bodies.
// Structural shape only; semantic rules (variant field requirements, bucket
// values, reference resolution) live in validatePayload and the store.
const payloadSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["typeTag", "schemaVersion", "name"],
  "properties": {
    "id": {"type": "string"},
    "typeTag": {
      "enum": [
        "Action", "ReadAction", "PlanAction", "BuyAction", "CommunicateAction",
        "ReviewAction", "CreateAction", "SendAction", "CheckAction",
        "Project", "CreativeWork", "DigitalDocument", "EmailMessage", "Event", "Person"
      ]
    },
    "schemaVersion": {"type": "integer"},
    "name": {"type": "string", "minLength": 1},
    "description": {"type": "string"},
    "keywords": {"type": "array", "items": {"type": "string"}},
    "dateCreated": {"type": "string"},
    "dateModified": {"type": "string"},
    "startTime": {"type": "string"},
    "endTime": {"type": "string"},
    "objectRef": {"type": "string"},
    "startDate": {"type": "string"},
    "endDate": {"type": "string"},
    "duration": {"type": "string"},
    "location": {"type": "string"},
    "sender": {
      "type": "object",
      "required": ["email"],
      "properties": {
        "name": {"type": "string"},
        "email": {"type": "string", "minLength": 1}
      }
    },
    "encodingFormat": {"type": "string"},
    "additionalProperty": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["propertyId", "value"],
        "properties": {
          "propertyId": {"type": "string", "minLength": 1}
        }
      }
    }
  }
}`

// patchSchemaJSON is the boundary contract for PATCH bodies: the payload
// fields minus identity and versioning, all optional, no unknown fields.
const patchSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "additionalProperties": false,
  "properties": {
    "name": {"type": "string", "minLength": 1},
    "description": {"type": "string"},
    "keywords": {"type": "array", "items": {"type": "string"}},
    "startTime": {"type": "string"},
    "endTime": {"type": "string"},
    "objectRef": {"type": "string"},
    "startDate": {"type": "string"},
    "endDate": {"type": "string"},
    "duration": {"type": "string"},
    "location": {"type": "string"},
    "sender": {
      "type": "object",
      "required": ["email"],
      "properties": {
        "name": {"type": "string"},
        "email": {"type": "string", "minLength": 1}
      }
    },
    "encodingFormat": {"type": "string"},
    "additionalProperty": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["propertyId", "value"],
        "properties": {
          "propertyId": {"type": "string", "minLength": 1}
        }
      }
    }
  }
}`

const (
	payloadSchemaURL = "sift://schemas/item-payload.json"
	patchSchemaURL   = "sift://schemas/item-patch.json"
)

var (
	payloadSchemaOnce sync.Once
	payloadSchema     *jsonschema.Schema
	payloadSchemaErr  error

	patchSchemaOnce sync.Once
	patchSchema     *jsonschema.Schema
	patchSchemaErr  error
)

func compileSchema(url, raw string) (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(raw))
	if err != nil {
		return nil, err
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(url, doc); err != nil {
		return nil, err
	}
	return compiler.Compile(url)
}

func compiledPayloadSchema() (*jsonschema.Schema, error) {
	payloadSchemaOnce.Do(func() {
		payloadSchema, payloadSchemaErr = compileSchema(payloadSchemaURL, payloadSchemaJSON)
	})
	return payloadSchema, payloadSchemaErr
}

func compiledPatchSchema() (*jsonschema.Schema, error) {
	patchSchemaOnce.Do(func() {
		patchSchema, patchSchemaErr = compileSchema(patchSchemaURL, patchSchemaJSON)
	})
	return patchSchema, patchSchemaErr
}

func validateAgainstSchema(schema *jsonschema.Schema, raw []byte) error {
	value, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return &ValidationError{Reason: "invalid json: " + err.Error()}
	}
	if err := schema.Validate(value); err != nil {
		return &ValidationError{Reason: err.Error()}
	}
	return nil
}

// ValidatePayloadJSON checks a raw payload body against the boundary schema.
// Schema violations come back as ValidationError so callers can map them with
// errors.Is(err, ErrValidation).
func ValidatePayloadJSON(raw []byte) error {
	schema, err := compiledPayloadSchema()
	if err != nil {
		return err
	}
	return validateAgainstSchema(schema, raw)
}

// ValidatePatchJSON checks a raw PATCH body against the patch schema.
func ValidatePatchJSON(raw []byte) error {
	schema, err := compiledPatchSchema()
	if err != nil {
		return err
	}
	return validateAgainstSchema(schema, raw)
}
