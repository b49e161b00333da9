package policy

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

const documentSchemaURL = "https://agentmesh.dev/schemas/policy.schema.json"

// documentSchema rejects structurally broken documents before the typed
// decode; semantic checks (duplicate rules, DID shape) live in Validate.
const documentSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["version", "name", "agents"],
  "properties": {
    "version": {"type": "string", "minLength": 1},
    "name": {"type": "string", "minLength": 1},
    "description": {"type": "string"},
    "agents": {
      "type": "array",
      "minItems": 1,
      "items": {"type": "string", "minLength": 1}
    },
    "rules": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["name", "condition", "action"],
        "properties": {
          "name": {"type": "string", "minLength": 1},
          "priority": {"type": "integer", "minimum": 0},
          "condition": {
            "type": "object",
            "required": ["field", "operator"],
            "properties": {
              "field": {"type": "string", "minLength": 1},
              "operator": {
                "enum": ["eq", "ne", "gt", "gte", "lt", "lte", "in", "not_in", "matches"]
              },
              "value": true
            }
          },
          "action": {"enum": ["allow", "deny", "warn", "require_approval"]},
          "enabled": {"type": "boolean"}
        }
      }
    },
    "defaults": {
      "type": "object",
      "properties": {
        "min_trust_score": {"type": "number", "minimum": 0},
        "max_delegation_depth": {"type": "integer", "minimum": 0},
        "allowed_namespaces": {"type": "array", "items": {"type": "string"}},
        "require_handshake": {"type": "boolean"}
      }
    }
  }
}`

var (
	schemaOnce     sync.Once
	compiledSchema *jsonschema.Schema
	schemaErr      error
)

func loadSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		if err := c.AddResource(documentSchemaURL, strings.NewReader(documentSchema)); err != nil {
			schemaErr = fmt.Errorf("policy schema load failed: %w", err)
			return
		}
		compiledSchema, schemaErr = c.Compile(documentSchemaURL)
	})
	return compiledSchema, schemaErr
}

// ParseYAML decodes and validates a policy document. The document is
// checked against the JSON schema first so errors point at the offending
// field, then semantically via Validate.
func ParseYAML(data []byte) (*Policy, error) {
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("policy document malformed: %w", err)
	}

	// The schema validator wants encoding/json value types, so round-trip
	// the YAML tree through JSON before validating.
	jsonBytes, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("policy document not JSON-encodable: %w", err)
	}
	var doc any
	if err := json.Unmarshal(jsonBytes, &doc); err != nil {
		return nil, fmt.Errorf("policy document not JSON-encodable: %w", err)
	}

	sch, err := loadSchema()
	if err != nil {
		return nil, err
	}
	if err := sch.Validate(doc); err != nil {
		return nil, &ValidationError{Msg: fmt.Sprintf("policy document rejected by schema: %v", err)}
	}

	var p Policy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("policy document malformed: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// LoadYAML parses a document and registers it with the engine.
func (e *Engine) LoadYAML(data []byte) (*Policy, error) {
	p, err := ParseYAML(data)
	if err != nil {
		return nil, err
	}
	if err := e.AddPolicy(p); err != nil {
		return nil, err
	}
	return p, nil
}
