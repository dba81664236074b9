package gateway

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/kaptinlin/jsonschema"

	"guardian-ai/internal/domain"
)

// rpcSchemas are the JSON Schemas RPC payloads are checked against before
// they reach a handler. Methods without an entry take no payload.
var rpcSchemas = map[string]string{
	"capture.start": `{
		"type": "object",
		"properties": {
			"self_consent": {"type": "boolean"},
			"all_parties_consent": {"type": "boolean"}
		},
		"required": ["self_consent"],
		"additionalProperties": false
	}`,
	"capture.stop":   idSchema,
	"capture.revoke": idSchema,
	"capture.append": `{
		"type": "object",
		"properties": {
			"id": {"type": "string", "minLength": 1},
			"data": {"type": "string"},
			"encoding": {"enum": ["text", "base64"]}
		},
		"required": ["id", "data"],
		"additionalProperties": false
	}`,
	"records.list": `{
		"type": "object",
		"properties": {"fresh": {"type": "boolean"}},
		"additionalProperties": false
	}`,
	"transmission.record": `{
		"type": "object",
		"properties": {
			"kind": {"enum": ["text", "audio"]},
			"size_bytes": {"type": "integer", "minimum": 0},
			"purpose": {"type": "string", "minLength": 1, "maxLength": 200}
		},
		"required": ["kind", "size_bytes", "purpose"],
		"additionalProperties": false
	}`,
	"ledger.query": limitSchema,
	"audit.tail":   limitSchema,
	"policy.update": `{
		"type": "object",
		"properties": {
			"consent_mode": {"type": "string"},
			"ttl_hours": {"type": "integer"},
			"show_indicators": {"type": "boolean"},
			"auto_delete": {"type": "boolean"}
		},
		"minProperties": 1,
		"additionalProperties": false
	}`,
	"guidance.request": `{
		"type": "object",
		"properties": {
			"request_id": {"type": "string"},
			"transcript": {"type": "string", "minLength": 1},
			"metadata": {
				"type": "object",
				"properties": {
					"duration": {"type": "integer", "minimum": 0},
					"speakers": {"type": "integer", "minimum": 0},
					"confidence": {"type": "number", "minimum": 0, "maximum": 1}
				}
			}
		},
		"required": ["transcript"],
		"additionalProperties": false
	}`,
	"schedule.run": `{
		"type": "object",
		"properties": {"action": {"enum": ["retention_sweep", "snapshot", "audit_retention"]}},
		"required": ["action"],
		"additionalProperties": false
	}`,
	"guidance.abort": `{
		"type": "object",
		"properties": {"request_id": {"type": "string", "minLength": 1}},
		"required": ["request_id"],
		"additionalProperties": false
	}`,
}

const idSchema = `{
	"type": "object",
	"properties": {"id": {"type": "string", "minLength": 1}},
	"required": ["id"],
	"additionalProperties": false
}`

const limitSchema = `{
	"type": "object",
	"properties": {"limit": {"type": "integer"}},
	"additionalProperties": false
}`

// compileSchemas compiles every entry of rpcSchemas.
func compileSchemas() (map[string]*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	out := make(map[string]*jsonschema.Schema, len(rpcSchemas))
	for method, src := range rpcSchemas {
		schema, err := compiler.Compile([]byte(src))
		if err != nil {
			return nil, fmt.Errorf("compile schema for %s: %w", method, err)
		}
		out[method] = schema
	}
	return out, nil
}

// validatePayload checks payload against schema. An empty payload is
// treated as an empty object.
func validatePayload(schema *jsonschema.Schema, payload json.RawMessage) error {
	if len(payload) == 0 || string(payload) == "null" {
		payload = json.RawMessage("{}")
	}
	var data any
	if err := json.Unmarshal(payload, &data); err != nil {
		return domain.NewDomainError("gateway.validate", domain.ErrRPCInvalidPayload, "malformed JSON")
	}
	result := schema.Validate(data)
	if !result.IsValid() {
		return domain.NewDomainError("gateway.validate", domain.ErrRPCInvalidPayload, fmt.Sprintf("%s", result.Error()))
	}
	return nil
}

// withSchema validates the payload before calling h.
func withSchema(schema *jsonschema.Schema, h RPCHandler) RPCHandler {
	if schema == nil {
		return h
	}
	return func(ctx context.Context, client *ClientInfo, payload json.RawMessage) (json.RawMessage, error) {
		if err := validatePayload(schema, payload); err != nil {
			return nil, err
		}
		return h(ctx, client, payload)
	}
}
