package bus

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// SchemaRegistry validates event payloads at publish time. Types without a
// registered schema pass through unvalidated; a registered type with an
// invalid payload is rejected before it reaches any stream.
type SchemaRegistry struct {
	schemas map[string]*jsonschema.Schema
}

func NewSchemaRegistry() *SchemaRegistry {
	return &SchemaRegistry{schemas: make(map[string]*jsonschema.Schema)}
}

// Register compiles and stores the JSON Schema for an event type.
func (r *SchemaRegistry) Register(eventType, schema string) error {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	url := fmt.Sprintf("https://bidlock.schemas.local/events/%s.schema.json", eventType)
	if err := c.AddResource(url, strings.NewReader(schema)); err != nil {
		return fmt.Errorf("schema load for %s: %w", eventType, err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return fmt.Errorf("schema compile for %s: %w", eventType, err)
	}
	r.schemas[eventType] = compiled
	return nil
}

// Validate checks payload against the schema for eventType, if one exists.
func (r *SchemaRegistry) Validate(eventType string, payload []byte) error {
	schema, ok := r.schemas[eventType]
	if !ok {
		return nil
	}
	var doc any
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return fmt.Errorf("invalid %s payload: %w", eventType, err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("invalid %s payload: %w", eventType, err)
	}
	return nil
}

// PaymentConfirmedSchema is the documented shape of the payment-processor
// integration's confirmation events. Registered by default in cmd/bidlockd.
const PaymentConfirmedSchema = `{
	"type": "object",
	"required": ["project_id", "party_a_id", "party_b_id", "confirmed"],
	"properties": {
		"project_id": {"type": "string", "minLength": 1},
		"party_a_id": {"type": "string", "minLength": 1},
		"party_b_id": {"type": "string", "minLength": 1},
		"amount_cents": {"type": "integer", "minimum": 0},
		"confirmed": {"type": "boolean"}
	}
}`
