// Package subject implements the Subject Registry: typed subject schemas,
// validated at encode and at decode, per spec §3.2.
package subject

import (
	"encoding/json"
	"fmt"
)

// Subject is the authenticated principal threaded through the whole issuer:
// a tagged record of {type, id, properties}. ID defaults to a deterministic
// hash of Properties when the schema's Validate implementation chooses not
// to assign one, so the refresh-token graph stays keyed consistently even
// when a provider never supplies a natural identifier.
type Subject struct {
	Type       string
	ID         string
	Properties any
}

// Schema validates an untyped value (JSON-decoded map, or raw bytes) into a
// typed T, or reports why it could not. Implementations are expected to be
// standard-schema-compatible the way spec §3.2 describes: one validator per
// subject type, reusable for both encode (minting a token) and decode
// (a client re-validating a token's claims).
type Schema[T any] interface {
	Parse(value any) (T, error)
}

// SchemaFunc adapts a plain function to Schema.
type SchemaFunc[T any] func(value any) (T, error)

func (f SchemaFunc[T]) Parse(value any) (T, error) { return f(value) }

// anySchema erases a Schema[T] to operate over `any` properties, so the
// Registry can hold heterogeneous subject types in one map.
type anySchema interface {
	parseAny(value any) (any, error)
}

type erased[T any] struct{ schema Schema[T] }

func (e erased[T]) parseAny(value any) (any, error) { return e.schema.Parse(value) }

// Registry maps subject type names to their schema validator.
type Registry struct {
	schemas map[string]anySchema
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{schemas: make(map[string]anySchema)}
}

// Register installs the schema for typeName. Register(Registry, "user",
// schema) lets both token minting and client-side decoding validate
// properties claimed to be of type "user".
func Register[T any](r *Registry, typeName string, schema Schema[T]) {
	r.schemas[typeName] = erased[T]{schema}
}

// Validate parses properties against the schema registered for typeName. An
// unregistered type, or a schema that rejects the value, is reported the
// same way: both are "this isn't a valid subject", and the issuer treats
// either as InvalidSubject per spec §7.
func (r *Registry) Validate(typeName string, properties any) (any, error) {
	schema, ok := r.schemas[typeName]
	if !ok {
		return nil, fmt.Errorf("subject: no schema registered for type %q", typeName)
	}
	return schema.parseAny(properties)
}

// ErrInvalidSubject is the internal error kind returned when a subject's
// properties fail schema validation, matching spec §7's InvalidSubject.
var ErrInvalidSubject = fmt.Errorf("subject: invalid subject")

// Decode re-validates a subject after it round-trips through JSON, the way
// a client decodes claims out of an access token: marshal then Validate
// ensures whatever the wire format was (map[string]any from json.Unmarshal)
// still satisfies the schema.
func Decode(r *Registry, typeName string, raw json.RawMessage) (any, error) {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSubject, err)
	}
	out, err := r.Validate(typeName, v)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSubject, err)
	}
	return out, nil
}
