package event

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// SchemaError marks an envelope that can never become valid. The consumer
// runtime routes it to the DLQ on first sight; producers must not publish.
type SchemaError struct {
	Type    string
	Version int
	Fields  []string
	Reason  string
}

func (e *SchemaError) Error() string {
	msg := fmt.Sprintf("schema invalid for %s v%d: %s", e.Type, e.Version, e.Reason)
	if len(e.Fields) > 0 {
		msg += " [" + strings.Join(e.Fields, ", ") + "]"
	}
	return msg
}

// Permanent tells the consumer runtime this failure must not be retried.
func (e *SchemaError) Permanent() bool { return true }

var validate = validator.New()

type schemaKey struct {
	Type    string
	Version int
}

// One schema per (type, version). Evolving a schema adds a new entry and a
// new versioned routing key; old entries stay.
var schemas = map[schemaKey]func() any{
	{TypeOrderCreated, 1}:     func() any { return &OrderCreatedPayload{} },
	{TypeOrderCancelled, 1}:   func() any { return &OrderCancelledPayload{} },
	{TypeReserveApproved, 1}:  func() any { return &ReserveApprovedPayload{} },
	{TypeReserveRejected, 1}:  func() any { return &ReserveRejectedPayload{} },
	{TypeNotificationSent, 1}: func() any { return &NotificationSentPayload{} },
}

// HasSchema reports whether a validator is registered for (type, version).
func HasSchema(eventType string, version int) bool {
	_, ok := schemas[schemaKey{eventType, version}]
	return ok
}

// Types lists every event type with at least one registered schema.
func Types() []string {
	seen := map[string]bool{}
	var out []string
	for k := range schemas {
		if !seen[k.Type] {
			seen[k.Type] = true
			out = append(out, k.Type)
		}
	}
	return out
}

// ValidateIncoming decodes raw bytes into an envelope and checks it against
// the schema selected by (type, version). A JSON-level decode failure is
// returned as a plain error (the bytes may be a transport glitch and are
// retried under budget); everything past that is a *SchemaError.
func ValidateIncoming(raw []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	if err := Validate(&env); err != nil {
		return nil, err
	}
	return &env, nil
}

// ValidateOutgoing checks a constructed envelope before it is appended or
// published. On failure the caller must publish nothing.
func ValidateOutgoing(env *Envelope) error {
	if env == nil {
		return &SchemaError{Reason: "nil envelope"}
	}
	return Validate(env)
}

// Validate runs the structural envelope checks followed by the payload
// schema for (type, version).
func Validate(env *Envelope) error {
	if err := validate.Struct(env); err != nil {
		return schemaErr(env, "envelope", err)
	}

	mk, ok := schemas[schemaKey{env.Type, env.Version}]
	if !ok {
		return &SchemaError{
			Type:    env.Type,
			Version: env.Version,
			Reason:  "no schema registered",
		}
	}

	payload := mk()
	if err := json.Unmarshal(env.Payload, payload); err != nil {
		// Valid JSON overall but the payload fields have the wrong shape.
		return &SchemaError{
			Type:    env.Type,
			Version: env.Version,
			Reason:  "payload decode: " + err.Error(),
		}
	}
	if err := validate.Struct(payload); err != nil {
		return schemaErr(env, "payload", err)
	}
	return nil
}

func schemaErr(env *Envelope, where string, err error) *SchemaError {
	se := &SchemaError{
		Type:    env.Type,
		Version: env.Version,
		Reason:  where + " validation failed",
	}
	if verrs, ok := err.(validator.ValidationErrors); ok {
		for _, fe := range verrs {
			se.Fields = append(se.Fields, fe.Namespace())
		}
	} else {
		se.Reason = where + ": " + err.Error()
	}
	return se
}
