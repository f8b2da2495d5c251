// Package event defines the canonical envelope shared by every service on
// the bus, the versioned payload schemas, and validation for both the
// produce and consume sides.
package event

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Event types carried on the bus.
const (
	TypeOrderCreated     = "orders.created"
	TypeOrderCancelled   = "orders.cancelled"
	TypeReserveApproved  = "inventory.reserve.approved"
	TypeReserveRejected  = "inventory.reserve.rejected"
	TypeNotificationSent = "notification.sent"

	// TypeReserveRequested is reserved upstream; nothing produces it yet.
	TypeReserveRequested = "inventory.reserve.requested"
)

// CurrentVersion is the envelope version every producer emits today.
const CurrentVersion = 1

// Envelope is the fixed-shape wrapper around every payload. eventId is the
// primary idempotency key; occurredAt is stamped once at construction and
// never rewritten, not even by replay.
type Envelope struct {
	EventID       string          `json:"eventId" validate:"required,uuid4"`
	Type          string          `json:"type" validate:"required"`
	Version       int             `json:"version" validate:"required,gt=0"`
	OccurredAt    time.Time       `json:"occurredAt" validate:"required"`
	Producer      string          `json:"producer" validate:"required"`
	CorrelationID string          `json:"correlationId" validate:"required"`
	Payload       json.RawMessage `json:"payload" validate:"required"`
}

// New builds a v1 envelope around payload, minting the event identity and
// timestamp. The result still has to pass ValidateOutgoing before publish.
func New(eventType, producer, correlationID string, payload any) (*Envelope, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return &Envelope{
		EventID:       uuid.NewString(),
		Type:          eventType,
		Version:       CurrentVersion,
		OccurredAt:    time.Now().UTC(),
		Producer:      producer,
		CorrelationID: correlationID,
		Payload:       body,
	}, nil
}

// RoutingKey returns the versioned routing key for an event type,
// e.g. "orders.created" v1 -> "orders.created.v1".
func RoutingKey(eventType string, version int) string {
	return fmt.Sprintf("%s.v%d", eventType, version)
}

// OrderID extracts payload.orderId without decoding the full payload. Every
// v1 payload carries it; it doubles as the aggregate group key.
func (e *Envelope) OrderID() string {
	var p struct {
		OrderID string `json:"orderId"`
	}
	_ = json.Unmarshal(e.Payload, &p)
	return p.OrderID
}
