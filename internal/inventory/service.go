// Package inventory decides stock reservations for incoming orders and emits
// the approved/rejected decision events.
package inventory

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"

	"shopmesh/internal/contracts/event"
	"shopmesh/internal/messaging/rabbitmq"
	"shopmesh/internal/store"
)

// DefaultMaxUnits is the per-order reservation capacity.
const DefaultMaxUnits = 10

const reasonInsufficientStock = "insufficient_stock"

type Publisher interface {
	PublishEnvelope(ctx context.Context, exchange, routingKey string, env *event.Envelope, groupID string) error
}

// Service consumes orders.created, applies the reservation rule and publishes
// exactly one decision per order event. Every envelope it sees or emits is
// appended to the event store first.
type Service struct {
	events   store.EventStore
	pub      Publisher
	name     string
	MaxUnits int
	lg       zerolog.Logger

	newReservationID func() string
}

func NewService(events store.EventStore, pub Publisher, producer string, lg zerolog.Logger) *Service {
	return &Service{
		events:           events,
		pub:              pub,
		name:             producer,
		MaxUnits:         DefaultMaxUnits,
		lg:               lg.With().Str("component", "inventory_service").Logger(),
		newReservationID: newReservationID,
	}
}

func newReservationID() string {
	b := make([]byte, 6)
	_, _ = rand.Read(b)
	return "res_" + hex.EncodeToString(b)
}

// HandleOrderCreated records the order event, then approves the reservation
// iff the total quantity is positive and within capacity; otherwise it
// rejects with insufficient_stock. The decision keeps the inbound
// correlationId so a trace spans the whole saga.
func (s *Service) HandleOrderCreated(ctx context.Context, env *event.Envelope) error {
	if err := s.events.Append(ctx, env); err != nil {
		return fmt.Errorf("append %s: %w", env.Type, err)
	}

	var p event.OrderCreatedPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return &event.SchemaError{Type: env.Type, Version: env.Version,
			Reason: "payload decode: " + err.Error()}
	}

	units := 0
	for _, it := range p.Items {
		units += it.Quantity
	}

	var decision *event.Envelope
	var err error
	if units > 0 && units <= s.MaxUnits {
		decision, err = event.New(event.TypeReserveApproved, s.name, env.CorrelationID,
			event.ReserveApprovedPayload{
				OrderID:       p.OrderID,
				ReservationID: s.newReservationID(),
			})
	} else {
		decision, err = event.New(event.TypeReserveRejected, s.name, env.CorrelationID,
			event.ReserveRejectedPayload{
				OrderID: p.OrderID,
				Reason:  reasonInsufficientStock,
			})
	}
	if err != nil {
		return fmt.Errorf("build decision: %w", err)
	}
	if err := event.ValidateOutgoing(decision); err != nil {
		return fmt.Errorf("decision schema: %w", err)
	}
	if err := s.events.Append(ctx, decision); err != nil {
		return fmt.Errorf("append %s: %w", decision.Type, err)
	}
	if err := s.pub.PublishEnvelope(ctx, rabbitmq.ExchangeInventory,
		event.RoutingKey(decision.Type, decision.Version), decision, p.OrderID); err != nil {
		return fmt.Errorf("publish %s: %w", decision.Type, err)
	}

	s.lg.Info().Str("order_id", p.OrderID).Str("decision", decision.Type).
		Int("units", units).Str("correlation_id", env.CorrelationID).Msg("reservation decided")
	return nil
}

// HandleOrderCancelled records the cancellation for the audit trail. Releasing
// a held reservation would go here once reservations hold real stock.
func (s *Service) HandleOrderCancelled(ctx context.Context, env *event.Envelope) error {
	if err := s.events.Append(ctx, env); err != nil {
		return fmt.Errorf("append %s: %w", env.Type, err)
	}
	s.lg.Info().Str("order_id", env.OrderID()).Msg("cancellation recorded")
	return nil
}
