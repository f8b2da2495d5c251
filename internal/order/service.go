package order

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"shopmesh/internal/apperr"
	"shopmesh/internal/contracts/event"
	"shopmesh/internal/idempotency"
	"shopmesh/internal/messaging/rabbitmq"
	"shopmesh/internal/metrics"
	"shopmesh/internal/store"
)

// Publisher is the slice of the MQ publisher this service needs.
type Publisher interface {
	PublishEnvelope(ctx context.Context, exchange, routingKey string, env *event.Envelope, groupID string) error
}

type CreateRequest struct {
	CustomerID string            `json:"customerId"`
	Items      []event.OrderItem `json:"items"`
}

type CreateResult struct {
	Order      *Order
	Idempotent bool
}

// Service implements order create/cancel plus the consumers that fold
// inventory decisions back into the read model.
type Service struct {
	orders  Store
	events  store.EventStore
	pub     Publisher
	idem    idempotency.Store
	idemTTL time.Duration
	name    string
	lg      zerolog.Logger

	newID func() string
}

func NewService(orders Store, events store.EventStore, pub Publisher, idem idempotency.Store, idemTTL time.Duration, producer string, lg zerolog.Logger) *Service {
	return &Service{
		orders:  orders,
		events:  events,
		pub:     pub,
		idem:    idem,
		idemTTL: idemTTL,
		name:    producer,
		lg:      lg.With().Str("component", "order_service").Logger(),
		newID:   newOrderID,
	}
}

func newOrderID() string {
	b := make([]byte, 4)
	_, _ = rand.Read(b)
	return "ord_" + hex.EncodeToString(b)
}

// Create validates the request, applies HTTP idempotency, persists the order
// as PENDING, appends orders.created to the event store and publishes it.
// A replayed Idempotency-Key returns the original order and emits nothing.
func (s *Service) Create(ctx context.Context, req CreateRequest, idemKey, correlationID string) (*CreateResult, error) {
	if err := validateCreate(req); err != nil {
		return nil, err
	}

	if idemKey != "" {
		orderID, ok, err := s.idem.Get(ctx, idemKey)
		if err != nil {
			return nil, apperr.Unavailable("idempotency store unavailable", err)
		}
		if ok {
			o, err := s.orders.Get(ctx, orderID)
			if err != nil {
				return nil, apperr.Internal("idempotent lookup failed", err)
			}
			metrics.IdempotentHits.Inc()
			s.lg.Info().Str("order_id", orderID).Str("correlation_id", correlationID).Msg("idempotent replay")
			return &CreateResult{Order: o, Idempotent: true}, nil
		}
	}

	now := time.Now().UTC()
	o := &Order{
		OrderID:    s.newID(),
		CustomerID: req.CustomerID,
		Items:      req.Items,
		Total:      total(req.Items),
		Status:     StatusPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	existing, created, err := s.orders.Insert(ctx, o)
	if err != nil {
		return nil, apperr.Unavailable("order store unavailable", err)
	}
	if !created {
		// Freak collision on a minted id; serve the existing row.
		return &CreateResult{Order: existing, Idempotent: true}, nil
	}

	env, err := event.New(event.TypeOrderCreated, s.name, correlationID, event.OrderCreatedPayload{
		OrderID:    o.OrderID,
		CustomerID: o.CustomerID,
		Items:      o.Items,
		Total:      o.Total,
	})
	if err != nil {
		return nil, apperr.Internal("build event", err)
	}
	if err := event.ValidateOutgoing(env); err != nil {
		// Our own event failed its schema: publish nothing.
		return nil, apperr.Internal("event schema", err)
	}
	if err := s.events.Append(ctx, env); err != nil {
		return nil, apperr.Unavailable("event store unavailable", err)
	}
	if err := s.pub.PublishEnvelope(ctx, rabbitmq.ExchangeOrders,
		event.RoutingKey(env.Type, env.Version), env, o.OrderID); err != nil {
		return nil, apperr.Unavailable("publish failed", err)
	}

	if idemKey != "" {
		if err := s.idem.Put(ctx, idemKey, o.OrderID, s.idemTTL); err != nil {
			s.lg.Warn().Err(err).Str("order_id", o.OrderID).Msg("idempotency put failed")
		}
	}

	s.lg.Info().Str("order_id", o.OrderID).Str("event_id", env.EventID).
		Str("correlation_id", correlationID).Msg("order created")
	return &CreateResult{Order: o}, nil
}

// Cancel transitions a non-terminal order to CANCELLED and emits
// orders.cancelled. Cancelling a terminal order is a validation error.
func (s *Service) Cancel(ctx context.Context, orderID, reason, correlationID string) (*Order, error) {
	if reason == "" {
		reason = "user_requested"
	}

	o, err := s.orders.Get(ctx, orderID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.NotFound("order not found")
	}
	if err != nil {
		return nil, apperr.Unavailable("order store unavailable", err)
	}
	if o.Status.Terminal() {
		return nil, apperr.ValidationMeta("order is in a terminal state",
			map[string]string{"status": string(o.Status)})
	}

	o, err = s.orders.UpdateStatus(ctx, orderID, StatusCancelled)
	if err != nil {
		return nil, apperr.Unavailable("order store unavailable", err)
	}
	if o.Status != StatusCancelled {
		// A concurrent decision won the race and sealed the order.
		return nil, apperr.ValidationMeta("order is in a terminal state",
			map[string]string{"status": string(o.Status)})
	}

	env, err := event.New(event.TypeOrderCancelled, s.name, correlationID, event.OrderCancelledPayload{
		OrderID: orderID,
		Reason:  reason,
	})
	if err != nil {
		return nil, apperr.Internal("build event", err)
	}
	if err := event.ValidateOutgoing(env); err != nil {
		return nil, apperr.Internal("event schema", err)
	}
	if err := s.events.Append(ctx, env); err != nil {
		return nil, apperr.Unavailable("event store unavailable", err)
	}
	if err := s.pub.PublishEnvelope(ctx, rabbitmq.ExchangeOrders,
		event.RoutingKey(env.Type, env.Version), env, orderID); err != nil {
		return nil, apperr.Unavailable("publish failed", err)
	}

	s.lg.Info().Str("order_id", orderID).Str("reason", reason).
		Str("correlation_id", correlationID).Msg("order cancelled")
	return o, nil
}

func (s *Service) Get(ctx context.Context, orderID string) (*Order, error) {
	o, err := s.orders.Get(ctx, orderID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.NotFound("order not found")
	}
	if err != nil {
		return nil, apperr.Unavailable("order store unavailable", err)
	}
	return o, nil
}

// ApplyReserveApproved records the event and moves the order to CONFIRMED
// unless it already reached a terminal state.
func (s *Service) ApplyReserveApproved(ctx context.Context, env *event.Envelope) error {
	return s.applyDecision(ctx, env, StatusConfirmed)
}

// ApplyReserveRejected records the event and moves the order to REJECTED
// unless it already reached a terminal state.
func (s *Service) ApplyReserveRejected(ctx context.Context, env *event.Envelope) error {
	return s.applyDecision(ctx, env, StatusRejected)
}

func (s *Service) applyDecision(ctx context.Context, env *event.Envelope, st Status) error {
	if err := s.events.Append(ctx, env); err != nil {
		return fmt.Errorf("append %s: %w", env.Type, err)
	}

	orderID := env.OrderID()
	o, err := s.orders.UpdateStatus(ctx, orderID, st)
	if errors.Is(err, store.ErrNotFound) {
		// Event for an order this replica never saw; keep it recorded only.
		s.lg.Warn().Str("order_id", orderID).Str("type", env.Type).Msg("decision for unknown order")
		return nil
	}
	if err != nil {
		return fmt.Errorf("update order %s: %w", orderID, err)
	}
	if o.Status != st {
		// The store's terminal guard refused the transition.
		s.lg.Info().Str("order_id", orderID).Str("status", string(o.Status)).
			Str("type", env.Type).Msg("decision ignored; order terminal")
		return nil
	}
	s.lg.Info().Str("order_id", orderID).Str("status", string(st)).
		Str("event_id", env.EventID).Msg("order status applied")
	return nil
}

func total(items []event.OrderItem) float64 {
	var sum float64
	for _, it := range items {
		sum += float64(it.Quantity) * it.UnitPrice
	}
	return sum
}

func validateCreate(req CreateRequest) error {
	if req.CustomerID == "" {
		return apperr.Validation("customerId is required")
	}
	if len(req.Items) == 0 {
		return apperr.Validation("items must not be empty")
	}
	for i, it := range req.Items {
		switch {
		case it.ProductID == "":
			return apperr.ValidationMeta("productId is required",
				map[string]string{"item": fmt.Sprint(i)})
		case it.Quantity <= 0:
			return apperr.ValidationMeta("quantity must be positive",
				map[string]string{"item": fmt.Sprint(i), "productId": it.ProductID})
		case it.UnitPrice <= 0:
			return apperr.ValidationMeta("unitPrice must be positive",
				map[string]string{"item": fmt.Sprint(i), "productId": it.ProductID})
		}
	}
	return nil
}
