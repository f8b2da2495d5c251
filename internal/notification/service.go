// Package notification turns lifecycle events into customer notifications.
// The only delivery channel today is the structured log.
package notification

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"shopmesh/internal/contracts/event"
	"shopmesh/internal/messaging/rabbitmq"
	"shopmesh/internal/store"
)

const channelLog = "log"

// kinds maps inbound event types to the notification kind they trigger.
var kinds = map[string]string{
	event.TypeOrderCreated:    event.KindOrderCreated,
	event.TypeReserveApproved: event.KindOrderConfirmed,
	event.TypeReserveRejected: event.KindOrderRejected,
	event.TypeOrderCancelled:  event.KindOrderCancelled,
}

type Publisher interface {
	PublishEnvelope(ctx context.Context, exchange, routingKey string, env *event.Envelope, groupID string) error
}

// unknownTypeError marks an event this service is bound to but has no
// notification kind for. It must not be retried.
type unknownTypeError struct{ eventType string }

func (e *unknownTypeError) Error() string {
	return fmt.Sprintf("no notification kind for event type %q", e.eventType)
}
func (e *unknownTypeError) Permanent() bool { return true }

// Service consumes lifecycle events, records them, delivers the notification
// on the log channel and emits notification.sent.
type Service struct {
	events store.EventStore
	pub    Publisher
	name   string
	lg     zerolog.Logger
}

func NewService(events store.EventStore, pub Publisher, producer string, lg zerolog.Logger) *Service {
	return &Service{
		events: events,
		pub:    pub,
		name:   producer,
		lg:     lg.With().Str("component", "notification_service").Logger(),
	}
}

// Handle records the inbound event, writes the notification to the log
// channel and publishes notification.sent carrying the same correlationId.
func (s *Service) Handle(ctx context.Context, env *event.Envelope) error {
	kind, ok := kinds[env.Type]
	if !ok {
		return &unknownTypeError{eventType: env.Type}
	}

	if err := s.events.Append(ctx, env); err != nil {
		return fmt.Errorf("append %s: %w", env.Type, err)
	}

	orderID := env.OrderID()

	// "Delivery" on the log channel.
	s.lg.Info().Str("order_id", orderID).Str("kind", kind).
		Str("channel", channelLog).Str("correlation_id", env.CorrelationID).
		Msg("notification delivered")

	sent, err := event.New(event.TypeNotificationSent, s.name, env.CorrelationID,
		event.NotificationSentPayload{
			OrderID: orderID,
			Kind:    kind,
			Channel: channelLog,
		})
	if err != nil {
		return fmt.Errorf("build notification.sent: %w", err)
	}
	if err := event.ValidateOutgoing(sent); err != nil {
		return fmt.Errorf("notification.sent schema: %w", err)
	}
	if err := s.events.Append(ctx, sent); err != nil {
		return fmt.Errorf("append %s: %w", sent.Type, err)
	}
	if err := s.pub.PublishEnvelope(ctx, rabbitmq.ExchangeNotifications,
		event.RoutingKey(sent.Type, sent.Version), sent, orderID); err != nil {
		return fmt.Errorf("publish %s: %w", sent.Type, err)
	}
	return nil
}
