// Package rabbitmq is the messaging substrate: topic exchanges, the
// primary/retry/DLQ queue triples, the confirming publisher, and the
// consumer runtime with ack/retry/dlq dispatch.
package rabbitmq

import (
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Primary topic exchanges. Each has a sibling "<name>.retry" exchange that
// feeds the TTL retry queues.
const (
	ExchangeOrders        = "orders"
	ExchangeInventory     = "inventory"
	ExchangeNotifications = "notifications"
)

// Logical queues. The "<q>.retry" and "<q>.dlq" names are derived.
const (
	QueueOrderCreated          = "order.created.q"
	QueueOrdersCancelled       = "orders.cancelled.q"
	QueueReserveApproved       = "inventory.reserve.approved.q"
	QueueReserveRejected       = "inventory.reserve.rejected.q"
	QueueOrderCreatedNotify    = "orders.created.notification.q"
	QueueOrdersCancelledNotify = "orders.cancelled.notification.q"
	QueueReserveApprovedNotify = "inventory.reserve.approved.notification.q"
	QueueReserveRejectedNotify = "inventory.reserve.rejected.notification.q"
	QueueNotificationSent      = "notification.sent.q"
)

// Message headers.
const (
	HeaderAttempt     = "x-attempt"
	HeaderCorrelation = "x-correlation-id"
	HeaderGroup       = "x-group-id"
	HeaderReplay      = "x-replay"
	HeaderDLQReason   = "x-dlq-reason"
	HeaderError       = "x-error"
)

const DefaultRetryTTL = 10 * time.Second

func RetryExchange(primary string) string { return primary + ".retry" }
func RetryQueue(q string) string          { return q + ".retry" }
func DLQQueue(q string) string            { return q + ".dlq" }

// QueueSpec declares one logical queue and its bindings.
type QueueSpec struct {
	Name     string
	Exchange string
	// BindKeys are the versioned routing keys the primary queue subscribes to.
	BindKeys []string
	// RetryTTL is how long a rejected message sits in the retry queue before
	// the broker dead-letters it back to the primary exchange.
	RetryTTL time.Duration
}

// DeclareTopology declares, idempotently, everything a queue spec needs:
// the primary and retry exchanges, the durable primary queue with its
// bindings, the TTL retry queue, and the terminal DLQ.
//
// The primary queue is additionally bound to its own name so the retry
// queue's dead-letter hop re-enters only this queue: dead-lettering with the
// original versioned key would fan the redelivery out to every queue bound
// on it.
func DeclareTopology(ch *amqp.Channel, specs ...QueueSpec) error {
	declared := map[string]bool{}
	for _, spec := range specs {
		for _, ex := range []string{spec.Exchange, RetryExchange(spec.Exchange)} {
			if declared[ex] {
				continue
			}
			if err := ch.ExchangeDeclare(ex, "topic", true, false, false, false, nil); err != nil {
				return fmt.Errorf("declare exchange %s: %w", ex, err)
			}
			declared[ex] = true
		}

		if _, err := ch.QueueDeclare(spec.Name, true, false, false, false, nil); err != nil {
			return fmt.Errorf("declare queue %s: %w", spec.Name, err)
		}
		keys := append([]string{}, spec.BindKeys...)
		keys = append(keys, spec.Name) // retry re-entry binding
		for _, key := range keys {
			if err := ch.QueueBind(spec.Name, key, spec.Exchange, false, nil); err != nil {
				return fmt.Errorf("bind %s to %s (%s): %w", spec.Name, spec.Exchange, key, err)
			}
		}

		ttl := spec.RetryTTL
		if ttl <= 0 {
			ttl = DefaultRetryTTL
		}
		retryArgs := amqp.Table{
			"x-message-ttl":             int64(ttl / time.Millisecond),
			"x-dead-letter-exchange":    spec.Exchange,
			"x-dead-letter-routing-key": spec.Name,
		}
		rq := RetryQueue(spec.Name)
		if _, err := ch.QueueDeclare(rq, true, false, false, false, retryArgs); err != nil {
			return fmt.Errorf("declare retry queue %s: %w", rq, err)
		}
		if err := ch.QueueBind(rq, spec.Name, RetryExchange(spec.Exchange), false, nil); err != nil {
			return fmt.Errorf("bind retry queue %s: %w", rq, err)
		}

		// Terminal queue; addressed through the default exchange by name.
		if _, err := ch.QueueDeclare(DLQQueue(spec.Name), true, false, false, false, nil); err != nil {
			return fmt.Errorf("declare dlq %s: %w", DLQQueue(spec.Name), err)
		}
	}
	return nil
}
