package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shopmesh/internal/contracts/event"
)

type fakeAck struct {
	acked   bool
	nacked  bool
	requeue bool
}

func (a *fakeAck) Ack(uint64, bool) error { a.acked = true; return nil }

func (a *fakeAck) Nack(_ uint64, _ bool, requeue bool) error {
	a.nacked = true
	a.requeue = requeue
	return nil
}

func (a *fakeAck) Reject(_ uint64, requeue bool) error {
	a.nacked = true
	a.requeue = requeue
	return nil
}

type sentMessage struct {
	exchange string
	key      string
	msg      amqp.Publishing
}

type fakePublishChannel struct {
	sent []sentMessage
	err  error
}

func (c *fakePublishChannel) PublishWithContext(_ context.Context, exchange, key string, _, _ bool, msg amqp.Publishing) error {
	if c.err != nil {
		return c.err
	}
	c.sent = append(c.sent, sentMessage{exchange, key, msg})
	return nil
}

func (c *fakePublishChannel) Close() error { return nil }

func newTestConsumer(t *testing.T, h Handler, pub publishChannel) *Consumer {
	t.Helper()
	c := NewConsumer(ConsumerConfig{
		Spec: QueueSpec{
			Name:     QueueOrderCreated,
			Exchange: ExchangeOrders,
			BindKeys: []string{event.RoutingKey(event.TypeOrderCreated, 1)},
		},
		MaxRetries: 3,
	}, h, zerolog.Nop())
	c.chPublish = pub
	return c
}

func validBody(t *testing.T) []byte {
	t.Helper()
	env, err := event.New(event.TypeOrderCreated, "order-service", "corr-1",
		event.OrderCreatedPayload{
			OrderID: "ord_1", CustomerID: "cust_1",
			Items: []event.OrderItem{{ProductID: "sku_1", Quantity: 1, UnitPrice: 5}},
			Total: 5,
		})
	require.NoError(t, err)
	body, err := json.Marshal(env)
	require.NoError(t, err)
	return body
}

func handleDelivery(c *Consumer, d amqp.Delivery) {
	ctx := context.Background()
	c.apply(ctx, d, c.process(ctx, d))
}

func TestConsumerAcksOnSuccess(t *testing.T) {
	pub := &fakePublishChannel{}
	ack := &fakeAck{}
	c := newTestConsumer(t, func(context.Context, *event.Envelope, amqp.Delivery) error {
		return nil
	}, pub)

	handleDelivery(c, amqp.Delivery{Acknowledger: ack, Body: validBody(t)})

	assert.True(t, ack.acked)
	assert.False(t, ack.nacked)
	assert.Empty(t, pub.sent)
}

func TestConsumerRetryStampsAttemptHeaders(t *testing.T) {
	pub := &fakePublishChannel{}
	ack := &fakeAck{}
	c := newTestConsumer(t, func(context.Context, *event.Envelope, amqp.Delivery) error {
		return errors.New("inventory lookup timed out")
	}, pub)

	body := validBody(t)
	handleDelivery(c, amqp.Delivery{
		Acknowledger: ack,
		Body:         body,
		ContentType:  "application/json",
		Headers: amqp.Table{
			HeaderAttempt:     int32(1),
			HeaderCorrelation: "corr-1",
		},
	})

	require.Len(t, pub.sent, 1)
	got := pub.sent[0]
	assert.Equal(t, RetryExchange(ExchangeOrders), got.exchange)
	assert.Equal(t, QueueOrderCreated, got.key)
	assert.Equal(t, int32(2), got.msg.Headers[HeaderAttempt])
	assert.Contains(t, got.msg.Headers[HeaderError], "inventory lookup timed out")
	assert.Equal(t, "corr-1", got.msg.Headers[HeaderCorrelation])
	assert.NotContains(t, got.msg.Headers, HeaderDLQReason)
	assert.Equal(t, body, []byte(got.msg.Body))
	assert.Equal(t, uint8(amqp.Persistent), got.msg.DeliveryMode)
	assert.True(t, ack.acked)
}

func TestConsumerQuarantinesAfterRetryBudget(t *testing.T) {
	pub := &fakePublishChannel{}
	ack := &fakeAck{}
	c := newTestConsumer(t, func(context.Context, *event.Envelope, amqp.Delivery) error {
		return errors.New("still failing")
	}, pub)

	handleDelivery(c, amqp.Delivery{
		Acknowledger: ack,
		Body:         validBody(t),
		Headers:      amqp.Table{HeaderAttempt: int32(3)},
	})

	require.Len(t, pub.sent, 1)
	got := pub.sent[0]
	assert.Equal(t, "", got.exchange)
	assert.Equal(t, DLQQueue(QueueOrderCreated), got.key)
	assert.Equal(t, int32(4), got.msg.Headers[HeaderAttempt])
	assert.Equal(t, "max_retries_exceeded", got.msg.Headers[HeaderDLQReason])
	assert.True(t, ack.acked)
}

func TestConsumerQuarantinesSchemaInvalidOnFirstSight(t *testing.T) {
	pub := &fakePublishChannel{}
	ack := &fakeAck{}
	c := newTestConsumer(t, func(context.Context, *event.Envelope, amqp.Delivery) error {
		t.Fatal("handler must not run for an invalid envelope")
		return nil
	}, pub)

	env, err := event.New(event.TypeOrderCreated, "order-service", "corr-1",
		event.OrderCancelledPayload{OrderID: "ord_1", Reason: "user_requested"})
	require.NoError(t, err)
	env.Version = 99 // no schema registered
	body, err := json.Marshal(env)
	require.NoError(t, err)

	handleDelivery(c, amqp.Delivery{
		Acknowledger: ack,
		Body:         body,
		Headers:      amqp.Table{HeaderAttempt: int32(1)},
	})

	require.Len(t, pub.sent, 1)
	got := pub.sent[0]
	assert.Equal(t, DLQQueue(QueueOrderCreated), got.key)
	assert.Equal(t, "schema_invalid", got.msg.Headers[HeaderDLQReason])
	// Quarantined on first sight: the attempt counter is not consumed.
	assert.Equal(t, int32(1), got.msg.Headers[HeaderAttempt])
	assert.Contains(t, got.msg.Headers[HeaderError], "no schema registered")
	assert.True(t, ack.acked)
}

func TestConsumerNacksWhenRepublishFails(t *testing.T) {
	pub := &fakePublishChannel{err: errors.New("channel closed")}
	ack := &fakeAck{}
	c := newTestConsumer(t, func(context.Context, *event.Envelope, amqp.Delivery) error {
		return errors.New("transient")
	}, pub)

	handleDelivery(c, amqp.Delivery{Acknowledger: ack, Body: validBody(t)})

	assert.False(t, ack.acked)
	assert.True(t, ack.nacked)
	assert.True(t, ack.requeue)
}

func TestConsumerPanicTakesRetryPath(t *testing.T) {
	pub := &fakePublishChannel{}
	ack := &fakeAck{}
	c := newTestConsumer(t, func(context.Context, *event.Envelope, amqp.Delivery) error {
		panic("boom")
	}, pub)

	handleDelivery(c, amqp.Delivery{Acknowledger: ack, Body: validBody(t)})

	require.Len(t, pub.sent, 1)
	assert.Equal(t, RetryExchange(ExchangeOrders), pub.sent[0].exchange)
	assert.Contains(t, pub.sent[0].msg.Headers[HeaderError], "handler panic")
	assert.True(t, ack.acked)
}
