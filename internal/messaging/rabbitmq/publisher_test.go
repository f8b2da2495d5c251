package rabbitmq

import (
	"context"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeChannel struct {
	mu        sync.Mutex
	published []fakePublished
	confirms  chan amqp.Confirmation
	returns   chan amqp.Return
	// withReturn simulates a mandatory NO_ROUTE: the broker sends a return
	// followed by an ack confirm for the same publish.
	withReturn bool
	closed     bool
}

type fakePublished struct {
	exchange string
	key      string
	msg      amqp.Publishing
}

func (c *fakeChannel) Confirm(bool) error { return nil }

func (c *fakeChannel) NotifyPublish(ch chan amqp.Confirmation) chan amqp.Confirmation {
	c.confirms = ch
	return ch
}

func (c *fakeChannel) NotifyReturn(ch chan amqp.Return) chan amqp.Return {
	c.returns = ch
	return ch
}

func (c *fakeChannel) PublishWithContext(_ context.Context, exchange, key string, _, _ bool, msg amqp.Publishing) error {
	c.mu.Lock()
	c.published = append(c.published, fakePublished{exchange, key, msg})
	seq := uint64(len(c.published))
	c.mu.Unlock()

	if c.withReturn {
		c.returns <- amqp.Return{ReplyCode: 312, ReplyText: "NO_ROUTE", Exchange: exchange, RoutingKey: key}
	}
	c.confirms <- amqp.Confirmation{DeliveryTag: seq, Ack: true}
	return nil
}

func (c *fakeChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeChannel) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.published)
}

type fakeConn struct {
	mu      sync.Mutex
	ch      *fakeChannel
	closeCh chan *amqp.Error
	closed  bool
}

func (c *fakeConn) BrokerChannel() (brokerChannel, error) { return c.ch, nil }

func (c *fakeConn) NotifyClose(r chan *amqp.Error) chan *amqp.Error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeCh = r
	return r
}

func (c *fakeConn) Raw() *amqp.Connection { return nil }

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// dropConnection simulates the broker side going away. The supervisor
// registers its NotifyClose channel asynchronously, so wait until it has
// before delivering the close notification.
func (c *fakeConn) dropConnection() {
	for {
		c.mu.Lock()
		ch := c.closeCh
		c.mu.Unlock()
		if ch != nil {
			ch <- &amqp.Error{Code: 320, Reason: "CONNECTION_FORCED"}
			break
		}
		time.Sleep(time.Millisecond)
	}
	// A dropped fake connection stays usable, unlike a real one, so wait for
	// the supervisor to close it before letting the test publish again.
	for !c.isClosed() {
		time.Sleep(time.Millisecond)
	}
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// newFakePublisher wires a publisher over a sequence of fake connections;
// each redial consumes the next one.
func newFakePublisher(t *testing.T, ctx context.Context, conns ...*fakeConn) *Publisher {
	t.Helper()
	p := &Publisher{lg: zerolog.Nop(), done: make(chan struct{})}
	var mu sync.Mutex
	i := 0
	p.dial = func(context.Context) (brokerConn, error) {
		mu.Lock()
		defer mu.Unlock()
		require.Less(t, i, len(conns), "unexpected extra dial")
		c := conns[i]
		i++
		return c, nil
	}

	conn, err := p.dial(ctx)
	require.NoError(t, err)
	require.NoError(t, p.attach(conn))
	go p.supervise(ctx)
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func TestPublisherPublishConfirmed(t *testing.T) {
	ctx := context.Background()
	conn := &fakeConn{ch: &fakeChannel{}}
	p := newFakePublisher(t, ctx, conn)

	err := p.Publish(ctx, ExchangeOrders, "orders.created.v1",
		[]byte(`{}`), amqp.Table{HeaderCorrelation: "corr-1"})
	require.NoError(t, err)

	require.Equal(t, 1, conn.ch.count())
	got := conn.ch.published[0]
	assert.Equal(t, ExchangeOrders, got.exchange)
	assert.Equal(t, "orders.created.v1", got.key)
	assert.Equal(t, uint8(amqp.Persistent), got.msg.DeliveryMode)
	assert.Equal(t, "application/json", got.msg.ContentType)
	assert.Equal(t, "corr-1", got.msg.Headers[HeaderCorrelation])
}

func TestPublisherReconnectsAfterConnectionLoss(t *testing.T) {
	ctx := context.Background()
	first := &fakeConn{ch: &fakeChannel{}}
	second := &fakeConn{ch: &fakeChannel{}}
	p := newFakePublisher(t, ctx, first, second)

	require.NoError(t, p.Publish(ctx, ExchangeOrders, "orders.created.v1", []byte(`{}`), nil))
	require.Equal(t, 1, first.ch.count())

	first.dropConnection()

	// The supervisor re-dials; publishes resume on the new connection.
	assert.Eventually(t, func() bool {
		return p.Publish(ctx, ExchangeOrders, "orders.created.v1", []byte(`{}`), nil) == nil
	}, 2*time.Second, 10*time.Millisecond)

	assert.True(t, first.isClosed())
	assert.Equal(t, 1, first.ch.count())
	assert.GreaterOrEqual(t, second.ch.count(), 1)
}

func TestPublisherFailsFastWhileDisconnected(t *testing.T) {
	p := &Publisher{lg: zerolog.Nop(), done: make(chan struct{})}
	err := p.Publish(context.Background(), ExchangeOrders, "orders.created.v1", []byte(`{}`), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not ready")
}

func TestPublisherNoRouteIsAnError(t *testing.T) {
	ctx := context.Background()
	conn := &fakeConn{ch: &fakeChannel{withReturn: true}}
	p := newFakePublisher(t, ctx, conn)

	// The return and the ack confirm race through separate channels; the
	// unroutable publish must fail no matter which one select sees first.
	for i := 0; i < 25; i++ {
		err := p.Publish(ctx, ExchangeOrders, "no.such.key", []byte(`{}`), nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "NO_ROUTE")
	}
}

func TestPublisherCloseStopsSupervisor(t *testing.T) {
	ctx := context.Background()
	conn := &fakeConn{ch: &fakeChannel{}}
	p := newFakePublisher(t, ctx, conn)

	require.NoError(t, p.Close())
	require.NoError(t, p.Close()) // idempotent

	assert.Nil(t, p.Conn())
	assert.True(t, conn.isClosed())
	err := p.Publish(ctx, ExchangeOrders, "orders.created.v1", []byte(`{}`), nil)
	assert.Error(t, err)
}
