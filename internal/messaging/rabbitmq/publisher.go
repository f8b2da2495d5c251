package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"shopmesh/internal/breaker"
	"shopmesh/internal/contracts/event"
	"shopmesh/internal/metrics"
)

// Window to observe a broker confirm or a NO_ROUTE return after a publish.
const publishWait = 250 * time.Millisecond

// brokerChannel is the slice of amqp.Channel the publisher uses; tests
// substitute a fake so reconnects and confirm handling run without a broker.
type brokerChannel interface {
	Confirm(noWait bool) error
	NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation
	NotifyReturn(c chan amqp.Return) chan amqp.Return
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

type brokerConn interface {
	BrokerChannel() (brokerChannel, error)
	NotifyClose(receiver chan *amqp.Error) chan *amqp.Error
	Raw() *amqp.Connection
	Close() error
}

type liveConn struct{ *amqp.Connection }

func (c liveConn) BrokerChannel() (brokerChannel, error) {
	ch, err := c.Connection.Channel()
	if err != nil {
		return nil, err
	}
	return ch, nil
}

func (c liveConn) Raw() *amqp.Connection { return c.Connection }

// Publisher publishes persistent JSON messages with confirms + mandatory
// routing. The channel is not safe for concurrent publishes, so everything
// is serialized through one mutex. Calls run under the MQ circuit breaker.
//
// A supervisor goroutine watches NotifyClose and re-dials with the shared
// 1s→30s backoff, so a mid-stream broker restart heals without a process
// restart; publishes fail fast while disconnected.
type Publisher struct {
	url  string
	brk  *breaker.Breaker
	lg   zerolog.Logger
	dial func(ctx context.Context) (brokerConn, error)

	mu     sync.Mutex
	conn   brokerConn
	ch     brokerChannel
	closed bool

	confirmCh <-chan amqp.Confirmation
	returnCh  <-chan amqp.Return

	done chan struct{}
}

func NewPublisher(ctx context.Context, url string, brk *breaker.Breaker, lg zerolog.Logger) (*Publisher, error) {
	p := &Publisher{
		url:  url,
		brk:  brk,
		lg:   lg.With().Str("component", "publisher").Logger(),
		done: make(chan struct{}),
	}
	p.dial = func(ctx context.Context) (brokerConn, error) {
		conn, err := Dial(ctx, url, p.lg)
		if err != nil {
			return nil, err
		}
		return liveConn{conn}, nil
	}

	conn, err := p.dial(ctx)
	if err != nil {
		return nil, err
	}
	if err := p.attach(conn); err != nil {
		_ = conn.Close()
		return nil, err
	}
	go p.supervise(ctx)
	return p, nil
}

func (p *Publisher) attach(conn brokerConn) error {
	ch, err := conn.BrokerChannel()
	if err != nil {
		return fmt.Errorf("publish channel: %w", err)
	}
	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		return fmt.Errorf("confirm mode: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.conn = conn
	p.ch = ch
	p.confirmCh = ch.NotifyPublish(make(chan amqp.Confirmation, 1))
	p.returnCh = ch.NotifyReturn(make(chan amqp.Return, 1))
	return nil
}

// supervise redials after a mid-stream disconnect. Dial itself retries with
// the capped backoff until the context is cancelled.
func (p *Publisher) supervise(ctx context.Context) {
	for {
		p.mu.Lock()
		conn := p.conn
		closed := p.closed
		p.mu.Unlock()
		if closed || conn == nil {
			return
		}

		closeCh := conn.NotifyClose(make(chan *amqp.Error, 1))
		select {
		case <-ctx.Done():
			return
		case <-p.done:
			return
		case amqpErr := <-closeCh:
			if p.isClosed() {
				return
			}
			reason := "connection closed"
			if amqpErr != nil {
				reason = amqpErr.Error()
			}
			p.lg.Warn().Str("reason", reason).Msg("publisher connection lost; reconnecting")
		}

		p.detach()

		backoff := initialBackoff
		for {
			if p.isClosed() || ctx.Err() != nil {
				return
			}
			conn, err := p.dial(ctx)
			if err != nil {
				return
			}
			if err := p.attach(conn); err != nil {
				_ = conn.Close()
				p.lg.Warn().Err(err).Dur("backoff", backoff).Msg("publisher reattach failed; retrying")
				if !sleepOrDone(ctx, backoff) {
					return
				}
				backoff = minDur(backoff*2, maxBackoff)
				continue
			}
			p.lg.Info().Msg("publisher reconnected")
			break
		}
	}
}

func (p *Publisher) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *Publisher) detach() {
	p.mu.Lock()
	ch, conn := p.ch, p.conn
	p.ch, p.conn = nil, nil
	p.mu.Unlock()
	if ch != nil {
		_ = ch.Close()
	}
	if conn != nil {
		_ = conn.Close()
	}
}

// Conn exposes the underlying connection for readiness inspection; nil while
// disconnected.
func (p *Publisher) Conn() *amqp.Connection {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn == nil {
		return nil
	}
	return p.conn.Raw()
}

func (p *Publisher) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.done)
	ch, conn := p.ch, p.conn
	p.ch, p.conn = nil, nil
	p.mu.Unlock()

	if ch != nil {
		_ = ch.Close()
	}
	if conn != nil {
		_ = conn.Close()
	}
	return nil
}

// Publish sends body to exchange/routingKey under the breaker. It reports
// success once the broker confirms; if neither a confirm nor a return shows
// up inside the wait window, the broker is assumed to be buffering under
// backpressure and the publish is treated as completed with a warning.
func (p *Publisher) Publish(ctx context.Context, exchange, routingKey string, body []byte, headers amqp.Table) error {
	err := p.brk.Do(ctx, func(ctx context.Context) error {
		return p.publish(ctx, exchange, routingKey, body, headers)
	})
	if errors.Is(err, breaker.ErrOpen) {
		metrics.BreakerOpens.WithLabelValues("mq").Inc()
	}
	if err == nil {
		metrics.EventsPublished.WithLabelValues(exchange, routingKey).Inc()
	}
	return err
}

// PublishEnvelope marshals the envelope and stamps the correlation and
// aggregate-group headers every bus message carries.
func (p *Publisher) PublishEnvelope(ctx context.Context, exchange, routingKey string, env *event.Envelope, groupID string) error {
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	headers := amqp.Table{
		HeaderCorrelation: env.CorrelationID,
		HeaderGroup:       groupID,
	}
	return p.Publish(ctx, exchange, routingKey, body, headers)
}

func (p *Publisher) publish(ctx context.Context, exchange, routingKey string, body []byte, headers amqp.Table) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.ch == nil {
		return errors.New("publisher channel not ready")
	}

	err := p.ch.PublishWithContext(ctx, exchange, routingKey,
		true,  // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now().UTC(),
			Headers:      headers,
			Body:         body,
		},
	)
	if err != nil {
		return fmt.Errorf("publish %s/%s: %w", exchange, routingKey, err)
	}

	timer := time.NewTimer(publishWait)
	defer timer.Stop()

	select {
	case ret := <-p.returnCh:
		return returnErr(ret)
	case conf := <-p.confirmCh:
		if !conf.Ack {
			return fmt.Errorf("publish nacked by broker (exchange=%q rk=%q)", exchange, routingKey)
		}
		// A mandatory NO_ROUTE delivers a return *and* an ack confirm; the
		// return is sent first, so it is already queued when the confirm
		// lands. Check it before claiming success.
		select {
		case ret := <-p.returnCh:
			return returnErr(ret)
		default:
		}
		return nil
	case <-timer.C:
		p.lg.Warn().Str("exchange", exchange).Str("routing_key", routingKey).
			Msg("no confirm within window; broker likely buffering, treating as published")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func returnErr(ret amqp.Return) error {
	return fmt.Errorf("publish returned: reply=%d text=%q exchange=%q rk=%q",
		ret.ReplyCode, ret.ReplyText, ret.Exchange, ret.RoutingKey)
}
