package rabbitmq

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"shopmesh/internal/contracts/event"
	"shopmesh/internal/metrics"
)

// Handler processes one validated envelope. Returning nil acks; a permanent
// error (schema errors included) quarantines to the DLQ; anything else
// consumes the retry budget.
type Handler func(ctx context.Context, env *event.Envelope, d amqp.Delivery) error

type ConsumerConfig struct {
	URL        string
	Spec       QueueSpec
	Prefetch   int
	MaxRetries int
	Tag        string
}

// publishChannel is the slice of amqp.Channel the retry/DLQ re-publish path
// needs; tests substitute a fake to inspect the stamped headers.
type publishChannel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// Consumer binds one handler to one queue. A supervisor goroutine owns the
// connection and reconnects with exponential backoff capped at 30s; retries
// are delayed redeliveries through the TTL retry queue so they survive
// consumer restarts.
type Consumer struct {
	cfg     ConsumerConfig
	handler Handler
	lg      zerolog.Logger

	mu      sync.Mutex
	running bool
	doneCh  chan struct{}

	conn      *amqp.Connection
	chConsume *amqp.Channel
	chPublish publishChannel

	deliveries <-chan amqp.Delivery
}

func NewConsumer(cfg ConsumerConfig, h Handler, lg zerolog.Logger) *Consumer {
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = 1
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.Tag == "" {
		cfg.Tag = cfg.Spec.Name + ".consumer"
	}
	return &Consumer{
		cfg:     cfg,
		handler: h,
		lg: lg.With().
			Str("component", "consumer").
			Str("queue", cfg.Spec.Name).
			Logger(),
	}
}

func (c *Consumer) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		return nil
	}
	if c.handler == nil {
		return fmt.Errorf("nil handler")
	}
	c.doneCh = make(chan struct{})
	c.running = true
	go c.run(ctx)
	return nil
}

// Stop closes the connection and waits for the supervisor to drain, bounded
// by ctx.
func (c *Consumer) Stop(ctx context.Context) error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return nil
	}
	doneCh := c.doneCh
	c.running = false
	c.mu.Unlock()

	c.closeConn()

	select {
	case <-doneCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Consumer) run(ctx context.Context) {
	defer func() {
		c.mu.Lock()
		doneCh := c.doneCh
		c.doneCh = nil
		c.running = false
		c.mu.Unlock()
		if doneCh != nil {
			close(doneCh)
		}
	}()

	backoff := initialBackoff
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if !c.isRunning() {
			return
		}

		if err := c.connectAndDeclare(); err != nil {
			if isPreconditionFailed(err) {
				c.lg.Error().Err(err).Msg("topology precondition failed; delete conflicting broker resources and restart")
				return
			}
			c.lg.Warn().Err(err).Dur("backoff", backoff).Msg("connect failed; retrying")
			if !sleepOrDone(ctx, backoff) {
				return
			}
			backoff = minDur(backoff*2, maxBackoff)
			continue
		}

		backoff = initialBackoff
		c.lg.Info().
			Strs("bind_keys", c.cfg.Spec.BindKeys).
			Int("prefetch", c.cfg.Prefetch).
			Int("max_retries", c.cfg.MaxRetries).
			Msg("consumer ready")

		c.consumeLoop(ctx)

		select {
		case <-ctx.Done():
			return
		default:
		}

		c.lg.Warn().Dur("backoff", backoff).Msg("deliveries closed; reconnecting")
		c.closeConn()
		if !sleepOrDone(ctx, backoff) {
			return
		}
		backoff = minDur(backoff*2, maxBackoff)
	}
}

func (c *Consumer) isRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

func (c *Consumer) connectAndDeclare() error {
	c.closeConn()

	conn, err := amqp.Dial(c.cfg.URL)
	if err != nil {
		return fmt.Errorf("rabbitmq dial: %w", err)
	}
	chConsume, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("consume channel: %w", err)
	}
	chPublish, err := conn.Channel()
	if err != nil {
		_ = chConsume.Close()
		_ = conn.Close()
		return fmt.Errorf("publish channel: %w", err)
	}

	if err := DeclareTopology(chConsume, c.cfg.Spec); err != nil {
		c.closeAll(conn, chConsume, chPublish)
		return err
	}
	if err := chConsume.Qos(c.cfg.Prefetch, 0, false); err != nil {
		c.closeAll(conn, chConsume, chPublish)
		return fmt.Errorf("qos: %w", err)
	}
	dlv, err := chConsume.Consume(c.cfg.Spec.Name, c.cfg.Tag, false, false, false, false, nil)
	if err != nil {
		c.closeAll(conn, chConsume, chPublish)
		return fmt.Errorf("consume: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.chConsume = chConsume
	c.chPublish = chPublish
	c.deliveries = dlv
	c.mu.Unlock()
	return nil
}

func (c *Consumer) consumeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-c.deliveries:
			if !ok {
				return
			}
			start := time.Now()
			disp := c.process(ctx, d)
			c.apply(ctx, d, disp)
			metrics.EventsConsumed.WithLabelValues(c.cfg.Spec.Name, disp.kind.String()).Inc()
			c.lg.Debug().
				Str("routing_key", d.RoutingKey).
				Str("disposition", disp.kind.String()).
				Dur("took", time.Since(start)).
				Msg("delivery processed")
		}
	}
}

// process validates and handles one delivery, returning its disposition.
func (c *Consumer) process(ctx context.Context, d amqp.Delivery) disposition {
	attempt := getAttempt(d.Headers)

	env, err := event.ValidateIncoming(d.Body)
	if err != nil {
		// Schema failures are terminal; a plain decode failure may be a
		// transport glitch and takes the retry path under budget.
		return decide(err, attempt, c.cfg.MaxRetries)
	}

	return decide(c.safeHandle(ctx, env, d), attempt, c.cfg.MaxRetries)
}

// safeHandle converts a handler panic into a retriable error.
func (c *Consumer) safeHandle(ctx context.Context, env *event.Envelope, d amqp.Delivery) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return c.handler(ctx, env, d)
}

func (c *Consumer) apply(ctx context.Context, d amqp.Delivery, disp disposition) {
	switch disp.kind {
	case dispositionAck:
		_ = d.Ack(false)

	case dispositionRetry:
		if err := c.publishRetry(ctx, d, disp); err != nil {
			c.lg.Warn().Err(err).Msg("retry publish failed; nack requeue")
			_ = d.Nack(false, true)
			return
		}
		c.lg.Warn().Err(disp.cause).Int("attempt", disp.nextAttempt).Msg("delivery scheduled for retry")
		_ = d.Ack(false)

	case dispositionDLQ:
		if err := c.publishDLQ(ctx, d, disp); err != nil {
			c.lg.Error().Err(err).Msg("dlq publish failed; nack requeue")
			_ = d.Nack(false, true)
			return
		}
		metrics.DLQDepth.WithLabelValues(c.cfg.Spec.Name, disp.reason).Inc()
		c.lg.Error().Err(disp.cause).Str("reason", disp.reason).Msg("delivery quarantined to dlq")
		_ = d.Ack(false)
	}
}

// publishRetry re-publishes the raw bytes to the domain retry exchange keyed
// by queue name. The broker dead-letters it back to the primary queue after
// the TTL elapses.
func (c *Consumer) publishRetry(ctx context.Context, d amqp.Delivery, disp disposition) error {
	headers := copyHeaders(d.Headers)
	headers[HeaderAttempt] = int32(disp.nextAttempt)
	if disp.cause != nil {
		headers[HeaderError] = disp.cause.Error()
	}
	return c.publishRaw(ctx, RetryExchange(c.cfg.Spec.Exchange), c.cfg.Spec.Name, d, headers)
}

func (c *Consumer) publishDLQ(ctx context.Context, d amqp.Delivery, disp disposition) error {
	headers := copyHeaders(d.Headers)
	headers[HeaderAttempt] = int32(disp.nextAttempt)
	headers[HeaderDLQReason] = disp.reason
	if disp.cause != nil {
		headers[HeaderError] = disp.cause.Error()
	}
	// Default exchange routes by queue name; the DLQ hop is terminal.
	return c.publishRaw(ctx, "", DLQQueue(c.cfg.Spec.Name), d, headers)
}

func (c *Consumer) publishRaw(ctx context.Context, exchange, routingKey string, d amqp.Delivery, headers amqp.Table) error {
	c.mu.Lock()
	ch := c.chPublish
	c.mu.Unlock()
	if ch == nil {
		return fmt.Errorf("publish channel not ready")
	}
	return ch.PublishWithContext(ctx, exchange, routingKey, false, false, amqp.Publishing{
		ContentType:  d.ContentType,
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Headers:      headers,
		Body:         d.Body,
	})
}

func (c *Consumer) closeAll(conn *amqp.Connection, a, b *amqp.Channel) {
	if b != nil {
		_ = b.Close()
	}
	if a != nil {
		_ = a.Close()
	}
	if conn != nil {
		_ = conn.Close()
	}
}

func (c *Consumer) closeConn() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.chPublish != nil {
		_ = c.chPublish.Close()
		c.chPublish = nil
	}
	if c.chConsume != nil {
		_ = c.chConsume.Close()
		c.chConsume = nil
	}
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	c.deliveries = nil
}

func isPreconditionFailed(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToUpper(err.Error())
	return strings.Contains(msg, "PRECONDITION_FAILED") || strings.Contains(msg, "INEQUIVALENT ARG")
}
