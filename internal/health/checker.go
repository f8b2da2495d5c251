// Package health implements the readiness probe: the service is ready when
// Postgres answers a ping and the broker connection can passively see the
// service's primary queue.
package health

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	amqp "github.com/rabbitmq/amqp091-go"
)

const defaultTimeout = 1500 * time.Millisecond

type Checker struct {
	pool    *pgxpool.Pool
	conn    func() *amqp.Connection
	queue   string
	timeout time.Duration
}

// NewChecker wires the probe. conn is a getter because the publisher may
// reconnect underneath us; queue may be empty for services without a consumer
// queue of their own.
func NewChecker(pool *pgxpool.Pool, conn func() *amqp.Connection, queue string, timeout time.Duration) *Checker {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Checker{pool: pool, conn: conn, queue: queue, timeout: timeout}
}

// Ready returns nil only when every dependency answers within the budget.
func (c *Checker) Ready(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if c.pool != nil {
		if err := c.pool.Ping(ctx); err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
	}

	if c.conn != nil {
		conn := c.conn()
		if conn == nil || conn.IsClosed() {
			return errors.New("rabbitmq: connection not open")
		}
		if c.queue != "" {
			// Throwaway channel: a passive declare fails fast when the queue
			// is missing, and it poisons the channel it ran on.
			ch, err := conn.Channel()
			if err != nil {
				return fmt.Errorf("rabbitmq channel: %w", err)
			}
			defer ch.Close()
			if _, err := ch.QueueDeclarePassive(c.queue, true, false, false, false, nil); err != nil {
				return fmt.Errorf("rabbitmq queue %s: %w", c.queue, err)
			}
		}
	}
	return nil
}

// Live always succeeds while the process can serve it.
func (c *Checker) Live() error { return nil }
