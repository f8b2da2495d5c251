package rabbitmq

import (
	"context"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

const (
	initialBackoff = 1 * time.Second
	maxBackoff     = 30 * time.Second
)

// Dial connects to the broker, retrying with exponential backoff (capped at
// 30s) until the context is cancelled. Startup blocks on this before the
// service declares itself ready.
func Dial(ctx context.Context, url string, lg zerolog.Logger) (*amqp.Connection, error) {
	backoff := initialBackoff
	for {
		conn, err := amqp.Dial(url)
		if err == nil {
			return conn, nil
		}
		lg.Warn().Err(err).Dur("backoff", backoff).Msg("rabbitmq dial failed; retrying")
		if !sleepOrDone(ctx, backoff) {
			return nil, ctx.Err()
		}
		backoff = minDur(backoff*2, maxBackoff)
	}
}

func sleepOrDone(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func minDur(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
