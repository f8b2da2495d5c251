// Package idempotency maps HTTP Idempotency-Key values to the orderId they
// originally produced, scoped by TTL.
package idempotency

import (
	"context"
	"time"
)

// Store is the key -> orderId mapping. Get reports ok=false for unknown or
// expired keys; Put overwrites silently.
type Store interface {
	Get(ctx context.Context, key string) (orderID string, ok bool, err error)
	Put(ctx context.Context, key, orderID string, ttl time.Duration) error
}
