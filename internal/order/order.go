// Package order owns the order aggregate: the read model, its status state
// machine, the HTTP create/cancel operations, and the consumers that apply
// inventory decisions.
//
// The HTTP idempotency map defaults to the in-process implementation, which
// is per-replica only. Multi-replica deployments must configure the
// Redis-backed store (IDEM_BACKEND=redis) so replays of Idempotency-Key land
// on the original order regardless of which replica served the first call.
package order

import (
	"context"
	"time"

	"shopmesh/internal/contracts/event"
)

type Status string

const (
	StatusPending   Status = "PENDING"
	StatusConfirmed Status = "CONFIRMED"
	StatusRejected  Status = "REJECTED"
	StatusCancelled Status = "CANCELLED"
)

// Terminal statuses never transition again; later events are still recorded.
func (s Status) Terminal() bool {
	return s == StatusRejected || s == StatusCancelled
}

// Order is the read model. It is created by the create endpoint and mutated
// only by this service's own consumers; transitions are last-write-wins with
// the terminal guard above.
type Order struct {
	OrderID    string            `json:"orderId"`
	CustomerID string            `json:"customerId"`
	Items      []event.OrderItem `json:"items"`
	Total      float64           `json:"total"`
	Status     Status            `json:"status"`
	CreatedAt  time.Time         `json:"createdAt"`
	UpdatedAt  time.Time         `json:"updatedAt"`
}

// Store is the order read-model port. Insert is idempotent on orderId:
// created=false returns the pre-existing row untouched. UpdateStatus enforces
// the terminal guard atomically: an order already in REJECTED or CANCELLED is
// returned unchanged, never transitioned; unknown orders return
// store.ErrNotFound. Callers detect a refused transition by comparing the
// returned status against the one they asked for.
type Store interface {
	Insert(ctx context.Context, o *Order) (existing *Order, created bool, err error)
	UpdateStatus(ctx context.Context, orderID string, st Status) (*Order, error)
	Get(ctx context.Context, orderID string) (*Order, error)
}
