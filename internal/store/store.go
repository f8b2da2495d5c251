// Package store defines the event-store contract: append-only persistence of
// every produced and consumed envelope, deduplicated by event identity.
package store

import (
	"context"
	"errors"
	"time"

	"shopmesh/internal/contracts/event"
)

var ErrNotFound = errors.New("not found")

// Filter narrows replay/correlation queries. Zero values mean "any".
type Filter struct {
	Type    string
	OrderID string
	From    time.Time
	To      time.Time
}

// EventStore is append-only. Append must treat a duplicate eventId as
// success; results of Find are ordered by (occurredAt ASC, eventId ASC).
type EventStore interface {
	Append(ctx context.Context, env *event.Envelope) error
	FindByEventID(ctx context.Context, id string) (*event.Envelope, error)
	Find(ctx context.Context, f Filter) ([]*event.Envelope, error)
}
