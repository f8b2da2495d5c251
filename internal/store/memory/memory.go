// Package memory holds in-memory implementations of the event store and the
// order read model. They back unit tests and single-process runs; production
// wiring uses the postgres package.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"shopmesh/internal/contracts/event"
	"shopmesh/internal/order"
	"shopmesh/internal/store"
)

type EventStore struct {
	mu     sync.Mutex
	byID   map[string]*event.Envelope
	events []*event.Envelope
}

func NewEventStore() *EventStore {
	return &EventStore{byID: make(map[string]*event.Envelope)}
}

func (s *EventStore) Append(_ context.Context, env *event.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byID[env.EventID]; ok {
		return nil // duplicate eventId is the happy path
	}
	cp := *env
	s.byID[env.EventID] = &cp
	s.events = append(s.events, &cp)
	return nil
}

func (s *EventStore) FindByEventID(_ context.Context, id string) (*event.Envelope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	env, ok := s.byID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *env
	return &cp, nil
}

func (s *EventStore) Find(_ context.Context, f store.Filter) ([]*event.Envelope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*event.Envelope
	for _, env := range s.events {
		if f.Type != "" && env.Type != f.Type {
			continue
		}
		if f.OrderID != "" && env.OrderID() != f.OrderID {
			continue
		}
		if !f.From.IsZero() && env.OccurredAt.Before(f.From) {
			continue
		}
		if !f.To.IsZero() && env.OccurredAt.After(f.To) {
			continue
		}
		cp := *env
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].OccurredAt.Equal(out[j].OccurredAt) {
			return out[i].OccurredAt.Before(out[j].OccurredAt)
		}
		return out[i].EventID < out[j].EventID
	})
	return out, nil
}

// Count is a test helper: rows currently in the log.
func (s *EventStore) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

type OrderStore struct {
	mu     sync.Mutex
	orders map[string]*order.Order
}

func NewOrderStore() *OrderStore {
	return &OrderStore{orders: make(map[string]*order.Order)}
}

func (s *OrderStore) Insert(_ context.Context, o *order.Order) (*order.Order, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.orders[o.OrderID]; ok {
		cp := *existing
		return &cp, false, nil
	}
	cp := *o
	s.orders[o.OrderID] = &cp
	out := cp
	return &out, true, nil
}

func (s *OrderStore) UpdateStatus(_ context.Context, orderID string, st order.Status) (*order.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[orderID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if o.Status.Terminal() {
		// Same contract as the SQL store: the row comes back unchanged.
		cp := *o
		return &cp, nil
	}
	o.Status = st
	o.UpdatedAt = time.Now().UTC()
	cp := *o
	return &cp, nil
}

func (s *OrderStore) Get(_ context.Context, orderID string) (*order.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[orderID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *o
	return &cp, nil
}
