// Package postgres implements the event store and the order read model on
// pgx. Writes go through the database circuit breaker.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"shopmesh/internal/breaker"
	"shopmesh/internal/contracts/event"
	"shopmesh/internal/store"
)

const eventsDDL = `
CREATE TABLE IF NOT EXISTS events (
  event_id       TEXT PRIMARY KEY,
  type           TEXT NOT NULL,
  version        INT NOT NULL,
  occurred_at    TIMESTAMPTZ NOT NULL,
  producer       TEXT NOT NULL,
  correlation_id TEXT NOT NULL,
  payload        JSONB NOT NULL
);
CREATE INDEX IF NOT EXISTS events_order_idx ON events ((payload->>'orderId'));
CREATE INDEX IF NOT EXISTS events_replay_idx ON events (occurred_at, event_id);
`

const insertEventSQL = `
INSERT INTO events (event_id, type, version, occurred_at, producer, correlation_id, payload)
VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb)
ON CONFLICT (event_id) DO NOTHING
`

const selectEventColumns = `event_id, type, version, occurred_at, producer, correlation_id, payload`

type EventStore struct {
	pool *pgxpool.Pool
	brk  *breaker.Breaker
	lg   zerolog.Logger
}

func NewEventStore(pool *pgxpool.Pool, brk *breaker.Breaker, lg zerolog.Logger) *EventStore {
	return &EventStore{
		pool: pool,
		brk:  brk,
		lg:   lg.With().Str("component", "event_store").Logger(),
	}
}

func (s *EventStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, eventsDDL); err != nil {
		return fmt.Errorf("events schema: %w", err)
	}
	return nil
}

// Append inserts the envelope, treating a duplicate eventId as success.
func (s *EventStore) Append(ctx context.Context, env *event.Envelope) error {
	return s.brk.Do(ctx, func(ctx context.Context) error {
		ct, err := s.pool.Exec(ctx, insertEventSQL,
			env.EventID, env.Type, env.Version, env.OccurredAt,
			env.Producer, env.CorrelationID, string(env.Payload),
		)
		if err != nil {
			return fmt.Errorf("append event: %w", err)
		}
		if ct.RowsAffected() == 0 {
			s.lg.Debug().Str("event_id", env.EventID).Msg("duplicate event append ignored")
		}
		return nil
	})
}

func (s *EventStore) FindByEventID(ctx context.Context, id string) (*event.Envelope, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+selectEventColumns+` FROM events WHERE event_id = $1`, id)
	env, err := scanEvent(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	return env, err
}

func (s *EventStore) Find(ctx context.Context, f store.Filter) ([]*event.Envelope, error) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, cond+"$"+strconv.Itoa(len(args)))
	}
	if f.Type != "" {
		add("type = ", f.Type)
	}
	if f.OrderID != "" {
		add("payload->>'orderId' = ", f.OrderID)
	}
	if !f.From.IsZero() {
		add("occurred_at >= ", f.From)
	}
	if !f.To.IsZero() {
		add("occurred_at <= ", f.To)
	}

	q := `SELECT ` + selectEventColumns + ` FROM events`
	if len(conds) > 0 {
		q += ` WHERE ` + strings.Join(conds, " AND ")
	}
	q += ` ORDER BY occurred_at ASC, event_id ASC`

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("find events: %w", err)
	}
	defer rows.Close()

	var out []*event.Envelope
	for rows.Next() {
		env, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, env)
	}
	return out, rows.Err()
}

func scanEvent(row pgx.Row) (*event.Envelope, error) {
	var env event.Envelope
	var payload []byte
	err := row.Scan(
		&env.EventID, &env.Type, &env.Version, &env.OccurredAt,
		&env.Producer, &env.CorrelationID, &payload,
	)
	if err != nil {
		return nil, err
	}
	env.Payload = payload
	return &env, nil
}
