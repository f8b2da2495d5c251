package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"shopmesh/internal/breaker"
	"shopmesh/internal/order"
	"shopmesh/internal/store"
)

const ordersDDL = `
CREATE TABLE IF NOT EXISTS orders (
  order_id    TEXT PRIMARY KEY,
  customer_id TEXT NOT NULL,
  items       JSONB NOT NULL,
  total       DOUBLE PRECISION NOT NULL,
  status      TEXT NOT NULL,
  created_at  TIMESTAMPTZ NOT NULL,
  updated_at  TIMESTAMPTZ NOT NULL
);
`

const insertOrderSQL = `
INSERT INTO orders (order_id, customer_id, items, total, status, created_at, updated_at)
VALUES ($1, $2, $3::jsonb, $4, $5, $6, $7)
ON CONFLICT (order_id) DO NOTHING
`

const selectOrderColumns = `order_id, customer_id, items, total, status, created_at, updated_at`

type OrderStore struct {
	pool *pgxpool.Pool
	brk  *breaker.Breaker
	lg   zerolog.Logger
}

func NewOrderStore(pool *pgxpool.Pool, brk *breaker.Breaker, lg zerolog.Logger) *OrderStore {
	return &OrderStore{
		pool: pool,
		brk:  brk,
		lg:   lg.With().Str("component", "order_store").Logger(),
	}
}

func (s *OrderStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, ordersDDL); err != nil {
		return fmt.Errorf("orders schema: %w", err)
	}
	return nil
}

// Insert is idempotent on orderId: a duplicate returns the existing row with
// created=false.
func (s *OrderStore) Insert(ctx context.Context, o *order.Order) (*order.Order, bool, error) {
	items, err := json.Marshal(o.Items)
	if err != nil {
		return nil, false, fmt.Errorf("marshal items: %w", err)
	}

	var created bool
	err = s.brk.Do(ctx, func(ctx context.Context) error {
		ct, err := s.pool.Exec(ctx, insertOrderSQL,
			o.OrderID, o.CustomerID, string(items), o.Total,
			string(o.Status), o.CreatedAt, o.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("insert order: %w", err)
		}
		created = ct.RowsAffected() > 0
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	if created {
		cp := *o
		return &cp, true, nil
	}
	existing, err := s.Get(ctx, o.OrderID)
	return existing, false, err
}

// UpdateStatus transitions the order unless it already reached a terminal
// state. The guard lives in the UPDATE predicate so concurrent writers cannot
// interleave a check with the write; a terminal order comes back unchanged.
func (s *OrderStore) UpdateStatus(ctx context.Context, orderID string, st order.Status) (*order.Order, error) {
	var out *order.Order
	err := s.brk.Do(ctx, func(ctx context.Context) error {
		row := s.pool.QueryRow(ctx,
			`UPDATE orders SET status = $2, updated_at = NOW()
			 WHERE order_id = $1 AND status NOT IN ('REJECTED', 'CANCELLED')
			 RETURNING `+selectOrderColumns, orderID, string(st))
		o, err := scanOrder(row)
		if errors.Is(err, pgx.ErrNoRows) {
			// Either the order does not exist or the guard refused the
			// transition; re-read to tell the two apart.
			o, err = s.Get(ctx, orderID)
			if err != nil {
				return err
			}
			out = o
			return nil
		}
		if err != nil {
			return fmt.Errorf("update order status: %w", err)
		}
		out = o
		return nil
	})
	return out, err
}

func (s *OrderStore) Get(ctx context.Context, orderID string) (*order.Order, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+selectOrderColumns+` FROM orders WHERE order_id = $1`, orderID)
	o, err := scanOrder(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	return o, err
}

func scanOrder(row pgx.Row) (*order.Order, error) {
	var o order.Order
	var items []byte
	var status string
	err := row.Scan(&o.OrderID, &o.CustomerID, &items, &o.Total, &status, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return nil, err
	}
	o.Status = order.Status(status)
	if len(items) > 0 {
		if err := json.Unmarshal(items, &o.Items); err != nil {
			return nil, fmt.Errorf("decode items: %w", err)
		}
	}
	return &o, nil
}
