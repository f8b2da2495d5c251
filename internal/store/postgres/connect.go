package postgres

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// Connect opens the pool and waits for a successful ping, backing off up to
// 30s, so services survive the database starting after them.
func Connect(ctx context.Context, url string, lg zerolog.Logger) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, err
	}
	backoff := time.Second
	for {
		err := pool.Ping(ctx)
		if err == nil {
			return pool, nil
		}
		if ctx.Err() != nil {
			pool.Close()
			return nil, err
		}
		lg.Warn().Err(err).Dur("backoff", backoff).Msg("postgres ping failed; retrying")
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			pool.Close()
			return nil, ctx.Err()
		}
		if backoff < 30*time.Second {
			backoff *= 2
		}
	}
}
