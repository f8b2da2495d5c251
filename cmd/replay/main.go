// Command replay re-publishes stored events to their original exchanges.
//
//	replay --type orders.created --orderId ord_1a2b3c4d \
//	       --from 2026-08-01T00:00:00Z --to 2026-08-02T00:00:00Z
//
// Filters combine with AND; omitted filters match everything.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"shopmesh/internal/breaker"
	"shopmesh/internal/config"
	"shopmesh/internal/logger"
	"shopmesh/internal/messaging/rabbitmq"
	"shopmesh/internal/replay"
	"shopmesh/internal/store/postgres"
)

func main() {
	var (
		typeFlag  = flag.String("type", "", "event type to replay (empty = all)")
		orderFlag = flag.String("orderId", "", "restrict to one order")
		fromFlag  = flag.String("from", "", "occurredAt lower bound, RFC3339")
		toFlag    = flag.String("to", "", "occurredAt upper bound, RFC3339")
	)
	flag.Parse()

	cfg, err := config.Load("replay", true)
	if err != nil {
		logger.Init("info", "json")
		logger.Logger.Fatal().Err(err).Msg("config load failed")
	}
	logger.Init(cfg.LogLevel, cfg.LogFormat)
	lg := logger.Logger.With().Str("service", "replay").Logger()

	opts := replay.Options{Type: *typeFlag, OrderID: *orderFlag}
	if *fromFlag != "" {
		t, err := time.Parse(time.RFC3339, *fromFlag)
		if err != nil {
			lg.Fatal().Err(err).Msg("invalid --from")
		}
		opts.From = t
	}
	if *toFlag != "" {
		t, err := time.Parse(time.RFC3339, *toFlag)
		if err != nil {
			lg.Fatal().Err(err).Msg("invalid --to")
		}
		opts.To = t
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := postgres.Connect(ctx, cfg.DatabaseURL, lg)
	if err != nil {
		lg.Fatal().Err(err).Msg("postgres connect failed")
	}
	defer pool.Close()

	dbBrk := breaker.New("db", cfg.Breaker)
	mqBrk := breaker.New("mq", cfg.Breaker)

	events := postgres.NewEventStore(pool, dbBrk, lg)
	pub, err := rabbitmq.NewPublisher(ctx, cfg.RabbitURL, mqBrk, lg)
	if err != nil {
		lg.Fatal().Err(err).Msg("publisher init failed")
	}
	defer pub.Close()

	res, err := replay.NewRunner(events, pub, lg).Run(ctx, opts)
	if err != nil {
		lg.Error().Err(err).Msg("replay failed")
		os.Exit(1)
	}
	fmt.Printf("replayed %d event(s), skipped %d\n", res.Replayed, res.Skipped)
}
