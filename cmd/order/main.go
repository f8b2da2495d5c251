package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"

	"shopmesh/internal/breaker"
	"shopmesh/internal/config"
	"shopmesh/internal/contracts/event"
	"shopmesh/internal/health"
	"shopmesh/internal/idempotency"
	"shopmesh/internal/logger"
	"shopmesh/internal/messaging/rabbitmq"
	"shopmesh/internal/order"
	"shopmesh/internal/store/postgres"
	"shopmesh/internal/transport/rest"
)

func main() {
	cfg, err := config.Load("order-service", true)
	if err != nil {
		logger.Init("info", "json")
		logger.Logger.Fatal().Err(err).Msg("config load failed")
	}
	logger.Init(cfg.LogLevel, cfg.LogFormat)
	lg := logger.Logger.With().Str("service", "order-service").Logger()

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
	orders := postgres.NewOrderStore(pool, dbBrk, lg)
	if err := events.EnsureSchema(ctx); err != nil {
		lg.Fatal().Err(err).Msg("events schema failed")
	}
	if err := orders.EnsureSchema(ctx); err != nil {
		lg.Fatal().Err(err).Msg("orders schema failed")
	}

	pub, err := rabbitmq.NewPublisher(ctx, cfg.RabbitURL, mqBrk, lg)
	if err != nil {
		lg.Fatal().Err(err).Msg("publisher init failed")
	}
	defer pub.Close()

	var idem idempotency.Store
	if cfg.IdemBackend == "redis" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPass,
			DB:       cfg.RedisDB,
		})
		defer rdb.Close()
		idem = idempotency.NewRedisStore(rdb)
	} else {
		idem = idempotency.NewMemoryStore()
	}

	svc := order.NewService(orders, events, pub, idem, cfg.IdemTTL, cfg.ServiceName, lg)

	specs := []struct {
		spec    rabbitmq.QueueSpec
		handler rabbitmq.Handler
	}{
		{
			spec: rabbitmq.QueueSpec{
				Name:     rabbitmq.QueueReserveApproved,
				Exchange: rabbitmq.ExchangeInventory,
				BindKeys: []string{event.RoutingKey(event.TypeReserveApproved, 1)},
				RetryTTL: cfg.RetryTTL,
			},
			handler: func(ctx context.Context, env *event.Envelope, _ amqp.Delivery) error {
				return svc.ApplyReserveApproved(ctx, env)
			},
		},
		{
			spec: rabbitmq.QueueSpec{
				Name:     rabbitmq.QueueReserveRejected,
				Exchange: rabbitmq.ExchangeInventory,
				BindKeys: []string{event.RoutingKey(event.TypeReserveRejected, 1)},
				RetryTTL: cfg.RetryTTL,
			},
			handler: func(ctx context.Context, env *event.Envelope, _ amqp.Delivery) error {
				return svc.ApplyReserveRejected(ctx, env)
			},
		},
	}

	var consumers []*rabbitmq.Consumer
	for _, s := range specs {
		c := rabbitmq.NewConsumer(rabbitmq.ConsumerConfig{
			URL:        cfg.RabbitURL,
			Spec:       s.spec,
			Prefetch:   cfg.Prefetch,
			MaxRetries: cfg.MaxRetries,
		}, s.handler, lg)
		if err := c.Start(ctx); err != nil {
			lg.Fatal().Err(err).Str("queue", s.spec.Name).Msg("consumer start failed")
		}
		consumers = append(consumers, c)
	}

	readyQueue := cfg.ReadyQueue
	if readyQueue == "" {
		readyQueue = rabbitmq.QueueReserveApproved
	}
	checker := health.NewChecker(pool, pub.Conn, readyQueue, cfg.ReadyTimeout)

	handlers := rest.NewHandlers(svc, checker)
	srv := &http.Server{
		Addr: ":" + cfg.Port,
		Handler: rest.NewRouter(handlers, rest.RouterConfig{
			RateLimitEnabled: cfg.RateLimitEnabled,
			RateLimitRPM:     cfg.RateLimitRPM,
		}, lg),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		lg.Info().Str("addr", srv.Addr).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			lg.Fatal().Err(err).Msg("http server failed")
		}
	}()

	<-ctx.Done()
	lg.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		lg.Warn().Err(err).Msg("http shutdown incomplete")
	}
	for _, c := range consumers {
		if err := c.Stop(shutdownCtx); err != nil {
			lg.Warn().Err(err).Msg("consumer stop incomplete")
		}
	}
	lg.Info().Msg("stopped")
}
