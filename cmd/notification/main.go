package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"shopmesh/internal/breaker"
	"shopmesh/internal/config"
	"shopmesh/internal/contracts/event"
	"shopmesh/internal/health"
	"shopmesh/internal/logger"
	"shopmesh/internal/messaging/rabbitmq"
	"shopmesh/internal/notification"
	"shopmesh/internal/store/postgres"
	"shopmesh/internal/transport/rest"
)

func main() {
	cfg, err := config.Load("notification-service", true)
	if err != nil {
		logger.Init("info", "json")
		logger.Logger.Fatal().Err(err).Msg("config load failed")
	}
	logger.Init(cfg.LogLevel, cfg.LogFormat)
	lg := logger.Logger.With().Str("service", "notification-service").Logger()

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
	if err := events.EnsureSchema(ctx); err != nil {
		lg.Fatal().Err(err).Msg("events schema failed")
	}

	pub, err := rabbitmq.NewPublisher(ctx, cfg.RabbitURL, mqBrk, lg)
	if err != nil {
		lg.Fatal().Err(err).Msg("publisher init failed")
	}
	defer pub.Close()

	svc := notification.NewService(events, pub, cfg.ServiceName, lg)
	handle := func(ctx context.Context, env *event.Envelope, _ amqp.Delivery) error {
		return svc.Handle(ctx, env)
	}

	// One queue per lifecycle event so a poisoned message type cannot starve
	// the others.
	specs := []rabbitmq.QueueSpec{
		{
			Name:     rabbitmq.QueueOrderCreatedNotify,
			Exchange: rabbitmq.ExchangeOrders,
			BindKeys: []string{event.RoutingKey(event.TypeOrderCreated, 1)},
			RetryTTL: cfg.RetryTTL,
		},
		{
			Name:     rabbitmq.QueueOrdersCancelledNotify,
			Exchange: rabbitmq.ExchangeOrders,
			BindKeys: []string{event.RoutingKey(event.TypeOrderCancelled, 1)},
			RetryTTL: cfg.RetryTTL,
		},
		{
			Name:     rabbitmq.QueueReserveApprovedNotify,
			Exchange: rabbitmq.ExchangeInventory,
			BindKeys: []string{event.RoutingKey(event.TypeReserveApproved, 1)},
			RetryTTL: cfg.RetryTTL,
		},
		{
			Name:     rabbitmq.QueueReserveRejectedNotify,
			Exchange: rabbitmq.ExchangeInventory,
			BindKeys: []string{event.RoutingKey(event.TypeReserveRejected, 1)},
			RetryTTL: cfg.RetryTTL,
		},
	}

	var consumers []*rabbitmq.Consumer
	for _, spec := range specs {
		c := rabbitmq.NewConsumer(rabbitmq.ConsumerConfig{
			URL:        cfg.RabbitURL,
			Spec:       spec,
			Prefetch:   cfg.Prefetch,
			MaxRetries: cfg.MaxRetries,
		}, handle, lg)
		if err := c.Start(ctx); err != nil {
			lg.Fatal().Err(err).Str("queue", spec.Name).Msg("consumer start failed")
		}
		consumers = append(consumers, c)
	}

	// notification.sent has no consumer yet; declare its queue so emitted
	// events are retained for audit instead of dropping unrouted.
	if err := declareSentQueue(ctx, pub, cfg.RetryTTL); err != nil {
		lg.Fatal().Err(err).Msg("notification.sent topology failed")
	}

	readyQueue := cfg.ReadyQueue
	if readyQueue == "" {
		readyQueue = rabbitmq.QueueOrderCreatedNotify
	}
	checker := health.NewChecker(pool, pub.Conn, readyQueue, cfg.ReadyTimeout)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           rest.NewOpsRouter(checker, lg),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		lg.Info().Str("addr", srv.Addr).Msg("ops server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			lg.Fatal().Err(err).Msg("ops server failed")
		}
	}()

	<-ctx.Done()
	lg.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		lg.Warn().Err(err).Msg("ops shutdown incomplete")
	}
	for _, c := range consumers {
		if err := c.Stop(shutdownCtx); err != nil {
			lg.Warn().Err(err).Msg("consumer stop incomplete")
		}
	}
	lg.Info().Msg("stopped")
}

func declareSentQueue(_ context.Context, pub *rabbitmq.Publisher, retryTTL time.Duration) error {
	conn := pub.Conn()
	if conn == nil {
		return errors.New("publisher connection not open")
	}
	ch, err := conn.Channel()
	if err != nil {
		return err
	}
	defer ch.Close()
	return rabbitmq.DeclareTopology(ch, rabbitmq.QueueSpec{
		Name:     rabbitmq.QueueNotificationSent,
		Exchange: rabbitmq.ExchangeNotifications,
		BindKeys: []string{event.RoutingKey(event.TypeNotificationSent, 1)},
		RetryTTL: retryTTL,
	})
}
