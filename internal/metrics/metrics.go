// Package metrics exposes the platform's Prometheus counters.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shopmesh_events_published_total",
		Help: "Events accepted by the broker, by exchange and routing key.",
	}, []string{"exchange", "routing_key"})

	EventsConsumed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shopmesh_events_consumed_total",
		Help: "Deliveries processed, by queue and disposition (ack|retry|dlq).",
	}, []string{"queue", "disposition"})

	DLQDepth = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shopmesh_dlq_messages_total",
		Help: "Messages quarantined to a dead-letter queue, by queue and reason.",
	}, []string{"queue", "reason"})

	IdempotentHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "shopmesh_http_idempotent_hits_total",
		Help: "Order creations answered from the idempotency map.",
	})

	BreakerOpens = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shopmesh_breaker_fast_failures_total",
		Help: "Calls rejected while a circuit breaker was open.",
	}, []string{"breaker"})
)
