package rest

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

type RouterConfig struct {
	RateLimitEnabled bool
	RateLimitRPM     int
}

// NewRouter wires middleware and routes. Health, readiness and metrics stay
// outside the rate limiter.
func NewRouter(h *Handlers, cfg RouterConfig, lg zerolog.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(Correlation)
	r.Use(AccessLog(lg))

	r.Get("/health", h.Health)
	r.Get("/ready", h.Readiness)
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		if cfg.RateLimitEnabled {
			rpm := cfg.RateLimitRPM
			if rpm <= 0 {
				rpm = 120
			}
			r.Use(httprate.LimitByIP(rpm, time.Minute))
		}
		r.Post("/orders", h.CreateOrder)
		r.Get("/orders/{orderID}", h.GetOrder)
		r.Post("/orders/{orderID}/cancel", h.CancelOrder)
	})

	return r
}

// NewOpsRouter serves only health, readiness and metrics, for services whose
// traffic arrives over the bus rather than HTTP.
func NewOpsRouter(ready ReadyChecker, lg zerolog.Logger) http.Handler {
	h := &Handlers{ready: ready}
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(Correlation)
	r.Use(AccessLog(lg))
	r.Get("/health", h.Health)
	r.Get("/ready", h.Readiness)
	r.Handle("/metrics", promhttp.Handler())
	return r
}
