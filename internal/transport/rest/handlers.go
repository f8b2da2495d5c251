// Package rest is the HTTP surface of the order service: create/cancel/get
// order endpoints plus health, readiness and metrics.
package rest

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"shopmesh/internal/apperr"
	"shopmesh/internal/order"
)

const idempotencyHeader = "Idempotency-Key"

// OrderAPI is the slice of the order service the handlers use.
type OrderAPI interface {
	Create(ctx context.Context, req order.CreateRequest, idemKey, correlationID string) (*order.CreateResult, error)
	Cancel(ctx context.Context, orderID, reason, correlationID string) (*order.Order, error)
	Get(ctx context.Context, orderID string) (*order.Order, error)
}

// ReadyChecker gates write traffic until the service's dependencies are up.
type ReadyChecker interface {
	Ready(ctx context.Context) error
}

type Handlers struct {
	api   OrderAPI
	ready ReadyChecker
}

func NewHandlers(api OrderAPI, ready ReadyChecker) *Handlers {
	return &Handlers{api: api, ready: ready}
}

type createResponse struct {
	OrderID    string `json:"orderId"`
	Status     string `json:"status"`
	Idempotent bool   `json:"idempotent,omitempty"`
}

func (h *Handlers) CreateOrder(w http.ResponseWriter, r *http.Request) {
	if err := h.ready.Ready(r.Context()); err != nil {
		JSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not_ready"})
		return
	}

	var req order.CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		Err(w, apperr.Validation("invalid JSON body"))
		return
	}

	res, err := h.api.Create(r.Context(), req,
		r.Header.Get(idempotencyHeader), CorrelationID(r.Context()))
	if err != nil {
		Err(w, err)
		return
	}

	status := http.StatusCreated
	if res.Idempotent {
		status = http.StatusOK
	}
	JSON(w, status, createResponse{
		OrderID:    res.Order.OrderID,
		Status:     string(res.Order.Status),
		Idempotent: res.Idempotent,
	})
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

func (h *Handlers) CancelOrder(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderID")

	var req cancelRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			Err(w, apperr.Validation("invalid JSON body"))
			return
		}
	}

	o, err := h.api.Cancel(r.Context(), orderID, req.Reason, CorrelationID(r.Context()))
	if err != nil {
		Err(w, err)
		return
	}
	JSON(w, http.StatusAccepted, map[string]string{
		"orderId": o.OrderID,
		"status":  string(o.Status),
	})
}

func (h *Handlers) GetOrder(w http.ResponseWriter, r *http.Request) {
	o, err := h.api.Get(r.Context(), chi.URLParam(r, "orderID"))
	if err != nil {
		Err(w, err)
		return
	}
	JSON(w, http.StatusOK, o)
}

func (h *Handlers) Health(w http.ResponseWriter, _ *http.Request) {
	JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handlers) Readiness(w http.ResponseWriter, r *http.Request) {
	if err := h.ready.Ready(r.Context()); err != nil {
		JSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not_ready",
			"reason": err.Error(),
		})
		return
	}
	JSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
