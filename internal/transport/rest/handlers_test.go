package rest_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shopmesh/internal/contracts/event"
	"shopmesh/internal/idempotency"
	"shopmesh/internal/order"
	"shopmesh/internal/store/memory"
	"shopmesh/internal/transport/rest"
)

type fakePublisher struct{}

func (fakePublisher) PublishEnvelope(context.Context, string, string, *event.Envelope, string) error {
	return nil
}

type fakeReady struct{ err error }

func (r fakeReady) Ready(context.Context) error { return r.err }

func newServer(t *testing.T, ready error) http.Handler {
	t.Helper()
	svc := order.NewService(memory.NewOrderStore(), memory.NewEventStore(), fakePublisher{},
		idempotency.NewMemoryStore(), 24*time.Hour, "order-service", zerolog.Nop())
	h := rest.NewHandlers(svc, fakeReady{err: ready})
	return rest.NewRouter(h, rest.RouterConfig{}, zerolog.Nop())
}

const validBody = `{
  "customerId": "cust_1",
  "items": [{"productId": "sku_1", "quantity": 2, "unitPrice": 9.99}]
}`

func doRequest(h http.Handler, method, path, body string, header map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestCreateOrderEndpoint(t *testing.T) {
	h := newServer(t, nil)
	rec := doRequest(h, http.MethodPost, "/orders", validBody, nil)

	require.Equal(t, http.StatusCreated, rec.Code)
	var resp struct {
		OrderID    string `json:"orderId"`
		Status     string `json:"status"`
		Idempotent bool   `json:"idempotent"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Regexp(t, `^ord_[0-9a-f]{8}$`, resp.OrderID)
	assert.Equal(t, "PENDING", resp.Status)
	assert.False(t, resp.Idempotent)
	assert.NotEmpty(t, rec.Header().Get("x-correlation-id"))
}

func TestCreateOrderIdempotentReplay(t *testing.T) {
	h := newServer(t, nil)
	hdr := map[string]string{"Idempotency-Key": "idem-1"}

	first := doRequest(h, http.MethodPost, "/orders", validBody, hdr)
	require.Equal(t, http.StatusCreated, first.Code)

	second := doRequest(h, http.MethodPost, "/orders", validBody, hdr)
	require.Equal(t, http.StatusOK, second.Code)

	var a, b struct {
		OrderID    string `json:"orderId"`
		Idempotent bool   `json:"idempotent"`
	}
	require.NoError(t, json.Unmarshal(first.Body.Bytes(), &a))
	require.NoError(t, json.Unmarshal(second.Body.Bytes(), &b))
	assert.Equal(t, a.OrderID, b.OrderID)
	assert.True(t, b.Idempotent)
}

func TestCreateOrderBadJSON(t *testing.T) {
	h := newServer(t, nil)
	rec := doRequest(h, http.MethodPost, "/orders", `{"customerId": `, nil)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	var resp struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "validation_error", resp.Error.Code)
}

func TestCreateOrderValidationError(t *testing.T) {
	h := newServer(t, nil)
	rec := doRequest(h, http.MethodPost, "/orders",
		`{"customerId": "cust_1", "items": []}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateOrderNotReady(t *testing.T) {
	h := newServer(t, errors.New("rabbitmq: connection not open"))
	rec := doRequest(h, http.MethodPost, "/orders", validBody, nil)

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "not_ready", resp["status"])
}

func TestCancelOrderEndpoint(t *testing.T) {
	h := newServer(t, nil)
	created := doRequest(h, http.MethodPost, "/orders", validBody, nil)
	require.Equal(t, http.StatusCreated, created.Code)
	var cr struct {
		OrderID string `json:"orderId"`
	}
	require.NoError(t, json.Unmarshal(created.Body.Bytes(), &cr))

	rec := doRequest(h, http.MethodPost, "/orders/"+cr.OrderID+"/cancel",
		`{"reason": "changed_mind"}`, nil)
	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, cr.OrderID, resp["orderId"])
	assert.Equal(t, "CANCELLED", resp["status"])
}

func TestCancelUnknownOrder(t *testing.T) {
	h := newServer(t, nil)
	rec := doRequest(h, http.MethodPost, "/orders/ord_missing/cancel", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetOrderEndpoint(t *testing.T) {
	h := newServer(t, nil)
	created := doRequest(h, http.MethodPost, "/orders", validBody, nil)
	var cr struct {
		OrderID string `json:"orderId"`
	}
	require.NoError(t, json.Unmarshal(created.Body.Bytes(), &cr))

	rec := doRequest(h, http.MethodGet, "/orders/"+cr.OrderID, "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var o order.Order
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &o))
	assert.Equal(t, cr.OrderID, o.OrderID)
	assert.Equal(t, order.StatusPending, o.Status)
}

func TestHealthAndReadiness(t *testing.T) {
	h := newServer(t, nil)
	assert.Equal(t, http.StatusOK, doRequest(h, http.MethodGet, "/health", "", nil).Code)
	assert.Equal(t, http.StatusOK, doRequest(h, http.MethodGet, "/ready", "", nil).Code)

	notReady := newServer(t, errors.New("postgres: dial refused"))
	assert.Equal(t, http.StatusOK, doRequest(notReady, http.MethodGet, "/health", "", nil).Code)
	assert.Equal(t, http.StatusServiceUnavailable, doRequest(notReady, http.MethodGet, "/ready", "", nil).Code)
}

func TestCorrelationIDPropagated(t *testing.T) {
	h := newServer(t, nil)
	rec := doRequest(h, http.MethodPost, "/orders", validBody,
		map[string]string{"x-correlation-id": "corr-upstream"})
	assert.Equal(t, "corr-upstream", rec.Header().Get("x-correlation-id"))
}

func TestMetricsEndpoint(t *testing.T) {
	h := newServer(t, nil)
	rec := doRequest(h, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}
