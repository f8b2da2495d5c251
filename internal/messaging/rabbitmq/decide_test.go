package rabbitmq

import (
	"errors"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"

	"shopmesh/internal/contracts/event"
)

type permErr struct{}

func (permErr) Error() string   { return "permanently broken" }
func (permErr) Permanent() bool { return true }

func TestDecide(t *testing.T) {
	transient := errors.New("db timeout")
	schema := &event.SchemaError{Type: "orders.created", Version: 1, Reason: "envelope validation failed"}

	tests := []struct {
		name        string
		err         error
		attempt     int
		wantKind    dispositionKind
		wantAttempt int
		wantReason  string
	}{
		{"success acks", nil, 0, dispositionAck, 0, ""},
		{"transient first failure retries", transient, 0, dispositionRetry, 1, ""},
		{"transient mid-budget retries", transient, 2, dispositionRetry, 3, ""},
		{"budget exhausted goes to dlq", transient, 3, dispositionDLQ, 4, reasonRetriesExceeded},
		{"schema error skips retries", schema, 0, dispositionDLQ, 0, reasonSchemaInvalid},
		{"schema error mid-budget still dlq", schema, 2, dispositionDLQ, 2, reasonSchemaInvalid},
		{"permanent error skips retries", permErr{}, 1, dispositionDLQ, 1, reasonPermanent},
		{"wrapped schema error", errors.Join(errors.New("handling"), schema), 0, dispositionDLQ, 0, reasonSchemaInvalid},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			d := decide(tc.err, tc.attempt, 3)
			assert.Equal(t, tc.wantKind, d.kind)
			assert.Equal(t, tc.wantAttempt, d.nextAttempt)
			assert.Equal(t, tc.wantReason, d.reason)
		})
	}
}

func TestDecideDLQAttemptIsMaxPlusOne(t *testing.T) {
	maxRetries := 3
	err := errors.New("still failing")

	// Walk the full budget: original delivery plus three retries.
	attempt := 0
	for i := 0; i < maxRetries; i++ {
		d := decide(err, attempt, maxRetries)
		assert.Equal(t, dispositionRetry, d.kind)
		attempt = d.nextAttempt
	}
	d := decide(err, attempt, maxRetries)
	assert.Equal(t, dispositionDLQ, d.kind)
	assert.Equal(t, maxRetries+1, d.nextAttempt)
}

func TestGetAttempt(t *testing.T) {
	tests := []struct {
		name string
		h    amqp.Table
		want int
	}{
		{"nil headers", nil, 0},
		{"missing key", amqp.Table{}, 0},
		{"int32", amqp.Table{HeaderAttempt: int32(2)}, 2},
		{"int64", amqp.Table{HeaderAttempt: int64(3)}, 3},
		{"float64", amqp.Table{HeaderAttempt: float64(1)}, 1},
		{"string", amqp.Table{HeaderAttempt: "4"}, 4},
		{"garbage string", amqp.Table{HeaderAttempt: "x"}, 0},
		{"unsupported type", amqp.Table{HeaderAttempt: []byte("2")}, 0},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, getAttempt(tc.h))
		})
	}
}

func TestCopyHeaders(t *testing.T) {
	in := amqp.Table{HeaderAttempt: int32(1), HeaderCorrelation: "corr-1"}
	out := copyHeaders(in)
	out[HeaderAttempt] = int32(2)

	assert.Equal(t, int32(1), in[HeaderAttempt])
	assert.Equal(t, "corr-1", out[HeaderCorrelation])

	assert.NotNil(t, copyHeaders(nil))
}

func TestQueueNaming(t *testing.T) {
	assert.Equal(t, "orders.retry", RetryExchange(ExchangeOrders))
	assert.Equal(t, "order.created.q.retry", RetryQueue(QueueOrderCreated))
	assert.Equal(t, "order.created.q.dlq", DLQQueue(QueueOrderCreated))
}
