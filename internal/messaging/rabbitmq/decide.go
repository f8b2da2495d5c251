package rabbitmq

import (
	"errors"
	"strconv"

	amqp "github.com/rabbitmq/amqp091-go"

	"shopmesh/internal/contracts/event"
)

type dispositionKind int

const (
	dispositionAck dispositionKind = iota
	dispositionRetry
	dispositionDLQ
)

func (k dispositionKind) String() string {
	switch k {
	case dispositionRetry:
		return "retry"
	case dispositionDLQ:
		return "dlq"
	default:
		return "ack"
	}
}

const (
	reasonSchemaInvalid   = "schema_invalid"
	reasonPermanent       = "permanent_failure"
	reasonRetriesExceeded = "max_retries_exceeded"
)

// disposition is the outcome for a single delivery.
type disposition struct {
	kind        dispositionKind
	nextAttempt int
	reason      string
	cause       error
}

// decide maps a handler outcome onto ack/retry/dlq. Permanent failures
// (schema errors included) go straight to the DLQ and keep the current
// attempt count; transient failures consume the retry budget, and the
// delivery that exhausts it lands on the DLQ with x-attempt = maxRetries+1.
func decide(err error, attempt, maxRetries int) disposition {
	if err == nil {
		return disposition{kind: dispositionAck}
	}
	if isPermanent(err) {
		reason := reasonPermanent
		if isSchemaInvalid(err) {
			reason = reasonSchemaInvalid
		}
		return disposition{kind: dispositionDLQ, nextAttempt: attempt, reason: reason, cause: err}
	}
	next := attempt + 1
	if next > maxRetries {
		return disposition{kind: dispositionDLQ, nextAttempt: next, reason: reasonRetriesExceeded, cause: err}
	}
	return disposition{kind: dispositionRetry, nextAttempt: next, cause: err}
}

func isPermanent(err error) bool {
	var per interface{ Permanent() bool }
	return errors.As(err, &per) && per.Permanent()
}

func isSchemaInvalid(err error) bool {
	var se *event.SchemaError
	return errors.As(err, &se)
}

func getAttempt(h amqp.Table) int {
	if h == nil {
		return 0
	}
	v, ok := h[HeaderAttempt]
	if !ok {
		return 0
	}
	switch t := v.(type) {
	case int:
		return t
	case int8:
		return int(t)
	case int16:
		return int(t)
	case int32:
		return int(t)
	case int64:
		return int(t)
	case float64:
		return int(t)
	case string:
		n, _ := strconv.Atoi(t)
		return n
	default:
		return 0
	}
}

func copyHeaders(in amqp.Table) amqp.Table {
	out := amqp.Table{}
	for k, v := range in {
		out[k] = v
	}
	return out
}
