// Package dispatch defines the at-least-once work queue that carries
// "run the next stage of job J" messages between orchestrator invocations.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// ErrMalformedMessage is returned when a delivery body cannot be decoded.
var ErrMalformedMessage = errors.New("malformed dispatch message")

// Message asks a worker to advance one job by one stage.
// Cursor is informational; the job row is the source of truth.
type Message struct {
	TenantID uuid.UUID              `json:"tenant_id"`
	JobID    uuid.UUID              `json:"job_id"`
	Cursor   int                    `json:"cursor"`
	Trace    propagation.MapCarrier `json:"trace,omitempty"`
}

// Encode serializes the message for a transport.
func (m Message) Encode() (json.RawMessage, error) {
	return json.Marshal(m)
}

// InjectTrace stores the span context of ctx in the message.
func (m *Message) InjectTrace(ctx context.Context) {
	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	if len(carrier) > 0 {
		m.Trace = carrier
	}
}

// ExtractTrace returns ctx carrying the producer's span context, if the message has one.
func (m Message) ExtractTrace(ctx context.Context) context.Context {
	if len(m.Trace) == 0 {
		return ctx
	}
	return otel.GetTextMapPropagator().Extract(ctx, m.Trace)
}

// Decode parses a transport payload.
func Decode(payload []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(payload, &m); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if m.TenantID == uuid.Nil || m.JobID == uuid.Nil {
		return Message{}, fmt.Errorf("%w: tenant_id and job_id are required", ErrMalformedMessage)
	}
	return m, nil
}

// Enqueuer is the producer side used by the orchestrator.
type Enqueuer interface {
	// Enqueue makes msg deliverable no earlier than visibleAfter (zero means now).
	Enqueue(ctx context.Context, msg Message, visibleAfter time.Time) error
}

// Queue is a dispatch queue with at-least-once delivery.
type Queue interface {
	Enqueuer

	// Receive claims up to limit deliveries. It returns an empty slice when nothing is ready.
	Receive(ctx context.Context, limit int) ([]Delivery, error)
}

// Delivery is one claimed message. Exactly one of Ack, Retry or DeadLetter should be called;
// a delivery that is never settled becomes visible again after the queue's visibility timeout.
type Delivery interface {
	// Message decodes the payload; it fails with ErrMalformedMessage for garbage bodies.
	Message() (Message, error)
	Payload() []byte
	// Attempt is how many times this delivery has been handed out, starting at 1.
	Attempt() int
	Ack(ctx context.Context) error
	Retry(ctx context.Context, delay time.Duration) error
	DeadLetter(ctx context.Context, reason string) error
	// Extend pushes the visibility timeout out while the message is being worked on.
	Extend(ctx context.Context, d time.Duration) error
}
