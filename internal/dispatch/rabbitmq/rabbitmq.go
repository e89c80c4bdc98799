// Package rabbitmq implements the dispatch queue on RabbitMQ.
//
// Messages live on a durable work queue. Delayed messages are parked on a per-delay queue
// whose TTL dead-letters them back onto the work queue, and dead-lettered messages go to a
// separate DLQ queue that operators drain by hand.
package rabbitmq

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"docflow/internal/dispatch"

	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	// DefaultQueue is the work queue name when none is configured.
	DefaultQueue = "docflow.dispatch"

	headerAttempt = "x-docflow-attempt"
	headerReason  = "x-docflow-reason"
	headerTenant  = "x-docflow-tenant"
)

// Channel is the subset of *amqp.Channel the queue needs.
type Channel interface {
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Get(queue string, autoAck bool) (amqp.Delivery, bool, error)
	Close() error
}

// Queue is a dispatch.Queue on RabbitMQ.
type Queue struct {
	mu      sync.Mutex
	ch      Channel
	work    string
	dlq     string
	timeNow func() time.Time
}

var _ dispatch.Queue = (*Queue)(nil)

// Dial connects to url and declares the queues.
func Dial(url, name string) (*Queue, *amqp.Connection, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("failed to open channel: %w", err)
	}
	q, err := New(ch, name)
	if err != nil {
		conn.Close()
		return nil, nil, err
	}
	return q, conn, nil
}

// New declares the work and DLQ queues on ch.
func New(ch Channel, name string) (*Queue, error) {
	if name == "" {
		name = DefaultQueue
	}
	q := &Queue{
		ch:      ch,
		work:    name,
		dlq:     name + ".dlq",
		timeNow: time.Now,
	}
	if _, err := ch.QueueDeclare(q.work, true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("failed to declare %s: %w", q.work, err)
	}
	if _, err := ch.QueueDeclare(q.dlq, true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("failed to declare %s: %w", q.dlq, err)
	}
	return q, nil
}

// Close closes the channel.
func (q *Queue) Close() error {
	return q.ch.Close()
}

// Enqueue publishes msg. A future visibleAfter routes it through a delay queue.
func (q *Queue) Enqueue(ctx context.Context, msg dispatch.Message, visibleAfter time.Time) error {
	payload, err := msg.Encode()
	if err != nil {
		return err
	}
	var delay time.Duration
	if !visibleAfter.IsZero() {
		delay = visibleAfter.Sub(q.timeNow())
	}
	headers := amqp.Table{headerAttempt: int32(0), headerTenant: msg.TenantID.String()}
	return q.publish(ctx, payload, headers, delay)
}

func (q *Queue) publish(ctx context.Context, payload []byte, headers amqp.Table, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	key := q.work
	if delay >= time.Millisecond {
		name, err := q.delayQueue(delay)
		if err != nil {
			return err
		}
		key = name
	}
	err := q.ch.PublishWithContext(ctx, "", key, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    q.timeNow(),
		Headers:      headers,
		Body:         payload,
	})
	if err != nil {
		return fmt.Errorf("failed to publish to %s: %w", key, err)
	}
	return nil
}

// delayQueue declares a queue whose messages expire after d and fall back onto the work
// queue. Idle delay queues delete themselves, so the queue is redeclared before every
// delayed publish; the default exchange drops messages for a missing queue.
func (q *Queue) delayQueue(d time.Duration) (string, error) {
	ms := d.Milliseconds()
	name := q.work + ".delay." + strconv.FormatInt(ms, 10)
	_, err := q.ch.QueueDeclare(name, true, false, false, false, amqp.Table{
		"x-message-ttl":             ms,
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": q.work,
		"x-expires":                 ms + time.Minute.Milliseconds(),
	})
	if err != nil {
		return "", fmt.Errorf("failed to declare %s: %w", name, err)
	}
	return name, nil
}

// Receive pulls up to limit messages with basic.get. Unacknowledged messages return to the
// queue when the channel closes, which is RabbitMQ's equivalent of a visibility timeout.
func (q *Queue) Receive(ctx context.Context, limit int) ([]dispatch.Delivery, error) {
	if limit <= 0 {
		limit = 1
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]dispatch.Delivery, 0, limit)
	for len(out) < limit {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		d, ok, err := q.ch.Get(q.work, false)
		if err != nil {
			return out, fmt.Errorf("failed to get from %s: %w", q.work, err)
		}
		if !ok {
			break
		}
		out = append(out, &delivery{queue: q, raw: d, attempt: attemptOf(d) + 1})
	}
	return out, nil
}

// attemptOf counts earlier hand-outs: retries carry the count in a header, and a broker
// redelivery after a lost channel adds one.
func attemptOf(d amqp.Delivery) int {
	n := 0
	switch v := d.Headers[headerAttempt].(type) {
	case int32:
		n = int(v)
	case int64:
		n = int(v)
	case int:
		n = v
	}
	if d.Redelivered {
		n++
	}
	return n
}

type delivery struct {
	queue   *Queue
	raw     amqp.Delivery
	attempt int
}

func (d *delivery) Message() (dispatch.Message, error) { return dispatch.Decode(d.raw.Body) }
func (d *delivery) Payload() []byte                    { return d.raw.Body }
func (d *delivery) Attempt() int                       { return d.attempt }

func (d *delivery) Ack(ctx context.Context) error {
	return d.raw.Ack(false)
}

// Retry republishes the message through a delay queue and acknowledges the original.
func (d *delivery) Retry(ctx context.Context, delay time.Duration) error {
	headers := d.headers()
	headers[headerAttempt] = int32(d.attempt)
	if err := d.queue.publish(ctx, d.raw.Body, headers, delay); err != nil {
		return err
	}
	return d.raw.Ack(false)
}

// DeadLetter moves the message to the DLQ queue with the reason in a header.
func (d *delivery) DeadLetter(ctx context.Context, reason string) error {
	headers := d.headers()
	headers[headerAttempt] = int32(d.attempt)
	headers[headerReason] = reason

	d.queue.mu.Lock()
	err := d.queue.ch.PublishWithContext(ctx, "", d.queue.dlq, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    d.queue.timeNow(),
		Headers:      headers,
		Body:         d.raw.Body,
	})
	d.queue.mu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to publish to %s: %w", d.queue.dlq, err)
	}
	return d.raw.Ack(false)
}

// Extend is a no-op: RabbitMQ keeps an unacknowledged message invisible for as long as the
// channel that received it stays open.
func (d *delivery) Extend(ctx context.Context, dur time.Duration) error {
	return nil
}

func (d *delivery) headers() amqp.Table {
	out := amqp.Table{}
	for k, v := range d.raw.Headers {
		out[k] = v
	}
	return out
}
