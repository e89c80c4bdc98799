package rabbitmq

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"docflow/internal/dispatch"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type published struct {
	key string
	msg amqp.Publishing
}

// fakeChannel keeps queues in memory. Messages published to a delay queue stay there; tests
// move them with expire. Like the default exchange, it drops messages routed to a queue
// that is not declared.
type fakeChannel struct {
	mu         sync.Mutex
	declared   map[string]amqp.Table
	queues     map[string][]amqp.Delivery
	published  []published
	acked      []uint64
	nextTag    uint64
	publishErr error
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{declared: map[string]amqp.Table{}, queues: map[string][]amqp.Delivery{}}
}

func (f *fakeChannel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.declared[name] = args
	return amqp.Queue{Name: name}, nil
}

func (f *fakeChannel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.publishErr != nil {
		return f.publishErr
	}
	f.published = append(f.published, published{key: key, msg: msg})
	if _, ok := f.declared[key]; ok {
		f.queues[key] = append(f.queues[key], amqp.Delivery{Headers: msg.Headers, Body: msg.Body})
	}
	return nil
}

func (f *fakeChannel) Get(queue string, autoAck bool) (amqp.Delivery, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	msgs := f.queues[queue]
	if len(msgs) == 0 {
		return amqp.Delivery{}, false, nil
	}
	d := msgs[0]
	f.queues[queue] = msgs[1:]
	f.nextTag++
	d.DeliveryTag = f.nextTag
	d.Acknowledger = f
	return d, true, nil
}

func (f *fakeChannel) Close() error { return nil }

func (f *fakeChannel) Ack(tag uint64, multiple bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acked = append(f.acked, tag)
	return nil
}

func (f *fakeChannel) Nack(tag uint64, multiple, requeue bool) error { return nil }
func (f *fakeChannel) Reject(tag uint64, requeue bool) error         { return nil }

func (f *fakeChannel) expire(from, to string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queues[to] = append(f.queues[to], f.queues[from]...)
	f.queues[from] = nil
}

// remove deletes an idle queue the way x-expires does.
func (f *fakeChannel) remove(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.declared, name)
	delete(f.queues, name)
}

func (f *fakeChannel) depth(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.queues[name])
}

func newQueue(t *testing.T) (*Queue, *fakeChannel, time.Time) {
	t.Helper()
	ch := newFakeChannel()
	q, err := New(ch, "")
	require.NoError(t, err)
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	q.timeNow = func() time.Time { return now }
	return q, ch, now
}

func message() dispatch.Message {
	return dispatch.Message{TenantID: uuid.New(), JobID: uuid.New(), Cursor: 1}
}

func TestNew_DeclaresWorkAndDeadLetterQueues(t *testing.T) {
	_, ch, _ := newQueue(t)
	assert.Contains(t, ch.declared, DefaultQueue)
	assert.Contains(t, ch.declared, DefaultQueue+".dlq")
}

func TestEnqueue_ImmediateGoesToWorkQueue(t *testing.T) {
	q, ch, _ := newQueue(t)
	msg := message()

	require.NoError(t, q.Enqueue(context.Background(), msg, time.Time{}))

	require.Len(t, ch.published, 1)
	assert.Equal(t, DefaultQueue, ch.published[0].key)
	assert.Equal(t, uint8(amqp.Persistent), ch.published[0].msg.DeliveryMode)

	ds, err := q.Receive(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, ds, 1)
	got, err := ds[0].Message()
	require.NoError(t, err)
	assert.Equal(t, msg.JobID, got.JobID)
	assert.Equal(t, 1, ds[0].Attempt())
}

func TestEnqueue_FutureUsesDelayQueue(t *testing.T) {
	q, ch, now := newQueue(t)

	require.NoError(t, q.Enqueue(context.Background(), message(), now.Add(30*time.Second)))
	require.NoError(t, q.Enqueue(context.Background(), message(), now.Add(30*time.Second)))

	delay := DefaultQueue + ".delay.30000"
	args, ok := ch.declared[delay]
	require.True(t, ok, "delay queue declared")
	assert.Equal(t, int64(30000), args["x-message-ttl"])
	assert.Equal(t, DefaultQueue, args["x-dead-letter-routing-key"])
	assert.Equal(t, 2, ch.depth(delay))

	ds, err := q.Receive(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, ds, "delayed messages are not visible yet")

	ch.expire(delay, DefaultQueue)
	ds, err = q.Receive(context.Background(), 10)
	require.NoError(t, err)
	assert.Len(t, ds, 2)
}

func TestEnqueue_RedeclaresExpiredDelayQueue(t *testing.T) {
	q, ch, now := newQueue(t)
	delay := DefaultQueue + ".delay.30000"

	require.NoError(t, q.Enqueue(context.Background(), message(), now.Add(30*time.Second)))
	ch.expire(delay, DefaultQueue)
	ds, err := q.Receive(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, ds, 1)
	require.NoError(t, ds[0].Ack(context.Background()))

	// idle past x-expires
	ch.remove(delay)

	require.NoError(t, q.Enqueue(context.Background(), message(), now.Add(30*time.Second)))
	require.Equal(t, 1, ch.depth(delay), "second publish must not go to a deleted queue")

	ch.expire(delay, DefaultQueue)
	ds, err = q.Receive(context.Background(), 10)
	require.NoError(t, err)
	assert.Len(t, ds, 1)
}

func TestDelivery_RetryAfterDelayQueueExpired(t *testing.T) {
	q, ch, _ := newQueue(t)
	delay := DefaultQueue + ".delay.5000"

	for range 2 {
		require.NoError(t, q.Enqueue(context.Background(), message(), time.Time{}))
		ds, err := q.Receive(context.Background(), 1)
		require.NoError(t, err)
		require.Len(t, ds, 1)
		require.NoError(t, ds[0].Retry(context.Background(), 5*time.Second))
		require.Equal(t, 1, ch.depth(delay))
		ch.remove(delay)
	}
	assert.Len(t, ch.acked, 2)
}

func TestDelivery_RetryRepublishesWithAttempt(t *testing.T) {
	q, ch, _ := newQueue(t)
	require.NoError(t, q.Enqueue(context.Background(), message(), time.Time{}))

	ds, err := q.Receive(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, ds, 1)
	require.NoError(t, ds[0].Retry(context.Background(), 5*time.Second))

	assert.Equal(t, []uint64{1}, ch.acked)
	delay := DefaultQueue + ".delay.5000"
	require.Equal(t, 1, ch.depth(delay))

	ch.expire(delay, DefaultQueue)
	ds, err = q.Receive(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, ds, 1)
	assert.Equal(t, 2, ds[0].Attempt())
}

func TestDelivery_DeadLetter(t *testing.T) {
	q, ch, _ := newQueue(t)
	require.NoError(t, q.Enqueue(context.Background(), message(), time.Time{}))

	ds, err := q.Receive(context.Background(), 1)
	require.NoError(t, err)
	require.NoError(t, ds[0].DeadLetter(context.Background(), "unknown stage type"))

	require.Equal(t, 1, ch.depth(DefaultQueue+".dlq"))
	last := ch.published[len(ch.published)-1]
	assert.Equal(t, "unknown stage type", last.msg.Headers[headerReason])
	assert.Equal(t, []uint64{1}, ch.acked)
	assert.Equal(t, 0, ch.depth(DefaultQueue))
}

func TestDelivery_RetryPublishFailureLeavesMessageUnacked(t *testing.T) {
	q, ch, _ := newQueue(t)
	require.NoError(t, q.Enqueue(context.Background(), message(), time.Time{}))
	ds, err := q.Receive(context.Background(), 1)
	require.NoError(t, err)

	ch.publishErr = errors.New("channel closed")
	err = ds[0].Retry(context.Background(), time.Second)
	require.Error(t, err)
	assert.Empty(t, ch.acked)
}

func TestDelivery_MalformedBody(t *testing.T) {
	q, ch, _ := newQueue(t)
	ch.queues[DefaultQueue] = append(ch.queues[DefaultQueue], amqp.Delivery{Body: []byte("not json")})

	ds, err := q.Receive(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, ds, 1)
	_, err = ds[0].Message()
	assert.ErrorIs(t, err, dispatch.ErrMalformedMessage)
	assert.Equal(t, 1, ds[0].Attempt())
}

func TestReceive_CancelledContext(t *testing.T) {
	q, _, _ := newQueue(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := q.Receive(ctx, 1)
	assert.ErrorIs(t, err, context.Canceled)
}
