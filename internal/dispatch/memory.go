package dispatch

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryQueue is an in-process Queue for tests and single-binary development setups.
// It keeps the same visibility-timeout semantics as the durable backends.
type MemoryQueue struct {
	mu                sync.Mutex
	seq               int64
	items             map[int64]*memoryItem
	dead              []DeadLetter
	visibilityTimeout time.Duration
	now               func() time.Time
}

// DeadLetter is a message that was removed from circulation.
type DeadLetter struct {
	Payload []byte
	Reason  string
	Attempt int
}

type memoryItem struct {
	id           int64
	payload      []byte
	visibleAfter time.Time
	attempt      int
}

// NewMemoryQueue creates an empty queue. A zero visibility timeout defaults to 5 minutes.
func NewMemoryQueue(visibilityTimeout time.Duration) *MemoryQueue {
	if visibilityTimeout <= 0 {
		visibilityTimeout = 5 * time.Minute
	}
	return &MemoryQueue{
		items:             make(map[int64]*memoryItem),
		visibilityTimeout: visibilityTimeout,
		now:               time.Now,
	}
}

// SetClock overrides the time source.
func (q *MemoryQueue) SetClock(now func() time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.now = now
}

// Enqueue implements Enqueuer.
func (q *MemoryQueue) Enqueue(ctx context.Context, msg Message, visibleAfter time.Time) error {
	payload, err := msg.Encode()
	if err != nil {
		return err
	}
	q.EnqueueRaw(payload, visibleAfter)
	return nil
}

// EnqueueRaw adds an arbitrary payload, including ones that will not decode.
func (q *MemoryQueue) EnqueueRaw(payload []byte, visibleAfter time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.now()
	if visibleAfter.IsZero() {
		visibleAfter = now
	}
	q.seq++
	q.items[q.seq] = &memoryItem{
		id:           q.seq,
		payload:      append([]byte(nil), payload...),
		visibleAfter: visibleAfter,
	}
}

// Receive implements Queue. Items are handed out oldest first.
func (q *MemoryQueue) Receive(ctx context.Context, limit int) ([]Delivery, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 1
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.now()

	ready := make([]*memoryItem, 0)
	for _, item := range q.items {
		if !item.visibleAfter.After(now) {
			ready = append(ready, item)
		}
	}
	sort.Slice(ready, func(i, j int) bool { return ready[i].id < ready[j].id })
	if len(ready) > limit {
		ready = ready[:limit]
	}

	deliveries := make([]Delivery, 0, len(ready))
	for _, item := range ready {
		item.attempt++
		item.visibleAfter = now.Add(q.visibilityTimeout)
		deliveries = append(deliveries, &memoryDelivery{queue: q, id: item.id, payload: item.payload, attempt: item.attempt})
	}
	return deliveries, nil
}

// Len returns the number of messages still in circulation, visible or not.
func (q *MemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// DeadLetters returns a copy of the dead-lettered messages.
func (q *MemoryQueue) DeadLetters() []DeadLetter {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]DeadLetter(nil), q.dead...)
}

type memoryDelivery struct {
	queue   *MemoryQueue
	id      int64
	payload []byte
	attempt int
}

func (d *memoryDelivery) Message() (Message, error) { return Decode(d.payload) }
func (d *memoryDelivery) Payload() []byte           { return d.payload }
func (d *memoryDelivery) Attempt() int              { return d.attempt }

func (d *memoryDelivery) Ack(ctx context.Context) error {
	d.queue.mu.Lock()
	defer d.queue.mu.Unlock()
	delete(d.queue.items, d.id)
	return nil
}

func (d *memoryDelivery) Retry(ctx context.Context, delay time.Duration) error {
	d.queue.mu.Lock()
	defer d.queue.mu.Unlock()
	if item, ok := d.queue.items[d.id]; ok {
		item.visibleAfter = d.queue.now().Add(delay)
	}
	return nil
}

func (d *memoryDelivery) DeadLetter(ctx context.Context, reason string) error {
	d.queue.mu.Lock()
	defer d.queue.mu.Unlock()
	if _, ok := d.queue.items[d.id]; !ok {
		return nil
	}
	delete(d.queue.items, d.id)
	d.queue.dead = append(d.queue.dead, DeadLetter{Payload: d.payload, Reason: reason, Attempt: d.attempt})
	return nil
}

func (d *memoryDelivery) Extend(ctx context.Context, ext time.Duration) error {
	d.queue.mu.Lock()
	defer d.queue.mu.Unlock()
	if item, ok := d.queue.items[d.id]; ok {
		item.visibleAfter = d.queue.now().Add(ext)
	}
	return nil
}
