package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct{ now time.Time }

func (c *clock) Now() time.Time          { return c.now }
func (c *clock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestQueue() (*MemoryQueue, *clock) {
	c := &clock{now: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
	q := NewMemoryQueue(time.Minute)
	q.SetClock(c.Now)
	return q, c
}

func TestMemoryQueue_DeliversInOrder(t *testing.T) {
	q, _ := newTestQueue()
	ctx := context.Background()
	first := Message{TenantID: uuid.New(), JobID: uuid.New()}
	second := Message{TenantID: uuid.New(), JobID: uuid.New()}
	require.NoError(t, q.Enqueue(ctx, first, time.Time{}))
	require.NoError(t, q.Enqueue(ctx, second, time.Time{}))

	ds, err := q.Receive(ctx, 10)
	require.NoError(t, err)
	require.Len(t, ds, 2)
	m0, _ := ds[0].Message()
	m1, _ := ds[1].Message()
	assert.Equal(t, first.JobID, m0.JobID)
	assert.Equal(t, second.JobID, m1.JobID)
}

func TestMemoryQueue_RespectsVisibleAfter(t *testing.T) {
	q, c := newTestQueue()
	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, Message{TenantID: uuid.New(), JobID: uuid.New()}, c.Now().Add(10*time.Second)))

	ds, err := q.Receive(ctx, 1)
	require.NoError(t, err)
	assert.Empty(t, ds)

	c.Advance(10 * time.Second)
	ds, err = q.Receive(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, ds, 1)
}

func TestMemoryQueue_UnackedMessageIsRedelivered(t *testing.T) {
	q, c := newTestQueue()
	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, Message{TenantID: uuid.New(), JobID: uuid.New()}, time.Time{}))

	ds, _ := q.Receive(ctx, 1)
	require.Len(t, ds, 1)
	assert.Equal(t, 1, ds[0].Attempt())

	ds, _ = q.Receive(ctx, 1)
	assert.Empty(t, ds, "hidden during the visibility timeout")

	c.Advance(time.Minute)
	ds, _ = q.Receive(ctx, 1)
	require.Len(t, ds, 1)
	assert.Equal(t, 2, ds[0].Attempt())
}

func TestMemoryQueue_ExtendKeepsMessageHidden(t *testing.T) {
	q, c := newTestQueue()
	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, Message{TenantID: uuid.New(), JobID: uuid.New()}, time.Time{}))

	ds, _ := q.Receive(ctx, 1)
	require.Len(t, ds, 1)
	c.Advance(50 * time.Second)
	require.NoError(t, ds[0].Extend(ctx, time.Minute))
	c.Advance(50 * time.Second)

	again, _ := q.Receive(ctx, 1)
	assert.Empty(t, again)
}

func TestMemoryQueue_AckRetryDeadLetter(t *testing.T) {
	q, c := newTestQueue()
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		require.NoError(t, q.Enqueue(ctx, Message{TenantID: uuid.New(), JobID: uuid.New(), Cursor: i}, time.Time{}))
	}
	ds, _ := q.Receive(ctx, 3)
	require.Len(t, ds, 3)

	require.NoError(t, ds[0].Ack(ctx))
	require.NoError(t, ds[1].Retry(ctx, 5*time.Second))
	require.NoError(t, ds[2].DeadLetter(ctx, "bad config"))
	assert.Equal(t, 1, q.Len())

	dead := q.DeadLetters()
	require.Len(t, dead, 1)
	assert.Equal(t, "bad config", dead[0].Reason)

	c.Advance(5 * time.Second)
	ds, _ = q.Receive(ctx, 3)
	require.Len(t, ds, 1)
	m, _ := ds[0].Message()
	assert.Equal(t, 1, m.Cursor)
}

func TestMemoryQueue_ReceiveCancelled(t *testing.T) {
	q, _ := newTestQueue()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := q.Receive(ctx, 1)
	assert.ErrorIs(t, err, context.Canceled)
}
