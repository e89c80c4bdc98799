package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"docflow/internal/dispatch"
	"docflow/internal/store"

	"github.com/lib/pq"
)

// VisibilityTimeout is how long a received message stays hidden before it is redelivered.
const VisibilityTimeout = 5 * time.Minute

// Queue is the dispatch queue backed by the catalog's dispatch_queue table.
type Queue struct {
	db                *sql.DB
	visibilityTimeout time.Duration
}

var _ dispatch.Queue = (*Queue)(nil)

// NewQueue creates a queue. A zero visibility timeout uses VisibilityTimeout.
func NewQueue(db *sql.DB, visibilityTimeout time.Duration) *Queue {
	if visibilityTimeout <= 0 {
		visibilityTimeout = VisibilityTimeout
	}
	return &Queue{db: db, visibilityTimeout: visibilityTimeout}
}

// Queue returns a dispatch queue on the catalog database.
func (s *Store) Queue(visibilityTimeout time.Duration) *Queue {
	return NewQueue(s.db, visibilityTimeout)
}

// Enqueue adds a message to dispatch_queue.
func (q *Queue) Enqueue(ctx context.Context, msg dispatch.Message, visibleAfter time.Time) error {
	return q.EnqueueTx(ctx, nil, msg, visibleAfter)
}

// EnqueueTx adds a message using tx when one is given. visible_after is computed by the
// database from the remaining delay, so it shares a clock with Receive.
func (q *Queue) EnqueueTx(ctx context.Context, tx store.DBTransaction, msg dispatch.Message, visibleAfter time.Time) error {
	var delay time.Duration
	if !visibleAfter.IsZero() {
		delay = max(time.Until(visibleAfter), 0)
	}
	payload, err := msg.Encode()
	if err != nil {
		return err
	}

	var executor store.DBTransaction = q.db
	if tx != nil {
		executor = tx
	}

	_, err = executor.ExecContext(ctx, `
		INSERT INTO dispatch_queue (tenant_id, job_id, payload, visible_after)
		VALUES ($1, $2, $3, NOW() + ($4 * INTERVAL '1 second'))
	`, msg.TenantID, msg.JobID, payload, delay.Seconds())
	if err != nil {
		return fmt.Errorf("failed to enqueue job %s: %w", msg.JobID, err)
	}
	return nil
}

// Depth returns the number of messages waiting in the queue, visible or not.
func (q *Queue) Depth(ctx context.Context) (int64, error) {
	var n int64
	err := q.db.QueryRowContext(ctx, "SELECT count(*) FROM dispatch_queue").Scan(&n)
	return n, err
}

// Receive claims up to limit visible messages using SELECT ... FOR UPDATE SKIP LOCKED.
func (q *Queue) Receive(ctx context.Context, limit int) ([]dispatch.Delivery, error) {
	if limit <= 0 {
		limit = 1
	}

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT id, payload, attempt
		FROM dispatch_queue
		WHERE visible_after <= NOW()
		ORDER BY created_at ASC
		FOR UPDATE SKIP LOCKED
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("batch dequeue query failed: %w", err)
	}
	defer rows.Close()

	var deliveries []dispatch.Delivery
	var ids []int64
	for rows.Next() {
		d := &delivery{q: q}
		if err := rows.Scan(&d.id, &d.payload, &d.attempt); err != nil {
			return nil, fmt.Errorf("batch dequeue scan failed: %w", err)
		}
		d.attempt++
		deliveries = append(deliveries, d)
		ids = append(ids, d.id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("batch dequeue rows error: %w", err)
	}

	if len(deliveries) == 0 {
		return nil, nil
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE dispatch_queue
		SET visible_after = NOW() + ($1 * INTERVAL '1 second'), attempt = attempt + 1
		WHERE id = ANY($2)
	`, q.visibilityTimeout.Seconds(), pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("batch visibility update failed: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return deliveries, nil
}

type delivery struct {
	q       *Queue
	id      int64
	payload json.RawMessage
	attempt int
}

func (d *delivery) Message() (dispatch.Message, error) { return dispatch.Decode(d.payload) }
func (d *delivery) Payload() []byte                    { return d.payload }
func (d *delivery) Attempt() int                       { return d.attempt }

func (d *delivery) Ack(ctx context.Context) error {
	_, err := d.q.db.ExecContext(ctx, "DELETE FROM dispatch_queue WHERE id = $1", d.id)
	return err
}

func (d *delivery) Retry(ctx context.Context, delay time.Duration) error {
	return d.Extend(ctx, delay)
}

// DeadLetter moves the message into dispatch_dlq.
func (d *delivery) DeadLetter(ctx context.Context, reason string) error {
	tx, err := d.q.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO dispatch_dlq (tenant_id, job_id, payload, reason, attempts)
		SELECT tenant_id, job_id, payload, $1, attempt
		FROM dispatch_queue
		WHERE id = $2
	`, reason, d.id)
	if err != nil {
		return fmt.Errorf("failed to move message %d to dlq: %w", d.id, err)
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM dispatch_queue WHERE id = $1", d.id); err != nil {
		return fmt.Errorf("failed to delete dead message from queue: %w", err)
	}
	return tx.Commit()
}

// Extend is the heartbeat: it pushes visible_after out by dur from now.
func (d *delivery) Extend(ctx context.Context, dur time.Duration) error {
	_, err := d.q.db.ExecContext(ctx, `
		UPDATE dispatch_queue
		SET visible_after = NOW() + ($1 * INTERVAL '1 second')
		WHERE id = $2
	`, dur.Seconds(), d.id)
	return err
}
