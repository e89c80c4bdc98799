package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"docflow/internal/dispatch"
	"docflow/internal/store"

	"github.com/google/uuid"
)

// ListDLQ returns dead-lettered dispatch messages, newest first.
// A nil tenantID lists every tenant.
func (s *Store) ListDLQ(ctx context.Context, tenantID *uuid.UUID, limit, offset int) ([]store.DLQEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT id, tenant_id, job_id, payload, reason, attempts, failed_at
		FROM dispatch_dlq
		WHERE ($1::uuid IS NULL OR tenant_id = $1)
		ORDER BY failed_at DESC
		LIMIT $2 OFFSET $3
	`

	rows, err := s.db.QueryContext(ctx, query, tenantID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []store.DLQEntry
	for rows.Next() {
		var e store.DLQEntry
		if err := rows.Scan(&e.ID, &e.TenantID, &e.JobID, &e.Payload, &e.Reason, &e.Attempts, &e.FailedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// CountDLQ returns the number of dead-lettered messages.
func (s *Store) CountDLQ(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, "SELECT count(*) FROM dispatch_dlq").Scan(&n)
	return n, err
}

// RetryFromDLQ puts a dead message back on the dispatch queue and removes the DLQ row.
func (s *Store) RetryFromDLQ(ctx context.Context, id int64) (*store.DLQEntry, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var e store.DLQEntry
	err = tx.QueryRowContext(ctx, `
		SELECT id, tenant_id, job_id, payload, reason, attempts, failed_at
		FROM dispatch_dlq
		WHERE id = $1
		FOR UPDATE
	`, id).Scan(&e.ID, &e.TenantID, &e.JobID, &e.Payload, &e.Reason, &e.Attempts, &e.FailedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	msg, err := dispatch.Decode(e.Payload)
	if err != nil {
		return nil, err
	}
	if err := s.Queue(0).EnqueueTx(ctx, tx, msg, time.Time{}); err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM dispatch_dlq WHERE id = $1", id); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &e, nil
}
