package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"docflow/internal/store"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

const jobColumns = "id, document_id, snapshot, cursor_pos, attempts, max_attempts, state, error_log, version, lease_owner, lease_until, created_at, updated_at"

// uniqueViolation is raised by idx_jobs_document_active.
const errUniqueViolation = "23505"

func (s *TenantStore) CreateJob(ctx context.Context, j *store.Job) error {
	snapshot, err := marshalJSON(j.Snapshot)
	if err != nil {
		return err
	}
	if j.ErrorLog == nil {
		j.ErrorLog = []store.ErrorLogEntry{}
	}
	errorLog, err := marshalJSON(j.ErrorLog)
	if err != nil {
		return err
	}
	j.Version = 1
	if j.CreatedAt.IsZero() {
		j.CreatedAt = s.timestamp()
	}
	j.UpdatedAt = j.CreatedAt

	_, err = s.exec.ExecContext(ctx, `
		INSERT INTO jobs (id, document_id, snapshot, cursor_pos, attempts, max_attempts, state, error_log, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, j.ID, j.DocumentID, snapshot, j.Cursor, j.Attempts, j.MaxAttempts, j.State, errorLog, j.Version, j.CreatedAt, j.UpdatedAt)

	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == errUniqueViolation {
		return fmt.Errorf("%w: document %s already has an active job", store.ErrConflict, j.DocumentID)
	}
	return err
}

func (s *TenantStore) GetJob(ctx context.Context, id uuid.UUID) (*store.Job, error) {
	j, err := scanJob(s.exec.QueryRowContext(ctx, "SELECT "+jobColumns+" FROM jobs WHERE id = $1", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	return j, err
}

// UpdateJob is a compare-and-set on the version column.
func (s *TenantStore) UpdateJob(ctx context.Context, j *store.Job) error {
	existing, err := s.GetJob(ctx, j.ID)
	if err != nil {
		return err
	}
	if existing.Version != j.Version {
		return store.ErrConflict
	}
	if err := store.ValidateJobUpdate(existing, j); err != nil {
		return err
	}

	errorLog, err := marshalJSON(j.ErrorLog)
	if err != nil {
		return err
	}
	updatedAt := s.timestamp()

	res, err := s.exec.ExecContext(ctx, `
		UPDATE jobs
		SET cursor_pos = $1, attempts = $2, state = $3, error_log = $4,
		    lease_owner = $5, lease_until = $6, updated_at = $7, version = version + 1
		WHERE id = $8 AND version = $9
	`, j.Cursor, j.Attempts, j.State, errorLog, j.LeaseOwner, j.LeaseUntil, updatedAt, j.ID, j.Version)
	if err != nil {
		return err
	}
	if err := checkAffected(res); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return store.ErrConflict
		}
		return err
	}

	j.Version++
	j.UpdatedAt = updatedAt
	return nil
}

func (s *TenantStore) ListJobs(ctx context.Context, filter store.JobFilter) ([]store.Job, error) {
	var where []string
	var args []any
	if filter.DocumentID != nil {
		args = append(args, *filter.DocumentID)
		where = append(where, fmt.Sprintf("document_id = $%d", len(args)))
	}
	if len(filter.States) > 0 {
		states := make([]string, len(filter.States))
		for i, st := range filter.States {
			states[i] = string(st)
		}
		args = append(args, pq.Array(states))
		where = append(where, fmt.Sprintf("state = ANY($%d)", len(args)))
	}

	query := "SELECT " + jobColumns + " FROM jobs"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.exec.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []store.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *j)
	}
	return jobs, rows.Err()
}

func (s *TenantStore) HasActiveJob(ctx context.Context, documentID uuid.UUID) (bool, error) {
	var active bool
	err := s.exec.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM jobs WHERE document_id = $1 AND state = ANY($2))
	`, documentID, pq.Array([]string{
		string(store.JobStatePending),
		string(store.JobStateQueued),
		string(store.JobStateRunning),
	})).Scan(&active)
	return active, err
}

func scanJob(row rowScanner) (*store.Job, error) {
	var j store.Job
	var snapshot, errorLog []byte
	err := row.Scan(
		&j.ID, &j.DocumentID, &snapshot, &j.Cursor, &j.Attempts, &j.MaxAttempts,
		&j.State, &errorLog, &j.Version, &j.LeaseOwner, &j.LeaseUntil,
		&j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := unmarshalJSON(snapshot, &j.Snapshot); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(errorLog, &j.ErrorLog); err != nil {
		return nil, err
	}
	return &j, nil
}
