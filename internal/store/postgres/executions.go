package postgres

import (
	"context"
	"fmt"

	"docflow/internal/store"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

const executionColumns = "id, job_id, cursor_pos, attempt, stage_type, config, input, output, error, state, created_at, started_at, finished_at"

func (s *TenantStore) CreateStageExecution(ctx context.Context, e *store.StageExecution) error {
	if e.State != store.StageExecutionPending {
		return fmt.Errorf("%w: stage execution must start pending, got %s", store.ErrInvalidTransition, e.State)
	}
	input, err := marshalJSON(e.Input)
	if err != nil {
		return err
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.timestamp()
	}

	_, err = s.exec.ExecContext(ctx, `
		INSERT INTO stage_executions (id, job_id, cursor_pos, attempt, stage_type, config, input, state, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, e.ID, e.JobID, e.Cursor, e.Attempt, e.StageType, nullableJSON(e.Config), input, e.State, e.CreatedAt)
	return err
}

// UpdateStageExecution writes the new state only if the stored state may move to it.
// Terminal executions therefore never change again.
func (s *TenantStore) UpdateStageExecution(ctx context.Context, e *store.StageExecution) error {
	var from []string
	for _, st := range []store.StageExecutionState{store.StageExecutionPending, store.StageExecutionRunning} {
		if st.CanTransition(e.State) {
			from = append(from, string(st))
		}
	}
	if len(from) == 0 {
		return fmt.Errorf("%w: stage execution cannot move to %s", store.ErrInvalidTransition, e.State)
	}

	var output []byte
	if e.Output != nil {
		var err error
		if output, err = marshalJSON(e.Output); err != nil {
			return err
		}
	}

	res, err := s.exec.ExecContext(ctx, `
		UPDATE stage_executions
		SET state = $1, output = $2, error = $3, started_at = $4, finished_at = $5
		WHERE id = $6 AND state = ANY($7)
	`, e.State, nullableJSON(output), e.Error, e.StartedAt, e.FinishedAt, e.ID, pq.Array(from))
	if err != nil {
		return err
	}
	if err := checkAffected(res); err != nil {
		return fmt.Errorf("%w: stage execution %s -> %s", store.ErrInvalidTransition, e.ID, e.State)
	}
	return nil
}

func (s *TenantStore) ListStageExecutions(ctx context.Context, jobID uuid.UUID) ([]store.StageExecution, error) {
	rows, err := s.exec.QueryContext(ctx, `
		SELECT `+executionColumns+`
		FROM stage_executions
		WHERE job_id = $1
		ORDER BY cursor_pos ASC, attempt ASC, created_at ASC
	`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.StageExecution
	for rows.Next() {
		var e store.StageExecution
		var config, input, output []byte
		if err := rows.Scan(
			&e.ID, &e.JobID, &e.Cursor, &e.Attempt, &e.StageType, &config, &input, &output,
			&e.Error, &e.State, &e.CreatedAt, &e.StartedAt, &e.FinishedAt,
		); err != nil {
			return nil, err
		}
		if len(config) > 0 {
			e.Config = config
		}
		if err := unmarshalJSON(input, &e.Input); err != nil {
			return nil, err
		}
		if err := unmarshalJSON(output, &e.Output); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func nullableJSON(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}
