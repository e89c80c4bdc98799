package postgres

import (
	"context"
	"database/sql"
	"errors"

	"docflow/internal/store"

	"github.com/google/uuid"
)

const pipelineColumns = "id, name, version, max_attempts, stages, created_at, updated_at"

func (s *TenantStore) CreatePipeline(ctx context.Context, p *store.PipelineDefinition) error {
	stages, err := marshalJSON(p.Stages)
	if err != nil {
		return err
	}
	if p.Version == 0 {
		p.Version = 1
	}
	now := s.timestamp()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = p.CreatedAt

	_, err = s.exec.ExecContext(ctx, `
		INSERT INTO pipelines (id, name, version, max_attempts, stages, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, p.ID, p.Name, p.Version, p.MaxAttempts, stages, p.CreatedAt, p.UpdatedAt)
	return err
}

func (s *TenantStore) GetPipeline(ctx context.Context, id uuid.UUID) (*store.PipelineDefinition, error) {
	row := s.exec.QueryRowContext(ctx, "SELECT "+pipelineColumns+" FROM pipelines WHERE id = $1", id)
	p, err := scanPipeline(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	return p, err
}

// UpdatePipeline replaces name, limits and stages and bumps the version.
// Jobs already created keep their snapshot.
func (s *TenantStore) UpdatePipeline(ctx context.Context, p *store.PipelineDefinition) error {
	stages, err := marshalJSON(p.Stages)
	if err != nil {
		return err
	}
	p.UpdatedAt = s.timestamp()

	err = s.exec.QueryRowContext(ctx, `
		UPDATE pipelines
		SET name = $1, max_attempts = $2, stages = $3, updated_at = $4, version = version + 1
		WHERE id = $5
		RETURNING version, created_at
	`, p.Name, p.MaxAttempts, stages, p.UpdatedAt, p.ID).Scan(&p.Version, &p.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrNotFound
	}
	return err
}

func (s *TenantStore) ListPipelines(ctx context.Context) ([]store.PipelineDefinition, error) {
	rows, err := s.exec.QueryContext(ctx, "SELECT "+pipelineColumns+" FROM pipelines ORDER BY created_at ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.PipelineDefinition
	for rows.Next() {
		p, err := scanPipeline(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

func scanPipeline(row rowScanner) (*store.PipelineDefinition, error) {
	var p store.PipelineDefinition
	var stages []byte
	if err := row.Scan(&p.ID, &p.Name, &p.Version, &p.MaxAttempts, &stages, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(stages, &p.Stages); err != nil {
		return nil, err
	}
	return &p, nil
}
