package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"docflow/internal/store"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

const documentColumns = "id, name, location, content_hash, media_type, size, metadata, state, created_at, updated_at"

var documentStates = []store.DocumentState{
	store.DocumentStatePending,
	store.DocumentStateQueued,
	store.DocumentStateProcessing,
	store.DocumentStateCompleted,
	store.DocumentStateFailed,
	store.DocumentStateCancelled,
}

func (s *TenantStore) CreateDocument(ctx context.Context, d *store.Document) error {
	if d.State == "" {
		d.State = store.DocumentStatePending
	}
	if d.Metadata == nil {
		d.Metadata = map[string]any{}
	}
	metadata, err := marshalJSON(d.Metadata)
	if err != nil {
		return err
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = s.timestamp()
	}
	d.UpdatedAt = d.CreatedAt

	_, err = s.exec.ExecContext(ctx, `
		INSERT INTO documents (id, name, location, content_hash, media_type, size, metadata, state, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, d.ID, d.Name, d.Location, d.ContentHash, d.MediaType, d.Size, metadata, d.State, d.CreatedAt, d.UpdatedAt)
	return err
}

func (s *TenantStore) GetDocument(ctx context.Context, id uuid.UUID) (*store.Document, error) {
	return s.getDocument(ctx, id, false)
}

func (s *TenantStore) getDocument(ctx context.Context, id uuid.UUID, forUpdate bool) (*store.Document, error) {
	query := "SELECT " + documentColumns + " FROM documents WHERE id = $1"
	if forUpdate {
		query += " FOR UPDATE"
	}

	var d store.Document
	var metadata []byte
	err := s.exec.QueryRowContext(ctx, query, id).Scan(
		&d.ID, &d.Name, &d.Location, &d.ContentHash, &d.MediaType, &d.Size,
		&metadata, &d.State, &d.CreatedAt, &d.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := unmarshalJSON(metadata, &d.Metadata); err != nil {
		return nil, err
	}
	if d.Metadata == nil {
		d.Metadata = map[string]any{}
	}
	return &d, nil
}

// SetDocumentState only updates rows whose current state may move to next.
func (s *TenantStore) SetDocumentState(ctx context.Context, id uuid.UUID, next store.DocumentState) error {
	var from []string
	for _, st := range documentStates {
		if st.CanTransition(next) {
			from = append(from, string(st))
		}
	}

	res, err := s.exec.ExecContext(ctx, `
		UPDATE documents
		SET state = $1, updated_at = $2
		WHERE id = $3 AND state = ANY($4)
	`, next, s.timestamp(), id, pq.Array(from))
	if err != nil {
		return err
	}
	err = checkAffected(res)
	if !errors.Is(err, store.ErrNotFound) {
		return err
	}

	current, err := s.GetDocument(ctx, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: document %s -> %s", store.ErrInvalidTransition, current.State, next)
}

func (s *TenantStore) MergeDocumentMetadata(ctx context.Context, id uuid.UUID, payload map[string]any, overwrite bool) ([]string, error) {
	var conflicts []string
	err := s.inTx(ctx, func(txs *TenantStore) error {
		d, err := txs.getDocument(ctx, id, true)
		if err != nil {
			return err
		}
		merged, c := store.MergeMetadata(d.Metadata, payload, overwrite)
		conflicts = c

		raw, err := marshalJSON(merged)
		if err != nil {
			return err
		}
		_, err = txs.exec.ExecContext(ctx, `
			UPDATE documents SET metadata = $1, updated_at = $2 WHERE id = $3
		`, raw, txs.timestamp(), id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return conflicts, nil
}
