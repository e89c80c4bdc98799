package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"docflow/internal/store"
)

// TenantStore implements store.TenantRepository on one tenant database.
type TenantStore struct {
	db   *sql.DB
	exec store.DBTransaction
	now  func() time.Time
}

var _ store.TenantRepository = (*TenantStore)(nil)

// NewTenantStore wraps a tenant database pool.
func NewTenantStore(db *sql.DB) *TenantStore {
	return &TenantStore{db: db, exec: db, now: time.Now}
}

// Close closes the pool. It is a no-op on a transaction-bound store.
func (s *TenantStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// InTx runs fn in one transaction. Nested calls reuse the outer transaction.
func (s *TenantStore) InTx(ctx context.Context, fn func(repo store.TenantRepository) error) error {
	return s.inTx(ctx, func(txs *TenantStore) error { return fn(txs) })
}

func (s *TenantStore) inTx(ctx context.Context, fn func(txs *TenantStore) error) error {
	if s.db == nil {
		return fn(s)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := fn(&TenantStore{exec: tx, now: s.now}); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *TenantStore) timestamp() time.Time {
	return s.now().UTC()
}

// checkAffected maps "no row updated" to store.ErrNotFound.
func checkAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func marshalJSON(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode json column: %w", err)
	}
	return b, nil
}

func unmarshalJSON(raw []byte, v any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode json column: %w", err)
	}
	return nil
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}
