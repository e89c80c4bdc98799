// Package postgres implements the store interfaces using PostgreSQL.
//
// The catalog database holds the tenant registry and the dispatch queue.
// Every tenant gets its own database holding pipelines, documents, jobs and
// stage executions; see Provisioner and Connector.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"docflow/internal/store"

	_ "github.com/lib/pq"
)

// Store is the catalog database: tenant registry and dispatch bookkeeping.
type Store struct {
	db *sql.DB
}

// Open connects to the catalog database and verifies the connection.
func Open(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := openDB(ctx, databaseURL)
	if err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

// NewWithDB wraps an existing connection pool.
func NewWithDB(db *sql.DB) *Store {
	return &Store{db: db}
}

// DB exposes the pool for migrations.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Ping checks the catalog database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// BeginTx starts a catalog transaction.
func (s *Store) BeginTx(ctx context.Context) (store.Tx, error) {
	return s.db.BeginTx(ctx, nil)
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *Store) getExecutor(tx store.DBTransaction) store.DBTransaction {
	if tx != nil {
		return tx
	}
	return s.db
}

func openDB(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxIdleTime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return db, nil
}
