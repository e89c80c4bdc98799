package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned when a tenant-scoped record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrTenantNotFound is returned by the registry for an unknown tenant id.
	ErrTenantNotFound = errors.New("tenant not found")

	// ErrTenantRetired is returned when work is routed to a soft-retired tenant.
	ErrTenantRetired = errors.New("tenant retired")

	// ErrConflict is returned when a compare-and-set update lost against a concurrent writer.
	ErrConflict = errors.New("concurrent modification")

	// ErrInvalidTransition is returned when a state change is not allowed by the state machine.
	ErrInvalidTransition = errors.New("invalid state transition")
)

// DBTransaction defines the methods shared by *sql.DB and *sql.Tx
// This allows us to pass either a connection pool or an active transaction to the repository methods.
type DBTransaction interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

type Tx interface {
	DBTransaction
	Commit() error
	Rollback() error
}

// TenantRegistry is the durable catalogue of tenants and their store descriptors.
type TenantRegistry interface {
	// CreateTenant inserts a new tenant. The store descriptor cannot be changed afterwards.
	CreateTenant(ctx context.Context, tenant *Tenant, hashedKey string) error

	// LookupTenant returns a tenant by its ID or ErrTenantNotFound.
	LookupTenant(ctx context.Context, id uuid.UUID) (*Tenant, error)

	// GetTenantByAPIKeyHash returns a tenant by its API key hash.
	GetTenantByAPIKeyHash(ctx context.Context, hash string) (*Tenant, error)

	// RetireTenant soft-retires a tenant.
	RetireTenant(ctx context.Context, id uuid.UUID, at time.Time) error
}

// JobFilter narrows ListJobs.
type JobFilter struct {
	DocumentID *uuid.UUID
	States     []JobState
	Limit      int
}

// TenantRepository is the data-access layer of one tenant's isolated store.
// Implementations are only ever obtained through the tenant router's scope.
type TenantRepository interface {
	// InTx runs fn against a repository bound to a single transaction.
	InTx(ctx context.Context, fn func(repo TenantRepository) error) error

	CreatePipeline(ctx context.Context, p *PipelineDefinition) error
	GetPipeline(ctx context.Context, id uuid.UUID) (*PipelineDefinition, error)
	// UpdatePipeline replaces the stage list and bumps the version.
	UpdatePipeline(ctx context.Context, p *PipelineDefinition) error
	ListPipelines(ctx context.Context) ([]PipelineDefinition, error)

	CreateDocument(ctx context.Context, d *Document) error
	GetDocument(ctx context.Context, id uuid.UUID) (*Document, error)
	// SetDocumentState moves a document along its state machine.
	SetDocumentState(ctx context.Context, id uuid.UUID, state DocumentState) error
	// MergeDocumentMetadata adds keys to the document metadata. Existing keys are kept
	// unless overwrite is set; the conflicting keys are returned.
	MergeDocumentMetadata(ctx context.Context, id uuid.UUID, payload map[string]any, overwrite bool) ([]string, error)

	CreateJob(ctx context.Context, j *Job) error
	GetJob(ctx context.Context, id uuid.UUID) (*Job, error)
	// UpdateJob persists j if its Version still matches the stored row, then bumps it.
	// Returns ErrConflict when another writer got there first.
	UpdateJob(ctx context.Context, j *Job) error
	ListJobs(ctx context.Context, filter JobFilter) ([]Job, error)
	// HasActiveJob reports whether a non-terminal job exists for the document.
	HasActiveJob(ctx context.Context, documentID uuid.UUID) (bool, error)

	CreateStageExecution(ctx context.Context, e *StageExecution) error
	UpdateStageExecution(ctx context.Context, e *StageExecution) error
	ListStageExecutions(ctx context.Context, jobID uuid.UUID) ([]StageExecution, error)
}
