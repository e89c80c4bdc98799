// Package progress publishes job progress snapshots for dashboards and the API.
// Progress is advisory; the tenant store stays the source of truth.
package progress

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when no snapshot exists for a job.
var ErrNotFound = errors.New("progress not found")

// Snapshot is the latest known position of a job.
type Snapshot struct {
	TenantID   uuid.UUID `json:"tenant_id"`
	JobID      uuid.UUID `json:"job_id"`
	DocumentID uuid.UUID `json:"document_id"`
	State      string    `json:"state"`
	Cursor     int       `json:"cursor"`
	Total      int       `json:"total"`
	Stage      string    `json:"stage,omitempty"`
	Attempts   int       `json:"attempts"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Percent is the share of stages passed, 0-100.
func (s Snapshot) Percent() int {
	if s.Total == 0 {
		return 100
	}
	return s.Cursor * 100 / s.Total
}

// Tracker stores progress snapshots.
type Tracker interface {
	Record(ctx context.Context, s Snapshot) error
	Get(ctx context.Context, tenantID, jobID uuid.UUID) (*Snapshot, error)
}

// Noop discards snapshots.
type Noop struct{}

func (Noop) Record(ctx context.Context, s Snapshot) error { return nil }

func (Noop) Get(ctx context.Context, tenantID, jobID uuid.UUID) (*Snapshot, error) {
	return nil, ErrNotFound
}

// Memory keeps snapshots in process.
type Memory struct {
	mu    sync.RWMutex
	items map[string]Snapshot
}

// NewMemory creates an empty in-process tracker.
func NewMemory() *Memory {
	return &Memory{items: make(map[string]Snapshot)}
}

func (m *Memory) Record(ctx context.Context, s Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[Key(s.TenantID, s.JobID)] = s
	return nil
}

func (m *Memory) Get(ctx context.Context, tenantID, jobID uuid.UUID) (*Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.items[Key(tenantID, jobID)]
	if !ok {
		return nil, ErrNotFound
	}
	return &s, nil
}

// Key is the storage key of a job's snapshot. Keys are namespaced by tenant.
func Key(tenantID, jobID uuid.UUID) string {
	return "docflow:tenant:" + tenantID.String() + ":job:" + jobID.String() + ":progress"
}
