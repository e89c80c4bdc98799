// Package store contains the database layer for docflow.
package store

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Tenant represents a customer account with its own isolated data store.
// The store descriptor is assigned once at creation and never changes.
type Tenant struct {
	ID             uuid.UUID
	Name           string
	Store          StoreDescriptor
	Status         TenantStatus
	RateLimit      float64
	RateLimitBurst int
	CreatedAt      time.Time
	RetiredAt      *time.Time
}

// StoreDescriptor locates a tenant's isolated database.
type StoreDescriptor struct {
	Database string `json:"database"`
}

// TenantStatus is either active or retired. Tenants are never hard-deleted.
type TenantStatus string

const (
	TenantStatusActive  TenantStatus = "active"
	TenantStatusRetired TenantStatus = "retired"
)

// Condition is a skip policy evaluated against document metadata before a stage starts.
// A stage whose condition does not hold is recorded as skipped.
type Condition struct {
	Key    string `json:"key" yaml:"key"`
	Exists *bool  `json:"exists,omitempty" yaml:"exists,omitempty"`
	Equals any    `json:"equals,omitempty" yaml:"equals,omitempty"`
}

// Holds reports whether the condition is satisfied by metadata.
func (c *Condition) Holds(metadata map[string]any) bool {
	if c == nil {
		return true
	}
	v, ok := metadata[c.Key]
	if c.Exists != nil && *c.Exists != ok {
		return false
	}
	if c.Equals != nil {
		if !ok {
			return false
		}
		a, _ := json.Marshal(v)
		b, _ := json.Marshal(c.Equals)
		return bytes.Equal(a, b)
	}
	if c.Exists == nil && c.Equals == nil {
		return ok
	}
	return true
}

// StageConfig is one entry of a pipeline: a stage type plus its configuration blob.
type StageConfig struct {
	Type           string          `json:"type"`
	Name           string          `json:"name,omitempty"`
	Config         json.RawMessage `json:"config,omitempty"`
	AllowOverwrite bool            `json:"allow_overwrite,omitempty"`
	TimeoutSeconds int             `json:"timeout_seconds,omitempty"`
	When           *Condition      `json:"when,omitempty"`
}

// Clone returns a deep copy that shares no memory with s.
func (s StageConfig) Clone() StageConfig {
	out := s
	if s.Config != nil {
		out.Config = append(json.RawMessage(nil), s.Config...)
	}
	if s.When != nil {
		when := *s.When
		if s.When.Exists != nil {
			exists := *s.When.Exists
			when.Exists = &exists
		}
		if s.When.Equals != nil {
			// Equals comes from decoded JSON/YAML; round-trip to detach nested maps and slices.
			raw, err := json.Marshal(s.When.Equals)
			if err == nil {
				var v any
				if json.Unmarshal(raw, &v) == nil {
					when.Equals = v
				}
			}
		}
		out.When = &when
	}
	return out
}

// Label returns the stage name, falling back to its type.
func (s StageConfig) Label() string {
	if s.Name != "" {
		return s.Name
	}
	return s.Type
}

// PipelineDefinition is an ordered, editable list of stage configurations owned by a tenant.
type PipelineDefinition struct {
	ID          uuid.UUID
	Name        string
	Version     int
	MaxAttempts int
	Stages      []StageConfig
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// PipelineSnapshot is the immutable copy of a definition captured when a job is created.
type PipelineSnapshot struct {
	PipelineID      uuid.UUID     `json:"pipeline_id"`
	PipelineName    string        `json:"pipeline_name"`
	PipelineVersion int           `json:"pipeline_version"`
	Stages          []StageConfig `json:"stages"`
	CapturedAt      time.Time     `json:"captured_at"`
}

// Snapshot deep-copies the definition's stage list.
func (p *PipelineDefinition) Snapshot(now time.Time) PipelineSnapshot {
	stages := make([]StageConfig, len(p.Stages))
	for i, s := range p.Stages {
		stages[i] = s.Clone()
	}
	return PipelineSnapshot{
		PipelineID:      p.ID,
		PipelineName:    p.Name,
		PipelineVersion: p.Version,
		Stages:          stages,
		CapturedAt:      now,
	}
}

// Document is the unit of work: a content reference plus accumulated metadata.
type Document struct {
	ID          uuid.UUID
	Name        string
	Location    string
	ContentHash string
	MediaType   string
	Size        int64
	Metadata    map[string]any
	State       DocumentState
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Job is one execution attempt of a pipeline snapshot against one document.
type Job struct {
	ID          uuid.UUID
	DocumentID  uuid.UUID
	Snapshot    PipelineSnapshot
	Cursor      int
	Attempts    int
	MaxAttempts int
	State       JobState
	ErrorLog    []ErrorLogEntry
	// Version is bumped on every persisted change and used for compare-and-set updates.
	Version    int
	LeaseOwner string
	LeaseUntil *time.Time
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Done reports whether the cursor has moved past the last stage.
func (j *Job) Done() bool {
	return j.Cursor >= len(j.Snapshot.Stages)
}

// ErrorLogEntry is one append-only record of a stage failure.
type ErrorLogEntry struct {
	At        time.Time `json:"at"`
	Attempt   int       `json:"attempt"`
	Cursor    int       `json:"cursor"`
	StageType string    `json:"stage_type"`
	Message   string    `json:"message"`
}

// StageExecution is a persisted record of one attempt to run one stage of one job.
type StageExecution struct {
	ID         uuid.UUID
	JobID      uuid.UUID
	Cursor     int
	Attempt    int
	StageType  string
	Config     json.RawMessage
	Input      map[string]any
	Output     map[string]any
	Error      *string
	State      StageExecutionState
	CreatedAt  time.Time
	StartedAt  *time.Time
	FinishedAt *time.Time
}

// Duration is the wall time between start and finish, zero if either is unknown.
func (e *StageExecution) Duration() time.Duration {
	if e.StartedAt == nil || e.FinishedAt == nil {
		return 0
	}
	return e.FinishedAt.Sub(*e.StartedAt)
}

// DLQEntry is a dispatch message that was dead-lettered.
type DLQEntry struct {
	ID       int64
	TenantID uuid.UUID
	JobID    uuid.UUID
	Payload  json.RawMessage
	Reason   string
	Attempts int
	FailedAt time.Time
}
