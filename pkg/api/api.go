// Package api contains shared JSON request/response structs.
// This package is shared between the CLI and Controller.
package api

import "time"

// CreateTenantRequest is the request body for creating a new tenant.
// Zero rate limits fall back to the controller defaults.
type CreateTenantRequest struct {
	Name           string  `json:"name"`
	RateLimit      float64 `json:"rate_limit,omitempty"`
	RateLimitBurst int     `json:"rate_limit_burst,omitempty"`
}

// CreateTenantResponse is the response body after creating a tenant.
type CreateTenantResponse struct {
	ID       string `json:"tenant_id"`
	Name     string `json:"name"`
	Database string `json:"database"`
	ApiKey   string `json:"api_key"`
}

// TenantResponse represents a tenant in API responses.
type TenantResponse struct {
	ID             string     `json:"tenant_id"`
	Name           string     `json:"name"`
	Status         string     `json:"status"`
	Database       string     `json:"database"`
	RateLimit      float64    `json:"rate_limit"`
	RateLimitBurst int        `json:"rate_limit_burst"`
	CreatedAt      time.Time  `json:"created_at"`
	RetiredAt      *time.Time `json:"retired_at,omitempty"`
}

// Condition skips a stage unless the document metadata matches.
type Condition struct {
	Key    string `json:"key" yaml:"key"`
	Exists *bool  `json:"exists,omitempty" yaml:"exists,omitempty"`
	Equals any    `json:"equals,omitempty" yaml:"equals,omitempty"`
}

// StageConfig is one stage of a pipeline.
type StageConfig struct {
	Type           string         `json:"type" yaml:"type"`
	Name           string         `json:"name,omitempty" yaml:"name,omitempty"`
	Config         map[string]any `json:"config,omitempty" yaml:"config,omitempty"`
	AllowOverwrite bool           `json:"allow_overwrite,omitempty" yaml:"allow_overwrite,omitempty"`
	TimeoutSeconds int            `json:"timeout_seconds,omitempty" yaml:"timeout_seconds,omitempty"`
	When           *Condition     `json:"when,omitempty" yaml:"when,omitempty"`
}

// PipelineRequest is the body of both POST /pipelines and PUT /pipelines/{id}.
// It doubles as the file format of `docctl pipeline apply`.
type PipelineRequest struct {
	// ID is only read by the CLI: a set ID makes apply update instead of create.
	ID          string        `json:"id,omitempty" yaml:"id,omitempty"`
	Name        string        `json:"name" yaml:"name"`
	MaxAttempts int           `json:"max_attempts,omitempty" yaml:"max_attempts,omitempty"`
	Stages      []StageConfig `json:"stages" yaml:"stages"`
}

// PipelineResponse represents a pipeline definition in API responses.
type PipelineResponse struct {
	ID          string        `json:"id"`
	Name        string        `json:"name"`
	Version     int           `json:"version"`
	MaxAttempts int           `json:"max_attempts,omitempty"`
	Stages      []StageConfig `json:"stages"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

// DocumentResponse represents a document in API responses.
type DocumentResponse struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	MediaType   string         `json:"media_type"`
	Size        int64          `json:"size"`
	ContentHash string         `json:"content_hash"`
	Location    string         `json:"location"`
	State       string         `json:"state"`
	Metadata    map[string]any `json:"metadata"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// UploadDocumentResponse is returned by POST /documents. Job is set when a pipeline was given.
type UploadDocumentResponse struct {
	Document DocumentResponse `json:"document"`
	Job      *JobResponse     `json:"job,omitempty"`
}

// CreateJobRequest is the request body for POST /documents/{id}/jobs.
type CreateJobRequest struct {
	PipelineID string `json:"pipeline_id"`
}

// ErrorLogEntry is one recorded stage failure of a job.
type ErrorLogEntry struct {
	At        time.Time `json:"at"`
	Attempt   int       `json:"attempt"`
	Cursor    int       `json:"cursor"`
	StageType string    `json:"stage_type,omitempty"`
	Message   string    `json:"message"`
}

// JobResponse represents a job in API responses.
type JobResponse struct {
	ID              string                   `json:"id"`
	DocumentID      string                   `json:"document_id"`
	PipelineID      string                   `json:"pipeline_id"`
	PipelineName    string                   `json:"pipeline_name"`
	PipelineVersion int                      `json:"pipeline_version"`
	State           string                   `json:"state"`
	Cursor          int                      `json:"cursor"`
	TotalStages     int                      `json:"total_stages"`
	Attempts        int                      `json:"attempts"`
	MaxAttempts     int                      `json:"max_attempts"`
	Errors          []ErrorLogEntry          `json:"errors,omitempty"`
	CreatedAt       time.Time                `json:"created_at"`
	UpdatedAt       time.Time                `json:"updated_at"`
	Stages          []StageExecutionResponse `json:"stages,omitempty"`
}

// StageExecutionResponse represents one stage attempt in API responses.
type StageExecutionResponse struct {
	ID         string         `json:"id"`
	Cursor     int            `json:"cursor"`
	Attempt    int            `json:"attempt"`
	StageType  string         `json:"stage_type"`
	State      string         `json:"state"`
	Output     map[string]any `json:"output,omitempty"`
	Error      *string        `json:"error,omitempty"`
	StartedAt  *time.Time     `json:"started_at,omitempty"`
	FinishedAt *time.Time     `json:"finished_at,omitempty"`
	DurationMS int64          `json:"duration_ms,omitempty"`
}

// ProgressResponse is the latest progress snapshot of a job.
type ProgressResponse struct {
	JobID     string    `json:"job_id"`
	State     string    `json:"state"`
	Cursor    int       `json:"cursor"`
	Total     int       `json:"total"`
	Percent   int       `json:"percent"`
	Stage     string    `json:"stage,omitempty"`
	Attempts  int       `json:"attempts"`
	UpdatedAt time.Time `json:"updated_at"`
}

// DLQEntryResponse represents a dead-lettered dispatch message.
type DLQEntryResponse struct {
	ID       int64     `json:"id"`
	TenantID string    `json:"tenant_id"`
	JobID    string    `json:"job_id"`
	Reason   string    `json:"reason"`
	Attempts int       `json:"attempts"`
	FailedAt time.Time `json:"failed_at"`
}

// ErrorResponse is the standard error response format.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
}
