// Package orchestrator drives documents through pipeline snapshots, one stage per dispatch message.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"docflow/internal/dispatch"
	"docflow/internal/progress"
	"docflow/internal/stage"
	"docflow/internal/storage"
	"docflow/internal/store"
	"docflow/internal/tenant"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

var (
	// ErrJobBusy means another worker holds a live lease on the job. The message should be retried later.
	ErrJobBusy = errors.New("job is being processed by another worker")

	// ErrDocumentBusy is returned by CreateJob and RetryJob when the document already has an active job.
	ErrDocumentBusy = errors.New("document already has an active job")
)

// ConfigError is a failure no retry can fix: unknown stage type, rejected stage configuration
// or a stage reporting an invalid result. The job is failed immediately.
type ConfigError struct {
	JobID     uuid.UUID
	Cursor    int
	StageType string
	Err       error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("job %s stage %d (%s): configuration error: %v", e.JobID, e.Cursor, e.StageType, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// Outcome is what one RunNextStage call did.
type Outcome string

const (
	OutcomeAdvanced  Outcome = "advanced"
	OutcomeSkipped   Outcome = "skipped"
	OutcomeRetrying  Outcome = "retrying"
	OutcomeCompleted Outcome = "completed"
	OutcomeFailed    Outcome = "failed"
	OutcomeNoop      Outcome = "noop"
)

// Config holds the orchestrator's tunables.
type Config struct {
	// DefaultMaxAttempts applies to pipelines that do not set their own.
	DefaultMaxAttempts int
	// StageTimeout applies to stages without TimeoutSeconds. Zero means no timeout.
	StageTimeout   time.Duration
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
	// LeaseDuration is how long a claim on a job stays exclusive. The lease is renewed
	// every LeaseRenewInterval while a stage runs.
	LeaseDuration      time.Duration
	LeaseRenewInterval time.Duration
	WorkerID           string
}

func (c Config) withDefaults() Config {
	if c.DefaultMaxAttempts <= 0 {
		c.DefaultMaxAttempts = 3
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = 5 * time.Second
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 5 * time.Minute
	}
	if c.RetryMaxDelay < c.RetryBaseDelay {
		c.RetryMaxDelay = c.RetryBaseDelay
	}
	if c.LeaseDuration <= 0 {
		c.LeaseDuration = 10 * time.Minute
	}
	if c.LeaseRenewInterval <= 0 || c.LeaseRenewInterval >= c.LeaseDuration {
		c.LeaseRenewInterval = c.LeaseDuration / 3
	}
	if c.WorkerID == "" {
		host, _ := os.Hostname()
		c.WorkerID = fmt.Sprintf("%s-%d", host, os.Getpid())
	}
	return c
}

// Orchestrator owns job state. It holds no state between calls besides its dependencies.
type Orchestrator struct {
	cfg      Config
	stages   *stage.Registry
	queue    dispatch.Enqueuer
	storage  storage.Reader
	progress progress.Tracker
	logger   *slog.Logger
	now      func() time.Time

	tracer        trace.Tracer
	stageRuns     metric.Int64Counter
	stageDuration metric.Float64Histogram
}

// Option customises an Orchestrator.
type Option func(*Orchestrator)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithProgress publishes progress snapshots after every transition.
func WithProgress(t progress.Tracker) Option {
	return func(o *Orchestrator) { o.progress = t }
}

// New creates an orchestrator.
func New(cfg Config, stages *stage.Registry, queue dispatch.Enqueuer, reader storage.Reader, logger *slog.Logger, opts ...Option) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	meter := otel.Meter("docflow/orchestrator")
	stageRuns, _ := meter.Int64Counter("docflow.stage.runs",
		metric.WithDescription("Stage runs by stage type and outcome"))
	stageDuration, _ := meter.Float64Histogram("docflow.stage.duration",
		metric.WithDescription("Stage run duration"),
		metric.WithUnit("s"))

	o := &Orchestrator{
		cfg:           cfg.withDefaults(),
		stages:        stages,
		queue:         queue,
		storage:       reader,
		progress:      progress.Noop{},
		logger:        logger,
		now:           time.Now,
		tracer:        otel.Tracer("docflow/orchestrator"),
		stageRuns:     stageRuns,
		stageDuration: stageDuration,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// CreateJob snapshots the pipeline, creates a job for the document and dispatches its first stage.
func (o *Orchestrator) CreateJob(ctx context.Context, scope *tenant.Scope, documentID, pipelineID uuid.UUID) (*store.Job, error) {
	if err := scope.Check(); err != nil {
		return nil, err
	}
	repo := scope.Repo()

	var job *store.Job
	err := repo.InTx(ctx, func(tx store.TenantRepository) error {
		doc, err := tx.GetDocument(ctx, documentID)
		if err != nil {
			return fmt.Errorf("document %s: %w", documentID, err)
		}
		pipeline, err := tx.GetPipeline(ctx, pipelineID)
		if err != nil {
			return fmt.Errorf("pipeline %s: %w", pipelineID, err)
		}
		busy, err := tx.HasActiveJob(ctx, doc.ID)
		if err != nil {
			return err
		}
		if busy {
			return fmt.Errorf("%w: %s", ErrDocumentBusy, doc.ID)
		}

		maxAttempts := pipeline.MaxAttempts
		if maxAttempts <= 0 {
			maxAttempts = o.cfg.DefaultMaxAttempts
		}
		now := o.now().UTC()
		job = &store.Job{
			ID:          uuid.New(),
			DocumentID:  doc.ID,
			Snapshot:    pipeline.Snapshot(now),
			MaxAttempts: maxAttempts,
			State:       store.JobStatePending,
			ErrorLog:    []store.ErrorLogEntry{},
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := tx.CreateJob(ctx, job); err != nil {
			if errors.Is(err, store.ErrConflict) {
				return fmt.Errorf("%w: %s", ErrDocumentBusy, doc.ID)
			}
			return err
		}
		return tx.SetDocumentState(ctx, doc.ID, store.DocumentStateQueued)
	})
	if err != nil {
		return nil, err
	}

	if err := o.enqueue(ctx, scope, job, time.Time{}); err != nil {
		o.abandonUndispatched(ctx, repo, job, err)
		return nil, fmt.Errorf("dispatch job %s: %w", job.ID, err)
	}

	queued := *job
	queued.State = store.JobStateQueued
	if err := repo.UpdateJob(ctx, &queued); err != nil {
		if !errors.Is(err, store.ErrConflict) {
			return nil, err
		}
		// A worker already picked the job up.
		return repo.GetJob(ctx, job.ID)
	}

	o.logger.Info("job created", "tenant_id", scope.TenantID(), "job_id", job.ID,
		"document_id", documentID, "pipeline_id", pipelineID, "pipeline_version", job.Snapshot.PipelineVersion,
		"stages", len(job.Snapshot.Stages))
	o.track(ctx, scope, &queued)
	return &queued, nil
}

// abandonUndispatched cancels a job whose first message never reached the queue,
// so the document is not blocked by a job nobody will run.
func (o *Orchestrator) abandonUndispatched(ctx context.Context, repo store.TenantRepository, job *store.Job, cause error) {
	ctx = context.WithoutCancel(ctx)
	cancelled := *job
	cancelled.State = store.JobStateCancelled
	cancelled.ErrorLog = appendLog(job.ErrorLog, store.ErrorLogEntry{
		At:      o.now().UTC(),
		Cursor:  job.Cursor,
		Message: "dispatch failed: " + cause.Error(),
	})
	err := repo.InTx(ctx, func(tx store.TenantRepository) error {
		if err := tx.UpdateJob(ctx, &cancelled); err != nil {
			return err
		}
		return tx.SetDocumentState(ctx, job.DocumentID, store.DocumentStateCancelled)
	})
	if err != nil {
		o.logger.Error("failed to cancel undispatched job", "job_id", job.ID, "error", err)
	}
}

// CancelJob stops a pending, queued or running job. A stage already running finishes,
// but its result no longer moves the job.
func (o *Orchestrator) CancelJob(ctx context.Context, scope *tenant.Scope, jobID uuid.UUID) (*store.Job, error) {
	if err := scope.Check(); err != nil {
		return nil, err
	}
	repo := scope.Repo()

	for attempt := 0; attempt < 5; attempt++ {
		job, err := repo.GetJob(ctx, jobID)
		if err != nil {
			return nil, fmt.Errorf("job %s: %w", jobID, err)
		}
		if !job.State.CanTransition(store.JobStateCancelled) {
			return nil, fmt.Errorf("%w: cannot cancel %s job", store.ErrInvalidTransition, job.State)
		}

		job.State = store.JobStateCancelled
		job.LeaseOwner = ""
		job.LeaseUntil = nil
		err = repo.InTx(ctx, func(tx store.TenantRepository) error {
			if err := tx.UpdateJob(ctx, job); err != nil {
				return err
			}
			return tx.SetDocumentState(ctx, job.DocumentID, store.DocumentStateCancelled)
		})
		if errors.Is(err, store.ErrConflict) {
			continue
		}
		if err != nil {
			return nil, err
		}

		o.logger.Info("job cancelled", "tenant_id", scope.TenantID(), "job_id", job.ID, "cursor", job.Cursor)
		o.track(ctx, scope, job)
		return job, nil
	}
	return nil, fmt.Errorf("cancel job %s: %w", jobID, store.ErrConflict)
}

// RetryJob resumes a failed job at the stage that failed. Completed stages are not rerun.
func (o *Orchestrator) RetryJob(ctx context.Context, scope *tenant.Scope, jobID uuid.UUID) (*store.Job, error) {
	if err := scope.Check(); err != nil {
		return nil, err
	}
	repo := scope.Repo()

	job, err := repo.GetJob(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("job %s: %w", jobID, err)
	}
	if job.State != store.JobStateFailed {
		return nil, fmt.Errorf("%w: only failed jobs can be retried, job is %s", store.ErrInvalidTransition, job.State)
	}

	job.State = store.JobStateQueued
	job.Attempts = 0
	job.LeaseOwner = ""
	job.LeaseUntil = nil
	err = repo.InTx(ctx, func(tx store.TenantRepository) error {
		busy, err := tx.HasActiveJob(ctx, job.DocumentID)
		if err != nil {
			return err
		}
		if busy {
			return fmt.Errorf("%w: %s", ErrDocumentBusy, job.DocumentID)
		}
		if err := tx.UpdateJob(ctx, job); err != nil {
			return err
		}
		return tx.SetDocumentState(ctx, job.DocumentID, store.DocumentStateQueued)
	})
	if err != nil {
		return nil, err
	}

	if err := o.enqueue(ctx, scope, job, time.Time{}); err != nil {
		return nil, fmt.Errorf("dispatch job %s: %w", job.ID, err)
	}
	o.logger.Info("job retried", "tenant_id", scope.TenantID(), "job_id", job.ID, "cursor", job.Cursor)
	o.track(ctx, scope, job)
	return job, nil
}

// GetJob returns a job of the scope's tenant.
func (o *Orchestrator) GetJob(ctx context.Context, scope *tenant.Scope, jobID uuid.UUID) (*store.Job, error) {
	if err := scope.Check(); err != nil {
		return nil, err
	}
	return scope.Repo().GetJob(ctx, jobID)
}

// ListJobs returns the jobs of one document, newest first.
func (o *Orchestrator) ListJobs(ctx context.Context, scope *tenant.Scope, documentID uuid.UUID) ([]store.Job, error) {
	if err := scope.Check(); err != nil {
		return nil, err
	}
	return scope.Repo().ListJobs(ctx, store.JobFilter{DocumentID: &documentID})
}

// ListStageExecutions returns the stage history of a job in execution order.
func (o *Orchestrator) ListStageExecutions(ctx context.Context, scope *tenant.Scope, jobID uuid.UUID) ([]store.StageExecution, error) {
	if err := scope.Check(); err != nil {
		return nil, err
	}
	return scope.Repo().ListStageExecutions(ctx, jobID)
}

func (o *Orchestrator) enqueue(ctx context.Context, scope *tenant.Scope, job *store.Job, visibleAfter time.Time) error {
	msg := dispatch.Message{TenantID: scope.TenantID(), JobID: job.ID, Cursor: job.Cursor}
	msg.InjectTrace(ctx)
	return o.queue.Enqueue(ctx, msg, visibleAfter)
}

func (o *Orchestrator) track(ctx context.Context, scope *tenant.Scope, job *store.Job) {
	snap := progress.Snapshot{
		TenantID:   scope.TenantID(),
		JobID:      job.ID,
		DocumentID: job.DocumentID,
		State:      string(job.State),
		Cursor:     job.Cursor,
		Total:      len(job.Snapshot.Stages),
		Attempts:   job.Attempts,
		UpdatedAt:  o.now().UTC(),
	}
	if !job.Done() {
		snap.Stage = job.Snapshot.Stages[job.Cursor].Label()
	}
	if err := o.progress.Record(ctx, snap); err != nil {
		o.logger.Warn("failed to record progress", "job_id", job.ID, "error", err)
	}
}

// Backoff is the delay before retry number attempts (1-based): base * 2^(attempts-1), capped at max.
func Backoff(base, max time.Duration, attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	d := base
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}

func appendLog(log []store.ErrorLogEntry, entry store.ErrorLogEntry) []store.ErrorLogEntry {
	out := make([]store.ErrorLogEntry, 0, len(log)+1)
	out = append(out, log...)
	return append(out, entry)
}
