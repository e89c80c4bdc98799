package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"docflow/internal/stage"
	"docflow/internal/store"
	"docflow/internal/tenant"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// RunNextStage runs exactly one stage of the job and persists the result.
//
// It is safe to call with duplicate or stale messages: terminal jobs are left alone,
// the claim is a compare-and-set on the job version, and a job cancelled while its stage
// ran keeps its cancelled state.
func (o *Orchestrator) RunNextStage(ctx context.Context, scope *tenant.Scope, jobID uuid.UUID) (outcome Outcome, err error) {
	if err := scope.Check(); err != nil {
		return OutcomeNoop, err
	}
	repo := scope.Repo()

	ctx, span := o.tracer.Start(ctx, "orchestrator.run_next_stage", trace.WithAttributes(
		attribute.String("tenant.id", scope.TenantID().String()),
		attribute.String("job.id", jobID.String()),
	))
	defer func() {
		span.SetAttributes(attribute.String("outcome", string(outcome)))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	job, err := repo.GetJob(ctx, jobID)
	if err != nil {
		return OutcomeNoop, fmt.Errorf("load job %s: %w", jobID, err)
	}
	if job.State.Terminal() {
		o.logger.Debug("ignoring message for finished job", "job_id", job.ID, "state", job.State)
		return OutcomeNoop, nil
	}

	job, err = o.claim(ctx, repo, job)
	if err != nil {
		return OutcomeNoop, err
	}
	// Everything after the claim is bookkeeping that must not be cut short by shutdown.
	pctx := context.WithoutCancel(ctx)

	if job.Done() {
		job.State = store.JobStateCompleted
		releaseLease(job)
		if err := o.commit(pctx, repo, job, store.DocumentStateCompleted, nil); err != nil {
			return o.afterConflict(pctx, repo, job.ID, err)
		}
		o.logger.Info("job completed", "tenant_id", scope.TenantID(), "job_id", job.ID)
		o.track(pctx, scope, job)
		return OutcomeCompleted, nil
	}

	doc, err := repo.GetDocument(ctx, job.DocumentID)
	if err != nil {
		return OutcomeNoop, fmt.Errorf("load document %s: %w", job.DocumentID, err)
	}
	if err := repo.SetDocumentState(ctx, doc.ID, store.DocumentStateProcessing); err != nil {
		return OutcomeNoop, err
	}

	job, exhausted, err := o.closeAbandoned(pctx, repo, job)
	if err != nil {
		return OutcomeNoop, err
	}
	if exhausted {
		return o.failJob(pctx, scope, job)
	}

	sc := job.Snapshot.Stages[job.Cursor]
	span.SetAttributes(attribute.String("stage.type", sc.Type), attribute.Int("stage.cursor", job.Cursor))

	if !sc.When.Holds(doc.Metadata) {
		return o.skip(pctx, scope, job, sc)
	}

	exec := &store.StageExecution{
		ID:        uuid.New(),
		JobID:     job.ID,
		Cursor:    job.Cursor,
		Attempt:   job.Attempts + 1,
		StageType: sc.Type,
		Config:    sc.Config,
		Input:     cloneMetadata(doc.Metadata),
		State:     store.StageExecutionPending,
		CreatedAt: o.now().UTC(),
	}
	if err := repo.CreateStageExecution(pctx, exec); err != nil {
		return OutcomeNoop, fmt.Errorf("record stage execution: %w", err)
	}

	handler, resolveErr := o.stages.Resolve(sc.Type)
	if resolveErr == nil {
		if v, ok := handler.(stage.ConfigValidator); ok {
			if err := v.ValidateConfig(sc.Config); err != nil {
				resolveErr = fmt.Errorf("invalid %s config: %w", sc.Type, err)
			}
		}
	}

	started := o.now().UTC()
	exec.State = store.StageExecutionRunning
	exec.StartedAt = &started
	if err := repo.UpdateStageExecution(pctx, exec); err != nil {
		return OutcomeNoop, fmt.Errorf("start stage execution: %w", err)
	}

	if resolveErr != nil {
		return o.configFailure(pctx, scope, job, exec, resolveErr)
	}

	stageCtx := stage.Context{
		TenantID: scope.TenantID(),
		JobID:    job.ID,
		Cursor:   job.Cursor,
		Attempt:  exec.Attempt,
		Prior:    cloneMetadata(doc.Metadata),
		Storage:  o.storage,
	}
	keeper := o.keepLease(pctx, repo, job)
	res := o.invoke(ctx, handler, *doc, sc, stageCtx)
	job = keeper.release()

	finished := o.now().UTC()
	exec.FinishedAt = &finished
	o.stageDuration.Record(pctx, finished.Sub(started).Seconds(),
		metric.WithAttributes(attribute.String("stage.type", sc.Type)))

	switch res.Outcome {
	case stage.OutcomeSuccess:
		return o.advance(pctx, scope, job, exec, sc, res.Payload)
	case stage.OutcomeInvalid:
		return o.configFailure(pctx, scope, job, exec, errors.New(res.Message))
	default:
		return o.retryOrFail(pctx, scope, job, exec, res.Message)
	}
}

// claim takes the job lease. A live lease held by anyone else means ErrJobBusy.
func (o *Orchestrator) claim(ctx context.Context, repo store.TenantRepository, job *store.Job) (*store.Job, error) {
	now := o.now().UTC()
	if job.LeaseUntil != nil && job.LeaseUntil.After(now) {
		return nil, fmt.Errorf("%w: job %s leased by %s until %s", ErrJobBusy, job.ID, job.LeaseOwner, job.LeaseUntil.Format(time.RFC3339))
	}

	until := now.Add(o.leaseFor(job))

	claimed := *job
	claimed.State = store.JobStateRunning
	claimed.LeaseOwner = o.cfg.WorkerID + "/" + uuid.NewString()[:8]
	claimed.LeaseUntil = &until
	if err := repo.UpdateJob(ctx, &claimed); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, fmt.Errorf("%w: job %s claimed concurrently", ErrJobBusy, job.ID)
		}
		return nil, fmt.Errorf("claim job %s: %w", job.ID, err)
	}
	return &claimed, nil
}

// closeAbandoned fails executions a crashed worker left running at the current cursor.
// Each one counts as an attempt.
func (o *Orchestrator) closeAbandoned(ctx context.Context, repo store.TenantRepository, job *store.Job) (*store.Job, bool, error) {
	execs, err := repo.ListStageExecutions(ctx, job.ID)
	if err != nil {
		return nil, false, err
	}

	changed := false
	for i := range execs {
		e := &execs[i]
		if e.Cursor != job.Cursor || e.State != store.StageExecutionRunning {
			continue
		}
		now := o.now().UTC()
		msg := "abandoned: worker stopped while the stage was running"
		e.State = store.StageExecutionFailed
		e.Error = &msg
		e.FinishedAt = &now
		if err := repo.UpdateStageExecution(ctx, e); err != nil {
			return nil, false, err
		}
		job.Attempts++
		job.ErrorLog = appendLog(job.ErrorLog, store.ErrorLogEntry{
			At: now, Attempt: e.Attempt, Cursor: e.Cursor, StageType: e.StageType, Message: msg,
		})
		changed = true
		o.logger.Warn("closed abandoned stage execution", "job_id", job.ID, "execution_id", e.ID, "cursor", e.Cursor)
	}
	if !changed {
		return job, false, nil
	}
	if err := repo.UpdateJob(ctx, job); err != nil {
		return nil, false, err
	}
	return job, job.Attempts >= job.MaxAttempts, nil
}

func (o *Orchestrator) skip(ctx context.Context, scope *tenant.Scope, job *store.Job, sc store.StageConfig) (Outcome, error) {
	now := o.now().UTC()
	exec := &store.StageExecution{
		ID:        uuid.New(),
		JobID:     job.ID,
		Cursor:    job.Cursor,
		Attempt:   job.Attempts + 1,
		StageType: sc.Type,
		Config:    sc.Config,
		State:     store.StageExecutionPending,
		CreatedAt: now,
	}
	repo := scope.Repo()
	if err := repo.CreateStageExecution(ctx, exec); err != nil {
		return OutcomeNoop, err
	}
	exec.State = store.StageExecutionSkipped
	exec.FinishedAt = &now
	if err := repo.UpdateStageExecution(ctx, exec); err != nil {
		return OutcomeNoop, err
	}

	o.logger.Info("stage skipped", "tenant_id", scope.TenantID(), "job_id", job.ID,
		"cursor", job.Cursor, "stage", sc.Label(), "condition_key", sc.When.Key)
	o.countRun(ctx, sc.Type, OutcomeSkipped)

	outcome, err := o.moveOn(ctx, scope, job, nil)
	if outcome == OutcomeAdvanced {
		outcome = OutcomeSkipped
	}
	return outcome, err
}

func (o *Orchestrator) advance(ctx context.Context, scope *tenant.Scope, job *store.Job, exec *store.StageExecution, sc store.StageConfig, payload map[string]any) (Outcome, error) {
	repo := scope.Repo()
	exec.State = store.StageExecutionCompleted
	exec.Output = payload
	if err := repo.UpdateStageExecution(ctx, exec); err != nil {
		return OutcomeNoop, fmt.Errorf("complete stage execution: %w", err)
	}

	o.logger.Info("stage completed", "tenant_id", scope.TenantID(), "job_id", job.ID,
		"cursor", job.Cursor, "stage", sc.Label(), "attempt", exec.Attempt, "duration", exec.Duration())
	o.countRun(ctx, sc.Type, OutcomeAdvanced)

	merge := func(tx store.TenantRepository) error {
		conflicts, err := tx.MergeDocumentMetadata(ctx, job.DocumentID, payload, sc.AllowOverwrite)
		if err != nil {
			return err
		}
		if len(conflicts) > 0 {
			o.logger.Warn("stage output conflicts with existing metadata; existing values kept",
				"job_id", job.ID, "stage", sc.Label(), "keys", conflicts)
		}
		return nil
	}
	return o.moveOn(ctx, scope, job, merge)
}

// moveOn advances the cursor and either completes the job or dispatches the next stage.
func (o *Orchestrator) moveOn(ctx context.Context, scope *tenant.Scope, job *store.Job, extra func(tx store.TenantRepository) error) (Outcome, error) {
	repo := scope.Repo()
	job.Cursor++
	job.Attempts = 0
	releaseLease(job)

	if job.Done() {
		job.State = store.JobStateCompleted
		if err := o.commit(ctx, repo, job, store.DocumentStateCompleted, extra); err != nil {
			return o.afterConflict(ctx, repo, job.ID, err)
		}
		o.logger.Info("job completed", "tenant_id", scope.TenantID(), "job_id", job.ID)
		o.track(ctx, scope, job)
		return OutcomeCompleted, nil
	}

	job.State = store.JobStateQueued
	if err := o.commit(ctx, repo, job, store.DocumentStateQueued, extra); err != nil {
		return o.afterConflict(ctx, repo, job.ID, err)
	}
	o.track(ctx, scope, job)
	if err := o.enqueue(ctx, scope, job, time.Time{}); err != nil {
		// The original message is still unacknowledged; its redelivery picks the job up again.
		return OutcomeAdvanced, fmt.Errorf("dispatch next stage of job %s: %w", job.ID, err)
	}
	return OutcomeAdvanced, nil
}

func (o *Orchestrator) retryOrFail(ctx context.Context, scope *tenant.Scope, job *store.Job, exec *store.StageExecution, message string) (Outcome, error) {
	repo := scope.Repo()
	sc := job.Snapshot.Stages[job.Cursor]
	exec.State = store.StageExecutionFailed
	exec.Error = &message
	if err := repo.UpdateStageExecution(ctx, exec); err != nil {
		return OutcomeNoop, fmt.Errorf("fail stage execution: %w", err)
	}

	job.Attempts++
	job.ErrorLog = appendLog(job.ErrorLog, store.ErrorLogEntry{
		At: o.now().UTC(), Attempt: exec.Attempt, Cursor: job.Cursor, StageType: sc.Type, Message: message,
	})

	if job.Attempts >= job.MaxAttempts {
		o.countRun(ctx, sc.Type, OutcomeFailed)
		return o.failJob(ctx, scope, job)
	}

	delay := Backoff(o.cfg.RetryBaseDelay, o.cfg.RetryMaxDelay, job.Attempts)
	job.State = store.JobStateQueued
	releaseLease(job)
	if err := o.commit(ctx, repo, job, store.DocumentStateQueued, nil); err != nil {
		return o.afterConflict(ctx, repo, job.ID, err)
	}

	o.logger.Warn("stage failed, retrying", "tenant_id", scope.TenantID(), "job_id", job.ID,
		"cursor", job.Cursor, "stage", sc.Label(), "attempt", job.Attempts, "max_attempts", job.MaxAttempts,
		"delay", delay, "error", message)
	o.countRun(ctx, sc.Type, OutcomeRetrying)
	o.track(ctx, scope, job)

	if err := o.enqueue(ctx, scope, job, o.now().Add(delay)); err != nil {
		return OutcomeRetrying, fmt.Errorf("dispatch retry of job %s: %w", job.ID, err)
	}
	return OutcomeRetrying, nil
}

// failJob persists a job that will not run again without RetryJob.
func (o *Orchestrator) failJob(ctx context.Context, scope *tenant.Scope, job *store.Job) (Outcome, error) {
	repo := scope.Repo()
	job.State = store.JobStateFailed
	releaseLease(job)
	if err := o.commit(ctx, repo, job, store.DocumentStateFailed, nil); err != nil {
		return o.afterConflict(ctx, repo, job.ID, err)
	}

	var last string
	if n := len(job.ErrorLog); n > 0 {
		last = job.ErrorLog[n-1].Message
	}
	o.logger.Error("job failed", "tenant_id", scope.TenantID(), "job_id", job.ID,
		"cursor", job.Cursor, "attempts", job.Attempts, "error", last)
	o.track(ctx, scope, job)
	return OutcomeFailed, nil
}

func (o *Orchestrator) configFailure(ctx context.Context, scope *tenant.Scope, job *store.Job, exec *store.StageExecution, cause error) (Outcome, error) {
	repo := scope.Repo()
	sc := job.Snapshot.Stages[job.Cursor]
	cfgErr := &ConfigError{JobID: job.ID, Cursor: job.Cursor, StageType: sc.Type, Err: cause}

	msg := cfgErr.Error()
	now := o.now().UTC()
	exec.State = store.StageExecutionFailed
	exec.Error = &msg
	exec.FinishedAt = &now
	if err := repo.UpdateStageExecution(ctx, exec); err != nil {
		return OutcomeNoop, fmt.Errorf("fail stage execution: %w", err)
	}

	job.Attempts++
	job.ErrorLog = appendLog(job.ErrorLog, store.ErrorLogEntry{
		At: now, Attempt: exec.Attempt, Cursor: job.Cursor, StageType: sc.Type, Message: msg,
	})
	o.countRun(ctx, sc.Type, OutcomeFailed)

	outcome, err := o.failJob(ctx, scope, job)
	if err != nil {
		return outcome, err
	}
	return outcome, cfgErr
}

// commit writes the job with a compare-and-set and moves the document in the same transaction.
func (o *Orchestrator) commit(ctx context.Context, repo store.TenantRepository, job *store.Job, docState store.DocumentState, extra func(tx store.TenantRepository) error) error {
	return repo.InTx(ctx, func(tx store.TenantRepository) error {
		if err := tx.UpdateJob(ctx, job); err != nil {
			return err
		}
		if extra != nil {
			if err := extra(tx); err != nil {
				return err
			}
		}
		return tx.SetDocumentState(ctx, job.DocumentID, docState)
	})
}

// afterConflict decides what a failed post-stage commit means. A job that was cancelled
// (or otherwise finished) meanwhile keeps its state and the stage result stays recorded only
// on the execution row.
func (o *Orchestrator) afterConflict(ctx context.Context, repo store.TenantRepository, jobID uuid.UUID, err error) (Outcome, error) {
	if !errors.Is(err, store.ErrConflict) {
		return OutcomeNoop, err
	}
	current, getErr := repo.GetJob(ctx, jobID)
	if getErr != nil {
		return OutcomeNoop, getErr
	}
	if current.State.Terminal() {
		o.logger.Info("job changed while its stage ran; result recorded without transition",
			"job_id", jobID, "state", current.State)
		return OutcomeNoop, nil
	}
	return OutcomeNoop, fmt.Errorf("%w: job %s modified concurrently", ErrJobBusy, jobID)
}

// invoke runs the handler with the stage timeout. Panics become failures.
func (o *Orchestrator) invoke(ctx context.Context, h stage.Handler, doc store.Document, sc store.StageConfig, sctx stage.Context) stage.Result {
	var (
		runCtx context.Context
		cancel context.CancelFunc
	)
	timeout := o.stageTimeout(sc)
	if timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, timeout)
	} else {
		runCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	done := make(chan stage.Result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				o.logger.Error("stage panicked", "job_id", sctx.JobID, "stage", sc.Label(), "panic", r)
				done <- stage.Failure("stage panicked: %v", r)
			}
		}()
		done <- h.Run(runCtx, doc, cloneConfig(sc.Config), sctx)
	}()

	select {
	case res := <-done:
		if res.Outcome == stage.OutcomeSuccess && res.Payload == nil {
			res.Payload = map[string]any{}
		}
		return res
	case <-runCtx.Done():
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return stage.Failure("timeout after %s", timeout)
		}
		return stage.Failure("interrupted: %v", ctx.Err())
	}
}

func (o *Orchestrator) stageTimeout(sc store.StageConfig) time.Duration {
	if sc.TimeoutSeconds > 0 {
		return time.Duration(sc.TimeoutSeconds) * time.Second
	}
	return o.cfg.StageTimeout
}

func (o *Orchestrator) countRun(ctx context.Context, stageType string, outcome Outcome) {
	o.stageRuns.Add(ctx, 1, metric.WithAttributes(
		attribute.String("stage.type", stageType),
		attribute.String("outcome", string(outcome)),
	))
}

func releaseLease(job *store.Job) {
	job.LeaseOwner = ""
	job.LeaseUntil = nil
}

// cloneMetadata deep-copies decoded JSON so a stage cannot reach into the document.
func cloneMetadata(m map[string]any) map[string]any {
	out := map[string]any{}
	if len(m) == 0 {
		return out
	}
	raw, err := json.Marshal(m)
	if err != nil {
		for k, v := range m {
			out[k] = v
		}
		return out
	}
	_ = json.Unmarshal(raw, &out)
	return out
}

func cloneConfig(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return nil
	}
	return append(json.RawMessage(nil), raw...)
}
