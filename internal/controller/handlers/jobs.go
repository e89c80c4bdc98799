package handlers

import (
	"context"
	"errors"
	"net/http"

	"docflow/internal/progress"
	"docflow/internal/store"
	"docflow/internal/tenant"
	"docflow/pkg/api"

	"github.com/google/uuid"
)

// ListJobs handles GET /jobs. With document_id it returns that document's jobs;
// otherwise the most recent jobs, optionally narrowed by state.
func (h *Handlers) ListJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var documentID uuid.UUID
	if raw := q.Get("document_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			h.httpError(w, "Invalid document_id", http.StatusBadRequest)
			return
		}
		documentID = id
	}
	limit, err := queryInt(r, "limit", 50)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var states []store.JobState
	if raw := q.Get("state"); raw != "" {
		states = append(states, store.JobState(raw))
	}

	var jobs []store.Job
	ok := h.inTenant(w, r, func(ctx context.Context, s *tenant.Scope) error {
		var err error
		if documentID != uuid.Nil {
			jobs, err = h.Jobs.ListJobs(ctx, s, documentID)
			return err
		}
		jobs, err = s.Repo().ListJobs(ctx, store.JobFilter{States: states, Limit: limit})
		return err
	})
	if !ok {
		return
	}

	resp := make([]api.JobResponse, 0, len(jobs))
	for i := range jobs {
		resp = append(resp, toJobResponse(&jobs[i], nil))
	}
	h.respondJson(w, http.StatusOK, resp)
}

// GetJob handles GET /jobs/{id}. The response carries the job's stage history.
func (h *Handlers) GetJob(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.fail(w, r, err)
		return
	}

	var (
		job   *store.Job
		execs []store.StageExecution
	)
	ok := h.inTenant(w, r, func(ctx context.Context, s *tenant.Scope) error {
		var err error
		if job, err = h.Jobs.GetJob(ctx, s, id); err != nil {
			return err
		}
		execs, err = h.Jobs.ListStageExecutions(ctx, s, id)
		return err
	})
	if !ok {
		return
	}
	h.respondJson(w, http.StatusOK, toJobResponse(job, execs))
}

// GetJobProgress handles GET /jobs/{id}/progress. The progress tracker is consulted
// first; without a snapshot the job record answers.
func (h *Handlers) GetJobProgress(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.fail(w, r, err)
		return
	}

	var snap *progress.Snapshot
	ok := h.inTenant(w, r, func(ctx context.Context, s *tenant.Scope) error {
		var err error
		snap, err = h.Progress.Get(ctx, s.TenantID(), id)
		if err == nil {
			return nil
		}
		if !errors.Is(err, progress.ErrNotFound) {
			logFromRequest(r, h).Warn("progress lookup failed", "job_id", id, "error", err)
		}
		job, err := h.Jobs.GetJob(ctx, s, id)
		if err != nil {
			return err
		}
		snap = snapshotOf(s.TenantID(), job)
		return nil
	})
	if !ok {
		return
	}
	h.respondJson(w, http.StatusOK, toProgressResponse(snap))
}

// CancelJob handles POST /jobs/{id}/cancel.
func (h *Handlers) CancelJob(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.Jobs.CancelJob)
}

// RetryJob handles POST /jobs/{id}/retry.
func (h *Handlers) RetryJob(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.Jobs.RetryJob)
}

func (h *Handlers) transition(w http.ResponseWriter, r *http.Request,
	fn func(ctx context.Context, scope *tenant.Scope, jobID uuid.UUID) (*store.Job, error)) {
	id, err := pathID(r, "id")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var job *store.Job
	ok := h.inTenant(w, r, func(ctx context.Context, s *tenant.Scope) error {
		var err error
		job, err = fn(ctx, s, id)
		return err
	})
	if !ok {
		return
	}
	h.respondJson(w, http.StatusOK, toJobResponse(job, nil))
}

func snapshotOf(tenantID uuid.UUID, job *store.Job) *progress.Snapshot {
	s := &progress.Snapshot{
		TenantID:   tenantID,
		JobID:      job.ID,
		DocumentID: job.DocumentID,
		State:      string(job.State),
		Cursor:     job.Cursor,
		Total:      len(job.Snapshot.Stages),
		Attempts:   job.Attempts,
		UpdatedAt:  job.UpdatedAt,
	}
	if !job.Done() {
		s.Stage = job.Snapshot.Stages[job.Cursor].Label()
	}
	return s
}
