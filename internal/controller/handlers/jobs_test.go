package handlers

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"docflow/internal/progress"
	"docflow/internal/store"
	"docflow/pkg/api"

	"github.com/google/uuid"
)

func TestGetJob_IncludesStageHistory(t *testing.T) {
	env := newTestEnv(t)
	p := env.createPipeline(api.StageConfig{Type: "noop", Name: "first"}, api.StageConfig{Type: "noop"})
	job := env.upload("hello", p.ID).Job

	env.runStage(job.ID)

	rr := httptest.NewRecorder()
	env.h.GetJob(rr, env.request(http.MethodGet, "/jobs/"+job.ID, nil, "id="+job.ID))
	expectStatus(t, rr, http.StatusOK)

	got := decode[api.JobResponse](t, rr)
	if got.Cursor != 1 || got.State != string(store.JobStateQueued) {
		t.Errorf("expected job queued at cursor 1, got %s at %d", got.State, got.Cursor)
	}
	if len(got.Stages) != 1 {
		t.Fatalf("expected 1 stage execution, got %d", len(got.Stages))
	}
	if got.Stages[0].State != string(store.StageExecutionCompleted) || got.Stages[0].StageType != "noop" {
		t.Errorf("unexpected stage execution %+v", got.Stages[0])
	}
}

func TestGetJob_NotFound(t *testing.T) {
	env := newTestEnv(t)
	id := uuid.NewString()

	rr := httptest.NewRecorder()
	env.h.GetJob(rr, env.request(http.MethodGet, "/jobs/"+id, nil, "id="+id))
	expectStatus(t, rr, http.StatusNotFound)
}

func TestListJobs(t *testing.T) {
	env := newTestEnv(t)
	p := env.createPipeline(api.StageConfig{Type: "noop"})
	first := env.upload("one", p.ID)
	env.upload("two", p.ID)

	rr := httptest.NewRecorder()
	env.h.ListJobs(rr, env.request(http.MethodGet, "/jobs?document_id="+first.Document.ID, nil))
	expectStatus(t, rr, http.StatusOK)
	if jobs := decode[[]api.JobResponse](t, rr); len(jobs) != 1 || jobs[0].ID != first.Job.ID {
		t.Errorf("expected only the first document's job, got %+v", jobs)
	}

	rr = httptest.NewRecorder()
	env.h.ListJobs(rr, env.request(http.MethodGet, "/jobs?state=queued", nil))
	expectStatus(t, rr, http.StatusOK)
	if jobs := decode[[]api.JobResponse](t, rr); len(jobs) != 2 {
		t.Errorf("expected 2 queued jobs, got %d", len(jobs))
	}

	rr = httptest.NewRecorder()
	env.h.ListJobs(rr, env.request(http.MethodGet, "/jobs?limit=1", nil))
	expectStatus(t, rr, http.StatusOK)
	if jobs := decode[[]api.JobResponse](t, rr); len(jobs) != 1 {
		t.Errorf("expected limit to apply, got %d jobs", len(jobs))
	}

	for _, target := range []string{"/jobs?document_id=nope", "/jobs?limit=-1"} {
		rr = httptest.NewRecorder()
		env.h.ListJobs(rr, env.request(http.MethodGet, target, nil))
		expectStatus(t, rr, http.StatusBadRequest)
	}
}

func TestGetJobProgress_FromTracker(t *testing.T) {
	env := newTestEnv(t)
	p := env.createPipeline(api.StageConfig{Type: "noop"}, api.StageConfig{Type: "noop", Name: "second"})
	job := env.upload("hello", p.ID).Job
	env.runStage(job.ID)

	rr := httptest.NewRecorder()
	env.h.GetJobProgress(rr, env.request(http.MethodGet, "/jobs/"+job.ID+"/progress", nil, "id="+job.ID))
	expectStatus(t, rr, http.StatusOK)

	got := decode[api.ProgressResponse](t, rr)
	if got.Cursor != 1 || got.Total != 2 || got.Percent != 50 {
		t.Errorf("unexpected progress %+v", got)
	}
}

func TestGetJobProgress_FallsBackToJobRecord(t *testing.T) {
	env := newTestEnv(t)
	p := env.createPipeline(api.StageConfig{Type: "noop", Name: "extract"}, api.StageConfig{Type: "noop"})
	job := env.upload("hello", p.ID).Job
	env.h.Progress = progress.Noop{}

	rr := httptest.NewRecorder()
	env.h.GetJobProgress(rr, env.request(http.MethodGet, "/jobs/"+job.ID+"/progress", nil, "id="+job.ID))
	expectStatus(t, rr, http.StatusOK)

	got := decode[api.ProgressResponse](t, rr)
	if got.State != string(store.JobStateQueued) || got.Stage != "extract" || got.Percent != 0 {
		t.Errorf("unexpected progress %+v", got)
	}

	missing := uuid.NewString()
	rr = httptest.NewRecorder()
	env.h.GetJobProgress(rr, env.request(http.MethodGet, "/jobs/"+missing+"/progress", nil, "id="+missing))
	expectStatus(t, rr, http.StatusNotFound)
}

func TestCancelJob(t *testing.T) {
	env := newTestEnv(t)
	p := env.createPipeline(api.StageConfig{Type: "noop"})
	uploaded := env.upload("hello", p.ID)
	id := uploaded.Job.ID

	rr := httptest.NewRecorder()
	env.h.CancelJob(rr, env.request(http.MethodPost, "/jobs/"+id+"/cancel", nil, "id="+id))
	expectStatus(t, rr, http.StatusOK)
	if got := decode[api.JobResponse](t, rr); got.State != string(store.JobStateCancelled) {
		t.Errorf("expected cancelled job, got %s", got.State)
	}

	rr = httptest.NewRecorder()
	env.h.GetDocument(rr, env.request(http.MethodGet, "/documents/x", nil, "id="+uploaded.Document.ID))
	if doc := decode[api.DocumentResponse](t, rr); doc.State != string(store.DocumentStateCancelled) {
		t.Errorf("expected cancelled document, got %s", doc.State)
	}

	// Cancelling twice is an invalid transition.
	rr = httptest.NewRecorder()
	env.h.CancelJob(rr, env.request(http.MethodPost, "/jobs/"+id+"/cancel", nil, "id="+id))
	expectStatus(t, rr, http.StatusConflict)
}

func TestRetryJob(t *testing.T) {
	env := newTestEnv(t)
	p := env.createPipeline(api.StageConfig{Type: "noop"}, api.StageConfig{Type: "broken"})
	id := env.upload("hello", p.ID).Job.ID

	// Only failed jobs can be retried.
	rr := httptest.NewRecorder()
	env.h.RetryJob(rr, env.request(http.MethodPost, "/jobs/"+id+"/retry", nil, "id="+id))
	expectStatus(t, rr, http.StatusConflict)

	env.runStage(id)
	env.runStage(id)

	rr = httptest.NewRecorder()
	env.h.GetJob(rr, env.request(http.MethodGet, "/jobs/"+id, nil, "id="+id))
	failed := decode[api.JobResponse](t, rr)
	if failed.State != string(store.JobStateFailed) || len(failed.Errors) == 0 {
		t.Fatalf("expected failed job with an error log, got %+v", failed)
	}

	rr = httptest.NewRecorder()
	env.h.RetryJob(rr, env.request(http.MethodPost, "/jobs/"+id+"/retry", nil, "id="+id))
	expectStatus(t, rr, http.StatusOK)
	got := decode[api.JobResponse](t, rr)
	if got.State != string(store.JobStateQueued) || got.Cursor != 1 {
		t.Errorf("expected job queued again at the failed stage, got %s at %d", got.State, got.Cursor)
	}
}
