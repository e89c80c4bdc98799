package memory

import (
	"context"

	"docflow/internal/store"

	"github.com/google/uuid"
)

// txRepo is the repository handed to an InTx callback. It remembers the pre-transaction
// value of every row it writes so a failed transaction undoes only its own rows.
type txRepo struct {
	*Store

	pipelines  map[uuid.UUID]*store.PipelineDefinition
	documents  map[uuid.UUID]*store.Document
	jobs       map[uuid.UUID]*store.Job
	executions map[uuid.UUID]*store.StageExecution
}

func newTxRepo(s *Store) *txRepo {
	return &txRepo{
		Store:      s,
		pipelines:  make(map[uuid.UUID]*store.PipelineDefinition),
		documents:  make(map[uuid.UUID]*store.Document),
		jobs:       make(map[uuid.UUID]*store.Job),
		executions: make(map[uuid.UUID]*store.StageExecution),
	}
}

// InTx joins the enclosing transaction.
func (t *txRepo) InTx(ctx context.Context, fn func(repo store.TenantRepository) error) error {
	return fn(t)
}

// touch records the current row under id unless the transaction already holds it.
// A nil entry marks a row that did not exist.
func touch[T any](s *Store, seen map[uuid.UUID]*T, rows func(state) map[uuid.UUID]T, id uuid.UUID, cp func(T) T) {
	if _, ok := seen[id]; ok {
		return
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if v, ok := rows(s.data)[id]; ok {
		c := cp(v)
		seen[id] = &c
		return
	}
	seen[id] = nil
}

func restore[T any](rows map[uuid.UUID]T, seen map[uuid.UUID]*T) {
	for id, v := range seen {
		if v == nil {
			delete(rows, id)
			continue
		}
		rows[id] = *v
	}
}

func (t *txRepo) rollback() {
	t.mu.Lock()
	defer t.mu.Unlock()
	restore(t.data.pipelines, t.pipelines)
	restore(t.data.documents, t.documents)
	restore(t.data.jobs, t.jobs)
	restore(t.data.executions, t.executions)
}

func pipelineRows(s state) map[uuid.UUID]store.PipelineDefinition { return s.pipelines }
func documentRows(s state) map[uuid.UUID]store.Document { return s.documents }
func jobRows(s state) map[uuid.UUID]store.Job { return s.jobs }
func executionRows(s state) map[uuid.UUID]store.StageExecution { return s.executions }

func (t *txRepo) CreatePipeline(ctx context.Context, p *store.PipelineDefinition) error {
	touch(t.Store, t.pipelines, pipelineRows, p.ID, copyPipeline)
	return t.Store.CreatePipeline(ctx, p)
}

func (t *txRepo) UpdatePipeline(ctx context.Context, p *store.PipelineDefinition) error {
	touch(t.Store, t.pipelines, pipelineRows, p.ID, copyPipeline)
	return t.Store.UpdatePipeline(ctx, p)
}

func (t *txRepo) CreateDocument(ctx context.Context, d *store.Document) error {
	touch(t.Store, t.documents, documentRows, d.ID, copyDocument)
	return t.Store.CreateDocument(ctx, d)
}

func (t *txRepo) SetDocumentState(ctx context.Context, id uuid.UUID, next store.DocumentState) error {
	touch(t.Store, t.documents, documentRows, id, copyDocument)
	return t.Store.SetDocumentState(ctx, id, next)
}

func (t *txRepo) MergeDocumentMetadata(ctx context.Context, id uuid.UUID, payload map[string]any, overwrite bool) ([]string, error) {
	touch(t.Store, t.documents, documentRows, id, copyDocument)
	return t.Store.MergeDocumentMetadata(ctx, id, payload, overwrite)
}

func (t *txRepo) CreateJob(ctx context.Context, j *store.Job) error {
	touch(t.Store, t.jobs, jobRows, j.ID, copyJob)
	return t.Store.CreateJob(ctx, j)
}

func (t *txRepo) UpdateJob(ctx context.Context, j *store.Job) error {
	touch(t.Store, t.jobs, jobRows, j.ID, copyJob)
	return t.Store.UpdateJob(ctx, j)
}

func (t *txRepo) CreateStageExecution(ctx context.Context, e *store.StageExecution) error {
	touch(t.Store, t.executions, executionRows, e.ID, copyExecution)
	return t.Store.CreateStageExecution(ctx, e)
}

func (t *txRepo) UpdateStageExecution(ctx context.Context, e *store.StageExecution) error {
	touch(t.Store, t.executions, executionRows, e.ID, copyExecution)
	return t.Store.UpdateStageExecution(ctx, e)
}
