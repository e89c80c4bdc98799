// Package memory implements store.TenantRepository in process memory.
// It enforces the same state machines and compare-and-set rules as the Postgres store
// and backs the orchestrator and router test suites.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"docflow/internal/store"

	"github.com/google/uuid"
)

// Store is one tenant's in-memory data store.
type Store struct {
	txMu sync.Mutex
	mu   sync.RWMutex
	data state
	now  func() time.Time
}

type state struct {
	pipelines  map[uuid.UUID]store.PipelineDefinition
	documents  map[uuid.UUID]store.Document
	jobs       map[uuid.UUID]store.Job
	executions map[uuid.UUID]store.StageExecution
}

// New creates an empty store.
func New() *Store {
	return &Store{data: newState(), now: time.Now}
}

func newState() state {
	return state{
		pipelines:  make(map[uuid.UUID]store.PipelineDefinition),
		documents:  make(map[uuid.UUID]store.Document),
		jobs:       make(map[uuid.UUID]store.Job),
		executions: make(map[uuid.UUID]store.StageExecution),
	}
}

// InTx serializes transactions. When fn fails, the rows it wrote are put back the way
// they were; writes made outside the transaction are kept.
func (s *Store) InTx(ctx context.Context, fn func(repo store.TenantRepository) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	tx := newTxRepo(s)
	if err := fn(tx); err != nil {
		tx.rollback()
		return err
	}
	return nil
}

func (s *Store) CreatePipeline(ctx context.Context, p *store.PipelineDefinition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.data.pipelines[p.ID]; ok {
		return fmt.Errorf("pipeline %s already exists", p.ID)
	}
	if p.Version == 0 {
		p.Version = 1
	}
	s.data.pipelines[p.ID] = copyPipeline(*p)
	return nil
}

func (s *Store) GetPipeline(ctx context.Context, id uuid.UUID) (*store.PipelineDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.data.pipelines[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := copyPipeline(p)
	return &out, nil
}

func (s *Store) UpdatePipeline(ctx context.Context, p *store.PipelineDefinition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.data.pipelines[p.ID]
	if !ok {
		return store.ErrNotFound
	}
	p.Version = existing.Version + 1
	p.CreatedAt = existing.CreatedAt
	p.UpdatedAt = s.now().UTC()
	s.data.pipelines[p.ID] = copyPipeline(*p)
	return nil
}

func (s *Store) ListPipelines(ctx context.Context) ([]store.PipelineDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]store.PipelineDefinition, 0, len(s.data.pipelines))
	for _, p := range s.data.pipelines {
		out = append(out, copyPipeline(p))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) CreateDocument(ctx context.Context, d *store.Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.data.documents[d.ID]; ok {
		return fmt.Errorf("document %s already exists", d.ID)
	}
	if d.State == "" {
		d.State = store.DocumentStatePending
	}
	if d.Metadata == nil {
		d.Metadata = map[string]any{}
	}
	s.data.documents[d.ID] = copyDocument(*d)
	return nil
}

func (s *Store) GetDocument(ctx context.Context, id uuid.UUID) (*store.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.data.documents[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := copyDocument(d)
	return &out, nil
}

// Documents returns every document, oldest first.
func (s *Store) Documents() []store.Document {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]store.Document, 0, len(s.data.documents))
	for _, d := range s.data.documents {
		out = append(out, copyDocument(d))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (s *Store) SetDocumentState(ctx context.Context, id uuid.UUID, next store.DocumentState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.data.documents[id]
	if !ok {
		return store.ErrNotFound
	}
	if !d.State.CanTransition(next) {
		return fmt.Errorf("%w: document %s -> %s", store.ErrInvalidTransition, d.State, next)
	}
	d.State = next
	d.UpdatedAt = s.now().UTC()
	s.data.documents[id] = d
	return nil
}

func (s *Store) MergeDocumentMetadata(ctx context.Context, id uuid.UUID, payload map[string]any, overwrite bool) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.data.documents[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	merged, conflicts := store.MergeMetadata(d.Metadata, copyMap(payload), overwrite)
	d.Metadata = merged
	d.UpdatedAt = s.now().UTC()
	s.data.documents[id] = d
	return conflicts, nil
}

func (s *Store) CreateJob(ctx context.Context, j *store.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.data.jobs[j.ID]; ok {
		return fmt.Errorf("job %s already exists", j.ID)
	}
	if _, ok := s.data.documents[j.DocumentID]; !ok {
		return fmt.Errorf("job %s: document %s: %w", j.ID, j.DocumentID, store.ErrNotFound)
	}
	j.Version = 1
	s.data.jobs[j.ID] = copyJob(*j)
	return nil
}

func (s *Store) GetJob(ctx context.Context, id uuid.UUID) (*store.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.data.jobs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := copyJob(j)
	return &out, nil
}

func (s *Store) UpdateJob(ctx context.Context, j *store.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.data.jobs[j.ID]
	if !ok {
		return store.ErrNotFound
	}
	if existing.Version != j.Version {
		return store.ErrConflict
	}
	if err := store.ValidateJobUpdate(&existing, j); err != nil {
		return err
	}
	j.Version++
	j.UpdatedAt = s.now().UTC()
	s.data.jobs[j.ID] = copyJob(*j)
	return nil
}

func (s *Store) ListJobs(ctx context.Context, filter store.JobFilter) ([]store.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]store.Job, 0)
	for _, j := range s.data.jobs {
		if filter.DocumentID != nil && j.DocumentID != *filter.DocumentID {
			continue
		}
		if len(filter.States) > 0 && !hasState(filter.States, j.State) {
			continue
		}
		out = append(out, copyJob(j))
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.After(out[k].CreatedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *Store) HasActiveJob(ctx context.Context, documentID uuid.UUID) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, j := range s.data.jobs {
		if j.DocumentID == documentID && j.State.Active() {
			return true, nil
		}
	}
	return false, nil
}

func (s *Store) CreateStageExecution(ctx context.Context, e *store.StageExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.data.jobs[e.JobID]; !ok {
		return fmt.Errorf("stage execution %s: job %s: %w", e.ID, e.JobID, store.ErrNotFound)
	}
	if e.State != store.StageExecutionPending {
		return fmt.Errorf("%w: stage execution must start pending, got %s", store.ErrInvalidTransition, e.State)
	}
	s.data.executions[e.ID] = copyExecution(*e)
	return nil
}

func (s *Store) UpdateStageExecution(ctx context.Context, e *store.StageExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.data.executions[e.ID]
	if !ok {
		return store.ErrNotFound
	}
	if !existing.State.CanTransition(e.State) {
		return fmt.Errorf("%w: stage execution %s -> %s", store.ErrInvalidTransition, existing.State, e.State)
	}
	s.data.executions[e.ID] = copyExecution(*e)
	return nil
}

func (s *Store) ListStageExecutions(ctx context.Context, jobID uuid.UUID) ([]store.StageExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]store.StageExecution, 0)
	for _, e := range s.data.executions {
		if e.JobID == jobID {
			out = append(out, copyExecution(e))
		}
	}
	store.SortStageExecutions(out)
	return out, nil
}

func hasState(states []store.JobState, s store.JobState) bool {
	for _, candidate := range states {
		if candidate == s {
			return true
		}
	}
	return false
}

func copyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	raw, err := json.Marshal(m)
	if err != nil {
		out := make(map[string]any, len(m))
		for k, v := range m {
			out[k] = v
		}
		return out
	}
	var out map[string]any
	_ = json.Unmarshal(raw, &out)
	return out
}

func copyPipeline(p store.PipelineDefinition) store.PipelineDefinition {
	stages := make([]store.StageConfig, len(p.Stages))
	for i, st := range p.Stages {
		stages[i] = st.Clone()
	}
	p.Stages = stages
	return p
}

func copyDocument(d store.Document) store.Document {
	d.Metadata = copyMap(d.Metadata)
	if d.Metadata == nil {
		d.Metadata = map[string]any{}
	}
	return d
}

func copyJob(j store.Job) store.Job {
	stages := make([]store.StageConfig, len(j.Snapshot.Stages))
	for i, st := range j.Snapshot.Stages {
		stages[i] = st.Clone()
	}
	j.Snapshot.Stages = stages
	j.ErrorLog = append([]store.ErrorLogEntry(nil), j.ErrorLog...)
	if j.LeaseUntil != nil {
		t := *j.LeaseUntil
		j.LeaseUntil = &t
	}
	return j
}

func copyExecution(e store.StageExecution) store.StageExecution {
	e.Config = append(json.RawMessage(nil), e.Config...)
	e.Input = copyMap(e.Input)
	e.Output = copyMap(e.Output)
	if e.Error != nil {
		msg := *e.Error
		e.Error = &msg
	}
	if e.StartedAt != nil {
		t := *e.StartedAt
		e.StartedAt = &t
	}
	if e.FinishedAt != nil {
		t := *e.FinishedAt
		e.FinishedAt = &t
	}
	return e
}
