package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"docflow/internal/stage"
	"docflow/internal/store"
	"docflow/internal/tenant"
	"docflow/pkg/api"

	"github.com/google/uuid"
)

// CreatePipeline handles POST /pipelines.
func (h *Handlers) CreatePipeline(w http.ResponseWriter, r *http.Request) {
	var req api.PipelineRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.httpError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	var created *store.PipelineDefinition
	ok := h.inTenant(w, r, func(ctx context.Context, s *tenant.Scope) error {
		p, err := h.pipelineFromRequest(req)
		if err != nil {
			return err
		}
		now := h.now().UTC()
		p.ID = uuid.New()
		p.Version = 1
		p.CreatedAt = now
		p.UpdatedAt = now
		if err := s.Repo().CreatePipeline(ctx, p); err != nil {
			return err
		}
		created = p
		return nil
	})
	if !ok {
		return
	}
	h.respondJson(w, http.StatusCreated, toPipelineResponse(created))
}

// UpdatePipeline handles PUT /pipelines/{id}. Jobs already running keep the stages they
// were created with.
func (h *Handlers) UpdatePipeline(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var req api.PipelineRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.httpError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	var updated *store.PipelineDefinition
	ok := h.inTenant(w, r, func(ctx context.Context, s *tenant.Scope) error {
		p, err := h.pipelineFromRequest(req)
		if err != nil {
			return err
		}
		return s.Repo().InTx(ctx, func(tx store.TenantRepository) error {
			existing, err := tx.GetPipeline(ctx, id)
			if err != nil {
				return err
			}
			p.ID = existing.ID
			p.CreatedAt = existing.CreatedAt
			p.UpdatedAt = h.now().UTC()
			if err := tx.UpdatePipeline(ctx, p); err != nil {
				return err
			}
			updated, err = tx.GetPipeline(ctx, id)
			return err
		})
	})
	if !ok {
		return
	}
	h.respondJson(w, http.StatusOK, toPipelineResponse(updated))
}

// GetPipeline handles GET /pipelines/{id}.
func (h *Handlers) GetPipeline(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var p *store.PipelineDefinition
	ok := h.inTenant(w, r, func(ctx context.Context, s *tenant.Scope) error {
		var err error
		p, err = s.Repo().GetPipeline(ctx, id)
		return err
	})
	if !ok {
		return
	}
	h.respondJson(w, http.StatusOK, toPipelineResponse(p))
}

// ListPipelines handles GET /pipelines.
func (h *Handlers) ListPipelines(w http.ResponseWriter, r *http.Request) {
	var list []store.PipelineDefinition
	ok := h.inTenant(w, r, func(ctx context.Context, s *tenant.Scope) error {
		var err error
		list, err = s.Repo().ListPipelines(ctx)
		return err
	})
	if !ok {
		return
	}
	resp := make([]api.PipelineResponse, 0, len(list))
	for i := range list {
		resp = append(resp, toPipelineResponse(&list[i]))
	}
	h.respondJson(w, http.StatusOK, resp)
}

// pipelineFromRequest validates a pipeline body against the stage registry.
// Unknown stage types and configurations their handler rejects are refused here rather
// than failing the first job that reaches them.
func (h *Handlers) pipelineFromRequest(req api.PipelineRequest) (*store.PipelineDefinition, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, invalid("Name is required")
	}
	if req.MaxAttempts < 0 {
		return nil, invalid("max_attempts must not be negative")
	}

	stages := make([]store.StageConfig, 0, len(req.Stages))
	for i, sc := range req.Stages {
		cfg, err := h.stageFromRequest(sc)
		if err != nil {
			return nil, invalid(fmt.Sprintf("stage %d: %v", i, err))
		}
		stages = append(stages, cfg)
	}
	return &store.PipelineDefinition{Name: name, MaxAttempts: req.MaxAttempts, Stages: stages}, nil
}

func (h *Handlers) stageFromRequest(sc api.StageConfig) (store.StageConfig, error) {
	if sc.Type == "" {
		return store.StageConfig{}, fmt.Errorf("type is required")
	}
	if sc.TimeoutSeconds < 0 {
		return store.StageConfig{}, fmt.Errorf("timeout_seconds must not be negative")
	}
	if sc.When != nil && sc.When.Key == "" {
		return store.StageConfig{}, fmt.Errorf("when.key is required")
	}

	var raw json.RawMessage
	if sc.Config != nil {
		b, err := json.Marshal(sc.Config)
		if err != nil {
			return store.StageConfig{}, fmt.Errorf("config: %w", err)
		}
		raw = b
	}

	handler, err := h.Stages.Resolve(sc.Type)
	if err != nil {
		return store.StageConfig{}, err
	}
	if v, ok := handler.(stage.ConfigValidator); ok {
		if err := v.ValidateConfig(raw); err != nil {
			return store.StageConfig{}, err
		}
	}

	out := store.StageConfig{
		Type:           sc.Type,
		Name:           sc.Name,
		Config:         raw,
		AllowOverwrite: sc.AllowOverwrite,
		TimeoutSeconds: sc.TimeoutSeconds,
	}
	if sc.When != nil {
		out.When = &store.Condition{Key: sc.When.Key, Exists: sc.When.Exists, Equals: sc.When.Equals}
	}
	return out, nil
}
