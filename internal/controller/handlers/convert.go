package handlers

import (
	"encoding/json"

	"docflow/internal/progress"
	"docflow/internal/store"
	"docflow/pkg/api"
)

func toTenantResponse(t *store.Tenant) api.TenantResponse {
	return api.TenantResponse{
		ID:             t.ID.String(),
		Name:           t.Name,
		Status:         string(t.Status),
		Database:       t.Store.Database,
		RateLimit:      t.RateLimit,
		RateLimitBurst: t.RateLimitBurst,
		CreatedAt:      t.CreatedAt,
		RetiredAt:      t.RetiredAt,
	}
}

func toStageConfigs(stages []store.StageConfig) []api.StageConfig {
	out := make([]api.StageConfig, 0, len(stages))
	for _, s := range stages {
		sc := api.StageConfig{
			Type:           s.Type,
			Name:           s.Name,
			AllowOverwrite: s.AllowOverwrite,
			TimeoutSeconds: s.TimeoutSeconds,
		}
		if len(s.Config) > 0 {
			// Configs are validated JSON objects when stored.
			_ = json.Unmarshal(s.Config, &sc.Config)
		}
		if s.When != nil {
			sc.When = &api.Condition{Key: s.When.Key, Exists: s.When.Exists, Equals: s.When.Equals}
		}
		out = append(out, sc)
	}
	return out
}

func toPipelineResponse(p *store.PipelineDefinition) api.PipelineResponse {
	return api.PipelineResponse{
		ID:          p.ID.String(),
		Name:        p.Name,
		Version:     p.Version,
		MaxAttempts: p.MaxAttempts,
		Stages:      toStageConfigs(p.Stages),
		CreatedAt:   p.CreatedAt,
		UpdatedAt:   p.UpdatedAt,
	}
}

func toDocumentResponse(d *store.Document) api.DocumentResponse {
	metadata := d.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	return api.DocumentResponse{
		ID:          d.ID.String(),
		Name:        d.Name,
		MediaType:   d.MediaType,
		Size:        d.Size,
		ContentHash: d.ContentHash,
		Location:    d.Location,
		State:       string(d.State),
		Metadata:    metadata,
		CreatedAt:   d.CreatedAt,
		UpdatedAt:   d.UpdatedAt,
	}
}

func toJobResponse(j *store.Job, execs []store.StageExecution) api.JobResponse {
	resp := api.JobResponse{
		ID:              j.ID.String(),
		DocumentID:      j.DocumentID.String(),
		PipelineID:      j.Snapshot.PipelineID.String(),
		PipelineName:    j.Snapshot.PipelineName,
		PipelineVersion: j.Snapshot.PipelineVersion,
		State:           string(j.State),
		Cursor:          j.Cursor,
		TotalStages:     len(j.Snapshot.Stages),
		Attempts:        j.Attempts,
		MaxAttempts:     j.MaxAttempts,
		CreatedAt:       j.CreatedAt,
		UpdatedAt:       j.UpdatedAt,
	}
	for _, e := range j.ErrorLog {
		resp.Errors = append(resp.Errors, api.ErrorLogEntry{
			At:        e.At,
			Attempt:   e.Attempt,
			Cursor:    e.Cursor,
			StageType: e.StageType,
			Message:   e.Message,
		})
	}
	for i := range execs {
		e := &execs[i]
		resp.Stages = append(resp.Stages, api.StageExecutionResponse{
			ID:         e.ID.String(),
			Cursor:     e.Cursor,
			Attempt:    e.Attempt,
			StageType:  e.StageType,
			State:      string(e.State),
			Output:     e.Output,
			Error:      e.Error,
			StartedAt:  e.StartedAt,
			FinishedAt: e.FinishedAt,
			DurationMS: e.Duration().Milliseconds(),
		})
	}
	return resp
}

func toProgressResponse(s *progress.Snapshot) api.ProgressResponse {
	return api.ProgressResponse{
		JobID:     s.JobID.String(),
		State:     s.State,
		Cursor:    s.Cursor,
		Total:     s.Total,
		Percent:   s.Percent(),
		Stage:     s.Stage,
		Attempts:  s.Attempts,
		UpdatedAt: s.UpdatedAt,
	}
}

func toDLQResponse(e *store.DLQEntry) api.DLQEntryResponse {
	return api.DLQEntryResponse{
		ID:       e.ID,
		TenantID: e.TenantID.String(),
		JobID:    e.JobID.String(),
		Reason:   e.Reason,
		Attempts: e.Attempts,
		FailedAt: e.FailedAt,
	}
}
