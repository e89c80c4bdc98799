package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"strings"

	"docflow/internal/store"
	"docflow/internal/tenant"
	"docflow/pkg/api"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
)

// MetadataHeader optionally carries the initial document metadata as a JSON object.
const MetadataHeader = "X-Document-Metadata"

// UploadDocument handles POST /documents?name=...&pipeline_id=...
// The raw request body is the document. When pipeline_id is given a job is started too.
func (h *Handlers) UploadDocument(w http.ResponseWriter, r *http.Request) {
	if h.Documents == nil {
		h.httpError(w, "Document storage is not configured", http.StatusServiceUnavailable)
		return
	}

	q := r.URL.Query()
	var pipelineID uuid.UUID
	if raw := q.Get("pipeline_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			h.httpError(w, "Invalid pipeline_id", http.StatusBadRequest)
			return
		}
		pipelineID = id
	}

	metadata := map[string]any{}
	if raw := r.Header.Get(MetadataHeader); raw != "" {
		if err := json.Unmarshal([]byte(raw), &metadata); err != nil || metadata == nil {
			h.httpError(w, "Invalid "+MetadataHeader+" header", http.StatusBadRequest)
			return
		}
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.Config.MaxDocumentBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.httpError(w, "Document too large", http.StatusRequestEntityTooLarge)
			return
		}
		h.httpError(w, "Failed to read document", http.StatusBadRequest)
		return
	}
	if len(body) == 0 {
		h.httpError(w, "Document body is empty", http.StatusBadRequest)
		return
	}

	name := strings.TrimSpace(q.Get("name"))
	if name == "" {
		name = "document"
	}
	mediaType := mediaTypeOf(r.Header.Get("Content-Type"), body)

	var resp api.UploadDocumentResponse
	ok := h.inTenant(w, r, func(ctx context.Context, s *tenant.Scope) error {
		repo := s.Repo()
		if pipelineID != uuid.Nil {
			if _, err := repo.GetPipeline(ctx, pipelineID); err != nil {
				if errors.Is(err, store.ErrNotFound) {
					return invalid("Unknown pipeline_id")
				}
				return err
			}
		}

		docID := uuid.New()
		obj, err := h.Documents.Put(ctx, s.TenantID(), docID, body, mediaType)
		if err != nil {
			return err
		}
		now := h.now().UTC()
		doc := &store.Document{
			ID:          docID,
			Name:        name,
			Location:    obj.Location,
			ContentHash: obj.ContentHash,
			MediaType:   obj.MediaType,
			Size:        obj.Size,
			Metadata:    metadata,
			State:       store.DocumentStatePending,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := repo.CreateDocument(ctx, doc); err != nil {
			return err
		}

		if pipelineID != uuid.Nil {
			job, err := h.Jobs.CreateJob(ctx, s, docID, pipelineID)
			if err != nil {
				return err
			}
			jr := toJobResponse(job, nil)
			resp.Job = &jr
			if doc, err = repo.GetDocument(ctx, docID); err != nil {
				return err
			}
		}
		resp.Document = toDocumentResponse(doc)
		return nil
	})
	if !ok {
		return
	}
	h.respondJson(w, http.StatusCreated, resp)
}

// GetDocument handles GET /documents/{id}.
func (h *Handlers) GetDocument(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var doc *store.Document
	ok := h.inTenant(w, r, func(ctx context.Context, s *tenant.Scope) error {
		var err error
		doc, err = s.Repo().GetDocument(ctx, id)
		return err
	})
	if !ok {
		return
	}
	h.respondJson(w, http.StatusOK, toDocumentResponse(doc))
}

// CreateDocumentJob handles POST /documents/{id}/jobs.
func (h *Handlers) CreateDocumentJob(w http.ResponseWriter, r *http.Request) {
	docID, err := pathID(r, "id")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var req api.CreateJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.httpError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	pipelineID, err := uuid.Parse(req.PipelineID)
	if err != nil {
		h.httpError(w, "Invalid pipeline_id", http.StatusBadRequest)
		return
	}

	var job *store.Job
	ok := h.inTenant(w, r, func(ctx context.Context, s *tenant.Scope) error {
		var err error
		job, err = h.Jobs.CreateJob(ctx, s, docID, pipelineID)
		return err
	})
	if !ok {
		return
	}
	h.respondJson(w, http.StatusCreated, toJobResponse(job, nil))
}

// mediaTypeOf trusts a specific Content-Type and sniffs the content otherwise.
func mediaTypeOf(contentType string, body []byte) string {
	if contentType != "" {
		if mt, _, err := mime.ParseMediaType(contentType); err == nil && mt != "application/octet-stream" {
			return mt
		}
	}
	mt, _, _ := mime.ParseMediaType(mimetype.Detect(body).String())
	return mt
}
