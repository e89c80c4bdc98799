package handlers

import (
	"log/slog"
	"net/http"
	"strconv"

	"docflow/internal/logger"
	"docflow/pkg/api"

	"github.com/google/uuid"
)

// ListDLQ handles GET /dispatch/dlq (Admin Only).
func (h *Handlers) ListDLQ(w http.ResponseWriter, r *http.Request) {
	if h.DeadLetters == nil {
		h.httpError(w, "Dead letters are kept by the message broker", http.StatusNotImplemented)
		return
	}

	var tenantID *uuid.UUID
	if raw := r.URL.Query().Get("tenant_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			h.httpError(w, "Invalid tenant_id", http.StatusBadRequest)
			return
		}
		tenantID = &id
	}
	limit, err := queryInt(r, "limit", 50)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	entries, err := h.DeadLetters.ListDLQ(r.Context(), tenantID, limit, offset)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	resp := make([]api.DLQEntryResponse, 0, len(entries))
	for i := range entries {
		resp = append(resp, toDLQResponse(&entries[i]))
	}
	h.respondJson(w, http.StatusOK, resp)
}

// RetryDLQ handles POST /dispatch/dlq/{id}/retry (Admin Only).
func (h *Handlers) RetryDLQ(w http.ResponseWriter, r *http.Request) {
	if h.DeadLetters == nil {
		h.httpError(w, "Dead letters are kept by the message broker", http.StatusNotImplemented)
		return
	}
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		h.httpError(w, "Invalid id", http.StatusBadRequest)
		return
	}

	entry, err := h.DeadLetters.RetryFromDLQ(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	logFromRequest(r, h).Info("dead letter requeued", "dlq_id", id, "tenant_id", entry.TenantID, "job_id", entry.JobID)
	h.respondJson(w, http.StatusOK, toDLQResponse(entry))
}

func logFromRequest(r *http.Request, h *Handlers) *slog.Logger {
	return logger.FromContext(r.Context(), h.Logger)
}
