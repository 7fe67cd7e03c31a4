package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/orbitmesh/orbitmesh/internal/deadletter"
)

// DeadLetterHandler exposes the dead-letter queue for operator browse,
// manual retry, and purge.
type DeadLetterHandler struct {
	dlq    *deadletter.Queue
	logger *zap.Logger
}

func NewDeadLetterHandler(dlq *deadletter.Queue, logger *zap.Logger) *DeadLetterHandler {
	return &DeadLetterHandler{dlq: dlq, logger: logger.Named("deadletter_handler")}
}

// List handles GET /api/v1/deadletter.
func (h *DeadLetterHandler) List(w http.ResponseWriter, r *http.Request) {
	Ok(w, h.dlq.List())
}

// Retry handles POST /api/v1/deadletter/{id}/retry. It marks the entry for
// retry — resubmission into the job store is the operator's follow-up call
// to POST /api/v1/jobs using the entry's original request, since re-entry
// requires a fresh idempotency decision the dead-letter queue itself does
// not make.
func (h *DeadLetterHandler) Retry(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := h.dlq.MarkForRetry(id); err != nil {
		writeDomainError(w, err)
		return
	}

	entry, err := h.dlq.Get(id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	Ok(w, entry)
}

// Remove handles DELETE /api/v1/deadletter/{id}.
func (h *DeadLetterHandler) Remove(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := h.dlq.Remove(id); err != nil {
		writeDomainError(w, err)
		return
	}
	NoContent(w)
}
