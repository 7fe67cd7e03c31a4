package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/orbitmesh/orbitmesh/internal/orberrors"
	"github.com/orbitmesh/orbitmesh/internal/orchestrator"
	"github.com/orbitmesh/orbitmesh/internal/types"
)

// JobHandler groups the job submission, query and cancellation endpoints.
// Every mutating operation delegates to the Orchestrator — this package
// never touches the job store directly.
type JobHandler struct {
	orch   *orchestrator.Orchestrator
	logger *zap.Logger
}

func NewJobHandler(orch *orchestrator.Orchestrator, logger *zap.Logger) *JobHandler {
	return &JobHandler{orch: orch, logger: logger.Named("job_handler")}
}

// Submit handles POST /api/v1/jobs. The request body is a types.JobRequest;
// submission is idempotent on IdempotencyKey when present.
func (h *JobHandler) Submit(w http.ResponseWriter, r *http.Request) {
	var req types.JobRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	result, err := h.orch.SubmitJob(r.Context(), req)
	if err != nil {
		h.logger.Warn("submit job failed", zap.String("job_id", req.ID), zap.Error(err))
		writeDomainError(w, err)
		return
	}
	Created(w, result)
}

// List handles GET /api/v1/jobs, optionally filtered by status and/or
// agent_id query parameters.
func (h *JobHandler) List(w http.ResponseWriter, r *http.Request) {
	var statusPtr *types.JobStatus
	if raw := r.URL.Query().Get("status"); raw != "" {
		status := types.JobStatus(raw)
		statusPtr = &status
	}
	agentID := r.URL.Query().Get("agent_id")

	jobs := h.orch.ListJobs(statusPtr, agentID)
	Ok(w, jobs)
}

// GetByID handles GET /api/v1/jobs/{id}.
func (h *JobHandler) GetByID(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	job, err := h.orch.GetJob(id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	Ok(w, job)
}

// Cancel handles POST /api/v1/jobs/{id}/cancel.
func (h *JobHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if _, err := h.orch.CancelJob(r.Context(), id); err != nil {
		if _, ok := orberrors.KindOf(err); ok {
			writeDomainError(w, err)
			return
		}
		h.logger.Error("cancel job failed", zap.String("job_id", id), zap.Error(err))
		ErrInternal(w)
		return
	}
	NoContent(w)
}
