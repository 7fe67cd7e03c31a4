package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/orbitmesh/orbitmesh/internal/api"
	"github.com/orbitmesh/orbitmesh/internal/types"
)

func withURLParam(r *http.Request, key, value string) *http.Request {
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add(key, value)
	return r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))
}

func TestJobHandler_Submit_Created(t *testing.T) {
	h := api.NewJobHandler(testOrchestrator(), zap.NewNop())

	body, err := json.Marshal(types.JobRequest{ID: "job-1", Command: "echo"})
	require.NoError(t, err)
	r := httptest.NewRequest(http.MethodPost, "/api/v1/jobs", bytes.NewReader(body))
	w := recorder()

	h.Submit(w, r)

	assert.Equal(t, http.StatusCreated, w.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Contains(t, resp, "data")
}

func TestJobHandler_Submit_InvalidBody(t *testing.T) {
	h := api.NewJobHandler(testOrchestrator(), zap.NewNop())

	r := httptest.NewRequest(http.MethodPost, "/api/v1/jobs", bytes.NewReader([]byte("{not json")))
	w := recorder()

	h.Submit(w, r)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestJobHandler_List_FiltersByStatus(t *testing.T) {
	orch := testOrchestrator()
	h := api.NewJobHandler(orch, zap.NewNop())

	body, _ := json.Marshal(types.JobRequest{ID: "job-1", Command: "echo"})
	h.Submit(recorder(), httptest.NewRequest(http.MethodPost, "/api/v1/jobs", bytes.NewReader(body)))

	r := httptest.NewRequest(http.MethodGet, "/api/v1/jobs?status=Pending", nil)
	w := recorder()
	h.List(w, r)

	assert.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Data []types.Job `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Data, 1)
	assert.Equal(t, "job-1", resp.Data[0].Request.ID)
}

func TestJobHandler_GetByID_NotFound(t *testing.T) {
	h := api.NewJobHandler(testOrchestrator(), zap.NewNop())

	r := withURLParam(httptest.NewRequest(http.MethodGet, "/api/v1/jobs/nope", nil), "id", "nope")
	w := recorder()
	h.GetByID(w, r)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestJobHandler_GetByID_Found(t *testing.T) {
	orch := testOrchestrator()
	h := api.NewJobHandler(orch, zap.NewNop())

	body, _ := json.Marshal(types.JobRequest{ID: "job-1", Command: "echo"})
	h.Submit(recorder(), httptest.NewRequest(http.MethodPost, "/api/v1/jobs", bytes.NewReader(body)))

	r := withURLParam(httptest.NewRequest(http.MethodGet, "/api/v1/jobs/job-1", nil), "id", "job-1")
	w := recorder()
	h.GetByID(w, r)

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestJobHandler_Cancel_UnknownJob(t *testing.T) {
	h := api.NewJobHandler(testOrchestrator(), zap.NewNop())

	r := withURLParam(httptest.NewRequest(http.MethodPost, "/api/v1/jobs/nope/cancel", nil), "id", "nope")
	w := recorder()
	h.Cancel(w, r)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestJobHandler_Cancel_Pending(t *testing.T) {
	orch := testOrchestrator()
	h := api.NewJobHandler(orch, zap.NewNop())

	body, _ := json.Marshal(types.JobRequest{ID: "job-1", Command: "echo"})
	h.Submit(recorder(), httptest.NewRequest(http.MethodPost, "/api/v1/jobs", bytes.NewReader(body)))

	r := withURLParam(httptest.NewRequest(http.MethodPost, "/api/v1/jobs/job-1/cancel", nil), "id", "job-1")
	w := recorder()
	h.Cancel(w, r)

	assert.Equal(t, http.StatusNoContent, w.Code)
}
