package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/orbitmesh/orbitmesh/internal/agentregistry"
	"github.com/orbitmesh/orbitmesh/internal/rpchub"
	"github.com/orbitmesh/orbitmesh/internal/types"
)

// AgentHandler groups the read-only agent query endpoints. Agents are never
// created or updated through the REST surface — they register themselves
// over the RPC hub's wire protocol.
type AgentHandler struct {
	registry *agentregistry.Registry
	hub      *rpchub.Hub
	logger   *zap.Logger
}

func NewAgentHandler(registry *agentregistry.Registry, hub *rpchub.Hub, logger *zap.Logger) *AgentHandler {
	return &AgentHandler{registry: registry, hub: hub, logger: logger.Named("agent_handler")}
}

// List handles GET /api/v1/agents, with optional status, group, or
// capability query-parameter filters and limit/offset pagination.
func (h *AgentHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	switch {
	case q.Get("status") != "":
		Ok(w, h.registry.ListByStatus(types.AgentStatus(q.Get("status"))))
	case q.Get("group") != "":
		Ok(w, h.registry.ListByGroup(q.Get("group")))
	case q.Get("capability") != "":
		Ok(w, h.registry.ListByCapability(q.Get("capability")))
	default:
		Ok(w, h.registry.Paged(agentregistry.PagedOptions{
			Limit:  atoiDefault(q.Get("limit"), 50),
			Offset: atoiDefault(q.Get("offset"), 0),
		}))
	}
}

// GetByID handles GET /api/v1/agents/{id}.
func (h *AgentHandler) GetByID(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	agent, err := h.registry.Get(id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	Ok(w, agent)
}

func atoiDefault(raw string, def int) int {
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

