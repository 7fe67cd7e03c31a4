// Package router selects one eligible agent for a routing request: capable,
// tagged, pattern-matched, Ready, and least-loaded. A failed match is not an
// error — the caller leaves the job Pending for later reconsideration.
package router

import (
	"strings"

	"github.com/orbitmesh/orbitmesh/internal/types"
)

// AgentLister is the subset of the agent registry the router depends on.
// Defined here (consumer-owned interface) rather than importing the
// concrete registry type, so the router can be tested against a fake.
type AgentLister interface {
	ListByStatus(status types.AgentStatus) []types.Agent
}

// LoadCounter reports how many non-terminal jobs are currently assigned to
// an agent, used to break ties toward the least-loaded candidate.
type LoadCounter interface {
	InFlightCount(agentID string) int
}

// RoutingRequest is derived from a JobRequest by the caller (Orchestrator,
// Work-Item Processor).
type RoutingRequest struct {
	RequiredCapabilities []string
	RequiredTags         []string
	Pattern              string
}

type Router struct {
	agents AgentLister
	load   LoadCounter
}

func New(agents AgentLister, load LoadCounter) *Router {
	return &Router{agents: agents, load: load}
}

// Select returns the best eligible agent, or ok=false if none match.
func (r *Router) Select(req RoutingRequest) (types.Agent, bool) {
	candidates := r.agents.ListByStatus(types.AgentReady)

	var eligible []types.Agent
	for _, a := range candidates {
		if !hasAllCapabilities(a, req.RequiredCapabilities) {
			continue
		}
		if !hasAllTags(a, req.RequiredTags) {
			continue
		}
		if !matchesPattern(a, req.Pattern) {
			continue
		}
		eligible = append(eligible, a)
	}

	if len(eligible) == 0 {
		return types.Agent{}, false
	}

	best := eligible[0]
	bestLoad := r.load.InFlightCount(best.ID)
	for _, a := range eligible[1:] {
		load := r.load.InFlightCount(a.ID)
		if load < bestLoad || (load == bestLoad && a.RegisteredAt.Before(best.RegisteredAt)) {
			best = a
			bestLoad = load
		}
	}
	return best, true
}

func hasAllCapabilities(a types.Agent, required []string) bool {
	for _, req := range required {
		if !a.HasCapability(req) {
			return false
		}
	}
	return true
}

func hasAllTags(a types.Agent, required []string) bool {
	for _, req := range required {
		if !a.HasTag(req) {
			return false
		}
	}
	return true
}

// matchesPattern implements the glob vocabulary from §4.3: "*", "prefix*",
// "*suffix*", exact, and "group:NAME". An empty pattern matches everything.
func matchesPattern(a types.Agent, pattern string) bool {
	if pattern == "" || pattern == "*" {
		return true
	}
	if group, ok := strings.CutPrefix(pattern, "group:"); ok {
		return a.Group == group
	}
	if strings.HasPrefix(pattern, "*") && strings.HasSuffix(pattern, "*") && len(pattern) >= 2 {
		return strings.Contains(a.ID, pattern[1:len(pattern)-1])
	}
	if strings.HasSuffix(pattern, "*") {
		return strings.HasPrefix(a.ID, pattern[:len(pattern)-1])
	}
	if strings.HasPrefix(pattern, "*") {
		return strings.HasSuffix(a.ID, pattern[1:])
	}
	return a.ID == pattern
}
