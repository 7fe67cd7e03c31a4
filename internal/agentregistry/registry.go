// Package agentregistry tracks connected agents: their declared capabilities,
// tags, group, presence, and the connection handle the RPC hub uses to reach
// them. Presence is derived from transport state, not self-reported — the
// hub calls Register/Unregister as connections open and close; heartbeats
// only refresh LastHeartbeat on an already-registered agent.
package agentregistry

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/orbitmesh/orbitmesh/internal/orberrors"
	"github.com/orbitmesh/orbitmesh/internal/telemetry"
	"github.com/orbitmesh/orbitmesh/internal/types"
)

// Event is published to subscribers (the RPC hub's dashboard translator)
// whenever registry state changes.
type Event struct {
	Kind    EventKind
	Agent   types.Agent
	OldStat types.AgentStatus
}

type EventKind string

const (
	EventAgentConnected      EventKind = "AgentConnected"
	EventAgentDisconnected   EventKind = "AgentDisconnected"
	EventAgentStatusChanged  EventKind = "AgentStatusChanged"
)

// Config holds the registry's tunables from the configuration surface
// (§6: heartbeatInterval, agentGracePeriod).
type Config struct {
	HeartbeatInterval time.Duration
	GracePeriod       time.Duration
}

func DefaultConfig() Config {
	return Config{
		HeartbeatInterval: 30 * time.Second,
		GracePeriod:       5 * time.Minute,
	}
}

// entry is the registry's internal per-agent record. disconnectedAt is used
// to evict agents past the grace period; it is zero while connected.
type entry struct {
	agent          types.Agent
	disconnectedAt time.Time
}

// Registry is the in-memory agent registry. Writes are serialized per agent
// id by the single mutex — contention is acceptable because registry writes
// are rare compared to job-store writes. The zero value is not usable; use
// New.
type Registry struct {
	cfg Config

	mu     sync.RWMutex
	agents map[string]*entry

	subMu sync.RWMutex
	subs  map[int]chan Event
	nextSub int

	logger *zap.Logger
}

func New(cfg Config, logger *zap.Logger) *Registry {
	return &Registry{
		cfg:    cfg,
		agents: make(map[string]*entry),
		subs:   make(map[int]chan Event),
		logger: logger.Named("agentregistry"),
	}
}

// Subscribe returns a channel of registry events. The channel has a small
// buffer; a slow subscriber misses events rather than blocking the registry
// — callers that need guaranteed delivery should drain promptly (the hub's
// dashboard translator does).
func (r *Registry) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 64)
	r.subMu.Lock()
	id := r.nextSub
	r.nextSub++
	r.subs[id] = ch
	r.subMu.Unlock()

	cancel := func() {
		r.subMu.Lock()
		delete(r.subs, id)
		r.subMu.Unlock()
		close(ch)
	}
	return ch, cancel
}

func (r *Registry) publish(ev Event) {
	r.subMu.RLock()
	defer r.subMu.RUnlock()
	for _, ch := range r.subs {
		select {
		case ch <- ev:
		default:
			// Non-blocking send: a subscriber whose buffer is full misses
			// this event; the next event will still carry current state.
		}
	}
}

// Register upserts an agent by ID. Re-registering an already-known id
// rebinds the connection handle and clears Disconnected — the old handle's
// owner (the hub) is responsible for closing it before calling Register
// again, matching "at most one live connection per agentId".
func (r *Registry) Register(agent types.Agent, connectionID string) types.RegistrationResult {
	now := time.Now().UTC()

	r.mu.Lock()
	e, exists := r.agents[agent.ID]
	wasDisconnected := exists && e.agent.Status == types.AgentDisconnected
	if !exists {
		agent.RegisteredAt = now
	} else {
		agent.RegisteredAt = e.agent.RegisteredAt
	}
	agent.LastHeartbeat = now
	agent.Status = types.AgentReady
	agent.ConnectionID = connectionID
	r.agents[agent.ID] = &entry{agent: agent}
	r.mu.Unlock()

	r.logger.Info("agent registered",
		zap.String("agent_id", agent.ID),
		zap.String("connection_id", connectionID),
		zap.Bool("reconnect", exists),
	)
	r.publish(Event{Kind: EventAgentConnected, Agent: agent})
	if !exists || wasDisconnected {
		telemetry.AgentsConnected.Inc()
	}

	return types.RegistrationResult{Success: true, HeartbeatInterval: r.cfg.HeartbeatInterval}
}

// Unregister marks an agent Disconnected, retaining the record for
// GracePeriod so a subsequent Register can be recognized as a reconnect
// rather than a fresh identity.
func (r *Registry) Unregister(agentID string) {
	r.mu.Lock()
	e, exists := r.agents[agentID]
	if !exists {
		r.mu.Unlock()
		return
	}
	wasConnected := e.agent.Status != types.AgentDisconnected
	e.agent.Status = types.AgentDisconnected
	e.agent.ConnectionID = ""
	e.disconnectedAt = time.Now().UTC()
	agentCopy := e.agent
	r.mu.Unlock()

	r.logger.Info("agent unregistered", zap.String("agent_id", agentID))
	r.publish(Event{Kind: EventAgentDisconnected, Agent: agentCopy})
	if wasConnected {
		telemetry.AgentsConnected.Dec()
	}
}

// Heartbeat refreshes LastHeartbeat. Out-of-order or stale timestamps are
// dropped — LastHeartbeat only ever moves forward.
func (r *Registry) Heartbeat(agentID string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, exists := r.agents[agentID]
	if !exists {
		return orberrors.ErrUnknownAgent
	}
	if at.After(e.agent.LastHeartbeat) {
		e.agent.LastHeartbeat = at
	}
	return nil
}

// UpdateStatus sets an agent's status, publishing AgentStatusChanged.
func (r *Registry) UpdateStatus(agentID string, status types.AgentStatus) error {
	r.mu.Lock()
	e, exists := r.agents[agentID]
	if !exists {
		r.mu.Unlock()
		return orberrors.ErrUnknownAgent
	}
	old := e.agent.Status
	e.agent.Status = status
	agentCopy := e.agent
	r.mu.Unlock()

	if old != status {
		r.publish(Event{Kind: EventAgentStatusChanged, Agent: agentCopy, OldStat: old})
	}
	return nil
}

func (r *Registry) Get(agentID string) (types.Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, exists := r.agents[agentID]
	if !exists {
		return types.Agent{}, orberrors.ErrUnknownAgent
	}
	return e.agent, nil
}

func (r *Registry) GetByConnection(connectionID string) (types.Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range r.agents {
		if e.agent.ConnectionID == connectionID {
			return e.agent, true
		}
	}
	return types.Agent{}, false
}

func (r *Registry) List() []types.Agent {
	return r.filter(func(types.Agent) bool { return true })
}

func (r *Registry) ListByStatus(s types.AgentStatus) []types.Agent {
	return r.filter(func(a types.Agent) bool { return a.Status == s })
}

func (r *Registry) ListByGroup(group string) []types.Agent {
	return r.filter(func(a types.Agent) bool { return a.Group == group })
}

func (r *Registry) ListByCapability(cap string) []types.Agent {
	return r.filter(func(a types.Agent) bool { return a.HasCapability(cap) })
}

// PagedOptions mirrors the repository-layer pagination convention used
// elsewhere in this codebase.
type PagedOptions struct {
	Limit  int
	Offset int
}

func (r *Registry) Paged(opts PagedOptions) []types.Agent {
	all := r.List()
	sort.Slice(all, func(i, j int) bool { return all[i].RegisteredAt.Before(all[j].RegisteredAt) })
	if opts.Offset >= len(all) {
		return nil
	}
	end := len(all)
	if opts.Limit > 0 && opts.Offset+opts.Limit < end {
		end = opts.Offset + opts.Limit
	}
	return all[opts.Offset:end]
}

// StaleSince returns connected agents whose LastHeartbeat is older than
// timeout. It only reports them: no periodic sweep in the control plane
// calls it, and missed heartbeats alone do not mark an agent Disconnected.
func (r *Registry) StaleSince(timeout time.Duration) []types.Agent {
	cutoff := time.Now().UTC().Add(-timeout)
	return r.filter(func(a types.Agent) bool {
		return a.Status != types.AgentDisconnected && a.LastHeartbeat.Before(cutoff)
	})
}

// EvictExpired removes agents that have been Disconnected for longer than
// the grace period, freeing the identity for a truly new registration.
func (r *Registry) EvictExpired() {
	cutoff := time.Now().UTC().Add(-r.cfg.GracePeriod)
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, e := range r.agents {
		if e.agent.Status == types.AgentDisconnected && !e.disconnectedAt.IsZero() && e.disconnectedAt.Before(cutoff) {
			delete(r.agents, id)
		}
	}
}

func (r *Registry) filter(pred func(types.Agent) bool) []types.Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]types.Agent, 0, len(r.agents))
	for _, e := range r.agents {
		if pred(e.agent) {
			out = append(out, e.agent)
		}
	}
	return out
}
