package rpchub

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/orbitmesh/orbitmesh/internal/orberrors"
	"github.com/orbitmesh/orbitmesh/internal/types"
)

// AgentRegistry is the subset of agentregistry.Registry the hub depends on.
type AgentRegistry interface {
	Register(agent types.Agent, connectionID string) types.RegistrationResult
	Unregister(agentID string)
	Heartbeat(agentID string, at time.Time) error
	UpdateStatus(agentID string, status types.AgentStatus) error
}

// Orchestrator is the subset of orchestrator.Orchestrator the hub depends
// on for agent->server invocations.
type Orchestrator interface {
	HandleAcknowledge(jobID, agentID string) error
	HandleResult(ctx context.Context, result types.JobResult) error
	HandleProgress(p types.JobProgress)
}

// pendingCall is an outstanding-call-table entry: the server is awaiting an
// agent reply for a client-results invocation. §9 models this exactly —
// {callbackId -> future, deadline}; reply completes it, expiry prunes it.
type pendingCall struct {
	replyCh chan Envelope
}

// Hub is the RPC transport terminus. One conn per connected agent; presence
// is derived from having a live conn, not from self-reported status.
type Hub struct {
	registry     AgentRegistry
	orchestrator Orchestrator
	logger       *zap.Logger

	connMu sync.RWMutex
	conns  map[string]*conn // agentID -> conn

	callMu  sync.Mutex
	calls   map[string]*pendingCall

	callTimeout time.Duration
}

func New(registry AgentRegistry, orch Orchestrator, logger *zap.Logger) *Hub {
	return &Hub{
		registry:     registry,
		orchestrator: orch,
		logger:       logger.Named("rpchub"),
		conns:        make(map[string]*conn),
		calls:        make(map[string]*pendingCall),
		callTimeout:  15 * time.Second,
	}
}

// ServeHTTP upgrades the request to a WebSocket and runs the connection's
// read/write pumps until it closes. agentID is resolved from the register
// envelope the agent is expected to send first.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("upgrade failed", zap.Error(err))
		return
	}

	connectionID := uuid.NewString()
	c := newConn("", connectionID, ws, h.logger)
	go c.writePump()

	c.readPump(func(e Envelope) {
		h.dispatchInbound(c, e)
	}, func() {
		if c.agentID == "" {
			return
		}
		h.connMu.Lock()
		cur, ok := h.conns[c.agentID]
		superseded := ok && cur != c
		if !superseded {
			delete(h.conns, c.agentID)
		}
		h.connMu.Unlock()
		// A newer connection already replaced this one (reconnect race) —
		// it owns the registry entry now, so don't unregister under it.
		if !superseded {
			h.registry.Unregister(c.agentID)
		}
	})
}

// registrationArgs mirrors the wire registration payload from §6.
type registrationArgs struct {
	ID           string              `msgpack:"id"`
	Name         string              `msgpack:"name"`
	Status       string              `msgpack:"status"`
	Tags         []string            `msgpack:"tags"`
	Capabilities []capabilityWire    `msgpack:"capabilities"`
	Group        string              `msgpack:"group"`
	Hostname     string              `msgpack:"hostname"`
	Version      string              `msgpack:"version"`
	Metadata     map[string]string   `msgpack:"metadata"`
}

type capabilityWire struct {
	Name     string            `msgpack:"name"`
	Version  string            `msgpack:"version,omitempty"`
	Metadata map[string]string `msgpack:"metadata,omitempty"`
}

func (h *Hub) dispatchInbound(c *conn, e Envelope) {
	if e.Direction == DirReply {
		h.completeCall(e)
		return
	}
	if e.Direction != DirToServer {
		return
	}

	switch e.Method {
	case "register":
		h.handleRegister(c, e)
	case "unregister":
		h.handleUnregister(c)
	case "heartbeat":
		h.handleHeartbeat(c)
	case "acknowledgeJob":
		h.handleAcknowledge(c, e)
	case "reportResult":
		h.handleReportResult(e)
	case "reportProgress":
		h.handleReportProgress(e)
	case "streamItem":
		h.handleStreamItem(c, e)
	default:
		h.logger.Warn("unknown method from agent", zap.String("method", e.Method))
	}
}

func (h *Hub) handleRegister(c *conn, e Envelope) {
	var args registrationArgs
	if err := decodeArgs(e.Args, &args); err != nil {
		h.logger.Warn("malformed register args", zap.Error(err))
		return
	}

	caps := make([]types.Capability, len(args.Capabilities))
	for i, cw := range args.Capabilities {
		caps[i] = types.Capability{Name: cw.Name, Version: cw.Version, Metadata: cw.Metadata}
	}

	c.agentID = args.ID

	// At most one live connection per agent id: close any prior handle
	// before installing the new one.
	h.connMu.Lock()
	if old, ok := h.conns[args.ID]; ok && old != c {
		old.close()
	}
	h.conns[args.ID] = c
	h.connMu.Unlock()

	result := h.registry.Register(types.Agent{
		ID:           args.ID,
		Name:         args.Name,
		Group:        args.Group,
		Capabilities: caps,
		Tags:         args.Tags,
		Hostname:     args.Hostname,
		Version:      args.Version,
		Metadata:     args.Metadata,
	}, c.id)

	replyArgs, _ := encodeArgs(map[string]any{
		"success":           result.Success,
		"heartbeatInterval": int64(result.HeartbeatInterval / time.Millisecond),
	})
	_ = c.send(Envelope{Method: "register", Direction: DirReply, CallbackID: e.CallbackID, Args: replyArgs})
}

func (h *Hub) handleUnregister(c *conn) {
	if c.agentID == "" {
		return
	}
	h.connMu.Lock()
	delete(h.conns, c.agentID)
	h.connMu.Unlock()
	h.registry.Unregister(c.agentID)
}

func (h *Hub) handleHeartbeat(c *conn) {
	if c.agentID == "" {
		return
	}
	_ = h.registry.Heartbeat(c.agentID, time.Now().UTC())
}

type ackArgs struct {
	JobID   string `msgpack:"jobId"`
	AgentID string `msgpack:"agentId"`
}

func (h *Hub) handleAcknowledge(c *conn, e Envelope) {
	var args ackArgs
	if err := decodeArgs(e.Args, &args); err != nil {
		return
	}
	if args.AgentID == "" {
		args.AgentID = c.agentID
	}
	if err := h.orchestrator.HandleAcknowledge(args.JobID, args.AgentID); err != nil {
		h.logger.Warn("acknowledge failed", zap.String("job_id", args.JobID), zap.Error(err))
	}
}

func (h *Hub) handleReportResult(e Envelope) {
	var result types.JobResult
	if err := decodeArgs(e.Args, &result); err != nil {
		h.logger.Warn("malformed reportResult args", zap.Error(err))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := h.orchestrator.HandleResult(ctx, result); err != nil {
		h.logger.Warn("handleResult failed", zap.String("job_id", result.JobID), zap.Error(err))
	}
}

func (h *Hub) handleReportProgress(e Envelope) {
	var p types.JobProgress
	if err := decodeArgs(e.Args, &p); err != nil {
		return
	}
	h.orchestrator.HandleProgress(p)
}

func (h *Hub) handleStreamItem(c *conn, e Envelope) {
	// Long-running streamed results are forwarded as progress messages —
	// no dedicated store beyond the latest-value progress service.
	h.handleReportProgress(e)
}

// --- server -> agent, fire-and-forget ---

func (h *Hub) connFor(agentID string) (*conn, error) {
	h.connMu.RLock()
	defer h.connMu.RUnlock()
	c, ok := h.conns[agentID]
	if !ok {
		return nil, orberrors.New(orberrors.KindUnknownAgent, "agent not connected: "+agentID)
	}
	return c, nil
}

func (h *Hub) ExecuteJob(ctx context.Context, agentID string, req types.JobRequest) error {
	c, err := h.connFor(agentID)
	if err != nil {
		return err
	}
	args, err := encodeArgs(req)
	if err != nil {
		return err
	}
	return c.send(Envelope{Method: "executeJob", Direction: DirToAgent, Args: args})
}

func (h *Hub) CancelJob(ctx context.Context, agentID, jobID string) error {
	c, err := h.connFor(agentID)
	if err != nil {
		return err
	}
	args, _ := encodeArgs(map[string]string{"jobId": jobID})
	return c.send(Envelope{Method: "cancelJob", Direction: DirToAgent, Args: args})
}

func (h *Hub) Ping(agentID string) error {
	c, err := h.connFor(agentID)
	if err != nil {
		return err
	}
	return c.send(Envelope{Method: "ping", Direction: DirToAgent})
}

func (h *Hub) Shutdown(agentID, reason string) error {
	c, err := h.connFor(agentID)
	if err != nil {
		return err
	}
	args, _ := encodeArgs(map[string]string{"reason": reason})
	return c.send(Envelope{Method: "shutdown", Direction: DirToAgent, Args: args})
}

func (h *Hub) UpdateDesiredState(agentID string, kv map[string]string) error {
	c, err := h.connFor(agentID)
	if err != nil {
		return err
	}
	args, _ := encodeArgs(kv)
	return c.send(Envelope{Method: "updateDesiredState", Direction: DirToAgent, Args: args})
}

// --- client-results: server invokes, awaits reply ---

func (h *Hub) call(ctx context.Context, agentID, method string, args any, reply any) error {
	c, err := h.connFor(agentID)
	if err != nil {
		return err
	}

	callbackID := uuid.NewString()
	pc := &pendingCall{replyCh: make(chan Envelope, 1)}

	h.callMu.Lock()
	h.calls[callbackID] = pc
	h.callMu.Unlock()
	defer func() {
		h.callMu.Lock()
		delete(h.calls, callbackID)
		h.callMu.Unlock()
	}()

	encoded, encErr := encodeArgs(args)
	if encErr != nil {
		return encErr
	}
	if err := c.send(Envelope{Method: method, Direction: DirToAgent, CallbackID: callbackID, Args: encoded}); err != nil {
		return err
	}

	timeout := h.callTimeout
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	select {
	case e := <-pc.replyCh:
		if e.Error != "" {
			return orberrors.New(orberrors.KindExecutionFailure, e.Error)
		}
		if reply != nil {
			return decodeArgs(e.Args, reply)
		}
		return nil
	case <-ctx.Done():
		return orberrors.Wrap(orberrors.KindTimeout, "client-results call "+method+" timed out", ctx.Err())
	}
}

func (h *Hub) completeCall(e Envelope) {
	h.callMu.Lock()
	pc, ok := h.calls[e.CallbackID]
	h.callMu.Unlock()
	if !ok {
		return // reply arrived after the deadline pruned the entry
	}
	select {
	case pc.replyCh <- e:
	default:
	}
}

func (h *Hub) GetHealth(ctx context.Context, agentID string) (map[string]any, error) {
	var reply map[string]any
	err := h.call(ctx, agentID, "getHealth", nil, &reply)
	return reply, err
}

func (h *Hub) GetResourceUsage(ctx context.Context, agentID string) (map[string]any, error) {
	var reply map[string]any
	err := h.call(ctx, agentID, "getResourceUsage", nil, &reply)
	return reply, err
}

func (h *Hub) ValidateJob(ctx context.Context, agentID string, req types.JobRequest) (bool, error) {
	var ok bool
	err := h.call(ctx, agentID, "validateJob", req, &ok)
	return ok, err
}

func (h *Hub) ProcessCallback(ctx context.Context, agentID string, request any) (any, error) {
	var reply any
	err := h.call(ctx, agentID, "processCallback", request, &reply)
	return reply, err
}

// ConnectedAgentIDs returns the agent ids currently holding a live
// connection — used by the REST layer's online/offline display.
func (h *Hub) ConnectedAgentIDs() []string {
	h.connMu.RLock()
	defer h.connMu.RUnlock()
	ids := make([]string, 0, len(h.conns))
	for id := range h.conns {
		ids = append(ids, id)
	}
	return ids
}
