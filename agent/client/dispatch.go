package client

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/orbitmesh/orbitmesh/agent/handlers"
	"github.com/orbitmesh/orbitmesh/internal/rpchub"
	"github.com/orbitmesh/orbitmesh/internal/types"
)

// registrationArgs mirrors the wire registration payload internal/rpchub's
// Hub decodes (see its own registrationArgs/capabilityWire). It is a
// distinct type from types.Agent because only a subset of fields make sense
// coming from the agent side.
type registrationArgs struct {
	ID           string            `msgpack:"id"`
	Name         string            `msgpack:"name"`
	Status       string            `msgpack:"status"`
	Tags         []string          `msgpack:"tags"`
	Capabilities []capabilityWire  `msgpack:"capabilities"`
	Group        string            `msgpack:"group"`
	Hostname     string            `msgpack:"hostname"`
	Version      string            `msgpack:"version"`
	Metadata     map[string]string `msgpack:"metadata"`
}

type capabilityWire struct {
	Name     string            `msgpack:"name"`
	Version  string            `msgpack:"version,omitempty"`
	Metadata map[string]string `msgpack:"metadata,omitempty"`
}

type registrationReply struct {
	Success           bool  `msgpack:"success"`
	HeartbeatInterval int64 `msgpack:"heartbeatInterval"`
}

// register sends the register call and blocks for the server's reply,
// returning the heartbeat interval it assigns.
func (c *Client) register(ctx context.Context) (time.Duration, error) {
	callbackID := uuid.NewString()
	replyCh := make(chan rpchub.Envelope, 1)

	c.pendingMu.Lock()
	c.pending[callbackID] = replyCh
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, callbackID)
		c.pendingMu.Unlock()
	}()

	caps := make([]capabilityWire, len(c.cfg.Agent.Capabilities))
	for i, capability := range c.cfg.Agent.Capabilities {
		caps[i] = capabilityWire{Name: capability.Name, Version: capability.Version, Metadata: capability.Metadata}
	}

	args, err := encodeArgs(registrationArgs{
		ID:           c.cfg.Agent.ID,
		Name:         c.cfg.Agent.Name,
		Status:       "online",
		Group:        c.cfg.Agent.Group,
		Capabilities: caps,
		Tags:         c.cfg.Agent.Tags,
		Hostname:     c.cfg.Agent.Hostname,
		Version:      c.cfg.Agent.Version,
		Metadata:     c.cfg.Agent.Metadata,
	})
	if err != nil {
		return 0, err
	}

	c.send(rpchub.Envelope{
		Method:     "register",
		Direction:  rpchub.DirToServer,
		CallbackID: callbackID,
		Args:       args,
	})

	select {
	case reply := <-replyCh:
		var r registrationReply
		if err := decodeArgs(reply.Args, &r); err != nil {
			return 0, err
		}
		if !r.Success {
			return 0, &registrationFailedError{reason: "server rejected registration"}
		}
		return time.Duration(r.HeartbeatInterval) * time.Millisecond, nil
	case <-time.After(registerTimeout):
		return 0, errRegisterTimeout
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

var errRegisterTimeout = &registrationFailedError{reason: "timed out waiting for registration reply"}

type registrationFailedError struct{ reason string }

func (e *registrationFailedError) Error() string { return "registration failed: " + e.reason }

// dispatchInbound routes one envelope read off the wire to the right
// handling code. Replies to calls the client itself initiated (register) are
// delivered to the waiting goroutine; everything else is a command pushed
// by the server.
func (c *Client) dispatchInbound(e rpchub.Envelope) {
	if e.Direction == rpchub.DirReply {
		c.completeCall(e)
		return
	}
	if e.Direction != rpchub.DirToAgent {
		return
	}

	switch e.Method {
	case "executeJob":
		c.handleExecuteJob(e)
	case "cancelJob":
		c.handleCancelJob(e)
	case "ping":
		// liveness only, nothing to do
	case "shutdown":
		c.handleShutdown(e)
	case "updateDesiredState":
		c.handleUpdateDesiredState(e)
	case "getHealth":
		c.handleGetHealth(e)
	case "getResourceUsage":
		c.handleGetResourceUsage(e)
	case "validateJob":
		c.handleValidateJob(e)
	case "processCallback":
		c.handleProcessCallback(e)
	default:
		c.logger.Warn("unknown inbound method", zap.String("method", e.Method))
	}
}

func (c *Client) completeCall(e rpchub.Envelope) {
	c.pendingMu.Lock()
	ch, ok := c.pending[e.CallbackID]
	c.pendingMu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- e:
	default:
	}
}

// reply sends a DirReply envelope correlated to the originating call.
func (c *Client) reply(in rpchub.Envelope, payload any, callErr error) {
	var errStr string
	if callErr != nil {
		errStr = callErr.Error()
	}
	args, err := encodeArgs(payload)
	if err != nil {
		c.logger.Warn("failed to encode reply payload", zap.String("method", in.Method), zap.Error(err))
		return
	}
	c.send(rpchub.Envelope{
		Method:     in.Method,
		Direction:  rpchub.DirReply,
		CallbackID: in.CallbackID,
		Args:       args,
		Error:      errStr,
	})
}

func (c *Client) handleExecuteJob(e rpchub.Envelope) {
	var req types.JobRequest
	if err := decodeArgs(e.Args, &req); err != nil {
		c.logger.Warn("malformed executeJob args", zap.Error(err))
		return
	}

	jobCtx, cancel := context.WithCancel(context.Background())
	c.jobsMu.Lock()
	c.runningJobs[req.ID] = cancel
	c.jobsMu.Unlock()

	c.sendAck(req.ID)

	go c.runJob(jobCtx, req)
}

func (c *Client) sendAck(jobID string) {
	args, err := encodeArgs(map[string]string{"jobId": jobID, "agentId": c.cfg.Agent.ID})
	if err != nil {
		return
	}
	c.send(rpchub.Envelope{Method: "acknowledgeJob", Direction: rpchub.DirToServer, Args: args})
}

func (c *Client) runJob(ctx context.Context, req types.JobRequest) {
	defer func() {
		c.jobsMu.Lock()
		delete(c.runningJobs, req.ID)
		c.jobsMu.Unlock()
	}()

	start := time.Now()
	report := func(pct float64, step, message string) {
		p := types.JobProgress{
			JobID:       req.ID,
			Percentage:  pct,
			CurrentStep: step,
			Message:     message,
			Timestamp:   time.Now().UTC(),
		}
		args, err := encodeArgs(p)
		if err != nil {
			return
		}
		c.send(rpchub.Envelope{Method: "reportProgress", Direction: rpchub.DirToServer, Args: args})
	}

	payload, err := c.registry.Dispatch(ctx, req, report)

	result := types.JobResult{
		JobID:    req.ID,
		AgentID:  c.cfg.Agent.ID,
		Duration: time.Since(start),
	}
	switch {
	case err != nil && ctx.Err() != nil:
		result.Status = types.JobCancelled
		result.Error = err.Error()
	case err != nil:
		result.Status = types.JobFailed
		result.Error = err.Error()
		if uc, ok := err.(*handlers.ErrUnknownCommand); ok {
			result.ErrorCode = "unknown_command"
			result.Error = uc.Error()
		}
	default:
		result.Status = types.JobCompleted
		result.Payload = payload
	}

	args, err := encodeArgs(result)
	if err != nil {
		c.logger.Warn("failed to encode job result", zap.String("job_id", req.ID), zap.Error(err))
		return
	}
	c.send(rpchub.Envelope{Method: "reportResult", Direction: rpchub.DirToServer, Args: args})
}

func (c *Client) handleCancelJob(e rpchub.Envelope) {
	var args struct {
		JobID string `msgpack:"jobId"`
	}
	if err := decodeArgs(e.Args, &args); err != nil {
		c.logger.Warn("malformed cancelJob args", zap.Error(err))
		return
	}
	c.jobsMu.Lock()
	cancel, ok := c.runningJobs[args.JobID]
	c.jobsMu.Unlock()
	if ok {
		cancel()
	}
}

func (c *Client) handleShutdown(e rpchub.Envelope) {
	var args struct {
		Reason string `msgpack:"reason"`
	}
	_ = decodeArgs(e.Args, &args)
	select {
	case c.shutdownCh <- args.Reason:
	default:
	}
}

func (c *Client) handleUpdateDesiredState(e rpchub.Envelope) {
	var state map[string]string
	if err := decodeArgs(e.Args, &state); err != nil {
		c.logger.Warn("malformed updateDesiredState args", zap.Error(err))
		return
	}
	c.logger.Info("desired state update received", zap.Any("state", state))
}

func (c *Client) handleGetHealth(e rpchub.Envelope) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	health, err := handlers.Health(ctx)
	c.reply(e, health, err)
}

func (c *Client) handleGetResourceUsage(e rpchub.Envelope) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	usage, err := handlers.ResourceUsage(ctx)
	c.reply(e, usage, err)
}

// handleValidateJob replies with a bare bool, matching Hub.ValidateJob's
// reply target (&ok) on the server side.
func (c *Client) handleValidateJob(e rpchub.Envelope) {
	var req types.JobRequest
	if err := decodeArgs(e.Args, &req); err != nil {
		c.reply(e, false, err)
		return
	}
	c.reply(e, c.registry.HasHandler(req.Command), nil)
}

func (c *Client) handleProcessCallback(e rpchub.Envelope) {
	var payload map[string]any
	_ = decodeArgs(e.Args, &payload)
	c.reply(e, map[string]any{"received": true}, nil)
}
