// Package dispatcher delivers a Job to a specific agent over the RPC hub.
// A single inline retry with a short backoff absorbs transient transport
// blips; anything beyond that is reported to the Orchestrator as a
// retryable TransportFailure for it to fold into the job's retry budget.
package dispatcher

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/orbitmesh/orbitmesh/internal/orberrors"
	"github.com/orbitmesh/orbitmesh/internal/telemetry"
	"github.com/orbitmesh/orbitmesh/internal/types"
)

// Transport is the subset of the RPC hub the dispatcher depends on.
type Transport interface {
	ExecuteJob(ctx context.Context, agentID string, req types.JobRequest) error
	CancelJob(ctx context.Context, agentID, jobID string) error
}

// Config tunes the inline retry performed before a dispatch failure is
// reported upward.
type Config struct {
	InlineRetryDelay time.Duration
}

func DefaultConfig() Config {
	return Config{InlineRetryDelay: 200 * time.Millisecond}
}

type Dispatcher struct {
	cfg       Config
	transport Transport
	logger    *zap.Logger
}

func New(cfg Config, transport Transport, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{cfg: cfg, transport: transport, logger: logger.Named("dispatcher")}
}

// Dispatch delivers req to agentID, retrying once inline on transport
// failure before surfacing a TransportFailure.
func (d *Dispatcher) Dispatch(ctx context.Context, agentID string, req types.JobRequest) error {
	start := time.Now()
	defer func() { telemetry.DispatchDuration.Observe(time.Since(start).Seconds()) }()

	err := d.transport.ExecuteJob(ctx, agentID, req)
	if err == nil {
		return nil
	}

	d.logger.Warn("dispatch failed, retrying inline",
		zap.String("job_id", req.ID), zap.String("agent_id", agentID), zap.Error(err))

	select {
	case <-time.After(d.cfg.InlineRetryDelay):
	case <-ctx.Done():
		return orberrors.Wrap(orberrors.KindTransportFailure, "dispatch cancelled", ctx.Err())
	}

	if err := d.transport.ExecuteJob(ctx, agentID, req); err != nil {
		return orberrors.Wrap(orberrors.KindTransportFailure, "dispatch to "+agentID+" failed", err)
	}
	return nil
}

// SendCancelToAgent invokes CancelJob on the agent currently assigned jobID.
func (d *Dispatcher) SendCancelToAgent(ctx context.Context, jobID, agentID string) error {
	if err := d.transport.CancelJob(ctx, agentID, jobID); err != nil {
		return orberrors.Wrap(orberrors.KindTransportFailure, "cancel RPC to "+agentID+" failed", err)
	}
	return nil
}
