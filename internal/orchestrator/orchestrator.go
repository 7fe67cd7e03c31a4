// Package orchestrator handles job submission and the agent-reported side of
// the job lifecycle: acknowledgements, results, progress, and cancellation.
// The RPC hub calls into the Orchestrator for those. The Work-Item Processor
// and Timeout Monitor do not go through it: they assign, fail, requeue, and
// time out jobs on the Job Store directly, and those transitions are not
// published to Orchestrator subscribers.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/orbitmesh/orbitmesh/internal/deadletter"
	"github.com/orbitmesh/orbitmesh/internal/dispatcher"
	"github.com/orbitmesh/orbitmesh/internal/orberrors"
	"github.com/orbitmesh/orbitmesh/internal/progress"
	"github.com/orbitmesh/orbitmesh/internal/resilience"
	"github.com/orbitmesh/orbitmesh/internal/router"
	"github.com/orbitmesh/orbitmesh/internal/store"
	"github.com/orbitmesh/orbitmesh/internal/telemetry"
	"github.com/orbitmesh/orbitmesh/internal/types"
)

// validate enforces the struct tags on JobRequest (required Command,
// non-negative Priority/MaxRetries) at the submission boundary. A
// validator.Validate is safe for concurrent use once built, so one
// package-level instance is shared across submissions.
var validate = validator.New()

// JobStore is the subset of jobstore.Store the orchestrator depends on.
type JobStore interface {
	Enqueue(req types.JobRequest) (types.Job, bool)
	Get(id string) (types.Job, error)
	Assign(id, agentID string) (types.Job, error)
	Acknowledge(id, agentID string) (types.Job, error)
	Complete(id string, result types.JobResult) (types.Job, error)
	Fail(id, errMsg, errCode string) (types.Job, error)
	Cancel(id, reason string) (types.Job, error)
	Requeue(id string) (types.Job, error)
	GetByStatus(status types.JobStatus) []types.Job
	GetByAgent(agentID string) []types.Job
	UpdateProgress(p types.JobProgress) error
}

// IdempotencyService is the subset of idempotency.Service used here.
type IdempotencyService interface {
	TryAcquireLock(key, holder string) (bool, *types.SubmissionResult)
	ReleaseLock(key string)
	SetResult(key string, value types.SubmissionResult)
}

// Selector is the subset of router.Router used here.
type Selector interface {
	Select(req router.RoutingRequest) (types.Agent, bool)
}

// JobDispatcher is the subset of dispatcher.Dispatcher used here.
type JobDispatcher interface {
	Dispatch(ctx context.Context, agentID string, req types.JobRequest) error
	SendCancelToAgent(ctx context.Context, jobID, agentID string) error
}

// Events is published for every accepted lifecycle transition, in
// acceptance order per job (no cross-job ordering guarantee), for the Hub's
// dashboard translator to consume.
type Event struct {
	Kind   EventKind
	Job    types.Job
}

type EventKind string

const (
	EventJobCreated        EventKind = "JobCreated"
	EventJobStatusChanged  EventKind = "JobStatusChanged"
	EventJobCompleted      EventKind = "JobCompleted"
	EventJobFailed         EventKind = "JobFailed"
)

type Orchestrator struct {
	store      JobStore
	idem       IdempotencyService
	router     Selector
	dispatcher JobDispatcher
	deadletter *deadletter.Queue
	progress   *progress.Service
	resilience *resilience.Service
	audit      store.EventStore // optional durable audit log; nil disables it
	logger     *zap.Logger

	subMu sync.RWMutex
	subs  map[int]chan Event
	nextSub int
}

// New wires an Orchestrator. audit may be nil, in which case lifecycle
// transitions are published to in-process subscribers only and never
// persisted to a durable event log.
func New(
	jobs JobStore,
	idem IdempotencyService,
	r Selector,
	d JobDispatcher,
	dlq *deadletter.Queue,
	prog *progress.Service,
	res *resilience.Service,
	audit store.EventStore,
	logger *zap.Logger,
) *Orchestrator {
	return &Orchestrator{
		store:      jobs,
		idem:       idem,
		router:     r,
		dispatcher: d,
		deadletter: dlq,
		progress:   prog,
		resilience: res,
		audit:      audit,
		logger:     logger.Named("orchestrator"),
		subs:       make(map[int]chan Event),
	}
}

// recordAudit best-effort appends a job's current state to its durable event
// stream, keyed by job id. Failures are logged, never propagated — the audit
// log is a secondary record, not the system of record (jobstore.Store is).
func (o *Orchestrator) recordAudit(ctx context.Context, kind EventKind, job types.Job) {
	if o.audit == nil {
		return
	}
	data, err := json.Marshal(job)
	if err != nil {
		o.logger.Warn("failed to marshal job for audit log", zap.String("job_id", job.Request.ID), zap.Error(err))
		return
	}
	events, err := o.audit.Read(ctx, job.Request.ID)
	if err != nil {
		o.logger.Warn("failed to read audit stream version", zap.String("job_id", job.Request.ID), zap.Error(err))
		return
	}
	version := uint64(len(events))
	if err := o.audit.Append(ctx, job.Request.ID, []store.NewEvent{{Type: string(kind), Data: data}}, version); err != nil {
		o.logger.Warn("failed to append audit event", zap.String("job_id", job.Request.ID), zap.String("kind", string(kind)), zap.Error(err))
	}
}

func (o *Orchestrator) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 256)
	o.subMu.Lock()
	id := o.nextSub
	o.nextSub++
	o.subs[id] = ch
	o.subMu.Unlock()

	cancel := func() {
		o.subMu.Lock()
		delete(o.subs, id)
		o.subMu.Unlock()
		close(ch)
	}
	return ch, cancel
}

func (o *Orchestrator) publish(ev Event) {
	if o.audit != nil {
		go o.recordAudit(context.Background(), ev.Kind, ev.Job)
	}
	telemetry.JobsByStatus.WithLabelValues(string(ev.Job.Status)).Inc()
	if ev.Kind == EventJobCreated {
		telemetry.JobsSubmitted.Inc()
	}

	o.subMu.RLock()
	defer o.subMu.RUnlock()
	for _, ch := range o.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// SubmitJob implements §4.5: idempotency guard, resilience-wrapped enqueue
// + route + dispatch, idempotency-result cache on the way out.
func (o *Orchestrator) SubmitJob(ctx context.Context, req types.JobRequest) (types.SubmissionResult, error) {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	if err := validate.Struct(req); err != nil {
		return types.SubmissionResult{}, orberrors.Wrap(orberrors.KindValidation, "invalid job request", err)
	}

	holder := uuid.NewString()
	if req.IdempotencyKey != "" {
		acquired, cached := o.idem.TryAcquireLock(req.IdempotencyKey, holder)
		if !acquired {
			if cached != nil {
				return *cached, nil
			}
			return types.SubmissionResult{}, orberrors.New(orberrors.KindDuplicateInFlight,
				"submission with this idempotency key is already in flight")
		}
		defer o.idem.ReleaseLock(req.IdempotencyKey)
	}

	result, err := resilience.ExecuteWithResilience(ctx, o.resilience, "submit-job-"+req.ID,
		func(ctx context.Context) (types.SubmissionResult, error) {
			return o.submitJobInner(ctx, req)
		})

	if req.IdempotencyKey != "" {
		o.idem.SetResult(req.IdempotencyKey, result)
	}
	return result, err
}

func (o *Orchestrator) submitJobInner(ctx context.Context, req types.JobRequest) (types.SubmissionResult, error) {
	job, created := o.store.Enqueue(req)
	if created {
		o.publish(Event{Kind: EventJobCreated, Job: job})
	}

	if job.Status != types.JobPending {
		// Either the existing job (idempotent replay) or already assigned.
		return types.SubmissionResult{JobID: job.Request.ID, Success: true, Status: job.Status}, nil
	}

	agent, ok := o.router.Select(router.RoutingRequest{
		RequiredCapabilities: req.RequiredCapabilities,
		RequiredTags:         req.RequiredTags,
		Pattern:              req.Pattern,
	})
	if !ok {
		return types.SubmissionResult{JobID: job.Request.ID, Success: true, Status: types.JobPending}, nil
	}

	if err := o.dispatcher.Dispatch(ctx, agent.ID, req); err != nil {
		// Dispatch failure at submission time leaves the job Pending for the
		// Work-Item Processor to retry later — not a submission error.
		o.logger.Warn("initial dispatch failed, leaving job pending",
			zap.String("job_id", job.Request.ID), zap.Error(err))
		return types.SubmissionResult{JobID: job.Request.ID, Success: true, Status: types.JobPending}, nil
	}

	job, err := o.store.Assign(job.Request.ID, agent.ID)
	if err != nil {
		return types.SubmissionResult{}, err
	}
	o.publish(Event{Kind: EventJobStatusChanged, Job: job})

	return types.SubmissionResult{JobID: job.Request.ID, Success: true, Status: types.JobAssigned}, nil
}

// HandleAcknowledge transitions Assigned -> Running on the agent's
// acknowledgeJob call.
func (o *Orchestrator) HandleAcknowledge(jobID, agentID string) error {
	job, err := o.store.Acknowledge(jobID, agentID)
	if err != nil {
		return err
	}
	o.publish(Event{Kind: EventJobStatusChanged, Job: job})
	return nil
}

// HandleResult implements §4.5's reportResult switch.
func (o *Orchestrator) HandleResult(ctx context.Context, result types.JobResult) error {
	switch result.Status {
	case types.JobCompleted:
		job, err := o.store.Complete(result.JobID, result)
		if err != nil {
			return err
		}
		if job.Request.ID == "" {
			return nil // no-op per §8 (unknown job)
		}
		o.progress.Clear(result.JobID)
		o.publish(Event{Kind: EventJobCompleted, Job: job})
		return nil

	case types.JobFailed:
		return o.handleFailed(ctx, result)

	case types.JobCancelled:
		job, err := o.store.Cancel(result.JobID, "cancelled by agent")
		if err != nil {
			return err
		}
		o.publish(Event{Kind: EventJobStatusChanged, Job: job})
		return nil

	default:
		return orberrors.New(orberrors.KindValidation, "unrecognized terminal result status")
	}
}

func (o *Orchestrator) handleFailed(ctx context.Context, result types.JobResult) error {
	job, err := o.store.Fail(result.JobID, result.Error, result.ErrorCode)
	if err != nil {
		return err
	}
	if job.Request.ID == "" {
		return nil
	}

	if job.RetryCount < job.Request.MaxRetries {
		job, err = o.store.Requeue(result.JobID)
		if err != nil {
			return err
		}
		o.publish(Event{Kind: EventJobStatusChanged, Job: job})

		// Immediately attempt re-dispatch; if none succeeds the job stays
		// Pending for the Work-Item Processor.
		agent, ok := o.router.Select(router.RoutingRequest{
			RequiredCapabilities: job.Request.RequiredCapabilities,
			RequiredTags:         job.Request.RequiredTags,
			Pattern:              job.Request.Pattern,
		})
		if ok {
			if err := o.dispatcher.Dispatch(ctx, agent.ID, job.Request); err == nil {
				if job, err = o.store.Assign(job.Request.ID, agent.ID); err == nil {
					o.publish(Event{Kind: EventJobStatusChanged, Job: job})
				}
			}
		}
		return nil
	}

	o.deadletter.Enqueue(job, fmt.Sprintf("max retries exceeded: %s", result.Error))
	o.publish(Event{Kind: EventJobFailed, Job: job})
	return nil
}

// HandleProgress forwards to the Progress Service and records the snapshot
// on the job record for GetJob. Progress for an unknown job is ignored by
// the store.
func (o *Orchestrator) HandleProgress(p types.JobProgress) {
	o.progress.Report(p)
	_ = o.store.UpdateProgress(p)
}

// CancelJob permits cancellation from {Pending, Assigned, Running}.
func (o *Orchestrator) CancelJob(ctx context.Context, jobID string) (bool, error) {
	job, err := o.store.Get(jobID)
	if err != nil {
		return false, err
	}

	if job.Status == types.JobAssigned || job.Status == types.JobRunning {
		if job.AssignedAgentID != "" {
			if err := o.dispatcher.SendCancelToAgent(ctx, jobID, job.AssignedAgentID); err != nil {
				o.logger.Warn("cancel RPC failed, proceeding with local cancellation",
					zap.String("job_id", jobID), zap.Error(err))
			}
		}
	}

	job, err = o.store.Cancel(jobID, "cancelled by client")
	if err != nil {
		return false, err
	}
	o.publish(Event{Kind: EventJobStatusChanged, Job: job})
	return true, nil
}

func (o *Orchestrator) GetJob(id string) (types.Job, error) {
	return o.store.Get(id)
}

func (o *Orchestrator) ListJobs(status *types.JobStatus, agentID string) []types.Job {
	if status != nil {
		return o.store.GetByStatus(*status)
	}
	if agentID != "" {
		return o.store.GetByAgent(agentID)
	}
	all := make([]types.Job, 0)
	for _, s := range []types.JobStatus{
		types.JobPending, types.JobAssigned, types.JobRunning,
		types.JobCompleted, types.JobFailed, types.JobCancelled, types.JobTimedOut,
	} {
		all = append(all, o.store.GetByStatus(s)...)
	}
	return all
}

