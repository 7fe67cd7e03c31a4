package orchestrator_test

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/orbitmesh/orbitmesh/internal/deadletter"
	"github.com/orbitmesh/orbitmesh/internal/idempotency"
	"github.com/orbitmesh/orbitmesh/internal/jobstore"
	"github.com/orbitmesh/orbitmesh/internal/orberrors"
	"github.com/orbitmesh/orbitmesh/internal/orchestrator"
	"github.com/orbitmesh/orbitmesh/internal/progress"
	"github.com/orbitmesh/orbitmesh/internal/resilience"
	"github.com/orbitmesh/orbitmesh/internal/router"
	"github.com/orbitmesh/orbitmesh/internal/types"
)

// fakeSelector always routes to a fixed agent id, unless told there is none.
type fakeSelector struct {
	agentID string
	ok      bool
}

func (f *fakeSelector) Select(req router.RoutingRequest) (types.Agent, bool) {
	if !f.ok {
		return types.Agent{}, false
	}
	return types.Agent{ID: f.agentID, Status: types.AgentReady}, true
}

// fakeDispatcher records dispatched jobs and can be told to fail.
type fakeDispatcher struct {
	mu          sync.Mutex
	dispatched  []string
	cancelled   []string
	failDispatch bool
}

func (f *fakeDispatcher) Dispatch(ctx context.Context, agentID string, req types.JobRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failDispatch {
		return orberrors.New(orberrors.KindTransportFailure, "dispatch failed")
	}
	f.dispatched = append(f.dispatched, req.ID)
	return nil
}

func (f *fakeDispatcher) SendCancelToAgent(ctx context.Context, jobID, agentID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, jobID)
	return nil
}

func fastResilience() *resilience.Service {
	return resilience.New(resilience.Config{
		MaxRetryAttempts:    1,
		BaseDelay:           1,
		MaxDelay:            1,
		Timeout:             5_000_000_000, // 5s in ns, plenty for in-memory test calls
		BreakerFailureRatio: 0.99,
		BreakerMinRequests:  1000,
		BreakerOpenDuration: 1,
	})
}

func newTestOrchestrator(selector *fakeSelector, dispatcher *fakeDispatcher) (*orchestrator.Orchestrator, *jobstore.Store, *deadletter.Queue) {
	js := jobstore.New()
	idem := idempotency.New(idempotency.DefaultConfig())
	dlq := deadletter.New()
	prog := progress.New()
	res := fastResilience()
	logger := zap.NewNop()

	o := orchestrator.New(js, idem, selector, dispatcher, dlq, prog, res, nil, logger)
	return o, js, dlq
}

func TestSubmitJob_DispatchesWhenAgentAvailable(t *testing.T) {
	selector := &fakeSelector{agentID: "agent-1", ok: true}
	dispatcher := &fakeDispatcher{}
	o, _, _ := newTestOrchestrator(selector, dispatcher)

	result, err := o.SubmitJob(context.Background(), types.JobRequest{ID: "job-1", Command: "echo"})
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, types.JobAssigned, result.Status)
	assert.Contains(t, dispatcher.dispatched, "job-1")
}

func TestSubmitJob_LeavesPendingWhenNoAgentAvailable(t *testing.T) {
	selector := &fakeSelector{ok: false}
	dispatcher := &fakeDispatcher{}
	o, _, _ := newTestOrchestrator(selector, dispatcher)

	result, err := o.SubmitJob(context.Background(), types.JobRequest{ID: "job-1", Command: "echo"})
	require.NoError(t, err)
	assert.Equal(t, types.JobPending, result.Status)
	assert.Empty(t, dispatcher.dispatched)
}

func TestSubmitJob_RejectsEmptyCommand(t *testing.T) {
	selector := &fakeSelector{ok: false}
	dispatcher := &fakeDispatcher{}
	o, _, _ := newTestOrchestrator(selector, dispatcher)

	_, err := o.SubmitJob(context.Background(), types.JobRequest{ID: "job-1"})
	require.Error(t, err)
	kind, ok := orberrors.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, orberrors.KindValidation, kind)
}

func TestSubmitJob_RejectsNegativePriority(t *testing.T) {
	selector := &fakeSelector{ok: false}
	dispatcher := &fakeDispatcher{}
	o, _, _ := newTestOrchestrator(selector, dispatcher)

	_, err := o.SubmitJob(context.Background(), types.JobRequest{ID: "job-1", Command: "echo", Priority: -1})
	require.Error(t, err)
	kind, ok := orberrors.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, orberrors.KindValidation, kind)
}

func TestSubmitJob_RejectsNegativeMaxRetries(t *testing.T) {
	selector := &fakeSelector{ok: false}
	dispatcher := &fakeDispatcher{}
	o, _, _ := newTestOrchestrator(selector, dispatcher)

	_, err := o.SubmitJob(context.Background(), types.JobRequest{ID: "job-1", Command: "echo", MaxRetries: -1})
	require.Error(t, err)
	kind, ok := orberrors.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, orberrors.KindValidation, kind)
}

func TestSubmitJob_IdempotentReplayReturnsSameResult(t *testing.T) {
	selector := &fakeSelector{agentID: "agent-1", ok: true}
	dispatcher := &fakeDispatcher{}
	o, _, _ := newTestOrchestrator(selector, dispatcher)

	req := types.JobRequest{ID: "job-1", Command: "echo", IdempotencyKey: "key-1"}
	first, err := o.SubmitJob(context.Background(), req)
	require.NoError(t, err)

	second, err := o.SubmitJob(context.Background(), types.JobRequest{ID: "job-2", Command: "echo", IdempotencyKey: "key-1"})
	require.NoError(t, err)
	assert.Equal(t, first.JobID, second.JobID, "a replayed idempotency key must return the original job's result")
	assert.Len(t, dispatcher.dispatched, 1, "the duplicate submission must not be dispatched again")
}

func TestHandleAcknowledge_TransitionsToRunning(t *testing.T) {
	selector := &fakeSelector{agentID: "agent-1", ok: true}
	dispatcher := &fakeDispatcher{}
	o, js, _ := newTestOrchestrator(selector, dispatcher)

	_, err := o.SubmitJob(context.Background(), types.JobRequest{ID: "job-1", Command: "echo"})
	require.NoError(t, err)

	err = o.HandleAcknowledge("job-1", "agent-1")
	require.NoError(t, err)

	job, err := js.Get("job-1")
	require.NoError(t, err)
	assert.Equal(t, types.JobRunning, job.Status)
}

func TestHandleResult_Completed(t *testing.T) {
	selector := &fakeSelector{agentID: "agent-1", ok: true}
	dispatcher := &fakeDispatcher{}
	o, js, _ := newTestOrchestrator(selector, dispatcher)

	o.SubmitJob(context.Background(), types.JobRequest{ID: "job-1", Command: "echo"})
	o.HandleAcknowledge("job-1", "agent-1")

	err := o.HandleResult(context.Background(), types.JobResult{JobID: "job-1", AgentID: "agent-1", Status: types.JobCompleted, Payload: []byte("ok")})
	require.NoError(t, err)

	job, err := js.Get("job-1")
	require.NoError(t, err)
	assert.Equal(t, types.JobCompleted, job.Status)
}

func TestHandleResult_FailedRetriesThenDeadLetters(t *testing.T) {
	selector := &fakeSelector{agentID: "agent-1", ok: true}
	dispatcher := &fakeDispatcher{}
	o, js, dlq := newTestOrchestrator(selector, dispatcher)

	o.SubmitJob(context.Background(), types.JobRequest{ID: "job-1", Command: "echo", MaxRetries: 1})
	o.HandleAcknowledge("job-1", "agent-1")

	// First failure: within retry budget, must requeue and re-dispatch.
	err := o.HandleResult(context.Background(), types.JobResult{JobID: "job-1", Status: types.JobFailed, Error: "boom"})
	require.NoError(t, err)

	job, err := js.Get("job-1")
	require.NoError(t, err)
	assert.Equal(t, types.JobAssigned, job.Status, "re-dispatch on retry succeeds immediately since an agent is available")
	assert.Equal(t, 1, job.RetryCount)

	o.HandleAcknowledge("job-1", "agent-1")

	// Second failure: retry budget exhausted, must dead-letter.
	err = o.HandleResult(context.Background(), types.JobResult{JobID: "job-1", Status: types.JobFailed, Error: "boom again"})
	require.NoError(t, err)

	job, err = js.Get("job-1")
	require.NoError(t, err)
	assert.Equal(t, types.JobFailed, job.Status)
	assert.Equal(t, 1, dlq.Count())
}

func TestHandleResult_Cancelled(t *testing.T) {
	selector := &fakeSelector{agentID: "agent-1", ok: true}
	dispatcher := &fakeDispatcher{}
	o, js, _ := newTestOrchestrator(selector, dispatcher)

	o.SubmitJob(context.Background(), types.JobRequest{ID: "job-1", Command: "echo"})
	o.HandleAcknowledge("job-1", "agent-1")

	err := o.HandleResult(context.Background(), types.JobResult{JobID: "job-1", Status: types.JobCancelled})
	require.NoError(t, err)

	job, err := js.Get("job-1")
	require.NoError(t, err)
	assert.Equal(t, types.JobCancelled, job.Status)
}

func TestHandleResult_UnrecognizedStatusIsRejected(t *testing.T) {
	selector := &fakeSelector{agentID: "agent-1", ok: true}
	dispatcher := &fakeDispatcher{}
	o, _, _ := newTestOrchestrator(selector, dispatcher)

	err := o.HandleResult(context.Background(), types.JobResult{JobID: "job-1", Status: types.JobPending})
	require.Error(t, err)
	kind, ok := orberrors.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, orberrors.KindValidation, kind)
}

func TestCancelJob_InFlightSendsCancelRPC(t *testing.T) {
	selector := &fakeSelector{agentID: "agent-1", ok: true}
	dispatcher := &fakeDispatcher{}
	o, _, _ := newTestOrchestrator(selector, dispatcher)

	o.SubmitJob(context.Background(), types.JobRequest{ID: "job-1", Command: "echo"})

	cancelled, err := o.CancelJob(context.Background(), "job-1")
	require.NoError(t, err)
	assert.True(t, cancelled)
	assert.Contains(t, dispatcher.cancelled, "job-1")

	job, err := o.GetJob("job-1")
	require.NoError(t, err)
	assert.Equal(t, types.JobCancelled, job.Status)
}

func TestCancelJob_UnknownJob(t *testing.T) {
	selector := &fakeSelector{ok: false}
	dispatcher := &fakeDispatcher{}
	o, _, _ := newTestOrchestrator(selector, dispatcher)

	_, err := o.CancelJob(context.Background(), "nope")
	require.Error(t, err)
}

func TestHandleProgress_ForwardsToProgressService(t *testing.T) {
	selector := &fakeSelector{agentID: "agent-1", ok: true}
	dispatcher := &fakeDispatcher{}
	o, _, _ := newTestOrchestrator(selector, dispatcher)

	o.SubmitJob(context.Background(), types.JobRequest{ID: "job-1", Command: "echo"})
	o.HandleProgress(types.JobProgress{JobID: "job-1", Percentage: 42})

	job, err := o.GetJob("job-1")
	require.NoError(t, err)
	require.NotNil(t, job.LastProgress)
	assert.Equal(t, 42.0, job.LastProgress.Percentage)
}

func TestListJobs_ByStatus(t *testing.T) {
	selector := &fakeSelector{ok: false}
	dispatcher := &fakeDispatcher{}
	o, _, _ := newTestOrchestrator(selector, dispatcher)

	o.SubmitJob(context.Background(), types.JobRequest{ID: "job-1", Command: "echo"})
	o.SubmitJob(context.Background(), types.JobRequest{ID: "job-2", Command: "echo"})

	pending := types.JobPending
	jobs := o.ListJobs(&pending, "")
	assert.Len(t, jobs, 2)
}

func TestSubscribe_ReceivesLifecycleEvents(t *testing.T) {
	selector := &fakeSelector{agentID: "agent-1", ok: true}
	dispatcher := &fakeDispatcher{}
	o, _, _ := newTestOrchestrator(selector, dispatcher)

	ch, cancel := o.Subscribe()
	defer cancel()

	o.SubmitJob(context.Background(), types.JobRequest{ID: "job-1", Command: "echo"})

	seenCreated := false
	for i := 0; i < 4; i++ {
		select {
		case ev := <-ch:
			if ev.Kind == orchestrator.EventJobCreated {
				seenCreated = true
			}
		default:
		}
	}
	assert.True(t, seenCreated, "submitting a new job must publish an EventJobCreated")
}
