package rpchub

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/orbitmesh/orbitmesh/internal/orberrors"
	"github.com/orbitmesh/orbitmesh/internal/types"
)

type fakeRegistry struct {
	registered   []types.Agent
	unregistered []string
	heartbeats   []string
	registerFn   func(types.Agent, string) types.RegistrationResult
}

func (f *fakeRegistry) Register(agent types.Agent, connectionID string) types.RegistrationResult {
	f.registered = append(f.registered, agent)
	if f.registerFn != nil {
		return f.registerFn(agent, connectionID)
	}
	return types.RegistrationResult{Success: true, HeartbeatInterval: 5 * time.Second}
}

func (f *fakeRegistry) Unregister(agentID string) {
	f.unregistered = append(f.unregistered, agentID)
}

func (f *fakeRegistry) Heartbeat(agentID string, at time.Time) error {
	f.heartbeats = append(f.heartbeats, agentID)
	return nil
}

func (f *fakeRegistry) UpdateStatus(agentID string, status types.AgentStatus) error {
	return nil
}

type fakeOrchestrator struct {
	acked     []string
	results   []types.JobResult
	progress  []types.JobProgress
	ackErr    error
	resultErr error
}

func (f *fakeOrchestrator) HandleAcknowledge(jobID, agentID string) error {
	f.acked = append(f.acked, jobID+"/"+agentID)
	return f.ackErr
}

func (f *fakeOrchestrator) HandleResult(ctx context.Context, result types.JobResult) error {
	f.results = append(f.results, result)
	return f.resultErr
}

func (f *fakeOrchestrator) HandleProgress(p types.JobProgress) {
	f.progress = append(f.progress, p)
}

func newTestHub() (*Hub, *fakeRegistry, *fakeOrchestrator) {
	reg := &fakeRegistry{}
	orch := &fakeOrchestrator{}
	h := New(reg, orch, zap.NewNop())
	return h, reg, orch
}

// drainOne pulls the single envelope a handler queued on a conn's outbound
// channel, failing the test if none arrived.
func drainOne(t *testing.T, c *conn) Envelope {
	t.Helper()
	select {
	case e := <-c.outbound:
		return e
	case <-time.After(time.Second):
		t.Fatal("no envelope sent on outbound channel")
		return Envelope{}
	}
}

func TestHandleRegister_InstallsConnAndRegistersAgent(t *testing.T) {
	h, reg, _ := newTestHub()
	c := newConn("", "conn-1", nil, zap.NewNop())

	args, err := encodeArgs(registrationArgs{ID: "agent-1", Name: "worker", Group: "default"})
	require.NoError(t, err)

	h.handleRegister(c, Envelope{Method: "register", Direction: DirToServer, CallbackID: "cb-1", Args: args})

	require.Len(t, reg.registered, 1)
	assert.Equal(t, "agent-1", reg.registered[0].ID)
	assert.Equal(t, "agent-1", c.agentID)

	h.connMu.RLock()
	installed, ok := h.conns["agent-1"]
	h.connMu.RUnlock()
	require.True(t, ok)
	assert.Same(t, c, installed)

	reply := drainOne(t, c)
	assert.Equal(t, DirReply, reply.Direction)
	assert.Equal(t, "cb-1", reply.CallbackID)

	var replyBody map[string]any
	require.NoError(t, decodeArgs(reply.Args, &replyBody))
	assert.Equal(t, true, replyBody["success"])
}

func TestHandleRegister_ClosesPriorConnectionForSameAgent(t *testing.T) {
	h, _, _ := newTestHub()
	oldConn := newConn("agent-1", "conn-old", nil, zap.NewNop())
	h.conns["agent-1"] = oldConn

	newC := newConn("", "conn-new", nil, zap.NewNop())
	args, _ := encodeArgs(registrationArgs{ID: "agent-1"})
	h.handleRegister(newC, Envelope{Method: "register", Direction: DirToServer, Args: args})

	select {
	case <-oldConn.closed:
	default:
		t.Fatal("expected prior connection's closed channel to be closed")
	}

	h.connMu.RLock()
	cur := h.conns["agent-1"]
	h.connMu.RUnlock()
	assert.Same(t, newC, cur)
}

func TestHandleUnregister_RemovesConnAndRegistryEntry(t *testing.T) {
	h, reg, _ := newTestHub()
	c := newConn("agent-1", "conn-1", nil, zap.NewNop())
	h.conns["agent-1"] = c

	h.handleUnregister(c)

	h.connMu.RLock()
	_, ok := h.conns["agent-1"]
	h.connMu.RUnlock()
	assert.False(t, ok)
	assert.Equal(t, []string{"agent-1"}, reg.unregistered)
}

func TestHandleUnregister_NoopWithoutAgentID(t *testing.T) {
	h, reg, _ := newTestHub()
	c := newConn("", "conn-1", nil, zap.NewNop())

	h.handleUnregister(c)

	assert.Empty(t, reg.unregistered)
}

func TestHandleHeartbeat_RecordsAgainstRegistry(t *testing.T) {
	h, reg, _ := newTestHub()
	c := newConn("agent-1", "conn-1", nil, zap.NewNop())

	h.handleHeartbeat(c)

	assert.Equal(t, []string{"agent-1"}, reg.heartbeats)
}

func TestHandleAcknowledge_UsesConnAgentIDWhenArgsOmitIt(t *testing.T) {
	h, _, orch := newTestHub()
	c := newConn("agent-1", "conn-1", nil, zap.NewNop())

	args, _ := encodeArgs(ackArgs{JobID: "job-1"})
	h.handleAcknowledge(c, Envelope{Args: args})

	require.Len(t, orch.acked, 1)
	assert.Equal(t, "job-1/agent-1", orch.acked[0])
}

func TestHandleReportResult_ForwardsToOrchestrator(t *testing.T) {
	h, _, orch := newTestHub()
	args, _ := encodeArgs(types.JobResult{JobID: "job-1", AgentID: "agent-1", Status: types.JobCompleted})

	h.handleReportResult(Envelope{Args: args})

	require.Len(t, orch.results, 1)
	assert.Equal(t, "job-1", orch.results[0].JobID)
}

func TestHandleReportProgress_ForwardsToOrchestrator(t *testing.T) {
	h, _, orch := newTestHub()
	args, _ := encodeArgs(types.JobProgress{JobID: "job-1", Percentage: 50})

	h.handleReportProgress(Envelope{Args: args})

	require.Len(t, orch.progress, 1)
	assert.Equal(t, "job-1", orch.progress[0].JobID)
}

func TestHandleStreamItem_ForwardsAsProgress(t *testing.T) {
	h, _, orch := newTestHub()
	args, _ := encodeArgs(types.JobProgress{JobID: "job-2", Message: "chunk"})

	h.handleStreamItem(newConn("agent-1", "conn-1", nil, zap.NewNop()), Envelope{Args: args})

	require.Len(t, orch.progress, 1)
	assert.Equal(t, "job-2", orch.progress[0].JobID)
}

func TestDispatchInbound_RoutesByMethod(t *testing.T) {
	h, reg, _ := newTestHub()
	c := newConn("agent-1", "conn-1", nil, zap.NewNop())
	h.conns["agent-1"] = c

	h.dispatchInbound(c, Envelope{Direction: DirToServer, Method: "heartbeat"})

	assert.Equal(t, []string{"agent-1"}, reg.heartbeats)
}

func TestDispatchInbound_IgnoresNonToServerDirection(t *testing.T) {
	h, reg, _ := newTestHub()
	c := newConn("agent-1", "conn-1", nil, zap.NewNop())

	h.dispatchInbound(c, Envelope{Direction: DirToAgent, Method: "heartbeat"})

	assert.Empty(t, reg.heartbeats)
}

func TestConnFor_UnknownAgentIsKindUnknownAgent(t *testing.T) {
	h, _, _ := newTestHub()

	_, err := h.connFor("ghost")
	require.Error(t, err)
	kind, ok := orberrors.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, orberrors.KindUnknownAgent, kind)
}

func TestExecuteJob_EnqueuesEnvelopeOnAgentConn(t *testing.T) {
	h, _, _ := newTestHub()
	c := newConn("agent-1", "conn-1", nil, zap.NewNop())
	h.conns["agent-1"] = c

	err := h.ExecuteJob(context.Background(), "agent-1", types.JobRequest{ID: "job-1", Command: "run"})
	require.NoError(t, err)

	e := drainOne(t, c)
	assert.Equal(t, "executeJob", e.Method)
	assert.Equal(t, DirToAgent, e.Direction)
}

func TestExecuteJob_UnknownAgentFails(t *testing.T) {
	h, _, _ := newTestHub()

	err := h.ExecuteJob(context.Background(), "ghost", types.JobRequest{ID: "job-1"})
	assert.Error(t, err)
}

func TestCancelJob_EnqueuesEnvelopeWithJobID(t *testing.T) {
	h, _, _ := newTestHub()
	c := newConn("agent-1", "conn-1", nil, zap.NewNop())
	h.conns["agent-1"] = c

	require.NoError(t, h.CancelJob(context.Background(), "agent-1", "job-1"))

	e := drainOne(t, c)
	assert.Equal(t, "cancelJob", e.Method)
	var body map[string]string
	require.NoError(t, decodeArgs(e.Args, &body))
	assert.Equal(t, "job-1", body["jobId"])
}

func TestPing_EnqueuesPingEnvelope(t *testing.T) {
	h, _, _ := newTestHub()
	c := newConn("agent-1", "conn-1", nil, zap.NewNop())
	h.conns["agent-1"] = c

	require.NoError(t, h.Ping("agent-1"))
	assert.Equal(t, "ping", drainOne(t, c).Method)
}

func TestShutdown_EnqueuesReasonPayload(t *testing.T) {
	h, _, _ := newTestHub()
	c := newConn("agent-1", "conn-1", nil, zap.NewNop())
	h.conns["agent-1"] = c

	require.NoError(t, h.Shutdown("agent-1", "maintenance"))
	e := drainOne(t, c)
	var body map[string]string
	require.NoError(t, decodeArgs(e.Args, &body))
	assert.Equal(t, "maintenance", body["reason"])
}

func TestUpdateDesiredState_EnqueuesKV(t *testing.T) {
	h, _, _ := newTestHub()
	c := newConn("agent-1", "conn-1", nil, zap.NewNop())
	h.conns["agent-1"] = c

	require.NoError(t, h.UpdateDesiredState("agent-1", map[string]string{"pause": "true"}))
	e := drainOne(t, c)
	var body map[string]string
	require.NoError(t, decodeArgs(e.Args, &body))
	assert.Equal(t, "true", body["pause"])
}

func TestSend_ReturnsAgentOverloadedWhenQueueFull(t *testing.T) {
	h, _, _ := newTestHub()
	c := newConn("agent-1", "conn-1", nil, zap.NewNop())
	h.conns["agent-1"] = c

	for i := 0; i < outboundBuffer; i++ {
		require.NoError(t, h.Ping("agent-1"))
	}

	err := c.send(Envelope{Method: "ping", Direction: DirToAgent})
	require.Error(t, err)
	kind, ok := orberrors.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, orberrors.KindAgentOverloaded, kind)
}

func TestCall_CompletesOnMatchingReply(t *testing.T) {
	h, _, _ := newTestHub()
	c := newConn("agent-1", "conn-1", nil, zap.NewNop())
	h.conns["agent-1"] = c

	done := make(chan error, 1)
	var reply map[string]any
	go func() {
		done <- h.call(context.Background(), "agent-1", "getHealth", nil, &reply)
	}()

	sent := drainOne(t, c)
	require.Equal(t, "getHealth", sent.Method)
	require.NotEmpty(t, sent.CallbackID)

	replyArgs, _ := encodeArgs(map[string]any{"ok": true})
	h.completeCall(Envelope{CallbackID: sent.CallbackID, Args: replyArgs})

	require.NoError(t, <-done)
	assert.Equal(t, true, reply["ok"])
}

func TestCall_ReplyErrorFieldBecomesExecutionFailure(t *testing.T) {
	h, _, _ := newTestHub()
	c := newConn("agent-1", "conn-1", nil, zap.NewNop())
	h.conns["agent-1"] = c

	done := make(chan error, 1)
	go func() {
		done <- h.call(context.Background(), "agent-1", "validateJob", nil, nil)
	}()

	sent := drainOne(t, c)
	h.completeCall(Envelope{CallbackID: sent.CallbackID, Error: "bad request"})

	err := <-done
	require.Error(t, err)
	kind, ok := orberrors.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, orberrors.KindExecutionFailure, kind)
}

func TestCall_TimesOutWhenNoReplyArrives(t *testing.T) {
	h, _, _ := newTestHub()
	h.callTimeout = 20 * time.Millisecond
	c := newConn("agent-1", "conn-1", nil, zap.NewNop())
	h.conns["agent-1"] = c

	err := h.call(context.Background(), "agent-1", "getHealth", nil, nil)
	require.Error(t, err)
	kind, ok := orberrors.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, orberrors.KindTimeout, kind)

	h.callMu.Lock()
	_, stillPending := h.calls["nonexistent"]
	pendingCount := len(h.calls)
	h.callMu.Unlock()
	assert.False(t, stillPending)
	assert.Zero(t, pendingCount, "expired call must be pruned from the outstanding-call table")
}

func TestCompleteCall_IgnoresUnknownCallbackID(t *testing.T) {
	h, _, _ := newTestHub()
	assert.NotPanics(t, func() {
		h.completeCall(Envelope{CallbackID: "never-registered"})
	})
}

func TestConnectedAgentIDs_ReflectsLiveConns(t *testing.T) {
	h, _, _ := newTestHub()
	h.conns["agent-1"] = newConn("agent-1", "conn-1", nil, zap.NewNop())
	h.conns["agent-2"] = newConn("agent-2", "conn-2", nil, zap.NewNop())

	ids := h.ConnectedAgentIDs()
	assert.ElementsMatch(t, []string{"agent-1", "agent-2"}, ids)
}

// Regression: reconnecting under the same agent id used to close the prior
// conn's closed channel directly, which its own readPump's deferred close
// then closed a second time and panicked. Registering twice over real
// websocket pumps must complete cleanly both times.
func TestReconnect_SupersedingAgentDoesNotPanicPriorConnection(t *testing.T) {
	h, reg, _ := newTestHub()
	srv := httptest.NewServer(h)
	defer srv.Close()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	dialAndRegister := func() *websocket.Conn {
		ws, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
		require.NoError(t, err)
		args, err := encodeArgs(registrationArgs{ID: "agent-1"})
		require.NoError(t, err)
		env, err := marshalEnvelope(Envelope{Method: "register", Direction: DirToServer, Args: args})
		require.NoError(t, err)
		require.NoError(t, ws.WriteMessage(websocket.BinaryMessage, env))
		_, _, err = ws.ReadMessage() // register reply
		require.NoError(t, err)
		return ws
	}

	assert.NotPanics(t, func() {
		first := dialAndRegister()
		defer first.Close()

		second := dialAndRegister()
		defer second.Close()

		// Give the superseded connection's pumps time to unwind; a panic
		// there would crash the test binary regardless of recover here.
		time.Sleep(100 * time.Millisecond)
	})

	h.connMu.RLock()
	_, stillConnected := h.conns["agent-1"]
	h.connMu.RUnlock()
	assert.True(t, stillConnected, "second connection should remain registered")
	assert.GreaterOrEqual(t, len(reg.registered), 2)
}
