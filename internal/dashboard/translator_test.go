package dashboard

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/orbitmesh/orbitmesh/internal/agentregistry"
	"github.com/orbitmesh/orbitmesh/internal/orchestrator"
	"github.com/orbitmesh/orbitmesh/internal/types"
)

func TestHandleAgentEvent_PublishesToAgentAndWildcardTopics(t *testing.T) {
	h, cancel := runHub(t)
	defer cancel()

	perAgent := newTestClient("agent:agent-1")
	wildcard := newTestClient("*")
	h.Subscribe(perAgent)
	h.Subscribe(wildcard)
	time.Sleep(10 * time.Millisecond)

	tr := NewTranslator(h)
	tr.handleAgentEvent(agentregistry.Event{Kind: agentregistry.EventAgentConnected, Agent: types.Agent{ID: "agent-1"}})

	select {
	case msg := <-perAgent.send:
		assert.Equal(t, EventAgentConnected, msg.Type)
	case <-time.After(time.Second):
		t.Fatal("per-agent topic subscriber did not receive the event")
	}

	select {
	case msg := <-wildcard.send:
		assert.Equal(t, EventAgentConnected, msg.Type)
	case <-time.After(time.Second):
		t.Fatal("wildcard subscriber did not receive the event")
	}
}

func TestHandleAgentEvent_UnknownKindIsIgnored(t *testing.T) {
	h, cancel := runHub(t)
	defer cancel()

	wildcard := newTestClient("*")
	h.Subscribe(wildcard)
	time.Sleep(10 * time.Millisecond)

	tr := NewTranslator(h)
	tr.handleAgentEvent(agentregistry.Event{Kind: "SomeUnknownKind", Agent: types.Agent{ID: "agent-1"}})

	select {
	case <-wildcard.send:
		t.Fatal("an unrecognized event kind must not be published")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHandleJobEvent_PublishesTrimmedJobView(t *testing.T) {
	h, cancel := runHub(t)
	defer cancel()

	perJob := newTestClient("job:job-1")
	h.Subscribe(perJob)
	time.Sleep(10 * time.Millisecond)

	tr := NewTranslator(h)
	job := types.Job{Request: types.JobRequest{ID: "job-1"}, Status: types.JobRunning, RetryCount: 2}
	tr.handleJobEvent(orchestrator.Event{Kind: orchestrator.EventJobStatusChanged, Job: job})

	select {
	case msg := <-perJob.send:
		assert.Equal(t, EventJobStatusChanged, msg.Type)
		view, ok := msg.Payload.(map[string]any)
		assert.True(t, ok)
		assert.Equal(t, "job-1", view["id"])
		assert.Equal(t, 2, view["retryCount"])
		assert.NotContains(t, view, "parameters", "the dashboard view must not leak raw job parameters")
	case <-time.After(time.Second):
		t.Fatal("per-job topic subscriber did not receive the event")
	}
}
