package dashboard

import (
	"context"

	"github.com/orbitmesh/orbitmesh/internal/agentregistry"
	"github.com/orbitmesh/orbitmesh/internal/orchestrator"
	"github.com/orbitmesh/orbitmesh/internal/progress"
	"github.com/orbitmesh/orbitmesh/internal/types"
)

// Translator subscribes to the registry, orchestrator, and progress service
// and republishes their events as dashboard Messages. This is the Hub's
// "registry/orchestrator/progress events -> dashboard broadcasts" duty from
// the RPC Hub's component design, split out so it can run independent of
// the agent-facing transport.
type Translator struct {
	hub *Hub
}

func NewTranslator(hub *Hub) *Translator {
	return &Translator{hub: hub}
}

// Run subscribes to all three sources and republishes until ctx is done.
func (t *Translator) Run(ctx context.Context, registry *agentregistry.Registry, orch *orchestrator.Orchestrator, prog *progress.Service) {
	agentEvents, cancelAgents := registry.Subscribe()
	defer cancelAgents()

	jobEvents, cancelJobs := orch.Subscribe()
	defer cancelJobs()

	progressEvents, cancelProgress := prog.Subscribe()
	defer cancelProgress()

	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-agentEvents:
			if !ok {
				return
			}
			t.handleAgentEvent(ev)

		case ev, ok := <-jobEvents:
			if !ok {
				return
			}
			t.handleJobEvent(ev)

		case p, ok := <-progressEvents:
			if !ok {
				return
			}
			t.hub.Publish("job:"+p.JobID, Message{Type: EventJobProgress, Topic: "job:" + p.JobID, Payload: p})
			t.hub.Broadcast(Message{Type: EventJobProgress, Topic: "jobs", Payload: p})
		}
	}
}

func (t *Translator) handleAgentEvent(ev agentregistry.Event) {
	var typ EventType
	switch ev.Kind {
	case agentregistry.EventAgentConnected:
		typ = EventAgentConnected
	case agentregistry.EventAgentDisconnected:
		typ = EventAgentDisconnected
	case agentregistry.EventAgentStatusChanged:
		typ = EventAgentStatusChanged
	default:
		return
	}
	msg := Message{Type: typ, Topic: "agent:" + ev.Agent.ID, Payload: ev.Agent}
	t.hub.Publish("agent:"+ev.Agent.ID, msg)
	t.hub.Broadcast(Message{Type: typ, Topic: "agents", Payload: ev.Agent})
}

func (t *Translator) handleJobEvent(ev orchestrator.Event) {
	var typ EventType
	switch ev.Kind {
	case orchestrator.EventJobCreated:
		typ = EventJobCreated
	case orchestrator.EventJobStatusChanged:
		typ = EventJobStatusChanged
	case orchestrator.EventJobCompleted:
		typ = EventJobCompleted
	case orchestrator.EventJobFailed:
		typ = EventJobFailed
	default:
		return
	}
	msg := Message{Type: typ, Topic: "job:" + ev.Job.Request.ID, Payload: jobView(ev.Job)}
	t.hub.Publish("job:"+ev.Job.Request.ID, msg)
	t.hub.Broadcast(Message{Type: typ, Topic: "jobs", Payload: jobView(ev.Job)})
}

// jobView trims a Job down to what a dashboard observer needs, avoiding a
// raw Parameters byte dump in every broadcast.
func jobView(j types.Job) map[string]any {
	return map[string]any{
		"id":              j.Request.ID,
		"status":          j.Status,
		"assignedAgentId": j.AssignedAgentID,
		"retryCount":      j.RetryCount,
		"timeoutCount":    j.TimeoutCount,
		"createdAt":       j.CreatedAt,
		"completedAt":     j.CompletedAt,
	}
}
