package dashboard

// EventType discriminates the payload carried in a Message, matching the
// "tagged variant with discriminator field" approach this codebase uses for
// any closed union that crosses the wire.
type EventType string

const (
	EventAgentConnected     EventType = "AgentConnected"
	EventAgentDisconnected  EventType = "AgentDisconnected"
	EventAgentStatusChanged EventType = "AgentStatusChanged"
	EventJobCreated         EventType = "JobCreated"
	EventJobStatusChanged   EventType = "JobStatusChanged"
	EventJobProgress        EventType = "JobProgress"
	EventJobCompleted       EventType = "JobCompleted"
	EventJobFailed          EventType = "JobFailed"
)

// Message is the envelope broadcast to dashboard subscribers.
type Message struct {
	Type    EventType `json:"type"`
	Topic   string    `json:"topic"`
	Payload any       `json:"payload"`
}
