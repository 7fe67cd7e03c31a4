// Package types defines the domain records shared across every component of
// the control plane: agents, jobs, results, progress and the bookkeeping
// records used by the idempotency service and the dead-letter queue.
//
// Types in this package are plain data — no behavior, no locking. Ownership
// of the mutable ones (Agent, Job) belongs to the registry/store packages;
// everything else copies by value across component boundaries.
package types

import "time"

// AgentStatus is the lifecycle state of a registered agent.
type AgentStatus string

const (
	AgentCreated      AgentStatus = "Created"
	AgentInitializing AgentStatus = "Initializing"
	AgentReady        AgentStatus = "Ready"
	AgentRunning      AgentStatus = "Running"
	AgentPaused       AgentStatus = "Paused"
	AgentStopping     AgentStatus = "Stopping"
	AgentStopped      AgentStatus = "Stopped"
	AgentFaulted      AgentStatus = "Faulted"
	AgentDisconnected AgentStatus = "Disconnected"
)

// Capability is a named skill an agent declares support for.
type Capability struct {
	Name     string
	Version  string
	Metadata map[string]string
}

// Agent is the registry's record of a connected (or recently connected)
// worker node. ConnectionID is only meaningful while Status != Disconnected;
// it identifies the live transport handle held by the RPC hub.
type Agent struct {
	ID            string
	Name          string
	Group         string
	Capabilities  []Capability
	Tags          []string
	Status        AgentStatus
	Hostname      string
	Version       string
	Metadata      map[string]string
	RegisteredAt  time.Time
	LastHeartbeat time.Time
	ConnectionID  string
}

// HasCapability reports whether the agent declares a capability with the
// given name, regardless of version.
func (a Agent) HasCapability(name string) bool {
	for _, c := range a.Capabilities {
		if c.Name == name {
			return true
		}
	}
	return false
}

// HasTag reports whether the agent carries the given tag.
func (a Agent) HasTag(tag string) bool {
	for _, t := range a.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// RegistrationResult is returned by the registry's Register operation.
type RegistrationResult struct {
	Success           bool
	HeartbeatInterval time.Duration
	Error             string
}
