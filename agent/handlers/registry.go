// Package handlers implements the agent-side command dispatch table: the
// mapping from a JobRequest's Command string to the local function that
// actually executes it, plus the host-telemetry handlers (getHealth,
// getResourceUsage) the server polls over the client-results RPCs.
package handlers

import (
	"context"
	"fmt"
	"sync"

	"github.com/orbitmesh/orbitmesh/internal/types"
)

// ProgressFunc reports an in-flight progress update for the job currently
// executing. Handlers call it as often as makes sense for the command;
// callers with nothing incremental to report may never call it.
type ProgressFunc func(percentage float64, step, message string)

// Handler executes one job and returns its result payload. ctx is cancelled
// if the server sends cancelJob for this job's id.
type Handler func(ctx context.Context, req types.JobRequest, report ProgressFunc) ([]byte, error)

// ErrUnknownCommand is returned by Dispatch when no handler is registered
// for the job's Command.
type ErrUnknownCommand struct {
	Command string
}

func (e *ErrUnknownCommand) Error() string {
	return fmt.Sprintf("handlers: no handler registered for command %q", e.Command)
}

// Registry is the agent's command dispatch table. Safe for concurrent use —
// Register is normally called once at startup, Dispatch from the executor
// goroutine per job.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// New returns a Registry pre-populated with the built-in demo commands
// ("echo" and "sleep") every reference agent ships with.
func New() *Registry {
	r := &Registry{handlers: make(map[string]Handler)}
	r.Register("echo", echoHandler)
	r.Register("sleep", sleepHandler)
	return r
}

// Register installs h under command, replacing any existing handler.
func (r *Registry) Register(command string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[command] = h
}

// HasHandler reports whether command has a registered handler, without
// running it. Used to answer validateJob before the job is actually sent.
func (r *Registry) HasHandler(command string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.handlers[command]
	return ok
}

// Dispatch looks up and runs the handler for req.Command.
func (r *Registry) Dispatch(ctx context.Context, req types.JobRequest, report ProgressFunc) ([]byte, error) {
	r.mu.RLock()
	h, ok := r.handlers[req.Command]
	r.mu.RUnlock()
	if !ok {
		return nil, &ErrUnknownCommand{Command: req.Command}
	}
	return h(ctx, req, report)
}
