package types

import "time"

// JobStatus is a position in the job lifecycle state machine.
type JobStatus string

const (
	JobPending   JobStatus = "Pending"
	JobAssigned  JobStatus = "Assigned"
	JobRunning   JobStatus = "Running"
	JobCompleted JobStatus = "Completed"
	JobFailed    JobStatus = "Failed"
	JobCancelled JobStatus = "Cancelled"
	JobTimedOut  JobStatus = "TimedOut"
)

// Terminal reports whether s admits no further transitions without going
// through an explicit dead-letter retry.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobCompleted, JobCancelled, JobTimedOut, JobFailed:
		return true
	default:
		return false
	}
}

// JobRequest is the immutable payload a client submits. Once accepted it is
// frozen onto the Job record as Request and never mutated.
type JobRequest struct {
	ID                   string            `json:"id" validate:"required"`
	IdempotencyKey       string            `json:"idempotencyKey,omitempty"`
	Command              string            `json:"command" validate:"required"`
	Parameters           []byte            `json:"parameters,omitempty"`
	Pattern              string            `json:"pattern,omitempty"`
	RequiredCapabilities []string          `json:"requiredCapabilities,omitempty"`
	RequiredTags         []string          `json:"requiredTags,omitempty"`
	Priority             int               `json:"priority" validate:"gte=0"`
	MaxRetries           int               `json:"maxRetries" validate:"gte=0"`
	Timeout              time.Duration     `json:"timeout,omitempty"`
	CorrelationID        string            `json:"correlationId,omitempty"`
	Metadata             map[string]string `json:"metadata,omitempty"`
}

// Job is the mutable lifecycle record keyed by Request.ID. All mutation is
// performed by the job store under its per-id ordering guarantee; every
// other component reads a copy.
type Job struct {
	Request         JobRequest
	Status          JobStatus
	AssignedAgentID string
	AssignedAt      time.Time
	StartedAt       time.Time
	CompletedAt     time.Time
	RetryCount      int
	TimeoutCount    int
	Result          *JobResult
	Error           string
	ErrorCode       string
	LastProgress    *JobProgress
	CreatedAt       time.Time
	EnqueuedAt      time.Time
}

// JobResult is what an agent reports back after executing a job.
type JobResult struct {
	JobID     string
	AgentID   string
	Status    JobStatus // one of Completed, Failed, Cancelled
	Payload   []byte
	Error     string
	ErrorCode string
	Duration  time.Duration
}

// JobProgress is a point-in-time progress update for a job. Only the latest
// per JobID is retained by the Progress Service.
type JobProgress struct {
	JobID                  string
	Percentage             float64
	CurrentStep            string
	StepIndex              int
	TotalSteps             int
	EstimatedTimeRemaining time.Duration
	Message                string
	Timestamp              time.Time
}

// SubmissionResult is returned from a submitJob call.
type SubmissionResult struct {
	JobID   string
	Success bool
	Status  JobStatus
	Error   string
}

// IdempotencyEntry tracks an in-flight or completed submission keyed by
// client-supplied idempotency key.
type IdempotencyEntry struct {
	Key              string
	LockHolder       string
	SubmissionResult *SubmissionResult
	ExpiresAt        time.Time
}

// DeadLetterEntry is a snapshot of a job that exhausted its retries.
type DeadLetterEntry struct {
	ID             string
	Job            Job
	Reason         string
	EnqueuedAt     time.Time
	RetryRequested bool
}
