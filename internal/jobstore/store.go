// Package jobstore owns the Job lifecycle state machine: the single writer
// of every Job record, keyed by JobRequest.ID. Every mutation funnels through
// this package so the state machine's invariants (§4.2 of the control-plane
// contract) live in one place; other components read copies and call back
// in to mutate.
package jobstore

import (
	"sort"
	"sync"
	"time"

	"github.com/orbitmesh/orbitmesh/internal/orberrors"
	"github.com/orbitmesh/orbitmesh/internal/types"
)

// shard count for the per-job-id lock striping described in SPEC_FULL §5 —
// keeps unrelated jobs from serializing on a single mutex while operations
// on the same job id are still strictly ordered.
const shardCount = 64

type shardedLock struct {
	mus [shardCount]sync.Mutex
}

func (s *shardedLock) lock(id string) func() {
	idx := fnv(id) % shardCount
	s.mus[idx].Lock()
	return s.mus[idx].Unlock
}

func fnv(s string) uint32 {
	var h uint32 = 2166136261
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= 16777619
	}
	return h
}

// Store is the in-memory Job Store. A durable implementation would satisfy
// the same method set against the event-sourced layout described in
// SPEC_FULL §3/§6 (see internal/store); tests and the default runtime
// configuration use this in-memory version.
type Store struct {
	global sync.RWMutex // protects the maps themselves (insert/delete), not individual Job mutation
	locks  shardedLock

	jobs      map[string]*types.Job
	byIdemKey map[string]string   // idempotency key -> job id, first submission wins
	claimed   map[string]struct{} // job ids picked by DequeueNext but not yet Assigned
}

func New() *Store {
	return &Store{
		jobs:      make(map[string]*types.Job),
		byIdemKey: make(map[string]string),
		claimed:   make(map[string]struct{}),
	}
}

// Enqueue inserts a new Pending job. If req.IdempotencyKey is set and
// already mapped, the existing job is returned unchanged and created is
// false — callers use created to distinguish "newly created" from "returned existing".
func (s *Store) Enqueue(req types.JobRequest) (job types.Job, created bool) {
	s.global.Lock()
	defer s.global.Unlock()

	if req.IdempotencyKey != "" {
		if existingID, ok := s.byIdemKey[req.IdempotencyKey]; ok {
			if existing, ok := s.jobs[existingID]; ok {
				return *existing, false
			}
		}
	}

	if existing, ok := s.jobs[req.ID]; ok {
		// Re-enqueue of an id we already hold (e.g. a client retry on the
		// same JobRequest.ID) — idempotent no-op, return what we have.
		return *existing, false
	}

	now := time.Now().UTC()
	j := &types.Job{
		Request:    req,
		Status:     types.JobPending,
		CreatedAt:  now,
		EnqueuedAt: now,
	}
	s.jobs[req.ID] = j
	if req.IdempotencyKey != "" {
		s.byIdemKey[req.IdempotencyKey] = req.ID
	}
	return *j, true
}

func (s *Store) Get(id string) (types.Job, error) {
	s.global.RLock()
	defer s.global.RUnlock()
	j, ok := s.jobs[id]
	if !ok {
		return types.Job{}, orberrors.ErrUnknownJob
	}
	return *j, nil
}

// mutate locates the job, takes its shard lock, and runs fn against the live
// pointer. fn returns an error to abort the mutation (e.g. InvalidState).
func (s *Store) mutate(id string, fn func(*types.Job) error) (types.Job, error) {
	unlock := s.locks.lock(id)
	defer unlock()

	s.global.RLock()
	j, ok := s.jobs[id]
	s.global.RUnlock()
	if !ok {
		return types.Job{}, orberrors.ErrUnknownJob
	}

	if err := fn(j); err != nil {
		return *j, err
	}
	return *j, nil
}

func invalidState(from types.JobStatus, op string) error {
	return orberrors.New(orberrors.KindInvalidState, "cannot "+op+" job in state "+string(from))
}

// Assign transitions Pending -> Assigned. Clears any DequeueNext claim on
// id regardless of outcome, so a failed assign (stale state, lost race)
// doesn't strand the job unclaimed-but-unconsidered forever.
func (s *Store) Assign(id, agentID string) (types.Job, error) {
	defer s.ReleaseClaim(id)
	return s.mutate(id, func(j *types.Job) error {
		if j.Status != types.JobPending {
			return invalidState(j.Status, "assign")
		}
		j.Status = types.JobAssigned
		j.AssignedAgentID = agentID
		j.AssignedAt = time.Now().UTC()
		return nil
	})
}

// Acknowledge transitions Assigned -> Running.
func (s *Store) Acknowledge(id, agentID string) (types.Job, error) {
	return s.mutate(id, func(j *types.Job) error {
		if j.Status != types.JobAssigned {
			return invalidState(j.Status, "acknowledge")
		}
		j.Status = types.JobRunning
		j.StartedAt = time.Now().UTC()
		return nil
	})
}

// Complete transitions Running -> Completed. Completing a non-existent job
// is a documented no-op, not an error (§8 boundary behavior).
func (s *Store) Complete(id string, result types.JobResult) (types.Job, error) {
	j, err := s.mutate(id, func(j *types.Job) error {
		if j.Status.Terminal() {
			return nil // no-op: already terminal
		}
		j.Status = types.JobCompleted
		j.CompletedAt = time.Now().UTC()
		j.Result = &result
		j.LastProgress = nil
		return nil
	})
	if kind, ok := orberrors.KindOf(err); ok && kind == orberrors.KindUnknownJob {
		return types.Job{}, nil // no-op per §8
	}
	return j, err
}

// Fail transitions Running (or Assigned, on dispatch failure) -> Failed.
// Failing a non-existent job is likewise a no-op.
func (s *Store) Fail(id, errMsg, errCode string) (types.Job, error) {
	j, err := s.mutate(id, func(j *types.Job) error {
		if j.Status.Terminal() {
			return nil
		}
		j.Status = types.JobFailed
		j.CompletedAt = time.Now().UTC()
		j.Error = errMsg
		j.ErrorCode = errCode
		return nil
	})
	if kind, ok := orberrors.KindOf(err); ok && kind == orberrors.KindUnknownJob {
		return types.Job{}, nil
	}
	return j, err
}

// Cancel is permitted only from {Pending, Assigned, Running}.
func (s *Store) Cancel(id, reason string) (types.Job, error) {
	return s.mutate(id, func(j *types.Job) error {
		switch j.Status {
		case types.JobPending, types.JobAssigned, types.JobRunning:
		default:
			return invalidState(j.Status, "cancel")
		}
		j.Status = types.JobCancelled
		j.CompletedAt = time.Now().UTC()
		j.Error = reason
		return nil
	})
}

// MarkTimedOut transitions Assigned/Running -> TimedOut.
func (s *Store) MarkTimedOut(id string) (types.Job, error) {
	return s.mutate(id, func(j *types.Job) error {
		switch j.Status {
		case types.JobAssigned, types.JobRunning:
		default:
			return invalidState(j.Status, "mark timed out")
		}
		j.Status = types.JobTimedOut
		j.CompletedAt = time.Now().UTC()
		j.ErrorCode = "TIMEOUT"
		return nil
	})
}

// Requeue transitions Failed -> Pending for a retry. Fails if
// RetryCount == MaxRetries; the caller (Orchestrator) dead-letters instead.
func (s *Store) Requeue(id string) (types.Job, error) {
	return s.mutate(id, func(j *types.Job) error {
		if j.Status != types.JobFailed {
			return invalidState(j.Status, "requeue")
		}
		if j.RetryCount >= j.Request.MaxRetries {
			return orberrors.New(orberrors.KindInvalidState, "retry budget exhausted")
		}
		j.RetryCount++
		j.Status = types.JobPending
		j.AssignedAgentID = ""
		j.AssignedAt = time.Time{}
		j.EnqueuedAt = time.Now().UTC()
		j.Error = ""
		j.ErrorCode = ""
		return nil
	})
}

// RequeueForTimeout moves Assigned/Running back to Pending when
// TimeoutCount has not yet exhausted maxTimeoutRetries. Returns a Timeout
// error (caller dead-letters) once the budget is spent.
func (s *Store) RequeueForTimeout(id string, maxTimeoutRetries int) (types.Job, error) {
	return s.mutate(id, func(j *types.Job) error {
		switch j.Status {
		case types.JobAssigned, types.JobRunning:
		default:
			return invalidState(j.Status, "requeue for timeout")
		}
		j.TimeoutCount++
		if j.TimeoutCount > maxTimeoutRetries {
			return orberrors.New(orberrors.KindTimeout, "timeout retry budget exhausted")
		}
		j.Status = types.JobPending
		j.AssignedAgentID = ""
		j.AssignedAt = time.Time{}
		j.EnqueuedAt = time.Now().UTC()
		return nil
	})
}

// UpdateProgress stashes the latest progress snapshot on the job record.
// The Progress Service is the system of record for subscription fan-out;
// the store only keeps it for GetJob responses.
func (s *Store) UpdateProgress(p types.JobProgress) error {
	_, err := s.mutate(p.JobID, func(j *types.Job) error {
		j.LastProgress = &p
		return nil
	})
	return err
}

func (s *Store) GetPending() []types.Job { return s.filter(func(j *types.Job) bool { return j.Status == types.JobPending }) }

func (s *Store) GetByAgent(agentID string) []types.Job {
	return s.filter(func(j *types.Job) bool { return j.AssignedAgentID == agentID })
}

func (s *Store) GetByStatus(status types.JobStatus) []types.Job {
	return s.filter(func(j *types.Job) bool { return j.Status == status })
}

// InFlightCount returns the number of non-terminal jobs currently assigned
// to agentID — used by the Router to load-balance across eligible agents.
func (s *Store) InFlightCount(agentID string) int {
	s.global.RLock()
	defer s.global.RUnlock()
	count := 0
	for _, j := range s.jobs {
		if j.AssignedAgentID == agentID && !j.Status.Terminal() {
			count++
		}
	}
	return count
}

func (s *Store) GetTimedOut() []types.Job {
	return s.filter(func(j *types.Job) bool { return j.Status == types.JobTimedOut })
}

func (s *Store) filter(pred func(*types.Job) bool) []types.Job {
	s.global.RLock()
	defer s.global.RUnlock()
	out := make([]types.Job, 0)
	for _, j := range s.jobs {
		if pred(j) {
			out = append(out, *j)
		}
	}
	return out
}

// DequeueNext picks the highest-priority eligible Pending job (ties broken
// by EnqueuedAt) and claims it, without binding it to an agent yet —
// callers pick an agent via the Router and then call Assign, or
// ReleaseClaim if no agent was found. capabilities == nil means "no
// filter". Claimed jobs are excluded from subsequent DequeueNext calls so a
// single tick's loop never claims the same Pending job twice; Assign and
// ReleaseClaim both clear the claim.
func (s *Store) DequeueNext(capabilities []string) (types.Job, bool) {
	s.global.Lock()
	defer s.global.Unlock()

	var best *types.Job
	for id, j := range s.jobs {
		if j.Status != types.JobPending {
			continue
		}
		if _, claimed := s.claimed[id]; claimed {
			continue
		}
		if !subsetOf(j.Request.RequiredCapabilities, capabilities) {
			continue
		}
		if best == nil {
			best = j
			continue
		}
		if j.Request.Priority > best.Request.Priority ||
			(j.Request.Priority == best.Request.Priority && j.EnqueuedAt.Before(best.EnqueuedAt)) {
			best = j
		}
	}

	if best == nil {
		return types.Job{}, false
	}
	s.claimed[best.Request.ID] = struct{}{}
	return *best, true
}

// ReleaseClaim clears a DequeueNext claim without transitioning the job,
// making it eligible for DequeueNext again — used when no eligible agent
// was found for a claimed job.
func (s *Store) ReleaseClaim(id string) {
	s.global.Lock()
	delete(s.claimed, id)
	s.global.Unlock()
}

// subsetOf reports whether required is a subset of available. available ==
// nil means "no capability filter" (every job matches); this lets callers
// dequeue without pre-knowing which agent will serve it.
func subsetOf(required, available []string) bool {
	if available == nil {
		return true
	}
	set := make(map[string]struct{}, len(available))
	for _, a := range available {
		set[a] = struct{}{}
	}
	for _, r := range required {
		if _, ok := set[r]; !ok {
			return false
		}
	}
	return true
}

// sortByPriority orders jobs by descending priority, ties broken by earliest
// EnqueuedAt — the same order DequeueNext picks from.
func sortByPriority(jobs []types.Job) {
	sort.Slice(jobs, func(i, j int) bool {
		if jobs[i].Request.Priority != jobs[j].Request.Priority {
			return jobs[i].Request.Priority > jobs[j].Request.Priority
		}
		return jobs[i].EnqueuedAt.Before(jobs[j].EnqueuedAt)
	})
}
