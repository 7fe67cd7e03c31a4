// Package deadletter holds jobs that exhausted all retries — the terminal
// sink for anything the retry and timeout budgets cannot fix.
package deadletter

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/orbitmesh/orbitmesh/internal/orberrors"
	"github.com/orbitmesh/orbitmesh/internal/telemetry"
	"github.com/orbitmesh/orbitmesh/internal/types"
)

type Queue struct {
	mu      sync.RWMutex
	entries map[string]*types.DeadLetterEntry
	byJobID map[string]string
}

func New() *Queue {
	return &Queue{
		entries: make(map[string]*types.DeadLetterEntry),
		byJobID: make(map[string]string),
	}
}

func (q *Queue) Enqueue(job types.Job, reason string) string {
	q.mu.Lock()
	defer q.mu.Unlock()

	id := uuid.NewString()
	q.entries[id] = &types.DeadLetterEntry{
		ID:         id,
		Job:        job,
		Reason:     reason,
		EnqueuedAt: time.Now().UTC(),
	}
	q.byJobID[job.Request.ID] = id
	telemetry.JobsDeadLettered.Inc()
	return id
}

func (q *Queue) Get(id string) (types.DeadLetterEntry, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	e, ok := q.entries[id]
	if !ok {
		return types.DeadLetterEntry{}, orberrors.New(orberrors.KindUnknownJob, "dead-letter entry not found")
	}
	return *e, nil
}

func (q *Queue) GetByJobID(jobID string) (types.DeadLetterEntry, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	id, ok := q.byJobID[jobID]
	if !ok {
		return types.DeadLetterEntry{}, false
	}
	return *q.entries[id], true
}

// List returns entries in insertion order.
func (q *Queue) List() []types.DeadLetterEntry {
	q.mu.RLock()
	defer q.mu.RUnlock()
	out := make([]types.DeadLetterEntry, 0, len(q.entries))
	for _, e := range q.entries {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EnqueuedAt.Before(out[j].EnqueuedAt) })
	return out
}

func (q *Queue) MarkForRetry(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.entries[id]
	if !ok {
		return orberrors.New(orberrors.KindUnknownJob, "dead-letter entry not found")
	}
	e.RetryRequested = true
	return nil
}

func (q *Queue) GetPendingRetry() []types.DeadLetterEntry {
	q.mu.RLock()
	defer q.mu.RUnlock()
	out := make([]types.DeadLetterEntry, 0)
	for _, e := range q.entries {
		if e.RetryRequested {
			out = append(out, *e)
		}
	}
	return out
}

func (q *Queue) Remove(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.entries[id]
	if !ok {
		return orberrors.New(orberrors.KindUnknownJob, "dead-letter entry not found")
	}
	delete(q.entries, id)
	delete(q.byJobID, e.Job.Request.ID)
	return nil
}

func (q *Queue) PurgeAll() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.entries = make(map[string]*types.DeadLetterEntry)
	q.byJobID = make(map[string]string)
}

func (q *Queue) Count() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.entries)
}
