// Package progress is a latest-value store for per-job progress. Only the
// newest JobProgress per JobID is retained; subscribers are fanned out
// single-threaded per subscriber with a drop-oldest policy so a slow
// subscriber always eventually sees the latest value rather than blocking
// the reporter.
package progress

import (
	"sync"

	"github.com/orbitmesh/orbitmesh/internal/types"
)

type subscriber struct {
	ch chan types.JobProgress
}

type Service struct {
	mu     sync.RWMutex
	latest map[string]types.JobProgress

	subMu sync.RWMutex
	subs  map[int]*subscriber
	nextID int
}

func New() *Service {
	return &Service{
		latest: make(map[string]types.JobProgress),
		subs:   make(map[int]*subscriber),
	}
}

// Report stores p as the latest progress for its JobID and publishes it.
func (s *Service) Report(p types.JobProgress) {
	s.mu.Lock()
	s.latest[p.JobID] = p
	s.mu.Unlock()

	s.subMu.RLock()
	defer s.subMu.RUnlock()
	for _, sub := range s.subs {
		select {
		case sub.ch <- p:
		default:
			// Channel full: drop the stale pending value and push the
			// latest one through, so the subscriber never falls behind by
			// more than a single in-flight update.
			select {
			case <-sub.ch:
			default:
			}
			select {
			case sub.ch <- p:
			default:
			}
		}
	}
}

func (s *Service) Get(jobID string) (types.JobProgress, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.latest[jobID]
	return p, ok
}

func (s *Service) Clear(jobID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.latest, jobID)
}

// Subscribe returns a channel receiving every reported progress update
// (subject to the drop-oldest policy above) and a cancel func to unsubscribe.
func (s *Service) Subscribe() (<-chan types.JobProgress, func()) {
	sub := &subscriber{ch: make(chan types.JobProgress, 1)}

	s.subMu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = sub
	s.subMu.Unlock()

	cancel := func() {
		s.subMu.Lock()
		delete(s.subs, id)
		s.subMu.Unlock()
		close(sub.ch)
	}
	return sub.ch, cancel
}
