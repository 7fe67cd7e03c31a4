// Package idempotency provides non-blocking per-key locks and a cached
// submission-result store, so the Orchestrator can serialize concurrent
// submissions that share an IdempotencyKey without ever blocking a caller.
package idempotency

import (
	"sync"
	"time"

	"github.com/orbitmesh/orbitmesh/internal/types"
)

type Config struct {
	TTL time.Duration
}

func DefaultConfig() Config {
	return Config{TTL: 24 * time.Hour}
}

type Service struct {
	cfg Config
	mu  sync.Mutex
	entries map[string]*types.IdempotencyEntry
}

func New(cfg Config) *Service {
	return &Service{cfg: cfg, entries: make(map[string]*types.IdempotencyEntry)}
}

// TryAcquireLock is non-blocking: it returns false immediately if another
// holder has the lock and no result has been cached yet, or the cached
// result if one exists.
func (s *Service) TryAcquireLock(key, holder string) (acquired bool, cached *types.SubmissionResult) {
	if key == "" {
		return true, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	now := time.Now().UTC()
	if ok && now.Before(e.ExpiresAt) {
		if e.SubmissionResult != nil {
			result := *e.SubmissionResult
			return false, &result
		}
		if e.LockHolder != "" {
			return false, nil // held, no result yet: caller should report DuplicateInFlight
		}
		// Released without a cached result: the key is free again.
	}

	s.entries[key] = &types.IdempotencyEntry{
		Key:        key,
		LockHolder: holder,
		ExpiresAt:  now.Add(s.cfg.TTL),
	}
	return true, nil
}

// ReleaseLock clears the holder without dropping a cached result, if any.
func (s *Service) ReleaseLock(key string) {
	if key == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[key]; ok {
		e.LockHolder = ""
	}
}

func (s *Service) GetResult(key string) (*types.SubmissionResult, bool) {
	if key == "" {
		return nil, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok || e.SubmissionResult == nil {
		return nil, false
	}
	result := *e.SubmissionResult
	return &result, true
}

func (s *Service) SetResult(key string, value types.SubmissionResult) {
	if key == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok {
		e = &types.IdempotencyEntry{Key: key, ExpiresAt: time.Now().UTC().Add(s.cfg.TTL)}
		s.entries[key] = e
	}
	result := value
	e.SubmissionResult = &result
}

// SweepExpired drops entries past their TTL. The control plane's periodic
// gocron sweep calls it together with the agent registry's EvictExpired.
func (s *Service) SweepExpired() {
	now := time.Now().UTC()
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, e := range s.entries {
		if now.After(e.ExpiresAt) {
			delete(s.entries, k)
		}
	}
}
