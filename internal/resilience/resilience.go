// Package resilience wraps unreliable operations with retry (exponential
// backoff with jitter), a timeout, and a per-key circuit breaker, composable
// individually or all at once.
package resilience

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/sony/gobreaker"

	"github.com/orbitmesh/orbitmesh/internal/orberrors"
	"github.com/orbitmesh/orbitmesh/internal/telemetry"
)

type Config struct {
	MaxRetryAttempts   uint
	BaseDelay          time.Duration
	MaxDelay           time.Duration
	Timeout            time.Duration
	BreakerFailureRatio float64
	BreakerMinRequests  uint32
	BreakerOpenDuration time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxRetryAttempts:    5,
		BaseDelay:           100 * time.Millisecond,
		MaxDelay:            10 * time.Second,
		Timeout:             30 * time.Second,
		BreakerFailureRatio: 0.5,
		BreakerMinRequests:  10,
		BreakerOpenDuration: 30 * time.Second,
	}
}

type Service struct {
	cfg Config

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker[any]
}

func New(cfg Config) *Service {
	return &Service{cfg: cfg, breakers: make(map[string]*gobreaker.CircuitBreaker[any])}
}

func (s *Service) breakerFor(key string) *gobreaker.CircuitBreaker[any] {
	s.mu.Lock()
	defer s.mu.Unlock()

	if b, ok := s.breakers[key]; ok {
		return b
	}
	b := gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        key,
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     s.cfg.BreakerOpenDuration,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < s.cfg.BreakerMinRequests {
				return false
			}
			ratio := float64(counts.TotalFailures) / float64(counts.Requests)
			return ratio >= s.cfg.BreakerFailureRatio
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if to == gobreaker.StateOpen {
				telemetry.CircuitBreakerState.Set(1)
			} else if to == gobreaker.StateClosed {
				telemetry.CircuitBreakerState.Set(0)
			}
		},
	})
	s.breakers[key] = b
	return b
}

// ExecuteWithRetry retries fn with exponential backoff and jitter, capped at
// MaxRetryAttempts.
func ExecuteWithRetry[T any](ctx context.Context, s *Service, fn func() (T, error)) (T, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.cfg.BaseDelay
	bo.MaxInterval = s.cfg.MaxDelay

	return backoff.Retry(ctx, func() (T, error) {
		return fn()
	}, backoff.WithBackOff(bo), backoff.WithMaxTries(s.cfg.MaxRetryAttempts))
}

// ExecuteWithTimeout bounds fn to the configured Timeout.
func ExecuteWithTimeout[T any](ctx context.Context, s *Service, fn func(context.Context) (T, error)) (T, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	type result struct {
		val T
		err error
	}
	done := make(chan result, 1)
	go func() {
		v, err := fn(ctx)
		done <- result{v, err}
	}()

	select {
	case r := <-done:
		return r.val, r.err
	case <-ctx.Done():
		var zero T
		return zero, orberrors.Wrap(orberrors.KindTimeout, "operation timed out", ctx.Err())
	}
}

// ExecuteWithCircuitBreaker routes fn through the breaker registered under
// key, rejecting calls while the breaker is open.
func ExecuteWithCircuitBreaker[T any](s *Service, key string, fn func() (T, error)) (T, error) {
	b := s.breakerFor(key)
	v, err := b.Execute(func() (any, error) {
		return fn()
	})
	if err != nil {
		var zero T
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return zero, orberrors.Wrap(orberrors.KindCircuitOpen, "circuit open for "+key, err)
		}
		return zero, err
	}
	return v.(T), nil
}

// ExecuteWithResilience composes all three: circuit breaker wraps retry
// wraps timeout, matching "outer retry, inner timeout, per-key breaker" from
// the component design.
func ExecuteWithResilience[T any](ctx context.Context, s *Service, key string, fn func(context.Context) (T, error)) (T, error) {
	return ExecuteWithCircuitBreaker(s, key, func() (T, error) {
		return ExecuteWithRetry(ctx, s, func() (T, error) {
			return ExecuteWithTimeout(ctx, s, fn)
		})
	})
}

// IsCircuitOpen reports whether the breaker for key is currently open.
func (s *Service) IsCircuitOpen(key string) bool {
	s.mu.Lock()
	b, ok := s.breakers[key]
	s.mu.Unlock()
	if !ok {
		return false
	}
	return b.State() == gobreaker.StateOpen
}
