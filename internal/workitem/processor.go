// Package workitem implements the Work-Item Processor: a background loop
// that drains Pending jobs from the store and hands them to the Router and
// Dispatcher under a concurrency cap, ticking on a gocron schedule the same
// way every other periodic task in this codebase does.
package workitem

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"

	"github.com/orbitmesh/orbitmesh/internal/deadletter"
	"github.com/orbitmesh/orbitmesh/internal/dispatcher"
	"github.com/orbitmesh/orbitmesh/internal/router"
	"github.com/orbitmesh/orbitmesh/internal/types"
)

// Config is the configuration surface entry workItemProcessor.* from §6.
type Config struct {
	PollingInterval    time.Duration
	MaxConcurrency     int
	RetryDelay         time.Duration
	MaxDispatchRetries int
}

func DefaultConfig() Config {
	return Config{
		PollingInterval:    2 * time.Second,
		MaxConcurrency:     8,
		RetryDelay:         500 * time.Millisecond,
		MaxDispatchRetries: 3,
	}
}

// Store is the subset of jobstore.Store this processor depends on.
type Store interface {
	DequeueNext(capabilities []string) (types.Job, bool)
	Assign(id, agentID string) (types.Job, error)
	ReleaseClaim(id string)
	Fail(id, errMsg, errCode string) (types.Job, error)
}

type Processor struct {
	cfg        Config
	store      Store
	router     *router.Router
	dispatcher *dispatcher.Dispatcher
	dlq        *deadletter.Queue
	logger     *zap.Logger

	cron gocron.Scheduler
	job  gocron.Job

	mu       sync.Mutex
	attempts map[string]int

	sem chan struct{}
}

func New(cfg Config, store Store, r *router.Router, d *dispatcher.Dispatcher, dlq *deadletter.Queue, logger *zap.Logger) (*Processor, error) {
	cron, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("workitem: failed to create gocron scheduler: %w", err)
	}
	return &Processor{
		cfg:        cfg,
		store:      store,
		router:     r,
		dispatcher: d,
		dlq:        dlq,
		logger:     logger.Named("workitem"),
		cron:       cron,
		attempts:   make(map[string]int),
		sem:        make(chan struct{}, cfg.MaxConcurrency),
	}, nil
}

// Start schedules the polling tick and starts the gocron scheduler.
func (p *Processor) Start(ctx context.Context) error {
	job, err := p.cron.NewJob(
		gocron.DurationJob(p.cfg.PollingInterval),
		gocron.NewTask(func() { p.tick(ctx) }),
		gocron.WithTags("workitem-processor"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("workitem: failed to schedule tick: %w", err)
	}
	p.job = job
	p.cron.Start()
	p.logger.Info("work-item processor started", zap.Duration("interval", p.cfg.PollingInterval))
	return nil
}

func (p *Processor) Stop() error {
	if err := p.cron.Shutdown(); err != nil {
		return fmt.Errorf("workitem: shutdown error: %w", err)
	}
	return nil
}

// tick drains up to MaxConcurrency pending jobs, routing and dispatching
// each without a capable-agent match left untouched (no busy-loop).
func (p *Processor) tick(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < p.cfg.MaxConcurrency; i++ {
		job, ok := p.store.DequeueNext(nil)
		if !ok {
			break
		}

		agent, ok := p.router.Select(router.RoutingRequest{
			RequiredCapabilities: job.Request.RequiredCapabilities,
			RequiredTags:         job.Request.RequiredTags,
			Pattern:              job.Request.Pattern,
		})
		if !ok {
			// No capable agent right now — release the claim so the job is
			// reconsidered on the next tick instead of being stuck excluded.
			p.store.ReleaseClaim(job.Request.ID)
			continue
		}

		wg.Add(1)
		go func(job types.Job, agentID string) {
			defer wg.Done()
			p.dispatchOne(ctx, job, agentID)
		}(job, agent.ID)
	}
	wg.Wait()
}

func (p *Processor) dispatchOne(ctx context.Context, job types.Job, agentID string) {
	if err := p.dispatcher.Dispatch(ctx, agentID, job.Request); err != nil {
		p.mu.Lock()
		p.attempts[job.Request.ID]++
		n := p.attempts[job.Request.ID]
		p.mu.Unlock()

		if n >= p.cfg.MaxDispatchRetries {
			p.mu.Lock()
			delete(p.attempts, job.Request.ID)
			p.mu.Unlock()

			reason := fmt.Sprintf("dispatch failed after %d attempts: %v", n, err)
			p.store.ReleaseClaim(job.Request.ID)
			failed, ferr := p.store.Fail(job.Request.ID, reason, "DISPATCH_FAILURE")
			if ferr != nil {
				p.logger.Warn("failed to mark job Failed after dispatch retries exhausted",
					zap.String("job_id", job.Request.ID), zap.Error(ferr))
				return
			}
			p.dlq.Enqueue(failed, reason)
			p.logger.Warn("job dead-lettered after dispatch retries exhausted",
				zap.String("job_id", job.Request.ID), zap.Int("attempts", n))
			return
		}

		// Retry budget not yet exhausted: release the claim so the job is
		// picked up again (possibly by a different agent) on the next tick.
		p.store.ReleaseClaim(job.Request.ID)
		return
	}

	p.mu.Lock()
	delete(p.attempts, job.Request.ID)
	p.mu.Unlock()

	if _, err := p.store.Assign(job.Request.ID, agentID); err != nil {
		p.logger.Warn("assign after dispatch failed", zap.String("job_id", job.Request.ID), zap.Error(err))
	}
}
