// Package timeoutmonitor implements the Timeout Monitor: a background loop
// that detects jobs overdue in Assigned or Running state and requeues or
// fails them, ticking on a gocron schedule.
package timeoutmonitor

import (
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"

	"github.com/orbitmesh/orbitmesh/internal/deadletter"
	"github.com/orbitmesh/orbitmesh/internal/types"
)

// Config is the configuration surface entry timeoutMonitor.* from §6.
type Config struct {
	CheckInterval     time.Duration
	DefaultJobTimeout time.Duration
	AckTimeout        time.Duration
	MaxTimeoutRetries int
}

func DefaultConfig() Config {
	return Config{
		CheckInterval:     1 * time.Second,
		DefaultJobTimeout: 5 * time.Minute,
		AckTimeout:        30 * time.Second,
		MaxTimeoutRetries: 1,
	}
}

// Store is the subset of jobstore.Store this monitor depends on.
type Store interface {
	GetByStatus(status types.JobStatus) []types.Job
	RequeueForTimeout(id string, maxTimeoutRetries int) (types.Job, error)
	MarkTimedOut(id string) (types.Job, error)
	Fail(id, errMsg, errCode string) (types.Job, error)
}

type Monitor struct {
	cfg    Config
	store  Store
	dlq    *deadletter.Queue
	logger *zap.Logger

	cron gocron.Scheduler
}

func New(cfg Config, store Store, dlq *deadletter.Queue, logger *zap.Logger) (*Monitor, error) {
	cron, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("timeoutmonitor: failed to create gocron scheduler: %w", err)
	}
	return &Monitor{cfg: cfg, store: store, dlq: dlq, logger: logger.Named("timeoutmonitor"), cron: cron}, nil
}

func (m *Monitor) Start() error {
	_, err := m.cron.NewJob(
		gocron.DurationJob(m.cfg.CheckInterval),
		gocron.NewTask(m.tick),
		gocron.WithTags("timeout-monitor"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("timeoutmonitor: failed to schedule tick: %w", err)
	}
	m.cron.Start()
	m.logger.Info("timeout monitor started", zap.Duration("interval", m.cfg.CheckInterval))
	return nil
}

func (m *Monitor) Stop() error {
	if err := m.cron.Shutdown(); err != nil {
		return fmt.Errorf("timeoutmonitor: shutdown error: %w", err)
	}
	return nil
}

func (m *Monitor) tick() {
	now := time.Now().UTC()

	for _, job := range m.store.GetByStatus(types.JobAssigned) {
		if now.Sub(job.AssignedAt) > m.cfg.AckTimeout {
			m.handleOverdue(job)
		}
	}

	for _, job := range m.store.GetByStatus(types.JobRunning) {
		effective := job.Request.Timeout
		if effective <= 0 {
			effective = m.cfg.DefaultJobTimeout
		}
		if now.Sub(job.StartedAt) > effective {
			m.handleOverdue(job)
		}
	}
}

func (m *Monitor) handleOverdue(job types.Job) {
	updated, err := m.store.RequeueForTimeout(job.Request.ID, m.cfg.MaxTimeoutRetries)
	if err == nil {
		m.logger.Info("job requeued after timeout",
			zap.String("job_id", job.Request.ID), zap.Int("timeout_count", updated.TimeoutCount))
		return
	}

	// Retry budget exhausted: mark TimedOut and dead-letter.
	final, terr := m.store.MarkTimedOut(job.Request.ID)
	if terr != nil {
		m.logger.Warn("failed to mark job timed out", zap.String("job_id", job.Request.ID), zap.Error(terr))
		return
	}
	m.dlq.Enqueue(final, "timeout retries exhausted")
	m.logger.Warn("job dead-lettered after timeout retries exhausted", zap.String("job_id", job.Request.ID))
}
