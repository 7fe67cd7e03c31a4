// Package controlplane assembles every component into a running server:
// it owns construction order, background-service start/stop, and the HTTP
// listener, mirroring the teacher's cmd/server wiring (scheduler + gRPC +
// HTTP, graceful shutdown on signal) generalized into one Start/Stop pair so
// both cmd/server and tests can drive the whole system identically.
package controlplane

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"

	"github.com/orbitmesh/orbitmesh/internal/agentregistry"
	"github.com/orbitmesh/orbitmesh/internal/api"
	"github.com/orbitmesh/orbitmesh/internal/config"
	"github.com/orbitmesh/orbitmesh/internal/dashboard"
	"github.com/orbitmesh/orbitmesh/internal/deadletter"
	"github.com/orbitmesh/orbitmesh/internal/dispatcher"
	"github.com/orbitmesh/orbitmesh/internal/idempotency"
	"github.com/orbitmesh/orbitmesh/internal/jobstore"
	"github.com/orbitmesh/orbitmesh/internal/orchestrator"
	"github.com/orbitmesh/orbitmesh/internal/progress"
	"github.com/orbitmesh/orbitmesh/internal/resilience"
	"github.com/orbitmesh/orbitmesh/internal/router"
	"github.com/orbitmesh/orbitmesh/internal/rpchub"
	"github.com/orbitmesh/orbitmesh/internal/store"
	"github.com/orbitmesh/orbitmesh/internal/store/memstore"
	"github.com/orbitmesh/orbitmesh/internal/store/sqlstore"
	"github.com/orbitmesh/orbitmesh/internal/timeoutmonitor"
	"github.com/orbitmesh/orbitmesh/internal/types"
	"github.com/orbitmesh/orbitmesh/internal/workitem"
)

// orchestratorHandle breaks the construction cycle between rpchub.Hub (which
// needs an Orchestrator to call back into) and orchestrator.Orchestrator
// (which needs a JobDispatcher backed by the Hub): the Hub is built against
// this indirection and the real *orchestrator.Orchestrator is plugged in
// once it exists, a turn later in the same constructor.
type orchestratorHandle struct {
	orch *orchestrator.Orchestrator
}

func (h *orchestratorHandle) HandleAcknowledge(jobID, agentID string) error {
	return h.orch.HandleAcknowledge(jobID, agentID)
}

func (h *orchestratorHandle) HandleResult(ctx context.Context, result types.JobResult) error {
	return h.orch.HandleResult(ctx, result)
}

func (h *orchestratorHandle) HandleProgress(p types.JobProgress) {
	h.orch.HandleProgress(p)
}

// App owns every component and the HTTP listener.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	registry     *agentregistry.Registry
	jobStore     *jobstore.Store
	audit        store.EventStore
	idem         *idempotency.Service
	dlq          *deadletter.Queue
	progress     *progress.Service
	resilience   *resilience.Service
	router       *router.Router
	hub          *rpchub.Hub
	dispatcher   *dispatcher.Dispatcher
	orchestrator *orchestrator.Orchestrator
	workitem     *workitem.Processor
	timeoutmon   *timeoutmonitor.Monitor
	dashboardHub *dashboard.Hub
	translator   *dashboard.Translator

	sweepCron gocron.Scheduler
	httpSrv   *http.Server

	cancelDashboard context.CancelFunc
}

// New constructs every component and wires them together. Nothing is
// started yet — call Start.
func New(cfg config.Config, logger *zap.Logger) (*App, error) {
	a := &App{cfg: cfg, logger: logger}

	a.registry = agentregistry.New(cfg.Registry, logger)
	a.jobStore = jobstore.New()

	switch cfg.DBDriver {
	case "", "memory":
		a.audit = memstore.New()
	default:
		sqlStore, err := sqlstore.Open(sqlstore.Config{
			Driver: cfg.DBDriver,
			DSN:    cfg.DBDSN,
			Logger: logger,
		})
		if err != nil {
			return nil, fmt.Errorf("controlplane: failed to open durable event store: %w", err)
		}
		a.audit = sqlStore
	}

	a.idem = idempotency.New(cfg.Idempotency)
	a.dlq = deadletter.New()
	a.progress = progress.New()
	a.resilience = resilience.New(cfg.Resilience)
	a.router = router.New(a.registry, a.jobStore)
	a.dashboardHub = dashboard.NewHub()
	a.translator = dashboard.NewTranslator(a.dashboardHub)

	handle := &orchestratorHandle{}
	a.hub = rpchub.New(a.registry, handle, logger)
	a.dispatcher = dispatcher.New(dispatcher.DefaultConfig(), a.hub, logger)
	a.orchestrator = orchestrator.New(a.jobStore, a.idem, a.router, a.dispatcher, a.dlq, a.progress, a.resilience, a.audit, logger)
	handle.orch = a.orchestrator

	wi, err := workitem.New(cfg.WorkItem, a.jobStore, a.router, a.dispatcher, a.dlq, logger)
	if err != nil {
		return nil, fmt.Errorf("controlplane: failed to build work-item processor: %w", err)
	}
	a.workitem = wi

	tm, err := timeoutmonitor.New(cfg.TimeoutMonitor, a.jobStore, a.dlq, logger)
	if err != nil {
		return nil, fmt.Errorf("controlplane: failed to build timeout monitor: %w", err)
	}
	a.timeoutmon = tm

	sweepCron, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("controlplane: failed to build sweep scheduler: %w", err)
	}
	a.sweepCron = sweepCron

	handler := api.NewRouter(api.RouterConfig{
		Orchestrator: a.orchestrator,
		Registry:     a.registry,
		DeadLetter:   a.dlq,
		Hub:          a.hub,
		DashboardHub: a.dashboardHub,
		Logger:       logger,
		AgentSecret:  cfg.AgentSecret,
	})

	a.httpSrv = &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return a, nil
}

// Start launches every background service and the HTTP listener. It
// returns once everything is running; the HTTP server and dashboard
// translator continue on their own goroutines.
func (a *App) Start(ctx context.Context) error {
	dashCtx, cancel := context.WithCancel(ctx)
	a.cancelDashboard = cancel

	go a.dashboardHub.Run(dashCtx)
	go a.translator.Run(dashCtx, a.registry, a.orchestrator, a.progress)

	if err := a.workitem.Start(ctx); err != nil {
		return fmt.Errorf("controlplane: failed to start work-item processor: %w", err)
	}
	if err := a.timeoutmon.Start(); err != nil {
		return fmt.Errorf("controlplane: failed to start timeout monitor: %w", err)
	}

	if _, err := a.sweepCron.NewJob(
		gocron.DurationJob(5*time.Minute),
		gocron.NewTask(func() {
			a.registry.EvictExpired()
			a.idem.SweepExpired()
		}),
		gocron.WithTags("expiry-sweep"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	); err != nil {
		return fmt.Errorf("controlplane: failed to schedule expiry sweep: %w", err)
	}
	a.sweepCron.Start()

	go func() {
		a.logger.Info("http server listening", zap.String("addr", a.cfg.HTTPAddr))
		if err := a.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.logger.Error("http server error", zap.Error(err))
		}
	}()

	a.logger.Info("control plane started")
	return nil
}

// Stop gracefully shuts down the HTTP listener and every background
// service, in reverse dependency order.
func (a *App) Stop(ctx context.Context) error {
	if err := a.httpSrv.Shutdown(ctx); err != nil {
		a.logger.Warn("http server shutdown error", zap.Error(err))
	}
	if err := a.sweepCron.Shutdown(); err != nil {
		a.logger.Warn("sweep scheduler shutdown error", zap.Error(err))
	}
	if err := a.timeoutmon.Stop(); err != nil {
		a.logger.Warn("timeout monitor shutdown error", zap.Error(err))
	}
	if err := a.workitem.Stop(); err != nil {
		a.logger.Warn("work-item processor shutdown error", zap.Error(err))
	}
	if a.cancelDashboard != nil {
		a.cancelDashboard()
	}
	if closer, ok := a.audit.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			a.logger.Warn("audit store close error", zap.Error(err))
		}
	}
	a.logger.Info("control plane stopped")
	return nil
}
