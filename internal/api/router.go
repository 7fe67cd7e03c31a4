package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/orbitmesh/orbitmesh/internal/agentregistry"
	"github.com/orbitmesh/orbitmesh/internal/dashboard"
	"github.com/orbitmesh/orbitmesh/internal/deadletter"
	"github.com/orbitmesh/orbitmesh/internal/orchestrator"
	"github.com/orbitmesh/orbitmesh/internal/rpchub"
)

// RouterConfig holds all dependencies needed to build the HTTP router. It is
// populated once in main.go after every component is wired and handed to
// NewRouter as a single struct so the constructor stays manageable.
type RouterConfig struct {
	Orchestrator *orchestrator.Orchestrator
	Registry     *agentregistry.Registry
	DeadLetter   *deadletter.Queue
	Hub          *rpchub.Hub
	DashboardHub *dashboard.Hub
	Logger       *zap.Logger

	AgentSecret string
}

// NewRouter builds the fully configured Chi router. All resource routes are
// registered under /api/v1; the agent and dashboard WebSocket upgrades live
// alongside them.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(cfg.Logger))
	r.Use(middleware.Recoverer)

	r.Handle("/metrics", promhttp.Handler())

	jobHandler := NewJobHandler(cfg.Orchestrator, cfg.Logger)
	agentHandler := NewAgentHandler(cfg.Registry, cfg.Hub, cfg.Logger)
	dlqHandler := NewDeadLetterHandler(cfg.DeadLetter, cfg.Logger)
	wsHandler := NewWSHandler(cfg.DashboardHub, cfg.Logger)

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/jobs", jobHandler.Submit)
		r.Get("/jobs", jobHandler.List)
		r.Get("/jobs/{id}", jobHandler.GetByID)
		r.Post("/jobs/{id}/cancel", jobHandler.Cancel)

		r.Get("/agents", agentHandler.List)
		r.Get("/agents/{id}", agentHandler.GetByID)

		r.Get("/deadletter", dlqHandler.List)
		r.Post("/deadletter/{id}/retry", dlqHandler.Retry)
		r.Delete("/deadletter/{id}", dlqHandler.Remove)

		r.Get("/ws", wsHandler.Serve)
	})

	r.With(RequireAgentSecret(cfg.AgentSecret)).Get("/api/v1/agent/connect", func(w http.ResponseWriter, r *http.Request) {
		cfg.Hub.ServeHTTP(w, r)
	})

	return r
}
