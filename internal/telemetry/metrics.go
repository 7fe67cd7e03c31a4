// Package telemetry exposes the control plane's Prometheus metrics: one
// package-level collector set, registered against the default registry so
// promhttp.Handler() (wired in internal/api) serves them without any extra
// plumbing between packages.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	JobsSubmitted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "orbitmesh",
		Subsystem: "jobs",
		Name:      "submitted_total",
		Help:      "Jobs newly created by SubmitJob; idempotent replays are not counted.",
	})

	JobsByStatus = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "orbitmesh",
		Subsystem: "jobs",
		Name:      "transitions_total",
		Help:      "Job lifecycle transitions, labeled by the resulting status.",
	}, []string{"status"})

	JobsDeadLettered = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "orbitmesh",
		Subsystem: "jobs",
		Name:      "deadlettered_total",
		Help:      "Jobs moved to the dead-letter queue.",
	})

	AgentsConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "orbitmesh",
		Subsystem: "agents",
		Name:      "connected",
		Help:      "Agents currently holding a live RPC connection.",
	})

	DispatchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "orbitmesh",
		Subsystem: "dispatcher",
		Name:      "dispatch_duration_seconds",
		Help:      "Time to dispatch a job to an agent, including resilience retries.",
		Buckets:   prometheus.DefBuckets,
	})

	CircuitBreakerState = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "orbitmesh",
		Subsystem: "resilience",
		Name:      "circuit_breaker_open",
		Help:      "1 when the dispatch circuit breaker is open, 0 otherwise.",
	})
)
