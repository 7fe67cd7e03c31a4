// Package config defines the control plane's configuration surface (§6):
// every tunable recognized by the core components, assembled the way the
// rest of this codebase assembles configuration — cobra flags defaulting
// from environment variables, no separate config-file layer.
package config

import (
	"time"

	"github.com/orbitmesh/orbitmesh/internal/agentregistry"
	"github.com/orbitmesh/orbitmesh/internal/idempotency"
	"github.com/orbitmesh/orbitmesh/internal/resilience"
	"github.com/orbitmesh/orbitmesh/internal/timeoutmonitor"
	"github.com/orbitmesh/orbitmesh/internal/workitem"
)

// Config aggregates every component's tunables plus process-level options.
type Config struct {
	HTTPAddr string
	DBDriver string
	DBDSN    string
	LogLevel string

	AgentSecret string // shared secret gate on the agent websocket upgrade

	Registry       agentregistry.Config
	WorkItem       workitem.Config
	TimeoutMonitor timeoutmonitor.Config
	Idempotency    idempotency.Config
	Resilience     resilience.Config
}

// Default returns the configuration every component ships with absent
// operator overrides.
func Default() Config {
	return Config{
		HTTPAddr:       ":8080",
		DBDriver:       "sqlite",
		DBDSN:          "./orbitmesh.db",
		LogLevel:       "info",
		Registry:       agentregistry.DefaultConfig(),
		WorkItem:       workitem.DefaultConfig(),
		TimeoutMonitor: timeoutmonitor.DefaultConfig(),
		Idempotency:    idempotency.DefaultConfig(),
		Resilience:     resilience.DefaultConfig(),
	}
}

// durationMillis is a small helper for flags expressed in milliseconds on
// the CLI but stored as time.Duration internally.
func durationMillis(ms int64) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
