package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/orbitmesh/orbitmesh/internal/config"
	"github.com/orbitmesh/orbitmesh/internal/controlplane"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type cliConfig struct {
	httpAddr    string
	dbDriver    string
	dbDSN       string
	logLevel    string
	agentSecret string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cli := &cliConfig{}

	root := &cobra.Command{
		Use:   "orbitmesh-server",
		Short: "OrbitMesh control plane — distributed job orchestration server",
		Long: `OrbitMesh is a control plane for dispatching jobs to a fleet of
remote agents over a websocket RPC channel. It exposes a REST API for job
submission and fleet inspection, and manages routing, retries, timeouts,
and dead-lettering.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cli)
		},
	}

	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringVar(&cli.httpAddr, "http-addr", envOrDefault("ORBITMESH_HTTP_ADDR", ":8080"), "HTTP API listen address")
	root.PersistentFlags().StringVar(&cli.dbDriver, "db-driver", envOrDefault("ORBITMESH_DB_DRIVER", "sqlite"), "Event store driver (memory, sqlite, or postgres)")
	root.PersistentFlags().StringVar(&cli.dbDSN, "db-dsn", envOrDefault("ORBITMESH_DB_DSN", "./orbitmesh.db"), "Event store DSN or file path for sqlite")
	root.PersistentFlags().StringVar(&cli.logLevel, "log-level", envOrDefault("ORBITMESH_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&cli.agentSecret, "agent-secret", envOrDefault("ORBITMESH_AGENT_SECRET", ""), "Shared secret for agent websocket connections (empty = disabled, dev only)")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("orbitmesh-server %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func run(ctx context.Context, cli *cliConfig) error {
	logger, err := buildLogger(cli.logLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	logger.Info("starting orbitmesh server",
		zap.String("version", version),
		zap.String("http_addr", cli.httpAddr),
		zap.String("db_driver", cli.dbDriver),
		zap.String("log_level", cli.logLevel),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cfg := config.Default()
	cfg.HTTPAddr = cli.httpAddr
	cfg.DBDriver = cli.dbDriver
	cfg.DBDSN = cli.dbDSN
	cfg.LogLevel = cli.logLevel
	cfg.AgentSecret = cli.agentSecret

	app, err := controlplane.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to build control plane: %w", err)
	}

	if err := app.Start(ctx); err != nil {
		return fmt.Errorf("failed to start control plane: %w", err)
	}

	<-ctx.Done()
	logger.Info("shutting down orbitmesh server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := app.Stop(shutdownCtx); err != nil {
		logger.Warn("control plane shutdown error", zap.Error(err))
	}

	logger.Info("orbitmesh server stopped")
	return nil
}

func buildLogger(level string) (*zap.Logger, error) {
	var cfg zap.Config

	switch level {
	case "debug":
		cfg = zap.NewDevelopmentConfig()
	default:
		cfg = zap.NewProductionConfig()
	}

	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	return cfg.Build()
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
