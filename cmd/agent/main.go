package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/orbitmesh/orbitmesh/agent/client"
	"github.com/orbitmesh/orbitmesh/agent/handlers"
	"github.com/orbitmesh/orbitmesh/internal/types"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type cliConfig struct {
	serverURL    string
	agentSecret  string
	agentID      string
	agentName    string
	group        string
	tags         string
	capabilities string
	logLevel     string
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
		Use:   "orbitmesh-agent",
		Short: "OrbitMesh reference agent",
		Long: `orbitmesh-agent connects to an OrbitMesh control plane over its
websocket RPC channel, registers its capabilities, and executes jobs the
server dispatches to it.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cli)
		},
	}

	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringVar(&cli.serverURL, "server-url", envOrDefault("ORBITMESH_AGENT_SERVER_URL", "ws://localhost:8080/api/v1/agent/connect"), "Control plane websocket URL")
	root.PersistentFlags().StringVar(&cli.agentSecret, "agent-secret", envOrDefault("ORBITMESH_AGENT_SECRET", ""), "Shared secret required by the control plane (empty = disabled, dev only)")
	root.PersistentFlags().StringVar(&cli.agentID, "id", envOrDefault("ORBITMESH_AGENT_ID", ""), "Stable agent id (if empty, a random id is generated at each start and not persisted)")
	root.PersistentFlags().StringVar(&cli.agentName, "name", envOrDefault("ORBITMESH_AGENT_NAME", ""), "Human-readable agent name (defaults to hostname)")
	root.PersistentFlags().StringVar(&cli.group, "group", envOrDefault("ORBITMESH_AGENT_GROUP", "default"), "Agent group used by pattern-based routing")
	root.PersistentFlags().StringVar(&cli.tags, "tags", envOrDefault("ORBITMESH_AGENT_TAGS", ""), "Comma-separated tags")
	root.PersistentFlags().StringVar(&cli.capabilities, "capabilities", envOrDefault("ORBITMESH_AGENT_CAPABILITIES", "echo,sleep"), "Comma-separated capability names this agent advertises")
	root.PersistentFlags().StringVar(&cli.logLevel, "log-level", envOrDefault("ORBITMESH_AGENT_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("orbitmesh-agent %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func run(ctx context.Context, cli *cliConfig) error {
	logger, err := buildLogger(cli.logLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	agentID := cli.agentID
	if agentID == "" {
		agentID = uuid.NewString()
	}
	agentName := cli.agentName
	if agentName == "" {
		if hostname, err := os.Hostname(); err == nil {
			agentName = hostname
		} else {
			agentName = agentID
		}
	}
	hostname, _ := os.Hostname()

	registry := handlers.New()

	caps := splitNonEmpty(cli.capabilities)
	capabilities := make([]types.Capability, len(caps))
	for i, name := range caps {
		capabilities[i] = types.Capability{Name: name, Version: version}
	}

	cfg := client.Config{
		ServerURL:   cli.serverURL,
		AgentSecret: cli.agentSecret,
		Agent: types.Agent{
			ID:           agentID,
			Name:         agentName,
			Group:        cli.group,
			Capabilities: capabilities,
			Tags:         splitNonEmpty(cli.tags),
			Hostname:     hostname,
			Version:      version,
		},
	}

	logger.Info("starting orbitmesh agent",
		zap.String("version", version),
		zap.String("agent_id", agentID),
		zap.String("server_url", cli.serverURL),
		zap.Strings("capabilities", caps),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	c := client.New(cfg, registry, logger)
	c.Run(ctx)

	logger.Info("orbitmesh agent stopped")
	return nil
}

func splitNonEmpty(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
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
