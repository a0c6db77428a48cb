// Package main is the entry point for the testflinger-agent binary.
// It wires all internal packages together and starts the dispatch loop.
//
// Startup sequence:
//  1. Parse CLI flags and load the YAML configuration
//  2. Build logger (console and/or per-agent log file)
//  3. Install signal handlers (SIGTERM stops, SIGUSR1 flags a restart)
//  4. Build the HTTP client and register the agent with the server
//  5. Advertise configured queues and image catalogs
//  6. Run the phase engine until shutdown or a restart request
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"

	"github.com/shirou/gopsutil/v4/host"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/canonical/testflinger/internal/agent/client"
	"github.com/canonical/testflinger/internal/agent/config"
	"github.com/canonical/testflinger/internal/agent/engine"
	"github.com/canonical/testflinger/internal/agent/status"
	"github.com/canonical/testflinger/internal/types"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:   "testflinger-agent",
		Short: "Testflinger agent — runs test jobs on the device it manages",
		Long: `Testflinger agent polls the server for jobs on its configured
queues, drives the device through the job's phases with the configured
per-phase commands, streams live output back, and uploads the outcome.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), configPath)
		},
	}

	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringVarP(&configPath, "config", "c",
		envOrDefault("TESTFLINGER_AGENT_CONFIG", "testflinger-agent.yaml"),
		"Path to the agent YAML configuration file")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("testflinger-agent %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func run(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger, err := buildLogger(cfg)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	logger.Info("starting testflinger agent",
		zap.String("version", version),
		zap.String("agent_id", cfg.AgentID),
		zap.String("server", cfg.ServerAddress),
		zap.Strings("queues", cfg.JobQueues),
	)

	// --- Signal handling ---
	// SIGTERM/SIGINT cancel the context: the engine kills any running
	// subprocess and exits. SIGUSR1 flags a restart that the engine acts on
	// at the next phase boundary.
	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	st := status.New()
	usr1 := make(chan os.Signal, 1)
	signal.Notify(usr1, syscall.SIGUSR1)
	go func() {
		for range usr1 {
			logger.Info("SIGUSR1 received, restart requested")
			st.RequestRestart("restart requested by signal")
		}
	}()

	// --- Client and registration ---
	c, err := client.New(cfg.ServerAddress, cfg.AgentID, cfg.JobQueues, logger)
	if err != nil {
		return err
	}
	if err := c.WaitForServer(ctx); err != nil {
		return err
	}
	if err := register(ctx, c, cfg); err != nil {
		// Registration retries implicitly on the next poll; do not block
		// startup on a flap.
		logger.Warn("initial registration failed", zap.Error(err))
	}
	advertise(ctx, c, cfg, logger)

	// --- Engine ---
	eng := engine.New(cfg, c, st, logger)
	err = eng.Run(ctx)
	switch {
	case errors.Is(err, engine.ErrRestart):
		logger.Info("exiting for restart")
		return nil
	case errors.Is(err, context.Canceled):
		logger.Info("testflinger agent stopped")
		return nil
	default:
		return err
	}
}

// register pushes the agent's full record: queues, location, host identity,
// and an explicit empty job_id to clear any assignment left over from a
// previous life.
func register(ctx context.Context, c *client.Client, cfg *config.Config) error {
	empty := ""
	data := types.AgentData{
		State:    types.AgentStateWaiting,
		Queues:   cfg.JobQueues,
		Location: cfg.Location,
		JobID:    &empty,
		Identity: collectIdentity(ctx),
	}
	return c.PostAgentData(ctx, data)
}

// collectIdentity describes the host for the agent record. Best effort: a
// host without the needed interfaces just reports less.
func collectIdentity(ctx context.Context) *types.AgentIdentity {
	identity := &types.AgentIdentity{Arch: runtime.GOARCH}
	info, err := host.InfoWithContext(ctx)
	if err != nil {
		if hostname, herr := os.Hostname(); herr == nil {
			identity.Hostname = hostname
		}
		return identity
	}
	identity.Hostname = info.Hostname
	identity.OS = info.OS
	if info.KernelArch != "" {
		identity.Arch = info.KernelArch
	}
	identity.UptimeSeconds = info.Uptime
	return identity
}

// advertise publishes configured queue descriptions and image catalogs.
// Failures are logged and ignored: advertisement is cosmetic.
func advertise(ctx context.Context, c *client.Client, cfg *config.Config, logger *zap.Logger) {
	if len(cfg.AdvertisedQueues) > 0 {
		if err := c.PostAdvertisedQueues(ctx, cfg.AdvertisedQueues); err != nil {
			logger.Warn("queue advertisement failed", zap.Error(err))
		}
	}
	if len(cfg.AdvertisedImages) > 0 {
		if err := c.PostAdvertisedImages(ctx, cfg.AdvertisedImages); err != nil {
			logger.Warn("image advertisement failed", zap.Error(err))
		}
	}
}

func buildLogger(cfg *config.Config) (*zap.Logger, error) {
	var zcfg zap.Config

	switch cfg.LoggingLevel {
	case "debug":
		zcfg = zap.NewDevelopmentConfig()
	default:
		zcfg = zap.NewProductionConfig()
	}

	switch cfg.LoggingLevel {
	case "debug":
		zcfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		zcfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		zcfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		zcfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		zcfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	var outputs []string
	if !cfg.LoggingQuiet {
		outputs = append(outputs, "stderr")
	}
	if cfg.LoggingBasedir != "" {
		if err := os.MkdirAll(cfg.LoggingBasedir, 0750); err != nil {
			return nil, fmt.Errorf("create logging basedir: %w", err)
		}
		outputs = append(outputs, filepath.Join(cfg.LoggingBasedir, cfg.AgentID+".log"))
	}
	zcfg.OutputPaths = outputs
	zcfg.ErrorOutputPaths = outputs

	return zcfg.Build()
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
