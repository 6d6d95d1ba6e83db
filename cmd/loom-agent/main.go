// Copyright 2026 The Loom Authors
// SPDX-License-Identifier: Apache-2.0

// Loom-agent runs one mesh agent: the authenticated HTTP listener,
// the persisted incoming queue, and (in daemon mode) the poll loop
// that hands drained batches to an external processor.
//
// Usage:
//
//	loom-agent --config agent.yaml
//	loom-agent --config agent.yaml --stop
//
// The agent config file is YAML (see lib/config.AgentConfig). Mesh
// state — peer map, security parameters, transport secret, manifest —
// lives under the state root, LOOM_HOME or ~/.loom by default.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/loom-foundation/loom/lib/agent"
	"github.com/loom-foundation/loom/lib/config"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath  string
		stateRoot   string
		stop        bool
		stopTimeout time.Duration
	)

	flags := pflag.NewFlagSet("loom-agent", pflag.ContinueOnError)
	flags.StringVar(&configPath, "config", os.Getenv("LOOM_AGENT_CONFIG"), "agent config file (YAML)")
	flags.StringVar(&stateRoot, "state-root", "", "state root (default LOOM_HOME or ~/.loom)")
	flags.BoolVar(&stop, "stop", false, "stop the running daemon for this agent")
	flags.DurationVar(&stopTimeout, "stop-timeout", 10*time.Second, "grace period before the daemon is killed")
	if err := flags.Parse(os.Args[1:]); err != nil {
		return err
	}

	if configPath == "" {
		return fmt.Errorf("--config (or LOOM_AGENT_CONFIG) is required")
	}
	agentCfg, err := config.LoadAgent(configPath)
	if err != nil {
		return err
	}

	if stateRoot == "" {
		stateRoot, err = config.StateRoot()
		if err != nil {
			return err
		}
	}
	meshDir := config.MeshDir(stateRoot, agentCfg.Mesh)

	if stop {
		return agent.StopDaemon(agent.PIDPath(meshDir, agentCfg.Agent), stopTimeout)
	}

	logger := newLogger(agentCfg.LogLevel)
	runtime, err := agent.NewRuntime(agent.RuntimeConfig{
		Agent:     agentCfg,
		StateRoot: stateRoot,
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger.Info("agent starting",
		"mesh", agentCfg.Mesh, "agent", agentCfg.Agent, "daemon", agentCfg.Daemon)
	return runtime.Run(ctx)
}

func newLogger(level string) *slog.Logger {
	var slogLevel slog.Level
	switch level {
	case "debug":
		slogLevel = slog.LevelDebug
	case "warn":
		slogLevel = slog.LevelWarn
	case "error":
		slogLevel = slog.LevelError
	default:
		slogLevel = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slogLevel}))
}
