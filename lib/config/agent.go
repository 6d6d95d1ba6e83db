// Copyright 2026 The Loom Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// AgentConfig is the runtime configuration of one agent process,
// loaded from a YAML file passed via --config (or LOOM_AGENT_CONFIG).
// Mesh-wide state (peers, security parameters) lives in config.json;
// this file holds only what is local to the process.
type AgentConfig struct {
	// Mesh and Agent identify which mesh state directory and peer
	// name this process runs as. Required.
	Mesh  string `yaml:"mesh"`
	Agent string `yaml:"agent"`

	// Host and Port configure the listener. Port 0 asks the OS for a
	// free port.
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	// AutoRegister adds this agent to the local peer map at startup.
	AutoRegister bool `yaml:"autoRegister"`

	// Daemon enables the autonomous poll loop.
	Daemon bool `yaml:"daemon"`

	// StrictInvites enforces invite jti single-use on the bootstrap
	// surface, backed by a SQLite consumption store in the mesh state
	// directory. Off by default: every structurally valid invite is
	// accepted.
	StrictInvites bool `yaml:"strictInvites"`

	// PollIntervalSeconds is the daemon drain cadence. Defaults to 5.
	PollIntervalSeconds int `yaml:"pollIntervalSeconds"`

	// Processor is the external command the daemon hands drained
	// batches to, argv style. Required in daemon mode.
	Processor []string `yaml:"processor"`

	// SyncManifest enables polling the bootstrap head of SyncPeer for
	// manifest updates.
	SyncManifest bool   `yaml:"syncManifest"`
	SyncPeer     string `yaml:"syncPeer"`

	// LogLevel is one of debug, info, warn, error. Defaults to info.
	LogLevel string `yaml:"logLevel"`
}

// LoadAgent reads and validates an agent config file.
func LoadAgent(path string) (*AgentConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading agent config %s: %w", path, err)
	}

	var cfg AgentConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parsing agent config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return &cfg, nil
}

// Validate checks required fields and fills defaults.
func (c *AgentConfig) Validate() error {
	if c.Mesh == "" {
		return fmt.Errorf("mesh is required")
	}
	if c.Agent == "" {
		return fmt.Errorf("agent is required")
	}
	if c.Host == "" {
		c.Host = "127.0.0.1"
	}
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	if c.PollIntervalSeconds <= 0 {
		c.PollIntervalSeconds = 5
	}
	if c.Daemon && len(c.Processor) == 0 {
		return fmt.Errorf("daemon mode requires a processor command")
	}
	if c.SyncManifest && c.SyncPeer == "" {
		return fmt.Errorf("syncManifest requires syncPeer")
	}
	switch c.LogLevel {
	case "":
		c.LogLevel = "info"
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown logLevel %q", c.LogLevel)
	}
	return nil
}

// PollInterval returns the daemon cadence as a duration.
func (c *AgentConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSeconds) * time.Second
}
