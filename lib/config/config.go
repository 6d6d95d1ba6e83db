// Copyright 2026 The Loom Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads and persists per-mesh state: the config.json
// holding the peer set and security parameters, and the mesh.key
// transport secret. There is no automatic discovery chain — the state
// root comes from LOOM_HOME or the caller, nothing else.
//
// config.json is read through a JSONC filter so operators may keep
// comments in it; it is always written back as plain JSON.
package config

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/tidwall/jsonc"

	"github.com/loom-foundation/loom/lib/schema"
	"github.com/loom-foundation/loom/lib/secret"
)

// Well-known file names inside a mesh state directory.
const (
	ConfigFile  = "config.json"
	MeshKeyFile = "mesh.key"
)

// MeshKeySize is the transport secret length in raw bytes.
const MeshKeySize = 32

// Defaults for security parameters when a mesh is initialized.
const (
	DefaultReplayWindowSeconds = 60
	DefaultMaxMessageSizeBytes = 1 << 20
	DefaultSyncIntervalSeconds = 300
)

// TLSConfig points at PEM material for the agent listener. When set,
// every listener serves HTTPS.
type TLSConfig struct {
	CertFile string `json:"certFile"`
	KeyFile  string `json:"keyFile"`
}

// MeshConfig is the durable per-mesh configuration in config.json.
// The transport secret is NOT here — it lives in mesh.key with 0600.
type MeshConfig struct {
	Mesh     string                      `json:"mesh"`
	Security schema.SecurityParams       `json:"security"`
	Agents   map[string]schema.PeerEntry `json:"agents"`
	TLS      *TLSConfig                  `json:"tls,omitempty"`

	// SyncIntervalSeconds is how often joined hosts poll the
	// bootstrap head for manifest updates.
	SyncIntervalSeconds int `json:"syncIntervalSeconds,omitempty"`
}

// StateRoot returns the per-user state root: LOOM_HOME when set, else
// $HOME/.loom.
func StateRoot() (string, error) {
	if root := os.Getenv("LOOM_HOME"); root != "" {
		return root, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("config: resolving home directory: %w", err)
	}
	return filepath.Join(home, ".loom"), nil
}

// MeshDir returns the state directory for one mesh under root.
func MeshDir(root, mesh string) string {
	return filepath.Join(root, mesh)
}

// QueuePath returns the durable queue mirror path for an agent.
func QueuePath(meshDir, agent string) string {
	return filepath.Join(meshDir, "queues", agent, "queue.json")
}

// NewMeshConfig returns a config with default security parameters and
// an empty peer set.
func NewMeshConfig(mesh string) *MeshConfig {
	return &MeshConfig{
		Mesh: mesh,
		Security: schema.SecurityParams{
			ReplayWindowSeconds: DefaultReplayWindowSeconds,
			MaxMessageSizeBytes: DefaultMaxMessageSizeBytes,
		},
		Agents:              map[string]schema.PeerEntry{},
		SyncIntervalSeconds: DefaultSyncIntervalSeconds,
	}
}

// LoadMesh reads config.json from meshDir. Comments and trailing
// commas are tolerated on read.
func LoadMesh(meshDir string) (*MeshConfig, error) {
	path := filepath.Join(meshDir, ConfigFile)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	var cfg MeshConfig
	if err := json.Unmarshal(jsonc.ToJSON(data), &cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	if cfg.Mesh == "" {
		return nil, fmt.Errorf("config: %s missing mesh name", path)
	}
	if cfg.Agents == nil {
		cfg.Agents = map[string]schema.PeerEntry{}
	}
	if cfg.Security.ReplayWindowSeconds == 0 {
		cfg.Security.ReplayWindowSeconds = DefaultReplayWindowSeconds
	}
	if cfg.Security.MaxMessageSizeBytes == 0 {
		cfg.Security.MaxMessageSizeBytes = DefaultMaxMessageSizeBytes
	}
	if cfg.SyncIntervalSeconds == 0 {
		cfg.SyncIntervalSeconds = DefaultSyncIntervalSeconds
	}
	return &cfg, nil
}

// SaveMesh writes config.json atomically (write-then-rename).
func SaveMesh(meshDir string, cfg *MeshConfig) error {
	if err := os.MkdirAll(meshDir, 0700); err != nil {
		return fmt.Errorf("config: creating mesh directory: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("config: encoding config: %w", err)
	}
	data = append(data, '\n')

	path := filepath.Join(meshDir, ConfigFile)
	temporary := path + ".tmp"
	if err := os.WriteFile(temporary, data, 0600); err != nil {
		return fmt.Errorf("config: writing temporary config: %w", err)
	}
	if err := os.Rename(temporary, path); err != nil {
		os.Remove(temporary)
		return fmt.Errorf("config: renaming config: %w", err)
	}
	return nil
}

// GenerateMeshKey returns a fresh 32-byte transport secret.
func GenerateMeshKey() ([]byte, error) {
	key := make([]byte, MeshKeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("config: generating transport secret: %w", err)
	}
	return key, nil
}

// SaveMeshKey writes the transport secret to mesh.key as base64, mode
// 0600.
func SaveMeshKey(meshDir string, key []byte) error {
	if len(key) != MeshKeySize {
		return fmt.Errorf("config: transport secret has %d bytes, want %d", len(key), MeshKeySize)
	}
	if err := os.MkdirAll(meshDir, 0700); err != nil {
		return fmt.Errorf("config: creating mesh directory: %w", err)
	}
	encoded := base64.StdEncoding.EncodeToString(key) + "\n"
	path := filepath.Join(meshDir, MeshKeyFile)
	if err := os.WriteFile(path, []byte(encoded), 0600); err != nil {
		return fmt.Errorf("config: writing transport secret: %w", err)
	}
	return nil
}

// LoadMeshKey reads mesh.key into a protected secret buffer holding
// the raw 32 bytes.
func LoadMeshKey(meshDir string) (*secret.Buffer, error) {
	path := filepath.Join(meshDir, MeshKeyFile)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading transport secret: %w", err)
	}

	decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(data)))
	secret.Zero(data)
	if err != nil {
		return nil, fmt.Errorf("config: decoding transport secret: %w", err)
	}
	if len(decoded) != MeshKeySize {
		secret.Zero(decoded)
		return nil, fmt.Errorf("config: transport secret has %d bytes, want %d", len(decoded), MeshKeySize)
	}
	return secret.NewFromBytes(decoded)
}
