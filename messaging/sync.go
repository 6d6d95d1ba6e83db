// Copyright 2026 The Loom Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/loom-foundation/loom/lib/clock"
	"github.com/loom-foundation/loom/lib/envelope"
	"github.com/loom-foundation/loom/lib/manifest"
	"github.com/loom-foundation/loom/lib/schema"
)

// SyncerConfig configures a manifest sync poller.
type SyncerConfig struct {
	// Client performs the authenticated head/fetch requests. Required.
	Client *Client

	// PeerURL is the peer whose bootstrap surface to poll. Required.
	PeerURL string

	// Store persists adopted manifests. Required.
	Store *manifest.Store

	// RootPublicKey verifies fetched envelopes. Required — a syncer
	// without a pinned root would adopt anything.
	RootPublicKey ed25519.PublicKey

	// Mesh is the expected mesh name in adopted manifests. Required.
	Mesh string

	// Interval between polls. Defaults to 5 minutes.
	Interval time.Duration

	// Clock defaults to clock.Real().
	Clock clock.Clock

	// Logger is required.
	Logger *slog.Logger

	// OnUpdate, when set, fires after a newer manifest is adopted.
	OnUpdate func(payload *schema.ManifestPayload)
}

// Syncer polls a peer's bootstrap head and adopts newer manifests.
// Adoption requires a valid root signature, the right mesh name, and
// a strictly higher version — the store never regresses.
type Syncer struct {
	cfg SyncerConfig
}

// NewSyncer validates the configuration.
func NewSyncer(cfg SyncerConfig) (*Syncer, error) {
	if cfg.Client == nil || cfg.Store == nil || cfg.Logger == nil {
		return nil, fmt.Errorf("messaging: Client, Store, and Logger are required")
	}
	if cfg.PeerURL == "" || cfg.Mesh == "" {
		return nil, fmt.Errorf("messaging: PeerURL and Mesh are required")
	}
	if cfg.RootPublicKey == nil {
		return nil, fmt.Errorf("messaging: RootPublicKey is required")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	return &Syncer{cfg: cfg}, nil
}

// Run polls until ctx is cancelled. One failed poll is logged and
// retried at the next tick — peers go away and come back.
func (s *Syncer) Run(ctx context.Context) {
	ticker := s.cfg.Clock.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.SyncOnce(ctx); err != nil {
				s.cfg.Logger.Warn("manifest sync failed", "peer", s.cfg.PeerURL, "error", err)
			}
		}
	}
}

// SyncOnce performs one head check and, when the peer is ahead,
// fetches, verifies, and adopts the newer manifest.
func (s *Syncer) SyncOnce(ctx context.Context) error {
	current, err := s.cfg.Store.CurrentVersion()
	if err != nil {
		return fmt.Errorf("reading local version: %w", err)
	}

	head, err := s.cfg.Client.FetchHead(ctx, s.cfg.PeerURL)
	if err != nil {
		return fmt.Errorf("fetching head: %w", err)
	}
	if head.Version <= current {
		return nil
	}

	env, err := s.cfg.Client.FetchManifest(ctx, s.cfg.PeerURL, "latest")
	if err != nil {
		return fmt.Errorf("fetching manifest: %w", err)
	}

	payload, err := s.Adopt(*env)
	if err != nil {
		return err
	}

	s.cfg.Logger.Info("manifest adopted",
		"mesh", payload.Mesh, "version", payload.Version, "peer", s.cfg.PeerURL)
	if s.cfg.OnUpdate != nil {
		s.cfg.OnUpdate(payload)
	}
	return nil
}

// Adopt verifies an envelope against the pinned root and persists it
// when it is a strictly newer manifest for this mesh. Returns the
// decoded payload.
func (s *Syncer) Adopt(env schema.Envelope) (*schema.ManifestPayload, error) {
	raw, err := envelope.Verify(s.cfg.RootPublicKey, env)
	if err != nil {
		return nil, fmt.Errorf("verifying manifest envelope: %w", err)
	}

	var payload schema.ManifestPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("decoding manifest payload: %w", err)
	}
	if err := payload.Validate(); err != nil {
		return nil, err
	}
	if payload.Mesh != s.cfg.Mesh {
		return nil, fmt.Errorf("manifest is for mesh %q, expected %q", payload.Mesh, s.cfg.Mesh)
	}

	current, err := s.cfg.Store.CurrentVersion()
	if err != nil {
		return nil, fmt.Errorf("reading local version: %w", err)
	}
	if payload.Version <= current {
		return nil, fmt.Errorf("manifest version %d does not advance local %d", payload.Version, current)
	}

	if err := s.cfg.Store.Save(env); err != nil {
		return nil, err
	}
	return &payload, nil
}
