// Copyright 2026 The Loom Authors
// SPDX-License-Identifier: Apache-2.0

package manifest

import (
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/loom-foundation/loom/lib/envelope"
	"github.com/loom-foundation/loom/lib/schema"
)

// BuildParams are the inputs to a manifest rebuild. The caller
// supplies the current peer set and security parameters; the store
// supplies version continuity and the previous key id.
type BuildParams struct {
	Mesh string

	Security schema.SecurityParams

	// MeshKeyBase64 is the transport secret in its distribution form.
	MeshKeyBase64 string

	Agents      map[string]schema.PeerEntry
	Revocations schema.Revocations

	// PrivateKey is the root signing key.
	PrivateKey ed25519.PrivateKey

	// Now stamps IssuedAt and, on first creation, derives the kid.
	Now time.Time
}

// Rebuild signs a fresh manifest at the next version and persists it.
// The previous envelope's kid is reused; when no manifest exists yet,
// the kid is derived as "root-YYYY-MM-DD". Rebuilding with unchanged
// inputs is idempotent apart from the version bump and timestamp.
func (s *Store) Rebuild(params BuildParams) (schema.Envelope, error) {
	if params.Mesh == "" {
		return schema.Envelope{}, fmt.Errorf("manifest: mesh name is required")
	}
	if params.MeshKeyBase64 == "" {
		return schema.Envelope{}, fmt.Errorf("manifest: transport secret is required")
	}
	if len(params.PrivateKey) != ed25519.PrivateKeySize {
		return schema.Envelope{}, fmt.Errorf("manifest: invalid root private key")
	}

	version, err := s.NextVersion()
	if err != nil {
		return schema.Envelope{}, err
	}

	kid := "root-" + params.Now.UTC().Format("2006-01-02")
	if previous, err := s.Load(); err == nil && previous.Kid != "" {
		kid = previous.Kid
	} else if err != nil && !errors.Is(err, ErrNotFound) {
		return schema.Envelope{}, err
	}

	agents := params.Agents
	if agents == nil {
		agents = map[string]schema.PeerEntry{}
	}

	payload := schema.ManifestPayload{
		SchemaVersion: schema.SchemaVersion,
		Mesh:          params.Mesh,
		Version:       version,
		IssuedAt:      params.Now.UTC().Format(time.RFC3339),
		Security:      params.Security,
		Transport:     schema.TransportParams{MeshKey: params.MeshKeyBase64},
		Agents:        agents,
		Revocations:   params.Revocations,
	}

	env, err := envelope.Sign(params.PrivateKey, kid, payload)
	if err != nil {
		return schema.Envelope{}, fmt.Errorf("manifest: signing: %w", err)
	}
	if err := s.Save(env); err != nil {
		return schema.Envelope{}, err
	}
	return env, nil
}

func payloadBytes(env schema.Envelope) ([]byte, error) {
	raw, err := base64.RawURLEncoding.DecodeString(env.Payload)
	if err != nil {
		return nil, fmt.Errorf("manifest: decoding envelope payload: %w", err)
	}
	return raw, nil
}
