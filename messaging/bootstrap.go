// Copyright 2026 The Loom Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/loom-foundation/loom/lib/invite"
	"github.com/loom-foundation/loom/lib/manifest"
	"github.com/loom-foundation/loom/lib/netutil"
	"github.com/loom-foundation/loom/lib/schema"
)

// ConsumptionStore decides whether an invite jti may still be used.
// Consume marks the jti used and reports whether this call was the
// first use. lib/jtistore provides the durable strict-mode
// implementation.
type ConsumptionStore interface {
	Consume(ctx context.Context, jti string, expires, now time.Time) (bool, error)
}

// AllowAll accepts every jti without recording anything — the default
// when strict mode is off.
type AllowAll struct{}

// Consume always reports first use.
func (AllowAll) Consume(ctx context.Context, jti string, expires, now time.Time) (bool, error) {
	return true, nil
}

func (s *Server) handleJoin(w http.ResponseWriter, r *http.Request) {
	if s.cfg.RootPublicKey == nil || s.cfg.Manifests == nil {
		writeError(w, http.StatusServiceUnavailable, "", "bootstrap not configured on this agent")
		return
	}

	var request schema.JoinRequest
	if err := netutil.DecodeResponse(http.MaxBytesReader(w, r.Body, netutil.MaxResponseSize), &request); err != nil {
		writeError(w, http.StatusBadRequest, "", "malformed join request")
		return
	}
	if request.Token == "" || request.NodePubKey == "" {
		writeError(w, http.StatusBadRequest, "", "token and nodePubKey are required")
		return
	}

	now := s.clock.Now()
	payload, err := invite.Verify(s.cfg.RootPublicKey, request.Token, now)
	switch {
	case err == nil:
	case errors.Is(err, invite.ErrMalformed), errors.Is(err, invite.ErrBadShape):
		writeError(w, http.StatusBadRequest, "", err.Error())
		return
	case errors.Is(err, invite.ErrBadSignature):
		writeError(w, http.StatusUnauthorized, "", "invite signature invalid")
		return
	case errors.Is(err, invite.ErrNotYetValid), errors.Is(err, invite.ErrExpired):
		writeError(w, http.StatusForbidden, "", err.Error())
		return
	default:
		writeError(w, http.StatusBadRequest, "", err.Error())
		return
	}

	if payload.Mesh != s.cfg.Mesh {
		writeError(w, http.StatusForbidden, "", "invite is for a different mesh")
		return
	}
	if payload.NodePubKey != request.NodePubKey {
		writeError(w, http.StatusForbidden, "", "nodePubKey does not match invite")
		return
	}

	env, err := s.cfg.Manifests.Load()
	if errors.Is(err, manifest.ErrNotFound) {
		writeError(w, http.StatusServiceUnavailable, "", "no manifest available")
		return
	}
	if err != nil {
		s.logger.Error("manifest load failed", "error", err)
		writeError(w, http.StatusServiceUnavailable, "", "manifest unavailable")
		return
	}
	current, err := manifest.DecodePayload(env)
	if err != nil {
		s.logger.Error("stored manifest is invalid", "error", err)
		writeError(w, http.StatusServiceUnavailable, "", "manifest unavailable")
		return
	}

	// Revocation list beats everything after signature checks.
	for _, revoked := range current.Revocations.InviteJTIs {
		if revoked == payload.JTI {
			writeError(w, http.StatusForbidden, "", "invite has been revoked")
			return
		}
	}
	for _, revoked := range current.Revocations.Agents {
		if revoked == payload.Agent {
			writeError(w, http.StatusForbidden, "", "agent has been revoked")
			return
		}
	}

	if payload.MinManifestVersion > 0 && current.Version < payload.MinManifestVersion {
		writeError(w, http.StatusPreconditionFailed, "",
			"local manifest is older than the invite requires")
		return
	}

	invites := s.cfg.Invites
	if invites == nil {
		invites = AllowAll{}
	}
	fresh, err := invites.Consume(r.Context(), payload.JTI, time.UnixMilli(payload.Expires), now)
	if err != nil {
		s.logger.Error("invite consumption check failed", "jti", payload.JTI, "error", err)
		writeError(w, http.StatusServiceUnavailable, "", "invite store unavailable")
		return
	}
	if !fresh {
		writeError(w, http.StatusConflict, "", "invite has already been used")
		return
	}

	s.logger.Info("bootstrap join accepted",
		"mesh", s.cfg.Mesh, "agent", payload.Agent, "jti", payload.JTI)

	writeJSON(w, http.StatusOK, schema.JoinResponse{
		OK:       true,
		Mesh:     s.cfg.Mesh,
		Agent:    payload.Agent,
		Now:      now.UnixMilli(),
		Manifest: env,
		Sync: schema.SyncInfo{
			HeadURL:             "/mesh/bootstrap/head",
			ManifestURLTemplate: "/mesh/bootstrap/manifest/{version}",
			IntervalSeconds:     s.cfg.SyncIntervalSeconds,
		},
	})
}

func (s *Server) handleHead(w http.ResponseWriter, r *http.Request) {
	env, current, ok := s.loadManifest(w)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, schema.Head{
		Mesh:         current.Mesh,
		Version:      current.Version,
		ManifestHash: manifest.Hash(env),
		IssuedAt:     current.IssuedAt,
	})
}

func (s *Server) handleManifest(w http.ResponseWriter, r *http.Request) {
	env, current, ok := s.loadManifest(w)
	if !ok {
		return
	}

	requested := r.PathValue("version")
	if requested == "latest" {
		writeJSON(w, http.StatusOK, env)
		return
	}
	version, err := strconv.Atoi(requested)
	if err != nil {
		writeError(w, http.StatusBadRequest, "", "version must be an integer or \"latest\"")
		return
	}
	if version != current.Version {
		// Historical versions are not retained.
		writeError(w, http.StatusNotFound, "", "manifest version not available")
		return
	}
	writeJSON(w, http.StatusOK, env)
}

func (s *Server) loadManifest(w http.ResponseWriter) (schema.Envelope, *schema.ManifestPayload, bool) {
	if s.cfg.Manifests == nil {
		writeError(w, http.StatusServiceUnavailable, "", "bootstrap not configured on this agent")
		return schema.Envelope{}, nil, false
	}
	env, err := s.cfg.Manifests.Load()
	if errors.Is(err, manifest.ErrNotFound) {
		writeError(w, http.StatusServiceUnavailable, "", "no manifest available")
		return schema.Envelope{}, nil, false
	}
	if err != nil {
		s.logger.Error("manifest load failed", "error", err)
		writeError(w, http.StatusServiceUnavailable, "", "manifest unavailable")
		return schema.Envelope{}, nil, false
	}
	payload, err := manifest.DecodePayload(env)
	if err != nil {
		s.logger.Error("stored manifest is invalid", "error", err)
		writeError(w, http.StatusServiceUnavailable, "", "manifest unavailable")
		return schema.Envelope{}, nil, false
	}
	return env, payload, true
}
