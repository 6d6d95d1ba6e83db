// Copyright 2026 The Loom Authors
// SPDX-License-Identifier: Apache-2.0

// Package invite encodes and verifies the short-lived signed tokens
// that authorize one host to join a mesh. A token is two base64url
// parts joined by a dot: the canonical JSON payload, and a detached
// Ed25519 signature over those payload bytes.
//
// The three decode failure modes — malformed format, bad signature,
// bad payload shape — are distinguishable via errors.Is. The bootstrap
// surface answers 401 for a bad signature and 400 for the other two.
package invite

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/loom-foundation/loom/lib/canonicaljson"
	"github.com/loom-foundation/loom/lib/schema"
)

const (
	// DefaultTTL is the validity period of a new invite when the
	// issuer does not specify one.
	DefaultTTL = 15 * time.Minute

	// MaxTTL is the hard cap on invite lifetime at creation.
	MaxTTL = time.Hour

	// ClockSkew is tolerated on both sides of nbf and exp during
	// verification. Independent of the message replay window.
	ClockSkew = 60 * time.Second
)

var (
	// ErrMalformed means the token is not two dot-joined base64url
	// parts.
	ErrMalformed = errors.New("invite: malformed token")

	// ErrBadSignature means the detached signature does not verify.
	ErrBadSignature = errors.New("invite: signature verification failed")

	// ErrBadShape means the payload parsed but is missing required
	// fields or has fields of the wrong type.
	ErrBadShape = errors.New("invite: invalid payload shape")

	// ErrNotYetValid means now precedes nbf by more than ClockSkew.
	ErrNotYetValid = errors.New("invite: not yet valid")

	// ErrExpired means now follows exp by more than ClockSkew.
	ErrExpired = errors.New("invite: expired")
)

// Params are the issuer-chosen fields of a new invite.
type Params struct {
	Mesh  string
	Agent string

	// NodePubKey is the standard base64 of the joining host's
	// enrollment public key.
	NodePubKey string

	// TTL defaults to DefaultTTL and is clamped to MaxTTL.
	TTL time.Duration

	// MinManifestVersion, when positive, requires the answering peer
	// to hold at least this manifest version.
	MinManifestVersion int

	// SeedHints are optional peer URLs for the joining host to try.
	SeedHints []string
}

// Issue builds, signs, and encodes a new invite valid from now. The
// jti is a fresh UUID.
func Issue(privateKey ed25519.PrivateKey, params Params, now time.Time) (string, error) {
	if params.Mesh == "" || params.Agent == "" || params.NodePubKey == "" {
		return "", fmt.Errorf("invite: mesh, agent, and nodePubKey are required")
	}

	ttl := params.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if ttl > MaxTTL {
		ttl = MaxTTL
	}

	payload := schema.InvitePayload{
		SchemaVersion:      schema.SchemaVersion,
		Mesh:               params.Mesh,
		Agent:              params.Agent,
		NodePubKey:         params.NodePubKey,
		JTI:                uuid.NewString(),
		IssuedAt:           now.UnixMilli(),
		NotBefore:          now.UnixMilli(),
		Expires:            now.Add(ttl).UnixMilli(),
		MinManifestVersion: params.MinManifestVersion,
		SeedHints:          params.SeedHints,
	}
	return Encode(privateKey, payload)
}

// Encode canonicalizes and signs an invite payload.
func Encode(privateKey ed25519.PrivateKey, payload schema.InvitePayload) (string, error) {
	if err := payload.Validate(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrBadShape, err)
	}

	canonical, err := canonicaljson.Encode(payload)
	if err != nil {
		return "", fmt.Errorf("invite: canonicalizing payload: %w", err)
	}
	signature := ed25519.Sign(privateKey, canonical)

	return base64.RawURLEncoding.EncodeToString(canonical) +
		"." +
		base64.RawURLEncoding.EncodeToString(signature), nil
}

// Decode splits and parses a token without verifying its signature.
// Returns the payload and the raw payload bytes the signature covers.
// Shape errors are reported; validity windows are not checked.
func Decode(token string) (*schema.InvitePayload, []byte, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 2 {
		return nil, nil, fmt.Errorf("%w: want 2 parts, got %d", ErrMalformed, len(parts))
	}

	payloadBytes, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return nil, nil, fmt.Errorf("%w: payload: %v", ErrMalformed, err)
	}
	if _, err := base64.RawURLEncoding.DecodeString(parts[1]); err != nil {
		return nil, nil, fmt.Errorf("%w: signature: %v", ErrMalformed, err)
	}

	var payload schema.InvitePayload
	if err := json.Unmarshal(payloadBytes, &payload); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrBadShape, err)
	}
	if err := payload.Validate(); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrBadShape, err)
	}
	return &payload, payloadBytes, nil
}

// Verify decodes the token, checks the signature under publicKey, and
// enforces the validity window at now with ClockSkew tolerance.
func Verify(publicKey ed25519.PublicKey, token string, now time.Time) (*schema.InvitePayload, error) {
	payload, payloadBytes, err := Decode(token)
	if err != nil {
		return nil, err
	}

	signaturePart := token[strings.LastIndexByte(token, '.')+1:]
	signature, err := base64.RawURLEncoding.DecodeString(signaturePart)
	if err != nil {
		return nil, fmt.Errorf("%w: signature: %v", ErrMalformed, err)
	}
	if len(signature) != ed25519.SignatureSize || !ed25519.Verify(publicKey, payloadBytes, signature) {
		return nil, ErrBadSignature
	}

	nowMS := now.UnixMilli()
	skewMS := ClockSkew.Milliseconds()
	if nowMS < payload.NotBefore-skewMS {
		return nil, ErrNotYetValid
	}
	if nowMS > payload.Expires+skewMS {
		return nil, ErrExpired
	}
	return payload, nil
}
