// Copyright 2026 The Loom Authors
// SPDX-License-Identifier: Apache-2.0

// Package envelope signs and verifies detached-signature envelopes:
// Ed25519 over the canonical JSON bytes of a payload. Manifests and
// any other root-signed documents ride in envelopes; invite tokens use
// the same signing discipline in a more compact two-part encoding
// (lib/invite).
//
// Verification failures are reported as typed errors, never panics —
// envelopes arrive from the network.
package envelope

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/loom-foundation/loom/lib/canonicaljson"
	"github.com/loom-foundation/loom/lib/schema"
)

var (
	// ErrBadEncoding means the envelope's payload or signature field
	// is not valid base64url.
	ErrBadEncoding = errors.New("envelope: invalid base64url encoding")

	// ErrBadSignature means the Ed25519 signature does not verify
	// over the payload bytes.
	ErrBadSignature = errors.New("envelope: signature verification failed")

	// ErrUnsupportedAlgorithm means the alg field is not "Ed25519".
	ErrUnsupportedAlgorithm = errors.New("envelope: unsupported algorithm")
)

// Sign canonicalizes payload and wraps it in a signed envelope under
// the given key id.
func Sign(privateKey ed25519.PrivateKey, kid string, payload any) (schema.Envelope, error) {
	canonical, err := canonicaljson.Encode(payload)
	if err != nil {
		return schema.Envelope{}, fmt.Errorf("envelope: canonicalizing payload: %w", err)
	}

	signature := ed25519.Sign(privateKey, canonical)

	return schema.Envelope{
		Alg:     schema.AlgEd25519,
		Kid:     kid,
		Payload: base64.RawURLEncoding.EncodeToString(canonical),
		Sig:     base64.RawURLEncoding.EncodeToString(signature),
	}, nil
}

// Verify checks the envelope's signature under publicKey and returns
// the decoded payload bytes.
func Verify(publicKey ed25519.PublicKey, env schema.Envelope) ([]byte, error) {
	if env.Alg != schema.AlgEd25519 {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, env.Alg)
	}

	payload, err := base64.RawURLEncoding.DecodeString(env.Payload)
	if err != nil {
		return nil, fmt.Errorf("%w: payload: %v", ErrBadEncoding, err)
	}
	signature, err := base64.RawURLEncoding.DecodeString(env.Sig)
	if err != nil {
		return nil, fmt.Errorf("%w: sig: %v", ErrBadEncoding, err)
	}

	if len(signature) != ed25519.SignatureSize || !ed25519.Verify(publicKey, payload, signature) {
		return nil, ErrBadSignature
	}
	return payload, nil
}

// VerifyInto verifies the envelope and JSON-decodes its payload into
// target.
func VerifyInto(publicKey ed25519.PublicKey, env schema.Envelope, target any) error {
	payload, err := Verify(publicKey, env)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(payload, target); err != nil {
		return fmt.Errorf("envelope: decoding payload: %w", err)
	}
	return nil
}
