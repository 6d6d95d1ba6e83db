// Copyright 2026 The Loom Authors
// SPDX-License-Identifier: Apache-2.0

package schema

import "fmt"

// InvitePayload is the canonical JSON payload of an invite token. The
// token wire form is base64url(payload) + "." + base64url(signature),
// with the root key's detached Ed25519 signature over the raw payload
// bytes. See lib/invite.
type InvitePayload struct {
	SchemaVersion int    `json:"schemaVersion"`
	Mesh          string `json:"mesh"`

	// Agent is the mesh name the joining host will register under.
	Agent string `json:"agent"`

	// NodePubKey is the standard base64 of the joining host's
	// enrollment public key. The bootstrap endpoint refuses a join
	// whose request key differs from the token's.
	NodePubKey string `json:"nodePubKey"`

	// JTI is a unique UUID for this invite. Strict-mode bootstrap
	// consumes each jti at most once.
	JTI string `json:"jti"`

	// IssuedAt, NotBefore, and Expires are milliseconds since the
	// Unix epoch. Validity checks allow 60 s of clock skew on both
	// NotBefore and Expires.
	IssuedAt  int64 `json:"iat"`
	NotBefore int64 `json:"nbf"`
	Expires   int64 `json:"exp"`

	// MinManifestVersion, when set, makes the join fail with a
	// precondition error if the answering peer's manifest is older.
	MinManifestVersion int `json:"minManifestVersion,omitempty"`

	// SeedHints are peer URLs the joining host may try, in order,
	// when the invite's issuer is unreachable.
	SeedHints []string `json:"seedHints,omitempty"`
}

// Validate checks required fields and their types after decode. It
// does not check validity windows — those depend on a clock and are
// the verifier's job.
func (p *InvitePayload) Validate() error {
	if p.SchemaVersion != SchemaVersion {
		return fmt.Errorf("invite: unsupported schemaVersion %d", p.SchemaVersion)
	}
	if p.Mesh == "" {
		return fmt.Errorf("invite: missing mesh")
	}
	if p.Agent == "" {
		return fmt.Errorf("invite: missing agent")
	}
	if p.NodePubKey == "" {
		return fmt.Errorf("invite: missing nodePubKey")
	}
	if p.JTI == "" {
		return fmt.Errorf("invite: missing jti")
	}
	if p.IssuedAt <= 0 || p.NotBefore <= 0 || p.Expires <= 0 {
		return fmt.Errorf("invite: missing validity timestamps")
	}
	if p.Expires <= p.NotBefore {
		return fmt.Errorf("invite: exp %d not after nbf %d", p.Expires, p.NotBefore)
	}
	return nil
}
