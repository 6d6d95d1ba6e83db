// Copyright 2026 The Loom Authors
// SPDX-License-Identifier: Apache-2.0

package schema

import "fmt"

// SchemaVersion is the current manifest and invite payload schema
// version. Consumers reject payloads with a different value rather
// than guessing at field semantics.
const SchemaVersion = 1

// Envelope is a detached-signature wrapper around canonical JSON
// payload bytes. Payload and Sig are base64url (unpadded) encoded.
// The signature covers the raw payload bytes, not their base64 form.
type Envelope struct {
	// Alg is the signature algorithm. Only "Ed25519" is defined.
	Alg string `json:"alg"`

	// Kid identifies the signing key (e.g. "root-2026-08-06"). Carried
	// forward across re-signs so verifiers can pin a key generation.
	Kid string `json:"kid"`

	// Payload is base64url of the canonical JSON payload bytes.
	Payload string `json:"payload"`

	// Sig is base64url of the Ed25519 signature over the payload bytes.
	Sig string `json:"sig"`
}

// AlgEd25519 is the only envelope signature algorithm Loom produces or
// accepts.
const AlgEd25519 = "Ed25519"

// PeerEntry describes one agent in the mesh.
type PeerEntry struct {
	// Name is the agent's mesh-unique name.
	Name string `json:"name"`

	// URL is the agent's listener base URL, scheme://host:port with no
	// trailing slash. Normalized via netutil.NormalizeURL.
	URL string `json:"url"`

	// Description is optional human-facing text.
	Description string `json:"description,omitempty"`
}

// SecurityParams are the mesh-wide acceptance limits distributed in
// the manifest.
type SecurityParams struct {
	// ReplayWindowSeconds bounds |now − message.timestamp| at
	// acceptance, and the nonce cache retention. Inclusive at the
	// boundary.
	ReplayWindowSeconds int `json:"replayWindowSeconds"`

	// MaxMessageSizeBytes caps the request body on the message
	// surface. A body of exactly this size is accepted.
	MaxMessageSizeBytes int64 `json:"maxMessageSizeBytes"`
}

// TransportParams carries the shared transport secret inside the
// (signed, bootstrap-delivered) manifest.
type TransportParams struct {
	// MeshKey is the base64 standard encoding of the 32-byte symmetric
	// transport secret.
	MeshKey string `json:"meshKey"`
}

// Revocations lists invite jtis and agent names that must no longer be
// honored. The bootstrap join endpoint refuses an invite whose jti or
// agent appears in the current manifest's lists.
type Revocations struct {
	InviteJTIs []string `json:"inviteJti,omitempty"`
	Agents     []string `json:"agents,omitempty"`
}

// ManifestPayload is the signed snapshot of mesh state. It rides
// inside an Envelope; the canonical bytes of this struct are what the
// root key signs.
type ManifestPayload struct {
	SchemaVersion int    `json:"schemaVersion"`
	Mesh          string `json:"mesh"`

	// Version is a monotonically increasing integer, starting at 1.
	Version int `json:"version"`

	// IssuedAt is an ISO-8601 timestamp of when this manifest was
	// signed.
	IssuedAt string `json:"issuedAt"`

	Security  SecurityParams  `json:"security"`
	Transport TransportParams `json:"transport"`

	// Agents maps agent name to its peer entry.
	Agents map[string]PeerEntry `json:"agents"`

	Revocations Revocations `json:"revocations"`
}

// Validate checks structural requirements on a decoded manifest
// payload. Signature verification happens elsewhere (lib/envelope).
func (p *ManifestPayload) Validate() error {
	if p.SchemaVersion != SchemaVersion {
		return fmt.Errorf("manifest: unsupported schemaVersion %d", p.SchemaVersion)
	}
	if p.Mesh == "" {
		return fmt.Errorf("manifest: missing mesh name")
	}
	if p.Version < 1 {
		return fmt.Errorf("manifest: version %d < 1", p.Version)
	}
	if p.Transport.MeshKey == "" {
		return fmt.Errorf("manifest: missing transport meshKey")
	}
	return nil
}
