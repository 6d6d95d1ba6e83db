// Copyright 2026 The Loom Authors
// SPDX-License-Identifier: Apache-2.0

// Package schema defines the wire and durable types shared by every
// Loom component: the authenticated mesh message, the signed manifest
// envelope and its payload, invite token payloads, and the JSON bodies
// of the HTTP surfaces.
//
// All types carry JSON struct tags. The byte encoding used for signing
// is not encoding/json's default output — signers canonicalize through
// lib/canonicaljson so that the same logical value always produces
// identical bytes regardless of field ordering at the source.
package schema
