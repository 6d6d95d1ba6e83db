// Copyright 2026 The Loom Authors
// SPDX-License-Identifier: Apache-2.0

// Package messaging is the mesh's HTTP plane: the authenticated
// message surface (/mesh/msg, /mesh/ask, /mesh/response), the
// unauthenticated health endpoint, the bootstrap surface
// (/mesh/bootstrap/join, head, manifest), and the outbound peer
// client that constructs signed messages.
//
// Every message-surface request passes the auth pipeline in a fixed
// order: bearer secret, body size, message shape, timestamp window,
// nonce uniqueness, MAC. The bootstrap head and manifest reads pass the
// bearer check only. The pipeline is synchronous and
// bounded; everything that can block (queue persistence aside, which
// is best effort) happens after acceptance.
package messaging
