// Copyright 2026 The Loom Authors
// SPDX-License-Identifier: Apache-2.0

// Package agent ties one mesh agent together: the HTTP listener, the
// persisted incoming queue, the nonce journal, the ask registry,
// peer auto-registration, optional manifest sync, and the optional
// daemon loop that drains the queue into an external batch processor.
//
// The runtime owns component lifecycles. Shutdown order matters: the
// listener stops first (no new messages), the ask registry is
// destroyed (pending asks reject with a terminal error), then durable
// handles close.
package agent
