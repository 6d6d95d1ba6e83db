// Copyright 2026 The Loom Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

// Observer receives in-process notifications as messages are accepted.
// The agent runtime uses it to signal its inbox; implementations must
// not block — they run on the request path after enqueue. Correctness
// of the surface never depends on observer behavior.
type Observer interface {
	// OnMessage fires after a deliver is enqueued.
	OnMessage(from, id, payload string)

	// OnAsk fires after an ask is enqueued.
	OnAsk(from, id, payload string)
}

// NopObserver ignores all notifications.
type NopObserver struct{}

func (NopObserver) OnMessage(from, id, payload string) {}

func (NopObserver) OnAsk(from, id, payload string) {}
