// Copyright 2026 The Loom Authors
// SPDX-License-Identifier: Apache-2.0

// Package ask coordinates pending request/reply exchanges. The sender
// of an ask registers the message id and awaits an Outcome; the reply
// surface resolves it when the matching reply arrives. Every
// registered entry finishes exactly once: resolved, timed out, or
// rejected at shutdown.
package ask

import (
	"errors"
	"sync"
	"time"

	"github.com/loom-foundation/loom/lib/clock"
)

var (
	// ErrTimeout is delivered when no reply arrives inside the
	// registered deadline.
	ErrTimeout = errors.New("ask timed out")

	// ErrDestroyed is delivered to every pending ask when the agent
	// stops.
	ErrDestroyed = errors.New("agent stopped")
)

// Outcome is the terminal state of a pending ask: either a reply
// payload or a terminal error, never both.
type Outcome struct {
	Payload string
	Err     error
}

type pending struct {
	outcome chan Outcome
	timer   *clock.Timer
}

// Registry tracks pending asks keyed by message id. HTTP handlers and
// timer callbacks race to finish an entry; the map mutation under the
// mutex decides the winner, so each entry finishes exactly once.
type Registry struct {
	mu        sync.Mutex
	clock     clock.Clock
	entries   map[string]*pending
	destroyed bool
}

// NewRegistry creates a registry using the given clock for deadline
// timers.
func NewRegistry(clk clock.Clock) *Registry {
	if clk == nil {
		clk = clock.Real()
	}
	return &Registry{
		clock:   clk,
		entries: make(map[string]*pending),
	}
}

// Register creates a pending entry with a deadline and returns the
// channel its Outcome arrives on. The channel is buffered: the
// resolver never blocks on a slow awaiter. Registering on a destroyed
// registry completes immediately with ErrDestroyed.
func (r *Registry) Register(messageID string, timeout time.Duration) <-chan Outcome {
	outcome := make(chan Outcome, 1)

	r.mu.Lock()
	if r.destroyed {
		r.mu.Unlock()
		outcome <- Outcome{Err: ErrDestroyed}
		return outcome
	}

	entry := &pending{outcome: outcome}
	r.entries[messageID] = entry
	r.mu.Unlock()

	// Arm the deadline after publishing the entry, then attach the
	// timer handle only if the entry is still pending. A timer that
	// fired (or a reply that resolved) in between finds the entry
	// gone and the handle is stopped here instead.
	timer := r.clock.AfterFunc(timeout, func() {
		r.finish(messageID, Outcome{Err: ErrTimeout})
	})

	r.mu.Lock()
	if current, exists := r.entries[messageID]; exists && current == entry {
		entry.timer = timer
		r.mu.Unlock()
	} else {
		r.mu.Unlock()
		timer.Stop()
	}
	return outcome
}

// Resolve completes the pending ask registered under replyTo with the
// reply payload. Returns false when no entry exists — a late or
// unsolicited reply, which the caller reports as resolved=false and
// otherwise drops.
func (r *Registry) Resolve(replyTo, payload string) bool {
	return r.finish(replyTo, Outcome{Payload: payload})
}

// Has reports whether an ask is pending under messageID.
func (r *Registry) Has(messageID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, exists := r.entries[messageID]
	return exists
}

// Len returns the number of pending asks.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Destroy rejects every pending ask with ErrDestroyed and marks the
// registry terminal. Idempotent.
func (r *Registry) Destroy() {
	r.mu.Lock()
	if r.destroyed {
		r.mu.Unlock()
		return
	}
	r.destroyed = true
	removed := r.entries
	r.entries = make(map[string]*pending)
	r.mu.Unlock()

	for _, entry := range removed {
		if entry.timer != nil {
			entry.timer.Stop()
		}
		entry.outcome <- Outcome{Err: ErrDestroyed}
	}
}

// finish removes the entry and delivers the outcome. Only the caller
// that actually removes the entry sends; every other path sees the
// map miss and returns false.
func (r *Registry) finish(messageID string, outcome Outcome) bool {
	r.mu.Lock()
	entry, exists := r.entries[messageID]
	if exists {
		delete(r.entries, messageID)
	}
	r.mu.Unlock()

	if !exists {
		return false
	}
	if entry.timer != nil {
		entry.timer.Stop()
	}
	entry.outcome <- outcome
	return true
}
