// Copyright 2026 The Loom Authors
// SPDX-License-Identifier: Apache-2.0

package msgauth

import (
	"sync"
	"time"
)

// NonceCache is a thread-safe duplicate detector bounded by the replay
// window. HTTP handlers call Check concurrently; every call prunes
// entries whose observation time has fallen out of the window, so the
// cache holds at most one entry per message accepted inside the
// window.
type NonceCache struct {
	mu      sync.Mutex
	window  time.Duration
	entries map[string]time.Time

	// journal, when set, records accepted nonces so a restart does
	// not reopen the replay window. Best effort: journal failures
	// never fail Check.
	journal *Journal
}

// NewNonceCache creates a cache retaining nonces for the given window.
func NewNonceCache(window time.Duration) *NonceCache {
	return &NonceCache{
		window:  window,
		entries: make(map[string]time.Time),
	}
}

// WithJournal attaches a durable journal. Call before the cache is in
// use; the journal is not synchronized separately from the cache lock.
func (c *NonceCache) WithJournal(journal *Journal) *NonceCache {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.journal = journal
	return c
}

// Check records the nonce if it has not been seen inside the window
// and returns true; returns false for a duplicate. now is the
// receiver's current time, used both as the observation timestamp and
// as the pruning reference.
func (c *NonceCache) Check(nonce string, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.pruneLocked(now)

	if _, seen := c.entries[nonce]; seen {
		return false
	}
	c.entries[nonce] = now

	if c.journal != nil {
		// Errors are deliberately dropped: losing a journal record
		// only weakens replay suppression across a restart, while
		// failing the check would reject a legitimate message.
		_ = c.journal.Append(nonce, now)
	}
	return true
}

// Seed inserts a nonce observed at the given time without journaling,
// skipping entries already outside the window. Used when replaying the
// journal at startup.
func (c *NonceCache) Seed(nonce string, observed, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if now.Sub(observed) > c.window {
		return
	}
	if _, seen := c.entries[nonce]; !seen {
		c.entries[nonce] = observed
	}
}

// Len returns the number of live entries. Intended for tests and
// diagnostics.
func (c *NonceCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *NonceCache) pruneLocked(now time.Time) {
	for nonce, observed := range c.entries {
		if now.Sub(observed) > c.window {
			delete(c.entries, nonce)
		}
	}
}
