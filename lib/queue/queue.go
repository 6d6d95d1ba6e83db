// Copyright 2026 The Loom Authors
// SPDX-License-Identifier: Apache-2.0

// Package queue is the agent's in-process FIFO of accepted incoming
// messages, with an optional durable mirror on disk. Enqueue order is
// the acceptance order of the auth pipeline; drain returns everything
// in that order and clears.
//
// The mirror is best effort: a persistence failure never fails the
// enqueue, and an unreadable or corrupt mirror at startup is treated
// as an empty queue. Data loss is preferable to refusing to start.
package queue

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/zeebo/blake3"

	"github.com/loom-foundation/loom/lib/schema"
)

// mirror is the on-disk shape of the queue. The checksum detects torn
// or corrupted writes — a mirror that fails its checksum is discarded
// rather than replayed.
type mirror struct {
	Checksum string           `json:"checksum"`
	Messages []schema.Incoming `json:"messages"`
}

// Queue is a mutex-serialized FIFO. Persistence happens inside the
// critical section so the on-disk mirror always reflects a state the
// in-memory queue actually held.
type Queue struct {
	mu       sync.Mutex
	messages []schema.Incoming

	// path is the durable mirror location; empty disables mirroring.
	path   string
	logger *slog.Logger
}

// New creates a queue. If mirrorPath is non-empty, a prior mirror is
// restored (silently ignored when missing or corrupt) and every
// mutation is persisted there.
func New(mirrorPath string, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	q := &Queue{path: mirrorPath, logger: logger}
	if mirrorPath != "" {
		q.messages = restore(mirrorPath, logger)
	}
	return q
}

// Enqueue appends m and persists the mirror.
func (q *Queue) Enqueue(m schema.Incoming) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.messages = append(q.messages, m)
	q.persistLocked()
}

// Drain returns all queued messages in FIFO order and clears the
// queue, persisting the empty state.
func (q *Queue) Drain() []schema.Incoming {
	q.mu.Lock()
	defer q.mu.Unlock()
	drained := q.messages
	q.messages = nil
	q.persistLocked()
	return drained
}

// Peek returns a copy of the queued messages without clearing.
func (q *Queue) Peek() []schema.Incoming {
	q.mu.Lock()
	defer q.mu.Unlock()
	snapshot := make([]schema.Incoming, len(q.messages))
	copy(snapshot, q.messages)
	return snapshot
}

// Len returns the number of queued messages.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.messages)
}

// persistLocked writes the mirror with write-then-rename atomicity.
// Failures are logged and swallowed.
func (q *Queue) persistLocked() {
	if q.path == "" {
		return
	}
	if err := writeMirror(q.path, q.messages); err != nil {
		q.logger.Warn("queue mirror write failed", "path", q.path, "error", err)
	}
}

func checksum(messages []byte) string {
	digest := blake3.Sum256(messages)
	return "blake3:" + hex.EncodeToString(digest[:])
}

func writeMirror(path string, messages []schema.Incoming) error {
	if messages == nil {
		messages = []schema.Incoming{}
	}
	encoded, err := json.Marshal(messages)
	if err != nil {
		return fmt.Errorf("encoding messages: %w", err)
	}
	data, err := json.MarshalIndent(mirror{
		Checksum: checksum(encoded),
		Messages: messages,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding mirror: %w", err)
	}
	data = append(data, '\n')

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("creating mirror directory: %w", err)
	}
	temporary := path + ".tmp"
	if err := os.WriteFile(temporary, data, 0600); err != nil {
		return fmt.Errorf("writing temporary mirror: %w", err)
	}
	if err := os.Rename(temporary, path); err != nil {
		os.Remove(temporary)
		return fmt.Errorf("renaming mirror: %w", err)
	}
	return nil
}

// restore reads a prior mirror. Any failure — missing file, bad JSON,
// checksum mismatch — yields an empty queue.
func restore(path string, logger *slog.Logger) []schema.Incoming {
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Warn("queue mirror unreadable, starting empty", "path", path, "error", err)
		}
		return nil
	}

	var m mirror
	if err := json.Unmarshal(data, &m); err != nil {
		logger.Warn("queue mirror corrupt, starting empty", "path", path, "error", err)
		return nil
	}

	encoded, err := json.Marshal(m.Messages)
	if err != nil || checksum(encoded) != m.Checksum {
		logger.Warn("queue mirror checksum mismatch, starting empty", "path", path)
		return nil
	}
	if len(m.Messages) == 0 {
		return nil
	}
	return m.Messages
}
