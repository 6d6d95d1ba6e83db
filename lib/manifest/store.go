// Copyright 2026 The Loom Authors
// SPDX-License-Identifier: Apache-2.0

// Package manifest persists and rebuilds the signed mesh manifest.
// The store holds exactly one envelope — the latest version; history
// is not retained. Writes are atomic (temporary file, fsync, rename,
// parent directory sync) so a reader never observes a torn manifest.
package manifest

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/loom-foundation/loom/lib/schema"
)

// FileName is the manifest file inside a mesh state directory.
const FileName = "manifest.json"

// ErrNotFound is returned by Load when no manifest exists yet.
var ErrNotFound = errors.New("manifest: not found")

// Store reads and writes the manifest envelope for one mesh state
// directory.
type Store struct {
	dir string
}

// NewStore creates a store rooted at the mesh state directory.
func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

// Path returns the manifest file path.
func (s *Store) Path() string {
	return filepath.Join(s.dir, FileName)
}

// Load reads the current envelope. Returns ErrNotFound when the file
// does not exist.
func (s *Store) Load() (schema.Envelope, error) {
	data, err := os.ReadFile(s.Path())
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return schema.Envelope{}, ErrNotFound
		}
		return schema.Envelope{}, fmt.Errorf("manifest: reading %s: %w", s.Path(), err)
	}
	var env schema.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return schema.Envelope{}, fmt.Errorf("manifest: parsing %s: %w", s.Path(), err)
	}
	return env, nil
}

// Save atomically writes the envelope. A crash mid-save leaves either
// the previous manifest or the new one, never a partial file.
func (s *Store) Save(env schema.Envelope) error {
	data, err := json.MarshalIndent(env, "", "  ")
	if err != nil {
		return fmt.Errorf("manifest: encoding envelope: %w", err)
	}
	data = append(data, '\n')

	path := s.Path()
	if err := os.MkdirAll(s.dir, 0700); err != nil {
		return fmt.Errorf("manifest: creating state directory: %w", err)
	}

	temporary := path + ".tmp"
	file, err := os.OpenFile(temporary, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("manifest: creating temporary file: %w", err)
	}
	if _, err := file.Write(data); err != nil {
		file.Close()
		os.Remove(temporary)
		return fmt.Errorf("manifest: writing temporary file: %w", err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(temporary)
		return fmt.Errorf("manifest: syncing temporary file: %w", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(temporary)
		return fmt.Errorf("manifest: closing temporary file: %w", err)
	}
	if err := os.Rename(temporary, path); err != nil {
		os.Remove(temporary)
		return fmt.Errorf("manifest: renaming into place: %w", err)
	}

	// Sync the directory so the rename survives power loss.
	if directory, err := os.Open(s.dir); err == nil {
		directory.Sync()
		directory.Close()
	}
	return nil
}

// CurrentVersion returns the stored manifest's version, or 0 when no
// manifest exists.
func (s *Store) CurrentVersion() (int, error) {
	payload, err := s.LoadPayload()
	if errors.Is(err, ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return payload.Version, nil
}

// NextVersion is (current version or 0) + 1.
func (s *Store) NextVersion() (int, error) {
	current, err := s.CurrentVersion()
	if err != nil {
		return 0, err
	}
	return current + 1, nil
}

// LoadPayload loads the envelope and decodes its payload without
// verifying the signature. Local state is trusted — it was verified
// on the way in. Network consumers must verify via lib/envelope.
func (s *Store) LoadPayload() (*schema.ManifestPayload, error) {
	env, err := s.Load()
	if err != nil {
		return nil, err
	}
	return DecodePayload(env)
}

// DecodePayload extracts the manifest payload from an envelope
// without signature verification.
func DecodePayload(env schema.Envelope) (*schema.ManifestPayload, error) {
	raw, err := payloadBytes(env)
	if err != nil {
		return nil, err
	}
	var payload schema.ManifestPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("manifest: decoding payload: %w", err)
	}
	if err := payload.Validate(); err != nil {
		return nil, err
	}
	return &payload, nil
}

// Hash computes the head hash of an envelope: "sha256:<hex>" over the
// base64 payload field bytes (not the decoded payload).
func Hash(env schema.Envelope) string {
	digest := sha256.Sum256([]byte(env.Payload))
	return "sha256:" + hex.EncodeToString(digest[:])
}
