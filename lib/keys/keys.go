// Copyright 2026 The Loom Authors
// SPDX-License-Identifier: Apache-2.0

// Package keys manages the two Ed25519 keypairs a mesh uses: the root
// keypair that signs manifests and invites (private part lives in an
// admin-only location), and the per-host node enrollment keypair that
// invites are bound to.
//
// Public keys are stored as PKIX PEM; private keys as PKCS#8 PEM with
// mode 0600.
package keys

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
)

// Well-known file names inside a mesh state directory.
const (
	RootPublicFile  = "root.pub"
	RootPrivateFile = "root.key"
	NodePublicFile  = "node.pub"
	NodePrivateFile = "node.key"
)

// Generate creates a new Ed25519 keypair.
func Generate() (ed25519.PublicKey, ed25519.PrivateKey, error) {
	public, private, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("keys: generating Ed25519 keypair: %w", err)
	}
	return public, private, nil
}

// SavePublic writes a public key as PKIX PEM, mode 0644.
func SavePublic(path string, public ed25519.PublicKey) error {
	der, err := x509.MarshalPKIXPublicKey(public)
	if err != nil {
		return fmt.Errorf("keys: marshaling public key: %w", err)
	}
	data := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("keys: writing public key: %w", err)
	}
	return nil
}

// SavePrivate writes a private key as PKCS#8 PEM, mode 0600. The
// parent directory is created with 0700 if missing.
func SavePrivate(path string, private ed25519.PrivateKey) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("keys: creating key directory: %w", err)
	}
	der, err := x509.MarshalPKCS8PrivateKey(private)
	if err != nil {
		return fmt.Errorf("keys: marshaling private key: %w", err)
	}
	data := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("keys: writing private key: %w", err)
	}
	return nil
}

// LoadPublic reads a PKIX PEM public key and checks it is Ed25519.
func LoadPublic(path string) (ed25519.PublicKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("keys: reading public key: %w", err)
	}
	block, _ := pem.Decode(data)
	if block == nil || block.Type != "PUBLIC KEY" {
		return nil, fmt.Errorf("keys: %s is not a PEM public key", path)
	}
	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("keys: parsing public key: %w", err)
	}
	public, ok := parsed.(ed25519.PublicKey)
	if !ok {
		return nil, fmt.Errorf("keys: %s holds a %T, want Ed25519", path, parsed)
	}
	return public, nil
}

// LoadPrivate reads a PKCS#8 PEM private key and checks it is Ed25519.
func LoadPrivate(path string) (ed25519.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("keys: reading private key: %w", err)
	}
	block, _ := pem.Decode(data)
	if block == nil || block.Type != "PRIVATE KEY" {
		return nil, fmt.Errorf("keys: %s is not a PEM private key", path)
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("keys: parsing private key: %w", err)
	}
	private, ok := parsed.(ed25519.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("keys: %s holds a %T, want Ed25519", path, parsed)
	}
	return private, nil
}

// LoadOrGenerateNode loads the host enrollment keypair from meshDir,
// generating and persisting a fresh one if the private key file does
// not exist yet (only the private key file's presence is checked).
// Returns the keypair and whether it was newly generated. A present
// but unreadable key file is an error, not a trigger for silent
// regeneration.
func LoadOrGenerateNode(meshDir string) (ed25519.PublicKey, ed25519.PrivateKey, bool, error) {
	privatePath := filepath.Join(meshDir, NodePrivateFile)
	publicPath := filepath.Join(meshDir, NodePublicFile)

	if _, err := os.Stat(privatePath); err == nil {
		private, err := LoadPrivate(privatePath)
		if err != nil {
			return nil, nil, false, err
		}
		public, err := LoadPublic(publicPath)
		if err != nil {
			return nil, nil, false, err
		}
		return public, private, false, nil
	}

	public, private, err := Generate()
	if err != nil {
		return nil, nil, false, err
	}
	if err := SavePrivate(privatePath, private); err != nil {
		return nil, nil, false, err
	}
	if err := SavePublic(publicPath, public); err != nil {
		return nil, nil, false, err
	}
	return public, private, true, nil
}

// PublicBase64 is the standard base64 of the raw 32-byte public key,
// the form invites and join requests carry.
func PublicBase64(public ed25519.PublicKey) string {
	return base64.StdEncoding.EncodeToString(public)
}

// ParsePublicBase64 decodes the raw-key base64 form.
func ParsePublicBase64(encoded string) (ed25519.PublicKey, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("keys: decoding base64 public key: %w", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("keys: public key has %d bytes, want %d", len(raw), ed25519.PublicKeySize)
	}
	return ed25519.PublicKey(raw), nil
}
