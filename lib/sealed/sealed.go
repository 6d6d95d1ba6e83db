// Copyright 2026 The Loom Authors
// SPDX-License-Identifier: Apache-2.0

// Package sealed provides age encryption for root key escrow. The
// root private key signs manifests and invites and lives offline; when
// an operator exports it for backup or transfer to another admin
// machine, it is sealed under a passphrase (age scrypt recipient)
// rather than written out in the clear.
//
// Ciphertext is base64-encoded so it can travel through JSON fields
// and terminals. Decrypted plaintext is returned in a secret.Buffer
// (mmap-backed, locked against swap, zeroed on close).
package sealed

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"strings"

	"filippo.io/age"

	"github.com/loom-foundation/loom/lib/secret"
)

// Seal encrypts plaintext under a passphrase and returns standard
// base64 ciphertext.
func Seal(plaintext []byte, passphrase string) (string, error) {
	if len(plaintext) == 0 {
		return "", fmt.Errorf("sealed: plaintext is empty")
	}
	if passphrase == "" {
		return "", fmt.Errorf("sealed: passphrase is empty")
	}

	recipient, err := age.NewScryptRecipient(passphrase)
	if err != nil {
		return "", fmt.Errorf("sealed: creating scrypt recipient: %w", err)
	}

	var ciphertext bytes.Buffer
	writer, err := age.Encrypt(&ciphertext, recipient)
	if err != nil {
		return "", fmt.Errorf("sealed: creating encryptor: %w", err)
	}
	if _, err := writer.Write(plaintext); err != nil {
		return "", fmt.Errorf("sealed: writing plaintext: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("sealed: finalizing encryption: %w", err)
	}

	return base64.StdEncoding.EncodeToString(ciphertext.Bytes()), nil
}

// Unseal decrypts base64 ciphertext with the passphrase. The
// plaintext lands in a protected buffer the caller must Close.
func Unseal(ciphertext, passphrase string) (*secret.Buffer, error) {
	if passphrase == "" {
		return nil, fmt.Errorf("sealed: passphrase is empty")
	}

	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(ciphertext))
	if err != nil {
		return nil, fmt.Errorf("sealed: decoding ciphertext: %w", err)
	}

	identity, err := age.NewScryptIdentity(passphrase)
	if err != nil {
		return nil, fmt.Errorf("sealed: creating scrypt identity: %w", err)
	}

	reader, err := age.Decrypt(bytes.NewReader(raw), identity)
	if err != nil {
		return nil, fmt.Errorf("sealed: decrypting: %w", err)
	}
	plaintext, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("sealed: reading plaintext: %w", err)
	}

	return secret.NewFromBytes(plaintext)
}
