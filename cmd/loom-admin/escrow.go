// Copyright 2026 The Loom Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/loom-foundation/loom/lib/keys"
	"github.com/loom-foundation/loom/lib/sealed"
)

// meshKeyBase64 renders the raw transport secret in its distribution
// form.
func meshKeyBase64(raw []byte) string {
	return base64.StdEncoding.EncodeToString(raw)
}

// readPassphrase prompts on the controlling terminal without echo.
// Falls back to LOOM_PASSPHRASE for non-interactive use.
func readPassphrase(confirm bool) (string, error) {
	if passphrase := os.Getenv("LOOM_PASSPHRASE"); passphrase != "" {
		return passphrase, nil
	}
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return "", fmt.Errorf("stdin is not a terminal; set LOOM_PASSPHRASE")
	}

	fmt.Fprint(os.Stderr, "passphrase: ")
	first, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("reading passphrase: %w", err)
	}
	if len(first) == 0 {
		return "", fmt.Errorf("passphrase is empty")
	}
	if !confirm {
		return string(first), nil
	}

	fmt.Fprint(os.Stderr, "confirm passphrase: ")
	second, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("reading confirmation: %w", err)
	}
	if string(first) != string(second) {
		return "", fmt.Errorf("passphrases do not match")
	}
	return string(first), nil
}

func runExportRootKey(args []string) error {
	var mesh, outPath string
	flags := pflag.NewFlagSet("loom-admin export-root-key", pflag.ContinueOnError)
	flags.StringVar(&mesh, "mesh", "", "mesh name (required)")
	flags.StringVar(&outPath, "out", "", "output file (default stdout)")
	if err := flags.Parse(args); err != nil {
		return err
	}
	if mesh == "" {
		return fmt.Errorf("--mesh is required")
	}

	_, adminRoot, err := roots()
	if err != nil {
		return err
	}
	keyPath := rootKeyPath(adminRoot, mesh)
	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		return fmt.Errorf("reading root key: %w", err)
	}

	passphrase, err := readPassphrase(true)
	if err != nil {
		return err
	}

	ciphertext, err := sealed.Seal(keyPEM, passphrase)
	if err != nil {
		return err
	}

	if outPath == "" {
		fmt.Println(ciphertext)
		return nil
	}
	if err := os.WriteFile(outPath, []byte(ciphertext+"\n"), 0600); err != nil {
		return fmt.Errorf("writing sealed key: %w", err)
	}
	fmt.Fprintf(os.Stderr, "sealed root key written to %s\n", outPath)
	return nil
}

func runImportRootKey(args []string) error {
	var mesh, inPath string
	flags := pflag.NewFlagSet("loom-admin import-root-key", pflag.ContinueOnError)
	flags.StringVar(&mesh, "mesh", "", "mesh name (required)")
	flags.StringVar(&inPath, "in", "", "sealed key file (required)")
	if err := flags.Parse(args); err != nil {
		return err
	}
	if mesh == "" || inPath == "" {
		return fmt.Errorf("--mesh and --in are required")
	}

	ciphertext, err := os.ReadFile(inPath)
	if err != nil {
		return fmt.Errorf("reading sealed key: %w", err)
	}

	passphrase, err := readPassphrase(false)
	if err != nil {
		return err
	}

	plaintext, err := sealed.Unseal(strings.TrimSpace(string(ciphertext)), passphrase)
	if err != nil {
		return err
	}
	defer plaintext.Close()

	_, adminRoot, err := roots()
	if err != nil {
		return err
	}
	keyPath := rootKeyPath(adminRoot, mesh)
	if err := os.MkdirAll(filepath.Dir(keyPath), 0700); err != nil {
		return fmt.Errorf("creating admin directory: %w", err)
	}
	if err := os.WriteFile(keyPath, plaintext.Bytes(), 0600); err != nil {
		return fmt.Errorf("writing root key: %w", err)
	}
	// A decryptable blob that is not actually a key must not occupy
	// the key slot.
	if _, err := keys.LoadPrivate(keyPath); err != nil {
		os.Remove(keyPath)
		return fmt.Errorf("imported data is not a valid root key: %w", err)
	}

	fmt.Fprintf(os.Stderr, "root key imported to %s\n", keyPath)
	return nil
}
