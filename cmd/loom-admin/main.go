// Copyright 2026 The Loom Authors
// SPDX-License-Identifier: Apache-2.0

// Loom-admin manages mesh trust state: it initializes a mesh (root
// keypair, transport secret, manifest v1), issues invite tokens,
// re-signs the manifest after configuration changes, records
// revocations, and seals the root private key for escrow.
//
// The root private key lives under the admin root (LOOM_ADMIN_HOME or
// ~/.loom-admin), separate from the mesh state root that agents read.
// Every subcommand is flag-driven; there are no prompts except the
// escrow passphrase.
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/pflag"

	"github.com/loom-foundation/loom/lib/config"
	"github.com/loom-foundation/loom/lib/invite"
	"github.com/loom-foundation/loom/lib/keys"
	"github.com/loom-foundation/loom/lib/manifest"
	"github.com/loom-foundation/loom/lib/netutil"
	"github.com/loom-foundation/loom/lib/schema"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: loom-admin <init|invite|rebuild|add-peer|export-root-key|import-root-key> [flags]")
	}

	switch args[0] {
	case "init":
		return runInit(args[1:])
	case "invite":
		return runInvite(args[1:])
	case "rebuild":
		return runRebuild(args[1:])
	case "add-peer":
		return runAddPeer(args[1:])
	case "export-root-key":
		return runExportRootKey(args[1:])
	case "import-root-key":
		return runImportRootKey(args[1:])
	default:
		return fmt.Errorf("unknown subcommand %q", args[0])
	}
}

// roots resolves the agent-visible state root and the admin root.
func roots() (stateRoot, adminRoot string, err error) {
	stateRoot, err = config.StateRoot()
	if err != nil {
		return "", "", err
	}
	adminRoot = os.Getenv("LOOM_ADMIN_HOME")
	if adminRoot == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", "", fmt.Errorf("resolving home directory: %w", err)
		}
		adminRoot = filepath.Join(home, ".loom-admin")
	}
	return stateRoot, adminRoot, nil
}

func rootKeyPath(adminRoot, mesh string) string {
	return filepath.Join(adminRoot, mesh, keys.RootPrivateFile)
}

func runInit(args []string) error {
	var mesh string
	flags := pflag.NewFlagSet("loom-admin init", pflag.ContinueOnError)
	flags.StringVar(&mesh, "mesh", "", "mesh name (required)")
	if err := flags.Parse(args); err != nil {
		return err
	}
	if mesh == "" {
		return fmt.Errorf("--mesh is required")
	}

	stateRoot, adminRoot, err := roots()
	if err != nil {
		return err
	}
	meshDir := config.MeshDir(stateRoot, mesh)
	if _, err := os.Stat(filepath.Join(meshDir, config.ConfigFile)); err == nil {
		return fmt.Errorf("mesh %q already initialized at %s", mesh, meshDir)
	}

	rootPublic, rootPrivate, err := keys.Generate()
	if err != nil {
		return err
	}
	if err := keys.SavePrivate(rootKeyPath(adminRoot, mesh), rootPrivate); err != nil {
		return err
	}
	if err := os.MkdirAll(meshDir, 0700); err != nil {
		return fmt.Errorf("creating mesh directory: %w", err)
	}
	if err := keys.SavePublic(filepath.Join(meshDir, keys.RootPublicFile), rootPublic); err != nil {
		return err
	}

	meshKey, err := config.GenerateMeshKey()
	if err != nil {
		return err
	}
	if err := config.SaveMeshKey(meshDir, meshKey); err != nil {
		return err
	}

	cfg := config.NewMeshConfig(mesh)
	if err := config.SaveMesh(meshDir, cfg); err != nil {
		return err
	}

	if err := rebuildManifest(meshDir, adminRoot, mesh); err != nil {
		return err
	}

	fmt.Printf("mesh %q initialized\n  state: %s\n  root key: %s\n", mesh, meshDir, rootKeyPath(adminRoot, mesh))
	return nil
}

func runInvite(args []string) error {
	var (
		mesh               string
		agent              string
		nodePubKeyValue    string
		nodePubKeyFile     string
		ttl                time.Duration
		minManifestVersion int
		seedHints          []string
	)
	flags := pflag.NewFlagSet("loom-admin invite", pflag.ContinueOnError)
	flags.StringVar(&mesh, "mesh", "", "mesh name (required)")
	flags.StringVar(&agent, "agent", "", "agent name the joining host will use (required)")
	flags.StringVar(&nodePubKeyValue, "node-pub-key", "", "joining host's enrollment public key (base64)")
	flags.StringVar(&nodePubKeyFile, "node-pub-key-file", "", "PEM file holding the enrollment public key")
	flags.DurationVar(&ttl, "ttl", invite.DefaultTTL, "invite validity period (capped at 1h)")
	flags.IntVar(&minManifestVersion, "min-manifest-version", 0, "require the answering peer to hold at least this manifest version")
	flags.StringSliceVar(&seedHints, "seed-hint", nil, "peer URL the joining host may try (repeatable)")
	if err := flags.Parse(args); err != nil {
		return err
	}
	if mesh == "" || agent == "" {
		return fmt.Errorf("--mesh and --agent are required")
	}

	nodePubKey := nodePubKeyValue
	if nodePubKey == "" && nodePubKeyFile != "" {
		public, err := keys.LoadPublic(nodePubKeyFile)
		if err != nil {
			return err
		}
		nodePubKey = keys.PublicBase64(public)
	}
	if nodePubKey == "" {
		return fmt.Errorf("--node-pub-key or --node-pub-key-file is required")
	}

	for i, hint := range seedHints {
		normalized, err := netutil.NormalizeURL(hint)
		if err != nil {
			return fmt.Errorf("seed hint %q: %w", hint, err)
		}
		seedHints[i] = normalized
	}

	_, adminRoot, err := roots()
	if err != nil {
		return err
	}
	rootPrivate, err := keys.LoadPrivate(rootKeyPath(adminRoot, mesh))
	if err != nil {
		return err
	}

	token, err := invite.Issue(rootPrivate, invite.Params{
		Mesh:               mesh,
		Agent:              agent,
		NodePubKey:         nodePubKey,
		TTL:                ttl,
		MinManifestVersion: minManifestVersion,
		SeedHints:          seedHints,
	}, time.Now())
	if err != nil {
		return err
	}

	fmt.Println(token)
	return nil
}

func runRebuild(args []string) error {
	var (
		mesh         string
		revokeJTIs   []string
		revokeAgents []string
	)
	flags := pflag.NewFlagSet("loom-admin rebuild", pflag.ContinueOnError)
	flags.StringVar(&mesh, "mesh", "", "mesh name (required)")
	flags.StringSliceVar(&revokeJTIs, "revoke-jti", nil, "invite jti to revoke (repeatable)")
	flags.StringSliceVar(&revokeAgents, "revoke-agent", nil, "agent to revoke (repeatable)")
	if err := flags.Parse(args); err != nil {
		return err
	}
	if mesh == "" {
		return fmt.Errorf("--mesh is required")
	}

	stateRoot, adminRoot, err := roots()
	if err != nil {
		return err
	}
	meshDir := config.MeshDir(stateRoot, mesh)

	// Existing revocations carry forward; the flags only add.
	if payload, err := manifest.NewStore(meshDir).LoadPayload(); err == nil {
		revokeJTIs = append(payload.Revocations.InviteJTIs, revokeJTIs...)
		revokeAgents = append(payload.Revocations.Agents, revokeAgents...)
	}

	if err := rebuildManifestWithRevocations(meshDir, adminRoot, mesh, schema.Revocations{
		InviteJTIs: revokeJTIs,
		Agents:     revokeAgents,
	}); err != nil {
		return err
	}

	payload, err := manifest.NewStore(meshDir).LoadPayload()
	if err != nil {
		return err
	}
	fmt.Printf("manifest re-signed at version %d\n", payload.Version)
	return nil
}

func runAddPeer(args []string) error {
	var mesh, name, url, description string
	flags := pflag.NewFlagSet("loom-admin add-peer", pflag.ContinueOnError)
	flags.StringVar(&mesh, "mesh", "", "mesh name (required)")
	flags.StringVar(&name, "name", "", "peer name (required)")
	flags.StringVar(&url, "url", "", "peer URL, scheme://host:port (required)")
	flags.StringVar(&description, "description", "", "optional description")
	if err := flags.Parse(args); err != nil {
		return err
	}
	if mesh == "" || name == "" || url == "" {
		return fmt.Errorf("--mesh, --name, and --url are required")
	}

	normalized, err := netutil.NormalizeURL(url)
	if err != nil {
		return err
	}

	stateRoot, adminRoot, err := roots()
	if err != nil {
		return err
	}
	meshDir := config.MeshDir(stateRoot, mesh)

	cfg, err := config.LoadMesh(meshDir)
	if err != nil {
		return err
	}
	cfg.Agents[name] = schema.PeerEntry{Name: name, URL: normalized, Description: description}
	if err := config.SaveMesh(meshDir, cfg); err != nil {
		return err
	}

	if err := rebuildManifest(meshDir, adminRoot, mesh); err != nil {
		return err
	}
	fmt.Printf("peer %q added at %s; manifest re-signed\n", name, normalized)
	return nil
}

// rebuildManifest re-signs the manifest from current config state,
// preserving existing revocations.
func rebuildManifest(meshDir, adminRoot, mesh string) error {
	store := manifest.NewStore(meshDir)
	revocations := schema.Revocations{}
	if payload, err := store.LoadPayload(); err == nil {
		revocations = payload.Revocations
	}
	return rebuildManifestWithRevocations(meshDir, adminRoot, mesh, revocations)
}

func rebuildManifestWithRevocations(meshDir, adminRoot, mesh string, revocations schema.Revocations) error {
	cfg, err := config.LoadMesh(meshDir)
	if err != nil {
		return err
	}
	meshKey, err := config.LoadMeshKey(meshDir)
	if err != nil {
		return err
	}
	defer meshKey.Close()

	rootPrivate, err := keys.LoadPrivate(rootKeyPath(adminRoot, mesh))
	if err != nil {
		return err
	}

	_, err = manifest.NewStore(meshDir).Rebuild(manifest.BuildParams{
		Mesh:          mesh,
		Security:      cfg.Security,
		MeshKeyBase64: meshKeyBase64(meshKey.Bytes()),
		Agents:        cfg.Agents,
		Revocations:   revocations,
		PrivateKey:    rootPrivate,
		Now:           time.Now(),
	})
	return err
}
