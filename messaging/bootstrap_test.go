// Copyright 2026 The Loom Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/loom-foundation/loom/lib/ask"
	"github.com/loom-foundation/loom/lib/clock"
	"github.com/loom-foundation/loom/lib/envelope"
	"github.com/loom-foundation/loom/lib/invite"
	"github.com/loom-foundation/loom/lib/jtistore"
	"github.com/loom-foundation/loom/lib/manifest"
	"github.com/loom-foundation/loom/lib/msgauth"
	"github.com/loom-foundation/loom/lib/queue"
	"github.com/loom-foundation/loom/lib/schema"
	"github.com/loom-foundation/loom/lib/secret"
)

// seedAgent is a test agent with the bootstrap plane configured: a
// root keypair, a signed manifest at version 1, and optionally a
// strict invite store.
type seedAgent struct {
	agent      *testAgent
	rootPublic ed25519.PublicKey
	rootKey    ed25519.PrivateKey
	store      *manifest.Store
}

func newSeedAgent(t *testing.T, key *secret.Buffer, invites ConsumptionStore) *seedAgent {
	t.Helper()

	rootPublic, rootKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}

	store := manifest.NewStore(t.TempDir())
	_, err = store.Rebuild(manifest.BuildParams{
		Mesh:          "testmesh",
		Security:      schema.SecurityParams{ReplayWindowSeconds: 60, MaxMessageSizeBytes: 4096},
		MeshKeyBase64: base64.StdEncoding.EncodeToString(key.Bytes()),
		Agents: map[string]schema.PeerEntry{
			"seed": {Name: "seed", URL: "http://127.0.0.1:7100"},
		},
		PrivateKey: rootKey,
		Now:        time.Now(),
	})
	if err != nil {
		t.Fatalf("Rebuild: %v", err)
	}

	q := queue.New("", testLogger())
	asks := ask.NewRegistry(clock.Real())
	t.Cleanup(asks.Destroy)

	server, err := NewServer(ServerConfig{
		Agent:         "seed",
		Mesh:          "testmesh",
		Address:       "127.0.0.1:0",
		Secret:        key,
		Security:      schema.SecurityParams{ReplayWindowSeconds: 60, MaxMessageSizeBytes: 4096},
		Queue:         q,
		Asks:          asks,
		Nonces:        msgauth.NewNonceCache(time.Minute),
		Logger:        testLogger(),
		RootPublicKey: rootPublic,
		Manifests:     store,
		Invites:       invites,
	})
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	httpServer := httptest.NewServer(server.Handler())
	t.Cleanup(httpServer.Close)

	return &seedAgent{
		agent: &testAgent{
			server: server,
			queue:  q,
			asks:   asks,
			secret: key,
			http:   httpServer,
		},
		rootPublic: rootPublic,
		rootKey:    rootKey,
		store:      store,
	}
}

func nodeKeyBase64(t *testing.T) string {
	t.Helper()
	public, _, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	return base64.StdEncoding.EncodeToString(public)
}

func TestJoin_HappyPath(t *testing.T) {
	key := testSecret(t, 0x10)
	seed := newSeedAgent(t, key, nil)
	client := newTestClient(t, "joiner", key)

	nodeKey := nodeKeyBase64(t)
	token, err := invite.Issue(seed.rootKey, invite.Params{
		Mesh: "testmesh", Agent: "qa", NodePubKey: nodeKey,
	}, time.Now())
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	joined, err := client.Join(context.Background(), seed.agent.http.URL, token, nodeKey)
	if err != nil {
		t.Fatalf("Join: %v", err)
	}
	if !joined.OK || joined.Mesh != "testmesh" || joined.Agent != "qa" {
		t.Errorf("joined = %+v", joined)
	}
	if joined.Manifest.Alg != "Ed25519" {
		t.Errorf("manifest alg = %q", joined.Manifest.Alg)
	}
	if joined.Sync.HeadURL == "" || joined.Sync.IntervalSeconds <= 0 {
		t.Errorf("sync = %+v", joined.Sync)
	}

	// The returned envelope verifies under the pinned root and names
	// the expected mesh.
	var payload schema.ManifestPayload
	if err := envelope.VerifyInto(seed.rootPublic, joined.Manifest, &payload); err != nil {
		t.Fatalf("VerifyInto: %v", err)
	}
	if payload.Mesh != "testmesh" || payload.Version != 1 {
		t.Errorf("payload = %+v", payload)
	}
}

func TestJoin_WrongNodeKey(t *testing.T) {
	key := testSecret(t, 0x11)
	seed := newSeedAgent(t, key, nil)
	client := newTestClient(t, "joiner", key)

	token, err := invite.Issue(seed.rootKey, invite.Params{
		Mesh: "testmesh", Agent: "qa", NodePubKey: nodeKeyBase64(t),
	}, time.Now())
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	_, err = client.Join(context.Background(), seed.agent.http.URL, token, nodeKeyBase64(t))
	var statusErr *StatusError
	if !errors.As(err, &statusErr) || statusErr.Status != http.StatusForbidden {
		t.Errorf("Join = %v, want 403", err)
	}
}

func TestJoin_WrongMesh(t *testing.T) {
	key := testSecret(t, 0x12)
	seed := newSeedAgent(t, key, nil)
	client := newTestClient(t, "joiner", key)

	nodeKey := nodeKeyBase64(t)
	token, err := invite.Issue(seed.rootKey, invite.Params{
		Mesh: "othermesh", Agent: "qa", NodePubKey: nodeKey,
	}, time.Now())
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	_, err = client.Join(context.Background(), seed.agent.http.URL, token, nodeKey)
	var statusErr *StatusError
	if !errors.As(err, &statusErr) || statusErr.Status != http.StatusForbidden {
		t.Errorf("Join = %v, want 403", err)
	}
}

func TestJoin_ForgedSignature(t *testing.T) {
	key := testSecret(t, 0x13)
	seed := newSeedAgent(t, key, nil)
	client := newTestClient(t, "joiner", key)

	// Signed by a different (attacker) root.
	_, attackerKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	nodeKey := nodeKeyBase64(t)
	token, err := invite.Issue(attackerKey, invite.Params{
		Mesh: "testmesh", Agent: "qa", NodePubKey: nodeKey,
	}, time.Now())
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	_, err = client.Join(context.Background(), seed.agent.http.URL, token, nodeKey)
	var statusErr *StatusError
	if !errors.As(err, &statusErr) || statusErr.Status != http.StatusUnauthorized {
		t.Errorf("Join = %v, want 401", err)
	}
}

func TestJoin_ExpiredInvite(t *testing.T) {
	key := testSecret(t, 0x14)
	seed := newSeedAgent(t, key, nil)
	client := newTestClient(t, "joiner", key)

	nodeKey := nodeKeyBase64(t)
	token, err := invite.Issue(seed.rootKey, invite.Params{
		Mesh: "testmesh", Agent: "qa", NodePubKey: nodeKey, TTL: invite.DefaultTTL,
	}, time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	_, err = client.Join(context.Background(), seed.agent.http.URL, token, nodeKey)
	var statusErr *StatusError
	if !errors.As(err, &statusErr) || statusErr.Status != http.StatusForbidden {
		t.Errorf("Join = %v, want 403", err)
	}
}

func TestJoin_MalformedToken(t *testing.T) {
	key := testSecret(t, 0x15)
	seed := newSeedAgent(t, key, nil)
	client := newTestClient(t, "joiner", key)

	_, err := client.Join(context.Background(), seed.agent.http.URL, "not-a-token", nodeKeyBase64(t))
	var statusErr *StatusError
	if !errors.As(err, &statusErr) || statusErr.Status != http.StatusBadRequest {
		t.Errorf("Join = %v, want 400", err)
	}
}

func TestJoin_MinManifestVersionTooHigh(t *testing.T) {
	key := testSecret(t, 0x16)
	seed := newSeedAgent(t, key, nil)
	client := newTestClient(t, "joiner", key)

	nodeKey := nodeKeyBase64(t)
	token, err := invite.Encode(seed.rootKey, schema.InvitePayload{
		SchemaVersion:      schema.SchemaVersion,
		Mesh:               "testmesh",
		Agent:              "qa",
		NodePubKey:         nodeKey,
		JTI:                "jti-minversion",
		IssuedAt:           time.Now().UnixMilli(),
		NotBefore:          time.Now().UnixMilli(),
		Expires:            time.Now().Add(10 * time.Minute).UnixMilli(),
		MinManifestVersion: 99,
	})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	_, err = client.Join(context.Background(), seed.agent.http.URL, token, nodeKey)
	var statusErr *StatusError
	if !errors.As(err, &statusErr) || statusErr.Status != http.StatusPreconditionFailed {
		t.Errorf("Join = %v, want 412", err)
	}
}

func TestJoin_StrictModeConsumesJTI(t *testing.T) {
	key := testSecret(t, 0x17)
	store, err := jtistore.Open(t.TempDir() + "/invites.db")
	if err != nil {
		t.Fatalf("jtistore.Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	seed := newSeedAgent(t, key, store)
	client := newTestClient(t, "joiner", key)

	nodeKey := nodeKeyBase64(t)
	token, err := invite.Issue(seed.rootKey, invite.Params{
		Mesh: "testmesh", Agent: "qa", NodePubKey: nodeKey,
	}, time.Now())
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	if _, err := client.Join(context.Background(), seed.agent.http.URL, token, nodeKey); err != nil {
		t.Fatalf("first Join: %v", err)
	}

	_, err = client.Join(context.Background(), seed.agent.http.URL, token, nodeKey)
	var statusErr *StatusError
	if !errors.As(err, &statusErr) || statusErr.Status != http.StatusConflict {
		t.Errorf("second Join = %v, want 409", err)
	}
}

func TestJoin_RevokedJTI(t *testing.T) {
	key := testSecret(t, 0x18)
	seed := newSeedAgent(t, key, nil)
	client := newTestClient(t, "joiner", key)

	nodeKey := nodeKeyBase64(t)
	payload := schema.InvitePayload{
		SchemaVersion: schema.SchemaVersion,
		Mesh:          "testmesh",
		Agent:         "qa",
		NodePubKey:    nodeKey,
		JTI:           "revoked-jti",
		IssuedAt:      time.Now().UnixMilli(),
		NotBefore:     time.Now().UnixMilli(),
		Expires:       time.Now().Add(10 * time.Minute).UnixMilli(),
	}
	token, err := invite.Encode(seed.rootKey, payload)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	// Re-sign the manifest with the jti revoked.
	_, err = seed.store.Rebuild(manifest.BuildParams{
		Mesh:          "testmesh",
		Security:      schema.SecurityParams{ReplayWindowSeconds: 60, MaxMessageSizeBytes: 4096},
		MeshKeyBase64: base64.StdEncoding.EncodeToString(key.Bytes()),
		Revocations:   schema.Revocations{InviteJTIs: []string{"revoked-jti"}},
		PrivateKey:    seed.rootKey,
		Now:           time.Now(),
	})
	if err != nil {
		t.Fatalf("Rebuild: %v", err)
	}

	_, err = client.Join(context.Background(), seed.agent.http.URL, token, nodeKey)
	var statusErr *StatusError
	if !errors.As(err, &statusErr) || statusErr.Status != http.StatusForbidden {
		t.Errorf("Join = %v, want 403", err)
	}
}

func TestHead_AndManifestFetch(t *testing.T) {
	key := testSecret(t, 0x19)
	seed := newSeedAgent(t, key, nil)
	client := newTestClient(t, "joiner", key)
	ctx := context.Background()

	head, err := client.FetchHead(ctx, seed.agent.http.URL)
	if err != nil {
		t.Fatalf("FetchHead: %v", err)
	}
	if head.Mesh != "testmesh" || head.Version != 1 {
		t.Errorf("head = %+v", head)
	}
	if !strings.HasPrefix(head.ManifestHash, "sha256:") {
		t.Errorf("ManifestHash = %q", head.ManifestHash)
	}

	latest, err := client.FetchManifest(ctx, seed.agent.http.URL, "latest")
	if err != nil {
		t.Fatalf("FetchManifest latest: %v", err)
	}
	if manifest.Hash(*latest) != head.ManifestHash {
		t.Error("head hash does not match fetched manifest")
	}

	byVersion, err := client.FetchManifest(ctx, seed.agent.http.URL, "1")
	if err != nil {
		t.Fatalf("FetchManifest 1: %v", err)
	}
	if *byVersion != *latest {
		t.Error("fetch by version differs from latest")
	}

	_, err = client.FetchManifest(ctx, seed.agent.http.URL, "7")
	var statusErr *StatusError
	if !errors.As(err, &statusErr) || statusErr.Status != http.StatusNotFound {
		t.Errorf("FetchManifest 7 = %v, want 404", err)
	}

	_, err = client.FetchManifest(ctx, seed.agent.http.URL, "banana")
	if !errors.As(err, &statusErr) || statusErr.Status != http.StatusBadRequest {
		t.Errorf("FetchManifest banana = %v, want 400", err)
	}
}

func TestHead_RequiresBearer(t *testing.T) {
	key := testSecret(t, 0x1a)
	seed := newSeedAgent(t, key, nil)

	response, err := http.Get(seed.agent.http.URL + "/mesh/bootstrap/head")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", response.StatusCode)
	}
}

func TestJoin_NoManifestConfigured(t *testing.T) {
	key := testSecret(t, 0x1b)
	// Plain agent: no root key, no manifest store.
	bob := newTestAgent(t, "bob", key)

	body, _ := json.Marshal(schema.JoinRequest{Token: "t", NodePubKey: "k"})
	response, _ := postJSON(t, bob.http.URL+"/mesh/bootstrap/join", "", body)
	if response.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", response.StatusCode)
	}
}

func TestManifestAdoption_RefusesTampering(t *testing.T) {
	key := testSecret(t, 0x1c)
	seed := newSeedAgent(t, key, nil)
	client := newTestClient(t, "joiner", key)

	env, err := client.FetchManifest(context.Background(), seed.agent.http.URL, "latest")
	if err != nil {
		t.Fatalf("FetchManifest: %v", err)
	}

	// Consumer-side verification: a tampered payload byte fails.
	tampered := *env
	raw, err := base64.RawURLEncoding.DecodeString(tampered.Payload)
	if err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	raw[0] ^= 0x01
	tampered.Payload = base64.RawURLEncoding.EncodeToString(raw)

	if _, err := envelope.Verify(seed.rootPublic, tampered); !errors.Is(err, envelope.ErrBadSignature) {
		t.Errorf("Verify of tampered envelope = %v, want ErrBadSignature", err)
	}

	syncer, err := NewSyncer(SyncerConfig{
		Client:        client,
		PeerURL:       seed.agent.http.URL,
		Store:         manifest.NewStore(t.TempDir()),
		RootPublicKey: seed.rootPublic,
		Mesh:          "testmesh",
		Logger:        testLogger(),
	})
	if err != nil {
		t.Fatalf("NewSyncer: %v", err)
	}
	if _, err := syncer.Adopt(tampered); err == nil {
		t.Error("syncer adopted a tampered manifest")
	}
}
