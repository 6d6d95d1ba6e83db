// Copyright 2026 The Loom Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/loom-foundation/loom/lib/ask"
	"github.com/loom-foundation/loom/lib/schema"
	"github.com/loom-foundation/loom/lib/secret"
	"github.com/loom-foundation/loom/lib/testutil"
)

func newTestClient(t *testing.T, agent string, key *secret.Buffer) *Client {
	t.Helper()
	client, err := NewClient(ClientConfig{Agent: agent, Secret: key, Logger: testLogger()})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return client
}

func TestClient_DeliverRoundTrip(t *testing.T) {
	key := testSecret(t, 0x01)
	bob := newTestAgent(t, "bob", key)
	client := newTestClient(t, "alice", key)

	response, err := client.Deliver(context.Background(), bob.http.URL, "bob", "hi")
	if err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if !response.Delivered || response.MessageID == "" {
		t.Errorf("response = %+v", response)
	}

	drained := bob.queue.Drain()
	if len(drained) != 1 || drained[0].From != "alice" || drained[0].Payload != "hi" {
		t.Errorf("drained = %+v", drained)
	}
}

func TestClient_AskReplyEndToEnd(t *testing.T) {
	key := testSecret(t, 0x02)
	alice := newTestAgent(t, "alice", key)
	bob := newTestAgent(t, "bob", key)

	aliceClient := newTestClient(t, "alice", key)
	bobClient := newTestClient(t, "bob", key)
	ctx := context.Background()

	// Alice asks Bob, then awaits the reply under the ask id.
	askID, err := aliceClient.Ask(ctx, bob.http.URL, "bob", "2+2?")
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}
	outcome := alice.asks.Register(askID, 5*time.Second)

	// Bob drains his queue, sees the ask, and replies to Alice.
	drained := bob.queue.Drain()
	if len(drained) != 1 || drained[0].Type != schema.TypeAsk {
		t.Fatalf("bob's queue = %+v", drained)
	}
	reply, err := bobClient.Reply(ctx, alice.http.URL, "alice", drained[0].ID, "4")
	if err != nil {
		t.Fatalf("Reply: %v", err)
	}
	if !reply.Resolved {
		t.Error("reply was not resolved")
	}

	got := testutil.RequireReceive(t, outcome, 5*time.Second, "awaiting ask outcome")
	if got.Err != nil || got.Payload != "4" {
		t.Errorf("outcome = %+v", got)
	}
}

func TestClient_AskTimeoutThenLateReply(t *testing.T) {
	key := testSecret(t, 0x03)
	alice := newTestAgent(t, "alice", key)
	bob := newTestAgent(t, "bob", key)

	aliceClient := newTestClient(t, "alice", key)
	bobClient := newTestClient(t, "bob", key)
	ctx := context.Background()

	askID, err := aliceClient.Ask(ctx, bob.http.URL, "bob", "anyone there?")
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}
	outcome := alice.asks.Register(askID, 50*time.Millisecond)

	got := testutil.RequireReceive(t, outcome, 5*time.Second, "awaiting timeout")
	if !errors.Is(got.Err, ask.ErrTimeout) {
		t.Fatalf("outcome = %+v, want ErrTimeout", got)
	}

	// The reply after the deadline still gets a 200, with
	// resolved=false.
	reply, err := bobClient.Reply(ctx, alice.http.URL, "alice", askID, "too late")
	if err != nil {
		t.Fatalf("late Reply: %v", err)
	}
	if reply.Resolved {
		t.Error("late reply reported resolved")
	}
}

func TestClient_NonOKSurfacesStatusError(t *testing.T) {
	key := testSecret(t, 0x04)
	bob := newTestAgent(t, "bob", key)
	client := newTestClient(t, "alice", key)

	// Wrong recipient: the surface answers 404.
	_, err := client.Deliver(context.Background(), bob.http.URL, "carol", "x")
	var statusErr *StatusError
	if !errors.As(err, &statusErr) {
		t.Fatalf("err = %v, want StatusError", err)
	}
	if statusErr.Status != http.StatusNotFound || statusErr.Body == "" {
		t.Errorf("StatusError = %+v", statusErr)
	}
}

func TestClient_HealthProbe(t *testing.T) {
	key := testSecret(t, 0x05)
	bob := newTestAgent(t, "bob", key)
	client := newTestClient(t, "alice", key)
	ctx := context.Background()

	if !client.Health(ctx, bob.http.URL) {
		t.Error("healthy peer reported offline")
	}

	// A closed listener is offline, not an error.
	dead := httptest.NewServer(http.NotFoundHandler())
	dead.Close()
	if client.Health(ctx, dead.URL) {
		t.Error("dead peer reported online")
	}

	// A reachable URL that is not a mesh agent is offline too.
	notMesh := httptest.NewServer(http.NotFoundHandler())
	defer notMesh.Close()
	if client.Health(ctx, notMesh.URL) {
		t.Error("non-mesh endpoint reported online")
	}
}
