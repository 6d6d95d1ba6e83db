// Copyright 2026 The Loom Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/loom-foundation/loom/lib/ask"
	"github.com/loom-foundation/loom/lib/clock"
	"github.com/loom-foundation/loom/lib/msgauth"
	"github.com/loom-foundation/loom/lib/queue"
	"github.com/loom-foundation/loom/lib/schema"
	"github.com/loom-foundation/loom/lib/secret"
	"github.com/loom-foundation/loom/lib/testutil"
)

func testSecret(t *testing.T, seed byte) *secret.Buffer {
	t.Helper()
	raw := bytes.Repeat([]byte{seed}, 32)
	buffer, err := secret.NewFromBytes(raw)
	if err != nil {
		t.Fatalf("secret.NewFromBytes: %v", err)
	}
	t.Cleanup(func() { buffer.Close() })
	return buffer
}

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

type testAgent struct {
	server   *Server
	queue    *queue.Queue
	asks     *ask.Registry
	secret   *secret.Buffer
	http     *httptest.Server
	security schema.SecurityParams
}

func newTestAgent(t *testing.T, name string, key *secret.Buffer) *testAgent {
	t.Helper()

	q := queue.New("", testLogger())
	asks := ask.NewRegistry(clock.Real())
	t.Cleanup(asks.Destroy)

	security := schema.SecurityParams{ReplayWindowSeconds: 60, MaxMessageSizeBytes: 4096}
	server, err := NewServer(ServerConfig{
		Agent:    name,
		Mesh:     "testmesh",
		Address:  "127.0.0.1:0",
		Secret:   key,
		Security: security,
		Queue:    q,
		Asks:     asks,
		Nonces:   msgauth.NewNonceCache(time.Duration(security.ReplayWindowSeconds) * time.Second),
		Logger:   testLogger(),
	})
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}

	httpServer := httptest.NewServer(server.Handler())
	t.Cleanup(httpServer.Close)

	return &testAgent{
		server:   server,
		queue:    q,
		asks:     asks,
		secret:   key,
		http:     httpServer,
		security: security,
	}
}

func bearerFor(key *secret.Buffer) string {
	return "Bearer " + base64.StdEncoding.EncodeToString(key.Bytes())
}

// signedMessage builds a wire message MAC'd with key.
func signedMessage(key *secret.Buffer, from, to, messageType, payload, replyTo string) schema.Message {
	msg := schema.Message{
		ID:        uuid.NewString(),
		From:      from,
		To:        to,
		Type:      messageType,
		Payload:   payload,
		ReplyTo:   replyTo,
		Timestamp: time.Now().UnixMilli(),
		Nonce:     uuid.NewString(),
	}
	msg.MAC = msgauth.SignMAC(key.Bytes(), msg.ID, msg.Type, msg.Payload, msg.Timestamp, msg.Nonce)
	return msg
}

func postJSON(t *testing.T, url, bearer string, body []byte) (*http.Response, []byte) {
	t.Helper()
	request, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	request.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		request.Header.Set("Authorization", bearer)
	}
	response, err := http.DefaultClient.Do(request)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	defer response.Body.Close()
	data, err := io.ReadAll(response.Body)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	return response, data
}

func TestDeliver_RoundTrip(t *testing.T) {
	key := testSecret(t, 0x11)
	bob := newTestAgent(t, "bob", key)

	msg := signedMessage(key, "alice", "bob", schema.TypeDeliver, "hello bob", "")
	body, _ := json.Marshal(msg)

	response, data := postJSON(t, bob.http.URL+"/mesh/msg", bearerFor(key), body)
	if response.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body %s", response.StatusCode, data)
	}

	var delivered schema.DeliverResponse
	if err := json.Unmarshal(data, &delivered); err != nil {
		t.Fatalf("parsing response: %v", err)
	}
	if !delivered.Delivered || delivered.MessageID != msg.ID {
		t.Errorf("response = %+v", delivered)
	}

	drained := bob.queue.Drain()
	if len(drained) != 1 {
		t.Fatalf("queue has %d entries, want 1", len(drained))
	}
	got := drained[0]
	if got.From != "alice" || got.Payload != "hello bob" || got.Type != schema.TypeDeliver {
		t.Errorf("queued = %+v", got)
	}
}

func TestDeliver_ReplayRejected(t *testing.T) {
	key := testSecret(t, 0x22)
	bob := newTestAgent(t, "bob", key)

	msg := signedMessage(key, "alice", "bob", schema.TypeDeliver, "once", "")
	body, _ := json.Marshal(msg)

	first, _ := postJSON(t, bob.http.URL+"/mesh/msg", bearerFor(key), body)
	if first.StatusCode != http.StatusOK {
		t.Fatalf("first submission = %d", first.StatusCode)
	}

	second, data := postJSON(t, bob.http.URL+"/mesh/msg", bearerFor(key), body)
	if second.StatusCode != http.StatusBadRequest {
		t.Fatalf("replay = %d, want 400", second.StatusCode)
	}
	if !strings.Contains(string(data), "replay") {
		t.Errorf("replay body = %s, want mention of replay", data)
	}
	if bob.queue.Len() != 1 {
		t.Errorf("queue has %d entries after replay, want 1", bob.queue.Len())
	}
}

func TestDeliver_WrongSecretFailsBearerFirst(t *testing.T) {
	senderKey := testSecret(t, 0x33)
	receiverKey := testSecret(t, 0x44)
	bob := newTestAgent(t, "bob", receiverKey)

	// MAC'd and bearer'd with the sender's (wrong) secret: the bearer
	// check fails before the MAC is even looked at.
	msg := signedMessage(senderKey, "alice", "bob", schema.TypeDeliver, "x", "")
	body, _ := json.Marshal(msg)

	response, _ := postJSON(t, bob.http.URL+"/mesh/msg", bearerFor(senderKey), body)
	if response.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", response.StatusCode)
	}
}

func TestDeliver_BadMAC(t *testing.T) {
	key := testSecret(t, 0x55)
	bob := newTestAgent(t, "bob", key)

	msg := signedMessage(key, "alice", "bob", schema.TypeDeliver, "payload", "")
	msg.Payload = "tampered"
	body, _ := json.Marshal(msg)

	response, _ := postJSON(t, bob.http.URL+"/mesh/msg", bearerFor(key), body)
	if response.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", response.StatusCode)
	}
	if bob.queue.Len() != 0 {
		t.Error("tampered message was enqueued")
	}
}

func TestDeliver_WrongRecipient(t *testing.T) {
	key := testSecret(t, 0x66)
	bob := newTestAgent(t, "bob", key)

	msg := signedMessage(key, "alice", "carol", schema.TypeDeliver, "x", "")
	body, _ := json.Marshal(msg)

	response, _ := postJSON(t, bob.http.URL+"/mesh/msg", bearerFor(key), body)
	if response.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", response.StatusCode)
	}
}

func TestDeliver_StaleTimestamp(t *testing.T) {
	key := testSecret(t, 0x77)
	bob := newTestAgent(t, "bob", key)

	msg := signedMessage(key, "alice", "bob", schema.TypeDeliver, "x", "")
	msg.Timestamp = time.Now().Add(-5 * time.Minute).UnixMilli()
	msg.MAC = msgauth.SignMAC(key.Bytes(), msg.ID, msg.Type, msg.Payload, msg.Timestamp, msg.Nonce)
	body, _ := json.Marshal(msg)

	response, _ := postJSON(t, bob.http.URL+"/mesh/msg", bearerFor(key), body)
	if response.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", response.StatusCode)
	}
}

func TestDeliver_MissingFields(t *testing.T) {
	key := testSecret(t, 0x88)
	bob := newTestAgent(t, "bob", key)

	response, _ := postJSON(t, bob.http.URL+"/mesh/msg", bearerFor(key),
		[]byte(`{"from":"alice","to":"bob","type":"deliver","payload":"x"}`))
	if response.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", response.StatusCode)
	}
}

func TestDeliver_OversizeBody(t *testing.T) {
	key := testSecret(t, 0x99)
	bob := newTestAgent(t, "bob", key)

	msg := signedMessage(key, "alice", "bob", schema.TypeDeliver,
		strings.Repeat("x", 8192), "")
	body, _ := json.Marshal(msg)

	response, _ := postJSON(t, bob.http.URL+"/mesh/msg", bearerFor(key), body)
	if response.StatusCode != http.StatusRequestEntityTooLarge {
		t.Errorf("status = %d, want 413", response.StatusCode)
	}
}

func TestHealth_Unauthenticated(t *testing.T) {
	key := testSecret(t, 0xaa)
	bob := newTestAgent(t, "bob", key)

	response, err := http.Get(bob.http.URL + "/mesh/health")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", response.StatusCode)
	}

	var health schema.HealthResponse
	if err := json.NewDecoder(response.Body).Decode(&health); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if health.Agent != "bob" || health.Status != "online" || health.Timestamp == 0 {
		t.Errorf("health = %+v", health)
	}
}

func TestResponse_ResolvesPendingAsk(t *testing.T) {
	key := testSecret(t, 0xbb)
	alice := newTestAgent(t, "alice", key)

	outcome := alice.asks.Register("ask-123", 5*time.Second)

	msg := signedMessage(key, "bob", "alice", schema.TypeReply, "4", "ask-123")
	body, _ := json.Marshal(msg)
	response, data := postJSON(t, alice.http.URL+"/mesh/response", bearerFor(key), body)
	if response.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", response.StatusCode)
	}

	var reply schema.ReplyResponse
	if err := json.Unmarshal(data, &reply); err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !reply.Received || !reply.Resolved {
		t.Errorf("reply = %+v", reply)
	}

	got := testutil.RequireReceive(t, outcome, time.Second, "awaiting resolution")
	if got.Err != nil || got.Payload != "4" {
		t.Errorf("outcome = %+v", got)
	}
}

func TestResponse_StaleReplyIsOK(t *testing.T) {
	key := testSecret(t, 0xcc)
	alice := newTestAgent(t, "alice", key)

	msg := signedMessage(key, "bob", "alice", schema.TypeReply, "late", "never-registered")
	body, _ := json.Marshal(msg)
	response, data := postJSON(t, alice.http.URL+"/mesh/response", bearerFor(key), body)
	if response.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200 for stale reply", response.StatusCode)
	}

	var reply schema.ReplyResponse
	if err := json.Unmarshal(data, &reply); err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !reply.Received || reply.Resolved {
		t.Errorf("reply = %+v, want received but unresolved", reply)
	}
}

func TestResponse_MissingReplyTo(t *testing.T) {
	key := testSecret(t, 0xdd)
	alice := newTestAgent(t, "alice", key)

	// A deliver-typed message passes shape validation without replyTo;
	// the response surface then rejects it.
	msg := signedMessage(key, "bob", "alice", schema.TypeDeliver, "x", "")
	body, _ := json.Marshal(msg)
	response, _ := postJSON(t, alice.http.URL+"/mesh/response", bearerFor(key), body)
	if response.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", response.StatusCode)
	}
}

func TestObserver_Notifications(t *testing.T) {
	key := testSecret(t, 0xee)

	type event struct{ kind, from, id string }
	events := make(chan event, 2)

	q := queue.New("", testLogger())
	asks := ask.NewRegistry(clock.Real())
	t.Cleanup(asks.Destroy)

	server, err := NewServer(ServerConfig{
		Agent:    "bob",
		Mesh:     "testmesh",
		Address:  "127.0.0.1:0",
		Secret:   key,
		Security: schema.SecurityParams{ReplayWindowSeconds: 60, MaxMessageSizeBytes: 4096},
		Queue:    q,
		Asks:     asks,
		Nonces:   msgauth.NewNonceCache(time.Minute),
		Logger:   testLogger(),
		Observer: funcObserver{
			onMessage: func(from, id, payload string) { events <- event{"message", from, id} },
			onAsk:     func(from, id, payload string) { events <- event{"ask", from, id} },
		},
	})
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	httpServer := httptest.NewServer(server.Handler())
	t.Cleanup(httpServer.Close)

	deliver := signedMessage(key, "alice", "bob", schema.TypeDeliver, "d", "")
	body, _ := json.Marshal(deliver)
	postJSON(t, httpServer.URL+"/mesh/msg", bearerFor(key), body)

	askMsg := signedMessage(key, "alice", "bob", schema.TypeAsk, "a", "")
	body, _ = json.Marshal(askMsg)
	postJSON(t, httpServer.URL+"/mesh/ask", bearerFor(key), body)

	first := testutil.RequireReceive(t, events, time.Second, "first observer event")
	second := testutil.RequireReceive(t, events, time.Second, "second observer event")
	if first.kind != "message" || first.id != deliver.ID {
		t.Errorf("first = %+v", first)
	}
	if second.kind != "ask" || second.id != askMsg.ID {
		t.Errorf("second = %+v", second)
	}
}

type funcObserver struct {
	onMessage func(from, id, payload string)
	onAsk     func(from, id, payload string)
}

func (o funcObserver) OnMessage(from, id, payload string) { o.onMessage(from, id, payload) }
func (o funcObserver) OnAsk(from, id, payload string)     { o.onAsk(from, id, payload) }

func TestAcceptance_FIFOAcrossSequentialPosts(t *testing.T) {
	key := testSecret(t, 0xf1)
	bob := newTestAgent(t, "bob", key)

	for i := 0; i < 5; i++ {
		msg := signedMessage(key, "alice", "bob", schema.TypeDeliver, fmt.Sprintf("p%d", i), "")
		body, _ := json.Marshal(msg)
		response, _ := postJSON(t, bob.http.URL+"/mesh/msg", bearerFor(key), body)
		if response.StatusCode != http.StatusOK {
			t.Fatalf("post %d = %d", i, response.StatusCode)
		}
	}

	drained := bob.queue.Drain()
	for i, m := range drained {
		if want := fmt.Sprintf("p%d", i); m.Payload != want {
			t.Errorf("drained[%d] = %q, want %q", i, m.Payload, want)
		}
	}
}
