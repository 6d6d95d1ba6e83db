// Copyright 2026 The Loom Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/loom-foundation/loom/lib/clock"
	"github.com/loom-foundation/loom/lib/msgauth"
	"github.com/loom-foundation/loom/lib/netutil"
	"github.com/loom-foundation/loom/lib/schema"
	"github.com/loom-foundation/loom/lib/secret"
)

// healthProbeTimeout is the hard client-side deadline on health
// probes. Any failure inside it means "offline", never an error.
const healthProbeTimeout = 5 * time.Second

// StatusError is a non-2xx response from a peer, carrying enough to
// decide whether to retry, drop, or surface.
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("peer returned %d: %s", e.Status, e.Body)
}

// ClientConfig configures an outbound peer client.
type ClientConfig struct {
	// Agent is the local agent's mesh name, stamped into the From
	// field of every message. Required.
	Agent string

	// Secret is the raw transport secret; used for both the bearer
	// header and message MACs. Required for the message plane; Join
	// works without it.
	Secret *secret.Buffer

	// HTTPClient defaults to http.DefaultClient.
	HTTPClient *http.Client

	// Clock defaults to clock.Real().
	Clock clock.Clock

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Client constructs signed mesh messages and posts them to peers.
type Client struct {
	agent      string
	secret     *secret.Buffer
	httpClient *http.Client
	clock      clock.Clock
	logger     *slog.Logger
}

// NewClient creates a peer client.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.Agent == "" {
		return nil, fmt.Errorf("messaging: Agent is required")
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = http.DefaultClient
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Client{
		agent:      cfg.Agent,
		secret:     cfg.Secret,
		httpClient: cfg.HTTPClient,
		clock:      cfg.Clock,
		logger:     cfg.Logger,
	}, nil
}

// buildMessage assembles a fully signed message: fresh UUID id and
// nonce, current timestamp, MAC over the identity tuple.
func (c *Client) buildMessage(to, messageType, payload, replyTo string) schema.Message {
	msg := schema.Message{
		ID:        uuid.NewString(),
		From:      c.agent,
		To:        to,
		Type:      messageType,
		Payload:   payload,
		ReplyTo:   replyTo,
		Timestamp: c.clock.Now().UnixMilli(),
		Nonce:     uuid.NewString(),
	}
	msg.MAC = msgauth.SignMAC(c.secret.Bytes(), msg.ID, msg.Type, msg.Payload, msg.Timestamp, msg.Nonce)
	return msg
}

// Deliver posts a fire-and-forget message to the peer at peerURL.
func (c *Client) Deliver(ctx context.Context, peerURL, to, payload string) (*schema.DeliverResponse, error) {
	msg := c.buildMessage(to, schema.TypeDeliver, payload, "")
	var response schema.DeliverResponse
	if err := c.postMessage(ctx, peerURL+"/mesh/msg", msg, &response); err != nil {
		return nil, err
	}
	return &response, nil
}

// Ask posts an ask to the peer and returns the message id. The caller
// registers that id with its ask registry and awaits the outcome; the
// peer answers later through the caller's /mesh/response endpoint.
func (c *Client) Ask(ctx context.Context, peerURL, to, payload string) (string, error) {
	msg := c.buildMessage(to, schema.TypeAsk, payload, "")
	var response schema.AskResponse
	if err := c.postMessage(ctx, peerURL+"/mesh/ask", msg, &response); err != nil {
		return "", err
	}
	return msg.ID, nil
}

// Reply posts the answer to a previously received ask back to the
// asker at peerURL. Resolved=false in the response means the asker
// had already timed out.
func (c *Client) Reply(ctx context.Context, peerURL, to, replyTo, payload string) (*schema.ReplyResponse, error) {
	msg := c.buildMessage(to, schema.TypeReply, payload, replyTo)
	var response schema.ReplyResponse
	if err := c.postMessage(ctx, peerURL+"/mesh/response", msg, &response); err != nil {
		return nil, err
	}
	return &response, nil
}

// Health probes the peer's health endpoint. Any failure — transport
// error, timeout, non-2xx, bad body — is "offline", not an error.
func (c *Client) Health(ctx context.Context, peerURL string) bool {
	probeCtx, cancel := context.WithTimeout(ctx, healthProbeTimeout)
	defer cancel()

	request, err := http.NewRequestWithContext(probeCtx, http.MethodGet, peerURL+"/mesh/health", nil)
	if err != nil {
		return false
	}
	response, err := c.httpClient.Do(request)
	if err != nil {
		return false
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		return false
	}

	var health schema.HealthResponse
	if err := netutil.DecodeResponse(response.Body, &health); err != nil {
		return false
	}
	return health.Status == "online"
}

// Join presents an invite token to a peer's bootstrap surface. No
// bearer auth — the token is the credential.
func (c *Client) Join(ctx context.Context, peerURL, token, nodePubKey string) (*schema.JoinResponse, error) {
	body, err := json.Marshal(schema.JoinRequest{Token: token, NodePubKey: nodePubKey})
	if err != nil {
		return nil, fmt.Errorf("messaging: encoding join request: %w", err)
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodPost, peerURL+"/mesh/bootstrap/join", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("messaging: building join request: %w", err)
	}
	request.Header.Set("Content-Type", "application/json")

	response, err := c.httpClient.Do(request)
	if err != nil {
		return nil, fmt.Errorf("messaging: join request failed: %w", err)
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		return nil, &StatusError{Status: response.StatusCode, Body: netutil.ErrorBody(response.Body)}
	}
	var joined schema.JoinResponse
	if err := netutil.DecodeResponse(response.Body, &joined); err != nil {
		return nil, fmt.Errorf("messaging: parsing join response: %w", err)
	}
	return &joined, nil
}

// FetchHead reads the peer's manifest head (authenticated GET).
func (c *Client) FetchHead(ctx context.Context, peerURL string) (*schema.Head, error) {
	var head schema.Head
	if err := c.getJSON(ctx, peerURL+"/mesh/bootstrap/head", &head); err != nil {
		return nil, err
	}
	return &head, nil
}

// FetchManifest reads a manifest envelope from the peer. Pass
// "latest" or a specific version number.
func (c *Client) FetchManifest(ctx context.Context, peerURL, version string) (*schema.Envelope, error) {
	var env schema.Envelope
	if err := c.getJSON(ctx, peerURL+"/mesh/bootstrap/manifest/"+version, &env); err != nil {
		return nil, err
	}
	return &env, nil
}

func (c *Client) bearer() string {
	return "Bearer " + base64.StdEncoding.EncodeToString(c.secret.Bytes())
}

func (c *Client) postMessage(ctx context.Context, url string, msg schema.Message, into any) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("messaging: encoding message: %w", err)
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("messaging: building request: %w", err)
	}
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("Authorization", c.bearer())

	response, err := c.httpClient.Do(request)
	if err != nil {
		return fmt.Errorf("messaging: posting to %s: %w", url, err)
	}
	defer response.Body.Close()

	if response.StatusCode < 200 || response.StatusCode > 299 {
		return &StatusError{Status: response.StatusCode, Body: netutil.ErrorBody(response.Body)}
	}
	if err := netutil.DecodeResponse(response.Body, into); err != nil {
		return fmt.Errorf("messaging: parsing response from %s: %w", url, err)
	}
	return nil
}

func (c *Client) getJSON(ctx context.Context, url string, into any) error {
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("messaging: building request: %w", err)
	}
	request.Header.Set("Authorization", c.bearer())

	response, err := c.httpClient.Do(request)
	if err != nil {
		return fmt.Errorf("messaging: fetching %s: %w", url, err)
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		return &StatusError{Status: response.StatusCode, Body: netutil.ErrorBody(response.Body)}
	}
	if err := netutil.DecodeResponse(response.Body, into); err != nil {
		return fmt.Errorf("messaging: parsing response from %s: %w", url, err)
	}
	return nil
}
