// Copyright 2026 The Loom Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/loom-foundation/loom/lib/ask"
	"github.com/loom-foundation/loom/lib/clock"
	"github.com/loom-foundation/loom/lib/config"
	"github.com/loom-foundation/loom/lib/manifest"
	"github.com/loom-foundation/loom/lib/msgauth"
	"github.com/loom-foundation/loom/lib/queue"
	"github.com/loom-foundation/loom/lib/schema"
	"github.com/loom-foundation/loom/lib/secret"
)

// ServerConfig configures the agent's HTTP surface.
type ServerConfig struct {
	// Agent is the local agent's mesh name. Required.
	Agent string

	// Mesh is the mesh name, used by the bootstrap surface. Required.
	Mesh string

	// Address is the TCP listen address (host:port; port 0 asks the
	// OS). Required.
	Address string

	// Secret is the raw 32-byte transport secret. Required.
	Secret *secret.Buffer

	// Security bounds message acceptance.
	Security schema.SecurityParams

	// Queue receives accepted delivers and asks. Required.
	Queue *queue.Queue

	// Asks resolves incoming replies. Required.
	Asks *ask.Registry

	// Nonces is the replay suppression cache. Required.
	Nonces *msgauth.NonceCache

	// Clock defaults to clock.Real().
	Clock clock.Clock

	// Logger is the structured logger. Required.
	Logger *slog.Logger

	// Observer defaults to NopObserver.
	Observer Observer

	// RootPublicKey pins the mesh trust root. When nil, the join
	// endpoint answers 503.
	RootPublicKey ed25519.PublicKey

	// Manifests serves the bootstrap plane. When nil, bootstrap
	// endpoints answer 503.
	Manifests *manifest.Store

	// Invites is the strict-mode consumption predicate. Nil means
	// every structurally valid invite is accepted (jti single-use not
	// enforced).
	Invites ConsumptionStore

	// SyncIntervalSeconds is advertised to joining hosts. Defaults to
	// config.DefaultSyncIntervalSeconds.
	SyncIntervalSeconds int

	// TLS, when set, makes the listener serve HTTPS.
	TLS *config.TLSConfig

	// ShutdownTimeout bounds graceful shutdown. Defaults to 10 s.
	ShutdownTimeout time.Duration
}

// Server owns the listener and handler set for one agent. Follows the
// ready-channel lifecycle: Serve(ctx) blocks until the context is
// cancelled and in-flight requests drain; Addr is valid after Ready
// closes.
type Server struct {
	cfg      ServerConfig
	clock    clock.Clock
	observer Observer
	logger   *slog.Logger
	handler  http.Handler

	ready chan struct{}
	addr  net.Addr
}

// NewServer validates the configuration and builds the handler set.
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Agent == "" || cfg.Mesh == "" {
		return nil, fmt.Errorf("messaging: Agent and Mesh are required")
	}
	if cfg.Address == "" {
		return nil, fmt.Errorf("messaging: Address is required")
	}
	if cfg.Secret == nil {
		return nil, fmt.Errorf("messaging: Secret is required")
	}
	if cfg.Queue == nil || cfg.Asks == nil || cfg.Nonces == nil {
		return nil, fmt.Errorf("messaging: Queue, Asks, and Nonces are required")
	}
	if cfg.Logger == nil {
		return nil, fmt.Errorf("messaging: Logger is required")
	}

	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Observer == nil {
		cfg.Observer = NopObserver{}
	}
	if cfg.SyncIntervalSeconds <= 0 {
		cfg.SyncIntervalSeconds = config.DefaultSyncIntervalSeconds
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}

	s := &Server{
		cfg:      cfg,
		clock:    cfg.Clock,
		observer: cfg.Observer,
		logger:   cfg.Logger,
		ready:    make(chan struct{}),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /mesh/msg", s.requireBearer(s.handleMsg))
	mux.HandleFunc("POST /mesh/ask", s.requireBearer(s.handleAsk))
	mux.HandleFunc("POST /mesh/response", s.requireBearer(s.handleResponse))
	mux.HandleFunc("GET /mesh/health", s.handleHealth)
	mux.HandleFunc("POST /mesh/bootstrap/join", s.handleJoin)
	mux.HandleFunc("GET /mesh/bootstrap/head", s.requireBearer(s.handleHead))
	mux.HandleFunc("GET /mesh/bootstrap/manifest/{version}", s.requireBearer(s.handleManifest))
	s.handler = mux

	return s, nil
}

// Ready is closed once the listener is bound.
func (s *Server) Ready() <-chan struct{} { return s.ready }

// Addr is the resolved listen address; valid after Ready closes. With
// a port-0 address this carries the OS-assigned port.
func (s *Server) Addr() net.Addr { return s.addr }

// Handler exposes the routing for tests.
func (s *Server) Handler() http.Handler { return s.handler }

// Serve binds the listener and accepts connections until ctx is
// cancelled, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.cfg.Address)
	if err != nil {
		return fmt.Errorf("messaging: listening on %s: %w", s.cfg.Address, err)
	}
	s.addr = listener.Addr()
	close(s.ready)

	server := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	scheme := "http"
	if s.cfg.TLS != nil {
		scheme = "https"
	}
	s.logger.Info("mesh listener up",
		"agent", s.cfg.Agent, "address", s.addr.String(), "scheme", scheme)

	serveDone := make(chan error, 1)
	go func() {
		var err error
		if s.cfg.TLS != nil {
			err = server.ServeTLS(listener, s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
		} else {
			err = server.Serve(listener)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveDone <- err
		}
		close(serveDone)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("mesh listener shutting down", "agent", s.cfg.Agent)
	case err := <-serveDone:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("messaging: shutdown: %w", err)
	}
	return nil
}

// --- message surface ---

func (s *Server) handleMsg(w http.ResponseWriter, r *http.Request) {
	msg, ok := s.authenticateMessage(w, r)
	if !ok {
		return
	}
	if msg.To != s.cfg.Agent {
		writeError(w, http.StatusNotFound, "", fmt.Sprintf("no agent %q here", msg.To))
		return
	}

	s.cfg.Queue.Enqueue(schema.Incoming{
		ID:        msg.ID,
		From:      msg.From,
		Payload:   msg.Payload,
		Timestamp: msg.Timestamp,
		Type:      schema.TypeDeliver,
	})
	s.observer.OnMessage(msg.From, msg.ID, msg.Payload)

	writeJSON(w, http.StatusOK, schema.DeliverResponse{Delivered: true, MessageID: msg.ID})
}

func (s *Server) handleAsk(w http.ResponseWriter, r *http.Request) {
	msg, ok := s.authenticateMessage(w, r)
	if !ok {
		return
	}
	if msg.To != s.cfg.Agent {
		writeError(w, http.StatusNotFound, "", fmt.Sprintf("no agent %q here", msg.To))
		return
	}

	s.cfg.Queue.Enqueue(schema.Incoming{
		ID:        msg.ID,
		From:      msg.From,
		Payload:   msg.Payload,
		Timestamp: msg.Timestamp,
		Type:      schema.TypeAsk,
	})
	s.observer.OnAsk(msg.From, msg.ID, msg.Payload)

	writeJSON(w, http.StatusOK, schema.AskResponse{Received: true, MessageID: msg.ID})
}

func (s *Server) handleResponse(w http.ResponseWriter, r *http.Request) {
	msg, ok := s.authenticateMessage(w, r)
	if !ok {
		return
	}
	if msg.ReplyTo == "" {
		writeError(w, http.StatusBadRequest, "", "reply missing replyTo")
		return
	}

	// A late reply finds no pending entry; that is not an error —
	// the asker already timed out and moved on.
	resolved := s.cfg.Asks.Resolve(msg.ReplyTo, msg.Payload)
	if !resolved {
		s.logger.Debug("dropping stale reply", "replyTo", msg.ReplyTo, "from", msg.From)
	}
	writeJSON(w, http.StatusOK, schema.ReplyResponse{Received: true, Resolved: resolved})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, schema.HealthResponse{
		Agent:     s.cfg.Agent,
		Status:    "online",
		Timestamp: s.clock.Now().UnixMilli(),
	})
}

// --- response helpers ---

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, schema.ErrorBody{Error: message, Code: code})
}
