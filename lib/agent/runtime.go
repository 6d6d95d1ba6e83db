// Copyright 2026 The Loom Authors
// SPDX-License-Identifier: Apache-2.0

package agent

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"path/filepath"
	"strconv"
	"time"

	"github.com/loom-foundation/loom/lib/ask"
	"github.com/loom-foundation/loom/lib/clock"
	"github.com/loom-foundation/loom/lib/config"
	"github.com/loom-foundation/loom/lib/jtistore"
	"github.com/loom-foundation/loom/lib/keys"
	"github.com/loom-foundation/loom/lib/manifest"
	"github.com/loom-foundation/loom/lib/msgauth"
	"github.com/loom-foundation/loom/lib/netutil"
	"github.com/loom-foundation/loom/lib/queue"
	"github.com/loom-foundation/loom/lib/schema"
	"github.com/loom-foundation/loom/lib/secret"
	"github.com/loom-foundation/loom/messaging"
)

// RuntimeConfig configures an agent runtime.
type RuntimeConfig struct {
	// Agent is the validated runtime configuration. Required.
	Agent *config.AgentConfig

	// StateRoot is the per-user state root. Required.
	StateRoot string

	// Logger is the structured logger. Required.
	Logger *slog.Logger

	// Clock defaults to clock.Real().
	Clock clock.Clock
}

// Runtime is one running agent process.
type Runtime struct {
	cfg    *config.AgentConfig
	logger *slog.Logger
	clock  clock.Clock

	meshDir string
	mesh    *config.MeshConfig
	secret  *secret.Buffer
	rootKey ed25519.PublicKey

	queue   *queue.Queue
	asks    *ask.Registry
	nonces  *msgauth.NonceCache
	journal *msgauth.Journal
	store   *manifest.Store
	invites *jtistore.Store
	server  *messaging.Server
	client  *messaging.Client

	// inbox receives a signal per accepted deliver or ask. Buffered:
	// the daemon loop drains on its own cadence; a full channel just
	// means a wakeup is already pending.
	inbox chan struct{}
}

// NewRuntime loads mesh state and assembles the components. Nothing
// listens until Run.
func NewRuntime(cfg RuntimeConfig) (*Runtime, error) {
	if cfg.Agent == nil || cfg.Logger == nil || cfg.StateRoot == "" {
		return nil, fmt.Errorf("agent: Agent, Logger, and StateRoot are required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}

	meshDir := config.MeshDir(cfg.StateRoot, cfg.Agent.Mesh)
	meshCfg, err := config.LoadMesh(meshDir)
	if err != nil {
		return nil, err
	}
	transportSecret, err := config.LoadMeshKey(meshDir)
	if err != nil {
		return nil, err
	}

	// The root public key is optional: an agent without it cannot
	// answer bootstrap requests or verify manifest updates, but the
	// message plane works.
	rootKey, err := keys.LoadPublic(filepath.Join(meshDir, keys.RootPublicFile))
	if err != nil {
		rootKey = nil
	}

	runtime := &Runtime{
		cfg:     cfg.Agent,
		logger:  cfg.Logger,
		clock:   cfg.Clock,
		meshDir: meshDir,
		mesh:    meshCfg,
		secret:  transportSecret,
		rootKey: rootKey,
		store:   manifest.NewStore(meshDir),
		inbox:   make(chan struct{}, 1),
	}

	queueDir := filepath.Dir(config.QueuePath(meshDir, cfg.Agent.Agent))
	runtime.queue = queue.New(config.QueuePath(meshDir, cfg.Agent.Agent), cfg.Logger)
	runtime.asks = ask.NewRegistry(cfg.Clock)

	window := time.Duration(meshCfg.Security.ReplayWindowSeconds) * time.Second
	runtime.nonces = msgauth.NewNonceCache(window)
	journal, err := msgauth.OpenJournal(filepath.Join(queueDir, "nonces.cbor"))
	if err != nil {
		// Replay suppression still works within this run; only the
		// restart hardening is lost.
		cfg.Logger.Warn("nonce journal unavailable", "error", err)
	} else {
		now := cfg.Clock.Now()
		journal.Replay(func(nonce string, observed time.Time) {
			runtime.nonces.Seed(nonce, observed, now)
		})
		runtime.nonces.WithJournal(journal)
		runtime.journal = journal
	}

	if cfg.Agent.StrictInvites {
		store, err := jtistore.Open(filepath.Join(meshDir, "invites.db"))
		if err != nil {
			runtime.closeHandles()
			return nil, err
		}
		runtime.invites = store
	}

	runtime.client, err = messaging.NewClient(messaging.ClientConfig{
		Agent:  cfg.Agent.Agent,
		Secret: transportSecret,
		Clock:  cfg.Clock,
		Logger: cfg.Logger,
	})
	if err != nil {
		runtime.closeHandles()
		return nil, err
	}

	runtime.server, err = messaging.NewServer(messaging.ServerConfig{
		Agent:               cfg.Agent.Agent,
		Mesh:                cfg.Agent.Mesh,
		Address:             net.JoinHostPort(cfg.Agent.Host, strconv.Itoa(cfg.Agent.Port)),
		Secret:              transportSecret,
		Security:            meshCfg.Security,
		Queue:               runtime.queue,
		Asks:                runtime.asks,
		Nonces:              runtime.nonces,
		Clock:               cfg.Clock,
		Logger:              cfg.Logger,
		Observer:            inboxObserver{runtime.inbox},
		RootPublicKey:       rootKey,
		Manifests:           runtime.store,
		Invites:             runtime.consumptionStore(),
		SyncIntervalSeconds: meshCfg.SyncIntervalSeconds,
		TLS:                 meshCfg.TLS,
	})
	if err != nil {
		runtime.closeHandles()
		return nil, err
	}

	return runtime, nil
}

// closeHandles releases the durable handles a partially constructed
// or finished runtime holds.
func (r *Runtime) closeHandles() {
	if r.journal != nil {
		r.journal.Close()
	}
	if r.invites != nil {
		r.invites.Close()
	}
	r.secret.Close()
}

// Client returns the runtime's outbound peer client.
func (r *Runtime) Client() *messaging.Client { return r.client }

// Queue returns the runtime's incoming queue.
func (r *Runtime) Queue() *queue.Queue { return r.queue }

// Asks returns the runtime's pending-ask registry.
func (r *Runtime) Asks() *ask.Registry { return r.asks }

// Addr returns the resolved listener address; valid once Ready has
// closed.
func (r *Runtime) Addr() net.Addr { return r.server.Addr() }

// Ready is closed once the listener is bound.
func (r *Runtime) Ready() <-chan struct{} { return r.server.Ready() }

// consumptionStore returns the strict-mode invite store as the
// surface's predicate interface, or nil when strict mode is off. The
// indirection matters: a typed nil pointer in the interface would
// read as "store present" to the server.
func (r *Runtime) consumptionStore() messaging.ConsumptionStore {
	if r.invites == nil {
		return nil
	}
	return r.invites
}

// inboxObserver signals the runtime's inbox channel on every accepted
// message. Non-blocking: a pending signal is enough.
type inboxObserver struct {
	inbox chan struct{}
}

func (o inboxObserver) OnMessage(from, id, payload string) { o.signal() }

func (o inboxObserver) OnAsk(from, id, payload string) { o.signal() }

func (o inboxObserver) signal() {
	select {
	case o.inbox <- struct{}{}:
	default:
	}
}

// Run starts the listener (restarting it if it dies unexpectedly),
// performs auto-registration, and runs the optional sync and daemon
// loops until ctx is cancelled. On return the ask registry has been
// destroyed and durable handles are closed.
func (r *Runtime) Run(ctx context.Context) error {
	serveCtx, stopServe := context.WithCancel(ctx)
	serveDone := make(chan struct{})

	// Shutdown order: stop the listener and wait for in-flight
	// requests to drain, destroy the ask registry, then release
	// durable handles. Handlers read the secret buffer and the
	// invite store until the drain completes, so those close last.
	defer func() {
		stopServe()
		<-serveDone
		r.asks.Destroy()
		r.closeHandles()
	}()

	go func() {
		r.serveWithRestart(serveCtx)
		close(serveDone)
	}()

	select {
	case <-r.server.Ready():
	case <-serveDone:
		return fmt.Errorf("agent: listener failed to start")
	case <-ctx.Done():
		return ctx.Err()
	}

	if r.cfg.AutoRegister {
		if err := r.autoRegister(); err != nil {
			r.logger.Warn("auto-registration failed", "error", err)
		}
	}

	if r.cfg.SyncManifest {
		syncer, err := r.newSyncer()
		if err != nil {
			return err
		}
		go syncer.Run(ctx)
	}

	if r.cfg.Daemon {
		if err := WritePIDFile(r.PIDPath()); err != nil {
			return err
		}
		defer RemovePIDFile(r.PIDPath())
		r.pollLoop(ctx)
		return nil
	}

	<-ctx.Done()
	return nil
}

// serveWithRestart keeps the listener alive: if Serve exits while the
// runtime is not shutting down, it is restarted after a short backoff.
func (r *Runtime) serveWithRestart(ctx context.Context) {
	backoff := time.Second
	for {
		err := r.server.Serve(ctx)
		if ctx.Err() != nil {
			return
		}
		if r.server.Addr() == nil {
			// Never bound — the address is unusable (port taken,
			// bad host). Restarting would fail identically.
			r.logger.Error("mesh listener failed to bind", "error", err)
			return
		}
		r.logger.Error("mesh listener exited unexpectedly, restarting",
			"error", err, "backoff", backoff)
		r.clock.Sleep(backoff)
		if backoff < 30*time.Second {
			backoff *= 2
		}

		// A fresh Server is needed — the old one's ready channel and
		// listener are spent.
		server, buildErr := messaging.NewServer(messaging.ServerConfig{
			Agent:               r.cfg.Agent,
			Mesh:                r.cfg.Mesh,
			Address:             r.server.Addr().String(),
			Secret:              r.secret,
			Security:            r.mesh.Security,
			Queue:               r.queue,
			Asks:                r.asks,
			Nonces:              r.nonces,
			Clock:               r.clock,
			Logger:              r.logger,
			Observer:            inboxObserver{r.inbox},
			RootPublicKey:       r.rootKey,
			Manifests:           r.store,
			Invites:             r.consumptionStore(),
			SyncIntervalSeconds: r.mesh.SyncIntervalSeconds,
			TLS:                 r.mesh.TLS,
		})
		if buildErr != nil {
			r.logger.Error("listener rebuild failed", "error", buildErr)
			return
		}
		r.server = server
	}
}

// autoRegister writes this agent into the local peer map at its
// resolved address. The on-disk config is re-read first so two agents
// starting concurrently on one host do not clobber each other's
// entries.
func (r *Runtime) autoRegister() error {
	scheme := "http"
	if r.mesh.TLS != nil {
		scheme = "https"
	}
	_, port, err := net.SplitHostPort(r.server.Addr().String())
	if err != nil {
		return fmt.Errorf("agent: resolving listen port: %w", err)
	}
	url, err := netutil.NormalizeURL(fmt.Sprintf("%s://%s:%s", scheme, r.cfg.Host, port))
	if err != nil {
		return err
	}

	current, err := config.LoadMesh(r.meshDir)
	if err != nil {
		return err
	}
	current.Agents[r.cfg.Agent] = schema.PeerEntry{Name: r.cfg.Agent, URL: url}
	if err := config.SaveMesh(r.meshDir, current); err != nil {
		return err
	}
	r.mesh = current

	r.logger.Info("registered in local peer map", "agent", r.cfg.Agent, "url", url)
	return nil
}

func (r *Runtime) newSyncer() (*messaging.Syncer, error) {
	if r.rootKey == nil {
		return nil, errors.New("agent: manifest sync requires the root public key")
	}
	return messaging.NewSyncer(messaging.SyncerConfig{
		Client:        r.client,
		PeerURL:       r.cfg.SyncPeer,
		Store:         r.store,
		RootPublicKey: r.rootKey,
		Mesh:          r.cfg.Mesh,
		Interval:      time.Duration(r.mesh.SyncIntervalSeconds) * time.Second,
		Clock:         r.clock,
		Logger:        r.logger,
		OnUpdate:      r.applyManifest,
	})
}

// applyManifest folds an adopted manifest's peer set and security
// parameters into the local config.
func (r *Runtime) applyManifest(payload *schema.ManifestPayload) {
	current, err := config.LoadMesh(r.meshDir)
	if err != nil {
		r.logger.Warn("applying manifest: config reload failed", "error", err)
		return
	}
	current.Agents = payload.Agents
	current.Security = payload.Security
	if err := config.SaveMesh(r.meshDir, current); err != nil {
		r.logger.Warn("applying manifest: config save failed", "error", err)
		return
	}
	r.mesh = current
}

// PIDPath is the daemon's well-known PID file location.
func (r *Runtime) PIDPath() string {
	return PIDPath(r.meshDir, r.cfg.Agent)
}

// PIDPath returns the pid file location for an agent inside its mesh
// state directory.
func PIDPath(meshDir, agent string) string {
	return filepath.Join(meshDir, agent+".pid")
}
