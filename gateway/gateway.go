// Copyright 2026 The Corral Authors
// SPDX-License-Identifier: Apache-2.0

// Package gateway is the worker's external surface: a WebSocket
// server for devices and admin consoles. Authentication happens at
// the HTTP handshake, before the upgrade; an unauthenticated caller
// never reaches anything stateful. After the upgrade everything is
// JSON frames over one long-lived connection.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/corralhq/corral/coalesce"
	"github.com/corralhq/corral/dispatch"
	"github.com/corralhq/corral/fabric"
	"github.com/corralhq/corral/lib/authgate"
	"github.com/corralhq/corral/lib/clock"
	"github.com/corralhq/corral/session"
	"github.com/corralhq/corral/store"
)

// DefaultPulseInterval is how often connected devices receive a pulse
// notification. Pulses keep NATs and idle-connection reapers from
// dropping quiet devices.
const DefaultPulseInterval = 25 * time.Second

// RecordStore persists bulk-sync batches. *store.DB satisfies it.
type RecordStore interface {
	UpsertRecords(ctx context.Context, kind string, records []store.SyncRecord, at time.Time) error
}

// Config holds the collaborators a Server needs. All but Logger,
// Clock, and PulseInterval are required.
type Config struct {
	Auth       *authgate.Gate
	Sessions   *session.Registry
	Dispatcher *dispatch.Dispatcher
	Coalescer  *coalesce.Coalescer
	Records    RecordStore
	Fabric     fabric.Fabric

	PulseInterval time.Duration
	Clock         clock.Clock
	Logger        *slog.Logger
}

// Server accepts and drives device and admin connections.
type Server struct {
	auth       *authgate.Gate
	sessions   *session.Registry
	dispatcher *dispatch.Dispatcher
	coalescer  *coalesce.Coalescer
	records    RecordStore
	fabric     fabric.Fabric

	pulseInterval time.Duration
	clock         clock.Clock
	logger        *slog.Logger
	started       time.Time

	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns map[*conn]struct{}
}

// New returns a Server. Panics on a missing required collaborator.
func New(cfg Config) *Server {
	if cfg.Auth == nil || cfg.Sessions == nil || cfg.Dispatcher == nil ||
		cfg.Coalescer == nil || cfg.Records == nil || cfg.Fabric == nil {
		panic("gateway: Auth, Sessions, Dispatcher, Coalescer, Records, and Fabric are required")
	}
	if cfg.PulseInterval <= 0 {
		cfg.PulseInterval = DefaultPulseInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Server{
		auth:          cfg.Auth,
		sessions:      cfg.Sessions,
		dispatcher:    cfg.Dispatcher,
		coalescer:     cfg.Coalescer,
		records:       cfg.Records,
		fabric:        cfg.Fabric,
		pulseInterval: cfg.PulseInterval,
		clock:         cfg.Clock,
		logger:        cfg.Logger,
		started:       cfg.Clock.Now(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Devices are native clients, not browsers; there is
			// no origin to trust.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		conns: make(map[*conn]struct{}),
	}
}

// Handler returns the HTTP surface: the WebSocket endpoint and the
// liveness endpoint.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleUpgrade)
	mux.HandleFunc("/healthz", s.handleHealth)
	return mux
}

// handleUpgrade authenticates the handshake and promotes the request
// to a WebSocket connection.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	principal, err := s.auth.Verify(authgate.Credentials{
		Identity:   query.Get("deviceId"),
		TenantID:   query.Get("tenantId"),
		BuildID:    query.Get("buildId"),
		AdminToken: query.Get("adminToken"),
		Signature:  query.Get("signature"),
		Timestamp:  query.Get("timestamp"),
		Nonce:      query.Get("nonce"),
		StaticKey:  query.Get("staticKey"),
	}, r.RemoteAddr)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		s.logger.Debug("upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	connection := newConn(s, ws, principal)
	connection.session = s.sessions.Register(r.Context(), principal, connection)

	s.mu.Lock()
	s.conns[connection] = struct{}{}
	s.mu.Unlock()

	go connection.writeLoop()
	connection.readLoop(r.Context())

	s.mu.Lock()
	delete(s.conns, connection)
	s.mu.Unlock()
	s.sessions.Unregister(context.WithoutCancel(r.Context()), connection.session)
	connection.shutdown()
}

// Run pushes pulse notifications to connected devices until ctx is
// canceled.
func (s *Server) Run(ctx context.Context) {
	ticker := s.clock.NewTicker(s.pulseInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.pulse(now)
		}
	}
}

func (s *Server) pulse(now time.Time) {
	payload, _ := json.Marshal(map[string]int64{"at": now.UnixMilli()})
	s.mu.Lock()
	targets := make([]*conn, 0, len(s.conns))
	for connection := range s.conns {
		if !connection.principal.Admin {
			targets = append(targets, connection)
		}
	}
	s.mu.Unlock()
	for _, connection := range targets {
		connection.Deliver("pulse", payload)
	}
}

// ConnectionCount reports the live connections on this worker.
func (s *Server) ConnectionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	// connections counts every socket including admin consoles;
	// devices counts registered device sessions.
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"status":"ok","uptime_seconds":%d,"connections":%d,"devices":%d}`+"\n",
		int64(s.clock.Now().Sub(s.started).Seconds()), s.ConnectionCount(), s.sessions.Count())
}
