// Copyright 2026 The Corral Authors
// SPDX-License-Identifier: Apache-2.0

// Package session tracks which principal is connected to this node
// and keeps the rest of the system consistent with that fact: fabric
// group membership, presence, and the device's stored online flag all
// follow a session's lifecycle.
//
// One live session per identity. A device reconnecting (flaky radio,
// roaming between nodes behind a shared address) supersedes its
// previous session; the newest connection wins and the old one is
// kicked. Unregistration is handle-checked so the late disconnect of
// a superseded session cannot mark the new session's device offline.
package session

import (
	"context"
	"io"
	"log/slog"
	"sync"

	"github.com/corralhq/corral/fabric"
	"github.com/corralhq/corral/lib/authgate"
	"github.com/corralhq/corral/lib/clock"
	"github.com/corralhq/corral/presence"
	"github.com/corralhq/corral/store"
)

// Peer is the connection side of a session. Deliver forwards a fabric
// event to the remote end; Kick closes the connection with a reason.
// Both may be called from fabric delivery goroutines and must not
// block indefinitely.
type Peer interface {
	Deliver(event string, payload []byte)
	Kick(reason string)
}

// Telemetry receives the connect and disconnect state updates.
// *coalesce.Coalescer satisfies it.
type Telemetry interface {
	ObserveState(update store.DeviceUpdate)
}

// Config holds the parameters for a Registry.
type Config struct {
	// Fabric provides group membership for connected principals.
	// Required.
	Fabric fabric.Fabric

	// Presence is marked on device connect, disconnect, and
	// heartbeat. Required.
	Presence presence.Store

	// Telemetry receives online and offline device updates. May be
	// nil.
	Telemetry Telemetry

	Clock  clock.Clock
	Logger *slog.Logger
}

// Registry is this node's session table.
type Registry struct {
	fabric    fabric.Fabric
	presence  presence.Store
	telemetry Telemetry
	clock     clock.Clock
	logger    *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
}

// Session is one live connection's registration.
type Session struct {
	principal   authgate.Principal
	peer        Peer
	memberships []fabric.Membership
}

// New returns an empty Registry. Panics if Fabric or Presence is nil.
func New(cfg Config) *Registry {
	if cfg.Fabric == nil {
		panic("session: Fabric is required")
	}
	if cfg.Presence == nil {
		panic("session: Presence is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Registry{
		fabric:    cfg.Fabric,
		presence:  cfg.Presence,
		telemetry: cfg.Telemetry,
		clock:     cfg.Clock,
		logger:    cfg.Logger,
		sessions:  make(map[string]*Session),
	}
}

// Register binds a connection to its principal. Devices join their
// own fabric group and are marked present; admins join the admin
// group. An existing session for the same identity is superseded and
// its connection kicked.
func (r *Registry) Register(ctx context.Context, principal authgate.Principal, peer Peer) *Session {
	session := &Session{principal: principal, peer: peer}
	subscriber := peerSubscriber{peer: peer}

	if principal.Admin {
		// Admins are not tracked by identity (several consoles may
		// share one token); they just join the admin group.
		session.memberships = append(session.memberships,
			r.fabric.Join(fabric.AdminGroup, subscriber))
		r.logger.Info("admin session registered")
		return session
	}

	r.mu.Lock()
	previous := r.sessions[principal.Identity]
	r.sessions[principal.Identity] = session
	r.mu.Unlock()

	if previous != nil {
		r.logger.Info("session superseded", "identity", principal.Identity)
		r.teardown(previous)
		previous.peer.Kick("superseded by a newer connection")
	}

	session.memberships = append(session.memberships,
		r.fabric.Join(fabric.DeviceGroup(principal.Identity), subscriber))
	r.presence.MarkOnline(ctx, principal.Identity)
	r.observeStatus(principal, true)

	r.logger.Info("session registered",
		"identity", principal.Identity, "admin", principal.Admin)
	return session
}

// Unregister removes a session if it is still the current one for
// its identity. A stale session (already superseded) tears down its
// own memberships but leaves presence alone.
func (r *Registry) Unregister(ctx context.Context, session *Session) {
	if session.principal.Admin {
		r.teardown(session)
		r.logger.Info("admin session unregistered")
		return
	}

	identity := session.principal.Identity
	r.mu.Lock()
	current := r.sessions[identity] == session
	if current {
		delete(r.sessions, identity)
	}
	r.mu.Unlock()

	r.teardown(session)
	if !current {
		return
	}

	r.presence.MarkOffline(ctx, identity)
	r.observeStatus(session.principal, false)
	r.logger.Info("session unregistered", "identity", identity)
}

// Touch refreshes presence for a device session, called on each
// heartbeat.
func (r *Registry) Touch(ctx context.Context, session *Session) {
	if session.principal.Identity != "" && !session.principal.Admin {
		r.presence.MarkOnline(ctx, session.principal.Identity)
	}
}

// Count returns the number of live device sessions on this node. The
// gateway reports it on the liveness endpoint.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

func (r *Registry) teardown(session *Session) {
	for _, membership := range session.memberships {
		membership.Leave()
	}
}

func (r *Registry) observeStatus(principal authgate.Principal, online bool) {
	if r.telemetry == nil {
		return
	}
	status := online
	update := store.DeviceUpdate{
		DeviceID: principal.Identity,
		Status:   &status,
		LastSeen: r.clock.Now(),
	}
	if principal.TenantID != "" {
		tenant := principal.TenantID
		update.TenantID = &tenant
	}
	if principal.BuildID != "" {
		build := principal.BuildID
		update.BuildID = &build
	}
	r.telemetry.ObserveState(update)
}

// peerSubscriber adapts a Peer to fabric.Subscriber.
type peerSubscriber struct {
	peer Peer
}

func (p peerSubscriber) Deliver(event string, payload []byte) {
	p.peer.Deliver(event, payload)
}
