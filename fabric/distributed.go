// Copyright 2026 The Corral Authors
// SPDX-License-Identifier: Apache-2.0

package fabric

import (
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/corralhq/corral/lib/clock"
	"github.com/corralhq/corral/lib/codec"
)

// envelope is the wire form of one cross-node publish. Origin lets a
// node skip its own envelopes: local delivery already happened inside
// Publish, and redelivering would duplicate events to local members.
type envelope struct {
	Origin  string `cbor:"o"`
	Group   string `cbor:"g"`
	Event   string `cbor:"e"`
	Payload []byte `cbor:"p"`
}

// Distributed is the cluster Fabric: a Local registry bridged to the
// other nodes by a Bus.
type Distributed struct {
	local  *Local
	bus    Bus
	nodeID string
	clock  clock.Clock
	logger *slog.Logger
}

// Config holds the parameters for a Distributed fabric.
type Config struct {
	// Local is the node's group registry. Required.
	Local *Local

	// Bus connects this node to the rest of the cluster. Required.
	Bus Bus

	// NodeID identifies this node in envelope origins. Defaults to a
	// random UUID, which is always safe; a stable id only improves
	// log readability.
	NodeID string

	Clock  clock.Clock
	Logger *slog.Logger
}

// NewDistributed creates a Distributed fabric. Call Run to start the
// subscriber loop; until then (and whenever the bus is down) the
// fabric behaves as local-only.
func NewDistributed(cfg Config) *Distributed {
	if cfg.NodeID == "" {
		cfg.NodeID = uuid.NewString()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Distributed{
		local:  cfg.Local,
		bus:    cfg.Bus,
		nodeID: cfg.NodeID,
		clock:  cfg.Clock,
		logger: cfg.Logger,
	}
}

func (d *Distributed) Join(group string, sub Subscriber) Membership {
	return d.local.Join(group, sub)
}

// Publish delivers locally, then broadcasts an envelope for the other
// nodes. A bus failure is logged and otherwise invisible to the
// caller: the publish has still reached every local member.
func (d *Distributed) Publish(ctx context.Context, group, event string, payload []byte) {
	d.local.Publish(ctx, group, event, payload)

	data, err := codec.Marshal(envelope{
		Origin:  d.nodeID,
		Group:   group,
		Event:   event,
		Payload: payload,
	})
	if err != nil {
		d.logger.Error("fabric: envelope encode failed", "group", group, "event", event, "error", err)
		return
	}
	if err := d.bus.Send(ctx, data); err != nil {
		d.logger.Warn("fabric: bus unreachable, delivered local-only",
			"group", group,
			"event", event,
			"error", err,
		)
	}
}

// Run is the subscriber loop: it listens on the bus and replays
// remote envelopes into the local registry, reconnecting with capped
// exponential backoff after failures. Blocks until ctx is cancelled.
func (d *Distributed) Run(ctx context.Context) {
	const (
		initialBackoff = time.Second
		maxBackoff     = 30 * time.Second
	)
	backoff := initialBackoff

	for {
		if ctx.Err() != nil {
			return
		}

		messages, err := d.bus.Listen(ctx)
		if err != nil {
			d.logger.Warn("fabric: subscribe failed, retrying", "backoff", backoff, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-d.clock.After(backoff):
			}
			backoff = min(backoff*2, maxBackoff)
			continue
		}
		backoff = initialBackoff
		d.logger.Info("fabric: subscribed", "node", d.nodeID)

		for data := range messages {
			d.handleEnvelope(ctx, data)
		}
		// Channel closed: medium failed or ctx cancelled; loop.
	}
}

func (d *Distributed) handleEnvelope(ctx context.Context, data []byte) {
	var env envelope
	if err := codec.Unmarshal(data, &env); err != nil {
		d.logger.Warn("fabric: dropping undecodable envelope", "error", err)
		return
	}
	if env.Origin == d.nodeID {
		return
	}
	d.local.Publish(ctx, env.Group, env.Event, env.Payload)
}
