// Copyright 2026 The Corral Authors
// SPDX-License-Identifier: Apache-2.0

// Package coalesce absorbs the per-device telemetry firehose and
// writes it to the store in periodic batches. State updates for the
// same device merge in memory between flushes (last write wins per
// field), so a device reporting every few seconds costs one row write
// per interval instead of one per report. Heartbeats are discrete
// events and are buffered without merging.
//
// Delivery to the store is at-least-once: a failed flush keeps the
// data buffered for the next interval, and the store's upserts make
// re-application harmless.
package coalesce

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/corralhq/corral/lib/clock"
	"github.com/corralhq/corral/store"
)

// DefaultInterval is how often buffered telemetry is flushed.
const DefaultInterval = 2 * time.Second

// Sink receives flushed batches. *store.DB satisfies it.
type Sink interface {
	ApplyBatch(ctx context.Context, batch store.Batch) error
}

// Config holds the parameters for a Coalescer.
type Config struct {
	// Sink receives flushed batches. Required.
	Sink Sink

	// Interval between flushes. Defaults to DefaultInterval.
	Interval time.Duration

	// Clock drives the flush ticker. Defaults to the real clock.
	Clock clock.Clock

	Logger *slog.Logger
}

// Coalescer buffers telemetry between flushes.
type Coalescer struct {
	sink     Sink
	interval time.Duration
	clock    clock.Clock
	logger   *slog.Logger

	mu sync.Mutex
	// devices holds the merged update per device. Entries are
	// immutable once stored: a merge replaces the pointer rather
	// than mutating in place, so a flush snapshot can be written
	// outside the lock and removed afterwards only if the live
	// entry is still the same pointer.
	devices    map[string]*store.DeviceUpdate
	heartbeats []store.HeartbeatPing
}

// New returns a Coalescer. Panics if cfg.Sink is nil.
func New(cfg Config) *Coalescer {
	if cfg.Sink == nil {
		panic("coalesce: Sink is required")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Coalescer{
		sink:     cfg.Sink,
		interval: cfg.Interval,
		clock:    cfg.Clock,
		logger:   cfg.Logger,
		devices:  make(map[string]*store.DeviceUpdate),
	}
}

// ObserveState merges a state update into the buffer for its device.
func (c *Coalescer) ObserveState(update store.DeviceUpdate) {
	if update.DeviceID == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.devices[update.DeviceID] = mergeUpdate(c.devices[update.DeviceID], &update)
}

// ObserveHeartbeat buffers a heartbeat event and folds its liveness
// fields into the device's merged update.
func (c *Coalescer) ObserveHeartbeat(ping store.HeartbeatPing) {
	if ping.DeviceID == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.heartbeats = append(c.heartbeats, ping)
	c.devices[ping.DeviceID] = mergeUpdate(c.devices[ping.DeviceID], &store.DeviceUpdate{
		DeviceID:     ping.DeviceID,
		Status:       ping.Status,
		BatteryLevel: ping.BatteryLevel,
		LastSeen:     ping.At,
	})
}

// mergeUpdate layers next over prev, returning a fresh value. Nil
// pointer fields in next keep prev's value; a non-nil Attributes map
// replaces prev's wholesale.
func mergeUpdate(prev, next *store.DeviceUpdate) *store.DeviceUpdate {
	if prev == nil {
		merged := *next
		return &merged
	}
	merged := *prev
	merged.LastSeen = next.LastSeen
	if next.TenantID != nil {
		merged.TenantID = next.TenantID
	}
	if next.BuildID != nil {
		merged.BuildID = next.BuildID
	}
	if next.Status != nil {
		merged.Status = next.Status
	}
	if next.DeviceName != nil {
		merged.DeviceName = next.DeviceName
	}
	if next.Manufacturer != nil {
		merged.Manufacturer = next.Manufacturer
	}
	if next.Model != nil {
		merged.Model = next.Model
	}
	if next.OSVersion != nil {
		merged.OSVersion = next.OSVersion
	}
	if next.BatteryLevel != nil {
		merged.BatteryLevel = next.BatteryLevel
	}
	if next.Attributes != nil {
		merged.Attributes = next.Attributes
	}
	return &merged
}

// Run flushes on every tick until ctx is canceled, then performs one
// final flush so a clean shutdown does not drop buffered telemetry.
func (c *Coalescer) Run(ctx context.Context) {
	ticker := c.clock.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			c.Flush(flushCtx)
			cancel()
			return
		case <-ticker.C:
			c.Flush(ctx)
		}
	}
}

// Flush writes the buffered telemetry to the sink. On failure the
// buffer is retained for the next interval. Updates arriving during
// the write are never lost: heartbeats are re-queued ahead of any new
// arrivals, and a device entry is only dropped if no merge replaced
// it while the write was in flight.
func (c *Coalescer) Flush(ctx context.Context) {
	c.mu.Lock()
	if len(c.devices) == 0 && len(c.heartbeats) == 0 {
		c.mu.Unlock()
		return
	}
	snapshot := make(map[string]*store.DeviceUpdate, len(c.devices))
	batch := store.Batch{
		Devices:    make([]store.DeviceUpdate, 0, len(c.devices)),
		Heartbeats: c.heartbeats,
	}
	for id, update := range c.devices {
		snapshot[id] = update
		batch.Devices = append(batch.Devices, *update)
	}
	c.heartbeats = nil
	c.mu.Unlock()

	if err := c.sink.ApplyBatch(ctx, batch); err != nil {
		c.logger.Error("telemetry flush failed, retaining batch",
			"devices", len(batch.Devices),
			"heartbeats", len(batch.Heartbeats),
			"error", err)
		c.mu.Lock()
		c.heartbeats = append(batch.Heartbeats, c.heartbeats...)
		c.mu.Unlock()
		return
	}

	c.mu.Lock()
	for id, update := range snapshot {
		if c.devices[id] == update {
			delete(c.devices, id)
		}
	}
	c.mu.Unlock()
}

// Pending reports the buffered device and heartbeat counts.
func (c *Coalescer) Pending() (devices, heartbeats int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.devices), len(c.heartbeats)
}
