// Copyright 2026 The Corral Authors
// SPDX-License-Identifier: Apache-2.0

package dispatch

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/corralhq/corral/lib/clock"
)

// MarkerTTL bounds how long a pending marker outlives its commands.
// A marker leaked by a crash before the clear makes at most one
// wasted database query per poll until it expires.
const MarkerTTL = time.Hour

// Markers tracks which devices have pending commands, letting the
// poll path skip the database for the common nothing-waiting case.
// Markers are an optimization, not a source of truth: implementations
// swallow backend errors, and Check fails open (reports true) so a
// marker outage degrades to a database query instead of stranding
// commands.
type Markers interface {
	Set(ctx context.Context, deviceID string)
	Clear(ctx context.Context, deviceID string)
	Check(ctx context.Context, deviceID string) bool
}

// MemoryMarkers is a single-node in-process Markers implementation.
type MemoryMarkers struct {
	clock clock.Clock

	mu      sync.Mutex
	expires map[string]time.Time
}

// NewMemoryMarkers returns an empty MemoryMarkers. A nil clk means
// the real clock.
func NewMemoryMarkers(clk clock.Clock) *MemoryMarkers {
	if clk == nil {
		clk = clock.Real()
	}
	return &MemoryMarkers{clock: clk, expires: make(map[string]time.Time)}
}

func (m *MemoryMarkers) Set(_ context.Context, deviceID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expires[deviceID] = m.clock.Now().Add(MarkerTTL)
}

func (m *MemoryMarkers) Clear(_ context.Context, deviceID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.expires, deviceID)
}

func (m *MemoryMarkers) Check(_ context.Context, deviceID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	expiry, ok := m.expires[deviceID]
	if !ok {
		return false
	}
	if !m.clock.Now().Before(expiry) {
		delete(m.expires, deviceID)
		return false
	}
	return true
}

// RedisMarkers stores markers in Redis so every node sees a command
// created on any node.
type RedisMarkers struct {
	client redis.UniversalClient
	logger *slog.Logger
}

const markerKeyPrefix = "commands:pending:"

// NewRedisMarkers returns a RedisMarkers on the given client.
func NewRedisMarkers(client redis.UniversalClient, logger *slog.Logger) *RedisMarkers {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &RedisMarkers{client: client, logger: logger}
}

func (m *RedisMarkers) Set(ctx context.Context, deviceID string) {
	if err := m.client.Set(ctx, markerKeyPrefix+deviceID, "1", MarkerTTL).Err(); err != nil {
		m.logger.Warn("pending marker set failed", "device", deviceID, "error", err)
	}
}

func (m *RedisMarkers) Clear(ctx context.Context, deviceID string) {
	if err := m.client.Del(ctx, markerKeyPrefix+deviceID).Err(); err != nil {
		m.logger.Warn("pending marker clear failed", "device", deviceID, "error", err)
	}
}

func (m *RedisMarkers) Check(ctx context.Context, deviceID string) bool {
	n, err := m.client.Exists(ctx, markerKeyPrefix+deviceID).Result()
	if err != nil {
		m.logger.Warn("pending marker check failed, assuming pending",
			"device", deviceID, "error", err)
		return true
	}
	return n > 0
}
