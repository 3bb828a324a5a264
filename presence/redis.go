// Copyright 2026 The Corral Authors
// SPDX-License-Identifier: Apache-2.0

package presence

import (
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// keyPrefix namespaces presence markers in the shared Redis keyspace.
const keyPrefix = "presence:"

// RedisStore is the cluster-wide Store: one TTL key per online
// device, visible to every node. All failures are logged and
// swallowed; a Redis outage makes every device look offline without
// disturbing connection handling.
type RedisStore struct {
	client redis.UniversalClient
	ttl    time.Duration
	logger *slog.Logger
}

// NewRedisStore creates a RedisStore. A zero or negative ttl uses
// DefaultTTL.
func NewRedisStore(client redis.UniversalClient, ttl time.Duration, logger *slog.Logger) *RedisStore {
	if ttl <= 0 {
		ttl = DefaultTTL * time.Second
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &RedisStore{client: client, ttl: ttl, logger: logger}
}

func (s *RedisStore) MarkOnline(ctx context.Context, deviceID string) {
	if deviceID == "" {
		return
	}
	if err := s.client.Set(ctx, keyPrefix+deviceID, "1", s.ttl).Err(); err != nil {
		s.logger.Error("presence: mark online failed", "device", deviceID, "error", err)
	}
}

func (s *RedisStore) MarkOffline(ctx context.Context, deviceID string) {
	if deviceID == "" {
		return
	}
	if err := s.client.Del(ctx, keyPrefix+deviceID).Err(); err != nil {
		s.logger.Error("presence: mark offline failed", "device", deviceID, "error", err)
	}
}

func (s *RedisStore) IsOnline(ctx context.Context, deviceID string) bool {
	if deviceID == "" {
		return false
	}
	n, err := s.client.Exists(ctx, keyPrefix+deviceID).Result()
	if err != nil {
		s.logger.Error("presence: liveness check failed", "device", deviceID, "error", err)
		return false
	}
	return n == 1
}

func (s *RedisStore) Statuses(ctx context.Context, deviceIDs []string) map[string]bool {
	if len(deviceIDs) == 0 {
		return map[string]bool{}
	}

	keys := make([]string, len(deviceIDs))
	for i, id := range deviceIDs {
		keys[i] = keyPrefix + id
	}

	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		s.logger.Error("presence: batch status check failed", "devices", len(deviceIDs), "error", err)
		return map[string]bool{}
	}

	statuses := make(map[string]bool, len(deviceIDs))
	for i, id := range deviceIDs {
		statuses[id] = values[i] != nil
	}
	return statuses
}
