// Copyright 2026 The Corral Authors
// SPDX-License-Identifier: Apache-2.0

package presence

import (
	"context"
	"sync"
	"time"

	"github.com/corralhq/corral/lib/clock"
)

// MemoryStore is a process-local Store for single-node deployments
// and tests. It honors the same TTL semantics as the Redis store but
// is, by nature, invisible to other nodes.
type MemoryStore struct {
	clock clock.Clock
	ttl   time.Duration

	mu      sync.Mutex
	expires map[string]time.Time
}

// NewMemoryStore creates a MemoryStore with the given TTL. A zero or
// negative ttl uses DefaultTTL.
func NewMemoryStore(clk clock.Clock, ttl time.Duration) *MemoryStore {
	if ttl <= 0 {
		ttl = DefaultTTL * time.Second
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &MemoryStore{
		clock:   clk,
		ttl:     ttl,
		expires: make(map[string]time.Time),
	}
}

func (s *MemoryStore) MarkOnline(ctx context.Context, deviceID string) {
	if deviceID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expires[deviceID] = s.clock.Now().Add(s.ttl)
}

func (s *MemoryStore) MarkOffline(ctx context.Context, deviceID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.expires, deviceID)
}

func (s *MemoryStore) IsOnline(ctx context.Context, deviceID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.aliveLocked(deviceID)
}

func (s *MemoryStore) Statuses(ctx context.Context, deviceIDs []string) map[string]bool {
	statuses := make(map[string]bool, len(deviceIDs))
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range deviceIDs {
		statuses[id] = s.aliveLocked(id)
	}
	return statuses
}

// aliveLocked checks the marker and lazily drops it once expired.
func (s *MemoryStore) aliveLocked(deviceID string) bool {
	expiry, ok := s.expires[deviceID]
	if !ok {
		return false
	}
	if s.clock.Now().After(expiry) {
		delete(s.expires, deviceID)
		return false
	}
	return true
}
