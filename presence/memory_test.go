// Copyright 2026 The Corral Authors
// SPDX-License-Identifier: Apache-2.0

package presence

import (
	"context"
	"testing"
	"time"

	"github.com/corralhq/corral/lib/clock"
)

func TestMarkOnlineThenIsOnline(t *testing.T) {
	fake := clock.Fake(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	store := NewMemoryStore(fake, 120*time.Second)
	ctx := context.Background()

	if store.IsOnline(ctx, "d1") {
		t.Fatal("device online before MarkOnline")
	}

	store.MarkOnline(ctx, "d1")
	if !store.IsOnline(ctx, "d1") {
		t.Fatal("device not online immediately after MarkOnline")
	}
}

func TestTTLExpiry(t *testing.T) {
	fake := clock.Fake(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	store := NewMemoryStore(fake, 120*time.Second)
	ctx := context.Background()

	store.MarkOnline(ctx, "d1")

	fake.Advance(119 * time.Second)
	if !store.IsOnline(ctx, "d1") {
		t.Fatal("device expired before its TTL")
	}

	// TTL + 1s with no refresh: offline, no explicit MarkOffline.
	fake.Advance(2 * time.Second)
	if store.IsOnline(ctx, "d1") {
		t.Fatal("device still online past its TTL")
	}
}

func TestHeartbeatRefreshExtendsTTL(t *testing.T) {
	fake := clock.Fake(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	store := NewMemoryStore(fake, 120*time.Second)
	ctx := context.Background()

	store.MarkOnline(ctx, "d1")
	fake.Advance(100 * time.Second)
	store.MarkOnline(ctx, "d1") // heartbeat refresh
	fake.Advance(100 * time.Second)

	if !store.IsOnline(ctx, "d1") {
		t.Fatal("refresh did not extend the liveness window")
	}
}

func TestMarkOffline(t *testing.T) {
	fake := clock.Fake(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	store := NewMemoryStore(fake, 120*time.Second)
	ctx := context.Background()

	store.MarkOnline(ctx, "d1")
	store.MarkOffline(ctx, "d1")
	if store.IsOnline(ctx, "d1") {
		t.Fatal("device online after explicit MarkOffline")
	}
}

func TestStatuses(t *testing.T) {
	fake := clock.Fake(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	store := NewMemoryStore(fake, 120*time.Second)
	ctx := context.Background()

	store.MarkOnline(ctx, "d1")
	store.MarkOnline(ctx, "d2")
	fake.Advance(121 * time.Second)
	store.MarkOnline(ctx, "d2") // only d2 refreshed past expiry

	statuses := store.Statuses(ctx, []string{"d1", "d2", "d3"})
	want := map[string]bool{"d1": false, "d2": true, "d3": false}
	for id, online := range want {
		if statuses[id] != online {
			t.Errorf("Statuses[%s] = %v, want %v", id, statuses[id], online)
		}
	}
}
