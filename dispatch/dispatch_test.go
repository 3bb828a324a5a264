// Copyright 2026 The Corral Authors
// SPDX-License-Identifier: Apache-2.0

package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/corralhq/corral/fabric"
	"github.com/corralhq/corral/lib/authgate"
	"github.com/corralhq/corral/lib/clock"
	"github.com/corralhq/corral/store"
)

// recorder collects fabric deliveries for one group.
type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) Deliver(event string, payload []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

type fixture struct {
	dispatcher *Dispatcher
	db         *store.DB
	fab        *fabric.Local
	clock      *clock.FakeClock
	markers    *MemoryMarkers
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := store.Open(store.Config{Path: filepath.Join(t.TempDir(), "corral.db")})
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	fake := clock.Fake(time.UnixMilli(1_700_000_000_000))
	fab := fabric.NewLocal()
	markers := NewMemoryMarkers(fake)
	dispatcher := New(Config{Store: db, Fabric: fab, Markers: markers, Clock: fake})
	return &fixture{dispatcher: dispatcher, db: db, fab: fab, clock: fake, markers: markers}
}

var (
	device = authgate.Principal{Identity: "device-1"}
	admin  = authgate.Principal{Identity: "admin", Admin: true}
)

func TestCreateAndPollRoundTrip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	pushes := &recorder{}
	membership := f.dispatcher.fabric.Join(fabric.DeviceGroup("device-1"), pushes)
	defer membership.Leave()

	created, err := f.dispatcher.Create(ctx, "device-1", "lock_device", json.RawMessage(`{"pin":"0000"}`))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if created.Status != store.StatusPending {
		t.Errorf("created status = %s", created.Status)
	}
	if pushes.count() != 1 {
		t.Errorf("fabric pushes = %d, want 1", pushes.count())
	}

	commands, err := f.dispatcher.GetPending(ctx, device, "device-1")
	if err != nil {
		t.Fatalf("GetPending: %v", err)
	}
	if len(commands) != 1 {
		t.Fatalf("got %d commands, want 1", len(commands))
	}
	if commands[0].Status != store.StatusPending {
		t.Errorf("polled status = %s, want pending until acknowledged", commands[0].Status)
	}

	// Acknowledging drains the queue; the next poll is empty and the
	// marker is cleared.
	if err := f.dispatcher.MarkExecuted(ctx, device, created.ID); err != nil {
		t.Fatalf("MarkExecuted: %v", err)
	}
	commands, err = f.dispatcher.GetPending(ctx, device, "device-1")
	if err != nil {
		t.Fatalf("second GetPending: %v", err)
	}
	if len(commands) != 0 {
		t.Errorf("post-ack poll returned %d commands", len(commands))
	}
	if f.markers.Check(ctx, "device-1") {
		t.Error("marker not cleared after draining the queue")
	}
}

func TestPollRetrySeesUnacknowledgedCommand(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	created, err := f.dispatcher.Create(ctx, "device-1", "lock_device", nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	// First poll response is lost on the wire; the device retries.
	if _, err := f.dispatcher.GetPending(ctx, device, "device-1"); err != nil {
		t.Fatalf("GetPending: %v", err)
	}
	commands, err := f.dispatcher.GetPending(ctx, device, "device-1")
	if err != nil {
		t.Fatalf("retried GetPending: %v", err)
	}
	if len(commands) != 1 || commands[0].ID != created.ID {
		t.Fatalf("retried poll = %v, want the unacknowledged command again", commands)
	}

	got, err := f.db.GetCommand(ctx, created.ID)
	if err != nil {
		t.Fatalf("GetCommand: %v", err)
	}
	if got.Status != store.StatusPending {
		t.Errorf("status = %s, polling must not consume the command", got.Status)
	}
}

func TestPollWithoutMarkerSkipsDatabase(t *testing.T) {
	f := newFixture(t)
	commands, err := f.dispatcher.GetPending(context.Background(), device, "device-1")
	if err != nil {
		t.Fatalf("GetPending: %v", err)
	}
	if commands != nil {
		t.Errorf("got %v, want nil for unmarked device", commands)
	}
}

func TestPollPageSizeAndOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i := 0; i < PageSize+3; i++ {
		f.clock.Advance(time.Second)
		if _, err := f.dispatcher.Create(ctx, "device-1", fmt.Sprintf("cmd-%d", i), nil); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}

	commands, err := f.dispatcher.GetPending(ctx, device, "device-1")
	if err != nil {
		t.Fatalf("GetPending: %v", err)
	}
	if len(commands) != PageSize {
		t.Fatalf("got %d commands, want page of %d", len(commands), PageSize)
	}
	if commands[0].Command != "cmd-0" {
		t.Errorf("first command = %s, want oldest first", commands[0].Command)
	}
	if !f.markers.Check(ctx, "device-1") {
		t.Error("marker cleared while commands remain")
	}

	// Acknowledging the first page exposes the remainder.
	for _, command := range commands {
		if err := f.dispatcher.MarkExecuted(ctx, device, command.ID); err != nil {
			t.Fatalf("MarkExecuted %s: %v", command.ID, err)
		}
	}
	commands, err = f.dispatcher.GetPending(ctx, device, "device-1")
	if err != nil {
		t.Fatalf("second GetPending: %v", err)
	}
	if len(commands) != 3 {
		t.Errorf("second page = %d commands, want 3", len(commands))
	}
	if !f.markers.Check(ctx, "device-1") {
		t.Error("marker cleared while unacknowledged commands remain")
	}
}

func TestDeviceCannotPollAnotherQueue(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.dispatcher.Create(ctx, "device-2", "wipe", nil); err != nil {
		t.Fatalf("Create: %v", err)
	}
	_, err := f.dispatcher.GetPending(ctx, device, "device-2")
	if !errors.Is(err, ErrForbidden) {
		t.Errorf("err = %v, want ErrForbidden", err)
	}
	// Admins may inspect any queue.
	if _, err := f.dispatcher.GetPending(ctx, admin, "device-2"); err != nil {
		t.Errorf("admin poll: %v", err)
	}
}

func TestDeviceCannotAckAnotherDevicesCommand(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	created, err := f.dispatcher.Create(ctx, "device-2", "wipe", nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := f.dispatcher.MarkExecuted(ctx, device, created.ID); !errors.Is(err, ErrForbidden) {
		t.Errorf("err = %v, want ErrForbidden", err)
	}

	got, err := f.db.GetCommand(ctx, created.ID)
	if err != nil {
		t.Fatalf("GetCommand: %v", err)
	}
	if got.Status != store.StatusPending {
		t.Errorf("status = %s, foreign ack must not change it", got.Status)
	}
}

func TestAckLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	adminEvents := &recorder{}
	membership := f.dispatcher.fabric.Join(fabric.AdminGroup, adminEvents)
	defer membership.Leave()

	created, err := f.dispatcher.Create(ctx, "device-1", "lock_device", nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := f.dispatcher.MarkDelivered(ctx, device, created.ID); err != nil {
		t.Fatalf("MarkDelivered: %v", err)
	}
	if err := f.dispatcher.MarkExecuted(ctx, device, created.ID); err != nil {
		t.Fatalf("MarkExecuted: %v", err)
	}
	// Device retries the ack after a lost reply.
	if err := f.dispatcher.MarkExecuted(ctx, device, created.ID); err != nil {
		t.Errorf("repeated MarkExecuted: %v", err)
	}
	// A late failure report for a finished command is also a no-op.
	if err := f.dispatcher.MarkFailed(ctx, device, created.ID, "too late"); err != nil {
		t.Errorf("MarkFailed after executed: %v", err)
	}

	got, err := f.db.GetCommand(ctx, created.ID)
	if err != nil {
		t.Fatalf("GetCommand: %v", err)
	}
	if got.Status != store.StatusExecuted {
		t.Errorf("status = %s, want executed", got.Status)
	}
	if got.Error != "" {
		t.Errorf("error = %q, want empty after no-op failure report", got.Error)
	}
	if adminEvents.count() != 1 {
		t.Errorf("admin notifications = %d, want exactly 1", adminEvents.count())
	}
}

func TestFailureSkipsDelivery(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	created, err := f.dispatcher.Create(ctx, "device-1", "wipe", nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	// Devices may fail a command straight from pending.
	if err := f.dispatcher.MarkFailed(ctx, device, created.ID, "permission denied"); err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}

	got, err := f.db.GetCommand(ctx, created.ID)
	if err != nil {
		t.Fatalf("GetCommand: %v", err)
	}
	if got.Status != store.StatusFailed || got.Error != "permission denied" {
		t.Errorf("got status=%s error=%q", got.Status, got.Error)
	}
}

func TestMarkExecutedUnknownCommand(t *testing.T) {
	f := newFixture(t)
	err := f.dispatcher.MarkExecuted(context.Background(), device, "no-such-command")
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestMemoryMarkersExpire(t *testing.T) {
	fake := clock.Fake(time.UnixMilli(1_700_000_000_000))
	markers := NewMemoryMarkers(fake)
	ctx := context.Background()

	markers.Set(ctx, "device-1")
	if !markers.Check(ctx, "device-1") {
		t.Fatal("marker missing immediately after set")
	}
	fake.Advance(MarkerTTL + time.Second)
	if markers.Check(ctx, "device-1") {
		t.Error("marker survived past its TTL")
	}
}
