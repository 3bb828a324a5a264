// Copyright 2026 The Corral Authors
// SPDX-License-Identifier: Apache-2.0

package coalesce

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/corralhq/corral/lib/clock"
	"github.com/corralhq/corral/store"
)

// captureSink records applied batches and can be set to fail.
type captureSink struct {
	mu      sync.Mutex
	batches []store.Batch
	fail    error
}

func (s *captureSink) ApplyBatch(_ context.Context, batch store.Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return s.fail
	}
	s.batches = append(s.batches, batch)
	return nil
}

func (s *captureSink) setFail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail = err
}

func (s *captureSink) applied() []store.Batch {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]store.Batch(nil), s.batches...)
}

func stringPtr(s string) *string { return &s }
func boolPtr(b bool) *bool       { return &b }
func intPtr(n int64) *int64      { return &n }

func newTestCoalescer(t *testing.T) (*Coalescer, *captureSink, *clock.FakeClock) {
	t.Helper()
	sink := &captureSink{}
	fake := clock.Fake(time.UnixMilli(1_700_000_000_000))
	coalescer := New(Config{Sink: sink, Clock: fake})
	return coalescer, sink, fake
}

func TestUpdatesForOneDeviceMergeIntoOneRow(t *testing.T) {
	coalescer, sink, fake := newTestCoalescer(t)

	for i := 0; i < 10; i++ {
		coalescer.ObserveState(store.DeviceUpdate{
			DeviceID:     "device-1",
			LastSeen:     fake.Now(),
			BatteryLevel: intPtr(int64(90 - i)),
		})
	}
	coalescer.ObserveState(store.DeviceUpdate{
		DeviceID:   "device-1",
		LastSeen:   fake.Now(),
		DeviceName: stringPtr("Pixel"),
	})

	coalescer.Flush(context.Background())

	batches := sink.applied()
	if len(batches) != 1 {
		t.Fatalf("got %d batches, want 1", len(batches))
	}
	if len(batches[0].Devices) != 1 {
		t.Fatalf("got %d device updates, want 1 merged", len(batches[0].Devices))
	}
	merged := batches[0].Devices[0]
	if merged.BatteryLevel == nil || *merged.BatteryLevel != 81 {
		t.Errorf("battery = %v, want 81 (last write wins)", merged.BatteryLevel)
	}
	if merged.DeviceName == nil || *merged.DeviceName != "Pixel" {
		t.Errorf("device name = %v, want Pixel (earlier field survives)", merged.DeviceName)
	}
}

func TestHeartbeatsAccumulateWithoutMerging(t *testing.T) {
	coalescer, sink, fake := newTestCoalescer(t)

	for i := 0; i < 3; i++ {
		coalescer.ObserveHeartbeat(store.HeartbeatPing{
			DeviceID: "device-1",
			At:       fake.Now(),
			Status:   boolPtr(true),
		})
	}
	coalescer.Flush(context.Background())

	batches := sink.applied()
	if len(batches) != 1 {
		t.Fatalf("got %d batches, want 1", len(batches))
	}
	if len(batches[0].Heartbeats) != 3 {
		t.Errorf("got %d heartbeats, want 3 discrete events", len(batches[0].Heartbeats))
	}
	// Heartbeat liveness still folds into the device update.
	if len(batches[0].Devices) != 1 {
		t.Fatalf("got %d device updates, want 1", len(batches[0].Devices))
	}
	if status := batches[0].Devices[0].Status; status == nil || !*status {
		t.Error("heartbeat status not folded into device update")
	}
}

func TestEmptyFlushWritesNothing(t *testing.T) {
	coalescer, sink, _ := newTestCoalescer(t)
	coalescer.Flush(context.Background())
	if got := sink.applied(); len(got) != 0 {
		t.Errorf("empty flush applied %d batches", len(got))
	}
}

func TestFailedFlushRetainsAndRetries(t *testing.T) {
	coalescer, sink, fake := newTestCoalescer(t)
	sink.setFail(errors.New("database is locked"))

	coalescer.ObserveState(store.DeviceUpdate{DeviceID: "device-1", LastSeen: fake.Now()})
	coalescer.ObserveHeartbeat(store.HeartbeatPing{DeviceID: "device-2", At: fake.Now()})

	coalescer.Flush(context.Background())
	if got := sink.applied(); len(got) != 0 {
		t.Fatalf("failed flush applied %d batches", len(got))
	}
	devices, heartbeats := coalescer.Pending()
	if devices != 2 || heartbeats != 1 {
		t.Fatalf("pending = %d devices %d heartbeats, want 2 and 1", devices, heartbeats)
	}

	sink.setFail(nil)
	coalescer.Flush(context.Background())

	batches := sink.applied()
	if len(batches) != 1 {
		t.Fatalf("got %d batches after recovery, want 1", len(batches))
	}
	if len(batches[0].Devices) != 2 || len(batches[0].Heartbeats) != 1 {
		t.Errorf("recovered batch has %d devices %d heartbeats",
			len(batches[0].Devices), len(batches[0].Heartbeats))
	}
	devices, heartbeats = coalescer.Pending()
	if devices != 0 || heartbeats != 0 {
		t.Errorf("pending after success = %d devices %d heartbeats", devices, heartbeats)
	}
}

// reentrantSink feeds a fresh update back into the coalescer while a
// flush write is in flight, like a device reporting mid-flush.
type reentrantSink struct {
	captureSink
	during func()
}

func (s *reentrantSink) ApplyBatch(ctx context.Context, batch store.Batch) error {
	if s.during != nil {
		s.during()
	}
	return s.captureSink.ApplyBatch(ctx, batch)
}

func TestUpdateArrivingMidFlushSurvives(t *testing.T) {
	sink := &reentrantSink{}
	fake := clock.Fake(time.UnixMilli(1_700_000_000_000))
	coalescer := New(Config{Sink: sink, Clock: fake})
	sink.during = func() {
		coalescer.ObserveState(store.DeviceUpdate{
			DeviceID:     "device-1",
			LastSeen:     fake.Now(),
			BatteryLevel: intPtr(55),
		})
	}

	coalescer.ObserveState(store.DeviceUpdate{
		DeviceID:     "device-1",
		LastSeen:     fake.Now(),
		BatteryLevel: intPtr(90),
	})
	coalescer.Flush(context.Background())

	// The mid-flush update replaced the snapshotted entry, so the
	// flush must not drop it.
	devices, _ := coalescer.Pending()
	if devices != 1 {
		t.Fatalf("pending devices = %d, want the mid-flush update retained", devices)
	}

	sink.during = nil
	coalescer.Flush(context.Background())
	batches := sink.applied()
	if len(batches) != 2 {
		t.Fatalf("got %d batches, want 2", len(batches))
	}
	if battery := batches[1].Devices[0].BatteryLevel; battery == nil || *battery != 55 {
		t.Errorf("second flush battery = %v, want the mid-flush value 55", battery)
	}
	if devices, _ := coalescer.Pending(); devices != 0 {
		t.Errorf("pending devices = %d after both flushes", devices)
	}
}

func TestRunFlushesOnTick(t *testing.T) {
	coalescer, sink, fake := newTestCoalescer(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		coalescer.Run(ctx)
		close(done)
	}()

	coalescer.ObserveState(store.DeviceUpdate{DeviceID: "device-1", LastSeen: fake.Now()})
	fake.BlockUntil(1)
	fake.Advance(DefaultInterval)

	deadline := time.After(2 * time.Second)
	for {
		if len(sink.applied()) == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("tick did not trigger a flush")
		case <-time.After(time.Millisecond):
		}
	}

	cancel()
	<-done
}

func TestShutdownFlushesRemainder(t *testing.T) {
	coalescer, sink, fake := newTestCoalescer(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		coalescer.Run(ctx)
		close(done)
	}()
	fake.BlockUntil(1)

	coalescer.ObserveState(store.DeviceUpdate{DeviceID: "device-1", LastSeen: fake.Now()})
	cancel()
	<-done

	if len(sink.applied()) != 1 {
		t.Fatalf("shutdown flush applied %d batches, want 1", len(sink.applied()))
	}
}
