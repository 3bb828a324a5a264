// Copyright 2026 The Corral Authors
// SPDX-License-Identifier: Apache-2.0

// Package presence tracks device liveness in a store shared by every
// node in the cluster. A presence record is a TTL-bearing marker:
// present means the device held a live connection within the TTL
// window, absent (including expiry) means offline. This record is the
// sole truth for "is this device reachable right now" — the slower
// Device.status column written by the coalescer must never be used to
// answer that question.
//
// Presence is advisory, not a precondition: command delivery proceeds
// whether or not the device looks online, and a store outage degrades
// every query to "offline/unknown" instead of surfacing an error into
// connection handling. That is why the Store methods return no error.
package presence

import "context"

// DefaultTTL is the liveness window. Connects and accepted heartbeats
// refresh it; a device that goes silent longer than this reads as
// offline even without a clean disconnect.
const DefaultTTL = 120 // seconds

// Store is the cluster-wide liveness record.
type Store interface {
	// MarkOnline sets (or refreshes) the device's liveness marker.
	MarkOnline(ctx context.Context, deviceID string)

	// MarkOffline deletes the marker immediately. Called on graceful
	// disconnect; abrupt disconnects rely on TTL expiry.
	MarkOffline(ctx context.Context, deviceID string)

	// IsOnline reports whether the marker exists. False on store
	// failure.
	IsOnline(ctx context.Context, deviceID string) bool

	// Statuses is the batched form of IsOnline. Devices missing from
	// the result are offline; an empty map on store failure.
	Statuses(ctx context.Context, deviceIDs []string) map[string]bool
}
