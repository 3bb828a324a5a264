// Copyright 2026 The Corral Authors
// SPDX-License-Identifier: Apache-2.0

// Package fabric routes events to named broadcast groups across the
// cluster. A group ("device:abc123", "admins") is a logical address:
// publishing to it reaches every live connection that joined it, on
// whichever node that connection physically lives.
//
// Two layers make that work. [Local] is the per-process registry of
// group memberships, delivering synchronously to local subscribers.
// [Distributed] wraps a Local with a [Bus] — a cluster-wide pub/sub
// channel — so a publish on one node is replayed into every other
// node's local registry. Session registration and command dispatch
// code holds a [Fabric] and stays agnostic to which layer is active:
// a single-node deployment runs on Local alone.
//
// Delivery is best effort. When the bus is unreachable, publishes
// degrade to local-only delivery instead of failing the caller, and
// the subscriber loop keeps reconnecting with capped backoff. Order
// is preserved per connection for the events of one Publish call;
// nothing is guaranteed across calls or across nodes.
package fabric

import "context"

// AdminGroup is the broadcast group every admin connection joins.
const AdminGroup = "admins"

// DeviceGroup returns the broadcast group for one device's
// connections.
func DeviceGroup(deviceID string) string {
	return "device:" + deviceID
}

// Subscriber receives events for the groups it has joined. Deliver
// must not block: connection subscribers enqueue onto their send
// queue and drop if the peer cannot keep up.
type Subscriber interface {
	Deliver(event string, payload []byte)
}

// Membership is a Subscriber's handle on one joined group.
type Membership interface {
	// Leave removes the subscriber from the group. Idempotent.
	Leave()
}

// Fabric is the group-addressed broadcast interface used by the rest
// of the system.
type Fabric interface {
	// Join subscribes sub to a group until Leave is called.
	Join(group string, sub Subscriber) Membership

	// Publish delivers the event to every member of the group,
	// cluster-wide. It never returns an error: cross-node delivery is
	// best effort and local delivery always happens.
	Publish(ctx context.Context, group, event string, payload []byte)
}
