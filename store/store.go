// Copyright 2026 The Corral Authors
// SPDX-License-Identifier: Apache-2.0

// Package store is the relational backing store: device rows, the
// command audit trail, heartbeat history, and the bulk-synced record
// tables. It is the only package that speaks SQL.
//
// Two write disciplines meet here. Command lifecycle writes are
// direct and row-at-a-time — an admin issuing a command expects it
// persisted before the ack. Device state and heartbeats arrive as
// coalesced batches from the coalesce package and are applied in one
// IMMEDIATE transaction per flush interval, upserting the device rows
// before inserting anything that references them.
//
// Every write is an idempotent upsert or a guarded update, so the
// at-least-once delivery upstream (coalescer retry, client retry of
// un-acked events) never duplicates or corrupts rows.
package store

import (
	"encoding/json"
	"time"
)

// CommandStatus is a command's position in its delivery lifecycle.
// Transitions only move forward; see the dispatch package for the
// state machine.
type CommandStatus string

const (
	StatusPending   CommandStatus = "pending"
	StatusDelivered CommandStatus = "delivered"
	StatusExecuted  CommandStatus = "executed"
	StatusFailed    CommandStatus = "failed"
)

// Terminal reports whether no further transition can leave s.
func (s CommandStatus) Terminal() bool {
	return s == StatusExecuted || s == StatusFailed
}

// Device is a device row. Status is the eventually-consistent online
// flag written only by coalescer flushes; liveness queries go to the
// presence package instead.
type Device struct {
	DeviceID     string
	TenantID     string
	BuildID      string
	Status       bool
	LastSeen     time.Time
	DeviceName   string
	Manufacturer string
	Model        string
	OSVersion    string
	BatteryLevel int64
	Attributes   map[string]any
	CreatedAt    time.Time
}

// Command is one command row. Rows are never deleted by the core:
// the table is the dispatch audit trail.
type Command struct {
	ID          string          `json:"id"`
	DeviceID    string          `json:"device_id"`
	Command     string          `json:"command"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Status      CommandStatus   `json:"status"`
	Error       string          `json:"error,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
	DeliveredAt *time.Time      `json:"delivered_at,omitempty"`
	ExecutedAt  *time.Time      `json:"executed_at,omitempty"`
}

// DeviceUpdate is a merged partial update for one device, produced by
// the coalescer. Nil pointer fields were not reported this interval
// and leave the stored value untouched.
type DeviceUpdate struct {
	DeviceID     string
	TenantID     *string
	BuildID      *string
	Status       *bool
	LastSeen     time.Time
	DeviceName   *string
	Manufacturer *string
	Model        *string
	OSVersion    *string
	BatteryLevel *int64

	// Attributes replaces the stored snapshot when non-nil.
	Attributes map[string]any
}

// HeartbeatPing is one discrete heartbeat event, inserted (never
// merged) at flush time.
type HeartbeatPing struct {
	DeviceID     string
	At           time.Time
	Status       *bool
	BatteryLevel *int64

	// Payload is the raw heartbeat body, stored as a CBOR blob.
	Payload map[string]any
}

// Batch is one coalescer flush: the merged device updates and the
// heartbeats accepted since the previous flush. Applied atomically,
// device rows first.
type Batch struct {
	Devices    []DeviceUpdate
	Heartbeats []HeartbeatPing
}

// Empty reports whether the batch carries no work.
func (b Batch) Empty() bool {
	return len(b.Devices) == 0 && len(b.Heartbeats) == 0
}
