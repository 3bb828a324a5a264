// Copyright 2026 The Corral Authors
// SPDX-License-Identifier: Apache-2.0

// Package dispatch owns the command lifecycle: creation by admins,
// delivery to devices over the fabric or by poll, and acknowledgment.
// Every state change goes through the store's guarded transition so
// the machine only moves forward; re-acknowledging a finished command
// is a no-op rather than an error, which is what makes client retries
// safe.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"time"

	"github.com/google/uuid"

	"github.com/corralhq/corral/fabric"
	"github.com/corralhq/corral/lib/authgate"
	"github.com/corralhq/corral/lib/clock"
	"github.com/corralhq/corral/store"
)

// PageSize is the maximum number of commands handed out per poll.
const PageSize = 10

// EventCommand is published to a device's fabric group when a command
// is created for it. The payload is a one-element JSON array; the
// fleet's clients consume command pushes and poll responses through
// the same array-shaped handler.
const EventCommand = "command"

// EventCommandUpdate is published to the admin group whenever a
// command reaches a terminal state.
const EventCommandUpdate = "command-update"

// ErrForbidden is returned when a caller acts on a command or queue
// belonging to a different device.
var ErrForbidden = errors.New("dispatch: forbidden")

// Store is the persistence surface the dispatcher needs. *store.DB
// satisfies it.
type Store interface {
	InsertCommand(ctx context.Context, command *store.Command) error
	GetCommand(ctx context.Context, id string) (store.Command, error)
	PendingCommands(ctx context.Context, deviceID string, limit int) ([]store.Command, error)
	TransitionCommand(ctx context.Context, id string, from []store.CommandStatus, to store.CommandStatus, at time.Time, errorMessage string) (bool, error)
}

// Config holds the parameters for a Dispatcher.
type Config struct {
	// Store persists commands. Required.
	Store Store

	// Fabric carries new-command pushes and admin notifications.
	// Required.
	Fabric fabric.Fabric

	// Markers is the pending-marker store. Defaults to an
	// in-process store suitable for a single node.
	Markers Markers

	Clock  clock.Clock
	Logger *slog.Logger
}

// Dispatcher routes commands between admins and devices.
type Dispatcher struct {
	store   Store
	fabric  fabric.Fabric
	markers Markers
	clock   clock.Clock
	logger  *slog.Logger
}

// New returns a Dispatcher. Panics if Store or Fabric is nil.
func New(cfg Config) *Dispatcher {
	if cfg.Store == nil {
		panic("dispatch: Store is required")
	}
	if cfg.Fabric == nil {
		panic("dispatch: Fabric is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Markers == nil {
		cfg.Markers = NewMemoryMarkers(cfg.Clock)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Dispatcher{
		store:   cfg.Store,
		fabric:  cfg.Fabric,
		markers: cfg.Markers,
		clock:   cfg.Clock,
		logger:  cfg.Logger,
	}
}

// Create persists a new command for a device, marks the device's
// queue non-empty, and pushes the command over the fabric so a
// connected device receives it without waiting for its next poll.
//
// The insert is retried a few times with jittered backoff; SQLite
// write contention is transient.
func (d *Dispatcher) Create(ctx context.Context, deviceID, name string, payload json.RawMessage) (store.Command, error) {
	if deviceID == "" || name == "" {
		return store.Command{}, fmt.Errorf("dispatch: device id and command name are required")
	}

	command := store.Command{
		ID:        uuid.NewString(),
		DeviceID:  deviceID,
		Command:   name,
		Payload:   payload,
		Status:    store.StatusPending,
		CreatedAt: d.clock.Now(),
	}

	var err error
	for attempt := 1; attempt <= 3; attempt++ {
		if err = d.store.InsertCommand(ctx, &command); err == nil {
			break
		}
		if attempt < 3 {
			backoff := time.Duration(attempt)*250*time.Millisecond +
				time.Duration(rand.Int63n(int64(100*time.Millisecond)))
			d.logger.Warn("command insert failed, retrying",
				"command", command.ID, "attempt", attempt, "error", err)
			d.clock.Sleep(backoff)
		}
	}
	if err != nil {
		return store.Command{}, fmt.Errorf("dispatch: creating command for %s: %w", deviceID, err)
	}

	d.markers.Set(ctx, deviceID)
	if envelope, err := json.Marshal([]store.Command{command}); err == nil {
		d.fabric.Publish(ctx, fabric.DeviceGroup(deviceID), EventCommand, envelope)
	}

	d.logger.Info("command created",
		"command", command.ID, "device", deviceID, "name", name)
	return command, nil
}

// GetPending returns up to PageSize of the device's oldest pending
// commands. The rows stay pending: a command leaves the queue only
// when the device acknowledges it, so a lost poll response or a crash
// after polling just means the next poll sees the same commands
// again. Devices may only poll their own queue.
//
// The marker check lets the poll loop of an idle device skip the
// database entirely.
func (d *Dispatcher) GetPending(ctx context.Context, actor authgate.Principal, deviceID string) ([]store.Command, error) {
	if err := d.authorize(actor, deviceID, "poll queue"); err != nil {
		return nil, err
	}

	if !d.markers.Check(ctx, deviceID) {
		return nil, nil
	}

	commands, err := d.store.PendingCommands(ctx, deviceID, PageSize)
	if err != nil {
		return nil, fmt.Errorf("dispatch: fetching pending for %s: %w", deviceID, err)
	}
	if len(commands) == 0 {
		d.markers.Clear(ctx, deviceID)
		return nil, nil
	}

	// Commands are still waiting to be acknowledged; keep the marker
	// fresh so later polls keep checking the database.
	d.markers.Set(ctx, deviceID)
	return commands, nil
}

// MarkDelivered records push delivery of a single command. Only the
// owning device (or an admin) may report it.
func (d *Dispatcher) MarkDelivered(ctx context.Context, actor authgate.Principal, commandID string) error {
	return d.transition(ctx, actor, commandID, store.StatusDelivered, "")
}

// MarkExecuted records successful execution.
func (d *Dispatcher) MarkExecuted(ctx context.Context, actor authgate.Principal, commandID string) error {
	return d.transition(ctx, actor, commandID, store.StatusExecuted, "")
}

// MarkFailed records failed execution with the device's error text.
func (d *Dispatcher) MarkFailed(ctx context.Context, actor authgate.Principal, commandID, message string) error {
	if message == "" {
		message = "unknown error"
	}
	return d.transition(ctx, actor, commandID, store.StatusFailed, message)
}

func (d *Dispatcher) transition(ctx context.Context, actor authgate.Principal, commandID string, to store.CommandStatus, errorMessage string) error {
	command, err := d.store.GetCommand(ctx, commandID)
	if err != nil {
		return fmt.Errorf("dispatch: %w", err)
	}
	if err := d.authorize(actor, command.DeviceID, "acknowledge command"); err != nil {
		return err
	}

	if command.Status.Terminal() {
		// Retried acknowledgment of a finished command.
		return nil
	}
	if to == store.StatusDelivered && command.Status == store.StatusDelivered {
		return nil
	}

	from := []store.CommandStatus{store.StatusPending}
	if to != store.StatusDelivered {
		from = append(from, store.StatusDelivered)
	}
	changed, err := d.store.TransitionCommand(ctx, commandID, from, to, d.clock.Now(), errorMessage)
	if err != nil {
		return fmt.Errorf("dispatch: transition %s to %s: %w", commandID, to, err)
	}
	if !changed {
		// Lost a race. Re-read: a terminal winner makes this a
		// no-op, anything else is a real conflict.
		current, err := d.store.GetCommand(ctx, commandID)
		if err != nil {
			return fmt.Errorf("dispatch: %w", err)
		}
		if current.Status.Terminal() || current.Status == to {
			return nil
		}
		return fmt.Errorf("dispatch: command %s is %s, cannot move to %s", commandID, current.Status, to)
	}

	if to.Terminal() {
		command.Status = to
		command.Error = errorMessage
		d.publish(ctx, fabric.AdminGroup, EventCommandUpdate, command)
		d.logger.Info("command finished",
			"command", commandID, "device", command.DeviceID,
			"status", to, "error", errorMessage)
	}
	return nil
}

// authorize rejects a non-admin actor touching another device's
// commands. These attempts are logged: a device asking about a queue
// that is not its own is either a bug or a probe.
func (d *Dispatcher) authorize(actor authgate.Principal, deviceID, action string) error {
	if actor.Admin || actor.Identity == deviceID {
		return nil
	}
	d.logger.Warn("cross-device access denied",
		"actor", actor.Identity, "device", deviceID, "action", action)
	return fmt.Errorf("%w: %s for device %s", ErrForbidden, action, deviceID)
}

func (d *Dispatcher) publish(ctx context.Context, group, event string, command store.Command) {
	payload, err := json.Marshal(command)
	if err != nil {
		d.logger.Error("command marshal failed", "command", command.ID, "error", err)
		return
	}
	d.fabric.Publish(ctx, group, event, payload)
}
