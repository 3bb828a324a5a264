// Copyright 2026 The Corral Authors
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/corralhq/corral/dispatch"
	"github.com/corralhq/corral/fabric"
	"github.com/corralhq/corral/lib/authgate"
	"github.com/corralhq/corral/session"
	"github.com/corralhq/corral/store"
	"github.com/corralhq/corral/wire"
)

const (
	// maxFrameSize bounds a single inbound frame. Bulk syncs are
	// paged by clients well below this.
	maxFrameSize = 1 << 20

	writeTimeout = 10 * time.Second

	// outboundBuffer is the per-connection send queue. A consumer
	// that cannot drain this many frames is effectively gone;
	// further deliveries to it are dropped.
	outboundBuffer = 64
)

// frame is one inbound message.
type frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
	Seq   int64           `json:"seq,omitempty"`
}

// ack is the reply to an inbound frame.
type ack struct {
	Event string `json:"event"`
	Seq   int64  `json:"seq"`
	OK    bool   `json:"ok"`
	Data  any    `json:"data,omitempty"`
	Error string `json:"error,omitempty"`
}

type conn struct {
	server    *Server
	ws        *websocket.Conn
	principal authgate.Principal
	session   *session.Session

	out       chan any
	closeOnce sync.Once
	closed    chan struct{}
}

func newConn(s *Server, ws *websocket.Conn, principal authgate.Principal) *conn {
	return &conn{
		server:    s,
		ws:        ws,
		principal: principal,
		out:       make(chan any, outboundBuffer),
		closed:    make(chan struct{}),
	}
}

// Deliver queues a fabric event for the remote end. Non-blocking: a
// full queue drops the frame, the same loss semantics the fabric
// already has.
func (c *conn) Deliver(event string, payload []byte) {
	select {
	case <-c.closed:
		return
	default:
	}
	select {
	case c.out <- frame{Event: event, Data: payload}:
	default:
		c.server.logger.Warn("outbound queue full, dropping event",
			"identity", c.principal.Identity, "event", event)
	}
}

// Kick closes the connection with a reason, used when a newer
// connection supersedes this one.
func (c *conn) Kick(reason string) {
	message := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason)
	deadline := c.server.clock.Now().Add(writeTimeout)
	_ = c.ws.WriteControl(websocket.CloseMessage, message, deadline)
	c.shutdown()
}

// shutdown tears the connection down once; safe from any goroutine.
func (c *conn) shutdown() {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.ws.Close()
	})
}

// writeLoop is the single writer on the socket.
func (c *conn) writeLoop() {
	for {
		select {
		case <-c.closed:
			return
		case message := <-c.out:
			c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.ws.WriteJSON(message); err != nil {
				c.server.logger.Debug("write failed",
					"identity", c.principal.Identity, "error", err)
				c.shutdown()
				return
			}
		}
	}
}

// readLoop decodes frames and dispatches them until the connection
// dies. A malformed or failing frame answers ack=false; it never
// closes the connection or escapes the loop.
func (c *conn) readLoop(ctx context.Context) {
	c.ws.SetReadLimit(maxFrameSize)
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			c.server.logger.Debug("connection closed",
				"identity", c.principal.Identity, "error", err)
			return
		}
		var message frame
		if err := json.Unmarshal(data, &message); err != nil {
			c.reply(ack{Event: "ack", OK: false, Error: "malformed frame"})
			continue
		}
		c.reply(c.handle(ctx, message))
	}
}

func (c *conn) reply(response ack) {
	response.Event = "ack"
	select {
	case <-c.closed:
	case c.out <- response:
	default:
		c.server.logger.Warn("outbound queue full, dropping ack",
			"identity", c.principal.Identity)
	}
}

func (c *conn) handle(ctx context.Context, message frame) ack {
	response := ack{Seq: message.Seq}
	switch message.Event {
	case "identify", "update-state":
		return c.handleStateUpdate(message, response)
	case "heartbeat":
		return c.handleHeartbeat(ctx, message, response)
	case "get-pending-commands":
		return c.handleGetPending(ctx, message, response)
	case "ack-command-delivered":
		return c.handleCommandAck(ctx, message, response, c.server.dispatcher.MarkDelivered)
	case "ack-command-executed":
		return c.handleCommandAck(ctx, message, response, c.server.dispatcher.MarkExecuted)
	case "ack-command-failed":
		return c.handleCommandFailed(ctx, message, response)
	case "bulk-sync":
		return c.handleBulkSync(ctx, message, response)
	case "test-connection":
		response.OK = true
		return response
	case "send-command":
		return c.handleSendCommand(ctx, message, response)
	case "broadcast-admin-event":
		return c.handleAdminBroadcast(ctx, message, response)
	default:
		response.Error = "unknown event"
		return response
	}
}

// authorizeDevice checks that the payload's device id belongs to this
// connection. Admins may act for any device.
func (c *conn) authorizeDevice(deviceID, action string) bool {
	if c.principal.Admin || deviceID == c.principal.Identity {
		return true
	}
	c.server.logger.Warn("cross-device payload rejected",
		"identity", c.principal.Identity, "claimed", deviceID, "action", action)
	return false
}

func (c *conn) handleStateUpdate(message frame, response ack) ack {
	update, err := wire.ParseStateUpdate(message.Data)
	if err != nil {
		response.Error = err.Error()
		return response
	}
	if !c.authorizeDevice(update.DeviceID, "update state") {
		response.Error = "forbidden"
		return response
	}

	online := true
	deviceUpdate := store.DeviceUpdate{
		DeviceID:     update.DeviceID,
		Status:       &online,
		LastSeen:     c.server.clock.Now(),
		DeviceName:   update.DeviceName,
		Manufacturer: update.Manufacturer,
		Model:        update.Model,
		OSVersion:    update.OSVersion,
		BatteryLevel: update.BatteryLevel,
		Attributes:   update.Attributes,
	}
	if c.principal.TenantID != "" {
		tenant := c.principal.TenantID
		deviceUpdate.TenantID = &tenant
	}
	if c.principal.BuildID != "" {
		build := c.principal.BuildID
		deviceUpdate.BuildID = &build
	}
	c.server.coalescer.ObserveState(deviceUpdate)
	response.OK = true
	return response
}

func (c *conn) handleHeartbeat(ctx context.Context, message frame, response ack) ack {
	heartbeat, err := wire.ParseHeartbeat(message.Data)
	if err != nil {
		response.Error = err.Error()
		return response
	}
	if !c.authorizeDevice(heartbeat.DeviceID, "heartbeat") {
		response.Error = "forbidden"
		return response
	}

	status := heartbeat.Status
	if status == nil {
		// A device that heartbeats is online.
		online := true
		status = &online
	}
	c.server.coalescer.ObserveHeartbeat(store.HeartbeatPing{
		DeviceID:     heartbeat.DeviceID,
		At:           c.server.clock.Now(),
		Status:       status,
		BatteryLevel: heartbeat.BatteryLevel,
		Payload:      heartbeat.Payload,
	})
	c.server.sessions.Touch(ctx, c.session)
	response.OK = true
	return response
}

func (c *conn) handleGetPending(ctx context.Context, message frame, response ack) ack {
	deviceID := c.principal.Identity
	if len(message.Data) > 0 {
		var request struct {
			DeviceID      string `json:"device_id"`
			DeviceIDCamel string `json:"deviceId"`
		}
		if err := json.Unmarshal(message.Data, &request); err == nil {
			if request.DeviceID != "" {
				deviceID = request.DeviceID
			} else if request.DeviceIDCamel != "" {
				deviceID = request.DeviceIDCamel
			}
		}
	}

	commands, err := c.server.dispatcher.GetPending(ctx, c.principal, deviceID)
	if err != nil {
		response.Error = publicError(err)
		return response
	}
	if commands == nil {
		commands = []store.Command{}
	}
	response.OK = true
	response.Data = commands
	return response
}

func (c *conn) handleCommandAck(ctx context.Context, message frame, response ack, mark func(context.Context, authgate.Principal, string) error) ack {
	commandID := parseCommandID(message.Data)
	if commandID == "" {
		response.Error = "missing command id"
		return response
	}
	if err := mark(ctx, c.principal, commandID); err != nil {
		response.Error = publicError(err)
		return response
	}
	response.OK = true
	return response
}

func (c *conn) handleCommandFailed(ctx context.Context, message frame, response ack) ack {
	failure, err := wire.ParseCommandFailure(message.Data)
	if err != nil {
		response.Error = err.Error()
		return response
	}
	if err := c.server.dispatcher.MarkFailed(ctx, c.principal, failure.CommandID, failure.Error); err != nil {
		response.Error = publicError(err)
		return response
	}
	response.OK = true
	return response
}

func (c *conn) handleBulkSync(ctx context.Context, message frame, response ack) ack {
	var request struct {
		Kind    string          `json:"kind"`
		Records json.RawMessage `json:"records"`
	}
	if err := json.Unmarshal(message.Data, &request); err != nil {
		response.Error = "malformed bulk-sync payload"
		return response
	}
	kind := wire.Kind(request.Kind)
	if !wire.ValidKind(kind) {
		response.Error = "unknown record kind"
		return response
	}
	records, err := wire.ParseRecords(kind, request.Records)
	if err != nil {
		response.Error = err.Error()
		return response
	}

	// One foreign record poisons the whole batch, before anything
	// is written.
	stored := make([]store.SyncRecord, len(records))
	for i, record := range records {
		if !c.authorizeDevice(record.DeviceID, "bulk-sync "+request.Kind) {
			response.Error = "forbidden"
			return response
		}
		stored[i] = store.SyncRecord{
			DeviceID: record.DeviceID,
			LocalID:  record.LocalID,
			Fields:   record.Fields,
		}
	}

	if err := c.server.records.UpsertRecords(ctx, string(kind), stored, c.server.clock.Now()); err != nil {
		c.server.logger.Error("bulk-sync write failed",
			"identity", c.principal.Identity, "kind", request.Kind, "error", err)
		response.Error = "storage failure"
		return response
	}
	response.OK = true
	return response
}

func (c *conn) handleSendCommand(ctx context.Context, message frame, response ack) ack {
	if !c.principal.Admin {
		c.server.logger.Warn("admin event from non-admin connection",
			"identity", c.principal.Identity, "event", "send-command")
		response.Error = "forbidden"
		return response
	}
	var request struct {
		DeviceID      string          `json:"device_id"`
		DeviceIDCamel string          `json:"deviceId"`
		Command       string          `json:"command"`
		Payload       json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(message.Data, &request); err != nil {
		response.Error = "malformed send-command payload"
		return response
	}
	deviceID := request.DeviceID
	if deviceID == "" {
		deviceID = request.DeviceIDCamel
	}

	command, err := c.server.dispatcher.Create(ctx, deviceID, request.Command, request.Payload)
	if err != nil {
		response.Error = publicError(err)
		return response
	}
	response.OK = true
	response.Data = command
	return response
}

func (c *conn) handleAdminBroadcast(ctx context.Context, message frame, response ack) ack {
	if !c.principal.Admin {
		c.server.logger.Warn("admin event from non-admin connection",
			"identity", c.principal.Identity, "event", "broadcast-admin-event")
		response.Error = "forbidden"
		return response
	}
	var request struct {
		Event string          `json:"event"`
		Data  json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(message.Data, &request); err != nil || request.Event == "" {
		response.Error = "malformed broadcast payload"
		return response
	}
	c.server.fabric.Publish(ctx, fabric.AdminGroup, request.Event, request.Data)
	response.OK = true
	return response
}

// parseCommandID accepts a bare string id or {command_id} /
// {commandId}.
func parseCommandID(raw json.RawMessage) string {
	var id string
	if err := json.Unmarshal(raw, &id); err == nil {
		return id
	}
	var request struct {
		CommandID      string `json:"command_id"`
		CommandIDCamel string `json:"commandId"`
	}
	if err := json.Unmarshal(raw, &request); err != nil {
		return ""
	}
	if request.CommandID != "" {
		return request.CommandID
	}
	return request.CommandIDCamel
}

// publicError maps internal errors to the short strings clients see.
func publicError(err error) string {
	switch {
	case errors.Is(err, dispatch.ErrForbidden):
		return "forbidden"
	case errors.Is(err, store.ErrNotFound):
		return "unknown command"
	default:
		return "internal error"
	}
}
