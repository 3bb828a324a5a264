// Copyright 2026 The Corral Authors
// SPDX-License-Identifier: Apache-2.0

// corral-device is a device simulator for exercising a corral
// deployment: it performs the signed handshake, identifies itself,
// heartbeats on an interval, and executes (acknowledges) every
// command pushed to it.
package main

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/spf13/pflag"

	"github.com/corralhq/corral/lib/process"
	"github.com/corralhq/corral/lib/version"
	"github.com/corralhq/corral/store"
)

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

func run() error {
	flagSet := pflag.NewFlagSet("corral-device", pflag.ContinueOnError)
	server := flagSet.String("server", "ws://127.0.0.1:8090/ws", "gateway WebSocket URL")
	deviceID := flagSet.String("device", "", "device identity (default: a random UUID)")
	secret := flagSet.String("secret", "", "device secret for the signed handshake")
	tenantID := flagSet.String("tenant", "", "tenant id to present")
	heartbeat := flagSet.Duration("heartbeat", 30*time.Second, "heartbeat interval")
	showVersion := flagSet.Bool("version", false, "print version information and exit")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if *showVersion {
		version.Print("corral-device")
		return nil
	}
	if *secret == "" {
		return fmt.Errorf("--secret is required")
	}
	if *deviceID == "" {
		*deviceID = uuid.NewString()
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil)).With("device", *deviceID)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ws, err := dial(ctx, *server, *deviceID, *tenantID, *secret)
	if err != nil {
		return err
	}
	defer ws.Close()
	logger.Info("connected", "server", *server)

	device := &device{ws: ws, id: *deviceID, logger: logger}
	if err := device.send("identify", map[string]any{
		"device_id":     *deviceID,
		"device_name":   "corral-device simulator",
		"manufacturer":  "corral",
		"model":         "sim",
		"battery_level": 100,
	}); err != nil {
		return err
	}

	go device.heartbeatLoop(ctx, *heartbeat)

	err = device.readLoop(ctx)
	if ctx.Err() != nil {
		logger.Info("shutting down")
		return nil
	}
	return err
}

// dial performs the signed handshake: hex HMAC-SHA256 of
// "{timestamp}.{nonce}.{identity}" with a millisecond timestamp.
func dial(ctx context.Context, server, deviceID, tenantID, secret string) (*websocket.Conn, error) {
	timestamp := fmt.Sprintf("%d", time.Now().UnixMilli())
	nonce := uuid.NewString()
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%s.%s.%s", timestamp, nonce, deviceID)

	query := url.Values{
		"deviceId":  {deviceID},
		"signature": {hex.EncodeToString(mac.Sum(nil))},
		"timestamp": {timestamp},
		"nonce":     {nonce},
	}
	if tenantID != "" {
		query.Set("tenantId", tenantID)
	}

	ws, resp, err := websocket.DefaultDialer.DialContext(ctx, server+"?"+query.Encode(), nil)
	if resp != nil && resp.Body != nil {
		defer resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("connecting to %s: %w (status %d)", server, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("connecting to %s: %w", server, err)
	}
	return ws, nil
}

type device struct {
	ws     *websocket.Conn
	id     string
	logger *slog.Logger

	mu  sync.Mutex
	seq int64
}

func (d *device) send(event string, data any) error {
	// The heartbeat loop and the read loop both send; the socket
	// allows one writer at a time.
	d.mu.Lock()
	defer d.mu.Unlock()
	d.seq++
	payload := map[string]any{"event": event, "seq": d.seq, "data": data}
	if err := d.ws.WriteJSON(payload); err != nil {
		return fmt.Errorf("sending %s: %w", event, err)
	}
	return nil
}

func (d *device) heartbeatLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := d.send("heartbeat", map[string]any{
				"device_id": d.id,
				"status":    true,
			}); err != nil {
				d.logger.Error("heartbeat failed", "error", err)
				return
			}
		}
	}
}

func (d *device) readLoop(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		d.ws.Close()
	}()

	for {
		var message struct {
			Event string          `json:"event"`
			Seq   int64           `json:"seq"`
			OK    bool            `json:"ok"`
			Data  json.RawMessage `json:"data"`
			Error string          `json:"error"`
		}
		if err := d.ws.ReadJSON(&message); err != nil {
			return fmt.Errorf("connection lost: %w", err)
		}

		switch message.Event {
		case "ack":
			if !message.OK {
				d.logger.Warn("request rejected", "seq", message.Seq, "error", message.Error)
			}
		case "pulse":
			d.logger.Debug("pulse")
		case "command":
			var commands []store.Command
			if err := json.Unmarshal(message.Data, &commands); err != nil {
				d.logger.Error("malformed command push", "error", err)
				continue
			}
			for _, command := range commands {
				d.logger.Info("executing command",
					"id", command.ID, "name", command.Command)
				if err := d.send("ack-command-executed", command.ID); err != nil {
					return err
				}
			}
		default:
			d.logger.Info("event", "name", message.Event)
		}
	}
}
