// Copyright 2026 The Corral Authors
// SPDX-License-Identifier: Apache-2.0

// Package authgate validates connection credentials and classifies
// each caller as a device or an admin before any other component
// observes the connection.
//
// Three credential forms are accepted, checked in this order:
//
//   - Admin token: constant-time match against the configured admin
//     secret. Admins carry no device identity.
//   - HMAC bundle: signature, timestamp (Unix milliseconds), and
//     nonce. The signature must equal
//     hex(HMAC-SHA256(secret, "{timestamp}.{nonce}.{identity}")) and
//     the timestamp must be within the freshness window. This is the
//     preferred device path; the nonce and timestamp bound replay.
//   - Static key: constant-time match against the device secret. A
//     legacy path with no replay protection, kept for devices that
//     have not yet been migrated to signed handshakes.
//
// A failed verification is logged with the remote address and
// returned as one of the sentinel errors; it never panics and never
// partially authenticates.
package authgate

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"time"

	"github.com/corralhq/corral/lib/clock"
)

// signatureMaxAge is the freshness window for signed handshakes. A
// timestamp further than this from the server clock, in either
// direction, is rejected.
const signatureMaxAge = 5 * time.Minute

var (
	// ErrUnauthenticated means no credential was presented.
	ErrUnauthenticated = errors.New("authgate: no credential presented")

	// ErrMissingIdentity means a device credential was presented
	// without a device identity.
	ErrMissingIdentity = errors.New("authgate: device identity required")

	// ErrInvalidSignature means the HMAC signature or static key did
	// not verify.
	ErrInvalidSignature = errors.New("authgate: credential did not verify")

	// ErrExpiredSignature means the HMAC verified but its timestamp
	// is outside the freshness window.
	ErrExpiredSignature = errors.New("authgate: signature timestamp outside freshness window")
)

// Principal is the authenticated identity a connection carries for
// its lifetime.
type Principal struct {
	// Identity is the device identity. Empty for admins.
	Identity string

	// TenantID and BuildID are optional context passed at handshake.
	TenantID string
	BuildID  string

	// Admin is true for connections authenticated with the admin
	// token. Admins bypass device identity checks.
	Admin bool
}

// Credentials are the raw handshake parameters, before verification.
// Exactly one of AdminToken, the signature bundle, or StaticKey
// should be set.
type Credentials struct {
	Identity string
	TenantID string
	BuildID  string

	AdminToken string

	Signature string
	Timestamp string // Unix milliseconds, as sent on the wire.
	Nonce     string

	StaticKey string
}

// Config holds the secrets the gate verifies against.
type Config struct {
	// DeviceSecret signs HMAC handshakes and doubles as the legacy
	// static key. Required.
	DeviceSecret string

	// AdminToken authenticates admin connections. Optional; when
	// empty, the admin path is disabled.
	AdminToken string

	Clock  clock.Clock
	Logger *slog.Logger
}

// Gate verifies handshake credentials.
type Gate struct {
	deviceSecret []byte
	adminToken   []byte
	clock        clock.Clock
	logger       *slog.Logger
}

// New creates a Gate. DeviceSecret is required.
func New(cfg Config) (*Gate, error) {
	if cfg.DeviceSecret == "" {
		return nil, fmt.Errorf("authgate: DeviceSecret is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Gate{
		deviceSecret: []byte(cfg.DeviceSecret),
		adminToken:   []byte(cfg.AdminToken),
		clock:        cfg.Clock,
		logger:       cfg.Logger,
	}, nil
}

// Verify checks the presented credentials and returns the resulting
// Principal. remoteAddr is used only for logging failed attempts.
func (g *Gate) Verify(creds Credentials, remoteAddr string) (Principal, error) {
	if creds.AdminToken != "" {
		if len(g.adminToken) > 0 && subtle.ConstantTimeCompare([]byte(creds.AdminToken), g.adminToken) == 1 {
			return Principal{Admin: true}, nil
		}
		g.logFailure("invalid admin token", creds, remoteAddr)
		return Principal{}, ErrInvalidSignature
	}

	if creds.Signature != "" || creds.Timestamp != "" || creds.Nonce != "" {
		return g.verifySigned(creds, remoteAddr)
	}

	if creds.StaticKey != "" {
		if creds.Identity == "" {
			g.logFailure("static key without device identity", creds, remoteAddr)
			return Principal{}, ErrMissingIdentity
		}
		if subtle.ConstantTimeCompare([]byte(creds.StaticKey), g.deviceSecret) != 1 {
			g.logFailure("static key mismatch", creds, remoteAddr)
			return Principal{}, ErrInvalidSignature
		}
		return g.devicePrincipal(creds), nil
	}

	g.logFailure("no credential", creds, remoteAddr)
	return Principal{}, ErrUnauthenticated
}

// verifySigned checks the HMAC bundle. The signed string is
// "{timestamp}.{nonce}.{identity}" with the timestamp exactly as the
// client sent it, so servers and clients never disagree on number
// formatting.
func (g *Gate) verifySigned(creds Credentials, remoteAddr string) (Principal, error) {
	if creds.Identity == "" {
		g.logFailure("signed handshake without device identity", creds, remoteAddr)
		return Principal{}, ErrMissingIdentity
	}
	if creds.Signature == "" || creds.Timestamp == "" || creds.Nonce == "" {
		g.logFailure("incomplete signature bundle", creds, remoteAddr)
		return Principal{}, ErrInvalidSignature
	}

	mac := hmac.New(sha256.New, g.deviceSecret)
	fmt.Fprintf(mac, "%s.%s.%s", creds.Timestamp, creds.Nonce, creds.Identity)
	expected := hex.EncodeToString(mac.Sum(nil))

	if subtle.ConstantTimeCompare([]byte(creds.Signature), []byte(expected)) != 1 {
		g.logFailure("signature mismatch", creds, remoteAddr)
		return Principal{}, ErrInvalidSignature
	}

	millis, err := strconv.ParseInt(creds.Timestamp, 10, 64)
	if err != nil {
		g.logFailure("unparseable signature timestamp", creds, remoteAddr)
		return Principal{}, ErrInvalidSignature
	}
	signedAt := time.UnixMilli(millis)

	age := g.clock.Now().Sub(signedAt)
	if age < 0 {
		age = -age
	}
	if age >= signatureMaxAge {
		g.logFailure("signature outside freshness window", creds, remoteAddr)
		return Principal{}, ErrExpiredSignature
	}

	return g.devicePrincipal(creds), nil
}

func (g *Gate) devicePrincipal(creds Credentials) Principal {
	return Principal{
		Identity: creds.Identity,
		TenantID: creds.TenantID,
		BuildID:  creds.BuildID,
	}
}

func (g *Gate) logFailure(reason string, creds Credentials, remoteAddr string) {
	g.logger.Warn("connection refused",
		"reason", reason,
		"device", creds.Identity,
		"remote", remoteAddr,
	)
}
