// Package store is the SQLite-backed durable state store: the device
// registry, the append-only event log, and the mutable per-device state
// row (scheduler intent, OTA session, time-sync, divergence tracker,
// charge-now override). It stands in for a DynamoDB-style durable store,
// grounded on AgSys's internal/storage/database.go Open/migrate/CRUD
// style.
package store

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// DB wraps a SQLite connection configured for a single-writer-per-process
// workload: WAL mode plus a busy timeout so the scheduler, OTA retry timer
// and uplink handler can share one file without lock contention errors.
type DB struct {
	conn *sql.DB
}

// Open opens (creating if necessary) the SQLite database at path and
// applies the schema migration.
func Open(path string) (*DB, error) {
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=5000", path)
	conn, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	db := &DB{conn: conn}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("store: migrate: %w", err)
	}
	return db, nil
}

// Close closes the underlying connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

const schema = `
CREATE TABLE IF NOT EXISTS devices (
	short_id TEXT PRIMARY KEY,
	transport_uuid TEXT NOT NULL UNIQUE,
	network_id TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT 'active',
	last_seen TEXT NOT NULL,
	app_build_version INTEGER NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS events (
	device_short_id TEXT NOT NULL,
	sort_key TEXT NOT NULL,
	event_type TEXT NOT NULL,
	device_sourced INTEGER NOT NULL DEFAULT 0,
	payload TEXT NOT NULL,
	expires_at INTEGER NOT NULL,
	PRIMARY KEY (device_short_id, sort_key)
);
CREATE INDEX IF NOT EXISTS idx_events_type ON events(event_type);
CREATE INDEX IF NOT EXISTS idx_events_expires ON events(expires_at);

CREATE TABLE IF NOT EXISTS device_state (
	device_short_id TEXT PRIMARY KEY,

	last_state_code INTEGER,
	last_pilot_mv INTEGER,
	last_current_ma INTEGER,
	last_charge_allowed INTEGER NOT NULL DEFAULT 0,
	last_charge_now INTEGER NOT NULL DEFAULT 0,

	last_command TEXT NOT NULL DEFAULT '',
	window_start_sc INTEGER NOT NULL DEFAULT 0,
	window_end_sc INTEGER NOT NULL DEFAULT 0,
	sent_unix INTEGER NOT NULL DEFAULT 0,
	reason TEXT NOT NULL DEFAULT '',
	moer_percent REAL,
	tou_peak INTEGER NOT NULL DEFAULT 0,

	ota_active INTEGER NOT NULL DEFAULT 0,
	ota_session_id TEXT NOT NULL DEFAULT '',
	ota_bucket TEXT NOT NULL DEFAULT '',
	ota_key TEXT NOT NULL DEFAULT '',
	ota_size INTEGER NOT NULL DEFAULT 0,
	ota_crc32 INTEGER NOT NULL DEFAULT 0,
	ota_total_chunks INTEGER NOT NULL DEFAULT 0,
	ota_chunk_size INTEGER NOT NULL DEFAULT 0,
	ota_version INTEGER NOT NULL DEFAULT 0,
	ota_next_chunk INTEGER NOT NULL DEFAULT 0,
	ota_highest_acked INTEGER NOT NULL DEFAULT 0,
	ota_retries INTEGER NOT NULL DEFAULT 0,
	ota_restarts INTEGER NOT NULL DEFAULT 0,
	ota_status TEXT NOT NULL DEFAULT '',
	ota_started_at INTEGER NOT NULL DEFAULT 0,
	ota_updated_at INTEGER NOT NULL DEFAULT 0,
	ota_delta_chunks TEXT NOT NULL DEFAULT '',
	ota_delta_cursor INTEGER NOT NULL DEFAULT 0,
	ota_baseline_crc32 INTEGER NOT NULL DEFAULT 0,
	ota_baseline_size INTEGER NOT NULL DEFAULT 0,
	ota_signed INTEGER NOT NULL DEFAULT 0,

	last_sync_unix INTEGER NOT NULL DEFAULT 0,
	last_sync_epoch INTEGER NOT NULL DEFAULT 0,

	divergence_retry_count INTEGER NOT NULL DEFAULT 0,
	divergence_last_unix INTEGER NOT NULL DEFAULT 0,
	divergence_scheduler_cmd TEXT NOT NULL DEFAULT '',
	divergence_device_allowed INTEGER NOT NULL DEFAULT 0,

	charge_now_override_until INTEGER NOT NULL DEFAULT 0
);
`

func (db *DB) migrate() error {
	_, err := db.conn.Exec(schema)
	return err
}
