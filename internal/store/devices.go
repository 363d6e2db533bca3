package store

import (
	"database/sql"
	"errors"
	"time"

	"github.com/sidecharge/orchestrator/internal/identity"
)

const iso8601 = "2006-01-02T15:04:05Z"

// GetDevice implements identity.Registry.
func (db *DB) GetDevice(shortID string) (*identity.Device, bool, error) {
	row := db.conn.QueryRow(`
		SELECT short_id, transport_uuid, network_id, status, last_seen, app_build_version, created_at
		FROM devices WHERE short_id = ?`, shortID)

	var d identity.Device
	var status, lastSeen, createdAt string
	err := row.Scan(&d.ShortID, &d.TransportUUID, &d.NetworkID, &status, &lastSeen, &d.AppBuildVersion, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	d.Status = identity.DeviceStatus(status)
	d.LastSeen, _ = time.Parse(iso8601, lastSeen)
	d.CreatedAt, _ = time.Parse(iso8601, createdAt)
	return &d, true, nil
}

// InsertDevice implements identity.Registry.
func (db *DB) InsertDevice(d *identity.Device) error {
	_, err := db.conn.Exec(`
		INSERT INTO devices (short_id, transport_uuid, network_id, status, last_seen, app_build_version, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		d.ShortID, d.TransportUUID, d.NetworkID, string(d.Status),
		d.LastSeen.UTC().Format(iso8601), d.AppBuildVersion, d.CreatedAt.UTC().Format(iso8601))
	return err
}

// UpdateLastSeen implements identity.Registry: a partial update that never
// touches owner metadata.
func (db *DB) UpdateLastSeen(shortID string, seenAt time.Time, appBuildVersion *uint16) error {
	if appBuildVersion != nil {
		_, err := db.conn.Exec(`UPDATE devices SET last_seen = ?, app_build_version = ? WHERE short_id = ?`,
			seenAt.UTC().Format(iso8601), *appBuildVersion, shortID)
		return err
	}
	_, err := db.conn.Exec(`UPDATE devices SET last_seen = ? WHERE short_id = ?`,
		seenAt.UTC().Format(iso8601), shortID)
	return err
}

// AllActiveDevices returns every device with status=active, for fan-out
// operations such as the scheduler tick and firmware poll.
func (db *DB) AllActiveDevices() ([]*identity.Device, error) {
	rows, err := db.conn.Query(`
		SELECT short_id, transport_uuid, network_id, status, last_seen, app_build_version, created_at
		FROM devices WHERE status = 'active'`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*identity.Device
	for rows.Next() {
		var d identity.Device
		var status, lastSeen, createdAt string
		if err := rows.Scan(&d.ShortID, &d.TransportUUID, &d.NetworkID, &status, &lastSeen, &d.AppBuildVersion, &createdAt); err != nil {
			return nil, err
		}
		d.Status = identity.DeviceStatus(status)
		d.LastSeen, _ = time.Parse(iso8601, lastSeen)
		d.CreatedAt, _ = time.Parse(iso8601, createdAt)
		out = append(out, &d)
	}
	return out, rows.Err()
}
