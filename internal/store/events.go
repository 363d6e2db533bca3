package store

import (
	"fmt"
	"time"
)

// Retention is the event log's TTL: 90 days.
const Retention = 90 * 24 * time.Hour

var mountainTime = func() *time.Location {
	loc, err := time.LoadLocation("America/Denver")
	if err != nil {
		return time.UTC
	}
	return loc
}()

// SortKey formats a Unix-millisecond timestamp as the event log's
// monotonic-per-device sort key, "YYYY-MM-DD HH:MM:SS.mmm" in Mountain
// Time (grounded on original_source/aws/protocol_constants.py
// unix_ms_to_mt).
func SortKey(unixMS int64) string {
	t := time.UnixMilli(unixMS).In(mountainTime)
	return fmt.Sprintf("%s.%03d", t.Format("2006-01-02 15:04:05"), unixMS%1000)
}

// Event is one row of the append-only event log.
type Event struct {
	DeviceShortID string
	SortKey       string
	EventType     string
	DeviceSourced bool // true if SortKey derives from the device epoch
	Payload       string
}

// InsertEvent appends one event row. Sort keys are the composite-key
// second half so a collision (e.g. a synthesized interlock-transition row
// at the same millisecond) must be resolved by the caller bumping the
// timestamp, not by this layer silently overwriting history.
func (db *DB) InsertEvent(ev Event, now time.Time) error {
	expiresAt := now.Add(Retention).Unix()
	_, err := db.conn.Exec(`
		INSERT INTO events (device_short_id, sort_key, event_type, device_sourced, payload, expires_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		ev.DeviceShortID, ev.SortKey, ev.EventType, boolToInt(ev.DeviceSourced), ev.Payload, expiresAt)
	return err
}

// EventsForDevice returns events for a device in sort-key order, newest
// last, optionally filtered by event type ("" = all types).
func (db *DB) EventsForDevice(shortID, eventType string, limit int) ([]Event, error) {
	query := `SELECT device_short_id, sort_key, event_type, device_sourced, payload
		FROM events WHERE device_short_id = ?`
	args := []any{shortID}
	if eventType != "" {
		query += ` AND event_type = ?`
		args = append(args, eventType)
	}
	query += ` ORDER BY sort_key ASC LIMIT ?`
	args = append(args, limit)

	rows, err := db.conn.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var ev Event
		var deviceSourced int
		if err := rows.Scan(&ev.DeviceShortID, &ev.SortKey, &ev.EventType, &deviceSourced, &ev.Payload); err != nil {
			return nil, err
		}
		ev.DeviceSourced = deviceSourced != 0
		out = append(out, ev)
	}
	return out, rows.Err()
}

// ExpireEvents deletes event rows past their TTL. SQLite has no native
// item TTL the way DynamoDB does, so this stands in for it; call
// periodically from the daily-aggregation-equivalent trigger.
func (db *DB) ExpireEvents(now time.Time) (int64, error) {
	res, err := db.conn.Exec(`DELETE FROM events WHERE expires_at <= ?`, now.Unix())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
