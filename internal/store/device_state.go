package store

import (
	"database/sql"
	"encoding/json"
	"errors"
)

// SchedulerIntent is the scheduler-decided subset of a device's state row.
type SchedulerIntent struct {
	LastCommand  string
	WindowStartSC uint32
	WindowEndSC   uint32
	SentUnix      int64
	Reason        string
	MoerPercent   *float64
	TOUPeak       bool
}

// OTASession is the per-device OTA session substructure. Active is false
// when no session exists.
type OTASession struct {
	Active          bool
	SessionID       string // correlation ID for dashboard/event-log cross-referencing
	Bucket, Key     string
	Size            uint32
	CRC32           uint32
	TotalChunks     uint16
	ChunkSize       uint16
	Version         uint32
	NextChunk       uint16
	HighestAcked    uint16
	Retries         int
	Restarts        int
	Status          string
	StartedAt       int64
	UpdatedAt       int64
	DeltaChunks     []int // nil/empty = full mode
	DeltaCursor     int
	BaselineCRC32   uint32
	BaselineSize    uint32
	Signed          bool // true if this image verified against the configured signing key
}

// TimeSyncState tracks the last successful device time sync.
type TimeSyncState struct {
	LastSyncUnix  int64
	LastSyncEpoch uint32
}

// DivergenceTracker tracks scheduler/device charge_allowed divergence.
type DivergenceTracker struct {
	RetryCount     int
	LastUnix       int64
	SchedulerCmd   string
	DeviceAllowed  bool
}

// DeviceState is the full mutable per-device snapshot.
type DeviceState struct {
	DeviceShortID string

	LastStateCode  int
	LastPilotMV    int
	LastCurrentMA  int
	LastChargeAllowed bool
	LastChargeNow     bool

	Scheduler  SchedulerIntent
	OTA        OTASession
	TimeSync   TimeSyncState
	Divergence DivergenceTracker

	ChargeNowOverrideUntil int64
}

// EnsureDeviceState creates a zero-valued state row if one doesn't exist
// yet, created on first uplink.
func (db *DB) EnsureDeviceState(shortID string) error {
	_, err := db.conn.Exec(`INSERT OR IGNORE INTO device_state (device_short_id) VALUES (?)`, shortID)
	return err
}

// GetDeviceState reads the full state row. Returns (nil, false, nil) if no
// row exists yet.
func (db *DB) GetDeviceState(shortID string) (*DeviceState, bool, error) {
	row := db.conn.QueryRow(`
		SELECT device_short_id,
			last_state_code, last_pilot_mv, last_current_ma, last_charge_allowed, last_charge_now,
			last_command, window_start_sc, window_end_sc, sent_unix, reason, moer_percent, tou_peak,
			ota_active, ota_session_id, ota_bucket, ota_key, ota_size, ota_crc32, ota_total_chunks, ota_chunk_size,
			ota_version, ota_next_chunk, ota_highest_acked, ota_retries, ota_restarts, ota_status,
			ota_started_at, ota_updated_at, ota_delta_chunks, ota_delta_cursor, ota_baseline_crc32, ota_baseline_size, ota_signed,
			last_sync_unix, last_sync_epoch,
			divergence_retry_count, divergence_last_unix, divergence_scheduler_cmd, divergence_device_allowed,
			charge_now_override_until
		FROM device_state WHERE device_short_id = ?`, shortID)

	var s DeviceState
	var lastStateCode, lastPilotMV, lastCurrentMA sql.NullInt64
	var lastChargeAllowed, lastChargeNow int
	var otaActive, otaSigned, deltaCursor, divergenceDeviceAllowed int
	var moerPercent sql.NullFloat64
	var touPeak int
	var deltaChunksJSON string

	err := row.Scan(
		&s.DeviceShortID,
		&lastStateCode, &lastPilotMV, &lastCurrentMA, &lastChargeAllowed, &lastChargeNow,
		&s.Scheduler.LastCommand, &s.Scheduler.WindowStartSC, &s.Scheduler.WindowEndSC, &s.Scheduler.SentUnix,
		&s.Scheduler.Reason, &moerPercent, &touPeak,
		&otaActive, &s.OTA.SessionID, &s.OTA.Bucket, &s.OTA.Key, &s.OTA.Size, &s.OTA.CRC32, &s.OTA.TotalChunks, &s.OTA.ChunkSize,
		&s.OTA.Version, &s.OTA.NextChunk, &s.OTA.HighestAcked, &s.OTA.Retries, &s.OTA.Restarts, &s.OTA.Status,
		&s.OTA.StartedAt, &s.OTA.UpdatedAt, &deltaChunksJSON, &deltaCursor, &s.OTA.BaselineCRC32, &s.OTA.BaselineSize, &otaSigned,
		&s.TimeSync.LastSyncUnix, &s.TimeSync.LastSyncEpoch,
		&s.Divergence.RetryCount, &s.Divergence.LastUnix, &s.Divergence.SchedulerCmd, &divergenceDeviceAllowed,
		&s.ChargeNowOverrideUntil,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	s.LastStateCode = int(lastStateCode.Int64)
	s.LastPilotMV = int(lastPilotMV.Int64)
	s.LastCurrentMA = int(lastCurrentMA.Int64)
	s.LastChargeAllowed = lastChargeAllowed != 0
	s.LastChargeNow = lastChargeNow != 0
	s.Scheduler.TOUPeak = touPeak != 0
	if moerPercent.Valid {
		v := moerPercent.Float64
		s.Scheduler.MoerPercent = &v
	}
	s.OTA.Active = otaActive != 0
	s.OTA.Signed = otaSigned != 0
	s.OTA.DeltaCursor = deltaCursor
	s.Divergence.DeviceAllowed = divergenceDeviceAllowed != 0
	if deltaChunksJSON != "" {
		_ = json.Unmarshal([]byte(deltaChunksJSON), &s.OTA.DeltaChunks)
	}

	return &s, true, nil
}

// ActiveOTASessions returns every device's OTA session substructure for
// rows with an active session, keyed by device short ID. Used by the OTA
// retry timer to find stale sessions without
// scanning every device's full state.
func (db *DB) ActiveOTASessions() (map[string]OTASession, error) {
	rows, err := db.conn.Query(`
		SELECT device_short_id, ota_session_id, ota_bucket, ota_key, ota_size, ota_crc32, ota_total_chunks,
			ota_chunk_size, ota_version, ota_next_chunk, ota_highest_acked, ota_retries,
			ota_restarts, ota_status, ota_started_at, ota_updated_at, ota_delta_chunks,
			ota_delta_cursor, ota_baseline_crc32, ota_baseline_size, ota_signed
		FROM device_state WHERE ota_active = 1`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]OTASession)
	for rows.Next() {
		var shortID string
		var s OTASession
		var deltaChunksJSON string
		var otaSigned int
		if err := rows.Scan(
			&shortID, &s.SessionID, &s.Bucket, &s.Key, &s.Size, &s.CRC32, &s.TotalChunks, &s.ChunkSize,
			&s.Version, &s.NextChunk, &s.HighestAcked, &s.Retries, &s.Restarts, &s.Status,
			&s.StartedAt, &s.UpdatedAt, &deltaChunksJSON, &s.DeltaCursor, &s.BaselineCRC32, &s.BaselineSize, &otaSigned,
		); err != nil {
			return nil, err
		}
		s.Active = true
		s.Signed = otaSigned != 0
		if deltaChunksJSON != "" {
			_ = json.Unmarshal([]byte(deltaChunksJSON), &s.DeltaChunks)
		}
		out[shortID] = s
	}
	return out, rows.Err()
}

// UpdateTelemetrySnapshot partially updates the latest-reported-telemetry
// fields.
func (db *DB) UpdateTelemetrySnapshot(shortID string, stateCode, pilotMV, currentMA int, chargeAllowed, chargeNow bool) error {
	_, err := db.conn.Exec(`
		UPDATE device_state SET last_state_code = ?, last_pilot_mv = ?, last_current_ma = ?,
			last_charge_allowed = ?, last_charge_now = ? WHERE device_short_id = ?`,
		stateCode, pilotMV, currentMA, boolToInt(chargeAllowed), boolToInt(chargeNow), shortID)
	return err
}

// UpdateSchedulerIntent writes the scheduler's decision for a device.
func (db *DB) UpdateSchedulerIntent(shortID string, intent SchedulerIntent) error {
	var moer any
	if intent.MoerPercent != nil {
		moer = *intent.MoerPercent
	}
	_, err := db.conn.Exec(`
		UPDATE device_state SET last_command = ?, window_start_sc = ?, window_end_sc = ?,
			sent_unix = ?, reason = ?, moer_percent = ?, tou_peak = ? WHERE device_short_id = ?`,
		intent.LastCommand, intent.WindowStartSC, intent.WindowEndSC, intent.SentUnix,
		intent.Reason, moer, boolToInt(intent.TOUPeak), shortID)
	return err
}

// SaveOTASession writes the full OTA session substructure — used both for
// session start and for the read-modify-write cycle the decoder-triggered
// and timer-triggered paths share: the OTA session row is the sole
// synchronisation point between them.
func (db *DB) SaveOTASession(shortID string, s OTASession) error {
	deltaJSON := ""
	if len(s.DeltaChunks) > 0 {
		b, err := json.Marshal(s.DeltaChunks)
		if err != nil {
			return err
		}
		deltaJSON = string(b)
	}
	_, err := db.conn.Exec(`
		UPDATE device_state SET
			ota_active = 1, ota_session_id = ?, ota_bucket = ?, ota_key = ?, ota_size = ?, ota_crc32 = ?,
			ota_total_chunks = ?, ota_chunk_size = ?, ota_version = ?, ota_next_chunk = ?,
			ota_highest_acked = ?, ota_retries = ?, ota_restarts = ?, ota_status = ?,
			ota_started_at = ?, ota_updated_at = ?, ota_delta_chunks = ?, ota_delta_cursor = ?,
			ota_baseline_crc32 = ?, ota_baseline_size = ?, ota_signed = ?
		WHERE device_short_id = ?`,
		s.SessionID, s.Bucket, s.Key, s.Size, s.CRC32, s.TotalChunks, s.ChunkSize, s.Version, s.NextChunk,
		s.HighestAcked, s.Retries, s.Restarts, s.Status, s.StartedAt, s.UpdatedAt, deltaJSON,
		s.DeltaCursor, s.BaselineCRC32, s.BaselineSize, boolToInt(s.Signed), shortID)
	return err
}

// ClearOTASession deletes the active OTA session (success or abort).
func (db *DB) ClearOTASession(shortID string) error {
	_, err := db.conn.Exec(`
		UPDATE device_state SET ota_active = 0, ota_session_id = '', ota_bucket = '', ota_key = '', ota_size = 0,
			ota_crc32 = 0, ota_total_chunks = 0, ota_chunk_size = 0, ota_version = 0, ota_next_chunk = 0,
			ota_highest_acked = 0, ota_retries = 0, ota_restarts = 0, ota_status = '', ota_started_at = 0,
			ota_updated_at = 0, ota_delta_chunks = '', ota_delta_cursor = 0, ota_signed = 0
		WHERE device_short_id = ?`, shortID)
	return err
}

// UpdateTimeSync records a successful device time sync.
func (db *DB) UpdateTimeSync(shortID string, t TimeSyncState) error {
	_, err := db.conn.Exec(`UPDATE device_state SET last_sync_unix = ?, last_sync_epoch = ? WHERE device_short_id = ?`,
		t.LastSyncUnix, t.LastSyncEpoch, shortID)
	return err
}

// UpdateDivergence records the divergence tracker.
func (db *DB) UpdateDivergence(shortID string, d DivergenceTracker) error {
	_, err := db.conn.Exec(`
		UPDATE device_state SET divergence_retry_count = ?, divergence_last_unix = ?,
			divergence_scheduler_cmd = ?, divergence_device_allowed = ? WHERE device_short_id = ?`,
		d.RetryCount, d.LastUnix, d.SchedulerCmd, boolToInt(d.DeviceAllowed), shortID)
	return err
}

// SetChargeNowOverride records the charge-now override expiry.
func (db *DB) SetChargeNowOverride(shortID string, overrideUntil int64) error {
	_, err := db.conn.Exec(`UPDATE device_state SET charge_now_override_until = ? WHERE device_short_id = ?`,
		overrideUntil, shortID)
	return err
}
