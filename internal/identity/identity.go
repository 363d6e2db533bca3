// Package identity derives stable short device IDs from transport UUIDs
// and auto-provisions registry entries, grounded on
// original_source/aws/device_registry.py's generate_sc_short_id /
// get_or_create_device / update_last_seen.
package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

// ShortID derives "SC-XXXXXXXX" from a transport UUID: the uppercase hex
// of the first 4 bytes of SHA-256(uuid).
func ShortID(transportUUID string) string {
	sum := sha256.Sum256([]byte(transportUUID))
	return "SC-" + strings.ToUpper(hex.EncodeToString(sum[:4]))
}

// DeviceStatus is the device registry's lifecycle status.
type DeviceStatus string

const (
	StatusActive  DeviceStatus = "active"
	StatusRetired DeviceStatus = "retired"
)

// Device is one row of the device registry.
type Device struct {
	ShortID        string
	TransportUUID  string
	NetworkID      string
	Status         DeviceStatus
	LastSeen       time.Time
	AppBuildVersion uint16
	CreatedAt      time.Time
}

// Registry is the subset of the state store that the identity layer needs.
// internal/store.DB implements this.
type Registry interface {
	GetDevice(shortID string) (*Device, bool, error)
	InsertDevice(d *Device) error
	UpdateLastSeen(shortID string, seenAt time.Time, appBuildVersion *uint16) error
}

// GetOrCreate looks up a device by transport UUID, auto-provisioning a new
// registry row on first uplink. Owner/email fields are never set here —
// they start absent so a sparse owner-index never lists an unclaimed
// device.
func GetOrCreate(reg Registry, transportUUID, networkID string, now time.Time) (*Device, error) {
	shortID := ShortID(transportUUID)

	existing, found, err := reg.GetDevice(shortID)
	if err != nil {
		return nil, err
	}
	if found {
		return existing, nil
	}

	d := &Device{
		ShortID:       shortID,
		TransportUUID: transportUUID,
		NetworkID:     networkID,
		Status:        StatusActive,
		LastSeen:      now,
		CreatedAt:     now,
	}
	if err := reg.InsertDevice(d); err != nil {
		return nil, err
	}
	return d, nil
}

// TouchLastSeen performs a partial update of last-seen (and, when
// supplied, the reported app-build version) without disturbing any other
// registry field.
func TouchLastSeen(reg Registry, shortID string, seenAt time.Time, appBuildVersion *uint16) error {
	return reg.UpdateLastSeen(shortID, seenAt, appBuildVersion)
}
