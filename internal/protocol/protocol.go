// Package protocol implements the SideCharge wire-format codec: framed
// binary uplink telemetry/diagnostics/OTA parsing and downlink command
// construction for the ≤19 B-MTU LoRa/Sidewalk link. All multi-byte
// integers are little-endian.
package protocol

import (
	"encoding/binary"
	"hash/crc32"
)

// Contract-level constants for the wire format.
const (
	MaxDownlinkBytes = 19
	ChunkDataSize    = 15

	// EpochOffset converts a Unix second to the on-wire device epoch
	// (2026-01-01T00:00:00Z).
	EpochOffset = 1767225600

	TelemetryMagic   = 0xE5
	DiagnosticsMagic = 0xE6

	CmdChargeControl = 0x10
	CmdOTA           = 0x20
	CmdTimeSync      = 0x30
	CmdDiagRequest   = 0x40

	OTASubStart = 0x01
	OTASubChunk = 0x02
	OTASubAbort = 0x03

	OTAUplinkACK      = 0x80
	OTAUplinkComplete = 0x81
	OTAUplinkStatus   = 0x82
)

// ToDeviceEpoch converts a Unix second count to the on-wire device epoch.
func ToDeviceEpoch(unixSec int64) uint32 {
	v := unixSec - EpochOffset
	if v < 0 {
		return 0
	}
	return uint32(v)
}

// FromDeviceEpoch converts an on-wire device epoch back to Unix seconds.
func FromDeviceEpoch(sc uint32) int64 {
	return int64(sc) + EpochOffset
}

// CRC32 computes IEEE-802.3 CRC32, matching the firmware's crc32_ieee.
func CRC32(data []byte) uint32 {
	return crc32.ChecksumIEEE(data)
}

func le16(b []byte) uint16 { return binary.LittleEndian.Uint16(b) }
func le32(b []byte) uint32 { return binary.LittleEndian.Uint32(b) }

func putLE16(b []byte, v uint16) { binary.LittleEndian.PutUint16(b, v) }
func putLE32(b []byte, v uint32) { binary.LittleEndian.PutUint32(b, v) }
