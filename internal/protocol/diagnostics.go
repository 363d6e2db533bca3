package protocol

import "fmt"

var lastErrorNames = map[uint8]string{
	0: "none",
	1: "flash_write_fail",
	2: "watchdog_reset",
	3: "brownout",
	4: "radio_timeout",
	5: "relay_stuck",
}

func lastErrorName(code uint8) string {
	if name, ok := lastErrorNames[code]; ok {
		return name
	}
	return fmt.Sprintf("unknown_%d", code)
}

// DiagnosticsEvent is the decoded form of a device_diagnostics uplink
// (magic 0xE6, fixed 15 B).
type DiagnosticsEvent struct {
	DiagVersion   uint8
	AppVersion    uint16
	UptimeSec     uint32
	BootCount     uint16
	LastErrorCode uint8
	LastError     string

	ChargingActive    bool
	RelayClosed       bool
	GFCITripped       bool
	Overtemp          bool
	OTAPending        bool
	TimeSynced        bool
	FaultLatched      bool
	EventBufferPending uint8

	AppBuildVersion      uint8
	PlatformBuildVersion uint8
}

// DecodeDiagnostics parses a device_diagnostics uplink.
func DecodeDiagnostics(b []byte) (*DiagnosticsEvent, bool) {
	if len(b) != 15 || b[0] != DiagnosticsMagic {
		return nil, false
	}

	flags := b[11]

	return &DiagnosticsEvent{
		DiagVersion:        b[1],
		AppVersion:         le16(b[2:4]),
		UptimeSec:          le32(b[4:8]),
		BootCount:          le16(b[8:10]),
		LastErrorCode:      b[10],
		LastError:          lastErrorName(b[10]),
		ChargingActive:     flags&0x01 != 0,
		RelayClosed:        flags&0x02 != 0,
		GFCITripped:        flags&0x04 != 0,
		Overtemp:           flags&0x08 != 0,
		OTAPending:         flags&0x10 != 0,
		TimeSynced:         flags&0x20 != 0,
		FaultLatched:       flags&0x40 != 0,
		EventBufferPending: b[12],
		AppBuildVersion:      b[13],
		PlatformBuildVersion: b[14],
	}, true
}
