package protocol

import "fmt"

// J1772 pilot states. 0 is UNKNOWN; 1..6 map to SAE J1772 states A..F.
var j1772Names = [...]string{"UNKNOWN", "A", "B", "C", "D", "E", "F"}

func j1772Name(code uint8) string {
	if int(code) < len(j1772Names) {
		return j1772Names[code]
	}
	return "UNKNOWN"
}

var transitionReasonNames = map[uint8]string{
	0: "none",
	1: "cloud_cmd",
	2: "delay_window",
	3: "charge_now",
	4: "auto_resume",
	5: "manual",
}

func transitionReasonName(code uint8) string {
	if name, ok := transitionReasonNames[code]; ok {
		return name
	}
	return fmt.Sprintf("unknown_%d", code)
}

// TelemetryEvent is the decoded form of an evse_telemetry uplink (magic
// 0xE5). Fields introduced by later wire versions are zero-valued when the
// frame's version doesn't carry them.
type TelemetryEvent struct {
	Version   uint8
	StateCode uint8
	State     string
	PilotMV   uint16
	CurrentMA uint16

	ThermostatHeat bool // only meaningful for Version <= 0x07
	ThermostatCool bool

	HasChargeState bool // Version >= 0x07
	ChargeAllowed  bool
	ChargeNow      bool

	FaultSensor    bool
	FaultClamp     bool
	FaultInterlock bool
	FaultSelftest  bool

	HasDeviceEpoch bool // Version >= 0x07
	DeviceEpochSec uint32

	HasTransitionReason bool // Version >= 0x09
	TransitionReason    string

	HasBuildVersions     bool // Version >= 0x0A
	AppBuildVersion      uint8
	PlatformBuildVersion uint8
}

func telemetryFrameLen(version uint8) (int, bool) {
	switch version {
	case 0x01, 0x06:
		// 0x01 is the original firmware's telemetry version; the reference
		// decoder never validated it against a whitelist, only the magic
		// byte, so it carries the same 8-byte layout as 0x06.
		return 8, true
	case 0x07, 0x08:
		return 12, true
	case 0x09:
		return 13, true
	case 0x0A:
		return 15, true
	default:
		return 0, false
	}
}

// DecodeTelemetry parses an evse_telemetry uplink. It returns ok=false for
// any malformed frame (wrong magic, unrecognized version, wrong length, or
// an out-of-range field) rather than silently clamping; callers store the
// raw bytes as an `unknown` event in that case.
func DecodeTelemetry(b []byte) (*TelemetryEvent, bool) {
	if len(b) < 2 || b[0] != TelemetryMagic {
		return nil, false
	}
	version := b[1]
	wantLen, known := telemetryFrameLen(version)
	if !known || len(b) != wantLen {
		return nil, false
	}

	state := b[2]
	mv := le16(b[3:5])
	ma := le16(b[5:7])
	flags := b[7]

	if state > 6 || mv > 15000 || int(ma) > 100000 {
		return nil, false
	}

	ev := &TelemetryEvent{
		Version:   version,
		StateCode: state,
		State:     j1772Name(state),
		PilotMV:   mv,
		CurrentMA: ma,

		FaultSensor:    flags&0x10 != 0,
		FaultClamp:     flags&0x20 != 0,
		FaultInterlock: flags&0x40 != 0,
		FaultSelftest:  flags&0x80 != 0,
	}

	if version <= 0x07 {
		ev.ThermostatHeat = flags&0x01 != 0
	}
	ev.ThermostatCool = flags&0x02 != 0

	if version >= 0x07 {
		ev.HasChargeState = true
		ev.ChargeAllowed = flags&0x04 != 0
		ev.ChargeNow = flags&0x08 != 0

		ev.HasDeviceEpoch = true
		ev.DeviceEpochSec = le32(b[8:12])
	}

	if version >= 0x09 {
		ev.HasTransitionReason = true
		reasonCode := b[12]
		ev.TransitionReason = transitionReasonName(reasonCode)
	}

	if version >= 0x0A {
		ev.HasBuildVersions = true
		ev.AppBuildVersion = b[13]
		ev.PlatformBuildVersion = b[14]
	}

	return ev, true
}
