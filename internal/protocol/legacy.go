package protocol

import "encoding/hex"

// LegacyTelemetry is the decoded form of a pre-0xE5 wrapped telemetry
// payload, kept for already-deployed legacy-firmware devices as read-only
// backward compatibility.
type LegacyTelemetry struct {
	StateCode      uint8
	State          string
	PilotMV        uint16
	CurrentMA      uint16
	ThermostatBits uint8
}

const legacyPayloadType = 0x01

// decodeLegacyEnvelope scans for a 0x01 type byte followed by a plausible
// 6-byte legacy telemetry record, the way the original Sidewalk demo
// wrapper embedded it at a variable offset.
func decodeLegacyEnvelope(b []byte) (*LegacyTelemetry, bool) {
	if len(b) < 7 {
		return nil, false
	}
	for offset := 0; offset <= len(b)-6; offset++ {
		if b[offset] != legacyPayloadType {
			continue
		}
		state := b[offset+1]
		if state > 6 {
			continue
		}
		mv := le16(b[offset+2 : offset+4])
		ma := le16(b[offset+4 : offset+6])
		if mv > 15000 || int(ma) > 100000 {
			continue
		}
		var thermostat uint8
		if offset+6 < len(b) {
			thermostat = b[offset+6]
		}
		return &LegacyTelemetry{
			StateCode:      state,
			State:          j1772Name(state),
			PilotMV:        mv,
			CurrentMA:      ma,
			ThermostatBits: thermostat,
		}, true
	}
	return nil, false
}

// UplinkKind discriminates the closed sum type every uplink decodes to.
type UplinkKind int

const (
	KindUnknown UplinkKind = iota
	KindTelemetry
	KindDiagnostics
	KindOTAAck
	KindOTAComplete
	KindOTAStatus
	KindLegacy
)

// Uplink is the result of decoding one uplink frame. Exactly one of the
// typed fields is populated, selected by Kind.
type Uplink struct {
	Kind        UplinkKind
	Telemetry   *TelemetryEvent
	Diagnostics *DiagnosticsEvent
	OTAAck      *OTAAck
	OTAComplete *OTAComplete
	OTAStatus   *OTAStatusReport
	Legacy      *LegacyTelemetry
	Raw         []byte
}

// DecodePayload decodes one uplink payload, trying (in order): ASCII-hex
// unwrapping, the canonical framed formats by magic byte, and finally the
// legacy variable-offset envelope. It never returns an error — a frame
// that doesn't match anything comes back as KindUnknown with Raw set, so
// the caller can still store it for forensics.
func DecodePayload(raw []byte) Uplink {
	b := unwrapASCIIHex(raw)

	if len(b) >= 1 {
		switch b[0] {
		case TelemetryMagic:
			if ev, ok := DecodeTelemetry(b); ok {
				return Uplink{Kind: KindTelemetry, Telemetry: ev, Raw: raw}
			}
		case DiagnosticsMagic:
			if ev, ok := DecodeDiagnostics(b); ok {
				return Uplink{Kind: KindDiagnostics, Diagnostics: ev, Raw: raw}
			}
		case CmdOTA:
			if v, ok := DecodeOTAUplink(b); ok {
				switch t := v.(type) {
				case *OTAAck:
					return Uplink{Kind: KindOTAAck, OTAAck: t, Raw: raw}
				case *OTAComplete:
					return Uplink{Kind: KindOTAComplete, OTAComplete: t, Raw: raw}
				case *OTAStatusReport:
					return Uplink{Kind: KindOTAStatus, OTAStatus: t, Raw: raw}
				}
			}
		}
	}

	if legacy, ok := decodeLegacyEnvelope(b); ok {
		return Uplink{Kind: KindLegacy, Legacy: legacy, Raw: raw}
	}

	return Uplink{Kind: KindUnknown, Raw: raw}
}

// unwrapASCIIHex detects a payload that is itself an ASCII hex string
// (legacy encoding seen on some gateways) and decodes it; otherwise it
// returns the input unchanged.
func unwrapASCIIHex(b []byte) []byte {
	if len(b) == 0 || len(b)%2 != 0 {
		return b
	}
	for _, c := range b {
		isHex := (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')
		if !isHex {
			return b
		}
	}
	decoded := make([]byte, hex.DecodedLen(len(b)))
	n, err := hex.Decode(decoded, b)
	if err != nil {
		return b
	}
	return decoded[:n]
}
