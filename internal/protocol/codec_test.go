package protocol

import (
	"bytes"
	"testing"
)

func TestDecodeTelemetryV01(t *testing.T) {
	// The legacy v0x01 telemetry frame: E5 01 01 A4 0B 00 00 00
	raw := []byte{0xE5, 0x01, 0x01, 0xA4, 0x0B, 0x00, 0x00, 0x00}
	ev, ok := DecodeTelemetry(raw)
	if !ok {
		t.Fatalf("expected decode success")
	}
	if ev.State != "A" {
		t.Errorf("state = %q, want A", ev.State)
	}
	if ev.PilotMV != 2980 {
		t.Errorf("pilotMV = %d, want 2980", ev.PilotMV)
	}
	if ev.CurrentMA != 0 {
		t.Errorf("currentMA = %d, want 0", ev.CurrentMA)
	}
	if ev.ThermostatHeat || ev.ThermostatCool {
		t.Errorf("unexpected thermostat flags")
	}
	if ev.FaultSensor || ev.FaultClamp || ev.FaultInterlock || ev.FaultSelftest {
		t.Errorf("unexpected fault flags")
	}
}

func TestDecodeTelemetryRejectsBadState(t *testing.T) {
	raw := []byte{0xE5, 0x06, 0x07, 0x00, 0x00, 0x00, 0x00, 0x00}
	if _, ok := DecodeTelemetry(raw); ok {
		t.Fatalf("expected decode failure for state code 7")
	}
}

func TestDecodeTelemetryRejectsBadVoltage(t *testing.T) {
	raw := []byte{0xE5, 0x06, 0x01, 0xFF, 0xFF, 0x00, 0x00, 0x00}
	if _, ok := DecodeTelemetry(raw); ok {
		t.Fatalf("expected decode failure for out-of-range mV")
	}
}

func TestDecodeTelemetryV0A(t *testing.T) {
	raw := make([]byte, 15)
	raw[0] = TelemetryMagic
	raw[1] = 0x0A
	raw[2] = 3 // state C
	putLE16(raw[3:5], 6600)
	putLE16(raw[5:7], 16000)
	raw[7] = 0x0C // charge_allowed + charge_now bits set
	putLE32(raw[8:12], 1000)
	raw[12] = 2 // delay_window
	raw[13] = 5
	raw[14] = 7

	ev, ok := DecodeTelemetry(raw)
	if !ok {
		t.Fatalf("expected decode success")
	}
	if !ev.ChargeAllowed || !ev.ChargeNow {
		t.Errorf("expected charge_allowed and charge_now set")
	}
	if ev.DeviceEpochSec != 1000 {
		t.Errorf("device epoch = %d, want 1000", ev.DeviceEpochSec)
	}
	if ev.TransitionReason != "delay_window" {
		t.Errorf("transition reason = %q, want delay_window", ev.TransitionReason)
	}
	if ev.AppBuildVersion != 5 || ev.PlatformBuildVersion != 7 {
		t.Errorf("unexpected build versions: %d/%d", ev.AppBuildVersion, ev.PlatformBuildVersion)
	}
}

func TestBuildOTAChunkLength(t *testing.T) {
	data := []byte{1, 2, 3, 4, 5}
	out := BuildOTAChunk(0x0102, data)
	if len(out) != 4+len(data) {
		t.Fatalf("length = %d, want %d", len(out), 4+len(data))
	}
	want := []byte{0x20, 0x02, 0x02, 0x01}
	if !bytes.Equal(out[:4], want) {
		t.Errorf("header = % x, want % x", out[:4], want)
	}
}

func TestBuildDelayWindowMTU(t *testing.T) {
	out := BuildDelayWindow(100, 200)
	if len(out) != 10 {
		t.Fatalf("length = %d, want 10", len(out))
	}
	if len(out) > MaxDownlinkBytes {
		t.Errorf("exceeds MTU: %d", len(out))
	}
}

func TestBuildChargeAllowLegacy(t *testing.T) {
	out := BuildChargeAllow(true)
	want := []byte{0x10, 0x01, 0x00, 0x00}
	if !bytes.Equal(out, want) {
		t.Errorf("got % x, want % x", out, want)
	}
}

func TestDecodeOTAAck(t *testing.T) {
	raw := []byte{0x20, 0x80, 0x00, 0x01, 0x00, 0x01, 0x00}
	v, ok := DecodeOTAUplink(raw)
	if !ok {
		t.Fatalf("expected decode success")
	}
	ack, isAck := v.(*OTAAck)
	if !isAck {
		t.Fatalf("expected *OTAAck, got %T", v)
	}
	if ack.Status != 0 || ack.NextChunk != 1 || ack.ChunksReceived != 1 {
		t.Errorf("unexpected ack: %+v", ack)
	}
}

func TestDecodePayloadLegacyFallback(t *testing.T) {
	raw := []byte{0xAA, 0xBB, 0x01, 0x03, 0xA4, 0x0B, 0x00, 0x00, 0x00}
	up := DecodePayload(raw)
	if up.Kind != KindLegacy {
		t.Fatalf("kind = %v, want KindLegacy", up.Kind)
	}
	if up.Legacy.State != "C" {
		t.Errorf("state = %q, want C", up.Legacy.State)
	}
}

func TestDecodePayloadUnknown(t *testing.T) {
	raw := []byte{0x99, 0x99, 0x99}
	up := DecodePayload(raw)
	if up.Kind != KindUnknown {
		t.Fatalf("kind = %v, want KindUnknown", up.Kind)
	}
}
