package gateway

import (
	"bytes"
	"testing"
)

func TestMarshalDownlinkFrameRoundTripsViaTxAck(t *testing.T) {
	frame := marshalDownlinkFrame(42, "SC-ABCDEF01", TransmitReliable, []byte{0x10, 0x01})
	if frame[4] != byte(TransmitReliable) {
		t.Fatalf("transmit mode byte = %d, want %d", frame[4], TransmitReliable)
	}
	if int(frame[5]) != len("SC-ABCDEF01") {
		t.Fatalf("device id length byte = %d, want %d", frame[5], len("SC-ABCDEF01"))
	}

	ack := make([]byte, 5)
	ack[0], ack[1], ack[2], ack[3] = 42, 0, 0, 0
	ack[4] = byte(TxAckOK)
	id, status, err := unmarshalTxAck(ack)
	if err != nil {
		t.Fatalf("unmarshalTxAck: %v", err)
	}
	if id != 42 || status != TxAckOK {
		t.Fatalf("id=%d status=%v, want 42/ok", id, status)
	}
}

func TestUnmarshalUplinkFrameExtractsDeviceIDAndPayload(t *testing.T) {
	deviceID := "SC-ABCDEF01"
	data := append([]byte{byte(len(deviceID))}, append([]byte(deviceID), 0xE5, 0x07)...)

	gotID, payload, err := unmarshalUplinkFrame(data)
	if err != nil {
		t.Fatalf("unmarshalUplinkFrame: %v", err)
	}
	if gotID != deviceID {
		t.Fatalf("device id = %q, want %q", gotID, deviceID)
	}
	if !bytes.Equal(payload, []byte{0xE5, 0x07}) {
		t.Fatalf("payload = % x, want E5 07", payload)
	}
}

func TestUnmarshalUplinkFrameRejectsTruncatedDeviceID(t *testing.T) {
	if _, _, err := unmarshalUplinkFrame([]byte{10, 'a', 'b'}); err == nil {
		t.Fatal("expected an error for a truncated device id")
	}
}

func TestUnmarshalTxAckRejectsShortInput(t *testing.T) {
	if _, _, err := unmarshalTxAck([]byte{1, 2, 3}); err == nil {
		t.Fatal("expected an error for a too-short tx ack")
	}
}
