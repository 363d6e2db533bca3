// Package gateway implements the radio-gateway transport: a ZeroMQ
// SUB/REQ link to a Sidewalk network-server-facing daemon, standing in
// for the wireless transport as an opaque unicast downlink channel.
// Grounded on AgSys's internal/lora/concentratord.go and
// internal/lora/gw, adapted from LoRaWAN/Concentratord PHY framing to
// Sidewalk's wireless-device-ID + transmit-mode model
// (original_source/aws/sidewalk_utils.py send_sidewalk_msg).
package gateway

import (
	"encoding/binary"
	"fmt"
)

// TransmitMode mirrors AWS IoT Wireless's Sidewalk transmit mode.
type TransmitMode uint8

const (
	TransmitBestEffort TransmitMode = 0
	TransmitReliable   TransmitMode = 1
)

// TxAckStatus is the result of a downlink transmission attempt.
type TxAckStatus uint8

const (
	TxAckOK TxAckStatus = iota
	TxAckQueueFull
	TxAckDeviceUnreachable
	TxAckInternalError
)

func (s TxAckStatus) String() string {
	switch s {
	case TxAckOK:
		return "ok"
	case TxAckQueueFull:
		return "queue_full"
	case TxAckDeviceUnreachable:
		return "device_unreachable"
	default:
		return "internal_error"
	}
}

// marshalDownlinkFrame serializes a downlink command for the daemon's REQ
// socket: 4 B downlink ID, 1 B transmit mode, 1 B device-id length, device
// ID bytes, 2 B payload length, payload bytes.
func marshalDownlinkFrame(downlinkID uint32, transportUUID string, mode TransmitMode, payload []byte) []byte {
	idBytes := []byte(transportUUID)
	buf := make([]byte, 4+1+1+len(idBytes)+2+len(payload))
	binary.LittleEndian.PutUint32(buf[0:4], downlinkID)
	buf[4] = byte(mode)
	buf[5] = byte(len(idBytes))
	n := 6
	copy(buf[n:], idBytes)
	n += len(idBytes)
	binary.LittleEndian.PutUint16(buf[n:n+2], uint16(len(payload)))
	n += 2
	copy(buf[n:], payload)
	return buf
}

// unmarshalTxAck parses the daemon's reply to a downlink send.
func unmarshalTxAck(data []byte) (downlinkID uint32, status TxAckStatus, err error) {
	if len(data) < 5 {
		return 0, 0, fmt.Errorf("gateway: tx ack too short: %d bytes", len(data))
	}
	return binary.LittleEndian.Uint32(data[0:4]), TxAckStatus(data[4]), nil
}

// unmarshalUplinkFrame parses an event-socket frame pair into a device ID
// and payload: 1 B device-id length, device ID bytes, remainder is
// payload.
func unmarshalUplinkFrame(data []byte) (transportUUID string, payload []byte, err error) {
	if len(data) < 1 {
		return "", nil, fmt.Errorf("gateway: uplink frame empty")
	}
	idLen := int(data[0])
	if len(data) < 1+idLen {
		return "", nil, fmt.Errorf("gateway: uplink frame truncated device id")
	}
	transportUUID = string(data[1 : 1+idLen])
	payload = data[1+idLen:]
	return transportUUID, payload, nil
}
