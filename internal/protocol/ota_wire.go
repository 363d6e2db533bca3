package protocol

import "fmt"

// OTA uplink ACK status codes.
const (
	OTAStatusOK        = 0
	OTAStatusCRCErr    = 1
	OTAStatusFlashErr  = 2
	OTAStatusNoSession = 3
	OTAStatusSizeErr   = 4
)

func OTAStatusName(code uint8) string {
	switch code {
	case OTAStatusOK:
		return "ok"
	case OTAStatusCRCErr:
		return "crc_err"
	case OTAStatusFlashErr:
		return "flash_err"
	case OTAStatusNoSession:
		return "no_session"
	case OTAStatusSizeErr:
		return "size_err"
	default:
		return fmt.Sprintf("unknown_%d", code)
	}
}

// OTAAck is the decoded form of an OTA uplink ACK (cmd 0x20, sub 0x80, 7 B).
type OTAAck struct {
	Status        uint8
	NextChunk     uint16
	ChunksReceived uint16
}

// OTAComplete is the decoded form of an OTA uplink COMPLETE (cmd 0x20, sub
// 0x81, 7 B).
type OTAComplete struct {
	Result   uint8
	CRC32Calc uint32
}

// OTAStatusReport is the decoded form of an OTA uplink STATUS (cmd 0x20,
// sub 0x82, 11 B).
type OTAStatusReport struct {
	Phase          uint8
	ChunksReceived uint16
	TotalChunks    uint16
	AppVersion     uint32
}

// DecodeOTAUplink dispatches an OTA uplink frame (body starts at cmd byte
// 0x20) to the matching decoder based on the subtype byte.
func DecodeOTAUplink(b []byte) (any, bool) {
	if len(b) < 2 || b[0] != CmdOTA {
		return nil, false
	}
	switch b[1] {
	case OTAUplinkACK:
		if len(b) != 7 {
			return nil, false
		}
		return &OTAAck{
			Status:         b[2],
			NextChunk:      le16(b[3:5]),
			ChunksReceived: le16(b[5:7]),
		}, true
	case OTAUplinkComplete:
		if len(b) != 7 {
			return nil, false
		}
		return &OTAComplete{
			Result:    b[2],
			CRC32Calc: le32(b[3:7]),
		}, true
	case OTAUplinkStatus:
		if len(b) != 11 {
			return nil, false
		}
		return &OTAStatusReport{
			Phase:          b[2],
			ChunksReceived: le16(b[3:5]),
			TotalChunks:    le16(b[5:7]),
			AppVersion:     le32(b[7:11]),
		}, true
	default:
		return nil, false
	}
}

// BuildOTAStart builds the OTA START downlink (18 B, or 19 B with the
// signed-image flags byte set).
func BuildOTAStart(size uint32, totalChunks uint16, chunkSize uint16, crc32 uint32, version uint32, signed bool) []byte {
	n := 18
	if signed {
		n = 19
	}
	out := make([]byte, n)
	out[0] = CmdOTA
	out[1] = OTASubStart
	putLE32(out[2:6], size)
	putLE16(out[6:8], totalChunks)
	putLE16(out[8:10], chunkSize)
	putLE32(out[10:14], crc32)
	putLE32(out[14:18], version)
	if signed {
		out[18] = 0x01
	}
	return out
}

// BuildOTAChunk builds an OTA CHUNK downlink: [0x20, 0x02, idx LE16, data...].
func BuildOTAChunk(idx uint16, data []byte) []byte {
	out := make([]byte, 4+len(data))
	out[0] = CmdOTA
	out[1] = OTASubChunk
	putLE16(out[2:4], idx)
	copy(out[4:], data)
	return out
}

// BuildOTAAbort builds the 2 B OTA ABORT downlink.
func BuildOTAAbort() []byte {
	return []byte{CmdOTA, OTASubAbort}
}
