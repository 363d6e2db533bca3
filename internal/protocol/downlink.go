package protocol

// BuildChargeAllow builds the legacy 4 B charge-control downlink that
// cancels any in-flight delay window: [0x10, allow?1:0, 0, 0].
func BuildChargeAllow(allow bool) []byte {
	out := []byte{CmdChargeControl, 0x00, 0x00, 0x00}
	if allow {
		out[1] = 0x01
	}
	return out
}

// BuildDelayWindow builds the 10 B delay-window downlink:
// [0x10, 0x02, start_sc LE32, end_sc LE32].
func BuildDelayWindow(startSC, endSC uint32) []byte {
	out := make([]byte, 10)
	out[0] = CmdChargeControl
	out[1] = 0x02
	putLE32(out[2:6], startSC)
	putLE32(out[6:10], endSC)
	return out
}

// BuildTimeSync builds the 9 B time-sync downlink:
// [0x30, epoch_sc LE32, watermark_sc LE32].
func BuildTimeSync(epochSC, watermarkSC uint32) []byte {
	out := make([]byte, 9)
	out[0] = CmdTimeSync
	putLE32(out[1:5], epochSC)
	putLE32(out[5:9], watermarkSC)
	return out
}

// BuildDiagRequest builds the 1 B diagnostics-request downlink.
func BuildDiagRequest() []byte {
	return []byte{CmdDiagRequest}
}
