package ota

// ComputeDeltaChunks returns the sorted absolute chunk indices whose bytes
// differ between firmware and baseline, treating baseline as 0xFF-padded
// where it is shorter than firmware (grounded on
// original_source/aws/ota_sender_lambda.py compute_delta_chunks).
func ComputeDeltaChunks(baseline, firmware []byte, chunkSize int) []int {
	var delta []int
	total := (len(firmware) + chunkSize - 1) / chunkSize

	for i := 0; i < total; i++ {
		start := i * chunkSize
		end := start + chunkSize
		if end > len(firmware) {
			end = len(firmware)
		}
		fwChunk := firmware[start:end]

		var baseChunk []byte
		if start < len(baseline) {
			bEnd := end
			if bEnd > len(baseline) {
				bEnd = len(baseline)
			}
			baseChunk = baseline[start:bEnd]
		}

		if chunksDiffer(fwChunk, baseChunk) {
			delta = append(delta, i)
		}
	}
	return delta
}

// chunksDiffer compares a firmware chunk against a baseline chunk that may
// be shorter (0xFF-padded virtually) or entirely absent.
func chunksDiffer(fw, base []byte) bool {
	for i, b := range fw {
		var baseByte byte = 0xFF
		if i < len(base) {
			baseByte = base[i]
		}
		if b != baseByte {
			return true
		}
	}
	return len(base) > len(fw)
}
