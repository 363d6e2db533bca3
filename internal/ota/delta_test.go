package ota

import "testing"

func TestComputeDeltaChunksIdenticalImages(t *testing.T) {
	fw := []byte("abcdefghijklmno")
	base := make([]byte, len(fw))
	copy(base, fw)

	delta := ComputeDeltaChunks(base, fw, 5)
	if len(delta) != 0 {
		t.Fatalf("delta = %v, want empty for identical images", delta)
	}
}

func TestComputeDeltaChunksDetectsChangedChunk(t *testing.T) {
	fw := []byte("AAAAABBBBBCCCCC") // 3 chunks of 5
	base := []byte("AAAAAXXXXXCCCCC")

	delta := ComputeDeltaChunks(base, fw, 5)
	if len(delta) != 1 || delta[0] != 1 {
		t.Fatalf("delta = %v, want [1]", delta)
	}
}

func TestComputeDeltaChunksShorterBaselineTreatedAsPadded(t *testing.T) {
	fw := make([]byte, 10)
	for i := range fw {
		fw[i] = 0xFF
	}
	base := fw[:5] // shorter baseline, remainder virtually 0xFF-padded

	delta := ComputeDeltaChunks(base, fw, 5)
	if len(delta) != 0 {
		t.Fatalf("delta = %v, want empty: missing baseline tail matches 0xFF padding", delta)
	}
}

func TestComputeDeltaChunksBaselineLongerThanFirmwareChunk(t *testing.T) {
	fw := []byte("AAAAA")
	base := []byte("AAAAAXXXXX") // baseline has an extra chunk's worth of bytes

	if !chunksDiffer(fw, base) {
		t.Fatalf("expected chunksDiffer to report a difference when baseline is longer")
	}
}
