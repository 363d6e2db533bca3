package cmdauth

import "testing"

func testKey() []byte {
	k := make([]byte, KeySize)
	for i := range k {
		k[i] = byte(i)
	}
	return k
}

func TestSignVerifyRoundTrip(t *testing.T) {
	key := testKey()
	payload := []byte{0x10, 0x02, 1, 2, 3, 4, 5, 6, 7, 8}

	tag, err := Sign(key, payload)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if len(tag) != TagSize {
		t.Fatalf("tag length = %d, want %d", len(tag), TagSize)
	}
	if !Verify(key, payload, tag) {
		t.Errorf("Verify rejected a valid tag")
	}
}

func TestVerifyRejectsTamperedPayload(t *testing.T) {
	key := testKey()
	payload := []byte{0x10, 0x02, 1, 2, 3, 4, 5, 6, 7, 8}
	tag, _ := Sign(key, payload)

	tampered := append([]byte(nil), payload...)
	tampered[2] ^= 0xFF

	if Verify(key, tampered, tag) {
		t.Errorf("Verify accepted a tampered payload")
	}
}

func TestAppendStaysWithinMTU(t *testing.T) {
	key := testKey()
	delayWindow := []byte{0x10, 0x02, 1, 2, 3, 4, 5, 6, 7, 8} // 10 B
	signed, err := Append(key, delayWindow)
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if len(signed) != 18 {
		t.Fatalf("signed length = %d, want 18", len(signed))
	}
}

func TestSignRejectsWrongKeySize(t *testing.T) {
	if _, err := Sign([]byte("short"), []byte("payload")); err == nil {
		t.Fatalf("expected error for short key")
	}
}
