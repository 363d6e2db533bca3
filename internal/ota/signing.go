// signing.go implements ED25519 firmware signing/verification, grounded on
// original_source/aws/ota_signing.py. crypto/ed25519 is the idiomatic
// stdlib primitive for this — no third-party library in the example pack
// offers an ED25519 alternative, so no ecosystem dependency is dropped
// here (see DESIGN.md).
package ota

import (
	"crypto/ed25519"
	"fmt"
)

const SignatureSize = ed25519.SignatureSize // 64

// SignFirmware appends a 64-byte ED25519 signature to a firmware image.
func SignFirmware(priv ed25519.PrivateKey, firmware []byte) []byte {
	sig := ed25519.Sign(priv, firmware)
	out := make([]byte, len(firmware)+len(sig))
	copy(out, firmware)
	copy(out[len(firmware):], sig)
	return out
}

// VerifyFirmware splits a signed image into firmware bytes and signature,
// returning the firmware and true only if the signature verifies.
func VerifyFirmware(pub ed25519.PublicKey, signed []byte) ([]byte, bool) {
	if len(signed) <= SignatureSize {
		return nil, false
	}
	firmware := signed[:len(signed)-SignatureSize]
	sig := signed[len(signed)-SignatureSize:]
	return firmware, ed25519.Verify(pub, firmware, sig)
}

// ParsePublicKey validates a raw 32-byte ED25519 public key.
func ParsePublicKey(raw []byte) (ed25519.PublicKey, error) {
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("ota: public key must be %d bytes, got %d", ed25519.PublicKeySize, len(raw))
	}
	return ed25519.PublicKey(raw), nil
}
