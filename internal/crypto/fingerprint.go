package crypto

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"cipherroom/internal/domain"
)

// Fingerprint returns a short grouped hex fingerprint of a public key.
//
// It hashes with SHA-256 and truncates to 10 bytes, shown as five groups of
// four hex characters.
func Fingerprint(pub []byte) domain.Fingerprint {
	sum := sha256.Sum256(pub)
	h := hex.EncodeToString(sum[:10])
	groups := make([]string, 0, len(h)/4)
	for i := 0; i < len(h); i += 4 {
		groups = append(groups, h[i:i+4])
	}
	return domain.Fingerprint(strings.Join(groups, " "))
}

// DeviceFingerprint fingerprints a device by its signing key.
func DeviceFingerprint(pub domain.Ed25519Public) domain.Fingerprint {
	return Fingerprint(pub[:])
}
