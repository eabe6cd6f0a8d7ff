package crypto

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"omemo/internal/domain"
)

// Fingerprint returns a short hex fingerprint of a public key.
//
// It hashes with SHA-256 and truncates to 10 bytes (20 hex chars).
func Fingerprint(pub []byte) string {
	sum := sha256.Sum256(pub)
	return hex.EncodeToString(sum[:10])
}

// IdentityFingerprint renders an identity key for manual comparison, in
// groups of eight hex digits over both key halves.
func IdentityFingerprint(key domain.IdentityKey) domain.Fingerprint {
	raw := make([]byte, 0, 64)
	raw = append(raw, key.DH[:]...)
	raw = append(raw, key.Signing[:]...)
	sum := sha256.Sum256(raw)
	h := hex.EncodeToString(sum[:16])

	groups := make([]string, 0, len(h)/8)
	for i := 0; i < len(h); i += 8 {
		groups = append(groups, h[i:i+8])
	}
	return domain.Fingerprint(strings.Join(groups, " "))
}
