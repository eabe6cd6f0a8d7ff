// Package crypto exposes the minimal primitives used by the encryption core.
//
// Contents
//
//   - X25519 key generation, clamping and Diffie–Hellman (GenerateX25519,
//     PublicX25519, DH)
//   - Ed25519 key generation, signing and verification (GenerateEd25519,
//     SignEd25519, VerifyEd25519)
//   - The per-message content AEAD (NewContentKey, SealPayload, OpenPayload)
//   - Short public-key fingerprints for display/logging (Fingerprint,
//     IdentityFingerprint)
//
// # Notes
//
// All key functions return fixed-size array types defined in internal/domain
// to avoid accidental reallocations. Callers should treat returned secrets as
// sensitive and wipe them with memzero.Zero when practical.
package crypto
