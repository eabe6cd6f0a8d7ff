// Package x3dh implements the asynchronous key agreement used to bootstrap a
// ratchet session with a device from its published bundle.
//
// # Overview
//
// The initiator derives a shared 32-byte root key with a responder who has
// published a bundle containing:
//   - Identity key (X25519 + Ed25519)
//   - Signed pre-key (X25519) and its Ed25519 signature
//   - Optional one-time pre-keys (X25519)
//
// # Flows
//
// Initiator:
//  1. Verify the signed pre-key signature.
//  2. Generate a base (ephemeral) X25519 key pair.
//  3. Compute DH values (IKa·SPKb, EKa·IKb, EKa·SPKb[, EKa·OPKb]).
//  4. HKDF over the concatenated DH transcript to produce the root key.
//
// Responder:
//  1. Receive the pre-key message (initiator IK, base key EK, SPK id[, OPK id]).
//  2. Look up the SPK and consume the OPK.
//  3. Compute the symmetric DH set (SPKb·IKa, IKb·EKa, SPKb·EKa[, OPKb·EKa]).
//  4. HKDF the same transcript to the identical root key.
//
// # Errors
//
// ErrBadSPK is returned when the signature fails verification and
// ErrMissingKey when mandatory keys are absent.
package x3dh
