// Package wire encodes the per-device ratchet messages carried inside an
// envelope key entry.
//
// Two messages exist, both in protobuf wire format:
//
//	RatchetMessage        { 1: dh_pub bytes, 2: pn uint32, 3: n uint32, 4: ciphertext bytes }
//	PreKeyRatchetMessage  { 1: registration_id uint32, 2: pre_key_id uint32,
//	                        3: signed_pre_key_id uint32, 4: base_key bytes,
//	                        5: identity_dh bytes, 6: message bytes (RatchetMessage),
//	                        7: identity_signing bytes }
//
// Unknown fields are skipped so that newer peers can add fields.
package wire
