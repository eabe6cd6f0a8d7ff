// Package message is the message codec: fan-out encryption of one plaintext
// to every device with a session, and decryption of the entry addressed to
// the local device.
//
// The payload is sealed once under a random content key. The content key is
// then encrypted through the ratchet session of each recipient device and
// carried in the envelope as a protobuf-encoded ratchet message, or as a
// pre-key ratchet message while the session still awaits its first answer.
package message
