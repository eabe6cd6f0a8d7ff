// Package identity generates and loads the local identity of an account.
//
// The identity is an X25519 key pair for key agreement, an Ed25519 key pair
// for signing pre-keys, and the random registration id that doubles as the
// local device id. It is created once and never rotated.
package identity
