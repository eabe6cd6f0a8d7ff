// Package session builds ratchet sessions with remote devices.
//
// A session is built either from a fetched bundle (we initiate) or from an
// inbound pre-key message (the remote device initiated). Both paths check
// the remote identity key against the trust ledger before anything is
// stored, and both run inside one store transaction so that a failure
// leaves no partial session behind.
package session
