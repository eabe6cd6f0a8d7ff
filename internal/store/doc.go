// Package store provides the bbolt-backed Key/Session Store of one account.
//
// One database file holds everything the encryption core persists:
//
//   - the local identity, sealed under the account passphrase (meta bucket)
//   - the signed pre-key and the one-time pre-key pool (meta, prekeys)
//   - the identity key recorded for every remote device (identities)
//   - one ratchet session per remote device (sessions)
//   - the per-contact encryption flag (trust) and device sets (devices)
//
// Records are JSON encoded. Every method runs in its own bbolt transaction
// unless it is called on the store handed to Update, in which case all
// calls share that transaction and commit or roll back together.
//
// Failures of the database itself are returned as *domain.StorageError.
package store
