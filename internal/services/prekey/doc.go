// Package prekey provisions an account and maintains its published key
// material: the signed pre-key and the pool of one-time pre-keys.
//
// Provisioning (GenerateIfAbsent) creates the identity, the registration id,
// the signed pre-key and the initial pre-key pool in a single store
// transaction, exactly once per account. Replenish tops the pool up after
// inbound sessions consumed pre-keys.
package prekey
