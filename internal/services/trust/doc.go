// Package trust is the trust ledger of an account: the per-contact
// "encryption active" flag and trust-on-first-use decisions about the
// identity key of every remote device.
package trust
