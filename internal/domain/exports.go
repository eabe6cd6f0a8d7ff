package domain

import (
	interfaces "omemo/internal/domain/interfaces"
	types "omemo/internal/domain/types"
)

// Type aliases expose domain types from the types subpackage for compact imports.
type (
	JID                = types.JID
	DeviceID           = types.DeviceID
	Fingerprint        = types.Fingerprint
	Address            = types.Address
	X25519Public       = types.X25519Public
	X25519Private      = types.X25519Private
	Ed25519Public      = types.Ed25519Public
	Ed25519Private     = types.Ed25519Private
	LocalIdentity      = types.LocalIdentity
	IdentityKey        = types.IdentityKey
	PreKeyRecord       = types.PreKeyRecord
	PreKeyPublic       = types.PreKeyPublic
	SignedPreKeyRecord = types.SignedPreKeyRecord
	Bundle             = types.Bundle
	RatchetHeader      = types.RatchetHeader
	RatchetState       = types.RatchetState
	Session            = types.Session
	PendingPreKey      = types.PendingPreKey
	Envelope           = types.Envelope
	KeyEntry           = types.KeyEntry
	DecryptedMessage   = types.DecryptedMessage
)

// NonceSize is the length of the envelope payload nonce.
const NonceSize = types.NonceSize

// Interface aliases expose domain interfaces from the interfaces subpackage.
type (
	IdentityStore = interfaces.IdentityStore
	PreKeyStore   = interfaces.PreKeyStore
	SessionStore  = interfaces.SessionStore
	TrustStore    = interfaces.TrustStore
	DeviceStore   = interfaces.DeviceStore
	KeyStore      = interfaces.KeyStore
	Transport     = interfaces.Transport
)
