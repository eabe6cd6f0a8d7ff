package types

// LocalIdentity holds the account's long-term X25519 and Ed25519 keys and
// the registration id generated alongside them. It never changes once
// generated.
type LocalIdentity struct {
	XPub           X25519Public   `json:"xpub"`
	XPriv          X25519Private  `json:"xpriv"`
	EdPub          Ed25519Public  `json:"edpub"`
	EdPriv         Ed25519Private `json:"edpriv"`
	RegistrationID uint32         `json:"registration_id"`
}

// Public returns the public identity key of the account.
func (id LocalIdentity) Public() IdentityKey {
	return IdentityKey{DH: id.XPub, Signing: id.EdPub}
}

// DeviceID returns the local device id, which equals the registration id.
func (id LocalIdentity) DeviceID() DeviceID { return DeviceID(id.RegistrationID) }

// IdentityKey is the public identity of a device. Trust-on-first-use
// decisions compare both halves.
type IdentityKey struct {
	DH      X25519Public  `json:"dh"`
	Signing Ed25519Public `json:"signing"`
}

// IsZero reports whether neither half is set.
func (k IdentityKey) IsZero() bool { return k.DH.IsZero() && k.Signing.IsZero() }

// Equal reports whether both halves match.
func (k IdentityKey) Equal(o IdentityKey) bool { return k.DH == o.DH && k.Signing == o.Signing }
