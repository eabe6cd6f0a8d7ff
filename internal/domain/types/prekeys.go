package types

// PreKeyRecord is a one-time pre-key stored locally (private + public).
type PreKeyRecord struct {
	ID   uint32        `json:"id"`
	Priv X25519Private `json:"priv"`
	Pub  X25519Public  `json:"pub"`
}

// Public returns the part of the record published in bundles.
func (r PreKeyRecord) Public() PreKeyPublic { return PreKeyPublic{ID: r.ID, Pub: r.Pub} }

// PreKeyPublic is the public half of a one-time pre-key.
type PreKeyPublic struct {
	ID  uint32       `json:"id"`
	Pub X25519Public `json:"pub"`
}

// SignedPreKeyRecord is the account's signed pre-key.
type SignedPreKeyRecord struct {
	ID         uint32        `json:"id"`
	Priv       X25519Private `json:"priv"`
	Pub        X25519Public  `json:"pub"`
	Signature  []byte        `json:"signature"`
	CreatedUTC int64         `json:"created_utc"`
}

// Bundle is the public key material a device publishes so that others can
// build a session with it while it is offline.
type Bundle struct {
	IdentityKey           IdentityKey    `json:"identity_key"`
	SignedPreKeyID        uint32         `json:"signed_pre_key_id"`
	SignedPreKey          X25519Public   `json:"signed_pre_key"`
	SignedPreKeySignature []byte         `json:"signed_pre_key_signature"`
	PreKeys               []PreKeyPublic `json:"pre_keys,omitempty"`
}
