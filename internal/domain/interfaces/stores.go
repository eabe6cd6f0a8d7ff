package interfaces

import domaintypes "omemo/internal/domain/types"

// IdentityStore persists the local identity and the remote identity keys
// seen for each device.
type IdentityStore interface {
	LoadLocalIdentity() (domaintypes.LocalIdentity, bool, error)
	StoreLocalIdentity(id domaintypes.LocalIdentity) error

	// IsTrustedIdentity implements trust-on-first-use: a key is trusted if
	// nothing is recorded for the device yet or if it equals the record.
	IsTrustedIdentity(peer domaintypes.JID, device domaintypes.DeviceID, key domaintypes.IdentityKey) (bool, error)
	SaveIdentity(peer domaintypes.JID, device domaintypes.DeviceID, key domaintypes.IdentityKey) error
	LoadIdentity(peer domaintypes.JID, device domaintypes.DeviceID) (domaintypes.IdentityKey, bool, error)
	DeleteIdentity(peer domaintypes.JID, device domaintypes.DeviceID) error
}

// PreKeyStore manages the signed pre-key and the one-time pre-key pool.
type PreKeyStore interface {
	StorePreKeys(records []domaintypes.PreKeyRecord) error
	LoadPreKey(id uint32) (domaintypes.PreKeyRecord, bool, error)
	// ConsumePreKey removes and returns a pre-key; a second call for the
	// same id reports ok=false.
	ConsumePreKey(id uint32) (domaintypes.PreKeyRecord, bool, error)
	ListPreKeys() ([]domaintypes.PreKeyRecord, error)
	CountPreKeys() (int, error)
	// NextPreKeyID reserves count consecutive ids and returns the first.
	NextPreKeyID(count int) (uint32, error)

	StoreSignedPreKey(record domaintypes.SignedPreKeyRecord) error
	LoadSignedPreKey() (domaintypes.SignedPreKeyRecord, bool, error)
}

// SessionStore keeps one ratchet session per (peer, device).
type SessionStore interface {
	LoadSession(peer domaintypes.JID, device domaintypes.DeviceID) (domaintypes.Session, bool, error)
	StoreSession(peer domaintypes.JID, device domaintypes.DeviceID, session domaintypes.Session) error
	ContainsSession(peer domaintypes.JID, device domaintypes.DeviceID) (bool, error)
	DeleteSession(peer domaintypes.JID, device domaintypes.DeviceID) error
	DeleteAllSessions(peer domaintypes.JID) error
	SessionDevices(peer domaintypes.JID) ([]domaintypes.DeviceID, error)
}

// TrustStore persists the per-contact encryption flag.
type TrustStore interface {
	IsActive(peer domaintypes.JID) (bool, error)
	SetActive(peer domaintypes.JID, active bool) error
}

// DeviceStore persists the known device set of each JID.
type DeviceStore interface {
	LoadDevices(peer domaintypes.JID) ([]domaintypes.DeviceID, error)
	SaveDevices(peer domaintypes.JID, devices []domaintypes.DeviceID) error
}

// KeyStore is the complete per-account store.
type KeyStore interface {
	IdentityStore
	PreKeyStore
	SessionStore
	TrustStore
	DeviceStore

	// Update runs fn with a store whose calls share one write transaction.
	// If fn returns an error nothing fn wrote is persisted.
	Update(fn func(tx KeyStore) error) error
}
