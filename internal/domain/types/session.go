package types

// Session is the ratchet session with one remote device.
type Session struct {
	Peer           JID          `json:"peer"`
	Device         DeviceID     `json:"device"`
	State          RatchetState `json:"state"`
	RemoteIdentity IdentityKey  `json:"remote_identity"`
	CreatedUTC     int64        `json:"created_utc"`

	// Pending is set on the initiating side until the first message from the
	// remote device is decrypted; every outgoing message carries it.
	Pending *PendingPreKey `json:"pending,omitempty"`

	// RemoteBaseKey is set on the responding side to the initiator's
	// ephemeral key, so repeated pre-key messages reuse this session.
	RemoteBaseKey X25519Public `json:"remote_base_key"`
}

// PendingPreKey carries the key agreement parameters that let the remote
// device derive the session from a pre-key message.
type PendingPreKey struct {
	PreKeyID       uint32       `json:"pre_key_id,omitempty"`
	SignedPreKeyID uint32       `json:"signed_pre_key_id"`
	BaseKey        X25519Public `json:"base_key"`
}
