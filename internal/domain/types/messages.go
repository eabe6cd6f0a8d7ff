package types

// NonceSize is the length of the payload nonce in an envelope.
const NonceSize = 12

// Envelope is the multi-recipient encrypted message handed to the transport.
type Envelope struct {
	SenderDeviceID DeviceID   `json:"sid"`
	Nonce          []byte     `json:"iv"`
	Payload        []byte     `json:"payload"`
	Keys           []KeyEntry `json:"keys"`
}

// KeyEntry is the content key wrapped for one recipient device.
type KeyEntry struct {
	RecipientDeviceID DeviceID `json:"rid"`
	WrappedKey        []byte   `json:"key"`
	IsPreKeyMessage   bool     `json:"prekey,omitempty"`
}

// Entry returns the key entry addressed to device, if any.
func (e Envelope) Entry(device DeviceID) (KeyEntry, bool) {
	for _, k := range e.Keys {
		if k.RecipientDeviceID == device {
			return k, true
		}
	}
	return KeyEntry{}, false
}

// DecryptedMessage is what a successful decrypt returns.
type DecryptedMessage struct {
	From           JID      `json:"from"`
	SenderDeviceID DeviceID `json:"sender_device_id"`
	Plaintext      []byte   `json:"plaintext"`

	// NewSession reports that the message established the session.
	NewSession bool `json:"new_session,omitempty"`
}
