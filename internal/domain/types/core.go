package types

import "strconv"

// JID is a bare chat address (user@host) without resource.
type JID string

// String returns the string form of the JID.
func (j JID) String() string { return string(j) }

// DeviceID identifies one device of an account. It is unique only within
// the device set of a single JID.
type DeviceID uint32

// String returns the decimal form of the device id.
func (d DeviceID) String() string { return strconv.FormatUint(uint64(d), 10) }

// Fingerprint is a short identifier for public keys presented to users.
type Fingerprint string

// String returns the string form of the fingerprint.
func (f Fingerprint) String() string { return string(f) }

// Address names one remote device.
type Address struct {
	JID    JID      `json:"jid"`
	Device DeviceID `json:"device"`
}

// String returns jid:device.
func (a Address) String() string { return a.JID.String() + ":" + a.Device.String() }
