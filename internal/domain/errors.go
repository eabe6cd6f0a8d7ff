package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrStorage marks any I/O failure of the persistent store.
	ErrStorage = errors.New("storage error")
	// ErrBundleInvalid is returned for malformed or missing key-exchange material.
	ErrBundleInvalid = errors.New("invalid pre-key bundle")
	// ErrNoViableRecipient is returned when encryption produced no key entries.
	ErrNoViableRecipient = errors.New("no viable recipient device")
	// ErrNotAddressedToMe means the envelope has no entry for the local device.
	ErrNotAddressedToMe = errors.New("message not encrypted for this device")
	// ErrDecryptionFailure is an authentication failure while decrypting.
	ErrDecryptionFailure = errors.New("decryption failure")
	// ErrTrustMismatch is returned when a device presents a different identity key.
	ErrTrustMismatch = errors.New("identity key changed")
	// ErrUnknownRequest is returned for a response with no pending request.
	ErrUnknownRequest = errors.New("unknown request id")
	// ErrNotProvisioned is returned when the account has no identity yet.
	ErrNotProvisioned = errors.New("account keys not generated")
)

// StorageError wraps a failure of the persistent store.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string { return fmt.Sprintf("store %s: %v", e.Op, e.Err) }

// Unwrap returns the underlying error.
func (e *StorageError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrStorage) match.
func (e *StorageError) Is(target error) bool { return target == ErrStorage }

// TrustMismatchError reports the device whose identity key changed.
type TrustMismatchError struct {
	Peer     JID
	Device   DeviceID
	Known    IdentityKey
	Received IdentityKey
}

func (e *TrustMismatchError) Error() string {
	return fmt.Sprintf("identity key changed for %s device %d", e.Peer, e.Device)
}

// Is makes errors.Is(err, ErrTrustMismatch) match.
func (e *TrustMismatchError) Is(target error) bool { return target == ErrTrustMismatch }
