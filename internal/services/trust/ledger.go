package trust

import (
	"github.com/sirupsen/logrus"

	"omemo/internal/crypto"
	"omemo/internal/domain"
)

// Decision is the outcome of checking an identity key.
type Decision int

const (
	// FirstUse means no key is recorded for the device yet.
	FirstUse Decision = iota
	// Trusted means the key equals the recorded one.
	Trusted
	// Mismatch means a different key is recorded for the device.
	Mismatch
)

func (d Decision) String() string {
	switch d {
	case FirstUse:
		return "first-use"
	case Trusted:
		return "trusted"
	case Mismatch:
		return "mismatch"
	}
	return "unknown"
}

// Ledger records trust decisions in the account store.
type Ledger struct {
	store domain.KeyStore
	log   *logrus.Entry
}

// New returns a ledger over store.
func New(store domain.KeyStore, log *logrus.Entry) *Ledger {
	return &Ledger{store: store, log: log}
}

// With returns a ledger whose calls go through tx.
func (l *Ledger) With(tx domain.KeyStore) *Ledger {
	return &Ledger{store: tx, log: l.log}
}

// IsActive reports whether encryption is on for peer.
func (l *Ledger) IsActive(peer domain.JID) (bool, error) { return l.store.IsActive(peer) }

// Activate turns encryption on for peer. Redundant calls are no-ops.
func (l *Ledger) Activate(peer domain.JID) error { return l.store.SetActive(peer, true) }

// Deactivate turns encryption off for peer. Redundant calls are no-ops.
func (l *Ledger) Deactivate(peer domain.JID) error { return l.store.SetActive(peer, false) }

// Check compares key against the record for the device.
func (l *Ledger) Check(peer domain.JID, device domain.DeviceID, key domain.IdentityKey) (Decision, error) {
	known, ok, err := l.store.LoadIdentity(peer, device)
	if err != nil {
		return Mismatch, err
	}
	switch {
	case !ok:
		return FirstUse, nil
	case known.Equal(key):
		return Trusted, nil
	}
	return Mismatch, nil
}

// Admit accepts key for the device on first use and returns a
// *domain.TrustMismatchError when a different key is already recorded.
func (l *Ledger) Admit(peer domain.JID, device domain.DeviceID, key domain.IdentityKey) error {
	known, ok, err := l.store.LoadIdentity(peer, device)
	if err != nil {
		return err
	}
	if ok {
		if known.Equal(key) {
			return nil
		}
		l.log.WithFields(logrus.Fields{
			"peer":     peer,
			"device":   device,
			"known":    crypto.IdentityFingerprint(known),
			"received": crypto.IdentityFingerprint(key),
		}).Warn("identity key changed")
		return &domain.TrustMismatchError{Peer: peer, Device: device, Known: known, Received: key}
	}
	return l.Accept(peer, device, key)
}

// Accept records key for the device, replacing any earlier key. Callers use
// it after the user confirmed a changed key.
func (l *Ledger) Accept(peer domain.JID, device domain.DeviceID, key domain.IdentityKey) error {
	return l.store.SaveIdentity(peer, device, key)
}

// Forget revokes trust in the device: its identity record and session are
// deleted, so the next contact starts a fresh key exchange.
func (l *Ledger) Forget(peer domain.JID, device domain.DeviceID) error {
	return l.store.Update(func(tx domain.KeyStore) error {
		if err := tx.DeleteIdentity(peer, device); err != nil {
			return err
		}
		return tx.DeleteSession(peer, device)
	})
}

// Fingerprint returns the display fingerprint recorded for the device.
func (l *Ledger) Fingerprint(peer domain.JID, device domain.DeviceID) (domain.Fingerprint, bool, error) {
	key, ok, err := l.store.LoadIdentity(peer, device)
	if err != nil || !ok {
		return "", ok, err
	}
	return crypto.IdentityFingerprint(key), true, nil
}
