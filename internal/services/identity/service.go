package identity

import (
	"fmt"
	"unicode"

	"omemo/internal/crypto"
	"omemo/internal/domain"
)

const (
	// minPassphraseLength defines the minimum number of characters required for a passphrase.
	minPassphraseLength = 12
)

var (
	// ErrWeakPassphrase is returned when the passphrase fails the strength policy.
	ErrWeakPassphrase = fmt.Errorf(
		"passphrase is too weak (must be at least %d characters and include upper, lower, "+
			"number, and symbol)",
		minPassphraseLength,
	)
)

// Service gives read access to the stored local identity.
type Service struct {
	store domain.IdentityStore
}

// New returns an identity service backed by the given store.
func New(s domain.IdentityStore) *Service { return &Service{store: s} }

// Generate creates a fresh identity with a random registration id. It does
// not persist anything.
func Generate() (domain.LocalIdentity, error) {
	xPriv, xPub, err := crypto.GenerateX25519()
	if err != nil {
		return domain.LocalIdentity{}, err
	}
	edPriv, edPub, err := crypto.GenerateEd25519()
	if err != nil {
		return domain.LocalIdentity{}, err
	}
	regID, err := crypto.RandomRegistrationID()
	if err != nil {
		return domain.LocalIdentity{}, err
	}
	return domain.LocalIdentity{
		XPub:           xPub,
		XPriv:          xPriv,
		EdPub:          edPub,
		EdPriv:         edPriv,
		RegistrationID: regID,
	}, nil
}

// Load returns the local identity, or domain.ErrNotProvisioned.
func (s *Service) Load() (domain.LocalIdentity, error) {
	id, ok, err := s.store.LoadLocalIdentity()
	if err != nil {
		return domain.LocalIdentity{}, err
	}
	if !ok {
		return domain.LocalIdentity{}, domain.ErrNotProvisioned
	}
	return id, nil
}

// Fingerprint returns the display fingerprint of the local identity key.
func (s *Service) Fingerprint() (domain.Fingerprint, error) {
	id, err := s.Load()
	if err != nil {
		return "", err
	}
	return crypto.IdentityFingerprint(id.Public()), nil
}

// ValidatePassphrase enforces a basic strength policy on new passphrases.
func ValidatePassphrase(passphrase string) error {
	var hasUpper, hasLower, hasDigit, hasSymbol bool
	if len(passphrase) < minPassphraseLength {
		return ErrWeakPassphrase
	}
	for _, r := range passphrase {
		switch {
		case unicode.IsUpper(r):
			hasUpper = true
		case unicode.IsLower(r):
			hasLower = true
		case unicode.IsDigit(r):
			hasDigit = true
		case unicode.IsPunct(r), unicode.IsSymbol(r):
			hasSymbol = true
		}
	}
	if !(hasUpper && hasLower && hasDigit && hasSymbol) {
		return ErrWeakPassphrase
	}
	return nil
}
