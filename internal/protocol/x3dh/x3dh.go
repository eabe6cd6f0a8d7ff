package x3dh

import (
	"crypto/sha256"
	"errors"
	"io"

	"golang.org/x/crypto/hkdf"

	"omemo/internal/crypto"
	"omemo/internal/domain"
	"omemo/internal/util/memzero"
)

var (
	// ErrBadSPK is returned when the signed pre-key signature does not verify.
	ErrBadSPK = errors.New("signed pre-key signature invalid")
	// ErrMissingKey is returned when a bundle lacks its identity or signed pre-key.
	ErrMissingKey = errors.New("bundle is missing key material")
)

var rootInfo = []byte("omemo-x3dh")

// Initiation is the outcome of the initiator side of the agreement.
type Initiation struct {
	RootKey        []byte
	BaseKey        domain.X25519Public
	SignedPreKeyID uint32
	// PreKeyID is zero when no one-time pre-key was used.
	PreKeyID uint32
}

// VerifyBundle checks that the bundle carries the mandatory keys and that
// the signed pre-key is signed by the bundle's identity.
func VerifyBundle(bundle domain.Bundle) error {
	if bundle.IdentityKey.DH.IsZero() || bundle.IdentityKey.Signing.IsZero() || bundle.SignedPreKey.IsZero() {
		return ErrMissingKey
	}
	if !crypto.VerifyEd25519(bundle.IdentityKey.Signing, bundle.SignedPreKey.Slice(), bundle.SignedPreKeySignature) {
		return ErrBadSPK
	}
	return nil
}

// InitiatorRoot verifies the bundle, generates the base (ephemeral) key and
// derives the root key. preKey may be nil.
func InitiatorRoot(
	id domain.LocalIdentity,
	bundle domain.Bundle,
	preKey *domain.PreKeyPublic,
) (Initiation, error) {
	if err := VerifyBundle(bundle); err != nil {
		return Initiation{}, err
	}
	ephPriv, ephPub, err := crypto.GenerateX25519()
	if err != nil {
		return Initiation{}, err
	}
	defer memzero.Zero(ephPriv[:])

	dh1, err := crypto.DH(id.XPriv, bundle.SignedPreKey) // DH(IKA, SPKB)
	if err != nil {
		return Initiation{}, err
	}
	dh2, err := crypto.DH(ephPriv, bundle.IdentityKey.DH) // DH(EKA, IKB)
	if err != nil {
		return Initiation{}, err
	}
	dh3, err := crypto.DH(ephPriv, bundle.SignedPreKey) // DH(EKA, SPKB)
	if err != nil {
		return Initiation{}, err
	}
	secret := concat(dh1, dh2, dh3)
	memzero.ZeroAll(dh1[:], dh2[:], dh3[:])

	out := Initiation{BaseKey: ephPub, SignedPreKeyID: bundle.SignedPreKeyID}
	if preKey != nil {
		dh4, err := crypto.DH(ephPriv, preKey.Pub) // DH(EKA, OPKB)
		if err != nil {
			return Initiation{}, err
		}
		secret = append(secret, dh4[:]...)
		out.PreKeyID = preKey.ID
	}

	out.RootKey, err = deriveRoot(secret)
	memzero.Zero(secret)
	if err != nil {
		return Initiation{}, err
	}
	return out, nil
}

// ResponderRoot recomputes the initiator's root key from our signed pre-key,
// the optional one-time pre-key, and the initiator's identity and base keys.
func ResponderRoot(
	id domain.LocalIdentity,
	signedPreKey domain.X25519Private,
	preKey *domain.X25519Private,
	initiatorIdentity domain.X25519Public,
	baseKey domain.X25519Public,
) ([]byte, error) {
	dh1, err := crypto.DH(signedPreKey, initiatorIdentity) // DH(SPKB, IKA)
	if err != nil {
		return nil, err
	}
	dh2, err := crypto.DH(id.XPriv, baseKey) // DH(IKB, EKA)
	if err != nil {
		return nil, err
	}
	dh3, err := crypto.DH(signedPreKey, baseKey) // DH(SPKB, EKA)
	if err != nil {
		return nil, err
	}
	secret := concat(dh1, dh2, dh3)
	memzero.ZeroAll(dh1[:], dh2[:], dh3[:])
	if preKey != nil {
		dh4, err := crypto.DH(*preKey, baseKey) // DH(OPKB, EKA)
		if err != nil {
			return nil, err
		}
		secret = append(secret, dh4[:]...)
	}
	root, err := deriveRoot(secret)
	memzero.Zero(secret)
	return root, err
}

func concat(parts ...[32]byte) []byte {
	out := make([]byte, 0, 32*(len(parts)+1))
	for i := range parts {
		out = append(out, parts[i][:]...)
	}
	return out
}

func deriveRoot(secret []byte) ([]byte, error) {
	root := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, rootInfo), root); err != nil {
		return nil, err
	}
	return root, nil
}
