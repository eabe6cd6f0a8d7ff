package prekey

import (
	"time"

	"github.com/sirupsen/logrus"

	"omemo/internal/crypto"
	"omemo/internal/domain"
	"omemo/internal/services/identity"
)

// DefaultAmount is the size of a freshly generated pre-key pool.
const DefaultAmount = 100

// signedPreKeyID is the id of the single signed pre-key.
const signedPreKeyID = 1

// Service manages the pre-key pool and builds the public bundle.
type Service struct {
	store  domain.KeyStore
	log    *logrus.Entry
	amount int
}

// New returns a pre-key service. amount is the pool size used for
// provisioning and replenishment; zero selects DefaultAmount.
func New(store domain.KeyStore, log *logrus.Entry, amount int) *Service {
	if amount <= 0 {
		amount = DefaultAmount
	}
	return &Service{store: store, log: log, amount: amount}
}

// GenerateIfAbsent provisions the account when no identity is stored yet.
// It reports whether keys were generated.
//
// Steps:
//  1. Check for an existing identity inside the write transaction.
//  2. Generate identity + registration id and store it sealed.
//  3. Generate and sign the signed pre-key.
//  4. Generate the one-time pre-key pool.
func (s *Service) GenerateIfAbsent() (bool, error) {
	var created domain.LocalIdentity
	err := s.store.Update(func(tx domain.KeyStore) error {
		_, ok, err := tx.LoadLocalIdentity()
		if err != nil || ok {
			return err
		}
		id, err := identity.Generate()
		if err != nil {
			return err
		}
		if err := tx.StoreLocalIdentity(id); err != nil {
			return err
		}
		spk, err := newSignedPreKey(id)
		if err != nil {
			return err
		}
		if err := tx.StoreSignedPreKey(spk); err != nil {
			return err
		}
		if err := generatePreKeys(tx, s.amount); err != nil {
			return err
		}
		created = id
		return nil
	})
	if err != nil || created.RegistrationID == 0 {
		return false, err
	}
	s.log.WithFields(logrus.Fields{
		"device":      created.DeviceID(),
		"prekeys":     s.amount,
		"fingerprint": crypto.IdentityFingerprint(created.Public()),
	}).Info("provisioned account keys")
	return true, nil
}

// Bundle returns the public bundle of the local device.
func (s *Service) Bundle() (domain.Bundle, error) {
	id, ok, err := s.store.LoadLocalIdentity()
	if err != nil {
		return domain.Bundle{}, err
	}
	if !ok {
		return domain.Bundle{}, domain.ErrNotProvisioned
	}
	spk, ok, err := s.store.LoadSignedPreKey()
	if err != nil {
		return domain.Bundle{}, err
	}
	if !ok {
		return domain.Bundle{}, domain.ErrNotProvisioned
	}
	recs, err := s.store.ListPreKeys()
	if err != nil {
		return domain.Bundle{}, err
	}
	pubs := make([]domain.PreKeyPublic, 0, len(recs))
	for _, r := range recs {
		pubs = append(pubs, r.Public())
	}
	return domain.Bundle{
		IdentityKey:           id.Public(),
		SignedPreKeyID:        spk.ID,
		SignedPreKey:          spk.Pub,
		SignedPreKeySignature: spk.Signature,
		PreKeys:               pubs,
	}, nil
}

// Replenish refills the pool to the configured amount when fewer than min
// pre-keys remain. It returns the number of pre-keys added.
func (s *Service) Replenish(min int) (int, error) {
	var added int
	err := s.store.Update(func(tx domain.KeyStore) error {
		n, err := tx.CountPreKeys()
		if err != nil || n >= min {
			return err
		}
		added = s.amount - n
		if added <= 0 {
			added = 0
			return nil
		}
		return generatePreKeys(tx, added)
	})
	if err != nil {
		return 0, err
	}
	if added > 0 {
		s.log.WithField("added", added).Info("replenished one-time pre-keys")
	}
	return added, nil
}

func newSignedPreKey(id domain.LocalIdentity) (domain.SignedPreKeyRecord, error) {
	priv, pub, err := crypto.GenerateX25519()
	if err != nil {
		return domain.SignedPreKeyRecord{}, err
	}
	return domain.SignedPreKeyRecord{
		ID:         signedPreKeyID,
		Priv:       priv,
		Pub:        pub,
		Signature:  crypto.SignEd25519(id.EdPriv, pub[:]),
		CreatedUTC: time.Now().Unix(),
	}, nil
}

func generatePreKeys(tx domain.PreKeyStore, n int) error {
	first, err := tx.NextPreKeyID(n)
	if err != nil {
		return err
	}
	recs := make([]domain.PreKeyRecord, 0, n)
	for i := 0; i < n; i++ {
		priv, pub, err := crypto.GenerateX25519()
		if err != nil {
			return err
		}
		recs = append(recs, domain.PreKeyRecord{ID: first + uint32(i), Priv: priv, Pub: pub})
	}
	return tx.StorePreKeys(recs)
}
