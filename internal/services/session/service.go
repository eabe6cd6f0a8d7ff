package session

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"time"

	"github.com/sirupsen/logrus"

	"omemo/internal/domain"
	"omemo/internal/protocol/ratchet"
	"omemo/internal/protocol/wire"
	"omemo/internal/protocol/x3dh"
	"omemo/internal/services/trust"
)

// Service performs key agreement and persists the resulting sessions.
type Service struct {
	store  domain.KeyStore
	ledger *trust.Ledger
	log    *logrus.Entry
}

// New constructs a session service.
func New(store domain.KeyStore, ledger *trust.Ledger, log *logrus.Entry) *Service {
	return &Service{store: store, ledger: ledger, log: log}
}

// With returns a service whose store calls go through tx.
func (s *Service) With(tx domain.KeyStore) *Service {
	return &Service{store: tx, ledger: s.ledger.With(tx), log: s.log}
}

// BuildFromBundle runs the initiator side of the key agreement against a
// fetched bundle and stores the new session.
//
// Steps:
//  1. Validate the bundle (identity key, signed pre-key and its signature).
//  2. Admit the bundle's identity key through the trust ledger.
//  3. Pick a random one-time pre-key, if the bundle offers any.
//  4. Derive the root key and seed the sending chain.
//  5. Store the session with the pre-key material every outgoing message
//     carries until the remote device answers.
func (s *Service) BuildFromBundle(peer domain.JID, device domain.DeviceID, bundle domain.Bundle) (domain.Session, error) {
	if err := x3dh.VerifyBundle(bundle); err != nil {
		return domain.Session{}, fmt.Errorf("%w: %v", domain.ErrBundleInvalid, err)
	}
	var sess domain.Session
	err := s.store.Update(func(tx domain.KeyStore) error {
		id, ok, err := tx.LoadLocalIdentity()
		if err != nil {
			return err
		}
		if !ok {
			return domain.ErrNotProvisioned
		}
		if err := s.ledger.With(tx).Admit(peer, device, bundle.IdentityKey); err != nil {
			return err
		}
		preKey, err := pickPreKey(bundle.PreKeys)
		if err != nil {
			return err
		}
		init, err := x3dh.InitiatorRoot(id, bundle, preKey)
		if err != nil {
			return fmt.Errorf("%w: %v", domain.ErrBundleInvalid, err)
		}
		st, err := ratchet.InitAsInitiator(init.RootKey, bundle.SignedPreKey)
		if err != nil {
			return err
		}
		sess = domain.Session{
			Peer:           peer,
			Device:         device,
			State:          st,
			RemoteIdentity: bundle.IdentityKey,
			CreatedUTC:     time.Now().Unix(),
			Pending: &domain.PendingPreKey{
				PreKeyID:       init.PreKeyID,
				SignedPreKeyID: init.SignedPreKeyID,
				BaseKey:        init.BaseKey,
			},
		}
		return tx.StoreSession(peer, device, sess)
	})
	if err != nil {
		return domain.Session{}, err
	}
	s.log.WithFields(logrus.Fields{"peer": peer, "device": device}).Info("session built from bundle")
	return sess, nil
}

// FromPreKeyMessage returns the session a pre-key message belongs to. A
// stored session with the same base key is reused; otherwise the responder
// side of the key agreement runs and the one-time pre-key is consumed.
// The new session is not stored: the caller stores it once the message
// decrypted, in the same transaction. fresh reports a new session.
func (s *Service) FromPreKeyMessage(peer domain.JID, device domain.DeviceID, msg wire.PreKeyRatchetMessage) (sess domain.Session, fresh bool, err error) {
	existing, ok, err := s.store.LoadSession(peer, device)
	if err != nil {
		return domain.Session{}, false, err
	}
	if ok && existing.RemoteBaseKey == msg.BaseKey {
		return existing, false, nil
	}

	id, ok, err := s.store.LoadLocalIdentity()
	if err != nil {
		return domain.Session{}, false, err
	}
	if !ok {
		return domain.Session{}, false, domain.ErrNotProvisioned
	}
	if err := s.ledger.Admit(peer, device, msg.Identity); err != nil {
		return domain.Session{}, false, err
	}

	spk, ok, err := s.store.LoadSignedPreKey()
	if err != nil {
		return domain.Session{}, false, err
	}
	if !ok || spk.ID != msg.SignedPreKeyID {
		return domain.Session{}, false, fmt.Errorf("%w: unknown signed pre-key %d", domain.ErrBundleInvalid, msg.SignedPreKeyID)
	}

	var opk *domain.X25519Private
	if msg.PreKeyID != 0 {
		rec, ok, err := s.store.ConsumePreKey(msg.PreKeyID)
		if err != nil {
			return domain.Session{}, false, err
		}
		if !ok {
			return domain.Session{}, false, fmt.Errorf("%w: pre-key %d unknown or already used", domain.ErrBundleInvalid, msg.PreKeyID)
		}
		opk = &rec.Priv
	}

	root, err := x3dh.ResponderRoot(id, spk.Priv, opk, msg.Identity.DH, msg.BaseKey)
	if err != nil {
		return domain.Session{}, false, err
	}
	var senderRatchet domain.X25519Public
	copy(senderRatchet[:], msg.Message.Header.DiffieHellmanPublicKey)
	st, err := ratchet.InitAsResponder(root, spk.Priv, senderRatchet)
	if err != nil {
		return domain.Session{}, false, err
	}
	return domain.Session{
		Peer:           peer,
		Device:         device,
		State:          st,
		RemoteIdentity: msg.Identity,
		CreatedUTC:     time.Now().Unix(),
		RemoteBaseKey:  msg.BaseKey,
	}, true, nil
}

// Has reports whether a session with the device exists.
func (s *Service) Has(peer domain.JID, device domain.DeviceID) (bool, error) {
	return s.store.ContainsSession(peer, device)
}

func pickPreKey(keys []domain.PreKeyPublic) (*domain.PreKeyPublic, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(len(keys))))
	if err != nil {
		return nil, err
	}
	pk := keys[n.Int64()]
	return &pk, nil
}
