package message

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"omemo/internal/crypto"
	"omemo/internal/domain"
	"omemo/internal/protocol/ratchet"
	"omemo/internal/protocol/wire"
	"omemo/internal/services/session"
	"omemo/internal/util/memzero"
)

// Service encrypts and decrypts envelopes for one account.
type Service struct {
	store    domain.KeyStore
	sessions *session.Service
	own      domain.JID
	log      *logrus.Entry
}

// New constructs a message service for the account own.
func New(store domain.KeyStore, sessions *session.Service, own domain.JID, log *logrus.Entry) *Service {
	return &Service{store: store, sessions: sessions, own: own, log: log}
}

type recipient struct {
	jid    domain.JID
	device domain.DeviceID
}

// Encrypt seals plaintext for every known device of peer and of the own
// account that has a session. Devices without a session are skipped.
//
// Steps:
//  1. Generate a content key and nonce and seal the payload.
//  2. For each recipient session, encrypt the content key through the
//     ratchet and store the advanced session.
//  3. Fail with domain.ErrNoViableRecipient if no entry was produced.
func (s *Service) Encrypt(peer domain.JID, plaintext []byte) (domain.Envelope, error) {
	var env domain.Envelope
	err := s.store.Update(func(tx domain.KeyStore) error {
		id, ok, err := tx.LoadLocalIdentity()
		if err != nil {
			return err
		}
		if !ok {
			return domain.ErrNotProvisioned
		}
		targets, err := s.recipients(tx, peer, id.DeviceID())
		if err != nil {
			return err
		}

		key, nonce, err := crypto.NewContentKey()
		if err != nil {
			return err
		}
		defer memzero.Zero(key)
		payload, err := crypto.SealPayload(key, nonce, plaintext)
		if err != nil {
			return err
		}
		env = domain.Envelope{SenderDeviceID: id.DeviceID(), Nonce: nonce, Payload: payload}

		for _, r := range targets {
			sess, ok, err := tx.LoadSession(r.jid, r.device)
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			wrapped, preKey, err := wrapKey(id, &sess, key)
			if err != nil {
				return fmt.Errorf("wrap key for %s:%d: %w", r.jid, r.device, err)
			}
			if err := tx.StoreSession(r.jid, r.device, sess); err != nil {
				return err
			}
			env.Keys = append(env.Keys, domain.KeyEntry{
				RecipientDeviceID: r.device,
				WrappedKey:        wrapped,
				IsPreKeyMessage:   preKey,
			})
		}
		if len(env.Keys) == 0 {
			return domain.ErrNoViableRecipient
		}
		return nil
	})
	if err != nil {
		return domain.Envelope{}, err
	}
	return env, nil
}

// recipients lists the known devices of peer followed by the other own
// devices, without repeats.
func (s *Service) recipients(tx domain.KeyStore, peer domain.JID, local domain.DeviceID) ([]recipient, error) {
	var out []recipient
	seen := map[recipient]struct{}{{s.own, local}: {}}
	for _, jid := range []domain.JID{peer, s.own} {
		ids, err := tx.LoadDevices(jid)
		if err != nil {
			return nil, err
		}
		for _, d := range ids {
			r := recipient{jid, d}
			if _, dup := seen[r]; dup {
				continue
			}
			seen[r] = struct{}{}
			out = append(out, r)
		}
	}
	return out, nil
}

func wrapKey(id domain.LocalIdentity, sess *domain.Session, key []byte) ([]byte, bool, error) {
	header, ct, err := ratchet.Encrypt(&sess.State, associatedData(id.XPub, sess.RemoteIdentity.DH), key)
	if err != nil {
		return nil, false, err
	}
	msg := wire.RatchetMessage{Header: header, Ciphertext: ct}
	if sess.Pending == nil {
		return msg.Marshal(), false, nil
	}
	pk := wire.PreKeyRatchetMessage{
		RegistrationID: id.RegistrationID,
		PreKeyID:       sess.Pending.PreKeyID,
		SignedPreKeyID: sess.Pending.SignedPreKeyID,
		BaseKey:        sess.Pending.BaseKey,
		Identity:       id.Public(),
		Message:        msg,
	}
	return pk.Marshal(), true, nil
}

// Decrypt opens the entry of env addressed to the local device. from is
// the sender's JID. A pre-key entry builds the session as a side effect.
//
// Steps:
//  1. Find the entry for the local device, or fail with
//     domain.ErrNotAddressedToMe.
//  2. Resolve the session, building it from a pre-key message if needed.
//  3. Unwrap the content key through the ratchet and open the payload.
//  4. Store the advanced session; the first answer clears pending pre-key
//     material on the initiating side.
//
// Any authentication failure is domain.ErrDecryptionFailure and nothing is
// persisted.
func (s *Service) Decrypt(from domain.JID, env domain.Envelope) (domain.DecryptedMessage, error) {
	var out domain.DecryptedMessage
	err := s.store.Update(func(tx domain.KeyStore) error {
		id, ok, err := tx.LoadLocalIdentity()
		if err != nil {
			return err
		}
		if !ok {
			return domain.ErrNotProvisioned
		}
		entry, ok := env.Entry(id.DeviceID())
		if !ok {
			return domain.ErrNotAddressedToMe
		}

		var (
			sess  domain.Session
			msg   wire.RatchetMessage
			fresh bool
		)
		if entry.IsPreKeyMessage {
			pkm, err := wire.UnmarshalPreKeyRatchetMessage(entry.WrappedKey)
			if err != nil {
				return fmt.Errorf("%w: %v", domain.ErrDecryptionFailure, err)
			}
			sess, fresh, err = s.sessions.With(tx).FromPreKeyMessage(from, env.SenderDeviceID, pkm)
			if err != nil {
				return err
			}
			msg = pkm.Message
		} else {
			msg, err = wire.UnmarshalRatchetMessage(entry.WrappedKey)
			if err != nil {
				return fmt.Errorf("%w: %v", domain.ErrDecryptionFailure, err)
			}
			sess, ok, err = tx.LoadSession(from, env.SenderDeviceID)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("%w: no session with %s:%d", domain.ErrDecryptionFailure, from, env.SenderDeviceID)
			}
		}

		key, err := ratchet.Decrypt(&sess.State, associatedData(sess.RemoteIdentity.DH, id.XPub), msg.Header, msg.Ciphertext)
		if err != nil {
			return fmt.Errorf("%w: %v", domain.ErrDecryptionFailure, err)
		}
		defer memzero.Zero(key)
		plaintext, err := crypto.OpenPayload(key, env.Nonce, env.Payload)
		if err != nil {
			return err
		}

		sess.Pending = nil
		if err := tx.StoreSession(from, env.SenderDeviceID, sess); err != nil {
			return err
		}
		out = domain.DecryptedMessage{
			From:           from,
			SenderDeviceID: env.SenderDeviceID,
			Plaintext:      plaintext,
			NewSession:     fresh,
		}
		return nil
	})
	if err != nil {
		return domain.DecryptedMessage{}, err
	}
	return out, nil
}

// associatedData binds a ratchet message to both identity keys, sender
// first.
func associatedData(sender, receiver domain.X25519Public) []byte {
	ad := make([]byte, 0, 64)
	ad = append(ad, sender[:]...)
	return append(ad, receiver[:]...)
}
