package store

import (
	"encoding/json"

	bolt "go.etcd.io/bbolt"

	"omemo/internal/domain"
)

// LoadLocalIdentity opens the sealed local identity. ok is false when the
// account has not been provisioned. A wrong passphrase yields
// ErrWrongPassphrase.
func (s *Store) LoadLocalIdentity() (domain.LocalIdentity, bool, error) {
	s.cache.Lock()
	defer s.cache.Unlock()
	if s.cache.id != nil && !s.wroteIdentity {
		return *s.cache.id, true, nil
	}

	var sealed []byte
	err := s.view("load identity", func(tx *bolt.Tx) error {
		if v := tx.Bucket(bucketMeta).Get(keyIdentity); v != nil {
			sealed = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil || sealed == nil {
		return domain.LocalIdentity{}, false, err
	}
	raw, err := openIdentity(s.passphrase, sealed)
	if err != nil {
		return domain.LocalIdentity{}, false, err
	}
	var id domain.LocalIdentity
	if err := json.Unmarshal(raw, &id); err != nil {
		return domain.LocalIdentity{}, false, wrap("decode identity", err)
	}
	if !s.wroteIdentity {
		s.cache.id = &id
	}
	return id, true, nil
}

// StoreLocalIdentity seals id under the passphrase and writes it.
func (s *Store) StoreLocalIdentity(id domain.LocalIdentity) error {
	raw, err := json.Marshal(id)
	if err != nil {
		return err
	}
	sealed, err := sealIdentity(s.passphrase, raw)
	if err != nil {
		return err
	}
	err = s.update("store identity", func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMeta).Put(keyIdentity, sealed)
	})
	if err != nil {
		return err
	}
	s.cache.Lock()
	defer s.cache.Unlock()
	if s.tx != nil {
		s.wroteIdentity = true
		s.cache.id = nil
	} else {
		s.cache.id = &id
	}
	return nil
}

// IsTrustedIdentity reports whether key may be used for the device: true
// when nothing is recorded yet or the recorded key is equal.
func (s *Store) IsTrustedIdentity(peer domain.JID, device domain.DeviceID, key domain.IdentityKey) (bool, error) {
	known, ok, err := s.LoadIdentity(peer, device)
	if err != nil {
		return false, err
	}
	return !ok || known.Equal(key), nil
}

// SaveIdentity records key for the device, replacing any previous record.
func (s *Store) SaveIdentity(peer domain.JID, device domain.DeviceID, key domain.IdentityKey) error {
	return s.update("save remote identity", func(tx *bolt.Tx) error {
		b, err := peerBucket(tx, bucketIdentities, peer, true)
		if err != nil {
			return err
		}
		return putJSON(b, u32key(uint32(device)), key)
	})
}

// LoadIdentity returns the identity key recorded for the device.
func (s *Store) LoadIdentity(peer domain.JID, device domain.DeviceID) (domain.IdentityKey, bool, error) {
	var (
		key domain.IdentityKey
		ok  bool
	)
	err := s.view("load remote identity", func(tx *bolt.Tx) error {
		b, _ := peerBucket(tx, bucketIdentities, peer, false)
		var err error
		ok, err = getJSON(b, u32key(uint32(device)), &key)
		return err
	})
	return key, ok, err
}

// DeleteIdentity forgets the identity key of the device.
func (s *Store) DeleteIdentity(peer domain.JID, device domain.DeviceID) error {
	return s.update("delete remote identity", func(tx *bolt.Tx) error {
		b, _ := peerBucket(tx, bucketIdentities, peer, false)
		if b == nil {
			return nil
		}
		return b.Delete(u32key(uint32(device)))
	})
}
