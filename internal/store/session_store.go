package store

import (
	"encoding/binary"

	bolt "go.etcd.io/bbolt"

	"omemo/internal/domain"
)

// LoadSession returns the session with the device.
func (s *Store) LoadSession(peer domain.JID, device domain.DeviceID) (domain.Session, bool, error) {
	var (
		sess domain.Session
		ok   bool
	)
	err := s.view("load session", func(tx *bolt.Tx) error {
		b, _ := peerBucket(tx, bucketSessions, peer, false)
		var err error
		ok, err = getJSON(b, u32key(uint32(device)), &sess)
		return err
	})
	return sess, ok, err
}

// StoreSession writes the session with the device, replacing the old one.
func (s *Store) StoreSession(peer domain.JID, device domain.DeviceID, session domain.Session) error {
	return s.update("store session", func(tx *bolt.Tx) error {
		b, err := peerBucket(tx, bucketSessions, peer, true)
		if err != nil {
			return err
		}
		return putJSON(b, u32key(uint32(device)), session)
	})
}

// ContainsSession reports whether a session with the device exists.
func (s *Store) ContainsSession(peer domain.JID, device domain.DeviceID) (bool, error) {
	var ok bool
	err := s.view("contains session", func(tx *bolt.Tx) error {
		b, _ := peerBucket(tx, bucketSessions, peer, false)
		ok = b != nil && b.Get(u32key(uint32(device))) != nil
		return nil
	})
	return ok, err
}

// DeleteSession removes the session with the device.
func (s *Store) DeleteSession(peer domain.JID, device domain.DeviceID) error {
	return s.update("delete session", func(tx *bolt.Tx) error {
		b, _ := peerBucket(tx, bucketSessions, peer, false)
		if b == nil {
			return nil
		}
		return b.Delete(u32key(uint32(device)))
	})
}

// DeleteAllSessions removes every session with peer.
func (s *Store) DeleteAllSessions(peer domain.JID) error {
	return s.update("delete sessions", func(tx *bolt.Tx) error {
		err := tx.Bucket(bucketSessions).DeleteBucket([]byte(peer))
		if err == bolt.ErrBucketNotFound {
			return nil
		}
		return err
	})
}

// SessionDevices lists the devices of peer that have a session, ascending.
func (s *Store) SessionDevices(peer domain.JID) ([]domain.DeviceID, error) {
	var out []domain.DeviceID
	err := s.view("list sessions", func(tx *bolt.Tx) error {
		b, _ := peerBucket(tx, bucketSessions, peer, false)
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, _ []byte) error {
			out = append(out, domain.DeviceID(binary.BigEndian.Uint32(k)))
			return nil
		})
	})
	return out, err
}
