package store

import (
	"sort"

	bolt "go.etcd.io/bbolt"

	"omemo/internal/domain"
)

// IsActive reports whether encryption is switched on for peer.
func (s *Store) IsActive(peer domain.JID) (bool, error) {
	var on bool
	err := s.view("load trust", func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketTrust).Get([]byte(peer))
		on = len(v) == 1 && v[0] == 1
		return nil
	})
	return on, err
}

// SetActive switches encryption for peer on or off.
func (s *Store) SetActive(peer domain.JID, active bool) error {
	return s.update("store trust", func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTrust)
		if !active {
			return b.Delete([]byte(peer))
		}
		return b.Put([]byte(peer), []byte{1})
	})
}

// LoadDevices returns the stored device set of peer, ascending.
func (s *Store) LoadDevices(peer domain.JID) ([]domain.DeviceID, error) {
	var out []domain.DeviceID
	err := s.view("load devices", func(tx *bolt.Tx) error {
		_, err := getJSON(tx.Bucket(bucketDevices), []byte(peer), &out)
		return err
	})
	return out, err
}

// SaveDevices replaces the device set of peer. Duplicates are dropped.
func (s *Store) SaveDevices(peer domain.JID, devices []domain.DeviceID) error {
	set := make(map[domain.DeviceID]struct{}, len(devices))
	list := make([]domain.DeviceID, 0, len(devices))
	for _, d := range devices {
		if _, dup := set[d]; dup {
			continue
		}
		set[d] = struct{}{}
		list = append(list, d)
	}
	sort.Slice(list, func(i, j int) bool { return list[i] < list[j] })
	return s.update("save devices", func(tx *bolt.Tx) error {
		return putJSON(tx.Bucket(bucketDevices), []byte(peer), list)
	})
}
