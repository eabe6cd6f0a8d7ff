package store

import (
	"encoding/binary"
	"fmt"

	bolt "go.etcd.io/bbolt"

	"omemo/internal/domain"
)

// StorePreKeys writes one-time pre-key records, replacing equal ids.
func (s *Store) StorePreKeys(records []domain.PreKeyRecord) error {
	return s.update("store prekeys", func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPreKeys)
		for _, r := range records {
			if err := putJSON(b, u32key(r.ID), r); err != nil {
				return err
			}
		}
		return nil
	})
}

// LoadPreKey returns the one-time pre-key with id.
func (s *Store) LoadPreKey(id uint32) (domain.PreKeyRecord, bool, error) {
	var (
		rec domain.PreKeyRecord
		ok  bool
	)
	err := s.view("load prekey", func(tx *bolt.Tx) error {
		var err error
		ok, err = getJSON(tx.Bucket(bucketPreKeys), u32key(id), &rec)
		return err
	})
	return rec, ok, err
}

// ConsumePreKey removes the one-time pre-key with id and returns it. A
// second call for the same id reports ok=false.
func (s *Store) ConsumePreKey(id uint32) (domain.PreKeyRecord, bool, error) {
	var (
		rec domain.PreKeyRecord
		ok  bool
	)
	err := s.update("consume prekey", func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPreKeys)
		var err error
		if ok, err = getJSON(b, u32key(id), &rec); err != nil || !ok {
			return err
		}
		return b.Delete(u32key(id))
	})
	if err != nil {
		return domain.PreKeyRecord{}, false, err
	}
	return rec, ok, nil
}

// ListPreKeys returns all remaining one-time pre-keys ordered by id.
func (s *Store) ListPreKeys() ([]domain.PreKeyRecord, error) {
	var out []domain.PreKeyRecord
	err := s.view("list prekeys", func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPreKeys)
		return b.ForEach(func(k, _ []byte) error {
			var rec domain.PreKeyRecord
			if _, err := getJSON(b, k, &rec); err != nil {
				return err
			}
			out = append(out, rec)
			return nil
		})
	})
	return out, err
}

// CountPreKeys returns the size of the one-time pre-key pool.
func (s *Store) CountPreKeys() (int, error) {
	var n int
	err := s.view("count prekeys", func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPreKeys).ForEach(func(_, _ []byte) error {
			n++
			return nil
		})
	})
	return n, err
}

// NextPreKeyID reserves count consecutive pre-key ids and returns the first.
// Ids start at 1 and are never reused.
func (s *Store) NextPreKeyID(count int) (uint32, error) {
	if count <= 0 {
		return 0, fmt.Errorf("reserve %d prekey ids", count)
	}
	var first uint32
	err := s.update("reserve prekey ids", func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketMeta)
		first = 1
		if v := b.Get(keyNextPreKeyID); len(v) == 4 {
			first = binary.BigEndian.Uint32(v)
		}
		return b.Put(keyNextPreKeyID, u32key(first+uint32(count)))
	})
	return first, err
}

// StoreSignedPreKey writes the current signed pre-key.
func (s *Store) StoreSignedPreKey(record domain.SignedPreKeyRecord) error {
	return s.update("store signed prekey", func(tx *bolt.Tx) error {
		return putJSON(tx.Bucket(bucketMeta), keySignedPreKey, record)
	})
}

// LoadSignedPreKey returns the current signed pre-key.
func (s *Store) LoadSignedPreKey() (domain.SignedPreKeyRecord, bool, error) {
	var (
		rec domain.SignedPreKeyRecord
		ok  bool
	)
	err := s.view("load signed prekey", func(tx *bolt.Tx) error {
		var err error
		ok, err = getJSON(tx.Bucket(bucketMeta), keySignedPreKey, &rec)
		return err
	})
	return rec, ok, err
}
