package store

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sync "github.com/sasha-s/go-deadlock"
	"github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"

	"omemo/internal/domain"
)

var (
	bucketMeta       = []byte("meta")
	bucketPreKeys    = []byte("prekeys")
	bucketIdentities = []byte("identities")
	bucketSessions   = []byte("sessions")
	bucketTrust      = []byte("trust")
	bucketDevices    = []byte("devices")

	allBuckets = [][]byte{bucketMeta, bucketPreKeys, bucketIdentities, bucketSessions, bucketTrust, bucketDevices}

	keyIdentity     = []byte("identity")
	keySignedPreKey = []byte("signed_prekey")
	keyNextPreKeyID = []byte("next_prekey_id")
)

// Store is the persistent key and session store of one account.
type Store struct {
	db         *bolt.DB
	passphrase string
	log        *logrus.Entry
	cache      *identityCache

	// tx is set on the store handed to Update callbacks.
	tx *bolt.Tx
	// wroteIdentity marks that the identity was stored in tx, so it must
	// not be cached before the commit.
	wroteIdentity bool
}

type identityCache struct {
	sync.Mutex
	id *domain.LocalIdentity
}

// Options tune Open.
type Options struct {
	// Timeout bounds how long Open waits for the file lock.
	Timeout time.Duration
	Logger  *logrus.Entry
}

// Open opens (or creates) the database at path. The passphrase seals the
// local identity.
func Open(path, passphrase string, opts Options) (*Store, error) {
	if opts.Timeout == 0 {
		opts.Timeout = time.Second
	}
	if opts.Logger == nil {
		opts.Logger = logrus.NewEntry(logrus.StandardLogger())
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{
		Timeout:      opts.Timeout,
		FreelistType: bolt.FreelistArrayType,
	})
	if err != nil {
		return nil, wrap("open", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, wrap("init buckets", err)
	}
	return &Store{
		db:         db,
		passphrase: passphrase,
		log:        opts.Logger.WithField("db", path),
		cache:      &identityCache{},
	}, nil
}

// Close releases the database file.
func (s *Store) Close() error {
	if s.tx != nil {
		return errors.New("store: Close called inside Update")
	}
	return wrap("close", s.db.Close())
}

// Update runs fn with a store bound to one write transaction. Errors
// returned by fn are passed through unchanged and roll everything back.
func (s *Store) Update(fn func(tx domain.KeyStore) error) error {
	if s.tx != nil {
		return fn(s)
	}
	var (
		fnErr  error
		scoped *Store
	)
	err := s.db.Update(func(tx *bolt.Tx) error {
		scoped = &Store{db: s.db, passphrase: s.passphrase, log: s.log, cache: s.cache, tx: tx}
		fnErr = fn(scoped)
		return fnErr
	})
	if fnErr != nil {
		return fnErr
	}
	if err != nil {
		return wrap("commit", err)
	}
	return nil
}

// view runs fn in a read transaction, or in the bound transaction.
func (s *Store) view(op string, fn func(tx *bolt.Tx) error) error {
	if s.tx != nil {
		return wrap(op, fn(s.tx))
	}
	return wrap(op, s.db.View(fn))
}

// update runs fn in a write transaction, or in the bound transaction.
func (s *Store) update(op string, fn func(tx *bolt.Tx) error) error {
	if s.tx != nil {
		return wrap(op, fn(s.tx))
	}
	return wrap(op, s.db.Update(fn))
}

func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *domain.StorageError
	if errors.As(err, &se) {
		return err
	}
	return &domain.StorageError{Op: op, Err: err}
}

func u32key(v uint32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return b[:]
}

func getJSON(b *bolt.Bucket, key []byte, out any) (bool, error) {
	if b == nil {
		return false, nil
	}
	raw := b.Get(key)
	if raw == nil {
		return false, nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return false, fmt.Errorf("decode %x: %w", key, err)
	}
	return true, nil
}

func putJSON(b *bolt.Bucket, key []byte, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Put(key, raw)
}

// peerBucket returns the nested bucket of peer under parent, creating it
// when create is set. Without create a missing bucket yields nil.
func peerBucket(tx *bolt.Tx, parent []byte, peer domain.JID, create bool) (*bolt.Bucket, error) {
	root := tx.Bucket(parent)
	if !create {
		return root.Bucket([]byte(peer)), nil
	}
	return root.CreateBucketIfNotExists([]byte(peer))
}

// Compile-time assertion that Store implements domain.KeyStore.
var _ domain.KeyStore = (*Store)(nil)
