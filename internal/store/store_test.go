package store_test

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"omemo/internal/domain"
	"omemo/internal/store"
)

func openStore(t *testing.T, pass string) (*store.Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "omemo.db")
	s, err := store.Open(path, pass, store.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, path
}

func sampleIdentity() domain.LocalIdentity {
	return domain.LocalIdentity{
		XPub:           domain.X25519Public{1},
		XPriv:          domain.X25519Private{2},
		EdPub:          domain.Ed25519Public{3},
		EdPriv:         domain.Ed25519Private{4},
		RegistrationID: 1234,
	}
}

func TestLocalIdentity_SaveLoad(t *testing.T) {
	s, _ := openStore(t, "pass")

	_, ok, err := s.LoadLocalIdentity()
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.StoreLocalIdentity(sampleIdentity()))
	got, ok, err := s.LoadLocalIdentity()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, sampleIdentity(), got)
	assert.Equal(t, domain.DeviceID(1234), got.DeviceID())
}

func TestLocalIdentity_WrongPassphrase(t *testing.T) {
	s, path := openStore(t, "correct")
	require.NoError(t, s.StoreLocalIdentity(sampleIdentity()))
	require.NoError(t, s.Close())

	other, err := store.Open(path, "wrong", store.Options{})
	require.NoError(t, err)
	defer other.Close()

	_, _, err = other.LoadLocalIdentity()
	assert.ErrorIs(t, err, store.ErrWrongPassphrase)
}

func TestPreKeys_ConsumeOnce(t *testing.T) {
	s, _ := openStore(t, "pass")
	recs := []domain.PreKeyRecord{{ID: 1, Pub: domain.X25519Public{1}}, {ID: 2, Pub: domain.X25519Public{2}}}
	require.NoError(t, s.StorePreKeys(recs))

	n, err := s.CountPreKeys()
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	rec, ok, err := s.ConsumePreKey(1)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, recs[0], rec)

	_, ok, err = s.ConsumePreKey(1)
	require.NoError(t, err)
	assert.False(t, ok)

	left, err := s.ListPreKeys()
	require.NoError(t, err)
	assert.Equal(t, recs[1:], left)
}

func TestNextPreKeyID_Reserves(t *testing.T) {
	s, _ := openStore(t, "pass")
	first, err := s.NextPreKeyID(100)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), first)

	next, err := s.NextPreKeyID(5)
	require.NoError(t, err)
	assert.Equal(t, uint32(101), next)

	_, err = s.NextPreKeyID(0)
	assert.Error(t, err)
}

func TestSignedPreKey_SaveLoad(t *testing.T) {
	s, _ := openStore(t, "pass")
	_, ok, err := s.LoadSignedPreKey()
	require.NoError(t, err)
	assert.False(t, ok)

	rec := domain.SignedPreKeyRecord{ID: 1, Pub: domain.X25519Public{5}, Signature: []byte("sig"), CreatedUTC: 10}
	require.NoError(t, s.StoreSignedPreKey(rec))
	got, ok, err := s.LoadSignedPreKey()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, rec, got)
}

func TestSessions_Lifecycle(t *testing.T) {
	s, _ := openStore(t, "pass")
	peer := domain.JID("bob@example.org")

	sess := domain.Session{Peer: peer, Device: 7, CreatedUTC: 1, State: domain.RatchetState{RootKey: []byte{1}}}
	require.NoError(t, s.StoreSession(peer, 7, sess))
	require.NoError(t, s.StoreSession(peer, 3, domain.Session{Peer: peer, Device: 3}))

	ok, err := s.ContainsSession(peer, 7)
	require.NoError(t, err)
	assert.True(t, ok)

	got, ok, err := s.LoadSession(peer, 7)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte{1}, got.State.RootKey)

	devs, err := s.SessionDevices(peer)
	require.NoError(t, err)
	assert.Equal(t, []domain.DeviceID{3, 7}, devs)

	require.NoError(t, s.DeleteSession(peer, 3))
	ok, err = s.ContainsSession(peer, 3)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.DeleteAllSessions(peer))
	require.NoError(t, s.DeleteAllSessions(peer))
	devs, err = s.SessionDevices(peer)
	require.NoError(t, err)
	assert.Empty(t, devs)
}

func TestIdentities_TrustOnFirstUse(t *testing.T) {
	s, _ := openStore(t, "pass")
	peer := domain.JID("bob@example.org")
	k1 := domain.IdentityKey{DH: domain.X25519Public{1}, Signing: domain.Ed25519Public{1}}
	k2 := domain.IdentityKey{DH: domain.X25519Public{2}, Signing: domain.Ed25519Public{1}}

	trusted, err := s.IsTrustedIdentity(peer, 7, k1)
	require.NoError(t, err)
	assert.True(t, trusted, "unknown device is trusted on first use")

	require.NoError(t, s.SaveIdentity(peer, 7, k1))
	trusted, err = s.IsTrustedIdentity(peer, 7, k1)
	require.NoError(t, err)
	assert.True(t, trusted)

	trusted, err = s.IsTrustedIdentity(peer, 7, k2)
	require.NoError(t, err)
	assert.False(t, trusted)

	require.NoError(t, s.DeleteIdentity(peer, 7))
	_, ok, err := s.LoadIdentity(peer, 7)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestTrustAndDevices(t *testing.T) {
	s, _ := openStore(t, "pass")
	peer := domain.JID("bob@example.org")

	on, err := s.IsActive(peer)
	require.NoError(t, err)
	assert.False(t, on)
	require.NoError(t, s.SetActive(peer, true))
	on, err = s.IsActive(peer)
	require.NoError(t, err)
	assert.True(t, on)
	require.NoError(t, s.SetActive(peer, false))
	on, err = s.IsActive(peer)
	require.NoError(t, err)
	assert.False(t, on)

	require.NoError(t, s.SaveDevices(peer, []domain.DeviceID{3, 1, 2, 2}))
	devs, err := s.LoadDevices(peer)
	require.NoError(t, err)
	assert.Equal(t, []domain.DeviceID{1, 2, 3}, devs)
}

func TestUpdate_RollsBackOnError(t *testing.T) {
	s, _ := openStore(t, "pass")
	peer := domain.JID("bob@example.org")
	require.NoError(t, s.StorePreKeys([]domain.PreKeyRecord{{ID: 9}}))

	boom := errors.New("boom")
	err := s.Update(func(tx domain.KeyStore) error {
		if _, _, err := tx.ConsumePreKey(9); err != nil {
			return err
		}
		if err := tx.StoreSession(peer, 7, domain.Session{Peer: peer, Device: 7}); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	_, ok, err := s.LoadPreKey(9)
	require.NoError(t, err)
	assert.True(t, ok, "pre-key consumption rolled back")
	ok, err = s.ContainsSession(peer, 7)
	require.NoError(t, err)
	assert.False(t, ok, "session write rolled back")
}

func TestUpdate_CommitsAndNests(t *testing.T) {
	s, _ := openStore(t, "pass")
	peer := domain.JID("bob@example.org")

	err := s.Update(func(tx domain.KeyStore) error {
		if err := tx.StoreLocalIdentity(sampleIdentity()); err != nil {
			return err
		}
		id, ok, err := tx.LoadLocalIdentity()
		if err != nil || !ok {
			return errors.New("identity not visible inside transaction")
		}
		assert.Equal(t, uint32(1234), id.RegistrationID)
		return tx.Update(func(inner domain.KeyStore) error {
			return inner.SetActive(peer, true)
		})
	})
	require.NoError(t, err)

	on, err := s.IsActive(peer)
	require.NoError(t, err)
	assert.True(t, on)
	_, ok, err := s.LoadLocalIdentity()
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestOpen_LockedFileIsStorageError(t *testing.T) {
	_, path := openStore(t, "pass")
	_, err := store.Open(path, "pass", store.Options{Timeout: 50 * time.Millisecond})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrStorage)
}
