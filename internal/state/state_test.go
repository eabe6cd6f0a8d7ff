package state_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"omemo/internal/domain"
	"omemo/internal/state"
	"omemo/internal/store"
)

const (
	alice = domain.JID("alice@example.org")
	bob   = domain.JID("bob@example.org")
)

type request struct {
	kind    state.RequestKind
	id      string
	peer    domain.JID
	device  domain.DeviceID
	devices []domain.DeviceID
	bundle  domain.Bundle
}

// fakeTransport records every request and optionally fails them.
type fakeTransport struct {
	mu   sync.Mutex
	reqs []request
	fail error
}

func (f *fakeTransport) record(r request) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return f.fail
	}
	f.reqs = append(f.reqs, r)
	return nil
}

func (f *fakeTransport) RequestBundle(_ context.Context, id string, peer domain.JID, device domain.DeviceID) error {
	return f.record(request{kind: state.BundleFetch, id: id, peer: peer, device: device})
}

func (f *fakeTransport) PublishDeviceList(_ context.Context, id string, devices []domain.DeviceID) error {
	return f.record(request{kind: state.DeviceListPublish, id: id, devices: devices})
}

func (f *fakeTransport) PublishBundle(_ context.Context, id string, device domain.DeviceID, bundle domain.Bundle) error {
	return f.record(request{kind: state.BundlePublish, id: id, device: device, bundle: bundle})
}

func (f *fakeTransport) of(kind state.RequestKind) []request {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []request
	for _, r := range f.reqs {
		if r.kind == kind {
			out = append(out, r)
		}
	}
	return out
}

type account struct {
	*state.State
	net *fakeTransport
}

func newAccount(t *testing.T, jid domain.JID, mutate ...func(*state.Config)) account {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "omemo.db"), "pass", store.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	logger, _ := test.NewNullLogger()
	net := &fakeTransport{}
	cfg := state.Config{
		Account:      jid,
		Store:        s,
		Transport:    net,
		Logger:       logrus.NewEntry(logger),
		PreKeyAmount: 10,
		PreKeyMin:    2,
		AutoActivate: true,
	}
	for _, m := range mutate {
		m(&cfg)
	}
	st, err := state.New(cfg)
	require.NoError(t, err)
	return account{State: st, net: net}
}

// establish runs the bundle exchange so that from has a session with to.
func establish(t *testing.T, ctx context.Context, from, to account) {
	t.Helper()
	require.NoError(t, from.OnDeviceListUpdate(ctx, to.Account(), []domain.DeviceID{to.DeviceID()}))
	ids, err := from.EnsureSessions(ctx, to.Account())
	require.NoError(t, err)
	require.Len(t, ids, 1)
	bundle, err := to.Bundle()
	require.NoError(t, err)
	require.NoError(t, from.OnKeyExchangeResponse(ids[0], &bundle, nil))
}

func TestScenario_TwoAccounts(t *testing.T) {
	ctx := context.Background()
	a, b := newAccount(t, alice), newAccount(t, bob)

	require.NoError(t, a.OnDeviceListUpdate(ctx, bob, []domain.DeviceID{b.DeviceID()}))
	ids, err := a.EnsureSessions(ctx, bob)
	require.NoError(t, err)
	require.Len(t, ids, 1)

	fetches := a.net.of(state.BundleFetch)
	require.Len(t, fetches, 1)
	assert.Equal(t, bob, fetches[0].peer)
	assert.Equal(t, b.DeviceID(), fetches[0].device)
	assert.Equal(t, ids[0], fetches[0].id)
	require.Len(t, a.Pending(), 1)

	// A second call while the fetch is in flight issues nothing new.
	again, err := a.EnsureSessions(ctx, bob)
	require.NoError(t, err)
	assert.Empty(t, again)
	assert.Len(t, a.net.of(state.BundleFetch), 1)

	bundle, err := b.Bundle()
	require.NoError(t, err)
	require.NoError(t, a.OnKeyExchangeResponse(ids[0], &bundle, nil))
	assert.Empty(t, a.Pending())
	missing, err := a.MissingSessions(bob)
	require.NoError(t, err)
	assert.Zero(t, missing)

	env, err := a.EncryptFor(bob, []byte("hi"))
	require.NoError(t, err)
	require.Len(t, env.Keys, 1)
	assert.Equal(t, b.DeviceID(), env.Keys[0].RecipientDeviceID)
	assert.True(t, env.Keys[0].IsPreKeyMessage)

	msg, err := b.Decrypt(ctx, alice, env)
	require.NoError(t, err)
	assert.Equal(t, "hi", string(msg.Plaintext))
	assert.Equal(t, a.DeviceID(), msg.SenderDeviceID)

	devs, err := b.Devices(alice)
	require.NoError(t, err)
	assert.Contains(t, devs, a.DeviceID())
	missing, err = b.MissingSessions(alice)
	require.NoError(t, err)
	assert.Zero(t, missing, "session with the sender exists on the receiving side")

	active, err := b.IsActive(alice)
	require.NoError(t, err)
	assert.True(t, active, "encryption auto-activated")
}

func TestRoundTrip_BothDirections(t *testing.T) {
	ctx := context.Background()
	a, b := newAccount(t, alice), newAccount(t, bob)
	establish(t, ctx, a, b)

	for _, text := range []string{"one", "two", ""} {
		env, err := a.EncryptFor(bob, []byte(text))
		require.NoError(t, err)
		msg, err := b.Decrypt(ctx, alice, env)
		require.NoError(t, err)
		assert.Equal(t, text, string(msg.Plaintext))
	}

	reply, err := b.EncryptFor(alice, []byte("back"))
	require.NoError(t, err)
	assert.False(t, reply.Keys[0].IsPreKeyMessage)
	msg, err := a.Decrypt(ctx, bob, reply)
	require.NoError(t, err)
	assert.Equal(t, "back", string(msg.Plaintext))
}

func TestReplenishAndRepublishAfterNewSession(t *testing.T) {
	ctx := context.Background()
	a := newAccount(t, alice)
	b := newAccount(t, bob, func(c *state.Config) { c.PreKeyAmount = 2 })
	establish(t, ctx, a, b)

	env, err := a.EncryptFor(bob, []byte("hi"))
	require.NoError(t, err)
	_, err = b.Decrypt(ctx, alice, env)
	require.NoError(t, err)

	pubs := b.net.of(state.BundlePublish)
	require.Len(t, pubs, 1)
	assert.Len(t, pubs[0].bundle.PreKeys, 2)
	assert.Equal(t, b.DeviceID(), pubs[0].device)
}

func TestOwnDeviceList_RepublishOnce(t *testing.T) {
	ctx := context.Background()
	a := newAccount(t, alice)
	assert.False(t, a.OwnDeviceIDPublished())

	require.NoError(t, a.OnOwnDeviceListUpdate(ctx, []domain.DeviceID{5}))
	assert.False(t, a.OwnDeviceIDPublished())
	lists := a.net.of(state.DeviceListPublish)
	require.Len(t, lists, 1, "republish exactly once")
	assert.ElementsMatch(t, []domain.DeviceID{5, a.DeviceID()}, lists[0].devices)

	require.NoError(t, a.OnPublishResult(ctx, lists[0].id, nil))
	assert.True(t, a.OwnDeviceIDPublished())
	assert.Len(t, a.net.of(state.DeviceListPublish), 1)

	// A well-formed list needs nothing.
	require.NoError(t, a.OnOwnDeviceListUpdate(ctx, []domain.DeviceID{a.DeviceID(), 5}))
	assert.Len(t, a.net.of(state.DeviceListPublish), 1)

	// Duplicates are cleaned up by one republish.
	require.NoError(t, a.OnOwnDeviceListUpdate(ctx, []domain.DeviceID{a.DeviceID(), 5, 5}))
	lists = a.net.of(state.DeviceListPublish)
	require.Len(t, lists, 2)
	assert.ElementsMatch(t, []domain.DeviceID{5, a.DeviceID()}, lists[1].devices)

	// Own devices are routed through the same entry point.
	require.NoError(t, a.OnDeviceListUpdate(ctx, alice, []domain.DeviceID{9}))
	assert.Len(t, a.net.of(state.DeviceListPublish), 3)
}

func TestAnnounce_RepublishesDeviceListWhenMissing(t *testing.T) {
	ctx := context.Background()
	a := newAccount(t, alice)

	id, err := a.Announce(ctx)
	require.NoError(t, err)
	pubs := a.net.of(state.BundlePublish)
	require.Len(t, pubs, 1)
	assert.Equal(t, id, pubs[0].id)

	require.NoError(t, a.OnPublishResult(ctx, id, nil))
	lists := a.net.of(state.DeviceListPublish)
	require.Len(t, lists, 1)
	assert.Equal(t, []domain.DeviceID{a.DeviceID()}, lists[0].devices)

	require.NoError(t, a.OnPublishResult(ctx, lists[0].id, nil))
	assert.True(t, a.OwnDeviceIDPublished())

	// Announcing again finds the list up to date.
	id, err = a.Announce(ctx)
	require.NoError(t, err)
	require.NoError(t, a.OnPublishResult(ctx, id, nil))
	assert.Len(t, a.net.of(state.DeviceListPublish), 1)
}

func TestPublishRejected(t *testing.T) {
	ctx := context.Background()
	a := newAccount(t, alice)
	id, err := a.Announce(ctx)
	require.NoError(t, err)

	rejected := errors.New("forbidden")
	assert.ErrorIs(t, a.OnPublishResult(ctx, id, rejected), rejected)
	assert.Empty(t, a.net.of(state.DeviceListPublish))
	assert.Empty(t, a.Pending())
}

func TestClearOwnDeviceList(t *testing.T) {
	ctx := context.Background()
	a := newAccount(t, alice)
	require.NoError(t, a.OnOwnDeviceListUpdate(ctx, []domain.DeviceID{a.DeviceID(), 4, 8}))

	id, err := a.ClearOwnDeviceList(ctx)
	require.NoError(t, err)
	lists := a.net.of(state.DeviceListPublish)
	require.Len(t, lists, 1)
	assert.Equal(t, []domain.DeviceID{a.DeviceID()}, lists[0].devices)

	require.NoError(t, a.OnPublishResult(ctx, id, nil))
	devs, err := a.Devices(alice)
	require.NoError(t, err)
	assert.Equal(t, []domain.DeviceID{a.DeviceID()}, devs)
}

func TestKeyExchangeResponse_UnknownAndAbandoned(t *testing.T) {
	ctx := context.Background()
	a, b := newAccount(t, alice), newAccount(t, bob)
	bundle, err := b.Bundle()
	require.NoError(t, err)

	assert.ErrorIs(t, a.OnKeyExchangeResponse("nope", &bundle, nil), domain.ErrUnknownRequest)

	require.NoError(t, a.OnDeviceListUpdate(ctx, bob, []domain.DeviceID{b.DeviceID()}))
	ids, err := a.EnsureSessions(ctx, bob)
	require.NoError(t, err)
	require.Len(t, ids, 1)

	// A bundle response cannot complete a publication and vice versa.
	assert.ErrorIs(t, a.OnPublishResult(ctx, ids[0], nil), domain.ErrUnknownRequest)
	require.Len(t, a.Pending(), 1)

	assert.True(t, a.Abandon(ids[0]))
	assert.False(t, a.Abandon(ids[0]))
	assert.ErrorIs(t, a.OnKeyExchangeResponse(ids[0], &bundle, nil), domain.ErrUnknownRequest)

	// The device is Idle again, so a new request goes out.
	ids, err = a.EnsureSessions(ctx, bob)
	require.NoError(t, err)
	assert.Len(t, ids, 1)
}

func TestKeyExchangeResponse_Failed(t *testing.T) {
	ctx := context.Background()
	a, b := newAccount(t, alice), newAccount(t, bob)
	require.NoError(t, a.OnDeviceListUpdate(ctx, bob, []domain.DeviceID{b.DeviceID()}))

	ids, err := a.EnsureSessions(ctx, bob)
	require.NoError(t, err)
	assert.ErrorIs(t, a.OnKeyExchangeResponse(ids[0], nil, errors.New("item-not-found")), domain.ErrBundleInvalid)

	ids, err = a.EnsureSessions(ctx, bob)
	require.NoError(t, err)
	require.Len(t, ids, 1)
	bad, err := b.Bundle()
	require.NoError(t, err)
	bad.SignedPreKey = domain.X25519Public{}
	assert.ErrorIs(t, a.OnKeyExchangeResponse(ids[0], &bad, nil), domain.ErrBundleInvalid)

	missing, err := a.MissingSessions(bob)
	require.NoError(t, err)
	assert.Equal(t, 1, missing)
}

func TestKeyExchangeResponse_TrustMismatch(t *testing.T) {
	ctx := context.Background()
	a, b, c := newAccount(t, alice), newAccount(t, bob), newAccount(t, "carol@example.org")
	establish(t, ctx, a, b)

	fp, ok, err := a.DeviceFingerprint(bob, b.DeviceID())
	require.NoError(t, err)
	require.True(t, ok)
	own, err := b.Fingerprint()
	require.NoError(t, err)
	assert.Equal(t, own, fp)

	require.NoError(t, a.RemoveDevices(bob, []domain.DeviceID{b.DeviceID()}))
	require.NoError(t, a.OnDeviceListUpdate(ctx, bob, []domain.DeviceID{b.DeviceID()}))
	ids, err := a.EnsureSessions(ctx, bob)
	require.NoError(t, err)
	require.Len(t, ids, 1)

	impostor, err := c.Bundle()
	require.NoError(t, err)
	err = a.OnKeyExchangeResponse(ids[0], &impostor, nil)
	var mm *domain.TrustMismatchError
	require.True(t, errors.As(err, &mm))
	assert.Equal(t, b.DeviceID(), mm.Device)

	// After a reset the new key is accepted on first use.
	require.NoError(t, a.ResetDevice(bob, b.DeviceID()))
	ids, err = a.EnsureSessions(ctx, bob)
	require.NoError(t, err)
	require.NoError(t, a.OnKeyExchangeResponse(ids[0], &impostor, nil))
}

func TestOutbound_InactiveAndNoViableRecipient(t *testing.T) {
	ctx := context.Background()
	a := newAccount(t, alice)

	env, err := a.OnOutbound(ctx, bob, []byte("plain"))
	require.NoError(t, err)
	assert.Nil(t, env, "inactive contact gets the message unmodified")

	require.NoError(t, a.SetActive(bob))
	require.NoError(t, a.OnDeviceListUpdate(ctx, bob, []domain.DeviceID{7}))
	_, err = a.OnOutbound(ctx, bob, []byte("secret"))
	assert.ErrorIs(t, err, domain.ErrNoViableRecipient)
	assert.Len(t, a.net.of(state.BundleFetch), 1, "missing session was requested")

	require.NoError(t, a.SetInactive(bob))
	active, err := a.IsActive(bob)
	require.NoError(t, err)
	assert.False(t, active)
}

func TestHandle_Events(t *testing.T) {
	ctx := context.Background()
	a, b := newAccount(t, alice), newAccount(t, bob)
	establish(t, ctx, a, b)
	require.NoError(t, a.SetActive(bob))

	out, err := a.Handle(ctx, state.OutboundPlaintext{To: bob, Body: []byte("via events")})
	require.NoError(t, err)
	require.NotNil(t, out.Envelope)

	tampered := *out.Envelope
	tampered.Payload = append([]byte(nil), tampered.Payload...)
	tampered.Payload[0] ^= 0xff
	_, err = b.Handle(ctx, state.InboundEnvelope{From: alice, Envelope: tampered})
	assert.ErrorIs(t, err, domain.ErrDecryptionFailure)

	out, err = b.Handle(ctx, state.InboundEnvelope{From: alice, Envelope: *out.Envelope})
	require.NoError(t, err)
	require.NotNil(t, out.Decrypted)
	assert.Equal(t, "via events", string(out.Decrypted.Plaintext))

	out, err = b.Handle(ctx, state.PlaintextReceived{From: alice})
	require.NoError(t, err)
	assert.True(t, out.PlaintextWarning)
	out, err = b.Handle(ctx, state.PlaintextReceived{From: "stranger@example.org"})
	require.NoError(t, err)
	assert.False(t, out.PlaintextWarning)

	_, err = b.Handle(ctx, state.DeviceListUpdate{Peer: alice, Devices: []domain.DeviceID{42}})
	require.NoError(t, err)
	devs, err := b.Devices(alice)
	require.NoError(t, err)
	assert.Contains(t, devs, domain.DeviceID(42))

	_, err = b.Handle(ctx, state.KeyExchangeResponse{RequestID: "missing"})
	assert.ErrorIs(t, err, domain.ErrUnknownRequest)
	_, err = b.Handle(ctx, state.PublishResult{RequestID: "missing"})
	assert.ErrorIs(t, err, domain.ErrUnknownRequest)
}

func TestInbound_NotAddressedToMe(t *testing.T) {
	ctx := context.Background()
	a, b := newAccount(t, alice), newAccount(t, bob)
	c := newAccount(t, "carol@example.org")
	establish(t, ctx, a, b)

	env, err := a.EncryptFor(bob, []byte("hi"))
	require.NoError(t, err)

	msg, err := c.OnInbound(ctx, alice, env)
	require.NoError(t, err)
	assert.Nil(t, msg)

	out, err := c.Handle(ctx, state.InboundEnvelope{From: alice, Envelope: env})
	require.NoError(t, err)
	assert.Nil(t, out.Decrypted)
}

func TestInbound_SentCarbonFromOwnDevice(t *testing.T) {
	ctx := context.Background()
	phone, laptop := newAccount(t, alice), newAccount(t, alice)
	b := newAccount(t, bob)
	establish(t, ctx, phone, b)
	establish(t, ctx, phone, laptop)

	env, err := phone.EncryptFor(bob, []byte("sent from phone"))
	require.NoError(t, err)
	require.Len(t, env.Keys, 2)

	out, err := laptop.Handle(ctx, state.InboundEnvelope{From: bob, To: bob, Sent: true, Envelope: env})
	require.NoError(t, err)
	require.NotNil(t, out.Decrypted)
	assert.Equal(t, alice, out.Decrypted.From)
	assert.Equal(t, "sent from phone", string(out.Decrypted.Plaintext))

	active, err := laptop.IsActive(bob)
	require.NoError(t, err)
	assert.True(t, active)
}

func TestTransportFailureDropsPending(t *testing.T) {
	ctx := context.Background()
	a := newAccount(t, alice)
	require.NoError(t, a.OnDeviceListUpdate(ctx, bob, []domain.DeviceID{7}))

	a.net.fail = errors.New("offline")
	_, err := a.EnsureSessions(ctx, bob)
	require.Error(t, err)
	assert.Empty(t, a.Pending())
}

func TestConcurrentCallers(t *testing.T) {
	ctx := context.Background()
	a, b := newAccount(t, alice), newAccount(t, bob)
	establish(t, ctx, a, b)

	const rounds = 200
	var (
		wg   sync.WaitGroup
		envs []domain.Envelope
		errs = make(chan error, 3*rounds)
	)
	wg.Add(3)
	go func() {
		defer wg.Done()
		for i := 0; i < rounds; i++ {
			errs <- a.SetActive(bob)
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < rounds; i++ {
			_, err := a.IsActive(bob)
			errs <- err
			_ = a.Pending()
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < rounds; i++ {
			env, err := a.EncryptFor(bob, []byte("hi"))
			errs <- err
			if err == nil {
				envs = append(envs, env)
			}
		}
	}()
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	require.Len(t, envs, rounds)
	for _, env := range envs {
		msg, err := b.Decrypt(ctx, alice, env)
		require.NoError(t, err)
		assert.Equal(t, "hi", string(msg.Plaintext))
	}
	active, err := a.IsActive(bob)
	require.NoError(t, err)
	assert.True(t, active)
}

func TestAnnounce_AfterRestartKeepsOwnDevices(t *testing.T) {
	ctx := context.Background()
	var cfg state.Config
	a := newAccount(t, alice, func(c *state.Config) { cfg = *c })
	require.NoError(t, a.OnOwnDeviceListUpdate(ctx, []domain.DeviceID{5, 7}))
	lists := a.net.of(state.DeviceListPublish)
	require.Len(t, lists, 1)
	require.NoError(t, a.OnPublishResult(ctx, lists[0].id, nil))

	// Same store, fresh process: the bundle acknowledgement arrives before
	// any own device list notification.
	net := &fakeTransport{}
	cfg.Transport = net
	restarted, err := state.New(cfg)
	require.NoError(t, err)
	assert.Equal(t, a.DeviceID(), restarted.DeviceID())

	id, err := restarted.Announce(ctx)
	require.NoError(t, err)
	require.NoError(t, restarted.OnPublishResult(ctx, id, nil))
	lists = net.of(state.DeviceListPublish)
	require.Len(t, lists, 1)
	assert.ElementsMatch(t, []domain.DeviceID{5, 7, a.DeviceID()}, lists[0].devices)
}
