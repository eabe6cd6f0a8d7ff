package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"omemo/internal/domain"
	"omemo/internal/state"
)

const (
	alice = domain.JID("alice@example.org")
	bob   = domain.JID("bob@example.org")
)

func nullLog() *logrus.Entry {
	logger, _ := test.NewNullLogger()
	return logrus.NewEntry(logger)
}

func newHub(t *testing.T) (*httptest.Server, *MemoryDirectory) {
	t.Helper()
	dir := NewMemoryDirectory()
	hub := NewHub(context.Background(), dir, nullLog())
	srv := httptest.NewServer(hub.Router())
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
	})
	return srv, dir
}

// connect dials the hub and consumes the greeting device list.
func connect(t *testing.T, srv *httptest.Server, jid domain.JID, device domain.DeviceID) *Client {
	t.Helper()
	c := NewClient(srv.URL, jid, nullLog())
	require.NoError(t, c.Connect(context.Background(), device))
	t.Cleanup(func() { _ = c.Close() })
	greet, ok := next(t, c).(state.DeviceListUpdate)
	require.True(t, ok)
	assert.Equal(t, jid, greet.Peer)
	return c
}

func next(t *testing.T, c *Client) state.Event {
	t.Helper()
	select {
	case ev, ok := <-c.Events():
		require.True(t, ok, "connection closed")
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("no event")
		return nil
	}
}

// settle waits until the hub processed every frame c sent so far.
func settle(t *testing.T, c *Client) {
	t.Helper()
	require.NoError(t, c.FetchDeviceList(context.Background(), "sync@example.org"))
	ev, ok := next(t, c).(state.DeviceListUpdate)
	require.True(t, ok)
	require.Equal(t, domain.JID("sync@example.org"), ev.Peer)
}

func TestPublishAndFetchBundle(t *testing.T) {
	ctx := context.Background()
	srv, _ := newHub(t)
	a := connect(t, srv, alice, 1)
	b := connect(t, srv, bob, 2)

	bundle := domain.Bundle{SignedPreKeyID: 1, SignedPreKeySignature: []byte{1, 2, 3}}
	require.NoError(t, a.PublishBundle(ctx, "r1", 1, bundle))
	assert.Equal(t, state.PublishResult{RequestID: "r1"}, next(t, a))

	require.NoError(t, b.RequestBundle(ctx, "r2", alice, 1))
	res, ok := next(t, b).(state.KeyExchangeResponse)
	require.True(t, ok)
	assert.Equal(t, "r2", res.RequestID)
	assert.NoError(t, res.Err)
	require.NotNil(t, res.Bundle)
	assert.Equal(t, bundle, *res.Bundle)

	require.NoError(t, b.RequestBundle(ctx, "r3", alice, 9))
	res, ok = next(t, b).(state.KeyExchangeResponse)
	require.True(t, ok)
	assert.Nil(t, res.Bundle)
	assert.ErrorIs(t, res.Err, ErrItemNotFound)
}

func TestDeviceListBroadcast(t *testing.T) {
	ctx := context.Background()
	srv, _ := newHub(t)
	a := connect(t, srv, alice, 1)
	b := connect(t, srv, bob, 2)

	require.NoError(t, a.PublishDeviceList(ctx, "p1", []domain.DeviceID{1}))
	assert.Equal(t, state.PublishResult{RequestID: "p1"}, next(t, a))
	assert.Equal(t, state.DeviceListUpdate{Peer: alice, Devices: []domain.DeviceID{1}}, next(t, a))
	assert.Equal(t, state.DeviceListUpdate{Peer: alice, Devices: []domain.DeviceID{1}}, next(t, b))

	require.NoError(t, b.FetchDeviceList(ctx, alice))
	assert.Equal(t, state.DeviceListUpdate{Peer: alice, Devices: []domain.DeviceID{1}}, next(t, b))
}

func TestMessage_QueuedForOfflineDevice(t *testing.T) {
	ctx := context.Background()
	srv, dir := newHub(t)
	require.NoError(t, dir.PutDevices(ctx, bob, []domain.DeviceID{2, 3}))

	a := connect(t, srv, alice, 1)
	b2 := connect(t, srv, bob, 2)

	env := domain.Envelope{SenderDeviceID: 1, Nonce: []byte{1}, Payload: []byte{2}}
	require.NoError(t, a.SendEnvelope(ctx, bob, env))
	settle(t, a)

	in, ok := next(t, b2).(state.InboundEnvelope)
	require.True(t, ok)
	assert.Equal(t, alice, in.From)
	assert.Equal(t, env, in.Envelope)
	assert.False(t, in.Sent)

	b3 := connect(t, srv, bob, 3)
	in, ok = next(t, b3).(state.InboundEnvelope)
	require.True(t, ok, "queued message delivered on connect")
	assert.Equal(t, env, in.Envelope)

	queued, err := dir.Drain(ctx, bob, 3)
	require.NoError(t, err)
	assert.Empty(t, queued)
}

func TestMessage_CarbonToOwnDevices(t *testing.T) {
	ctx := context.Background()
	srv, _ := newHub(t)
	phone := connect(t, srv, alice, 1)
	laptop := connect(t, srv, alice, 2)
	b := connect(t, srv, bob, 7)

	env := domain.Envelope{SenderDeviceID: 1, Payload: []byte("x")}
	require.NoError(t, phone.SendEnvelope(ctx, bob, env))

	in, ok := next(t, b).(state.InboundEnvelope)
	require.True(t, ok)
	assert.Equal(t, alice, in.From)

	carbon, ok := next(t, laptop).(state.InboundEnvelope)
	require.True(t, ok)
	assert.True(t, carbon.Sent)
	assert.Equal(t, bob, carbon.To)
	assert.Equal(t, alice, carbon.From)
}

func TestMessage_Plaintext(t *testing.T) {
	ctx := context.Background()
	srv, _ := newHub(t)
	a := connect(t, srv, alice, 1)
	b := connect(t, srv, bob, 2)

	require.NoError(t, a.SendPlaintext(ctx, bob, []byte("hello")))
	assert.Equal(t, state.PlaintextReceived{From: alice, Body: []byte("hello")}, next(t, b))
}

func TestHTTPReadOnlyAPI(t *testing.T) {
	ctx := context.Background()
	srv, dir := newHub(t)

	resp, err := http.Get(srv.URL + "/devices/" + string(alice))
	require.NoError(t, err)
	var devices []domain.DeviceID
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&devices))
	resp.Body.Close()
	assert.Empty(t, devices)

	resp, err = http.Get(srv.URL + "/bundles/" + string(alice) + "/1")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	require.NoError(t, dir.PutDevices(ctx, alice, []domain.DeviceID{1}))
	require.NoError(t, dir.PutBundle(ctx, alice, 1, domain.Bundle{SignedPreKeyID: 4}))

	resp, err = http.Get(srv.URL + "/devices/" + string(alice))
	require.NoError(t, err)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&devices))
	resp.Body.Close()
	assert.Equal(t, []domain.DeviceID{1}, devices)

	resp, err = http.Get(srv.URL + "/bundles/" + string(alice) + "/1")
	require.NoError(t, err)
	var b domain.Bundle
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&b))
	resp.Body.Close()
	assert.Equal(t, uint32(4), b.SignedPreKeyID)
}

func TestConnect_RequiresIdentity(t *testing.T) {
	srv, _ := newHub(t)
	resp, err := http.Get(srv.URL + "/ws?jid=" + string(alice))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestClient_NotConnected(t *testing.T) {
	c := NewClient("ws://127.0.0.1:1", alice, nullLog())
	assert.ErrorIs(t, c.RequestBundle(context.Background(), "id", bob, 1), ErrNotConnected)
	assert.NoError(t, c.Close())
}

func TestClient_CloseWithUnreadEvents(t *testing.T) {
	ctx := context.Background()
	srv, _ := newHub(t)
	c := connect(t, srv, alice, 1)

	for i := 0; i < 2*eventBuffer; i++ {
		require.NoError(t, c.FetchDeviceList(ctx, bob))
	}
	require.Eventually(t, func() bool { return len(c.events) == eventBuffer },
		2*time.Second, 10*time.Millisecond, "read loop blocks on a full buffer")

	require.NoError(t, c.Close())
	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-c.Events():
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("events channel not closed")
		}
	}
}

func TestClient_ConnectsOnce(t *testing.T) {
	ctx := context.Background()
	srv, _ := newHub(t)
	c := connect(t, srv, alice, 1)
	assert.ErrorIs(t, c.Connect(ctx, 1), ErrAlreadyConnected)

	require.NoError(t, c.Close())
	assert.ErrorIs(t, c.Connect(ctx, 1), ErrClosed)
	assert.NoError(t, c.Close())
}

func TestClient_CloseBeforeConnect(t *testing.T) {
	c := NewClient("ws://127.0.0.1:1", alice, nullLog())
	require.NoError(t, c.Close())
	_, ok := <-c.Events()
	assert.False(t, ok)
	assert.ErrorIs(t, c.Connect(context.Background(), 1), ErrClosed)
}
