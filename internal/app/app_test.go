package app

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"omemo/internal/config"
	"omemo/internal/domain"
	"omemo/internal/relay"
	"omemo/internal/state"
)

const (
	alice = domain.JID("alice@example.org")
	bob   = domain.JID("bob@example.org")
)

type harness struct {
	app *App
	dir *relay.MemoryDirectory
}

func newHarness(t *testing.T) harness {
	t.Helper()
	logger, _ := test.NewNullLogger()
	dir := relay.NewMemoryDirectory()
	hub := relay.NewHub(context.Background(), dir, logrus.NewEntry(logger))
	srv := httptest.NewServer(hub.Router())
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
	})

	cfg := config.Default(t.TempDir())
	cfg.Relay.URL = srv.URL
	cfg.PreKeys = config.PreKeyConfig{Amount: 5, Min: 2}
	cfg.SetAccount(config.Account{JID: alice, Passphrase: "alice-pass"})
	cfg.SetAccount(config.Account{JID: bob, Passphrase: "bob-pass"})

	a := New(cfg, logger)
	t.Cleanup(func() { _ = a.Close() })
	return harness{app: a, dir: dir}
}

// start connects acc and runs it, forwarding decrypted messages.
func start(t *testing.T, ctx context.Context, acc *Account) <-chan domain.DecryptedMessage {
	t.Helper()
	require.NoError(t, acc.Connect(ctx))
	received := make(chan domain.DecryptedMessage, 8)
	go func() {
		_ = acc.Run(ctx, func(_ state.Event, out state.Outcome, _ error) {
			if out.Decrypted != nil {
				received <- *out.Decrypted
			}
		})
	}()
	return received
}

func receive(t *testing.T, ch <-chan domain.DecryptedMessage) domain.DecryptedMessage {
	t.Helper()
	select {
	case msg := <-ch:
		return msg
	case <-time.After(5 * time.Second):
		t.Fatal("no message received")
		return domain.DecryptedMessage{}
	}
}

func TestAccountsExchangeMessages(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := newHarness(t)

	a, err := h.app.Account(alice)
	require.NoError(t, err)
	b, err := h.app.Account(bob)
	require.NoError(t, err)
	same, err := h.app.Account("")
	require.NoError(t, err)
	assert.Same(t, a, same, "empty jid selects the first account")

	aliceInbox := start(t, ctx, a)
	bobInbox := start(t, ctx, b)

	// Bob's device list is republished with his device once the relay
	// acknowledged his bundle.
	require.Eventually(t, func() bool {
		devs, err := h.dir.Devices(ctx, bob)
		return err == nil && len(devs) == 1 && devs[0] == b.State.DeviceID()
	}, 5*time.Second, 20*time.Millisecond)
	assert.Eventually(t, b.State.OwnDeviceIDPublished, 5*time.Second, 20*time.Millisecond)

	require.NoError(t, a.State.SetActive(bob))
	prepCtx, cancelPrep := context.WithTimeout(ctx, 5*time.Second)
	require.NoError(t, a.Prepare(prepCtx, bob))
	cancelPrep()
	missing, err := a.State.MissingSessions(bob)
	require.NoError(t, err)
	assert.Zero(t, missing)

	encrypted, err := a.Send(ctx, bob, []byte("hi bob"))
	require.NoError(t, err)
	assert.True(t, encrypted)

	msg := receive(t, bobInbox)
	assert.Equal(t, alice, msg.From)
	assert.Equal(t, a.State.DeviceID(), msg.SenderDeviceID)
	assert.Equal(t, "hi bob", string(msg.Plaintext))
	assert.True(t, msg.NewSession)

	encrypted, err = b.Send(ctx, alice, []byte("hi alice"))
	require.NoError(t, err)
	assert.True(t, encrypted, "encryption was switched on by the first message")

	msg = receive(t, aliceInbox)
	assert.Equal(t, bob, msg.From)
	assert.Equal(t, "hi alice", string(msg.Plaintext))
	assert.False(t, msg.NewSession)
}

func TestSend_PlaintextWhenInactive(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := newHarness(t)

	a, err := h.app.Account(alice)
	require.NoError(t, err)
	b, err := h.app.Account(bob)
	require.NoError(t, err)
	require.NoError(t, a.Connect(ctx))
	require.NoError(t, b.Connect(ctx))

	plain := make(chan state.PlaintextReceived, 1)
	go func() {
		_ = b.Run(ctx, func(ev state.Event, _ state.Outcome, _ error) {
			if p, ok := ev.(state.PlaintextReceived); ok {
				plain <- p
			}
		})
	}()

	encrypted, err := a.Send(ctx, bob, []byte("in the clear"))
	require.NoError(t, err)
	assert.False(t, encrypted)

	select {
	case p := <-plain:
		assert.Equal(t, alice, p.From)
		assert.Equal(t, "in the clear", string(p.Body))
	case <-time.After(5 * time.Second):
		t.Fatal("no plaintext received")
	}
}

func TestAccount_Unknown(t *testing.T) {
	h := newHarness(t)
	_, err := h.app.Account("carol@example.org")
	assert.ErrorIs(t, err, config.ErrUnknownAccount)
}
