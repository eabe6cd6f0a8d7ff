package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"omemo/internal/domain"
	"omemo/internal/state"
)

// ErrDisconnected is returned by Run when the relay closed the connection.
var ErrDisconnected = errors.New("relay connection closed")

const pollInterval = 50 * time.Millisecond

// Handler observes every event Run processed.
type Handler func(ev state.Event, out state.Outcome, err error)

// Connect dials the relay as the local device and publishes the bundle.
// The relay answers with the own device list, which Run reconciles.
func (acc *Account) Connect(ctx context.Context) error {
	if err := acc.Relay.Connect(ctx, acc.State.DeviceID()); err != nil {
		return err
	}
	_, err := acc.State.Announce(ctx)
	return err
}

// Run feeds relay events into the state until ctx ends or the connection
// closes.
func (acc *Account) Run(ctx context.Context, handle Handler) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-acc.Relay.Events():
			if !ok {
				return ErrDisconnected
			}
			out, err := acc.State.Handle(ctx, ev)
			if err != nil {
				acc.log.WithError(err).WithField("event", fmt.Sprintf("%T", ev)).Warn("handling event failed")
			}
			if handle != nil {
				handle(ev, out, err)
			}
		}
	}
}

// Prepare asks for the device list of peer and fetches the bundles of its
// devices without session. It returns once every fetch completed or ctx
// ended; fetches still open at that point are abandoned. Run must be
// running for responses to arrive.
func (acc *Account) Prepare(ctx context.Context, peer domain.JID) error {
	if err := acc.Relay.FetchDeviceList(ctx, peer); err != nil {
		return err
	}
	if err := waitFor(ctx, func() bool {
		devs, err := acc.State.Devices(peer)
		return err != nil || len(devs) > 0
	}); err != nil {
		// No device list arrived; there is nothing to fetch.
		return nil
	}

	ids, err := acc.State.EnsureSessions(ctx, peer)
	if err != nil {
		return err
	}
	_ = acc.Await(ctx, ids...)
	return nil
}

// Await waits until none of the requests ids is pending. When ctx ends
// first, the remaining requests are abandoned and ctx's error returned.
func (acc *Account) Await(ctx context.Context, ids ...string) error {
	open := func() []string {
		pending := make(map[string]struct{})
		for _, p := range acc.State.Pending() {
			pending[p.ID] = struct{}{}
		}
		var out []string
		for _, id := range ids {
			if _, ok := pending[id]; ok {
				out = append(out, id)
			}
		}
		return out
	}
	err := waitFor(ctx, func() bool { return len(open()) == 0 })
	if err != nil {
		for _, id := range open() {
			acc.State.Abandon(id)
		}
	}
	return err
}

// Send delivers body to peer, encrypted when encryption is active for
// them.
func (acc *Account) Send(ctx context.Context, peer domain.JID, body []byte) (encrypted bool, err error) {
	env, err := acc.State.OnOutbound(ctx, peer, body)
	if err != nil {
		return false, err
	}
	if env == nil {
		return false, acc.Relay.SendPlaintext(ctx, peer, body)
	}
	return true, acc.Relay.SendEnvelope(ctx, peer, *env)
}

// waitFor polls cond until it holds or ctx ends.
func waitFor(ctx context.Context, cond func() bool) error {
	t := time.NewTicker(pollInterval)
	defer t.Stop()
	for !cond() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
	return nil
}
