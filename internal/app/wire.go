package app

import (
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"omemo/internal/config"
	"omemo/internal/relay"
	"omemo/internal/state"
	"omemo/internal/store"
)

const storeLockTimeout = 2 * time.Second

// open builds the dependency graph of one account: bolt store, relay
// client and the state facade on top of both.
func (a *App) open(acc config.Account) (*Account, error) {
	if err := os.MkdirAll(a.cfg.DataDir, 0o700); err != nil {
		return nil, err
	}
	log := logrus.NewEntry(a.log).WithField("account", acc.JID)

	st, err := store.Open(a.cfg.StorePath(acc.JID), acc.Secret(), store.Options{
		Timeout: storeLockTimeout,
		Logger:  log,
	})
	if err != nil {
		return nil, err
	}
	client := relay.NewClient(a.cfg.Relay.URL, acc.JID, log)

	s, err := state.New(state.Config{
		Account:      acc.JID,
		Store:        st,
		Transport:    client,
		Logger:       logrus.NewEntry(a.log),
		PreKeyAmount: a.cfg.PreKeys.Amount,
		PreKeyMin:    a.cfg.PreKeys.Min,
		AutoActivate: a.cfg.AutoActivate,
	})
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	return &Account{
		JID:   acc.JID,
		State: s,
		Relay: client,
		store: st,
		log:   log.WithField("device", s.DeviceID()),
	}, nil
}
