package app

import (
	"errors"
	"fmt"

	sync "github.com/sasha-s/go-deadlock"
	"github.com/sirupsen/logrus"

	"omemo/internal/config"
	"omemo/internal/domain"
	"omemo/internal/relay"
	"omemo/internal/state"
	"omemo/internal/store"
)

// App is the registry of opened accounts.
type App struct {
	cfg config.Config
	log *logrus.Logger

	mu       sync.Mutex
	accounts map[domain.JID]*Account
}

// Account is one opened local account.
type Account struct {
	JID   domain.JID
	State *state.State
	Relay *relay.Client

	store *store.Store
	log   *logrus.Entry
}

// New returns an App for cfg. Accounts are opened on first use.
func New(cfg config.Config, log *logrus.Logger) *App {
	return &App{cfg: cfg, log: log, accounts: make(map[domain.JID]*Account)}
}

// Config returns the configuration the App was built from.
func (a *App) Config() config.Config { return a.cfg }

// Account opens the configured account jid, or the first account when jid
// is empty. Repeated calls return the same Account.
func (a *App) Account(jid domain.JID) (*Account, error) {
	acc, err := a.cfg.Account(jid)
	if err != nil {
		return nil, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if opened, ok := a.accounts[acc.JID]; ok {
		return opened, nil
	}
	opened, err := a.open(acc)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", acc.JID, err)
	}
	a.accounts[acc.JID] = opened
	return opened, nil
}

// Close disconnects and closes every opened account.
func (a *App) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	var errs []error
	for jid, acc := range a.accounts {
		errs = append(errs, acc.close())
		delete(a.accounts, jid)
	}
	return errors.Join(errs...)
}

func (acc *Account) close() error {
	return errors.Join(acc.Relay.Close(), acc.store.Close())
}
