package state

import (
	"context"
	"errors"
	"fmt"
	"sort"

	sync "github.com/sasha-s/go-deadlock"
	"github.com/sirupsen/logrus"

	"omemo/internal/domain"
	"omemo/internal/services/devices"
	"omemo/internal/services/identity"
	"omemo/internal/services/message"
	"omemo/internal/services/prekey"
	"omemo/internal/services/session"
	"omemo/internal/services/trust"
)

// DefaultPreKeyMin is the pool size below which pre-keys are replenished.
const DefaultPreKeyMin = 25

// Config holds what New needs to build the state of one account.
type Config struct {
	Account   domain.JID
	Store     domain.KeyStore
	Transport domain.Transport
	Logger    *logrus.Entry

	// PreKeyAmount is the pool size; zero selects prekey.DefaultAmount.
	PreKeyAmount int
	// PreKeyMin triggers replenishment; zero selects DefaultPreKeyMin.
	PreKeyMin int
	// AutoActivate turns encryption on for a contact once an encrypted
	// message from them was decrypted.
	AutoActivate bool
}

// State is the encryption state of one account.
type State struct {
	mu sync.Mutex

	own       domain.JID
	localID   domain.DeviceID
	transport domain.Transport
	log       *logrus.Entry

	identity *identity.Service
	prekeys  *prekey.Service
	ledger   *trust.Ledger
	dir      *devices.Directory
	sessions *session.Service
	messages *message.Service

	pending      *pendingTable
	preKeyMin    int
	autoActivate bool
}

// New provisions the account keys if needed and returns its state.
func New(cfg Config) (*State, error) {
	if cfg.Account == "" || cfg.Store == nil || cfg.Transport == nil {
		return nil, errors.New("state: account, store and transport are required")
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.NewEntry(logrus.StandardLogger())
	}
	if cfg.PreKeyMin <= 0 {
		cfg.PreKeyMin = DefaultPreKeyMin
	}
	log := cfg.Logger.WithField("account", cfg.Account)

	prekeys := prekey.New(cfg.Store, log, cfg.PreKeyAmount)
	if _, err := prekeys.GenerateIfAbsent(); err != nil {
		return nil, fmt.Errorf("provision %s: %w", cfg.Account, err)
	}
	ids := identity.New(cfg.Store)
	id, err := ids.Load()
	if err != nil {
		return nil, err
	}
	ledger := trust.New(cfg.Store, log)
	sessions := session.New(cfg.Store, ledger, log)

	return &State{
		own:          cfg.Account,
		localID:      id.DeviceID(),
		transport:    cfg.Transport,
		log:          log.WithField("device", id.DeviceID()),
		identity:     ids,
		prekeys:      prekeys,
		ledger:       ledger,
		dir:          devices.New(cfg.Store, cfg.Account, id.DeviceID(), log),
		sessions:     sessions,
		messages:     message.New(cfg.Store, sessions, cfg.Account, log),
		pending:      newPendingTable(),
		preKeyMin:    cfg.PreKeyMin,
		autoActivate: cfg.AutoActivate,
	}, nil
}

// Account returns the account JID.
func (s *State) Account() domain.JID { return s.own }

// DeviceID returns the local device id.
func (s *State) DeviceID() domain.DeviceID { return s.localID }

// Fingerprint returns the fingerprint of the local identity key.
func (s *State) Fingerprint() (domain.Fingerprint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.identity.Fingerprint()
}

// Bundle returns the public bundle of the local device.
func (s *State) Bundle() (domain.Bundle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.prekeys.Bundle()
}

// OwnDeviceIDPublished reports whether the local device id is in the last
// known own device list.
func (s *State) OwnDeviceIDPublished() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dir.OwnDeviceIDPublished()
}

// EncryptFor encrypts plaintext for every device of peer and of the own
// account that has a session. It never waits for key exchange.
func (s *State) EncryptFor(peer domain.JID, plaintext []byte) (domain.Envelope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.messages.Encrypt(peer, plaintext)
}

// Decrypt decrypts an envelope from the account from. On success the
// sender device is added to the directory, encryption is switched on for
// the contact when auto-activation is enabled, and a newly built session
// triggers pre-key replenishment.
func (s *State) Decrypt(ctx context.Context, from domain.JID, env domain.Envelope) (domain.DecryptedMessage, error) {
	return s.decrypt(ctx, from, from, env)
}

// decrypt handles an envelope whose sender is from; contact is the other
// side of the conversation (differs from from for own sent carbons).
// Failures of the follow-up bookkeeping are logged, not returned: the
// message itself was decrypted and its session committed.
func (s *State) decrypt(ctx context.Context, from, contact domain.JID, env domain.Envelope) (domain.DecryptedMessage, error) {
	log := s.log.WithFields(logrus.Fields{"peer": from, "device": env.SenderDeviceID})
	s.mu.Lock()
	msg, err := s.messages.Decrypt(from, env)
	if err != nil {
		s.mu.Unlock()
		if !errors.Is(err, domain.ErrNotAddressedToMe) {
			log.WithError(err).Error("decrypt failed")
		}
		return domain.DecryptedMessage{}, err
	}
	sends, err := s.afterDecrypt(from, contact, msg)
	s.mu.Unlock()
	if err != nil {
		log.WithError(err).Warn("updating state after decrypt failed")
	}
	if err := s.dispatch(ctx, sends); err != nil {
		log.WithError(err).Warn("republishing bundle failed")
	}
	return msg, nil
}

func (s *State) afterDecrypt(from, contact domain.JID, msg domain.DecryptedMessage) ([]outgoing, error) {
	if err := s.dir.AddDevices(from, []domain.DeviceID{msg.SenderDeviceID}); err != nil {
		return nil, err
	}
	if s.autoActivate && contact != s.own {
		if err := s.ledger.Activate(contact); err != nil {
			return nil, err
		}
	}
	if !msg.NewSession {
		return nil, nil
	}
	added, err := s.prekeys.Replenish(s.preKeyMin)
	if err != nil || added == 0 {
		return nil, err
	}
	bundle, err := s.prekeys.Bundle()
	if err != nil {
		return nil, err
	}
	req := s.pending.add(PendingRequest{Kind: BundlePublish, Peer: s.own, Device: s.localID})
	return []outgoing{{req: req, bundle: bundle}}, nil
}

// OnInbound is the pipeline entry for an inbound encrypted message. A nil
// result with nil error means the message was not encrypted for this
// device.
func (s *State) OnInbound(ctx context.Context, from domain.JID, env domain.Envelope) (*domain.DecryptedMessage, error) {
	msg, err := s.Decrypt(ctx, from, env)
	if errors.Is(err, domain.ErrNotAddressedToMe) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

// OnOutbound is the pipeline entry for an outgoing plaintext. It returns
// nil when encryption is not active for to, in which case the message is
// sent unmodified. Missing sessions are requested, but the message is
// encrypted only for the devices that already have one.
func (s *State) OnOutbound(ctx context.Context, to domain.JID, body []byte) (*domain.Envelope, error) {
	active, err := s.IsActive(to)
	if err != nil || !active {
		return nil, err
	}
	if _, err := s.EnsureSessions(ctx, to); err != nil {
		s.log.WithField("peer", to).WithError(err).Warn("requesting missing sessions failed")
	}
	env, err := s.EncryptFor(to, body)
	if err != nil {
		return nil, err
	}
	return &env, nil
}

// EnsureSessions requests the bundle of every known device of peer, and of
// the own account, that has no session and no fetch in flight. It returns
// the ids of the requests it issued.
func (s *State) EnsureSessions(ctx context.Context, peer domain.JID) ([]string, error) {
	s.mu.Lock()
	var sends []outgoing
	targets := []domain.JID{peer}
	if peer != s.own {
		targets = append(targets, s.own)
	}
	for _, jid := range targets {
		missing, err := s.dir.DevicesWithoutSession(jid)
		if err != nil {
			s.mu.Unlock()
			return nil, err
		}
		for _, dev := range missing {
			if s.pending.inFlight(jid, dev) {
				continue
			}
			req := s.pending.add(PendingRequest{Kind: BundleFetch, Peer: jid, Device: dev})
			s.log.WithFields(logrus.Fields{"peer": jid, "device": dev, "request_id": req.ID}).Debug("fetching bundle")
			sends = append(sends, outgoing{req: req})
		}
	}
	s.mu.Unlock()

	ids := make([]string, 0, len(sends))
	for _, o := range sends {
		ids = append(ids, o.req.ID)
	}
	return ids, s.dispatch(ctx, sends)
}

// MissingSessions counts the devices of peer and of the own account that
// have no session.
func (s *State) MissingSessions(peer domain.JID) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	targets := []domain.JID{peer}
	if peer != s.own {
		targets = append(targets, s.own)
	}
	for _, jid := range targets {
		missing, err := s.dir.DevicesWithoutSession(jid)
		if err != nil {
			return 0, err
		}
		n += len(missing)
	}
	return n, nil
}

// OnKeyExchangeResponse completes a bundle fetch. bundle is nil when the
// fetch failed, in which case respErr says why. A failed or invalid bundle
// leaves the device without session until the next EnsureSessions.
func (s *State) OnKeyExchangeResponse(requestID string, bundle *domain.Bundle, respErr error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, ok := s.pending.get(requestID)
	if !ok || req.Kind != BundleFetch {
		return fmt.Errorf("%w: %s", domain.ErrUnknownRequest, requestID)
	}
	s.pending.take(requestID)
	log := s.log.WithFields(logrus.Fields{"peer": req.Peer, "device": req.Device, "request_id": requestID})

	if bundle == nil {
		if respErr == nil {
			respErr = errors.New("empty response")
		}
		log.WithError(respErr).Warn("failed requesting a bundle")
		return fmt.Errorf("%w: %v", domain.ErrBundleInvalid, respErr)
	}
	if _, err := s.sessions.BuildFromBundle(req.Peer, req.Device, *bundle); err != nil {
		log.WithError(err).Warn("could not build session from bundle")
		return err
	}
	return nil
}

// OnPublishResult completes a device list or bundle publication.
func (s *State) OnPublishResult(ctx context.Context, requestID string, pubErr error) error {
	s.mu.Lock()
	req, ok := s.pending.get(requestID)
	if !ok || req.Kind == BundleFetch {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", domain.ErrUnknownRequest, requestID)
	}
	s.pending.take(requestID)
	log := s.log.WithFields(logrus.Fields{"request_id": requestID, "kind": req.Kind})
	if pubErr != nil {
		s.mu.Unlock()
		log.WithError(pubErr).Error("publication was not successful")
		return pubErr
	}

	var sends []outgoing
	switch req.Kind {
	case DeviceListPublish:
		s.dir.AdoptAnnouncement(req.Devices)
		if !s.dir.OwnDeviceIDPublished() {
			log.WithField("devices", req.Devices).Warn("own device id missing from acknowledged device list")
		}
	case BundlePublish:
		if s.dir.OwnDeviceIDPublished() {
			log.Debug("device list up to date")
			break
		}
		log.Warn("device list needs updating")
		out, err := s.announceOwnList()
		if err != nil {
			s.mu.Unlock()
			return err
		}
		sends = append(sends, out)
	}
	s.mu.Unlock()
	return s.dispatch(ctx, sends)
}

// OnDeviceListUpdate merges a device list notification for peer.
func (s *State) OnDeviceListUpdate(ctx context.Context, peer domain.JID, list []domain.DeviceID) error {
	if peer == s.own {
		return s.OnOwnDeviceListUpdate(ctx, list)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.log.WithFields(logrus.Fields{"peer": peer, "devices": list}).Info("received device list")
	return s.dir.AddDevices(peer, list)
}

// OnOwnDeviceListUpdate merges the own device list. When it lacks the
// local device id or repeats an id, a corrected list is published once.
func (s *State) OnOwnDeviceListUpdate(ctx context.Context, list []domain.DeviceID) error {
	s.mu.Lock()
	s.log.WithField("devices", list).Info("received own device list")
	if err := s.dir.AddOwnDevices(list); err != nil {
		s.mu.Unlock()
		return err
	}
	var sends []outgoing
	if s.dir.NeedsRepublish() {
		out, err := s.announceOwnList()
		if err != nil {
			s.mu.Unlock()
			return err
		}
		sends = append(sends, out)
	}
	s.mu.Unlock()
	return s.dispatch(ctx, sends)
}

// Announce publishes the own bundle. On acknowledgement the own device
// list is republished if it lacks the local device.
func (s *State) Announce(ctx context.Context) (string, error) {
	s.mu.Lock()
	bundle, err := s.prekeys.Bundle()
	if err != nil {
		s.mu.Unlock()
		return "", err
	}
	req := s.pending.add(PendingRequest{Kind: BundlePublish, Peer: s.own, Device: s.localID})
	s.mu.Unlock()
	s.log.WithField("request_id", req.ID).Debug("announcing support")
	return req.ID, s.dispatch(ctx, []outgoing{{req: req, bundle: bundle}})
}

// ClearOwnDeviceList publishes a device list holding only the local device.
func (s *State) ClearOwnDeviceList(ctx context.Context) (string, error) {
	s.mu.Lock()
	if err := s.dir.ResetOwn(); err != nil {
		s.mu.Unlock()
		return "", err
	}
	req := s.pending.add(PendingRequest{Kind: DeviceListPublish, Peer: s.own, Devices: []domain.DeviceID{s.localID}})
	s.mu.Unlock()
	return req.ID, s.dispatch(ctx, []outgoing{{req: req}})
}

// announceOwnList registers a publication of the corrected own list.
// Callers hold the lock.
func (s *State) announceOwnList() (outgoing, error) {
	list, err := s.dir.OwnAnnouncement()
	if err != nil {
		return outgoing{}, err
	}
	req := s.pending.add(PendingRequest{Kind: DeviceListPublish, Peer: s.own, Devices: list})
	s.log.WithFields(logrus.Fields{"devices": list, "request_id": req.ID}).Info("publishing own device list")
	return outgoing{req: req}, nil
}

// Devices returns the known devices of peer.
func (s *State) Devices(peer domain.JID) ([]domain.DeviceID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dir.Devices(peer)
}

// RemoveDevices forgets devices of peer and deletes their sessions.
func (s *State) RemoveDevices(peer domain.JID, ids []domain.DeviceID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dir.RemoveDevices(peer, ids)
}

// ResetDevice revokes trust in one device: its identity record and session
// are deleted and the device returns to having no session.
func (s *State) ResetDevice(peer domain.JID, device domain.DeviceID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ledger.Forget(peer, device)
}

// AcceptIdentity records key for the device after the user confirmed a
// changed identity key.
func (s *State) AcceptIdentity(peer domain.JID, device domain.DeviceID, key domain.IdentityKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ledger.Accept(peer, device, key)
}

// DeviceFingerprint returns the recorded identity fingerprint of a device.
func (s *State) DeviceFingerprint(peer domain.JID, device domain.DeviceID) (domain.Fingerprint, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ledger.Fingerprint(peer, device)
}

// SetActive turns encryption on for peer.
func (s *State) SetActive(peer domain.JID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ledger.Activate(peer)
}

// SetInactive turns encryption off for peer.
func (s *State) SetInactive(peer domain.JID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ledger.Deactivate(peer)
}

// IsActive reports whether encryption is on for peer.
func (s *State) IsActive(peer domain.JID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ledger.IsActive(peer)
}

// PlaintextWarning reports whether a plaintext message from peer deserves
// a warning because encryption is active for them.
func (s *State) PlaintextWarning(peer domain.JID) (bool, error) {
	active, err := s.IsActive(peer)
	if err != nil || !active {
		return false, err
	}
	s.log.WithField("peer", peer).Warn("received unencrypted message while encryption is active")
	return true, nil
}

// Abandon drops a pending request. A later response for it is rejected
// with domain.ErrUnknownRequest. It reports whether the request existed.
func (s *State) Abandon(requestID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.pending.take(requestID)
	return ok
}

// Pending returns the in-flight requests ordered by issue time.
func (s *State) Pending() []PendingRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.pending.list()
	sort.Slice(out, func(i, j int) bool { return out[i].Issued.Before(out[j].Issued) })
	return out
}

// outgoing is a registered request waiting to be handed to the transport.
type outgoing struct {
	req    PendingRequest
	bundle domain.Bundle
}

// dispatch sends requests without holding the lock. A request whose send
// fails is removed from the pending table.
func (s *State) dispatch(ctx context.Context, sends []outgoing) error {
	var errs []error
	for _, o := range sends {
		var err error
		switch o.req.Kind {
		case BundleFetch:
			err = s.transport.RequestBundle(ctx, o.req.ID, o.req.Peer, o.req.Device)
		case DeviceListPublish:
			err = s.transport.PublishDeviceList(ctx, o.req.ID, o.req.Devices)
		case BundlePublish:
			err = s.transport.PublishBundle(ctx, o.req.ID, s.localID, o.bundle)
		}
		if err != nil {
			s.Abandon(o.req.ID)
			errs = append(errs, fmt.Errorf("%s %s: %w", o.req.Kind, o.req.ID, err))
		}
	}
	return errors.Join(errs...)
}
