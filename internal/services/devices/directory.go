package devices

import (
	"sort"

	"github.com/sirupsen/logrus"

	"omemo/internal/domain"
)

// Directory tracks known devices per JID.
type Directory struct {
	store   domain.KeyStore
	own     domain.JID
	localID domain.DeviceID
	log     *logrus.Entry

	// announced is the own device list exactly as last observed or
	// acknowledged, duplicates included.
	announced []domain.DeviceID
}

// New returns a directory for the account own whose local device is localID.
func New(store domain.KeyStore, own domain.JID, localID domain.DeviceID, log *logrus.Entry) *Directory {
	return &Directory{store: store, own: own, localID: localID, log: log}
}

// AddDevices merges list into the known devices of peer. Duplicates
// collapse. Own devices learned this way do not change the own
// announcement; device list notifications go through AddOwnDevices.
func (d *Directory) AddDevices(peer domain.JID, list []domain.DeviceID) error {
	return d.merge(peer, list)
}

// AddOwnDevices records list as the last observed own announcement and
// merges it into the own device set.
func (d *Directory) AddOwnDevices(list []domain.DeviceID) error {
	d.announced = append([]domain.DeviceID(nil), list...)
	return d.merge(d.own, list)
}

// AdoptAnnouncement records list as the own announcement without merging,
// after the network acknowledged its publication.
func (d *Directory) AdoptAnnouncement(list []domain.DeviceID) {
	d.announced = append([]domain.DeviceID(nil), list...)
}

func (d *Directory) merge(peer domain.JID, list []domain.DeviceID) error {
	known, err := d.store.LoadDevices(peer)
	if err != nil {
		return err
	}
	return d.store.SaveDevices(peer, append(known, list...))
}

// Devices returns the known devices of peer, ascending.
func (d *Directory) Devices(peer domain.JID) ([]domain.DeviceID, error) {
	return d.store.LoadDevices(peer)
}

// DevicesWithoutSession returns the known devices of peer that have no
// session, ascending. The local device is never part of the result.
func (d *Directory) DevicesWithoutSession(peer domain.JID) ([]domain.DeviceID, error) {
	known, err := d.store.LoadDevices(peer)
	if err != nil {
		return nil, err
	}
	have, err := d.store.SessionDevices(peer)
	if err != nil {
		return nil, err
	}
	skip := make(map[domain.DeviceID]struct{}, len(have)+1)
	for _, id := range have {
		skip[id] = struct{}{}
	}
	if peer == d.own {
		skip[d.localID] = struct{}{}
	}
	out := make([]domain.DeviceID, 0, len(known))
	for _, id := range known {
		if _, ok := skip[id]; !ok {
			out = append(out, id)
		}
	}
	return out, nil
}

// OwnDeviceIDPublished reports whether the local id is in the last known
// own announcement.
func (d *Directory) OwnDeviceIDPublished() bool {
	for _, id := range d.announced {
		if id == d.localID {
			return true
		}
	}
	return false
}

// NeedsRepublish reports whether the last own announcement lacks the local
// id or lists an id twice.
func (d *Directory) NeedsRepublish() bool {
	return !d.OwnDeviceIDPublished() || HasDuplicates(d.announced)
}

// OwnAnnouncement is the device list to publish: the last own
// announcement and the persisted own devices, deduplicated, plus the
// local id.
func (d *Directory) OwnAnnouncement() ([]domain.DeviceID, error) {
	known, err := d.store.LoadDevices(d.own)
	if err != nil {
		return nil, err
	}
	list := append(append(known, d.announced...), d.localID)
	return Dedup(list), nil
}

// RemoveDevices forgets ids of peer and deletes their sessions.
func (d *Directory) RemoveDevices(peer domain.JID, ids []domain.DeviceID) error {
	drop := make(map[domain.DeviceID]struct{}, len(ids))
	for _, id := range ids {
		drop[id] = struct{}{}
	}
	return d.store.Update(func(tx domain.KeyStore) error {
		known, err := tx.LoadDevices(peer)
		if err != nil {
			return err
		}
		keep := known[:0]
		for _, id := range known {
			if _, ok := drop[id]; !ok {
				keep = append(keep, id)
			}
		}
		if err := tx.SaveDevices(peer, keep); err != nil {
			return err
		}
		for id := range drop {
			if err := tx.DeleteSession(peer, id); err != nil {
				return err
			}
		}
		return nil
	})
}

// ResetOwn replaces the own device set with the local device only.
func (d *Directory) ResetOwn() error {
	if err := d.store.SaveDevices(d.own, []domain.DeviceID{d.localID}); err != nil {
		return err
	}
	d.log.Info("own device list reset to the local device")
	return nil
}

// HasDuplicates reports whether an id occurs more than once in list.
func HasDuplicates(list []domain.DeviceID) bool {
	seen := make(map[domain.DeviceID]struct{}, len(list))
	for _, id := range list {
		if _, ok := seen[id]; ok {
			return true
		}
		seen[id] = struct{}{}
	}
	return false
}

// Dedup returns the distinct ids of list, ascending.
func Dedup(list []domain.DeviceID) []domain.DeviceID {
	seen := make(map[domain.DeviceID]struct{}, len(list))
	out := make([]domain.DeviceID, 0, len(list))
	for _, id := range list {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
