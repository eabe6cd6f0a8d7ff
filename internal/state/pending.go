package state

import (
	"time"

	"github.com/google/uuid"

	"omemo/internal/domain"
)

// RequestKind tells what a pending request waits for.
type RequestKind int

const (
	// BundleFetch waits for the bundle of one remote device.
	BundleFetch RequestKind = iota + 1
	// DeviceListPublish waits for the acknowledgement of an own device list.
	DeviceListPublish
	// BundlePublish waits for the acknowledgement of the own bundle.
	BundlePublish
)

func (k RequestKind) String() string {
	switch k {
	case BundleFetch:
		return "bundle-fetch"
	case DeviceListPublish:
		return "devicelist-publish"
	case BundlePublish:
		return "bundle-publish"
	}
	return "unknown"
}

// PendingRequest is an in-flight request awaiting its response.
type PendingRequest struct {
	ID     string
	Kind   RequestKind
	Peer   domain.JID
	Device domain.DeviceID
	// Devices is the announced list of a DeviceListPublish.
	Devices []domain.DeviceID
	Issued  time.Time
}

// pendingTable maps request ids to requests. Bundle fetches are also
// indexed by device so that a device is never requested twice at once.
type pendingTable struct {
	byID     map[string]PendingRequest
	byDevice map[domain.Address]string
}

func newPendingTable() *pendingTable {
	return &pendingTable{
		byID:     make(map[string]PendingRequest),
		byDevice: make(map[domain.Address]string),
	}
}

// add registers a request under a fresh id and returns it.
func (p *pendingTable) add(req PendingRequest) PendingRequest {
	req.ID = uuid.NewString()
	req.Issued = time.Now()
	p.byID[req.ID] = req
	if req.Kind == BundleFetch {
		p.byDevice[domain.Address{JID: req.Peer, Device: req.Device}] = req.ID
	}
	return req
}

// inFlight reports whether a bundle fetch for the device is pending.
func (p *pendingTable) inFlight(peer domain.JID, device domain.DeviceID) bool {
	_, ok := p.byDevice[domain.Address{JID: peer, Device: device}]
	return ok
}

func (p *pendingTable) get(id string) (PendingRequest, bool) {
	req, ok := p.byID[id]
	return req, ok
}

// take removes and returns the request with id.
func (p *pendingTable) take(id string) (PendingRequest, bool) {
	req, ok := p.byID[id]
	if !ok {
		return PendingRequest{}, false
	}
	delete(p.byID, id)
	if req.Kind == BundleFetch {
		addr := domain.Address{JID: req.Peer, Device: req.Device}
		if p.byDevice[addr] == id {
			delete(p.byDevice, addr)
		}
	}
	return req, true
}

func (p *pendingTable) list() []PendingRequest {
	out := make([]PendingRequest, 0, len(p.byID))
	for _, req := range p.byID {
		out = append(out, req)
	}
	return out
}
