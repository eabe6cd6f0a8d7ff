package state

import (
	"context"
	"errors"
	"fmt"

	"omemo/internal/domain"
)

// Event is one of the typed inputs the messaging pipeline pushes into a
// State. The set is closed: InboundEnvelope, OutboundPlaintext,
// DeviceListUpdate, KeyExchangeResponse, PublishResult, PlaintextReceived.
type Event interface {
	event()
}

// InboundEnvelope is an encrypted message that arrived for the account.
type InboundEnvelope struct {
	From     domain.JID
	Envelope domain.Envelope
	// Sent marks a carbon copy of a message another own device sent to To.
	Sent bool
	To   domain.JID
}

// OutboundPlaintext is a message about to be sent to To.
type OutboundPlaintext struct {
	To   domain.JID
	Body []byte
}

// DeviceListUpdate is a device list notification for Peer.
type DeviceListUpdate struct {
	Peer    domain.JID
	Devices []domain.DeviceID
}

// KeyExchangeResponse answers a bundle fetch. Bundle is nil on failure.
type KeyExchangeResponse struct {
	RequestID string
	Bundle    *domain.Bundle
	Err       error
}

// PublishResult acknowledges (Err == nil) or rejects a publication.
type PublishResult struct {
	RequestID string
	Err       error
}

// PlaintextReceived reports an unencrypted message from From.
type PlaintextReceived struct {
	From domain.JID
	Body []byte
}

func (InboundEnvelope) event()     {}
func (OutboundPlaintext) event()   {}
func (DeviceListUpdate) event()    {}
func (KeyExchangeResponse) event() {}
func (PublishResult) event()       {}
func (PlaintextReceived) event()   {}

// Outcome is what handling an event produced for the pipeline.
type Outcome struct {
	// Decrypted is set for an InboundEnvelope addressed to this device.
	Decrypted *domain.DecryptedMessage
	// Envelope is set for an OutboundPlaintext that must be sent encrypted.
	// When nil the plaintext goes out unmodified.
	Envelope *domain.Envelope
	// PlaintextWarning is set when a plaintext arrived from a contact with
	// encryption active.
	PlaintextWarning bool
}

// Handle dispatches ev to the matching operation.
func (s *State) Handle(ctx context.Context, ev Event) (Outcome, error) {
	switch e := ev.(type) {
	case InboundEnvelope:
		from, contact := e.From, e.From
		if e.Sent {
			from, contact = s.own, e.To
		}
		msg, err := s.decrypt(ctx, from, contact, e.Envelope)
		if errors.Is(err, domain.ErrNotAddressedToMe) {
			return Outcome{}, nil
		}
		if err != nil {
			return Outcome{}, err
		}
		return Outcome{Decrypted: &msg}, nil
	case OutboundPlaintext:
		env, err := s.OnOutbound(ctx, e.To, e.Body)
		return Outcome{Envelope: env}, err
	case DeviceListUpdate:
		return Outcome{}, s.OnDeviceListUpdate(ctx, e.Peer, e.Devices)
	case KeyExchangeResponse:
		return Outcome{}, s.OnKeyExchangeResponse(e.RequestID, e.Bundle, e.Err)
	case PublishResult:
		return Outcome{}, s.OnPublishResult(ctx, e.RequestID, e.Err)
	case PlaintextReceived:
		warn, err := s.PlaintextWarning(e.From)
		return Outcome{PlaintextWarning: warn}, err
	}
	return Outcome{}, fmt.Errorf("state: unhandled event %T", ev)
}
