package relay

import (
	"errors"

	"omemo/internal/domain"
)

// FrameType names a websocket message.
type FrameType string

const (
	FrameBundlePublish     FrameType = "bundle.publish"
	FrameBundleGet         FrameType = "bundle.get"
	FrameBundleResult      FrameType = "bundle.result"
	FrameDeviceListPublish FrameType = "devicelist.publish"
	FrameDeviceListGet     FrameType = "devicelist.get"
	FrameDeviceList        FrameType = "devicelist"
	FramePublishResult     FrameType = "publish.result"
	FrameMessage           FrameType = "message"
)

// ErrItemNotFound is reported for a bundle the hub does not have.
var ErrItemNotFound = errors.New("item-not-found")

// Frame is the single message shape exchanged with the hub.
type Frame struct {
	Type FrameType `json:"type"`
	ID   string    `json:"id,omitempty"`

	From    domain.JID        `json:"from,omitempty"`
	To      domain.JID        `json:"to,omitempty"`
	Device  domain.DeviceID   `json:"device,omitempty"`
	Devices []domain.DeviceID `json:"devices,omitempty"`

	Bundle   *domain.Bundle   `json:"bundle,omitempty"`
	Envelope *domain.Envelope `json:"envelope,omitempty"`
	// Body is set for unencrypted messages.
	Body string `json:"body,omitempty"`
	// Sent marks a copy of a message another device of the account sent.
	Sent bool `json:"sent,omitempty"`

	Error string `json:"error,omitempty"`
}

func (f Frame) err() error {
	switch f.Error {
	case "":
		return nil
	case ErrItemNotFound.Error():
		return ErrItemNotFound
	default:
		return errors.New(f.Error)
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
