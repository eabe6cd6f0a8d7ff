package interfaces

import (
	"context"

	domaintypes "omemo/internal/domain/types"
)

// Transport is the part of the host messaging pipeline the encryption core
// sends requests through. Every call is asynchronous: the response comes
// back later as an event carrying the same request id.
type Transport interface {
	RequestBundle(ctx context.Context, requestID string, peer domaintypes.JID, device domaintypes.DeviceID) error
	PublishDeviceList(ctx context.Context, requestID string, devices []domaintypes.DeviceID) error
	PublishBundle(ctx context.Context, requestID string, device domaintypes.DeviceID, bundle domaintypes.Bundle) error
}
