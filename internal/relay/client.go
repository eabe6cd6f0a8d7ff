package relay

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	sync "github.com/sasha-s/go-deadlock"
	"github.com/sirupsen/logrus"

	"omemo/internal/domain"
	"omemo/internal/state"
)

var (
	// ErrNotConnected is returned when sending before Connect.
	ErrNotConnected = errors.New("relay: not connected")
	// ErrAlreadyConnected is returned by a second Connect. A Client
	// carries one connection.
	ErrAlreadyConnected = errors.New("relay: already connected")
	// ErrClosed is returned by Connect after Close.
	ErrClosed = errors.New("relay: client closed")
)

const eventBuffer = 64

// Client is an account's connection to a Hub.
type Client struct {
	base string
	jid  domain.JID
	log  *logrus.Entry

	mu      sync.Mutex
	ws      *websocket.Conn
	started bool
	closed  bool
	done    chan struct{}
	events  chan state.Event
}

// NewClient returns an unconnected client for jid. base is the hub URL
// (ws://, wss://, http:// or https://).
func NewClient(base string, jid domain.JID, log *logrus.Entry) *Client {
	return &Client{
		base:   strings.TrimRight(base, "/"),
		jid:    jid,
		log:    log,
		done:   make(chan struct{}),
		events: make(chan state.Event, eventBuffer),
	}
}

var _ domain.Transport = (*Client)(nil)

// Connect dials the hub as device and starts delivering events. It may
// succeed once per Client.
func (c *Client) Connect(ctx context.Context, device domain.DeviceID) error {
	c.mu.Lock()
	switch {
	case c.closed:
		c.mu.Unlock()
		return ErrClosed
	case c.started:
		c.mu.Unlock()
		return ErrAlreadyConnected
	}
	c.started = true
	c.mu.Unlock()

	ws, err := c.dial(ctx, device)

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		c.started = false
		if c.closed {
			close(c.events)
		}
		return err
	}
	if c.closed {
		_ = ws.Close()
		close(c.events)
		return ErrClosed
	}
	c.ws = ws
	c.log.WithField("device", device).Info("connected to relay")
	go c.readLoop(ws)
	return nil
}

func (c *Client) dial(ctx context.Context, device domain.DeviceID) (*websocket.Conn, error) {
	u, err := url.Parse(c.base)
	if err != nil {
		return nil, fmt.Errorf("relay url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	q := u.Query()
	q.Set("jid", string(c.jid))
	q.Set("device", strconv.FormatUint(uint64(device), 10))
	u.RawQuery = q.Encode()

	ws, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", u.Redacted(), err)
	}
	return ws, nil
}

// Events delivers the state events produced by incoming frames. The
// channel closes when the connection ends or the client is closed.
func (c *Client) Events() <-chan state.Event { return c.events }

// Close ends the connection. Events still buffered stay readable.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	close(c.done)
	if c.ws == nil {
		if !c.started {
			close(c.events)
		}
		return nil
	}
	_ = c.ws.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	return c.ws.Close()
}

func (c *Client) readLoop(ws *websocket.Conn) {
	defer close(c.events)
	for {
		var f Frame
		if err := ws.ReadJSON(&f); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				c.log.WithError(err).Debug("relay connection closed")
			}
			return
		}
		ev, ok := c.translate(f)
		if !ok {
			c.log.WithField("type", f.Type).Debug("ignoring frame")
			continue
		}
		select {
		case c.events <- ev:
		case <-c.done:
			return
		}
	}
}

func (c *Client) translate(f Frame) (state.Event, bool) {
	switch f.Type {
	case FrameBundleResult:
		return state.KeyExchangeResponse{RequestID: f.ID, Bundle: f.Bundle, Err: f.err()}, true
	case FramePublishResult:
		return state.PublishResult{RequestID: f.ID, Err: f.err()}, true
	case FrameDeviceList:
		return state.DeviceListUpdate{Peer: f.From, Devices: f.Devices}, true
	case FrameMessage:
		if f.Envelope == nil {
			return state.PlaintextReceived{From: f.From, Body: []byte(f.Body)}, true
		}
		return state.InboundEnvelope{From: f.From, Envelope: *f.Envelope, Sent: f.Sent, To: f.To}, true
	}
	return nil, false
}

func (c *Client) write(ctx context.Context, f Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ws == nil {
		return ErrNotConnected
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.ws.SetWriteDeadline(deadline)
		defer func() { _ = c.ws.SetWriteDeadline(time.Time{}) }()
	}
	return c.ws.WriteJSON(f)
}

// RequestBundle asks the hub for the bundle of peer's device.
func (c *Client) RequestBundle(ctx context.Context, requestID string, peer domain.JID, device domain.DeviceID) error {
	return c.write(ctx, Frame{Type: FrameBundleGet, ID: requestID, To: peer, Device: device})
}

// PublishDeviceList replaces the account's device list on the hub.
func (c *Client) PublishDeviceList(ctx context.Context, requestID string, devices []domain.DeviceID) error {
	return c.write(ctx, Frame{Type: FrameDeviceListPublish, ID: requestID, Devices: devices})
}

// PublishBundle stores the bundle of the connected device.
func (c *Client) PublishBundle(ctx context.Context, requestID string, device domain.DeviceID, bundle domain.Bundle) error {
	return c.write(ctx, Frame{Type: FrameBundlePublish, ID: requestID, Device: device, Bundle: &bundle})
}

// FetchDeviceList asks for peer's device list. The answer arrives as a
// DeviceListUpdate event.
func (c *Client) FetchDeviceList(ctx context.Context, peer domain.JID) error {
	return c.write(ctx, Frame{Type: FrameDeviceListGet, To: peer})
}

// SendEnvelope sends an encrypted message to every device of to.
func (c *Client) SendEnvelope(ctx context.Context, to domain.JID, env domain.Envelope) error {
	return c.write(ctx, Frame{Type: FrameMessage, To: to, Envelope: &env})
}

// SendPlaintext sends an unencrypted message.
func (c *Client) SendPlaintext(ctx context.Context, to domain.JID, body []byte) error {
	return c.write(ctx, Frame{Type: FrameMessage, To: to, Body: string(body)})
}
