package relay

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	sync "github.com/sasha-s/go-deadlock"
	"github.com/sirupsen/logrus"

	"omemo/internal/domain"
)

// Hub is the relay server.
type Hub struct {
	ctx    context.Context
	cancel context.CancelFunc

	dir      Directory
	log      *logrus.Entry
	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns map[domain.JID]map[domain.DeviceID]*peerConn
}

// peerConn is one connected device.
type peerConn struct {
	jid    domain.JID
	device domain.DeviceID
	ws     *websocket.Conn

	writeMu sync.Mutex
}

func (p *peerConn) send(data []byte) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	return p.ws.WriteMessage(websocket.TextMessage, data)
}

// NewHub returns a hub storing its state in dir.
func NewHub(ctx context.Context, dir Directory, log *logrus.Entry) *Hub {
	ctx, cancel := context.WithCancel(ctx)
	return &Hub{
		ctx:    ctx,
		cancel: cancel,
		dir:    dir,
		log:    log,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		conns: make(map[domain.JID]map[domain.DeviceID]*peerConn),
	}
}

// Close disconnects every device.
func (h *Hub) Close() {
	h.cancel()
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, devs := range h.conns {
		for _, c := range devs {
			_ = c.ws.Close()
		}
	}
}

// Router returns the hub's routes.
func (h *Hub) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/ws", h.HandleConnections)

	api := r.NewRoute().Subrouter()
	api.Use(h.accessLog)
	api.HandleFunc("/devices/{jid}", h.handleGetDevices).Methods(http.MethodGet)
	api.HandleFunc("/bundles/{jid}/{device:[0-9]+}", h.handleGetBundle).Methods(http.MethodGet)
	return r
}

// HandleConnections upgrades a device connection and serves it until it
// closes. The device identifies itself with the jid and device query
// parameters.
func (h *Hub) HandleConnections(w http.ResponseWriter, r *http.Request) {
	jid := domain.JID(r.URL.Query().Get("jid"))
	device, err := strconv.ParseUint(r.URL.Query().Get("device"), 10, 32)
	if jid == "" || err != nil || device == 0 {
		http.Error(w, "jid and device required", http.StatusBadRequest)
		return
	}
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithError(err).Error("websocket upgrade failed")
		return
	}
	c := &peerConn{jid: jid, device: domain.DeviceID(device), ws: ws}
	log := h.log.WithFields(logrus.Fields{"jid": jid, "device": device})

	h.register(c)
	log.Info("device connected")
	defer func() {
		h.unregister(c)
		_ = ws.Close()
		log.Info("device disconnected")
	}()

	if err := h.greet(c); err != nil {
		log.WithError(err).Warn("sending initial state failed")
		return
	}

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.WithError(err).Debug("read failed")
			}
			return
		}
		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			log.WithError(err).Warn("invalid frame")
			continue
		}
		if err := h.handle(c, f); err != nil {
			log.WithError(err).WithField("type", f.Type).Warn("handling frame failed")
		}
	}
}

func (h *Hub) register(c *peerConn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	devs := h.conns[c.jid]
	if devs == nil {
		devs = make(map[domain.DeviceID]*peerConn)
		h.conns[c.jid] = devs
	}
	if old, ok := devs[c.device]; ok {
		_ = old.ws.Close()
	}
	devs[c.device] = c
}

func (h *Hub) unregister(c *peerConn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if devs := h.conns[c.jid]; devs[c.device] == c {
		delete(devs, c.device)
		if len(devs) == 0 {
			delete(h.conns, c.jid)
		}
	}
}

// online returns the connected devices of jid.
func (h *Hub) online(jid domain.JID) map[domain.DeviceID]*peerConn {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make(map[domain.DeviceID]*peerConn, len(h.conns[jid]))
	for id, c := range h.conns[jid] {
		out[id] = c
	}
	return out
}

func (h *Hub) all() []*peerConn {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []*peerConn
	for _, devs := range h.conns {
		for _, c := range devs {
			out = append(out, c)
		}
	}
	return out
}

// greet sends the own device list and then the queued frames.
func (h *Hub) greet(c *peerConn) error {
	devices, err := h.dir.Devices(h.ctx, c.jid)
	if err != nil {
		return err
	}
	if err := h.reply(c, Frame{Type: FrameDeviceList, From: c.jid, Devices: devices}); err != nil {
		return err
	}
	queued, err := h.dir.Drain(h.ctx, c.jid, c.device)
	if err != nil {
		return err
	}
	for _, data := range queued {
		if err := c.send(data); err != nil {
			return err
		}
	}
	return nil
}

func (h *Hub) reply(c *peerConn, f Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	return c.send(data)
}

func (h *Hub) handle(c *peerConn, f Frame) error {
	switch f.Type {
	case FrameBundlePublish:
		var err error
		if f.Bundle == nil {
			err = errors.New("bundle missing")
		} else {
			err = h.dir.PutBundle(h.ctx, c.jid, c.device, *f.Bundle)
		}
		return h.reply(c, Frame{Type: FramePublishResult, ID: f.ID, Error: errString(err)})

	case FrameDeviceListPublish:
		if err := h.dir.PutDevices(h.ctx, c.jid, f.Devices); err != nil {
			return h.reply(c, Frame{Type: FramePublishResult, ID: f.ID, Error: errString(err)})
		}
		if err := h.reply(c, Frame{Type: FramePublishResult, ID: f.ID}); err != nil {
			return err
		}
		h.broadcast(Frame{Type: FrameDeviceList, From: c.jid, Devices: f.Devices})
		return nil

	case FrameBundleGet:
		b, ok, err := h.dir.Bundle(h.ctx, f.To, f.Device)
		out := Frame{Type: FrameBundleResult, ID: f.ID, From: f.To, Device: f.Device}
		switch {
		case err != nil:
			out.Error = err.Error()
		case !ok:
			out.Error = ErrItemNotFound.Error()
		default:
			out.Bundle = &b
		}
		return h.reply(c, out)

	case FrameDeviceListGet:
		devices, err := h.dir.Devices(h.ctx, f.To)
		if err != nil {
			return err
		}
		return h.reply(c, Frame{Type: FrameDeviceList, From: f.To, Devices: devices})

	case FrameMessage:
		return h.forward(c, f)
	}
	return errors.New("unknown frame type")
}

// broadcast pushes a device list change to every connected device.
func (h *Hub) broadcast(f Frame) {
	data, err := json.Marshal(f)
	if err != nil {
		return
	}
	for _, c := range h.all() {
		if err := c.send(data); err != nil {
			h.log.WithError(err).WithFields(logrus.Fields{"jid": c.jid, "device": c.device}).Debug("broadcast failed")
		}
	}
}

// forward delivers a message to every device of the recipient, queueing it
// for the offline ones, and copies it to the sender's other online devices.
func (h *Hub) forward(c *peerConn, f Frame) error {
	f.From = c.jid
	f.Sent = false
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	published, err := h.dir.Devices(h.ctx, f.To)
	if err != nil {
		return err
	}
	online := h.online(f.To)
	ids := make([]domain.DeviceID, 0, len(online))
	for id := range online {
		ids = append(ids, id)
	}
	for _, id := range knownDevices(published, ids) {
		if f.To == c.jid && id == c.device {
			continue
		}
		if peer, ok := online[id]; ok && peer.send(data) == nil {
			continue
		}
		if err := h.dir.Enqueue(h.ctx, f.To, id, data); err != nil {
			return err
		}
	}
	if f.To == c.jid {
		return nil
	}

	f.Sent = true
	carbon, err := json.Marshal(f)
	if err != nil {
		return err
	}
	for id, own := range h.online(c.jid) {
		if id == c.device {
			continue
		}
		_ = own.send(carbon)
	}
	return nil
}

func (h *Hub) handleGetDevices(w http.ResponseWriter, r *http.Request) {
	jid := domain.JID(mux.Vars(r)["jid"])
	devices, err := h.dir.Devices(r.Context(), jid)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if devices == nil {
		devices = []domain.DeviceID{}
	}
	writeJSON(w, devices)
}

func (h *Hub) handleGetBundle(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	device, err := strconv.ParseUint(vars["device"], 10, 32)
	if err != nil {
		http.Error(w, "bad device id", http.StatusBadRequest)
		return
	}
	b, ok, err := h.dir.Bundle(r.Context(), domain.JID(vars["jid"]), domain.DeviceID(device))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if !ok {
		http.Error(w, ErrItemNotFound.Error(), http.StatusNotFound)
		return
	}
	writeJSON(w, b)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
