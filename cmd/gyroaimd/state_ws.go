package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ============================================================================
// Status WebSocket: hub + per-client pumps + broadcaster
// ============================================================================
//
// Design constraints:
//   - The Engine is daemon-owned; the initial snapshot on connect is requested
//     through the daemon loop like any other action.
//   - WS broadcasts originate from engine-emitted StatusBroadcasts.
//   - Slow clients are disconnected when their send buffer fills.
//
// Messages are JSON text frames with an envelope: {type, ts, data}.
// The first message on connect is "status_init" with a StatusSnapshot.
//
// ============================================================================

// wsCalibrationData is the JSON `data` payload for "calibration_changed".
type wsCalibrationData struct {
	Previous   CalibrationState `json:"previous"`
	State      CalibrationState `json:"state"`
	Samples    int              `json:"samples,omitempty"`
	FlickValue float64          `json:"flick_value,omitempty"`
	Offset     *vectorJSON      `json:"gyro_offset,omitempty"` // set when a gyro session completes
	Flick      *float64         `json:"committed_flick,omitempty"`
}

type vectorJSON struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// wsSettingsData is the JSON `data` payload for "settings_changed".
type wsSettingsData struct {
	Settings  Settings `json:"settings"`
	Dirty     bool     `json:"dirty"`
	Listening bool     `json:"listening"`
}

// wsAimData is the JSON `data` payload for "aim_changed".
type wsAimData struct {
	AimActive bool `json:"aim_active"`
}

// wsDeviceData is the JSON `data` payload for "device_changed".
type wsDeviceData struct {
	Device DeviceStatus `json:"device"`
}

// wsOutboundEvent is a pre-typed, externally-consumable status event.
type wsOutboundEvent struct {
	Type string
	Data any
	At   time.Time // zero means use now
}

// envelope is the wire format envelope for WS messages.
type envelope struct {
	Type string     `json:"type"`
	Ts   *time.Time `json:"ts,omitempty"`
	Data any        `json:"data,omitempty"`
}

// ============================================================================
// Hub
// ============================================================================

type Hub struct {
	logger *slog.Logger

	// Buffered broadcast channel for already-serialized JSON frames.
	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client

	mu      sync.Mutex
	clients map[*Client]struct{}

	sendBuf int
}

type HubConfig struct {
	// SendBuf is the per-client outbound queue size (default 32).
	SendBuf int

	// BroadcastBuf is the hub inbound broadcast queue size (default 128).
	BroadcastBuf int
}

// NewHub constructs a hub. Call Run(ctx) to start it.
func NewHub(logger *slog.Logger, cfg HubConfig) *Hub {
	sendBuf := cfg.SendBuf
	if sendBuf <= 0 {
		sendBuf = 32
	}
	bcastBuf := cfg.BroadcastBuf
	if bcastBuf <= 0 {
		bcastBuf = 128
	}

	return &Hub{
		logger:     logger,
		broadcast:  make(chan []byte, bcastBuf),
		register:   make(chan *Client, 64),
		unregister: make(chan *Client, 64),
		clients:    make(map[*Client]struct{}),
		sendBuf:    sendBuf,
	}
}

// Run processes hub events until ctx is canceled.
// It disconnects all clients on shutdown.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Debug("ws hub starting")

	for {
		select {
		case <-ctx.Done():
			h.logger.Debug("ws hub stopping")
			h.closeAllClients()
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("ws client registered", "remote_addr", c.remoteAddr, "clients", n)

		case c := <-h.unregister:
			h.removeClient(c, "unregister")

		case msg := <-h.broadcast:
			// Collect slow clients first, then remove them after we unlock.
			var slow []*Client

			h.mu.Lock()
			for c := range h.clients {
				select {
				case c.send <- msg:
				default:
					slow = append(slow, c)
				}
			}
			h.mu.Unlock()

			for _, c := range slow {
				h.removeClient(c, "slow_client")
			}
		}
	}
}

// ClientCount returns the number of registered clients.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) closeAllClients() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		if c.conn != nil {
			_ = c.conn.Close()
		}
		safeCloseChan(c.send)
		delete(h.clients, c)
	}
}

func (h *Hub) removeClient(c *Client, reason string) {
	h.mu.Lock()
	_, ok := h.clients[c]
	if ok {
		delete(h.clients, c)
	}
	n := len(h.clients)
	h.mu.Unlock()

	if ok {
		if c.conn != nil {
			_ = c.conn.Close()
		}
		// Closing send signals writePump to exit.
		safeCloseChan(c.send)

		h.logger.Info("ws client disconnected", "remote_addr", c.remoteAddr, "reason", reason, "clients", n)
	}
}

func safeCloseChan(ch chan []byte) {
	defer func() {
		_ = recover() // ignore "close of closed channel"
	}()
	close(ch)
}

// BroadcastBytes enqueues a pre-serialized JSON WS frame for broadcast.
// It never blocks; if the hub queue is full it drops the message.
func (h *Hub) BroadcastBytes(msg []byte) {
	select {
	case h.broadcast <- msg:
	default:
		h.logger.Warn("ws hub broadcast queue full, dropping message", "bytes", len(msg))
	}
}

// ============================================================================
// Client
// ============================================================================

type Client struct {
	hub *Hub

	conn *websocket.Conn
	send chan []byte

	remoteAddr string
	logger     *slog.Logger
}

// NewClient creates a client with a buffered send channel.
func NewClient(hub *Hub, conn *websocket.Conn, remoteAddr string, logger *slog.Logger) *Client {
	sendBuf := 32
	if hub != nil && hub.sendBuf > 0 {
		sendBuf = hub.sendBuf
	}
	return &Client{
		hub:        hub,
		conn:       conn,
		send:       make(chan []byte, sendBuf),
		remoteAddr: remoteAddr,
		logger:     logger,
	}
}

const (
	writeWait  = 5 * time.Second
	pongWait   = 30 * time.Second
	pingPeriod = 20 * time.Second
)

// wsAimCoalesceWindow is the window during which aim toggles (which follow
// a held button or trigger at tick rate) are coalesced, latest wins.
const wsAimCoalesceWindow = 50 * time.Millisecond

// closeStatus extracts a human-readable websocket close code / text when possible.
func closeStatus(err error) (code int, text string, ok bool) {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code, ce.Text, true
	}
	return 0, "", false
}

func (c *Client) logExit(pump string, err error) {
	if errors.Is(err, websocket.ErrCloseSent) {
		return
	}
	if code, text, ok := closeStatus(err); ok {
		c.logger.Info("ws "+pump+" exiting (close)", "remote_addr", c.remoteAddr, "code", code, "reason", text)
		return
	}
	c.logger.Info("ws "+pump+" exiting", "remote_addr", c.remoteAddr, "error", err)
}

// writePump writes messages from the send queue to the websocket.
// It exits on write error or when send is closed.
func (c *Client) writePump(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Channel closed: hub is disconnecting us.
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.logExit("writePump", err)
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logExit("writePump", err)
				return
			}
		}
	}
}

// readPump reads and discards incoming messages to detect disconnects and
// handle control frames. It exits on read error, then unregisters the client.
func (c *Client) readPump(ctx context.Context) {
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if ctx.Err() != nil {
			return
		}
		if _, _, err := c.conn.ReadMessage(); err != nil {
			c.logExit("readPump", err)
			if c.hub != nil {
				c.hub.unregister <- c
			}
			return
		}
	}
}

// ============================================================================
// HTTP Handler
// ============================================================================

type Server struct {
	logger *slog.Logger

	hub *Hub

	// Required for the initial snapshot request on connect.
	events chan<- Event
}

type ServerConfig struct {
	Hub HubConfig
}

// NewServer constructs the WS status server components. Call Register on a
// mux, start Hub().Run(ctx), and start RunBroadcaster.
func NewServer(logger *slog.Logger, events chan<- Event, cfg ServerConfig) *Server {
	return &Server{
		logger: logger,
		hub:    NewHub(logger, cfg.Hub),
		events: events,
	}
}

func (s *Server) Hub() *Hub { return s.hub }

// Register registers the WS handler on the provided mux.
func (s *Server) Register(mux *http.ServeMux, path string) {
	if mux == nil {
		return
	}
	mux.HandleFunc(path, s.handleStatusWS)
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleStatusWS upgrades and registers a client, then sends status_init.
func (s *Server) handleStatusWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("ws upgrade failed", "error", err)
		return
	}

	client := NewClient(s.hub, conn, r.RemoteAddr, s.logger)

	// Register first so broadcasts can reach it.
	s.hub.register <- client

	// The pumps must outlive the handler: net/http cancels r.Context() on return.
	go client.writePump(context.Background())
	go client.readPump(context.Background())

	if s.events == nil {
		return
	}

	reply := make(chan StatusSnapshot, 1)
	waitCtx, cancel := context.WithTimeout(r.Context(), defaultIPCReplyTimeout)
	defer cancel()

	select {
	case <-waitCtx.Done():
		return
	case s.events <- ActionRequest{Action: RequestStatus{Reply: reply}, At: time.Now()}:
	}

	select {
	case <-waitCtx.Done():
		if !errors.Is(waitCtx.Err(), context.Canceled) {
			s.logger.Warn("ws snapshot request failed", "error", waitCtx.Err())
		}
		return

	case snap := <-reply:
		now := time.Now().UTC()
		initMsg, err := json.Marshal(envelope{Type: "status_init", Ts: &now, Data: snap})
		if err != nil {
			s.logger.Warn("ws status_init marshal failed", "error", err)
			return
		}
		select {
		case client.send <- initMsg:
		default:
			s.hub.unregister <- client
		}
	}
}

// ============================================================================
// Broadcaster
// ============================================================================

// RunBroadcaster reads engine-emitted StatusBroadcasts, marshals them, and
// broadcasts them to all hub clients. Intended to run as a single goroutine.
func RunBroadcaster(ctx context.Context, hub *Hub, src <-chan StatusBroadcast, logger *slog.Logger) {
	if hub == nil || src == nil {
		return
	}

	// aim_changed is rate-limited: the latest pending one is flushed at most
	// once per window, even if updates keep arriving.
	var pendingAim *wsOutboundEvent
	var aimTimer *time.Timer
	var aimTimerCh <-chan time.Time

	emit := func(ev wsOutboundEvent) {
		ts := ev.At
		if ts.IsZero() {
			ts = time.Now().UTC()
		}
		msg, err := json.Marshal(envelope{Type: ev.Type, Ts: &ts, Data: ev.Data})
		if err != nil {
			logger.Warn("ws broadcaster marshal failed", "error", err, "type", ev.Type)
			return
		}
		hub.BroadcastBytes(msg)
	}

	flushPendingAim := func() {
		if pendingAim == nil {
			return
		}
		emit(*pendingAim)
		pendingAim = nil
	}

	stopAimTimer := func() {
		if aimTimer != nil && !aimTimer.Stop() {
			select {
			case <-aimTimer.C:
			default:
			}
		}
		aimTimer = nil
		aimTimerCh = nil
	}

	for {
		select {
		case <-ctx.Done():
			flushPendingAim()
			stopAimTimer()
			return

		case <-aimTimerCh:
			flushPendingAim()
			stopAimTimer()

		case b, ok := <-src:
			if !ok {
				flushPendingAim()
				stopAimTimer()
				logger.Info("ws broadcaster stopping (source ended)")
				return
			}

			ev, ok := convertBroadcast(b)
			if !ok {
				continue
			}

			if ev.Type == "aim_changed" {
				copyEv := ev
				pendingAim = &copyEv
				if aimTimer == nil {
					aimTimer = time.NewTimer(wsAimCoalesceWindow)
					aimTimerCh = aimTimer.C
				}
				continue
			}

			// Keep ordering: a pending aim change goes out before anything newer.
			flushPendingAim()
			stopAimTimer()
			emit(ev)
		}
	}
}

func convertBroadcast(b StatusBroadcast) (wsOutboundEvent, bool) {
	switch ev := b.(type) {
	case BroadcastCalibrationChanged:
		snap := ev.Snapshot
		data := wsCalibrationData{
			Previous:   ev.Previous,
			State:      snap.Calibration.State,
			Samples:    snap.Calibration.Samples,
			FlickValue: snap.Calibration.FlickValue,
		}
		if ev.Completed {
			switch {
			case ev.Previous.isGyro():
				o := snap.Settings.Offset
				data.Offset = &vectorJSON{X: o.X, Y: o.Y, Z: o.Z}
			case ev.Previous.isFlick():
				v := snap.Settings.Flick.Value
				data.Flick = &v
			}
		}
		return wsOutboundEvent{Type: "calibration_changed", Data: data, At: snap.At}, true

	case BroadcastSettingsChanged:
		return wsOutboundEvent{
			Type: "settings_changed",
			Data: wsSettingsData{
				Settings:  ev.Snapshot.Settings,
				Dirty:     ev.Snapshot.Dirty,
				Listening: ev.Snapshot.Listening,
			},
			At: ev.Snapshot.At,
		}, true

	case BroadcastAimChanged:
		return wsOutboundEvent{
			Type: "aim_changed",
			Data: wsAimData{AimActive: ev.Snapshot.AimActive},
			At:   ev.Snapshot.At,
		}, true

	case BroadcastDeviceChanged:
		return wsOutboundEvent{
			Type: "device_changed",
			Data: wsDeviceData{Device: ev.Snapshot.Device},
			At:   ev.Snapshot.At,
		}, true

	default:
		return wsOutboundEvent{}, false
	}
}
