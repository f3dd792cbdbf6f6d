package api

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/sidequest/sidequest/internal/events"
)

// Heartbeat: ping every pingPeriod; a client that misses one full cycle is
// dropped when the read deadline expires.
const (
	pingPeriod   = 30 * time.Second
	pongWait     = 2 * pingPeriod
	writeWait    = 10 * time.Second
	clientBuffer = 64
)

type hub struct {
	bus *events.Bus
	log zerolog.Logger

	upgrader websocket.Upgrader

	mu      sync.Mutex
	closed  bool
	clients map[string]*wsClient
}

type wsClient struct {
	id       string
	conn     *websocket.Conn
	channels map[string]bool
	unsub    func()
}

func newHub(bus *events.Bus, log zerolog.Logger) *hub {
	return &hub{
		bus: bus,
		log: log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		clients: make(map[string]*wsClient),
	}
}

// handleWS upgrades the connection and streams events for the channels named
// in the `channels` query parameter (default: all).
func (h *hub) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	channels := map[string]bool{}
	if raw := r.URL.Query().Get("channels"); raw != "" {
		for _, ch := range strings.Split(raw, ",") {
			if ch = strings.TrimSpace(ch); ch != "" {
				channels[ch] = true
			}
		}
	} else {
		channels[events.ChannelScans] = true
		channels[events.ChannelAlerts] = true
	}

	sub, unsub := h.bus.Subscribe(clientBuffer)
	c := &wsClient{
		id:       uuid.NewString(),
		conn:     conn,
		channels: channels,
		unsub:    unsub,
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		unsub()
		conn.Close()
		return
	}
	h.clients[c.id] = c
	h.mu.Unlock()

	h.log.Info().Str("client_id", c.id).Msg("websocket client connected")
	go h.writePump(c, sub)
	go h.readPump(c)
}

func (h *hub) writePump(c *wsClient, sub <-chan events.Event) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		h.drop(c)
	}()

	for {
		select {
		case ev, ok := <-sub:
			if !ok {
				// Bus closed or this client was too slow.
				c.conn.SetWriteDeadline(time.Now().Add(writeWait))
				c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if !c.channels[events.ChannelFor(ev.Type)] {
				continue
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(wireFrame(ev)); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *hub) readPump(c *wsClient) {
	defer h.drop(c)
	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *hub) drop(c *wsClient) {
	h.mu.Lock()
	_, present := h.clients[c.id]
	delete(h.clients, c.id)
	h.mu.Unlock()
	if present {
		c.unsub()
		c.conn.Close()
		h.log.Info().Str("client_id", c.id).Msg("websocket client disconnected")
	}
}

// close disconnects every client during shutdown.
func (h *hub) close() {
	h.mu.Lock()
	h.closed = true
	clients := make([]*wsClient, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()
	for _, c := range clients {
		h.drop(c)
	}
}

// wireFrame flattens an event into the { type, ...payload, timestamp } shape
// the dashboard consumes.
func wireFrame(ev events.Event) map[string]any {
	frame := make(map[string]any, len(ev.Payload)+5)
	for k, v := range ev.Payload {
		frame[k] = v
	}
	frame["type"] = string(ev.Type)
	frame["timestamp"] = ev.Timestamp
	if ev.JobID != "" {
		frame["jobId"] = ev.JobID
	}
	if ev.PipelineID != "" {
		frame["pipelineId"] = ev.PipelineID
	}
	if ev.Severity != "" {
		frame["severity"] = ev.Severity
	}
	return frame
}
