package view

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"hivewatch/core-go/internal/metrics"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	clientSendSize = 8
)

// Hub pushes committed snapshots to connected websocket clients. A client
// that cannot keep up is disconnected rather than allowed to stall commits.
type Hub struct {
	log      zerolog.Logger
	metrics  *metrics.Metrics
	current  func() Snapshot
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[string]*hubClient
	closed  bool
}

type hubClient struct {
	id   string
	send chan []byte

	// Guarded by Hub.mu. A client only ever moves forward in seq.
	primed bool
	last   uint64
}

// NewHub returns a hub whose new clients first receive current().
func NewHub(log zerolog.Logger, m *metrics.Metrics, current func() Snapshot) *Hub {
	return &Hub{
		log:     log.With().Str("component", "view_hub").Logger(),
		metrics: m,
		current: current,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
		clients: make(map[string]*hubClient),
	}
}

// Publish queues snap for every client. It never blocks.
func (h *Hub) Publish(snap Snapshot) {
	data, err := json.Marshal(snap)
	if err != nil {
		h.log.Error().Err(err).Uint64("seq", snap.Seq).Msg("failed to encode snapshot")
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for _, c := range h.clients {
		h.offerLocked(c, snap.Seq, data)
	}
}

// offerLocked queues data for c unless c already holds a snapshot at least
// as new. A full buffer disconnects c.
func (h *Hub) offerLocked(c *hubClient, seq uint64, data []byte) {
	if c.primed && seq <= c.last {
		return
	}
	select {
	case c.send <- data:
		c.primed, c.last = true, seq
	default:
		h.log.Warn().Str("client_id", c.id).Msg("dropping slow stream client")
		h.removeLocked(c.id)
	}
}

// Clients reports the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close disconnects every client and refuses new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for id := range h.clients {
		h.removeLocked(id)
	}
}

// ServeHTTP upgrades the request and streams snapshots until the client
// goes away.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}

	c := &hubClient{id: uuid.NewString(), send: make(chan []byte, clientSendSize)}
	if !h.add(c) {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
			time.Now().Add(writeWait))
		_ = conn.Close()
		return
	}
	// Registered before reading current, so a commit racing with the
	// connect reaches the client either way. current takes the store lock
	// and must not be called under h.mu.
	if h.current != nil {
		snap := h.current()
		if data, err := json.Marshal(snap); err == nil {
			h.mu.Lock()
			if h.clients[c.id] == c {
				h.offerLocked(c, snap.Seq, data)
			}
			h.mu.Unlock()
		}
	}

	go h.readPump(conn, c)
	h.writePump(conn, c)
}

func (h *Hub) add(c *hubClient) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c.id] = c
	h.metrics.SetStreamClients(len(h.clients))
	h.log.Debug().Str("client_id", c.id).Int("clients", len(h.clients)).Msg("stream client connected")
	return true
}

func (h *Hub) remove(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(id)
}

// removeLocked is the only place a client's send channel is closed.
func (h *Hub) removeLocked(id string) {
	c, ok := h.clients[id]
	if !ok {
		return
	}
	delete(h.clients, id)
	close(c.send)
	h.metrics.SetStreamClients(len(h.clients))
}

// readPump discards inbound frames; it exists to process control frames and
// notice disconnects.
func (h *Hub) readPump(conn *websocket.Conn, c *hubClient) {
	defer h.remove(c.id)

	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writePump(conn *websocket.Conn, c *hubClient) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = conn.Close()
		h.remove(c.id)
	}()

	for {
		select {
		case data, ok := <-c.send:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
