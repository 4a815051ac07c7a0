// Package broadcast provides the fan-out notification channel between the
// sync engine and every open UI surface.
//
// Messages are fire-and-forget display state: no acknowledgement is
// expected and recipients must treat the durable store, not this channel,
// as the source of truth. Surfaces may also send trigger signals back over
// the same connection (queue:added, sync-now, cache-job, queue:status).
package broadcast

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// UI surfaces connect from the local app shell only.
		return true
	},
}

// StateMessage announces the live queue state. Sent at the start and end
// of every drain pass and on explicit status queries.
type StateMessage struct {
	Type         string `json:"type"` // always "state"
	PendingCount int    `json:"pendingCount"`
	Draining     bool   `json:"draining"`
}

// ResultMessage announces the outcome of one processed operation,
// immediately after the outcome is persisted.
type ResultMessage struct {
	Type         string          `json:"type"` // always "result"
	OpID         string          `json:"opId"`
	Kind         string          `json:"kind"`
	JobID        string          `json:"jobId,omitempty"`
	Status       string          `json:"status"` // "success" | "error"
	Result       json.RawMessage `json:"result,omitempty"`
	Error        string          `json:"error,omitempty"`
	PendingCount int             `json:"pendingCount"`
}

// Signal vocabulary accepted from UI surfaces.
const (
	SignalQueueAdded  = "queue:added"
	SignalSyncNow     = "sync-now"
	SignalCacheJob    = "cache-job"
	SignalQueueStatus = "queue:status"
)

// Signal is an inbound trigger message from a UI surface.
type Signal struct {
	Action  string          `json:"action"`
	JobID   string          `json:"job_id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// SignalHandler receives trigger signals sent by connected surfaces.
type SignalHandler interface {
	OnSignal(sig Signal)
}

// Client represents one connected UI surface.
type Client struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	hub  *Hub
}

// Hub maintains active surface connections and fans out messages.
type Hub struct {
	clients    map[string]*Client
	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client
	mu         sync.RWMutex

	handlerMu sync.RWMutex
	handler   SignalHandler

	log *logrus.Entry
}

// NewHub creates a Hub and starts its fan-out loop.
func NewHub(log *logrus.Logger) *Hub {
	if log == nil {
		log = logrus.StandardLogger()
	}
	hub := &Hub{
		clients:    make(map[string]*Client),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		log:        log.WithField("component", "broadcast"),
	}
	go hub.run()
	return hub
}

// SetSignalHandler wires the consumer of inbound trigger signals.
func (h *Hub) SetSignalHandler(handler SignalHandler) {
	h.handlerMu.Lock()
	defer h.handlerMu.Unlock()
	h.handler = handler
}

// run manages connections and broadcasts.
func (h *Hub) run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client.id] = client
			total := len(h.clients)
			h.mu.Unlock()
			h.log.WithFields(logrus.Fields{"client": client.id, "total": total}).Debug("surface connected")

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client.id]; ok {
				delete(h.clients, client.id)
				close(client.send)
			}
			total := len(h.clients)
			h.mu.Unlock()
			h.log.WithFields(logrus.Fields{"client": client.id, "total": total}).Debug("surface disconnected")

		case message := <-h.broadcast:
			h.mu.Lock()
			for id, client := range h.clients {
				select {
				case client.send <- message:
				default:
					// Send buffer full: the surface stopped reading.
					// Delivery is best-effort, drop it.
					close(client.send)
					delete(h.clients, id)
				}
			}
			h.mu.Unlock()
		}
	}
}

// BroadcastState sends a state message to all connected surfaces.
func (h *Hub) BroadcastState(pendingCount int, draining bool) {
	h.send(StateMessage{
		Type:         "state",
		PendingCount: pendingCount,
		Draining:     draining,
	})
}

// BroadcastResult sends a per-operation result to all connected surfaces.
func (h *Hub) BroadcastResult(res ResultMessage) {
	res.Type = "result"
	h.send(res)
}

// ClientCount returns the number of connected surfaces.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) send(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		h.log.WithError(err).Error("failed to marshal broadcast message")
		return
	}

	select {
	case h.broadcast <- data:
	default:
		h.log.Warn("broadcast channel full, dropping message")
	}
}

// readPump pumps trigger signals from one surface connection.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.log.WithError(err).Debug("read error")
			}
			break
		}

		var sig Signal
		if err := json.Unmarshal(message, &sig); err != nil {
			c.hub.log.WithError(err).Debug("invalid signal message")
			continue
		}

		switch sig.Action {
		case "ping":
			c.sendPong()
		case SignalQueueAdded, SignalSyncNow, SignalCacheJob, SignalQueueStatus:
			c.hub.handlerMu.RLock()
			handler := c.hub.handler
			c.hub.handlerMu.RUnlock()
			if handler != nil {
				handler.OnSignal(sig)
			}
		default:
			c.hub.log.WithField("action", sig.Action).Debug("unknown signal action")
		}
	}
}

// writePump pumps broadcast messages to one surface connection.
func (c *Client) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) sendPong() {
	data, _ := json.Marshal(map[string]any{
		"action":    "pong",
		"timestamp": time.Now().Unix(),
	})
	select {
	case c.send <- data:
	default:
	}
}

// Handler returns the HTTP handler that upgrades surface connections.
func (h *Hub) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			h.log.WithError(err).Warn("websocket upgrade failed")
			return
		}

		client := &Client{
			id:   uuid.NewString(),
			conn: conn,
			send: make(chan []byte, 256),
			hub:  h,
		}

		h.register <- client

		go client.writePump()
		go client.readPump()
	}
}
