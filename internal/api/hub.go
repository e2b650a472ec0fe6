package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dharsanguruparan/wagate/internal/session"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// Event is one frame pushed to stream subscribers.
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

type sessionUpdate struct {
	Status session.Status `json:"status"`
	QR     string         `json:"qr"`
}

type subscriber struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
}

// Hub fans session snapshots out to websocket subscribers.
type Hub struct {
	logger     *slog.Logger
	broadcast  chan []byte
	register   chan *subscriber
	unregister chan *subscriber
	done       chan struct{}

	mu      sync.Mutex
	clients map[*subscriber]struct{}
}

// NewHub creates a Hub. Run must be started before subscribers connect.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		logger:     logger.With("component", "hub"),
		broadcast:  make(chan []byte, 16),
		register:   make(chan *subscriber),
		unregister: make(chan *subscriber),
		done:       make(chan struct{}),
		clients:    make(map[*subscriber]struct{}),
	}
}

// Run dispatches registrations and broadcasts until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			close(h.done)
			h.mu.Lock()
			for c := range h.clients {
				close(c.send)
				delete(h.clients, c)
			}
			h.mu.Unlock()
			return
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			h.mu.Unlock()
			h.logger.Debug("subscriber registered")
		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()
			h.logger.Debug("subscriber unregistered")
		case msg := <-h.broadcast:
			h.mu.Lock()
			for c := range h.clients {
				select {
				case c.send <- msg:
				default:
					close(c.send)
					delete(h.clients, c)
				}
			}
			h.mu.Unlock()
		}
	}
}

// Subscribers returns the number of connected subscribers.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// NotifySession queues a session_update frame. It never blocks, so it can be
// registered directly as a session watcher.
func (h *Hub) NotifySession(snap session.Snapshot) {
	payload, err := encodeSession(snap)
	if err != nil {
		h.logger.Error("encode session update", "err", err)
		return
	}
	select {
	case h.broadcast <- payload:
	default:
		h.logger.Warn("hub busy, dropping session update", "status", snap.Status)
	}
}

// ServeWs upgrades the request and sends the current snapshot as the first
// frame.
func (h *Hub) ServeWs(w http.ResponseWriter, r *http.Request, current session.Snapshot) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "err", err)
		return
	}
	c := &subscriber{hub: h, conn: conn, send: make(chan []byte, 256)}
	if payload, err := encodeSession(current); err == nil {
		c.send <- payload
	}
	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	}
	go c.writePump()
	go c.readPump()
}

func encodeSession(snap session.Snapshot) ([]byte, error) {
	return json.Marshal(Event{
		Type: "session_update",
		Data: sessionUpdate{Status: snap.Status, QR: snap.QR},
	})
}

// readPump only drains control frames; subscribers do not send data.
func (c *subscriber) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()
	c.conn.SetReadLimit(512)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *subscriber) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
