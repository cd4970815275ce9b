package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"evalgo.org/graphdeploy/internal/queue"
)

// EventSource streams queue lifecycle events.
type EventSource interface {
	Subscribe(ctx context.Context) (*queue.Subscription, error)
}

// DeploymentEvent is the message pushed to websocket clients.
type DeploymentEvent struct {
	Type      queue.EventType `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      queue.Event     `json:"data"`
}

// EventFilter narrows the events a client receives. The zero value matches
// everything.
type EventFilter struct {
	JobID string
	Types map[queue.EventType]bool
}

// Match reports whether ev passes the filter.
func (f EventFilter) Match(ev queue.Event) bool {
	if f.JobID != "" && f.JobID != ev.JobID {
		return false
	}
	if len(f.Types) > 0 && !f.Types[ev.Type] {
		return false
	}
	return true
}

// Client is one websocket subscriber.
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	filter EventFilter
	send   chan []byte
}

// Hub fans queue events out to websocket clients. A client whose send
// buffer is full is disconnected.
type Hub struct {
	clients map[*Client]struct{}
	mu      sync.RWMutex

	events     chan queue.Event
	register   chan *Client
	unregister chan *Client
	done       chan struct{}

	logger *slog.Logger
}

// NewHub creates a hub. Call Run to start delivering events.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		clients:    make(map[*Client]struct{}),
		events:     make(chan queue.Event, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		logger:     logger.With("component", "websocket"),
	}
}

// Run delivers events until ctx ends, then disconnects every client.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				h.drop(c)
			}
			h.mu.Unlock()
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug("WebSocket client connected", "clients", n, "job_id", c.filter.JobID)

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				h.drop(c)
			}
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug("WebSocket client disconnected", "clients", n)

		case ev := <-h.events:
			h.deliver(ev)
		}
	}
}

// drop must be called with mu held.
func (h *Hub) drop(c *Client) {
	delete(h.clients, c)
	close(c.send)
}

func (h *Hub) deliver(ev queue.Event) {
	var message []byte
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		if !c.filter.Match(ev) {
			continue
		}
		if message == nil {
			var err error
			message, err = json.Marshal(DeploymentEvent{Type: ev.Type, Timestamp: time.Now().UTC(), Data: ev})
			if err != nil {
				h.logger.Error("Failed to encode event", "job_id", ev.JobID, "error", err)
				return
			}
		}
		select {
		case c.send <- message:
		default:
			h.logger.Warn("WebSocket client too slow, disconnecting", "job_id", ev.JobID)
			h.drop(c)
		}
	}
}

// BroadcastEvent queues ev for delivery. The event is dropped when the hub
// is backed up.
func (h *Hub) BroadcastEvent(ev queue.Event) {
	select {
	case h.events <- ev:
	default:
		h.logger.Warn("WebSocket broadcast buffer full, dropping event", "job_id", ev.JobID, "event", ev.Type)
	}
}

// Forward subscribes to source and broadcasts its events until ctx ends.
func (h *Hub) Forward(ctx context.Context, source EventSource) error {
	sub, err := source.Subscribe(ctx)
	if err != nil {
		return err
	}
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-sub.Events():
			if !ok {
				return nil
			}
			h.BroadcastEvent(ev)
		}
	}
}

func (h *Hub) add(c *Client) bool {
	select {
	case h.register <- c:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) remove(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// readPump only watches for the peer going away; clients send nothing.
func (c *Client) readPump() {
	defer func() {
		c.hub.remove(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(512)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Warn("WebSocket error", "error", err)
			}
			return
		}
	}
}

// writePump sends one event per text frame and keeps the connection alive
// with pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
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
