// Package notify fans events out to every connected browser over a
// WebSocket. Delivery is best-effort, at-most-once; slow clients are
// dropped rather than buffered without bound.
package notify

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/telepy/telepy/pkg/types"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxMessageSize = 512
	clientBuffer   = 256
)

// Hub tracks connected notification clients and broadcasts events
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan types.Event
	register   chan *Client
	unregister chan *Client
	mu         sync.RWMutex
	logger     zerolog.Logger
	ctx        context.Context
	cancel     context.CancelFunc

	countHook     func(n int)
	broadcastHook func()
}

// Client is one connected notification socket
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan types.Event
	userID string
}

// NewHub creates a stopped hub; call Start to begin the event loop
func NewHub(logger zerolog.Logger) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan types.Event, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		logger:     logger,
		ctx:        ctx,
		cancel:     cancel,
	}
}

// SetCountHook registers a callback fired with the client count whenever
// it changes. Set it before Start.
func (h *Hub) SetCountHook(fn func(n int)) {
	h.countHook = fn
}

// SetBroadcastHook registers a callback fired for every event accepted
// onto the bus. Set it before Start.
func (h *Hub) SetBroadcastHook(fn func()) {
	h.broadcastHook = fn
}

func (h *Hub) reportCount() {
	if h.countHook != nil {
		h.countHook(h.ClientCount())
	}
}

// Start begins the hub event loop
func (h *Hub) Start() {
	go h.run()
}

// Stop shuts down the hub and disconnects every client
func (h *Hub) Stop() {
	h.cancel()
	h.mu.Lock()
	for client := range h.clients {
		close(client.send)
		delete(h.clients, client)
	}
	h.mu.Unlock()
	h.reportCount()
}

func (h *Hub) run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.reportCount()
			h.logger.Info().Str("user_id", client.userID).Msg("Notification client connected")

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
			h.reportCount()
			h.logger.Info().Str("user_id", client.userID).Msg("Notification client disconnected")

		case event := <-h.broadcast:
			h.mu.RLock()
			clients := make([]*Client, 0, len(h.clients))
			for client := range h.clients {
				clients = append(clients, client)
			}
			h.mu.RUnlock()

			for _, client := range clients {
				select {
				case client.send <- event:
				default:
					// Send buffer full, drop the client
					h.mu.Lock()
					if _, ok := h.clients[client]; ok {
						delete(h.clients, client)
						close(client.send)
					}
					h.mu.Unlock()
					h.reportCount()
				}
			}

		case <-h.ctx.Done():
			return
		}
	}
}

// Broadcast queues an event for every connected client. Never blocks the
// caller for more than 100ms; an overflowing bus drops the event.
func (h *Hub) Broadcast(event types.Event) {
	select {
	case h.broadcast <- event:
		if h.broadcastHook != nil {
			h.broadcastHook()
		}
	case <-time.After(100 * time.Millisecond):
		h.logger.Warn().Str("action", string(event.Action)).Msg("Notification bus full, dropping event")
	}
}

// Attach registers an already-upgraded WebSocket connection and starts
// its pumps. The API layer owns the upgrade and authentication.
func (h *Hub) Attach(conn *websocket.Conn, userID string) {
	client := &Client{
		hub:    h,
		conn:   conn,
		send:   make(chan types.Event, clientBuffer),
		userID: userID,
	}
	select {
	case h.register <- client:
	case <-h.ctx.Done():
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

// ClientCount returns the number of connected clients
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// readPump drains the socket to detect disconnects; the notification
// channel is one-way so inbound frames are discarded
func (c *Client) readPump() {
	defer func() {
		// After Stop the run loop is gone and nobody receives
		select {
		case c.hub.unregister <- c:
		case <-c.hub.ctx.Done():
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Error().Err(err).Str("user_id", c.userID).Msg("Notification socket error")
			}
			break
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case event, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(event); err != nil {
				c.hub.logger.Error().Err(err).Str("user_id", c.userID).Msg("Notification write error")
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.hub.ctx.Done():
			return
		}
	}
}
