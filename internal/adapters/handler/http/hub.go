package http

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"fleetsync.live/internal/core/domain"
	"fleetsync.live/internal/core/logger"
	"fleetsync.live/internal/core/metrics"
	"fleetsync.live/internal/core/ports"
	"fleetsync.live/internal/core/services"
	"github.com/gorilla/websocket"
)

const (
	MessageFeed  = "feed"
	MessageAlert = "alert"
)

// Message is one frame sent to connected clients.
type Message struct {
	Type    string      `json:"type"` // "feed", "alert"
	Payload interface{} `json:"payload"`
}

type Hub struct {
	// Registered clients.
	clients map[*Client]bool

	// Inbound messages from the system to be broadcasted to clients.
	broadcast chan Message

	// Register requests from the clients.
	register chan *Client

	// Unregister requests from clients.
	unregister chan *Client

	// Lock for client map safety
	mu sync.Mutex

	feed ports.FeedPubSub
}

func NewHub(feed ports.FeedPubSub) *Hub {
	return &Hub{
		broadcast:  make(chan Message, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		clients:    make(map[*Client]bool),
		feed:       feed,
	}
}

func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.disconnectAll()
			return
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			metrics.AddFeedSubscribers(1)
			h.mu.Unlock()
		case client := <-h.unregister:
			h.mu.Lock()
			h.dropLocked(client)
			h.mu.Unlock()
		case message := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients {
				select {
				case client.send <- message:
				default:
					// a client that cannot keep up reconnects and reloads the snapshot
					logger.Warn("Feed client too slow, disconnecting", "remote", client.conn.RemoteAddr().String())
					h.dropLocked(client)
				}
			}
			h.mu.Unlock()
		}
	}
}

func (h *Hub) dropLocked(client *Client) {
	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		close(client.send)
		metrics.AddFeedSubscribers(-1)
	}
}

// Broadcast publishes a message to all connected clients
func (h *Hub) Broadcast(msg Message) {
	h.broadcast <- msg
}

// Clients is the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// FeedConsumer relays every store change to the connected clients. When the
// feed subscription is lost it disconnects every client, so each reloads the
// snapshot, and subscribes again.
func (h *Hub) FeedConsumer(ctx context.Context) {
	logger.Info("Feed consumer started")
	for ctx.Err() == nil {
		ch, err := h.feed.SubscribeFeed(ctx)
		if err != nil {
			logger.Error("Failed to subscribe to the feed", "error", err)
			return
		}
		h.relay(ctx, ch)
		if ctx.Err() != nil {
			return
		}
		logger.Warn("Feed subscription lost, resetting clients")
		h.disconnectAll()
	}
}

func (h *Hub) relay(ctx context.Context, ch <-chan domain.FeedEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			h.Broadcast(Message{Type: MessageFeed, Payload: ev})
		}
	}
}

func (h *Hub) disconnectAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		h.dropLocked(client)
	}
}

// AlertConsumer relays monitor alerts to the connected consoles.
func (h *Hub) AlertConsumer(ctx context.Context, alerts <-chan services.AgentAlert) {
	for {
		select {
		case <-ctx.Done():
			return
		case a := <-alerts:
			h.Broadcast(Message{Type: MessageAlert, Payload: a})
		}
	}
}

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 512
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Client is a middleman between the websocket connection and the hub.
type Client struct {
	hub *Hub

	// The websocket connection.
	conn *websocket.Conn

	// Buffered channel of outbound messages.
	send chan Message
}

// readPump only watches the connection; clients never send feed data.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Debug("Feed client read failed", "error", err)
			}
			return
		}
	}
}

// writePump pumps messages from the hub to the websocket connection. Frames
// carry one or more newline-separated JSON messages.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel.
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			enc := json.NewEncoder(w)
			enc.Encode(message)

			n := len(c.send)
			for i := 0; i < n; i++ {
				enc.Encode(<-c.send)
			}

			if err := w.Close(); err != nil {
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

// ServeWs handles websocket requests from the peer.
func ServeWs(hub *Hub, w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("Websocket upgrade failed", "error", err)
		return
	}
	client := &Client{hub: hub, conn: conn, send: make(chan Message, 256)}
	client.hub.register <- client

	go client.writePump()
	go client.readPump()
}

