// Package realtime streams bus messages to WebSocket clients.
//
// Every client connects with a client id. Alerts published for that id
// (alerts.completed, alerts.failed) reach only that client; high-risk alerts
// and stats snapshots reach every client whose subscription matches.
package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mbd888/fraudwatch/internal/fraud"
	"github.com/mbd888/fraudwatch/internal/idgen"
	"github.com/mbd888/fraudwatch/internal/metrics"
	"github.com/mbd888/fraudwatch/internal/pubsub"
)

// normalCloseCodes are WebSocket close codes that indicate an expected disconnect.
var normalCloseCodes = []int{
	websocket.CloseNormalClosure,
	websocket.CloseGoingAway,
	websocket.CloseNoStatusReceived,
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true // Allow non-browser clients
		}
		host := r.Host
		return origin == "http://"+host || origin == "https://"+host
	},
}

// TopicConnected is sent once to a client after the upgrade. Its key is the
// client id.
const TopicConnected = "connected"

// ClientPrefix prefixes generated client ids.
const ClientPrefix = "cli_"

// Subscription filters what a client receives. It can be replaced at any
// time by sending it as a JSON text message.
type Subscription struct {
	// Topics to receive; empty means all.
	Topics []string `json:"topics"`

	// MinProbability drops alerts scored below it. Snapshots are unaffected.
	MinProbability float64 `json:"minProbability"`
}

// Client represents a WebSocket connection
type Client struct {
	id   string
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	mu   sync.RWMutex
	sub  Subscription
}

// ID returns the client id alerts are keyed by.
func (c *Client) ID() string {
	return c.id
}

// MaxClients is the maximum number of concurrent WebSocket connections.
const MaxClients = 10000

// Hub manages all WebSocket connections
type Hub struct {
	bus        *pubsub.Bus
	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	mu         sync.RWMutex
	logger     *slog.Logger
	done       chan struct{} // closed when Run exits; prevents upgrade race
	maxClients int

	// Stats
	totalEvents  atomic.Int64
	totalClients atomic.Int64
	peakClients  atomic.Int64
}

// NewHub creates a hub fed by bus. A nil bus leaves the hub serving
// connections with no message feed.
func NewHub(bus *pubsub.Bus, logger *slog.Logger) *Hub {
	return &Hub{
		bus:        bus,
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		logger:     logger,
		done:       make(chan struct{}),
		maxClients: MaxClients,
	}
}

// Run starts the hub's main loop
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("realtime hub started")
	defer close(h.done)

	var feed <-chan pubsub.Message
	if h.bus != nil {
		sub := h.bus.Subscribe(pubsub.Filter{Buffer: 1024})
		defer sub.Close()
		feed = sub.C()
	}

	for {
		select {
		case <-ctx.Done():
			h.logger.Info("realtime hub shutting down, closing client connections")
			h.mu.Lock()
			for client := range h.clients {
				close(client.send) // writePump sends CloseMessage on closed channel
				delete(h.clients, client)
			}
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(0)
			h.logger.Info("realtime hub stopped")
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.totalClients.Add(1)
			if current := int64(len(h.clients)); current > h.peakClients.Load() {
				h.peakClients.Store(current)
			}
			n := len(h.clients)
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(float64(n))
			h.logger.Info("client connected", "client_id", client.id, "total", n)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			n := len(h.clients)
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(float64(n))
			h.logger.Info("client disconnected", "client_id", client.id, "total", n)

		case msg, ok := <-feed:
			if !ok {
				feed = nil
				continue
			}
			h.dispatch(msg)
		}
	}
}

func (h *Hub) dispatch(msg pubsub.Message) {
	h.totalEvents.Add(1)
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Warn("failed to encode message", "topic", msg.Topic, "error", err)
		return
	}

	h.mu.RLock()
	var slow []*Client
	for client := range h.clients {
		if h.shouldSend(client, msg) {
			select {
			case client.send <- data:
			default:
				slow = append(slow, client)
			}
		}
	}
	h.mu.RUnlock()
	// Remove slow clients under write lock
	if len(slow) > 0 {
		h.mu.Lock()
		for _, client := range slow {
			if _, ok := h.clients[client]; ok {
				close(client.send)
				delete(h.clients, client)
				h.logger.Warn("evicted slow websocket client", "client_id", client.id)
			}
		}
		n := len(h.clients)
		h.mu.Unlock()
		metrics.ActiveWebSocketClients.Set(float64(n))
	}
}

// shouldSend checks if msg matches client's subscription
func (h *Hub) shouldSend(client *Client, msg pubsub.Message) bool {
	if pubsub.Keyed(msg.Topic) && msg.Key != client.id {
		return false
	}

	client.mu.RLock()
	sub := client.sub
	client.mu.RUnlock()

	if len(sub.Topics) > 0 {
		matched := false
		for _, t := range sub.Topics {
			if t == msg.Topic {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}

	if sub.MinProbability > 0 {
		if alert, ok := msg.Payload.(*fraud.FraudAlert); ok && alert.FraudProbability < sub.MinProbability {
			return false
		}
	}

	return true
}

// Stats returns hub statistics
func (h *Hub) Stats() map[string]any {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return map[string]any{
		"connectedClients": len(h.clients),
		"totalEvents":      h.totalEvents.Load(),
		"totalClients":     h.totalClients.Load(),
		"peakClients":      h.peakClients.Load(),
	}
}

// HandleWebSocket upgrades HTTP to WebSocket. The client id comes from the
// clientId query parameter (generated when absent) and the initial topics
// from a comma-separated topics parameter.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	// Reject upgrades after the hub has stopped to prevent orphaned connections.
	select {
	case <-h.done:
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	// Enforce connection limit
	h.mu.RLock()
	n := len(h.clients)
	h.mu.RUnlock()
	if n >= h.maxClients {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	id := strings.TrimSpace(r.URL.Query().Get("clientId"))
	if id == "" {
		id = idgen.WithPrefix(ClientPrefix)
	}
	var sub Subscription
	if raw := r.URL.Query().Get("topics"); raw != "" {
		for _, t := range strings.Split(raw, ",") {
			if t = strings.TrimSpace(t); t != "" {
				sub.Topics = append(sub.Topics, t)
			}
		}
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	client := &Client{
		id:   id,
		hub:  h,
		conn: conn,
		send: make(chan []byte, 256),
		sub:  sub,
	}
	hello, _ := json.Marshal(pubsub.Message{Topic: TopicConnected, Key: id, PublishedAt: time.Now().UTC()})
	client.send <- hello

	select {
	case h.register <- client:
	case <-h.done:
		_ = conn.Close()
		return
	}

	// Start goroutines for reading and writing
	go client.writePump()
	go client.readPump()
}

// readPump reads subscription updates and keeps the read deadline fresh.
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(64 * 1024)
	_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, normalCloseCodes...) {
				c.hub.logger.Warn("websocket read error", "client_id", c.id, "error", err)
			}
			break
		}

		var sub Subscription
		if err := json.Unmarshal(message, &sub); err == nil {
			c.mu.Lock()
			c.sub = sub
			c.mu.Unlock()
		}
	}
}

// writePump writes messages to WebSocket
func (c *Client) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.hub.logger.Warn("websocket write error", "client_id", c.id, "error", err)
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.hub.logger.Debug("websocket ping failed", "client_id", c.id, "error", err)
				return
			}
		}
	}
}
