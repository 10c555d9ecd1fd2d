// Package realtime streams alerts and usage updates to live dashboard
// clients over WebSocket.
package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nexuscrm/usagewatch/internal/metrics"
	"github.com/nexuscrm/usagewatch/internal/usage"
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
			return true // non-browser clients
		}
		host := r.Host
		return origin == "http://"+host || origin == "https://"+host
	},
}

// MaxClients is the default connection cap.
const MaxClients = 1000

const (
	sendBuffer   = 256
	pingInterval = 30 * time.Second
	readTimeout  = 60 * time.Second
	writeTimeout = 10 * time.Second
)

// UsageUpdate is the envelope broadcast for each ingested event.
type UsageUpdate struct {
	EventType string       `json:"event_type"`
	Data      *usage.Event `json:"data"`
	Timestamp time.Time    `json:"timestamp"`
}

// Client is one live connection. Messages queue on send and are written by
// writePump; done closes when the hub drops the client.
type Client struct {
	hub       *Hub
	conn      *websocket.Conn
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func newClient(h *Hub, conn *websocket.Conn) *Client {
	return &Client{hub: h, conn: conn, send: make(chan []byte, sendBuffer), done: make(chan struct{})}
}

func (c *Client) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// enqueue reports whether the message was queued. A full buffer counts as
// a failed send.
func (c *Client) enqueue(msg []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

// Hub is the registry of live connections.
type Hub struct {
	mu         sync.RWMutex
	clients    map[*Client]struct{}
	logger     *slog.Logger
	maxClients int
	now        func() time.Time
	done       chan struct{} // closed when Run exits; rejects late upgrades

	totalEvents  atomic.Int64
	totalClients atomic.Int64
	peakClients  atomic.Int64
}

// NewHub creates a hub. maxClients <= 0 means MaxClients.
func NewHub(logger *slog.Logger, maxClients int) *Hub {
	if maxClients <= 0 {
		maxClients = MaxClients
	}
	return &Hub{
		clients:    make(map[*Client]struct{}),
		logger:     logger.With("component", "realtime"),
		maxClients: maxClients,
		now:        time.Now,
		done:       make(chan struct{}),
	}
}

// Run blocks until ctx is done, then disconnects every client.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("realtime hub started")
	<-ctx.Done()

	h.mu.Lock()
	for c := range h.clients {
		c.close()
		delete(h.clients, c)
	}
	h.mu.Unlock()
	close(h.done)
	metrics.ActiveWebSocketClients.Set(0)
	h.logger.Info("realtime hub stopped")
}

// register admits c unless the hub is full.
func (h *Hub) register(c *Client) bool {
	h.mu.Lock()
	if len(h.clients) >= h.maxClients {
		h.mu.Unlock()
		return false
	}
	h.clients[c] = struct{}{}
	n := len(h.clients)
	// peakClients is only written under mu.
	if int64(n) > h.peakClients.Load() {
		h.peakClients.Store(int64(n))
	}
	h.mu.Unlock()

	h.totalClients.Add(1)
	metrics.ActiveWebSocketClients.Set(float64(n))
	h.logger.Info("client connected", "total", n)
	return true
}

func (h *Hub) unregister(clients ...*Client) {
	h.mu.Lock()
	for _, c := range clients {
		if _, ok := h.clients[c]; ok {
			delete(h.clients, c)
			c.close()
		}
	}
	n := len(h.clients)
	h.mu.Unlock()
	metrics.ActiveWebSocketClients.Set(float64(n))
}

// Broadcast queues payload for every client and returns how many accepted
// it. Clients that cannot take the message are disconnected.
func (h *Hub) Broadcast(payload []byte) int {
	h.totalEvents.Add(1)

	h.mu.RLock()
	snapshot := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		snapshot = append(snapshot, c)
	}
	h.mu.RUnlock()

	var failed []*Client
	delivered := 0
	for _, c := range snapshot {
		if c.enqueue(payload) {
			delivered++
		} else {
			failed = append(failed, c)
		}
	}
	if len(failed) > 0 {
		h.unregister(failed...)
		h.logger.Warn("dropped unresponsive clients", "count", len(failed))
	}
	return delivered
}

// BroadcastUsage publishes an ingested event to the live feed.
func (h *Hub) BroadcastUsage(ev *usage.Event) int {
	data, err := json.Marshal(UsageUpdate{EventType: "usage_update", Data: ev, Timestamp: h.now().UTC()})
	if err != nil {
		h.logger.Error("encode usage update", "error", err)
		return 0
	}
	return h.Broadcast(data)
}

// Count returns the number of connected clients.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Stats returns hub statistics.
func (h *Hub) Stats() map[string]any {
	return map[string]any{
		"connected_clients": h.Count(),
		"total_events":      h.totalEvents.Load(),
		"total_clients":     h.totalClients.Load(),
		"peak_clients":      h.peakClients.Load(),
	}
}

// HandleWebSocket upgrades the request and serves the connection.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	select {
	case <-h.done:
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	default:
	}
	if h.Count() >= h.maxClients {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	c := newClient(h, conn)
	if !h.register(c) {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "too many connections"),
			time.Now().Add(writeTimeout))
		_ = conn.Close()
		return
	}

	go c.writePump()
	go c.readPump()
}

// readPump echoes inbound text back to the sender.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(64 * 1024)
	_ = c.conn.SetReadDeadline(time.Now().Add(readTimeout))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(readTimeout))
		return nil
	})

	for {
		typ, message, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, normalCloseCodes...) {
				c.hub.logger.Debug("websocket read error", "error", err)
			}
			return
		}
		if typ != websocket.TextMessage {
			continue
		}
		c.enqueue([]byte("Echo: " + string(message)))
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case message := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.hub.logger.Debug("websocket write error", "error", err)
				c.hub.unregister(c)
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.hub.logger.Debug("websocket ping failed", "error", err)
				c.hub.unregister(c)
				return
			}
		}
	}
}
