// Package trade — WebSocket hub for real-time price broadcasting.
package trade

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/brickshare/market-engine/internal/market"
	"github.com/brickshare/market-engine/internal/metrics"
)

// WSMessage is a JSON message sent to WebSocket clients on every
// price change, whether from the random walk or a trade.
type WSMessage struct {
	Type       string `json:"type"` // "price_tick" or "trade_executed"
	PropertyID int    `json:"property_id"`
	Name       string `json:"name"`
	Price      string `json:"price"`
	Direction  string `json:"direction"`
	Side       string `json:"side,omitempty"`
	Shares     string `json:"shares,omitempty"`
	Timestamp  string `json:"timestamp"`
}

// MessageFromUpdate converts a simulator price update into the wire format.
func MessageFromUpdate(u market.PriceUpdate) WSMessage {
	msg := WSMessage{
		PropertyID: u.PropertyID,
		Name:       u.Name,
		Price:      u.Price.String(),
		Direction:  string(u.Direction),
		Timestamp:  u.Timestamp.UTC().Format(time.RFC3339Nano),
	}
	switch u.Cause {
	case market.CauseBuy:
		msg.Type = "trade_executed"
		msg.Side = "BUY"
	case market.CauseSell:
		msg.Type = "trade_executed"
		msg.Side = "SELL"
	default:
		msg.Type = "price_tick"
	}
	return msg
}

// WSHub manages WebSocket connections and broadcasts messages to all
// connected clients when property prices change.
type WSHub struct {
	clients    map[*websocket.Conn]bool
	broadcast  chan []byte
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	mu         sync.RWMutex
}

// NewWSHub creates a new WebSocket hub.
func NewWSHub() *WSHub {
	return &WSHub{
		clients:    make(map[*websocket.Conn]bool),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
	}
}

// Run starts the hub's main event loop. Must be called in a goroutine.
func (h *WSHub) Run() {
	for {
		select {
		case conn := <-h.register:
			h.mu.Lock()
			h.clients[conn] = true
			total := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(total))
			slog.Info("ws client connected", "total", total)

		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
			}
			total := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(total))

		case msg := <-h.broadcast:
			// Writes happen under the read lock; the ping goroutines
			// also read h.clients, so dead connections are collected
			// here and removed under the write lock afterwards.
			var dead []*websocket.Conn
			h.mu.RLock()
			for conn := range h.clients {
				if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
					dead = append(dead, conn)
				}
			}
			h.mu.RUnlock()

			if len(dead) > 0 {
				h.mu.Lock()
				for _, conn := range dead {
					if _, ok := h.clients[conn]; ok {
						delete(h.clients, conn)
						conn.Close()
					}
				}
				total := len(h.clients)
				h.mu.Unlock()
				metrics.WebSocketClients.Set(float64(total))
			}
		}
	}
}

// Broadcast sends a message to all connected clients.
func (h *WSHub) Broadcast(msg WSMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	select {
	case h.broadcast <- data:
	default:
		// Drop if buffer full to avoid blocking the tick loop.
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true // Allow all origins during development.
	},
}

// HandleWS handles WebSocket upgrade requests at GET /api/v1/ws.
func (h *WSHub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("ws upgrade failed", "err", err)
		return
	}

	h.register <- conn

	// Read pump: keep connection alive and detect disconnects.
	go func() {
		defer func() { h.unregister <- conn }()
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			return nil
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()

	// Ping ticker to keep connection alive through proxies.
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			h.mu.RLock()
			_, ok := h.clients[conn]
			h.mu.RUnlock()
			if !ok {
				return
			}
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}()
}
