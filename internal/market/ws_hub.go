// Package market — WebSocket hub for real-time dashboard updates.
package market

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/gameday/traders/internal/metrics"
)

// Event is a JSON message sent to WebSocket clients when the book or the
// game changes. Events are anonymized: they never carry participant
// identity.
type Event struct {
	Type   string `json:"type"` // order_placed, trade_executed, orders_cancelled, game_ended
	GameID string `json:"game_id"`
	Entity string `json:"entity,omitempty"`
	Side   string `json:"side,omitempty"`
	Price  string `json:"price,omitempty"`
	Shares int64  `json:"shares,omitempty"`
}

type client struct {
	conn   *websocket.Conn
	gameID string

	// gorilla/websocket supports at most one concurrent writer per
	// connection; the broadcast loop and the ping ticker both write, so
	// every write goes through writeMu.
	writeMu sync.Mutex
}

func (c *client) write(messageType int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(messageType, data)
}

// Hub manages WebSocket connections and fans events out to the clients
// watching the affected game.
type Hub struct {
	clients    map[*client]bool
	broadcast  chan []byte
	register   chan *client
	unregister chan *client
	mu         sync.RWMutex
}

// NewHub creates a new WebSocket hub.
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*client]bool),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *client),
		unregister: make(chan *client),
	}
}

// Run starts the hub's main event loop. Must be called in a goroutine.
func (h *Hub) Run() {
	for {
		select {
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			total := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(total))
			slog.Info("ws client connected", "game", c.gameID, "total", total)

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				c.conn.Close()
			}
			total := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(total))

		case msg := <-h.broadcast:
			// The payload carries the game id; deliver only to that
			// game's watchers.
			var ev Event
			if err := json.Unmarshal(msg, &ev); err != nil {
				continue
			}
			var dead []*client
			h.mu.RLock()
			for c := range h.clients {
				if c.gameID != ev.GameID {
					continue
				}
				if err := c.write(websocket.TextMessage, msg); err != nil {
					dead = append(dead, c)
				}
			}
			h.mu.RUnlock()
			if len(dead) > 0 {
				h.mu.Lock()
				for _, c := range dead {
					if _, ok := h.clients[c]; ok {
						delete(h.clients, c)
						c.conn.Close()
					}
				}
				h.mu.Unlock()
			}
		}
	}
}

// Broadcast queues an event for delivery to the game's clients.
func (h *Hub) Broadcast(ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	select {
	case h.broadcast <- data:
	default:
		// Drop if buffer full to avoid blocking settlement.
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true // Allow all origins during development.
	},
}

// HandleWS handles WebSocket upgrade requests at GET /api/v1/ws/{token}.
// The token scopes the stream to its participant's game.
func (s *Service) HandleWS(w http.ResponseWriter, r *http.Request) {
	p, err := s.store.GetParticipantByToken(r.Context(), chi.URLParam(r, "token"))
	if err != nil {
		writeErr(w, err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("ws upgrade failed", "err", err)
		return
	}

	c := &client{conn: conn, gameID: p.GameID}
	s.hub.register <- c

	// Read pump: keep connection alive and detect disconnects.
	go func() {
		defer func() { s.hub.unregister <- c }()
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
			s.hub.mu.RLock()
			_, ok := s.hub.clients[c]
			s.hub.mu.RUnlock()
			if !ok {
				return
			}
			if err := c.write(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}()
}
