package testserver

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	ws "swiftservice/internal/infrastructure/websocket"
	"swiftservice/pkg/logger"
)

// Client is one socket connection of a signed-in user.
type Client struct {
	UserID string
	Conn   *websocket.Conn
	Send   chan []byte

	mu    sync.Mutex
	rooms map[string]bool
}

func (c *Client) join(conversationID string) {
	c.mu.Lock()
	c.rooms[conversationID] = true
	c.mu.Unlock()
}

func (c *Client) joined(conversationID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rooms[conversationID]
}

// hub tracks live clients by user.
type hub struct {
	mu      sync.RWMutex
	clients map[*Client]bool
}

func newHub() *hub {
	return &hub{clients: make(map[*Client]bool)}
}

func (h *hub) register(c *Client) {
	h.mu.Lock()
	h.clients[c] = true
	h.mu.Unlock()
	logger.Debug("testserver: client registered: %s", c.UserID)
}

func (h *hub) unregister(c *Client) {
	h.mu.Lock()
	if h.clients[c] {
		delete(h.clients, c)
		close(c.Send)
	}
	h.mu.Unlock()
}

// sendToUser delivers frame to every connection of userID accepted by
// filter (nil accepts all).
func (h *hub) sendToUser(userID string, frame []byte, filter func(*Client) bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if c.UserID != userID || (filter != nil && !filter(c)) {
			continue
		}
		select {
		case c.Send <- frame:
		default:
			logger.Warn("testserver: send buffer full for %s, dropping frame", c.UserID)
		}
	}
}

func (h *hub) count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// joined reports whether a live connection of userID is in the room.
func (h *hub) joined(userID, conversationID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if c.UserID == userID && c.joined(conversationID) {
			return true
		}
	}
	return false
}

func (h *hub) closeAll() {
	h.mu.RLock()
	conns := make([]*websocket.Conn, 0, len(h.clients))
	for c := range h.clients {
		conns = append(conns, c.Conn)
	}
	h.mu.RUnlock()

	for _, conn := range conns {
		conn.Close()
	}
}

// ReadPump reads frames until the connection fails.
func (c *Client) ReadPump(s *Server) {
	defer func() {
		s.hub.unregister(c)
		c.Conn.Close()
	}()

	for {
		_, data, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Debug("testserver: read from %s: %v", c.UserID, err)
			}
			return
		}

		var env ws.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			logger.Warn("testserver: malformed frame from %s", c.UserID)
			continue
		}
		s.handleEvent(c, env)
	}
}

// WritePump drains Send onto the connection.
func (c *Client) WritePump() {
	defer c.Conn.Close()

	for message := range c.Send {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
			logger.Debug("testserver: write to %s: %v", c.UserID, err)
			return
		}
	}
	_ = c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
}
