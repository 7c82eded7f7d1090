package api

import (
	"context"
	"fmt"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/hashicorp/go-hclog"
)

// WebSocket message types sent by clients, and the replies to them
const (
	EventNumpadKey = "numpad_event"
	EventCommand   = "command"
	EventResponse  = "response"
	EventError     = "error"
)

const sendBuffer = 256

// WSMessage represents a WebSocket message
type WSMessage struct {
	Event string      `json:"event"`
	Data  interface{} `json:"data,omitempty"`
}

// WSClient represents a connected WebSocket client
type WSClient struct {
	id     string
	conn   *websocket.Conn
	send   chan WSMessage
	server *Server
}

// Hub tracks connected clients and broadcasts notifications to them. It
// implements the Notifier used by the dispatcher and the services.
type Hub struct {
	log     hclog.Logger
	mu      sync.RWMutex
	clients map[*WSClient]bool
	closed  bool
}

// NewHub creates an empty hub
func NewHub(logger hclog.Logger) *Hub {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Hub{log: logger, clients: make(map[*WSClient]bool)}
}

// Notify broadcasts an event to every client. It never blocks: clients whose
// send buffer is full miss the message.
func (h *Hub) Notify(event string, payload interface{}) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	message := WSMessage{Event: event, Data: payload}
	for client := range h.clients {
		select {
		case client.send <- message:
		default:
			h.log.Debug("client send buffer full, dropping", "client", client.id, "event", event)
		}
	}
}

// Count returns the number of connected clients
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) add(client *WSClient) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[client] = true
	return true
}

// remove unregisters the client and closes its send channel exactly once
func (h *Hub) remove(client *WSClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients[client] {
		delete(h.clients, client)
		close(client.send)
	}
}

// CloseAll disconnects every client and refuses new ones
func (h *Hub) CloseAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for client := range h.clients {
		delete(h.clients, client)
		close(client.send)
	}
}

// handleWebSocket handles WebSocket connections
func (s *Server) handleWebSocket(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "error", err)
		return
	}

	client := &WSClient{
		id:     uuid.NewString(),
		conn:   conn,
		send:   make(chan WSMessage, sendBuffer),
		server: s,
	}
	if !s.deps.Hub.add(client) {
		conn.Close()
		return
	}

	s.log.Info("websocket client connected", "client", client.id)

	go client.readPump()
	go client.writePump()
}

func (c *WSClient) writePump() {
	defer c.conn.Close()

	for msg := range c.send {
		if err := c.conn.WriteJSON(msg); err != nil {
			c.server.log.Debug("websocket write error", "client", c.id, "error", err)
			// readPump notices the broken connection and unregisters
			c.conn.Close()
			for range c.send {
			}
			return
		}
	}
	_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

func (c *WSClient) readPump() {
	defer func() {
		c.server.deps.Hub.remove(c)
		c.conn.Close()
		c.server.log.Info("websocket client disconnected", "client", c.id)
	}()

	for {
		var msg struct {
			Event string                 `json:"event"`
			Data  map[string]interface{} `json:"data"`
		}
		err := c.conn.ReadJSON(&msg)
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.server.log.Warn("websocket error", "client", c.id, "error", err)
			}
			break
		}

		c.handleMessage(msg.Event, msg.Data)
	}
}

func (c *WSClient) handleMessage(event string, data map[string]interface{}) {
	switch event {
	case EventNumpadKey:
		key, _ := data["key"].(string)
		if key == "" {
			c.sendError("key is required")
			return
		}
		out, err := c.server.deps.Dispatcher.HandleKeyEvent(context.Background(), key)
		if err != nil {
			c.sendError(err.Error())
			return
		}
		c.reply(out)
	case EventCommand:
		cmd, _ := data["command"].(string)
		if cmd == "" {
			c.sendError("command is required")
			return
		}
		res := c.server.deps.Executor.Execute(context.Background(), cmd)
		if !res.Success {
			c.sendError(res.Error)
			return
		}
		c.reply(res)
	default:
		c.sendError(fmt.Sprintf("unknown event: %s", event))
	}
}

func (c *WSClient) reply(data interface{}) {
	c.trySend(WSMessage{Event: EventResponse, Data: data})
}

func (c *WSClient) sendError(message string) {
	c.trySend(WSMessage{
		Event: EventError,
		Data: map[string]interface{}{
			"error": message,
		},
	})
}

// trySend checks membership under the hub lock; a client that was removed
// has a closed send channel
func (c *WSClient) trySend(msg WSMessage) {
	hub := c.server.deps.Hub
	hub.mu.RLock()
	defer hub.mu.RUnlock()
	if !hub.clients[c] {
		return
	}
	select {
	case c.send <- msg:
	default:
	}
}
