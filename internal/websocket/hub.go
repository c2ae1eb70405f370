package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"

	"ictaccess/internal/event"
	"ictaccess/internal/model"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Allow all origins; the token check below is the gate.
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// TokenParser validates a bearer token and returns the actor it names.
type TokenParser interface {
	ParseToken(tokenString string) (model.ActorContext, error)
}

// Message is the envelope pushed to UI clients.
type Message struct {
	Type string              `json:"type"`
	Data event.WorkflowEvent `json:"data"`
}

// Client represents a single connected WebSocket client
type Client struct {
	Hub  *Hub
	Conn *websocket.Conn
	Send chan []byte
}

// Hub maintains the set of active clients and broadcasts workflow events to them
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client
	logger     *logrus.Logger
	mu         sync.Mutex
	done       chan struct{}
}

func NewHub(logger *logrus.Logger) *Hub {
	return &Hub{
		broadcast:  make(chan []byte, 64),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		clients:    make(map[*Client]bool),
		logger:     logger,
		done:       make(chan struct{}),
	}
}

// Run starts the dispatch loop; it returns once ctx is done.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			close(h.done)
			h.mu.Lock()
			for client := range h.clients {
				close(client.Send)
				delete(h.clients, client)
			}
			h.mu.Unlock()
			return
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.logger.Debug("WebSocket client connected")
		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.Send)
				h.logger.Debug("WebSocket client disconnected")
			}
			h.mu.Unlock()
		case message := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients {
				select {
				case client.Send <- message:
				default:
					// slow consumer
					close(client.Send)
					delete(h.clients, client)
				}
			}
			h.mu.Unlock()
		}
	}
}

// ClientCount reports the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// HandleEvent forwards ev to every connected client. It is an event queue
// subscriber and drops the event when the hub is backed up.
func (h *Hub) HandleEvent(_ context.Context, ev event.WorkflowEvent) {
	payload, err := json.Marshal(Message{Type: "workflow_event", Data: ev})
	if err != nil {
		h.logger.WithField("error", err.Error()).Error("Failed to encode workflow event")
		return
	}
	select {
	case h.broadcast <- payload:
	default:
		h.logger.WithFields(logrus.Fields{
			"event":      ev.Kind,
			"request_id": ev.RequestID,
		}).Warn("WebSocket broadcast buffer full, event dropped")
	}
}

// writePump handles writing messages from the Hub to the WebSocket connection
func (c *Client) writePump() {
	defer func() {
		_ = c.Conn.Close()
	}()
	for message := range c.Send {
		if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
			return
		}
	}
	_ = c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
}

// readPump keeps the connection alive and detects when the peer goes away
func (c *Client) readPump() {
	defer func() {
		select {
		case c.Hub.unregister <- c:
		case <-c.Hub.done:
		}
		_ = c.Conn.Close()
	}()
	for {
		if _, _, err := c.Conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.Hub.logger.WithField("error", err.Error()).Warn("WebSocket read failed")
			}
			return
		}
	}
}

// ServeWs upgrades the request after checking the token, taken from the
// token query parameter or a bearer Authorization header. Only actors holding
// one of allowedRoles may subscribe.
func ServeWs(hub *Hub, c *gin.Context, auth TokenParser, allowedRoles ...string) {
	tokenString := c.Query("token")
	if tokenString == "" {
		if bearer, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer "); ok {
			tokenString = strings.TrimSpace(bearer)
		}
	}
	if tokenString == "" {
		hub.logger.Debug("WebSocket connection rejected: missing token")
		c.AbortWithStatus(http.StatusUnauthorized)
		return
	}

	actor, err := auth.ParseToken(tokenString)
	if err != nil {
		hub.logger.WithField("error", err.Error()).Debug("WebSocket connection rejected: invalid token")
		c.AbortWithStatus(http.StatusUnauthorized)
		return
	}

	allowed := false
	for _, role := range allowedRoles {
		if actor.HasRole(role) {
			allowed = true
			break
		}
	}
	if !allowed {
		hub.logger.WithField("user_id", actor.ID).Debug("WebSocket connection rejected: inadequate permissions")
		c.AbortWithStatus(http.StatusForbidden)
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		hub.logger.WithField("error", err.Error()).Warn("WebSocket upgrade failed")
		return
	}
	client := &Client{Hub: hub, Conn: conn, Send: make(chan []byte, 256)}
	select {
	case hub.register <- client:
	case <-hub.done:
		_ = conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}
