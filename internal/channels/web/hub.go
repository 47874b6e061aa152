// Package web serves the embedded web-chat transport over websockets. Each
// visitor holds one connection keyed by a client id; outbound sends push
// frames to that connection.
package web

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/parleyhq/parley/internal/bus"
	"github.com/parleyhq/parley/internal/channels"
	"github.com/parleyhq/parley/pkg/protocol"
)

const (
	writeTimeout = 10 * time.Second
	pongTimeout  = 60 * time.Second
	pingInterval = 45 * time.Second
)

// frame is the wire format in both directions.
type frame struct {
	Type    string            `json:"type"` // "message", "image", "buttons", "typing"
	Content string            `json:"content,omitempty"`
	URL     string            `json:"url,omitempty"`
	Caption string            `json:"caption,omitempty"`
	Buttons []channels.Button `json:"buttons,omitempty"`
	Name    string            `json:"name,omitempty"` // visitor display name, first frame only
}

type client struct {
	conn *websocket.Conn
	mu   sync.Mutex // serializes writes
}

func (c *client) writeJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteJSON(v)
}

// Hub is the web transport adapter: a websocket endpoint plus the outbound
// send surface.
type Hub struct {
	handler  channels.InboundHandler
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[string]*client // client id → connection
}

// NewHub creates the hub.
func NewHub(handler channels.InboundHandler) *Hub {
	return &Hub{
		handler: handler,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The embed script serves from arbitrary customer origins.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		clients: make(map[string]*client),
	}
}

// Name returns the transport identifier.
func (h *Hub) Name() protocol.Channel { return protocol.ChannelWeb }

// Start is a no-op: connections arrive on the HTTP endpoint.
func (h *Hub) Start(_ context.Context) error { return nil }

// Stop closes every open connection.
func (h *Hub) Stop(_ context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, c := range h.clients {
		c.conn.Close()
		delete(h.clients, id)
	}
	return nil
}

// ServeWS upgrades the request and pumps inbound frames until the peer goes
// away. The client id comes from the ?client query param, or is minted.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	clientID := r.URL.Query().Get("client")
	if clientID == "" {
		clientID = uuid.Must(uuid.NewV7()).String()
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "error", err)
		return
	}
	c := &client{conn: conn}

	h.mu.Lock()
	if prev, ok := h.clients[clientID]; ok {
		prev.conn.Close()
	}
	h.clients[clientID] = c
	h.mu.Unlock()
	slog.Info("web client connected", "client", clientID)

	go h.pingLoop(clientID, c)
	h.readLoop(r.Context(), clientID, c)
}

func (h *Hub) readLoop(ctx context.Context, clientID string, c *client) {
	defer h.drop(clientID, c)

	c.conn.SetReadDeadline(time.Now().Add(pongTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongTimeout))
		return nil
	})

	var senderName string
	for seq := 0; ; seq++ {
		var f frame
		if err := c.conn.ReadJSON(&f); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Debug("web client read error", "client", clientID, "error", err)
			}
			return
		}
		if f.Name != "" {
			senderName = f.Name
		}
		if f.Type != "message" || f.Content == "" {
			continue
		}
		h.handler(ctx, bus.InboundEvent{
			Content:       f.Content,
			ChannelUserID: clientID,
			Channel:       protocol.ChannelWeb,
			SenderName:    senderName,
			MessageID:     fmt.Sprintf("web:%s:%d", clientID, seq),
		})
	}
}

func (h *Hub) pingLoop(clientID string, c *client) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for range ticker.C {
		c.mu.Lock()
		c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		err := c.conn.WriteMessage(websocket.PingMessage, nil)
		c.mu.Unlock()
		if err != nil {
			h.drop(clientID, c)
			return
		}
	}
}

func (h *Hub) drop(clientID string, c *client) {
	h.mu.Lock()
	if cur, ok := h.clients[clientID]; ok && cur == c {
		delete(h.clients, clientID)
	}
	h.mu.Unlock()
	c.conn.Close()
}

func (h *Hub) send(to string, f frame) error {
	h.mu.RLock()
	c, ok := h.clients[to]
	h.mu.RUnlock()
	if !ok {
		return fmt.Errorf("web: client %q not connected", to)
	}
	return c.writeJSON(f)
}

// SendMessage pushes a text frame to the client.
func (h *Hub) SendMessage(_ context.Context, to, content string) error {
	return h.send(to, frame{Type: "message", Content: content})
}

// SendImage pushes an image frame to the client.
func (h *Hub) SendImage(_ context.Context, to, url, caption string) error {
	return h.send(to, frame{Type: "image", URL: url, Caption: caption})
}

// SendButtons pushes a quick-reply frame to the client.
func (h *Hub) SendButtons(_ context.Context, to, text string, buttons []channels.Button) error {
	return h.send(to, frame{Type: "buttons", Content: text, Buttons: buttons})
}

// SendTemplate pushes pre-rendered template content.
func (h *Hub) SendTemplate(ctx context.Context, to, name string, params map[string]string) error {
	content := params["_rendered"]
	if content == "" {
		content = name
	}
	return h.SendMessage(ctx, to, content)
}

// VerifyWebhook always fails: the web transport has no webhook surface.
func (h *Hub) VerifyWebhook(_ *http.Request, _ []byte) bool { return false }

// ParseIncoming is unused for a websocket transport.
func (h *Hub) ParseIncoming(_ []byte) ([]bus.InboundEvent, error) {
	return nil, fmt.Errorf("web: inbound arrives over websocket")
}
