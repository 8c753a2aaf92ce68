package broadcast

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/kandev/agentsession/internal/logger"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512 * 1024
)

// Client represents one subscriber's WebSocket connection.
type Client struct {
	ID    string
	conn  *websocket.Conn
	hub   *Hub
	send  chan []byte
	rooms map[string]bool

	mu     sync.Mutex
	closed bool
	logger *logger.Logger
}

// NewClient wraps an already-upgraded connection.
func NewClient(id string, conn *websocket.Conn, hub *Hub, log *logger.Logger) *Client {
	return &Client{
		ID:     id,
		conn:   conn,
		hub:    hub,
		send:   make(chan []byte, 256),
		rooms:  make(map[string]bool),
		logger: log.WithFields(zap.String("client_id", id)),
	}
}

// ReadPump discards inbound frames (this gateway is push-only) but keeps
// the read deadline/pong handling alive so dead peers are detected.
func (c *Client) ReadPump() {
	defer func() {
		c.hub.Unregister(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNoStatusReceived, websocket.CloseAbnormalClosure) {
				c.logger.Debug("websocket read error", zap.Error(err))
			}
			return
		}
	}
}

// WritePump drains c.send to the underlying connection, pinging on idle.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Close marks the client closed; safe to call more than once.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
}

// RunSubscribedToSession registers the client, joins sessionID's room, and
// blocks on ReadPump/WritePump until the connection drops or ctx ends.
func RunSubscribedToSession(ctx context.Context, c *Client, sessionID string) {
	c.hub.Register(c)
	c.hub.Subscribe(c, roomKey(sessionID))

	go c.WritePump()

	go func() {
		<-ctx.Done()
		c.hub.Unregister(c)
	}()

	c.ReadPump()
}
