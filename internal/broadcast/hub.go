// Package broadcast implements C8, the WebSocket Gateway: it re-publishes
// every session-bus event to connected clients, one room per session,
// grounded on the teacher's internal/gateway/websocket Hub/Client pair.
package broadcast

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/kandev/agentsession/internal/logger"
)

type roomMessage struct {
	room string
	msg  *Message
}

// Hub fans session-bus events out to every client subscribed to a room.
type Hub struct {
	clients map[*Client]bool
	rooms   map[string]map[*Client]bool

	register   chan *Client
	unregister chan *Client
	broadcast  chan roomMessage

	mu     sync.RWMutex
	logger *logger.Logger
}

// NewHub constructs an idle Hub. Call Run to start its dispatch loop.
func NewHub(log *logger.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		rooms:      make(map[string]map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan roomMessage, 256),
		logger:     log.WithFields(zap.String("component", "broadcast-hub")),
	}
}

// Run drives the hub's client bookkeeping and fan-out until ctx is done.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("broadcast hub started")
	defer h.logger.Info("broadcast hub stopped")

	for {
		select {
		case <-ctx.Done():
			h.closeAllClients()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()

		case client := <-h.unregister:
			h.removeClient(client)

		case rm := <-h.broadcast:
			h.deliver(rm)
		}
	}
}

func (h *Hub) closeAllClients() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		close(client.send)
		delete(h.clients, client)
	}
	h.rooms = make(map[string]map[*Client]bool)
}

func (h *Hub) removeClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[client]; !ok {
		return
	}
	delete(h.clients, client)
	close(client.send)
	for room := range client.rooms {
		if members, ok := h.rooms[room]; ok {
			delete(members, client)
			if len(members) == 0 {
				delete(h.rooms, room)
			}
		}
	}
}

func (h *Hub) deliver(rm roomMessage) {
	data, err := json.Marshal(rm.msg)
	if err != nil {
		h.logger.Error("failed to marshal broadcast message", zap.Error(err))
		return
	}

	h.mu.RLock()
	members := h.rooms[rm.room]
	recipients := make([]*Client, 0, len(members))
	for c := range members {
		recipients = append(recipients, c)
	}
	h.mu.RUnlock()

	for _, c := range recipients {
		select {
		case c.send <- data:
		default:
			h.logger.Warn("client send buffer full, dropping message", zap.String("room", rm.room))
		}
	}
}

// Register adds a client to the hub.
func (h *Hub) Register(client *Client) { h.register <- client }

// Unregister removes a client from the hub.
func (h *Hub) Unregister(client *Client) { h.unregister <- client }

// Subscribe joins client to room, the inverse of Unsubscribe.
func (h *Hub) Subscribe(client *Client, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.rooms[room]; !ok {
		h.rooms[room] = make(map[*Client]bool)
	}
	h.rooms[room][client] = true
	client.rooms[room] = true
}

// Unsubscribe removes client from room.
func (h *Hub) Unsubscribe(client *Client, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(client.rooms, room)
	if members, ok := h.rooms[room]; ok {
		delete(members, client)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
}

// Broadcast publishes action/payload to every client subscribed to
// sessionID's room (spec §4.8).
func (h *Hub) Broadcast(sessionID, action string, payload interface{}) {
	msg, err := newMessage(action, payload)
	if err != nil {
		h.logger.Error("failed to build broadcast message", zap.String("action", action), zap.Error(err))
		return
	}
	h.broadcast <- roomMessage{room: roomKey(sessionID), msg: msg}
}

// RoomSize reports how many clients are currently subscribed to sessionID's
// room, for diagnostics.
func (h *Hub) RoomSize(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[roomKey(sessionID)])
}
