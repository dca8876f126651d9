// Package websocket is the real-time half of the gateway: a hub tracks
// connected clients and their per-agent rooms, and a broadcaster forwards
// bus events into those rooms.
package websocket

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/agentd/agentd/internal/common/logger"
	"github.com/agentd/agentd/internal/metrics"
	"github.com/agentd/agentd/pkg/ws"
)

// Subscriptions is the streaming-service surface the hub routes membership
// changes through, so subscribes and disconnects are handled in one place.
type Subscriptions interface {
	SubscribeToAgent(clientID, agentID string)
	UnsubscribeFromAgent(clientID, agentID string)
	UnsubscribeClient(clientID string)
}

// Hub manages all WebSocket client connections and their room memberships.
type Hub struct {
	// All registered clients
	clients map[*Client]bool

	// Registered clients by id, for membership changes keyed by client id
	byID map[string]*Client

	// Clients grouped by the agent they observe
	rooms map[string]map[*Client]bool

	// Channels for client management
	register   chan *Client
	unregister chan *Client

	// Channel for frames addressed to every connected client
	broadcast chan *ws.Message

	// Closed when Run exits so registration never blocks after shutdown
	done chan struct{}

	subs    Subscriptions
	metrics *metrics.Metrics

	mu     sync.RWMutex
	logger *logger.Logger
}

// NewHub creates a new WebSocket hub. subs may be nil, in which case
// membership changes are applied directly instead of routed through the
// streaming service.
func NewHub(subs Subscriptions, m *metrics.Metrics, log *logger.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		byID:       make(map[string]*Client),
		rooms:      make(map[string]map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan *ws.Message, 256),
		done:       make(chan struct{}),
		subs:       subs,
		metrics:    m,
		logger:     log.WithComponent("ws_hub"),
	}
}

// Run starts the hub's main processing loop.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("websocket hub started")
	defer h.logger.Info("websocket hub stopped")
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.closeAllClients()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.byID[client.ID] = client
			h.mu.Unlock()
			h.metrics.ClientConnected()
			h.logger.Debug("client registered", zap.String("client_id", client.ID))

		case client := <-h.unregister:
			h.removeClient(client)

		case msg := <-h.broadcast:
			h.broadcastAll(msg)
		}
	}
}

// closeAllClients closes all client connections.
func (h *Hub) closeAllClients() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for client := range h.clients {
		close(client.send)
		delete(h.clients, client)
		delete(h.byID, client.ID)
		h.metrics.ClientDisconnected()
	}
	h.rooms = make(map[string]map[*Client]bool)
}

// removeClient removes a client from the hub and all of its rooms. Room
// teardown and the channel close happen under one lock so no sender can
// queue a frame to a closed channel.
func (h *Hub) removeClient(client *Client) {
	h.mu.Lock()
	if _, ok := h.clients[client]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, client)
	delete(h.byID, client.ID)
	for agentID := range client.subscriptions {
		h.dropFromRoom(client, agentID)
	}
	client.subscriptions = make(map[string]bool)
	close(client.send)
	h.mu.Unlock()

	h.metrics.ClientDisconnected()
	if h.subs != nil {
		h.subs.UnsubscribeClient(client.ID)
	}
	h.logger.Debug("client unregistered", zap.String("client_id", client.ID))
}

// Register adds a client to the hub.
func (h *Hub) Register(client *Client) {
	select {
	case h.register <- client:
	case <-h.done:
	}
}

// Unregister removes a client from the hub.
func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

// Broadcast queues a frame for every connected client.
func (h *Hub) Broadcast(msg *ws.Message) {
	select {
	case h.broadcast <- msg:
	case <-h.done:
	}
}

// BroadcastToAgent sends a frame to the clients subscribed to an agent.
// Sends stay under the read lock so they cannot race a channel close.
func (h *Hub) BroadcastToAgent(agentID string, msg *ws.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("failed to marshal room frame", zap.Error(err))
		return
	}

	var stale []*Client
	h.mu.RLock()
	for client := range h.rooms[agentID] {
		select {
		case client.send <- data:
		default:
			stale = append(stale, client)
		}
	}
	h.mu.RUnlock()

	for _, client := range stale {
		h.dropSlow(client)
	}
}

// broadcastAll fans a frame out to every connected client.
func (h *Hub) broadcastAll(msg *ws.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("failed to marshal broadcast frame", zap.Error(err))
		return
	}

	var stale []*Client
	h.mu.RLock()
	for client := range h.clients {
		select {
		case client.send <- data:
		default:
			stale = append(stale, client)
		}
	}
	h.mu.RUnlock()

	for _, client := range stale {
		h.dropSlow(client)
	}
}

// trySend queues one frame for a client. It reports false when the
// client is no longer registered or its buffer is full. Holding the read
// lock pins the send channel open for the attempt.
func (h *Hub) trySend(client *Client, data []byte) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if _, ok := h.clients[client]; !ok {
		return false
	}
	select {
	case client.send <- data:
		return true
	default:
		return false
	}
}

// dropSlow evicts a client whose send buffer stayed full through a
// broadcast. A full buffer means the client stopped draining its
// connection.
func (h *Hub) dropSlow(client *Client) {
	h.logger.Warn("send buffer full, dropping client",
		zap.String("client_id", client.ID))
	h.removeClient(client)
}

// Join adds a client to an agent's room. Unknown client ids are ignored;
// the client may have disconnected between the request and the join.
func (h *Hub) Join(clientID, agentID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	client, ok := h.byID[clientID]
	if !ok {
		return
	}
	if _, ok := h.rooms[agentID]; !ok {
		h.rooms[agentID] = make(map[*Client]bool)
	}
	h.rooms[agentID][client] = true
	client.subscriptions[agentID] = true

	h.logger.Debug("client joined room",
		zap.String("client_id", clientID),
		zap.String("agent_id", agentID))
}

// Leave removes a client from an agent's room.
func (h *Hub) Leave(clientID, agentID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	client, ok := h.byID[clientID]
	if !ok {
		return
	}
	delete(client.subscriptions, agentID)
	h.dropFromRoom(client, agentID)
}

// LeaveAll removes a client from every room it joined.
func (h *Hub) LeaveAll(clientID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	client, ok := h.byID[clientID]
	if !ok {
		return
	}
	for agentID := range client.subscriptions {
		h.dropFromRoom(client, agentID)
	}
	client.subscriptions = make(map[string]bool)
}

// dropFromRoom deletes the membership entry. Caller holds h.mu.
func (h *Hub) dropFromRoom(client *Client, agentID string) {
	members, ok := h.rooms[agentID]
	if !ok {
		return
	}
	delete(members, client)
	if len(members) == 0 {
		delete(h.rooms, agentID)
	}
}

// subscribeClient routes a subscribe request through the streaming service
// when one is attached.
func (h *Hub) subscribeClient(c *Client, agentID string) {
	if h.subs != nil {
		h.subs.SubscribeToAgent(c.ID, agentID)
		return
	}
	h.Join(c.ID, agentID)
}

// unsubscribeClient routes an unsubscribe request through the streaming
// service when one is attached.
func (h *Hub) unsubscribeClient(c *Client, agentID string) {
	if h.subs != nil {
		h.subs.UnsubscribeFromAgent(c.ID, agentID)
		return
	}
	h.Leave(c.ID, agentID)
}

// GetClientCount returns the number of connected clients.
func (h *Hub) GetClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
