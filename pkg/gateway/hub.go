package gateway

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/mahaj/dupahar-chat/pkg/metrics"
	"github.com/mahaj/dupahar-chat/pkg/protocol"
)

// Hub is the connection registry of one gateway. It is the only owner of
// the user and room maps; everything goes through its methods.
type Hub struct {
	mu          sync.RWMutex
	userClients map[uuid.UUID]map[*Client]struct{} // user_id -> clients
	rooms       map[uuid.UUID]map[*Client]struct{} // conversation_id -> joined clients
	log         *slog.Logger
}

func NewHub(log *slog.Logger) *Hub {
	return &Hub{
		userClients: make(map[uuid.UUID]map[*Client]struct{}),
		rooms:       make(map[uuid.UUID]map[*Client]struct{}),
		log:         log,
	}
}

// Register reports whether c is the first connection of its user here.
func (h *Hub) Register(c *Client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	clients := h.userClients[c.UserID]
	if clients == nil {
		clients = make(map[*Client]struct{})
		h.userClients[c.UserID] = clients
	}
	clients[c] = struct{}{}
	c.setState(StateAuthenticated)
	metrics.Connections.Inc()
	h.log.Debug("client registered", "conn_id", c.ID, "user_id", c.UserID)
	return len(clients) == 1
}

// Unregister removes c from the registry and every room it joined. It
// reports whether c was the last connection of its user here. Safe to call
// more than once.
func (h *Hub) Unregister(c *Client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	clients, ok := h.userClients[c.UserID]
	if !ok {
		return false
	}
	if _, ok := clients[c]; !ok {
		return false
	}
	delete(clients, c)
	for conv := range c.rooms {
		h.leaveLocked(c, conv)
	}
	metrics.Connections.Dec()
	h.log.Debug("client unregistered", "conn_id", c.ID, "user_id", c.UserID)
	if len(clients) == 0 {
		delete(h.userClients, c.UserID)
		return true
	}
	return false
}

// Join adds c to a room. It reports false if c is not registered.
func (h *Hub) Join(c *Client, conversationID uuid.UUID) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.userClients[c.UserID][c]; !ok {
		return false
	}
	members := h.rooms[conversationID]
	if members == nil {
		members = make(map[*Client]struct{})
		h.rooms[conversationID] = members
		metrics.Rooms.Inc()
	}
	members[c] = struct{}{}
	c.rooms[conversationID] = struct{}{}
	c.setState(StateJoined)
	return true
}

func (h *Hub) Leave(c *Client, conversationID uuid.UUID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveLocked(c, conversationID)
}

func (h *Hub) leaveLocked(c *Client, conversationID uuid.UUID) {
	delete(c.rooms, conversationID)
	if len(c.rooms) == 0 {
		c.setState(StateAuthenticated)
	}
	members, ok := h.rooms[conversationID]
	if !ok {
		return
	}
	delete(members, c)
	if len(members) == 0 {
		delete(h.rooms, conversationID)
		metrics.Rooms.Dec()
	}
}

// Joined reports whether c is in the room.
func (h *Hub) Joined(c *Client, conversationID uuid.UUID) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.rooms[conversationID][c]
	return ok
}

// UserJoined reports whether any connection of userID is in the room.
func (h *Hub) UserJoined(userID, conversationID uuid.UUID) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.userClients[userID] {
		if _, ok := h.rooms[conversationID][c]; ok {
			return true
		}
	}
	return false
}

// RemoveUser takes every connection of userID out of the room and returns
// how many were in it.
func (h *Hub) RemoveUser(userID, conversationID uuid.UUID) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for c := range h.userClients[userID] {
		if _, ok := h.rooms[conversationID][c]; ok {
			h.leaveLocked(c, conversationID)
			n++
		}
	}
	return n
}

// JoinedRooms lists the rooms c is in.
func (h *Hub) JoinedRooms(c *Client) []uuid.UUID {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]uuid.UUID, 0, len(c.rooms))
	for conv := range c.rooms {
		out = append(out, conv)
	}
	return out
}

// Deliver queues env on every target connection and returns how many got
// it. Events with recipients go to all of those users' connections;
// others go to the room. Connections that cannot keep up are closed.
func (h *Hub) Deliver(env protocol.Envelope) int {
	frame, err := env.Frame()
	if err != nil {
		h.log.Error("failed to encode frame", "type", env.Type, "event_id", env.ID, "err", err)
		return 0
	}

	var slow []*Client
	delivered := 0
	h.mu.RLock()
	if len(env.Recipients) > 0 {
		for _, userID := range env.Recipients {
			if env.Exclude != nil && *env.Exclude == userID {
				continue
			}
			for c := range h.userClients[userID] {
				switch c.enqueue(frame) {
				case queued:
					delivered++
				case bufferFull:
					slow = append(slow, c)
				}
			}
		}
	} else {
		for c := range h.rooms[env.ConversationID] {
			if !env.Delivers(c.UserID) {
				continue
			}
			switch c.enqueue(frame) {
			case queued:
				delivered++
			case bufferFull:
				slow = append(slow, c)
			}
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		metrics.SlowConsumers.Inc()
		h.log.Warn("send buffer full, disconnecting", "conn_id", c.ID, "user_id", c.UserID)
		c.Close()
	}
	metrics.EventsDelivered.WithLabelValues(string(env.Type)).Add(float64(delivered))
	return delivered
}

type Stats struct {
	Users       int `json:"users"`
	Connections int `json:"connections"`
	Rooms       int `json:"rooms"`
}

func (h *Hub) Stats() Stats {
	h.mu.RLock()
	defer h.mu.RUnlock()
	s := Stats{Users: len(h.userClients), Rooms: len(h.rooms)}
	for _, clients := range h.userClients {
		s.Connections += len(clients)
	}
	return s
}
