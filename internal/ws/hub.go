package ws

import (
	"sync"

	"chat-sync/internal/models"
	"chat-sync/internal/roomlog"
)

// Hub maintains live subscribers per room.
type Hub struct {
	rooms map[string]map[roomlog.Subscriber]struct{}
	mu    sync.RWMutex
}

var _ roomlog.Fanout = (*Hub)(nil)

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{rooms: make(map[string]map[roomlog.Subscriber]struct{})}
}

// Join registers a subscriber for a room.
func (h *Hub) Join(roomID string, sub roomlog.Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.rooms[roomID]; !ok {
		h.rooms[roomID] = make(map[roomlog.Subscriber]struct{})
	}
	h.rooms[roomID][sub] = struct{}{}
}

// Leave removes a subscriber.
func (h *Hub) Leave(roomID string, sub roomlog.Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if subs, ok := h.rooms[roomID]; ok {
		delete(subs, sub)
		if len(subs) == 0 {
			delete(h.rooms, roomID)
		}
	}
}

// Broadcast hands batch to every subscriber of the room. Subscribers whose
// buffer is full are dropped and closed; they resume from their cursor.
func (h *Hub) Broadcast(roomID string, batch models.Batch) {
	h.mu.RLock()
	subs := make([]roomlog.Subscriber, 0, len(h.rooms[roomID]))
	for sub := range h.rooms[roomID] {
		subs = append(subs, sub)
	}
	h.mu.RUnlock()

	for _, sub := range subs {
		if !sub.Deliver(batch) {
			h.Leave(roomID, sub)
			sub.Close(closeSlowConsumer)
		}
	}
}

// Count returns the number of live subscribers in a room.
func (h *Hub) Count(roomID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[roomID])
}
