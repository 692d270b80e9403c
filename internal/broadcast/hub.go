package broadcast

import "sync"

// Subscriber receives events for a room. Send must not block; it reports
// false when the event could not be queued (slow or closed client).
type Subscriber interface {
	Send(ev Event) bool
}

// Hub tracks the connections attached to this process instance, grouped
// by room. The fabric delivers every event published anywhere in the
// cluster to the hub, and the hub fans it out locally.
type Hub struct {
	mu    sync.Mutex
	rooms map[string]map[string]Subscriber
}

func NewHub() *Hub {
	return &Hub{rooms: make(map[string]map[string]Subscriber)}
}

func (h *Hub) Join(roomCode, socketID string, sub Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.rooms[roomCode] == nil {
		h.rooms[roomCode] = make(map[string]Subscriber)
	}
	h.rooms[roomCode][socketID] = sub
}

func (h *Hub) Leave(roomCode, socketID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	subs := h.rooms[roomCode]
	delete(subs, socketID)
	if len(subs) == 0 {
		delete(h.rooms, roomCode)
	}
}

// Deliver fans an event out to every local subscriber of its room.
func (h *Hub) Deliver(ev Event) {
	h.mu.Lock()
	subs := make([]Subscriber, 0, len(h.rooms[ev.RoomCode]))
	for _, sub := range h.rooms[ev.RoomCode] {
		subs = append(subs, sub)
	}
	h.mu.Unlock()

	for _, sub := range subs {
		sub.Send(ev)
	}
}

func (h *Hub) RoomSize(roomCode string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rooms[roomCode])
}
