package ws

import (
	"sync"
	"time"
)

// Hub maintains the set of live sessions and the chat rooms they joined.
type Hub struct {
	mu       sync.RWMutex
	rooms    map[string]*room
	sessions map[string]*Session
}

type room struct {
	chatID  string
	members map[*Session]struct{} // guarded by Hub.mu

	// sendMu serialises persist-then-broadcast so every member observes
	// messages in store order. lastStamp is guarded by sendMu.
	sendMu    sync.Mutex
	lastStamp time.Time
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		rooms:    make(map[string]*room),
		sessions: make(map[string]*Session),
	}
}

// Register tracks a live session.
func (h *Hub) Register(s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sessions[s.ID] = s
}

// Unregister forgets a session and removes it from every room.
func (h *Hub) Unregister(s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.sessions, s.ID)
	for chatID, r := range h.rooms {
		if _, ok := r.members[s]; ok {
			delete(r.members, s)
			if len(r.members) == 0 {
				delete(h.rooms, chatID)
			}
		}
	}
}

// Join subscribes s to the chat's room. Joining twice is a no-op.
func (h *Hub) Join(chatID string, s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	r, ok := h.rooms[chatID]
	if !ok {
		r = &room{chatID: chatID, members: make(map[*Session]struct{})}
		h.rooms[chatID] = r
	}
	r.members[s] = struct{}{}
}

// Leave unsubscribes s from the chat's room.
func (h *Hub) Leave(chatID string, s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	r, ok := h.rooms[chatID]
	if !ok {
		return
	}
	delete(r.members, s)
	if len(r.members) == 0 {
		delete(h.rooms, chatID)
	}
}

func (h *Hub) room(chatID string) *room {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.rooms[chatID]
}

// members snapshots the room so writes happen outside the hub lock.
func (h *Hub) members(chatID string) []*Session {
	h.mu.RLock()
	defer h.mu.RUnlock()
	r, ok := h.rooms[chatID]
	if !ok {
		return nil
	}
	out := make([]*Session, 0, len(r.members))
	for s := range r.members {
		out = append(out, s)
	}
	return out
}

// Broadcast queues payload for every member of the room except skip and
// returns the number of sessions it was queued for.
func (h *Hub) Broadcast(chatID string, payload []byte, skip *Session) int {
	delivered := 0
	for _, s := range h.members(chatID) {
		if s == skip {
			continue
		}
		if s.enqueue(payload) {
			delivered++
		}
	}
	return delivered
}

// RoomSize returns the number of sessions joined to chatID.
func (h *Hub) RoomSize(chatID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if r, ok := h.rooms[chatID]; ok {
		return len(r.members)
	}
	return 0
}

// UserInRoom reports whether any session of userID is joined to chatID.
func (h *Hub) UserInRoom(chatID, userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	r, ok := h.rooms[chatID]
	if !ok {
		return false
	}
	for s := range r.members {
		if s.UserID == userID {
			return true
		}
	}
	return false
}

// Sessions snapshots every live session.
func (h *Hub) Sessions() []*Session {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		out = append(out, s)
	}
	return out
}
