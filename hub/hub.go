// Package hub holds the process-wide registry of live websocket sessions
// and fans normalized events out to them. Sessions register on connect and
// deregister on disconnect; everything else goes through Publish.
package hub

import (
	"encoding/json"
	"log"
	"sync"

	"github.com/gofiber/websocket/v2"
	"github.com/google/uuid"
)

// sendBuffer bounds the per-session outbound queue. A session that cannot
// drain its buffer is disconnected instead of slowing the publisher down.
const sendBuffer = 64

// Conn is the subset of the websocket connection the hub writes to.
// *websocket.Conn satisfies it; tests supply fakes.
type Conn interface {
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Session is one registered client connection.
type Session struct {
	ID     string
	UserID uint

	conn  Conn
	send  chan []byte
	hub   *Hub
	rooms []string

	closeOnce sync.Once
	mu        sync.Mutex
	closed    bool
}

// enqueue hands a payload to the session without blocking. It reports false
// when the buffer is full; sends to an already-closed session are dropped.
func (s *Session) enqueue(payload []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return true
	}
	select {
	case s.send <- payload:
		return true
	default:
		return false
	}
}

// Hub manages active sessions per user plus ad hoc rooms kept for older
// clients. Delivery is best-effort and non-blocking; there is no
// acknowledgment or replay.
type Hub struct {
	mu     sync.RWMutex
	users  map[uint]map[*Session]struct{}
	rooms  map[string]map[*Session]struct{}
	logger *log.Logger
}

func New(logger *log.Logger) *Hub {
	return &Hub{
		users:  make(map[uint]map[*Session]struct{}),
		rooms:  make(map[string]map[*Session]struct{}),
		logger: logger,
	}
}

// Subscribe registers a connection under the user's channel and starts its
// writer. The returned session stays valid until Unsubscribe or a write
// failure.
func (h *Hub) Subscribe(userID uint, conn Conn) *Session {
	s := &Session{
		ID:     uuid.NewString(),
		UserID: userID,
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		hub:    h,
	}

	h.mu.Lock()
	sessions, ok := h.users[userID]
	if !ok {
		sessions = make(map[*Session]struct{})
		h.users[userID] = sessions
	}
	sessions[s] = struct{}{}
	h.mu.Unlock()

	go s.writePump()
	return s
}

// Unsubscribe removes the session from its user channel and every room it
// joined, and closes the connection.
func (h *Hub) Unsubscribe(s *Session) {
	if s == nil {
		return
	}
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		close(s.send)
		s.mu.Unlock()

		h.mu.Lock()
		if sessions, ok := h.users[s.UserID]; ok {
			delete(sessions, s)
			if len(sessions) == 0 {
				delete(h.users, s.UserID)
			}
		}
		for _, room := range s.rooms {
			if members, ok := h.rooms[room]; ok {
				delete(members, s)
				if len(members) == 0 {
					delete(h.rooms, room)
				}
			}
		}
		h.mu.Unlock()

		_ = s.conn.Close()
	})
}

// JoinRoom additionally subscribes the session to an ad hoc room
// identifier. Kept for compatibility with older clients.
func (h *Hub) JoinRoom(room string, s *Session) {
	if room == "" || s == nil {
		return
	}
	h.mu.Lock()
	members, ok := h.rooms[room]
	if !ok {
		members = make(map[*Session]struct{})
		h.rooms[room] = members
	}
	members[s] = struct{}{}
	s.rooms = append(s.rooms, room)
	h.mu.Unlock()
}

// Publish delivers an event to every live session of one user. It never
// blocks: a session whose buffer is full is dropped and disconnected.
func (h *Hub) Publish(userID uint, event interface{}) {
	payload, err := json.Marshal(event)
	if err != nil {
		h.logger.Printf("failed to marshal event for user %d: %v", userID, err)
		return
	}

	h.mu.RLock()
	targets := make([]*Session, 0, len(h.users[userID]))
	for s := range h.users[userID] {
		targets = append(targets, s)
	}
	h.mu.RUnlock()

	h.deliver(targets, payload)
}

// PublishRoom delivers an event to every member of a room.
func (h *Hub) PublishRoom(room string, event interface{}) {
	payload, err := json.Marshal(event)
	if err != nil {
		h.logger.Printf("failed to marshal event for room %s: %v", room, err)
		return
	}

	h.mu.RLock()
	targets := make([]*Session, 0, len(h.rooms[room]))
	for s := range h.rooms[room] {
		targets = append(targets, s)
	}
	h.mu.RUnlock()

	h.deliver(targets, payload)
}

func (h *Hub) deliver(targets []*Session, payload []byte) {
	for _, s := range targets {
		if !s.enqueue(payload) {
			h.logger.Printf("session %s for user %d is not draining, disconnecting", s.ID, s.UserID)
			go h.Unsubscribe(s)
		}
	}
}

// ActiveSessions returns the number of live sessions for a user.
func (h *Hub) ActiveSessions(userID uint) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.users[userID])
}

// writePump drains the session's queue onto the connection. A failed write
// tears the session down.
func (s *Session) writePump() {
	for payload := range s.send {
		if err := s.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			s.hub.logger.Printf("write to session %s failed: %v", s.ID, err)
			s.hub.Unsubscribe(s)
			return
		}
	}
}
