package server

import (
	"sync"

	"github.com/google/uuid"
)

const outboundBufferSize = 32

// Session is the per-connection state: a resolved identity once
// authenticated, and at most one joined document room. Identity fields are
// written only by the connection's own event loop; the hub guards room
// membership, which other connections' broadcasts traverse.
type Session struct {
	id       string
	outbound chan OutboundEvent
	done     chan struct{}
	closing  sync.Once

	authenticated bool
	userID        int64
	username      string
	documentID    int64
}

// ID returns the connection identifier.
func (s *Session) ID() string {
	return s.id
}

// Username returns the resolved username, empty while unauthenticated.
func (s *Session) Username() string {
	return s.username
}

// Outbound exposes the event stream written to the transport.
func (s *Session) Outbound() <-chan OutboundEvent {
	return s.outbound
}

// Done is closed when the session is unregistered.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Hub is the broadcast registry: every live session, grouped into one room
// per document. Sends are non-blocking; a session that cannot keep up loses
// events rather than stalling the room.
type Hub struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	rooms    map[int64]map[string]*Session
}

// NewHub constructs an empty hub.
func NewHub() *Hub {
	return &Hub{
		sessions: make(map[string]*Session),
		rooms:    make(map[int64]map[string]*Session),
	}
}

// Register creates a session for a new connection and tracks it.
func (h *Hub) Register() *Session {
	session := &Session{
		id:       uuid.NewString(),
		outbound: make(chan OutboundEvent, outboundBufferSize),
		done:     make(chan struct{}),
	}
	h.mu.Lock()
	h.sessions[session.id] = session
	h.mu.Unlock()
	return session
}

// Unregister removes the session from the hub and any joined room and
// signals its done channel. The outbound channel is left open so a late
// broadcast racing the unregister cannot panic; it simply goes nowhere.
func (h *Hub) Unregister(session *Session) {
	h.mu.Lock()
	if _, ok := h.sessions[session.id]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.sessions, session.id)
	for documentID, members := range h.rooms {
		if _, ok := members[session.id]; ok {
			delete(members, session.id)
			if len(members) == 0 {
				delete(h.rooms, documentID)
			}
		}
	}
	h.mu.Unlock()
	session.closing.Do(func() { close(session.done) })
}

// JoinRoom moves the session into the document's broadcast group, leaving
// any previously joined room first; a connection occupies one room at most.
func (h *Hub) JoinRoom(documentID int64, session *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for existingID, members := range h.rooms {
		if existingID == documentID {
			continue
		}
		if _, ok := members[session.id]; ok {
			delete(members, session.id)
			if len(members) == 0 {
				delete(h.rooms, existingID)
			}
		}
	}
	members, ok := h.rooms[documentID]
	if !ok {
		members = make(map[string]*Session)
		h.rooms[documentID] = members
	}
	members[session.id] = session
}

// LeaveRoom removes the session from the document's broadcast group.
func (h *Hub) LeaveRoom(documentID int64, session *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	members, ok := h.rooms[documentID]
	if !ok {
		return
	}
	delete(members, session.id)
	if len(members) == 0 {
		delete(h.rooms, documentID)
	}
}

// BroadcastAll delivers the event to every live session.
func (h *Hub) BroadcastAll(event OutboundEvent) {
	for _, session := range h.snapshotAll() {
		deliver(session, event)
	}
}

// BroadcastRoom delivers the event to every session in the document's room.
func (h *Hub) BroadcastRoom(documentID int64, event OutboundEvent) {
	for _, session := range h.snapshotRoom(documentID, "") {
		deliver(session, event)
	}
}

// BroadcastRoomExcept delivers the event to the room, skipping one session.
func (h *Hub) BroadcastRoomExcept(documentID int64, exceptID string, event OutboundEvent) {
	for _, session := range h.snapshotRoom(documentID, exceptID) {
		deliver(session, event)
	}
}

func (h *Hub) snapshotAll() []*Session {
	h.mu.RLock()
	defer h.mu.RUnlock()
	copies := make([]*Session, 0, len(h.sessions))
	for _, session := range h.sessions {
		copies = append(copies, session)
	}
	return copies
}

func (h *Hub) snapshotRoom(documentID int64, exceptID string) []*Session {
	h.mu.RLock()
	defer h.mu.RUnlock()
	members := h.rooms[documentID]
	copies := make([]*Session, 0, len(members))
	for _, session := range members {
		if exceptID != "" && session.id == exceptID {
			continue
		}
		copies = append(copies, session)
	}
	return copies
}

func deliver(session *Session, event OutboundEvent) {
	select {
	case session.outbound <- event:
	default:
	}
}
