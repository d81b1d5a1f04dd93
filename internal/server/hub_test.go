package server

import (
	"testing"
)

func drainSession(session *Session) []OutboundEvent {
	var events []OutboundEvent
	for {
		select {
		case event := <-session.outbound:
			events = append(events, event)
		default:
			return events
		}
	}
}

func eventTypes(events []OutboundEvent) []string {
	types := make([]string, 0, len(events))
	for _, event := range events {
		types = append(types, event.Type)
	}
	return types
}

func hasEvent(events []OutboundEvent, eventType string) bool {
	for _, event := range events {
		if event.Type == eventType {
			return true
		}
	}
	return false
}

func TestJoinRoomMovesSessionBetweenRooms(t *testing.T) {
	hub := NewHub()
	session := hub.Register()

	hub.JoinRoom(1, session)
	hub.JoinRoom(2, session)

	hub.BroadcastRoom(1, newDocumentsUpdatedEvent())
	if events := drainSession(session); len(events) != 0 {
		t.Fatalf("session left room 1, expected no events, got %v", eventTypes(events))
	}

	hub.BroadcastRoom(2, newDocumentsUpdatedEvent())
	if events := drainSession(session); len(events) != 1 {
		t.Fatalf("expected one event from room 2, got %v", eventTypes(events))
	}
}

func TestBroadcastRoomExceptSkipsOneSession(t *testing.T) {
	hub := NewHub()
	sender := hub.Register()
	peer := hub.Register()
	hub.JoinRoom(1, sender)
	hub.JoinRoom(1, peer)

	hub.BroadcastRoomExcept(1, sender.ID(), newDocumentsUpdatedEvent())

	if events := drainSession(sender); len(events) != 0 {
		t.Fatalf("excluded session must not receive the event, got %v", eventTypes(events))
	}
	if events := drainSession(peer); len(events) != 1 {
		t.Fatalf("peer expected one event, got %v", eventTypes(events))
	}
}

func TestBroadcastAllReachesEverySession(t *testing.T) {
	hub := NewHub()
	first := hub.Register()
	second := hub.Register()
	hub.JoinRoom(1, first)

	hub.BroadcastAll(newActiveUsersEvent([]string{"alice"}))

	for _, session := range []*Session{first, second} {
		if events := drainSession(session); len(events) != 1 {
			t.Fatalf("every session expected one event, got %v", eventTypes(events))
		}
	}
}

func TestUnregisterRemovesSessionFromRooms(t *testing.T) {
	hub := NewHub()
	session := hub.Register()
	hub.JoinRoom(1, session)

	hub.Unregister(session)

	select {
	case <-session.Done():
	default:
		t.Fatalf("done channel must be closed after unregister")
	}

	hub.BroadcastRoom(1, newDocumentsUpdatedEvent())
	hub.BroadcastAll(newDocumentsUpdatedEvent())
	if events := drainSession(session); len(events) != 0 {
		t.Fatalf("unregistered session must not receive events, got %v", eventTypes(events))
	}

	// A second unregister is a no-op, not a panic.
	hub.Unregister(session)
}

func TestDeliverDropsWhenBufferFull(t *testing.T) {
	hub := NewHub()
	session := hub.Register()
	hub.JoinRoom(1, session)

	for index := 0; index < outboundBufferSize+5; index++ {
		hub.BroadcastRoom(1, newDocumentsUpdatedEvent())
	}

	if events := drainSession(session); len(events) != outboundBufferSize {
		t.Fatalf("expected overflow to be dropped at %d events, got %d", outboundBufferSize, len(events))
	}
}
