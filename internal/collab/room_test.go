package collab

import (
	"context"
	"testing"
	"time"
)

func newTestRooms(t *testing.T) (*RoomManager, *Registry) {
	t.Helper()
	clock := newTestClock()
	service, _ := newTestNotesService(t, clock)
	seedTestNote(t, service, "note-1", "ws-1", "Title", "body")
	seedTestNote(t, service, "note-2", "ws-1", "Other", "other body")
	registry := newTestRegistry(t, service, clock, time.Minute)
	return NewRoomManager(registry, nil), registry
}

func TestRoomJoinAndLeave(t *testing.T) {
	rooms, _ := newTestRooms(t)
	collector := &eventCollector{}

	session, err := rooms.Join(context.Background(), "conn-1", "user-a", "note-1", "ws-1", collector.deliver)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if session.State() != StateHandshaking {
		t.Fatalf("fresh session must be handshaking, got %s", session.State())
	}
	if rooms.RoomSize("note-1") != 1 {
		t.Fatalf("expected room size 1, got %d", rooms.RoomSize("note-1"))
	}
	if _, ok := rooms.Session("conn-1"); !ok {
		t.Fatalf("expected session to be indexed by connection")
	}

	rooms.Leave("conn-1")
	if session.State() != StateClosed {
		t.Fatalf("left session must be closed, got %s", session.State())
	}
	if rooms.RoomSize("note-1") != 0 {
		t.Fatalf("expected empty room after leave, got %d", rooms.RoomSize("note-1"))
	}
	if _, ok := rooms.Session("conn-1"); ok {
		t.Fatalf("expected session index to be cleared")
	}
}

func TestRoomJoinImplicitlyLeavesPreviousRoom(t *testing.T) {
	rooms, _ := newTestRooms(t)
	collector := &eventCollector{}

	first, err := rooms.Join(context.Background(), "conn-1", "user-a", "note-1", "ws-1", collector.deliver)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := rooms.Join(context.Background(), "conn-1", "user-a", "note-2", "ws-1", collector.deliver); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if first.State() != StateClosed {
		t.Fatalf("previous session must be closed on rejoin")
	}
	if rooms.RoomSize("note-1") != 0 {
		t.Fatalf("expected previous room to be empty, got %d", rooms.RoomSize("note-1"))
	}
	if rooms.RoomSize("note-2") != 1 {
		t.Fatalf("expected new room size 1, got %d", rooms.RoomSize("note-2"))
	}
}

func TestBroadcastReachesOnlySyncedPeers(t *testing.T) {
	rooms, _ := newTestRooms(t)
	syncedPeer := &eventCollector{}
	handshakingPeer := &eventCollector{}
	sender := &eventCollector{}
	otherRoom := &eventCollector{}

	syncedSession, err := rooms.Join(context.Background(), "conn-1", "user-a", "note-1", "ws-1", syncedPeer.deliver)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	syncedSession.setState(StateSynced)

	if _, err := rooms.Join(context.Background(), "conn-2", "user-b", "note-1", "ws-1", handshakingPeer.deliver); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	senderSession, err := rooms.Join(context.Background(), "conn-3", "user-c", "note-1", "ws-1", sender.deliver)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	senderSession.setState(StateSynced)
	if _, err := rooms.Join(context.Background(), "conn-4", "user-d", "note-2", "ws-1", otherRoom.deliver); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	rooms.Broadcast("note-1", Event{Type: EventUpdate, NoteID: "note-1", Payload: []byte{0x01}, Origin: "user-c"}, "conn-3")

	if len(syncedPeer.byType(EventUpdate)) != 1 {
		t.Fatalf("expected the synced peer to receive the update")
	}
	if len(handshakingPeer.byType(EventUpdate)) != 0 {
		t.Fatalf("handshaking peers must not receive updates")
	}
	if len(sender.byType(EventUpdate)) != 0 {
		t.Fatalf("the sender must be excluded from the broadcast")
	}
	if len(otherRoom.byType(EventUpdate)) != 0 {
		t.Fatalf("other rooms must be isolated")
	}
}
