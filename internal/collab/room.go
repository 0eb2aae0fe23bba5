package collab

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/notenest/backend/internal/notes"
)

// Server-to-client event kinds.
const (
	EventJoined       = "joined"
	EventSyncOffer    = "sync-offer"
	EventSyncReply    = "sync-reply"
	EventSynced       = "synced"
	EventUpdate       = "update"
	EventNoteUpdated  = "note-updated"
	EventConflict     = "conflict"
	EventAccessDenied = "access-denied"
	EventNoteNotFound = "note-not-found"
	EventError        = "error"
)

// Event is one server-to-client notification. Payload carries binary sync
// protocol data; the remaining fields are populated per event kind.
type Event struct {
	Type      string
	NoteID    string
	Payload   []byte
	Origin    string
	Title     string
	Content   string
	UpdatedBy string
	Version   int64
	Message   string
	Conflict  *notes.ConflictDetails
}

// SessionState tracks a session through the sync protocol.
type SessionState string

const (
	StateUnjoined    SessionState = "unjoined"
	StateHandshaking SessionState = "handshaking"
	StateSynced      SessionState = "synced"
	StateClosed      SessionState = "closed"
)

// DeliverFunc pushes an event toward one client. Implementations must never
// block: a slow recipient drops events rather than stalling the sender.
type DeliverFunc func(Event)

// Session is one connected, admitted, room-joined client.
type Session struct {
	connectionID string
	userID       string
	workspaceID  string
	noteID       string

	deliver DeliverFunc
	sync    *syncExchange

	mu    sync.Mutex
	state SessionState
}

// ConnectionID returns the session's connection identifier.
func (s *Session) ConnectionID() string { return s.connectionID }

// UserID returns the authenticated user attached to the session.
func (s *Session) UserID() string { return s.userID }

// NoteID returns the note the session is joined to.
func (s *Session) NoteID() string { return s.noteID }

// State returns the session's current protocol state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(state SessionState) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// Deliver pushes an event to the session's client without blocking.
func (s *Session) Deliver(event Event) {
	if s.deliver != nil {
		s.deliver(event)
	}
}

// RoomManager owns the session arena and the room index: connectionID to
// Session and noteID to the set of Sessions attached to it.
type RoomManager struct {
	registry *Registry
	logger   *zap.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
	rooms    map[string]map[string]*Session
}

// NewRoomManager returns a RoomManager backed by the given replica registry.
func NewRoomManager(registry *Registry, logger *zap.Logger) *RoomManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RoomManager{
		registry: registry,
		logger:   logger,
		sessions: make(map[string]*Session),
		rooms:    make(map[string]map[string]*Session),
	}
}

// Join attaches a connection to the note's room, creating the session in the
// handshaking state. Joining while attached to another note implicitly
// leaves the previous room. Admission must already be verified by the caller.
func (m *RoomManager) Join(ctx context.Context, connectionID, userID, noteID, workspaceID string, deliver DeliverFunc) (*Session, error) {
	m.Leave(connectionID)

	replica, err := m.registry.Open(ctx, noteID)
	if err != nil {
		return nil, err
	}

	session := &Session{
		connectionID: connectionID,
		userID:       userID,
		workspaceID:  workspaceID,
		noteID:       noteID,
		deliver:      deliver,
		state:        StateHandshaking,
	}

	m.mu.Lock()
	m.sessions[connectionID] = session
	room, ok := m.rooms[noteID]
	if !ok {
		room = make(map[string]*Session)
		m.rooms[noteID] = room
	}
	room[connectionID] = session
	m.mu.Unlock()

	m.registry.Attach(noteID)
	m.logger.Debug("session joined room",
		zap.String("connection_id", connectionID),
		zap.String("user_id", userID),
		zap.String("note_id", noteID),
		zap.Int64("version", replica.Version()))
	return session, nil
}

// Leave detaches the connection from its room, if any. An empty room is
// dropped; its replica becomes a candidate for idle eviction.
func (m *RoomManager) Leave(connectionID string) {
	m.mu.Lock()
	session, ok := m.sessions[connectionID]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.sessions, connectionID)
	room := m.rooms[session.noteID]
	if room != nil {
		delete(room, connectionID)
		if len(room) == 0 {
			delete(m.rooms, session.noteID)
		}
	}
	m.mu.Unlock()

	session.setState(StateClosed)
	m.registry.Detach(session.noteID)
	m.logger.Debug("session left room",
		zap.String("connection_id", connectionID),
		zap.String("note_id", session.noteID))
}

// Session returns the session for a connection, if one exists.
func (m *RoomManager) Session(connectionID string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	session, ok := m.sessions[connectionID]
	return session, ok
}

// Broadcast delivers the event to every synced session in the note's room
// except the excluded connection. Delivery is best effort per recipient and
// reads a snapshot of membership, so it never blocks a mutation.
func (m *RoomManager) Broadcast(noteID string, event Event, excludeConnectionID string) {
	m.mu.RLock()
	room := m.rooms[noteID]
	recipients := make([]*Session, 0, len(room))
	for connectionID, session := range room {
		if connectionID == excludeConnectionID {
			continue
		}
		recipients = append(recipients, session)
	}
	m.mu.RUnlock()

	for _, session := range recipients {
		if session.State() != StateSynced {
			continue
		}
		session.Deliver(event)
	}
}

// RoomSize reports how many sessions are attached to the note.
func (m *RoomManager) RoomSize(noteID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.rooms[noteID])
}
