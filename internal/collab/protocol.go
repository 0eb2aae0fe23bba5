package collab

import (
	"context"
	"encoding/base64"
	"errors"
	"time"

	"github.com/automerge/automerge-go"
	"go.uber.org/zap"

	"github.com/notenest/backend/internal/notes"
)

var (
	// ErrAccessDenied indicates the user is not a member of the workspace.
	ErrAccessDenied = errors.New("collab: access denied")
	// ErrNotJoined indicates a protocol message from a connection without a session.
	ErrNotJoined = errors.New("collab: connection has no joined session")
)

// Authorizer answers the admission questions asked before a session or a
// legacy write may touch a note.
type Authorizer interface {
	IsMember(ctx context.Context, userID, workspaceID string) (bool, error)
	NoteBelongsToWorkspace(ctx context.Context, noteID, workspaceID string) (bool, error)
}

// LegacyStore runs the whole-document replace path against durable storage.
type LegacyStore interface {
	DocumentLoader
	ApplyLegacyUpdate(ctx context.Context, req notes.LegacyUpdateRequest) (notes.LegacyUpdateOutcome, error)
	UpdateReplicaState(ctx context.Context, noteID, replicaB64 string, version int64) error
}

// syncExchange is a session's half of the incremental sync conversation.
type syncExchange struct {
	state *automerge.SyncState
}

// ProtocolConfig describes the dependencies of the sync protocol.
type ProtocolConfig struct {
	Registry   *Registry
	Rooms      *RoomManager
	Flusher    *Flusher
	Authorizer Authorizer
	Legacy     LegacyStore
	Clock      func() time.Time
	Logger     *zap.Logger
}

// Protocol drives each session through Unjoined, Handshaking, Synced and
// Closed, and reconciles the legacy whole-document path with live replicas.
type Protocol struct {
	registry   *Registry
	rooms      *RoomManager
	flusher    *Flusher
	authorizer Authorizer
	legacy     LegacyStore
	clock      func() time.Time
	logger     *zap.Logger
}

// NewProtocol validates the configuration and returns a Protocol.
func NewProtocol(cfg ProtocolConfig) (*Protocol, error) {
	if cfg.Registry == nil || cfg.Rooms == nil || cfg.Flusher == nil {
		return nil, errors.New("collab: registry, rooms and flusher are required")
	}
	if cfg.Authorizer == nil {
		return nil, errors.New("collab: authorizer is required")
	}
	if cfg.Legacy == nil {
		return nil, errors.New("collab: legacy store is required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Protocol{
		registry:   cfg.Registry,
		rooms:      cfg.Rooms,
		flusher:    cfg.Flusher,
		authorizer: cfg.Authorizer,
		legacy:     cfg.Legacy,
		clock:      clock,
		logger:     logger,
	}, nil
}

// Join admits the connection into the note's room and opens the handshake by
// sending a sync offer carrying the server's state vector. On denial the
// connection keeps no session and stays unjoined.
func (p *Protocol) Join(ctx context.Context, connectionID, userID, noteID, workspaceID string, deliver DeliverFunc) (*Session, error) {
	member, err := p.authorizer.IsMember(ctx, userID, workspaceID)
	if err != nil {
		return nil, err
	}
	if !member {
		return nil, ErrAccessDenied
	}
	belongs, err := p.authorizer.NoteBelongsToWorkspace(ctx, noteID, workspaceID)
	if err != nil {
		return nil, err
	}
	if !belongs {
		return nil, notes.ErrNoteNotFound
	}

	session, err := p.rooms.Join(ctx, connectionID, userID, noteID, workspaceID, deliver)
	if err != nil {
		return nil, err
	}

	var version int64
	var offer []byte
	var offered bool
	err = p.registry.WithNote(noteID, func(replica *Replica) error {
		if replica == nil {
			return ErrReplicaNotOpen
		}
		version = replica.Version()
		session.sync = &syncExchange{state: replica.newSyncState()}
		offer, offered = replica.syncGenerate(session.sync.state)
		if !offered {
			// Nothing to offer means both sides are already in agreement.
			session.setState(StateSynced)
		}
		return nil
	})
	if err != nil {
		p.rooms.Leave(connectionID)
		return nil, err
	}

	session.Deliver(Event{Type: EventJoined, NoteID: noteID, Version: version})
	if offered {
		session.Deliver(Event{Type: EventSyncOffer, NoteID: noteID, Payload: offer})
	} else {
		session.Deliver(Event{Type: EventSynced, NoteID: noteID})
	}
	return session, nil
}

// HandleSyncReply processes a client sync message during the handshake and
// answers with whatever the client is still missing. The session becomes
// synced once the heads the client reports match the replica's: causal
// agreement, not message silence, because the sync exchange keeps producing
// acknowledgements after the last change crossed. Changes carried into the
// replica by the message are rebroadcast to every synced peer in the room;
// both the fan-out and the synced transition happen inside the note's
// critical section so a concurrent update cannot slip between them.
func (p *Protocol) HandleSyncReply(ctx context.Context, connectionID string, payload []byte) error {
	session, ok := p.rooms.Session(connectionID)
	if !ok {
		return ErrNotJoined
	}
	if session.sync == nil {
		return ErrNotJoined
	}

	var reply []byte
	var owed bool
	var synced bool
	err := p.registry.WithNote(session.noteID, func(replica *Replica) error {
		if replica == nil {
			return ErrReplicaNotOpen
		}
		before := replica.stateVector()
		clientHeads, err := replica.syncReceive(session.sync.state, payload, session.userID, p.clock())
		if err != nil {
			return err
		}
		after := replica.stateVector()
		if !headsEqual(before, after) {
			carried, diffErr := replica.diffFrom(before)
			if diffErr != nil {
				p.logger.Error("failed to export handshake changes",
					zap.String("note_id", session.noteID), zap.Error(diffErr))
			} else if len(carried) > 0 {
				p.rooms.Broadcast(session.noteID, Event{
					Type:    EventUpdate,
					NoteID:  session.noteID,
					Payload: carried,
					Origin:  session.userID,
				}, connectionID)
			}
		}
		reply, owed = replica.syncGenerate(session.sync.state)
		if session.State() == StateHandshaking && headsEqual(clientHeads, after) {
			session.setState(StateSynced)
			synced = true
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrMalformedDelta) {
			p.logger.Warn("dropping malformed sync message",
				zap.String("connection_id", connectionID),
				zap.String("note_id", session.noteID))
		}
		return err
	}

	if owed {
		session.Deliver(Event{Type: EventSyncReply, NoteID: session.noteID, Payload: reply})
	}
	if synced {
		session.Deliver(Event{Type: EventSynced, NoteID: session.noteID})
	}

	// A handshake can carry edits; schedule their flush like any other.
	p.flusher.Notify(session.noteID)
	return nil
}

// HandleUpdate applies a steady-state delta from a synced session to the
// replica, schedules a flush and rebroadcasts the delta verbatim to every
// other synced session in the room. Malformed deltas are dropped and logged;
// the session stays synced and the replica is untouched.
func (p *Protocol) HandleUpdate(ctx context.Context, connectionID string, delta []byte) error {
	session, ok := p.rooms.Session(connectionID)
	if !ok {
		return ErrNotJoined
	}
	if session.State() != StateSynced {
		return ErrNotJoined
	}

	if err := p.registry.ApplyUpdate(session.noteID, delta, session.userID); err != nil {
		if errors.Is(err, ErrMalformedDelta) {
			p.logger.Warn("dropping malformed delta",
				zap.String("connection_id", connectionID),
				zap.String("note_id", session.noteID))
		}
		return err
	}

	p.flusher.Notify(session.noteID)
	p.rooms.Broadcast(session.noteID, Event{
		Type:    EventUpdate,
		NoteID:  session.noteID,
		Payload: delta,
		Origin:  session.userID,
	}, connectionID)
	return nil
}

// Leave closes the connection's session, if any. No partial state remains in
// the store: the replica is shared and unaffected by a departure.
func (p *Protocol) Leave(connectionID string) {
	p.rooms.Leave(connectionID)
}

// LegacyUpdate runs the whole-document replace path and reconciles an
// accepted write with any open replica so a later flush cannot overwrite it.
// The excluded connection (empty for REST callers) does not receive the
// resulting broadcasts.
func (p *Protocol) LegacyUpdate(ctx context.Context, userID string, req notes.LegacyUpdateRequest, excludeConnectionID string) (notes.LegacyUpdateOutcome, error) {
	record, err := p.legacy.LoadDocument(ctx, req.NoteID.String())
	if err != nil {
		return notes.LegacyUpdateOutcome{}, err
	}
	member, err := p.authorizer.IsMember(ctx, userID, record.WorkspaceID)
	if err != nil {
		return notes.LegacyUpdateOutcome{}, err
	}
	if !member {
		return notes.LegacyUpdateOutcome{}, ErrAccessDenied
	}

	var outcome notes.LegacyUpdateOutcome
	var delta []byte
	err = p.registry.WithNote(req.NoteID.String(), func(replica *Replica) error {
		applied, applyErr := p.legacy.ApplyLegacyUpdate(ctx, req)
		if applyErr != nil {
			return applyErr
		}
		outcome = applied
		if !outcome.Accepted || replica == nil {
			return nil
		}

		// Track the accepted version before folding: a failed fold leaves the
		// replica dirty, and the next flush must write against the version
		// the store now holds.
		replica.version = outcome.Note.Version
		folded, foldErr := replica.replaceDocument(outcome.Note.Title, outcome.Note.Content, userID, p.clock())
		if foldErr != nil {
			replica.dirty = true
			p.logger.Error("legacy write reconciliation failed",
				zap.String("note_id", req.NoteID.String()), zap.Error(foldErr))
			return nil
		}
		delta = folded

		stateB64 := base64.StdEncoding.EncodeToString(replica.saveState())
		if stateErr := p.legacy.UpdateReplicaState(ctx, replica.noteID, stateB64, replica.version); stateErr != nil {
			replica.dirty = true
			p.logger.Warn("replica state write failed after legacy update",
				zap.String("note_id", replica.noteID), zap.Error(stateErr))
			return nil
		}
		replica.dirty = false
		return nil
	})
	if err != nil {
		return notes.LegacyUpdateOutcome{}, err
	}

	if outcome.Accepted {
		if len(delta) > 0 {
			p.rooms.Broadcast(req.NoteID.String(), Event{
				Type:    EventUpdate,
				NoteID:  req.NoteID.String(),
				Payload: delta,
				Origin:  userID,
			}, excludeConnectionID)
		}
		p.rooms.Broadcast(req.NoteID.String(), Event{
			Type:      EventNoteUpdated,
			NoteID:    req.NoteID.String(),
			Title:     outcome.Note.Title,
			Content:   outcome.Note.Content,
			UpdatedBy: userID,
			Version:   outcome.Note.Version,
		}, excludeConnectionID)
	}
	return outcome, nil
}
