package server

import (
	"encoding/base64"
	"encoding/json"

	"github.com/notenest/backend/internal/collab"
	"github.com/notenest/backend/internal/notes"
)

// Frame types sent by clients.
const (
	FrameJoin         = "join"
	FrameLeave        = "leave"
	FrameSyncReply    = "sync-reply"
	FrameUpdate       = "update"
	FrameLegacyUpdate = "legacy-update"
)

// Frame types sent by the server.
const (
	FrameJoined       = "joined"
	FrameSyncOffer    = "sync-offer"
	FrameSynced       = "synced"
	FrameAccessDenied = "access-denied"
	FrameNoteNotFound = "note-not-found"
	FrameConflict     = "conflict"
	FrameNoteUpdated  = "note-updated"
	FrameError        = "error"
)

// ClientFrame is one message from client to server. Payload carries base64
// binary: an automerge sync message or an incremental update.
type ClientFrame struct {
	Type            string `json:"type"`
	NoteID          string `json:"noteId,omitempty"`
	WorkspaceID     string `json:"workspaceId,omitempty"`
	Payload         string `json:"payload,omitempty"`
	Title           string `json:"title,omitempty"`
	Content         string `json:"content,omitempty"`
	ExpectedVersion *int64 `json:"expectedVersion,omitempty"`
}

// DecodePayload returns the frame's binary payload.
func (f ClientFrame) DecodePayload() ([]byte, error) {
	return base64.StdEncoding.DecodeString(f.Payload)
}

// ServerFrame is one message from server to client.
type ServerFrame struct {
	Type      string                 `json:"type"`
	NoteID    string                 `json:"noteId,omitempty"`
	Payload   string                 `json:"payload,omitempty"`
	Origin    string                 `json:"origin,omitempty"`
	Title     string                 `json:"title,omitempty"`
	Content   string                 `json:"content,omitempty"`
	UpdatedBy string                 `json:"updatedBy,omitempty"`
	Version   int64                  `json:"version,omitempty"`
	Message   string                 `json:"message,omitempty"`
	Conflict  *notes.ConflictDetails `json:"conflict,omitempty"`
}

// Encode serializes a ServerFrame to JSON bytes.
func (f ServerFrame) Encode() []byte {
	data, _ := json.Marshal(f)
	return data
}

// frameFromEvent maps a room event onto its wire representation.
func frameFromEvent(event collab.Event) ServerFrame {
	frame := ServerFrame{
		Type:      event.Type,
		NoteID:    event.NoteID,
		Origin:    event.Origin,
		Title:     event.Title,
		Content:   event.Content,
		UpdatedBy: event.UpdatedBy,
		Version:   event.Version,
		Message:   event.Message,
		Conflict:  event.Conflict,
	}
	if len(event.Payload) > 0 {
		frame.Payload = base64.StdEncoding.EncodeToString(event.Payload)
	}
	return frame
}
