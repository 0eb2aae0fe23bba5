package collab

import (
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/automerge/automerge-go"

	"github.com/notenest/backend/internal/notes"
)

const (
	docFieldTitle   = "title"
	docFieldContent = "content"

	commitMsgSeed    = "seed document"
	commitMsgReplace = "full document replace"
)

// ErrMalformedDelta indicates a payload that could not be decoded as an
// update delta. Well-formed deltas are never rejected.
var ErrMalformedDelta = errors.New("collab: malformed delta")

// Replica is the server-side mutable structure for one actively edited note.
// It is not safe for concurrent use: every method must run inside the
// registry's per-note critical section.
type Replica struct {
	noteID      string
	workspaceID string
	doc         *automerge.Doc

	version      int64
	attached     int
	dirty        bool
	lastEditor   string
	lastActivity time.Time
}

func newReplica(record notes.Note, now time.Time) (*Replica, error) {
	doc, err := docFromRecord(record)
	if err != nil {
		return nil, err
	}
	return &Replica{
		noteID:       record.NoteID,
		workspaceID:  record.WorkspaceID,
		doc:          doc,
		version:      record.Version,
		lastActivity: now,
	}, nil
}

// docFromRecord restores the replicated structure from the stored state blob,
// falling back to seeding a fresh document from the plain-text projection.
func docFromRecord(record notes.Note) (*automerge.Doc, error) {
	if record.ReplicaB64 != "" {
		raw, err := base64.StdEncoding.DecodeString(record.ReplicaB64)
		if err != nil {
			return nil, fmt.Errorf("collab: invalid replica state for note %s: %w", record.NoteID, err)
		}
		return automerge.Load(raw)
	}

	doc := automerge.New()
	if err := doc.Path(docFieldTitle).Set(record.Title); err != nil {
		return nil, err
	}
	if err := doc.Path(docFieldContent).Set(automerge.NewText(record.Content)); err != nil {
		return nil, err
	}
	if _, err := doc.Commit(commitMsgSeed); err != nil {
		return nil, err
	}
	return doc, nil
}

// NoteID returns the note this replica represents.
func (r *Replica) NoteID() string {
	return r.noteID
}

// WorkspaceID returns the workspace the note is filed in.
func (r *Replica) WorkspaceID() string {
	return r.workspaceID
}

// Version returns the durable version counter observed at load or last flush.
func (r *Replica) Version() int64 {
	return r.version
}

// applyUpdate folds one incremental update delta into the replica.
func (r *Replica) applyUpdate(delta []byte, editorID string, now time.Time) error {
	if len(delta) == 0 {
		return fmt.Errorf("%w: empty payload", ErrMalformedDelta)
	}
	if err := r.doc.LoadIncremental(delta); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedDelta, err)
	}
	r.dirty = true
	r.lastEditor = editorID
	r.lastActivity = now
	return nil
}

// stateVector summarizes the replica's causal knowledge.
func (r *Replica) stateVector() []automerge.ChangeHash {
	return r.doc.Heads()
}

// diffFrom computes the delta a remote replica at the given heads is missing.
func (r *Replica) diffFrom(remote []automerge.ChangeHash) ([]byte, error) {
	changes, err := r.doc.Changes(remote...)
	if err != nil {
		return nil, err
	}
	var delta []byte
	for _, change := range changes {
		delta = append(delta, change.Save()...)
	}
	return delta, nil
}

// snapshotText projects the replicated structure onto the plain fields
// persisted in the document record.
func (r *Replica) snapshotText() (string, string) {
	return stringAt(r.doc, docFieldTitle), stringAt(r.doc, docFieldContent)
}

// saveState exports the full replica state for durable storage.
func (r *Replica) saveState() []byte {
	return r.doc.Save()
}

// replaceDocument overwrites title and content wholesale and returns the
// delta equivalent to that replacement, for broadcast to live sessions. Any
// not-yet-exported incremental changes were already broadcast verbatim on
// arrival, so the drain below discards nothing.
func (r *Replica) replaceDocument(title, content, editorID string, now time.Time) ([]byte, error) {
	r.doc.SaveIncremental()
	if err := r.doc.Path(docFieldTitle).Set(title); err != nil {
		return nil, err
	}
	if err := r.doc.Path(docFieldContent).Set(automerge.NewText(content)); err != nil {
		return nil, err
	}
	if _, err := r.doc.Commit(commitMsgReplace); err != nil {
		return nil, err
	}
	delta := r.doc.SaveIncremental()
	r.lastEditor = editorID
	r.lastActivity = now
	return delta, nil
}

// newSyncState opens a fresh per-session sync state against this replica.
func (r *Replica) newSyncState() *automerge.SyncState {
	return automerge.NewSyncState(r.doc)
}

// syncReceive processes one sync message from a client and returns the
// client's heads as carried by the message. Messages may carry changes; the
// replica is marked dirty only when they moved its heads.
func (r *Replica) syncReceive(state *automerge.SyncState, payload []byte, editorID string, now time.Time) ([]automerge.ChangeHash, error) {
	before := r.doc.Heads()
	received, err := state.ReceiveMessage(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedDelta, err)
	}
	if !headsEqual(before, r.doc.Heads()) {
		r.dirty = true
		r.lastEditor = editorID
	}
	r.lastActivity = now
	return received.Heads(), nil
}

// syncGenerate produces the next sync message owed to the session, if any.
func (r *Replica) syncGenerate(state *automerge.SyncState) ([]byte, bool) {
	msg, valid := state.GenerateMessage()
	if !valid {
		return nil, false
	}
	return msg.Bytes(), true
}

func stringAt(doc *automerge.Doc, field string) string {
	value, err := doc.Path(field).Get()
	if err != nil {
		return ""
	}
	switch value.Kind() {
	case automerge.KindStr:
		return value.Str()
	case automerge.KindText:
		text, err := value.Text().Get()
		if err != nil {
			return ""
		}
		return text
	default:
		return ""
	}
}

// headsEqual compares two head sets regardless of ordering.
func headsEqual(left, right []automerge.ChangeHash) bool {
	if len(left) != len(right) {
		return false
	}
	seen := make(map[string]struct{}, len(left))
	for _, hash := range left {
		seen[hash.String()] = struct{}{}
	}
	for _, hash := range right {
		if _, ok := seen[hash.String()]; !ok {
			return false
		}
	}
	return true
}
