package notes

import (
	"testing"
	"time"
)

func storedNoteFixture() Note {
	return Note{
		NoteID:           "note-1",
		WorkspaceID:      "ws-1",
		Title:            "Meeting notes",
		Content:          "agenda",
		Version:          4,
		UpdatedBy:        "user-a",
		CreatedAtSeconds: 1699990000,
		UpdatedAtSeconds: 1700000000,
	}
}

func TestResolveLegacyUpdateAcceptsMatchingVersion(t *testing.T) {
	stored := storedNoteFixture()
	expected := int64(4)
	req := LegacyUpdateRequest{
		NoteID:          mustNoteID(t, "note-1"),
		Title:           "Meeting notes v2",
		Content:         "agenda and decisions",
		ExpectedVersion: &expected,
		EditorID:        mustUserID(t, "user-b"),
	}

	outcome := resolveLegacyUpdate(stored, req, time.Unix(1700000600, 0).UTC())
	if !outcome.Accepted {
		t.Fatalf("expected update to be accepted")
	}
	if outcome.Note.Version != 5 {
		t.Fatalf("expected version to increment to 5, got %d", outcome.Note.Version)
	}
	if outcome.Note.Title != "Meeting notes v2" || outcome.Note.Content != "agenda and decisions" {
		t.Fatalf("unexpected document fields: %#v", outcome.Note)
	}
	if outcome.Note.UpdatedBy != "user-b" {
		t.Fatalf("expected editor to be recorded, got %q", outcome.Note.UpdatedBy)
	}
	if outcome.Note.UpdatedAtSeconds != 1700000600 {
		t.Fatalf("expected updated_at to advance, got %d", outcome.Note.UpdatedAtSeconds)
	}
	if outcome.Conflict != nil {
		t.Fatalf("accepted update must not carry conflict details")
	}
}

func TestResolveLegacyUpdateAcceptsWithoutExpectedVersion(t *testing.T) {
	stored := storedNoteFixture()
	req := LegacyUpdateRequest{
		NoteID:   mustNoteID(t, "note-1"),
		Title:    "Blind overwrite",
		Content:  "last writer wins",
		EditorID: mustUserID(t, "user-c"),
	}

	outcome := resolveLegacyUpdate(stored, req, time.Unix(1700000600, 0).UTC())
	if !outcome.Accepted {
		t.Fatalf("expected update without expected version to be accepted")
	}
	if outcome.Note.Version != 5 {
		t.Fatalf("expected version to increment to 5, got %d", outcome.Note.Version)
	}
}

func TestResolveLegacyUpdateRejectsStaleVersion(t *testing.T) {
	stored := storedNoteFixture()
	expected := int64(2)
	req := LegacyUpdateRequest{
		NoteID:          mustNoteID(t, "note-1"),
		Title:           "Stale edit",
		Content:         "from an old snapshot",
		ExpectedVersion: &expected,
		EditorID:        mustUserID(t, "user-b"),
	}

	outcome := resolveLegacyUpdate(stored, req, time.Unix(1700000600, 0).UTC())
	if outcome.Accepted {
		t.Fatalf("expected stale update to be rejected")
	}
	if outcome.Note.Version != 4 {
		t.Fatalf("rejected update must not mutate the record, got version %d", outcome.Note.Version)
	}
	conflict := outcome.Conflict
	if conflict == nil {
		t.Fatalf("expected conflict details")
	}
	if conflict.CurrentVersion != 4 || conflict.ExpectedVersion != 2 {
		t.Fatalf("unexpected conflict versions: %#v", conflict)
	}
	if conflict.ServerTitle != "Meeting notes" || conflict.ServerContent != "agenda" {
		t.Fatalf("conflict must carry the server document: %#v", conflict)
	}
	if conflict.Guidance == "" {
		t.Fatalf("conflict must carry recovery guidance")
	}
}
