package notes

import (
	"strings"
	"testing"
)

func TestIdentifierValidation(t *testing.T) {
	if _, err := NewNoteID(""); err == nil {
		t.Fatalf("expected empty note id to be rejected")
	}
	if _, err := NewNoteID("  "); err == nil {
		t.Fatalf("expected blank note id to be rejected")
	}
	if _, err := NewNoteID(strings.Repeat("a", 191)); err == nil {
		t.Fatalf("expected overlong note id to be rejected")
	}
	id, err := NewNoteID(" note-1 ")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id.String() != "note-1" {
		t.Fatalf("expected trimmed id, got %q", id.String())
	}
}

func TestNoteVersionRejectsNegative(t *testing.T) {
	if _, err := NewNoteVersion(-1); err == nil {
		t.Fatalf("expected negative version to be rejected")
	}
	version, err := NewNoteVersion(0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if version.Int64() != 0 {
		t.Fatalf("unexpected version value: %d", version.Int64())
	}
}
