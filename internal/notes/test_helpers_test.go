package notes

import (
	"errors"
	"fmt"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func mustUserID(t *testing.T, value string) UserID {
	t.Helper()
	id, err := NewUserID(value)
	if err != nil {
		t.Fatalf("unexpected user id error: %v", err)
	}
	return id
}

func mustNoteID(t *testing.T, value string) NoteID {
	t.Helper()
	id, err := NewNoteID(value)
	if err != nil {
		t.Fatalf("unexpected note id error: %v", err)
	}
	return id
}

func mustWorkspaceID(t *testing.T, value string) WorkspaceID {
	t.Helper()
	id, err := NewWorkspaceID(value)
	if err != nil {
		t.Fatalf("unexpected workspace id error: %v", err)
	}
	return id
}

type staticIDGenerator struct {
	ids   []string
	index int
}

func (g *staticIDGenerator) NewID() (string, error) {
	if g.index >= len(g.ids) {
		return "", errors.New("exhausted ids")
	}
	id := g.ids[g.index]
	g.index++
	return id, nil
}

const testClockSeconds = 1700000600

func testClock() time.Time {
	return time.Unix(testClockSeconds, 0).UTC()
}

func newTestService(t *testing.T, ids []string) (*Service, *gorm.DB) {
	t.Helper()

	dsn := fmt.Sprintf("file:notenest_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&Note{}, &NoteVersionEntry{}, &WorkspaceMember{}, &AuditLog{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	generator := &staticIDGenerator{ids: ids}
	auditor, err := NewAuditRecorder(AuditRecorderConfig{
		Database:   db,
		Clock:      testClock,
		IDProvider: &staticIDGenerator{ids: []string{"audit-1", "audit-2", "audit-3", "audit-4"}},
	})
	if err != nil {
		t.Fatalf("failed to construct audit recorder: %v", err)
	}

	service, err := NewService(ServiceConfig{
		Database:   db,
		Clock:      testClock,
		IDProvider: generator,
		Auditor:    auditor,
	})
	if err != nil {
		t.Fatalf("failed to construct notes service: %v", err)
	}

	return service, db
}
