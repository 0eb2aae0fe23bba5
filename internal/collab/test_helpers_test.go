package collab

import (
	"context"
	"fmt"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/notenest/backend/internal/notes"
)

const testClockSeconds = 1700000600

type sequenceIDGenerator struct {
	next int
}

func (g *sequenceIDGenerator) NewID() (string, error) {
	g.next++
	return fmt.Sprintf("id-%d", g.next), nil
}

// testClock is a mutable clock shared by a single test's fixtures.
type testClock struct {
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Unix(testClockSeconds, 0).UTC()}
}

func (c *testClock) Now() time.Time {
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.now = c.now.Add(d)
}

func newTestNotesService(t *testing.T, clock *testClock) (*notes.Service, *gorm.DB) {
	t.Helper()

	dsn := fmt.Sprintf("file:collab_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&notes.Note{}, &notes.NoteVersionEntry{}, &notes.WorkspaceMember{}, &notes.AuditLog{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	generator := &sequenceIDGenerator{}
	auditor, err := notes.NewAuditRecorder(notes.AuditRecorderConfig{
		Database:   db,
		Clock:      clock.Now,
		IDProvider: generator,
	})
	if err != nil {
		t.Fatalf("failed to construct audit recorder: %v", err)
	}
	service, err := notes.NewService(notes.ServiceConfig{
		Database:   db,
		Clock:      clock.Now,
		IDProvider: generator,
		Auditor:    auditor,
	})
	if err != nil {
		t.Fatalf("failed to construct notes service: %v", err)
	}
	return service, db
}

func seedTestNote(t *testing.T, service *notes.Service, noteID, workspaceID, title, content string) {
	t.Helper()
	ctx := context.Background()
	nid, err := notes.NewNoteID(noteID)
	if err != nil {
		t.Fatalf("unexpected note id error: %v", err)
	}
	wid, err := notes.NewWorkspaceID(workspaceID)
	if err != nil {
		t.Fatalf("unexpected workspace id error: %v", err)
	}
	author, err := notes.NewUserID("user-a")
	if err != nil {
		t.Fatalf("unexpected user id error: %v", err)
	}
	if _, err := service.CreateNote(ctx, notes.CreateNoteRequest{
		NoteID:      nid,
		WorkspaceID: wid,
		Title:       title,
		Content:     content,
		AuthorID:    author,
	}); err != nil {
		t.Fatalf("failed to seed note: %v", err)
	}
}

func addTestMember(t *testing.T, service *notes.Service, workspaceID, userID string) {
	t.Helper()
	wid, err := notes.NewWorkspaceID(workspaceID)
	if err != nil {
		t.Fatalf("unexpected workspace id error: %v", err)
	}
	uid, err := notes.NewUserID(userID)
	if err != nil {
		t.Fatalf("unexpected user id error: %v", err)
	}
	if err := service.AddWorkspaceMember(context.Background(), wid, uid); err != nil {
		t.Fatalf("failed to add member: %v", err)
	}
}

func newTestRegistry(t *testing.T, service *notes.Service, clock *testClock, idleTTL time.Duration) *Registry {
	t.Helper()
	registry, err := NewRegistry(RegistryConfig{
		Loader:  service,
		Clock:   clock.Now,
		IdleTTL: idleTTL,
	})
	if err != nil {
		t.Fatalf("failed to construct registry: %v", err)
	}
	return registry
}

// eventCollector captures delivered events for assertions.
type eventCollector struct {
	events []Event
}

func (c *eventCollector) deliver(event Event) {
	c.events = append(c.events, event)
}

func (c *eventCollector) byType(eventType string) []Event {
	var matched []Event
	for _, event := range c.events {
		if event.Type == eventType {
			matched = append(matched, event)
		}
	}
	return matched
}
