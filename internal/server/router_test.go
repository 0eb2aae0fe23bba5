package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/notenest/backend/internal/auth"
	"github.com/notenest/backend/internal/collab"
	"github.com/notenest/backend/internal/notes"
)

type serverFixture struct {
	handler http.Handler
	tokens  *auth.TokenManager
	service *notes.Service
	db      *gorm.DB
}

type sequenceIDGenerator struct {
	next int
}

func (g *sequenceIDGenerator) NewID() (string, error) {
	g.next++
	return fmt.Sprintf("id-%d", g.next), nil
}

func newServerFixture(t *testing.T) *serverFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dsn := fmt.Sprintf("file:server_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
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
		IDProvider: generator,
	})
	if err != nil {
		t.Fatalf("failed to construct audit recorder: %v", err)
	}
	service, err := notes.NewService(notes.ServiceConfig{
		Database:   db,
		IDProvider: generator,
		Auditor:    auditor,
	})
	if err != nil {
		t.Fatalf("failed to construct notes service: %v", err)
	}

	registry, err := collab.NewRegistry(collab.RegistryConfig{Loader: service})
	if err != nil {
		t.Fatalf("failed to construct registry: %v", err)
	}
	flusher, err := collab.NewFlusher(collab.FlusherConfig{
		Registry: registry,
		Store:    service,
		Audit:    auditor,
		Debounce: time.Hour,
	})
	if err != nil {
		t.Fatalf("failed to construct flusher: %v", err)
	}
	rooms := collab.NewRoomManager(registry, nil)
	protocol, err := collab.NewProtocol(collab.ProtocolConfig{
		Registry:   registry,
		Rooms:      rooms,
		Flusher:    flusher,
		Authorizer: service,
		Legacy:     service,
	})
	if err != nil {
		t.Fatalf("failed to construct protocol: %v", err)
	}

	tokens := auth.NewTokenManager(auth.TokenManagerConfig{
		SigningSecret: []byte("server-test-secret"),
		TokenTTL:      time.Hour,
	})

	handler, err := NewHTTPHandler(Dependencies{
		TokenManager: tokens,
		NotesService: service,
		Protocol:     protocol,
		IDProvider:   generator,
	})
	if err != nil {
		t.Fatalf("failed to construct handler: %v", err)
	}

	return &serverFixture{handler: handler, tokens: tokens, service: service, db: db}
}

func (fx *serverFixture) bearer(t *testing.T, userID string) string {
	t.Helper()
	token, _, err := fx.tokens.IssueToken(context.Background(), userID)
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}
	return "Bearer " + token
}

func (fx *serverFixture) addMember(t *testing.T, workspaceID, userID string) {
	t.Helper()
	wid, err := notes.NewWorkspaceID(workspaceID)
	if err != nil {
		t.Fatalf("unexpected workspace id error: %v", err)
	}
	uid, err := notes.NewUserID(userID)
	if err != nil {
		t.Fatalf("unexpected user id error: %v", err)
	}
	if err := fx.service.AddWorkspaceMember(context.Background(), wid, uid); err != nil {
		t.Fatalf("failed to add member: %v", err)
	}
}

func (fx *serverFixture) request(t *testing.T, method, path, authHeader string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to marshal body: %v", err)
		}
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if authHeader != "" {
		req.Header.Set("Authorization", authHeader)
	}
	req.Header.Set("Content-Type", "application/json")
	recorder := httptest.NewRecorder()
	fx.handler.ServeHTTP(recorder, req)
	return recorder
}

func TestHealthzIsPublic(t *testing.T) {
	fx := newServerFixture(t)

	recorder := fx.request(t, http.MethodGet, "/healthz", "", nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}
}

func TestProtectedRoutesRejectMissingToken(t *testing.T) {
	fx := newServerFixture(t)

	recorder := fx.request(t, http.MethodGet, "/api/notes/note-1", "", nil)
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", recorder.Code)
	}
	recorder = fx.request(t, http.MethodGet, "/api/notes/note-1", "Bearer garbage", nil)
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for a bad token, got %d", recorder.Code)
	}
}

func TestCreateAndFetchNote(t *testing.T) {
	fx := newServerFixture(t)
	fx.addMember(t, "ws-1", "user-a")
	authHeader := fx.bearer(t, "user-a")

	recorder := fx.request(t, http.MethodPost, "/api/notes", authHeader, map[string]any{
		"noteId":      "note-1",
		"workspaceId": "ws-1",
		"title":       "First",
		"content":     "hello",
	})
	if recorder.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", recorder.Code, recorder.Body.String())
	}
	var created notePayload
	if err := json.Unmarshal(recorder.Body.Bytes(), &created); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if created.NoteID != "note-1" || created.Version != 0 {
		t.Fatalf("unexpected create response: %#v", created)
	}

	recorder = fx.request(t, http.MethodGet, "/api/notes/note-1", authHeader, nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}
	var fetched notePayload
	if err := json.Unmarshal(recorder.Body.Bytes(), &fetched); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if fetched.Title != "First" || fetched.Content != "hello" {
		t.Fatalf("unexpected fetch response: %#v", fetched)
	}
}

func TestCreateNoteRequiresMembership(t *testing.T) {
	fx := newServerFixture(t)
	authHeader := fx.bearer(t, "user-z")

	recorder := fx.request(t, http.MethodPost, "/api/notes", authHeader, map[string]any{
		"workspaceId": "ws-1",
		"title":       "Nope",
	})
	if recorder.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", recorder.Code)
	}
}

func TestGetNoteAccessControl(t *testing.T) {
	fx := newServerFixture(t)
	fx.addMember(t, "ws-1", "user-a")
	owner := fx.bearer(t, "user-a")
	outsider := fx.bearer(t, "user-z")

	fx.request(t, http.MethodPost, "/api/notes", owner, map[string]any{
		"noteId": "note-1", "workspaceId": "ws-1", "title": "First", "content": "hello",
	})

	recorder := fx.request(t, http.MethodGet, "/api/notes/note-1", outsider, nil)
	if recorder.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for a non-member, got %d", recorder.Code)
	}
	recorder = fx.request(t, http.MethodGet, "/api/notes/missing", owner, nil)
	if recorder.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for an unknown note, got %d", recorder.Code)
	}
}

func TestLegacyUpdateRoundTrip(t *testing.T) {
	fx := newServerFixture(t)
	fx.addMember(t, "ws-1", "user-a")
	authHeader := fx.bearer(t, "user-a")

	fx.request(t, http.MethodPost, "/api/notes", authHeader, map[string]any{
		"noteId": "note-1", "workspaceId": "ws-1", "title": "First", "content": "hello",
	})

	recorder := fx.request(t, http.MethodPut, "/api/notes/note-1", authHeader, map[string]any{
		"title": "Second", "content": "updated", "expectedVersion": 0,
	})
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}
	var updated notePayload
	if err := json.Unmarshal(recorder.Body.Bytes(), &updated); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if updated.Version != 1 || updated.Title != "Second" {
		t.Fatalf("unexpected update response: %#v", updated)
	}

	recorder = fx.request(t, http.MethodPut, "/api/notes/note-1", authHeader, map[string]any{
		"title": "Stale", "content": "stale", "expectedVersion": 0,
	})
	if recorder.Code != http.StatusConflict {
		t.Fatalf("expected 409 for a stale write, got %d", recorder.Code)
	}
	var conflictBody struct {
		Conflict notes.ConflictDetails `json:"conflict"`
	}
	if err := json.Unmarshal(recorder.Body.Bytes(), &conflictBody); err != nil {
		t.Fatalf("failed to decode conflict response: %v", err)
	}
	if conflictBody.Conflict.CurrentVersion != 1 || conflictBody.Conflict.ExpectedVersion != 0 {
		t.Fatalf("unexpected conflict details: %#v", conflictBody.Conflict)
	}
	if conflictBody.Conflict.ServerTitle != "Second" {
		t.Fatalf("conflict must carry the server document, got %q", conflictBody.Conflict.ServerTitle)
	}
}

func TestListVersionsAfterUpdates(t *testing.T) {
	fx := newServerFixture(t)
	fx.addMember(t, "ws-1", "user-a")
	authHeader := fx.bearer(t, "user-a")

	fx.request(t, http.MethodPost, "/api/notes", authHeader, map[string]any{
		"noteId": "note-1", "workspaceId": "ws-1", "title": "First", "content": "hello",
	})
	fx.request(t, http.MethodPut, "/api/notes/note-1", authHeader, map[string]any{
		"title": "Second", "content": "updated", "expectedVersion": 0,
	})

	recorder := fx.request(t, http.MethodGet, "/api/notes/note-1/versions", authHeader, nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}
	var response struct {
		Versions []versionEntryPayload `json:"versions"`
	}
	if err := json.Unmarshal(recorder.Body.Bytes(), &response); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(response.Versions) != 1 {
		t.Fatalf("expected 1 version entry, got %d", len(response.Versions))
	}
	if response.Versions[0].Version != 1 || response.Versions[0].Reason != notes.ReasonManualEdit {
		t.Fatalf("unexpected version entry: %#v", response.Versions[0])
	}
}
