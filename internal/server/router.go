package server

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/notenest/backend/internal/collab"
	"github.com/notenest/backend/internal/notes"
)

const userIDContextKey = "notenest_user_id"

var (
	errMissingTokenManager  = errors.New("token manager dependency required")
	errMissingNotesService  = errors.New("notes service dependency required")
	errMissingProtocol      = errors.New("sync protocol dependency required")
	errMissingIDProvider    = errors.New("id provider dependency required")
	errInvalidAuthorization = errors.New("authorization header missing or invalid")
)

// TokenValidator checks bearer tokens and returns the authenticated user.
type TokenValidator interface {
	ValidateToken(token string) (string, error)
}

// Dependencies carries everything the HTTP surface needs.
type Dependencies struct {
	TokenManager TokenValidator
	NotesService *notes.Service
	Protocol     *collab.Protocol
	IDProvider   notes.IDProvider
	Logger       *zap.Logger
}

// NewHTTPHandler assembles the REST and WebSocket routes.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.TokenManager == nil {
		return nil, errMissingTokenManager
	}
	if deps.NotesService == nil {
		return nil, errMissingNotesService
	}
	if deps.Protocol == nil {
		return nil, errMissingProtocol
	}
	if deps.IDProvider == nil {
		return nil, errMissingIDProvider
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		tokens:       deps.TokenManager,
		notesService: deps.NotesService,
		protocol:     deps.Protocol,
		idProvider:   deps.IDProvider,
		logger:       logger,
	}

	router.GET("/healthz", handler.handleHealth)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.POST("/api/notes", handler.handleCreateNote)
	protected.GET("/api/notes/:id", handler.handleGetNote)
	protected.PUT("/api/notes/:id", handler.handleLegacyUpdate)
	protected.GET("/api/notes/:id/versions", handler.handleListVersions)
	protected.GET("/ws", handler.handleRealtime)

	return router, nil
}

type httpHandler struct {
	tokens       TokenValidator
	notesService *notes.Service
	protocol     *collab.Protocol
	idProvider   notes.IDProvider
	logger       *zap.Logger
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type notePayload struct {
	NoteID           string `json:"noteId"`
	WorkspaceID      string `json:"workspaceId"`
	Title            string `json:"title"`
	Content          string `json:"content"`
	Version          int64  `json:"version"`
	UpdatedBy        string `json:"updatedBy"`
	CreatedAtSeconds int64  `json:"createdAtS"`
	UpdatedAtSeconds int64  `json:"updatedAtS"`
}

func noteToPayload(record notes.Note) notePayload {
	return notePayload{
		NoteID:           record.NoteID,
		WorkspaceID:      record.WorkspaceID,
		Title:            record.Title,
		Content:          record.Content,
		Version:          record.Version,
		UpdatedBy:        record.UpdatedBy,
		CreatedAtSeconds: record.CreatedAtSeconds,
		UpdatedAtSeconds: record.UpdatedAtSeconds,
	}
}

type createNoteRequestPayload struct {
	NoteID      string `json:"noteId"`
	WorkspaceID string `json:"workspaceId"`
	Title       string `json:"title"`
	Content     string `json:"content"`
}

func (h *httpHandler) handleCreateNote(c *gin.Context) {
	userID := c.GetString(userIDContextKey)

	var request createNoteRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if request.NoteID == "" {
		generated, err := h.idProvider.NewID()
		if err != nil {
			h.logger.Error("note id generation failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "create_failed"})
			return
		}
		request.NoteID = generated
	}

	noteID, err := notes.NewNoteID(request.NoteID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_note_id"})
		return
	}
	workspaceID, err := notes.NewWorkspaceID(request.WorkspaceID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_workspace_id"})
		return
	}
	authorID, err := notes.NewUserID(userID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_user_id"})
		return
	}

	member, err := h.notesService.IsMember(c.Request.Context(), userID, workspaceID.String())
	if err != nil {
		h.logger.Error("membership check failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "create_failed"})
		return
	}
	if !member {
		c.JSON(http.StatusForbidden, gin.H{"error": "access_denied"})
		return
	}

	record, err := h.notesService.CreateNote(c.Request.Context(), notes.CreateNoteRequest{
		NoteID:      noteID,
		WorkspaceID: workspaceID,
		Title:       request.Title,
		Content:     request.Content,
		AuthorID:    authorID,
	})
	if err != nil {
		h.logger.Error("note creation failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "create_failed"})
		return
	}
	c.JSON(http.StatusCreated, noteToPayload(record))
}

// loadAuthorizedNote fetches a note and enforces workspace membership,
// answering the request itself on failure.
func (h *httpHandler) loadAuthorizedNote(c *gin.Context) (notes.Note, bool) {
	userID := c.GetString(userIDContextKey)
	record, err := h.notesService.LoadDocument(c.Request.Context(), c.Param("id"))
	if errors.Is(err, notes.ErrNoteNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "note_not_found"})
		return notes.Note{}, false
	}
	if err != nil {
		h.logger.Error("note load failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "load_failed"})
		return notes.Note{}, false
	}
	member, err := h.notesService.IsMember(c.Request.Context(), userID, record.WorkspaceID)
	if err != nil {
		h.logger.Error("membership check failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "load_failed"})
		return notes.Note{}, false
	}
	if !member {
		c.JSON(http.StatusForbidden, gin.H{"error": "access_denied"})
		return notes.Note{}, false
	}
	return record, true
}

func (h *httpHandler) handleGetNote(c *gin.Context) {
	record, ok := h.loadAuthorizedNote(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, noteToPayload(record))
}

type legacyUpdateRequestPayload struct {
	Title           string `json:"title"`
	Content         string `json:"content"`
	ExpectedVersion *int64 `json:"expectedVersion"`
}

func (h *httpHandler) handleLegacyUpdate(c *gin.Context) {
	userID := c.GetString(userIDContextKey)

	var request legacyUpdateRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	noteID, err := notes.NewNoteID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_note_id"})
		return
	}
	editorID, err := notes.NewUserID(userID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_user_id"})
		return
	}

	outcome, err := h.protocol.LegacyUpdate(c.Request.Context(), userID, notes.LegacyUpdateRequest{
		NoteID:          noteID,
		Title:           request.Title,
		Content:         request.Content,
		ExpectedVersion: request.ExpectedVersion,
		EditorID:        editorID,
	}, "")
	switch {
	case errors.Is(err, notes.ErrNoteNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "note_not_found"})
		return
	case errors.Is(err, collab.ErrAccessDenied):
		c.JSON(http.StatusForbidden, gin.H{"error": "access_denied"})
		return
	case err != nil:
		h.logger.Error("legacy update failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "update_failed"})
		return
	}

	if !outcome.Accepted {
		c.JSON(http.StatusConflict, gin.H{"error": "version_conflict", "conflict": outcome.Conflict})
		return
	}
	c.JSON(http.StatusOK, noteToPayload(outcome.Note))
}

type versionEntryPayload struct {
	EntryID          string `json:"entryId"`
	NoteID           string `json:"noteId"`
	Version          int64  `json:"version"`
	EditorID         string `json:"editorId"`
	Reason           string `json:"reason"`
	CreatedAtSeconds int64  `json:"createdAtS"`
}

func (h *httpHandler) handleListVersions(c *gin.Context) {
	record, ok := h.loadAuthorizedNote(c)
	if !ok {
		return
	}
	entries, err := h.notesService.ListVersionEntries(c.Request.Context(), record.NoteID)
	if err != nil {
		h.logger.Error("version listing failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list_failed"})
		return
	}
	payload := make([]versionEntryPayload, 0, len(entries))
	for _, entry := range entries {
		payload = append(payload, versionEntryPayload{
			EntryID:          entry.EntryID,
			NoteID:           entry.NoteID,
			Version:          entry.Version,
			EditorID:         entry.EditorID,
			Reason:           entry.Reason,
			CreatedAtSeconds: entry.CreatedAtSeconds,
		})
	}
	c.JSON(http.StatusOK, gin.H{"versions": payload})
}

func (h *httpHandler) handleRealtime(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	connectionID, err := h.idProvider.NewID()
	if err != nil {
		h.logger.Error("connection id generation failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "upgrade_failed"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	client := newRealtimeClient(connectionID, userID, conn, h.protocol, h.logger)
	go client.writePump()
	go client.readPump()
}

// authorizeRequest accepts the token from the Authorization header, or from
// the access_token query parameter for WebSocket upgrades where browsers
// cannot set headers.
func (h *httpHandler) authorizeRequest(c *gin.Context) {
	token := ""
	header := c.GetHeader("Authorization")
	switch {
	case strings.HasPrefix(header, "Bearer "):
		token = strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	default:
		token = strings.TrimSpace(c.Query("access_token"))
	}
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	subject, err := h.tokens.ValidateToken(token)
	if err != nil {
		h.logger.Warn("token validation failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(userIDContextKey, subject)
	c.Next()
}
