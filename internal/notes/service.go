package notes

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	noOpLogger           = zap.NewNop()

	// ErrNoteNotFound indicates that no document record exists for a note id.
	ErrNoteNotFound = errors.New("notes: note not found")
	// ErrVersionConflict indicates that a guarded write observed a version
	// other than the one it expected. The caller decides how to surface it.
	ErrVersionConflict = errors.New("notes: version conflict")
)

// ServiceError wraps a failure with an operation.reason code.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

// Code returns the operation.reason code.
func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew        = "notes.service.new"
	opCreateNote        = "notes.create_note"
	opLoadDocument      = "notes.load_document"
	opSaveDocument      = "notes.save_document"
	opUpdateReplica     = "notes.update_replica_state"
	opAppendVersion     = "notes.append_version_entry"
	opListVersions      = "notes.list_version_entries"
	opMembershipCheck   = "notes.membership_check"
	opWorkspaceFilter   = "notes.note_belongs_to_workspace"
	opAddMember         = "notes.add_workspace_member"
	opApplyLegacyUpdate = "notes.apply_legacy_update"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// IDProvider issues identifiers for version history and audit entries.
type IDProvider interface {
	NewID() (string, error)
}

// ServiceConfig describes the dependencies of the notes service.
type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Auditor    *AuditRecorder
	Logger     *zap.Logger
}

// Service owns durable note state: the document records, the version-history
// log, and the membership lookups the sync core uses for admission.
type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	auditor    *AuditRecorder
	logger     *zap.Logger
}

// NewService validates the configuration and returns a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Service{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		auditor:    cfg.Auditor,
		logger:     logger,
	}, nil
}

// CreateNoteRequest describes the inputs for creating a document record.
type CreateNoteRequest struct {
	NoteID      NoteID
	WorkspaceID WorkspaceID
	Title       string
	Content     string
	AuthorID    UserID
}

// CreateNote persists a fresh document record at version zero and emits a
// note_created audit entry.
func (s *Service) CreateNote(ctx context.Context, req CreateNoteRequest) (Note, error) {
	now := s.clock().UTC().Unix()
	record := Note{
		NoteID:           req.NoteID.String(),
		WorkspaceID:      req.WorkspaceID.String(),
		Title:            req.Title,
		Content:          req.Content,
		Version:          0,
		UpdatedBy:        req.AuthorID.String(),
		CreatedAtSeconds: now,
		UpdatedAtSeconds: now,
	}
	if err := s.db.WithContext(ctx).Create(&record).Error; err != nil {
		s.logError(opCreateNote, "insert_failed", err, zap.String("note_id", record.NoteID))
		return Note{}, newServiceError(opCreateNote, "insert_failed", err)
	}

	s.audit(ctx, ActionNoteCreated, req.AuthorID.String(), record.WorkspaceID, record.NoteID,
		map[string]any{"title": record.Title})
	return record, nil
}

// LoadDocument returns the current document record for a note.
func (s *Service) LoadDocument(ctx context.Context, noteID string) (Note, error) {
	var record Note
	err := s.db.WithContext(ctx).Where("note_id = ?", noteID).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Note{}, fmt.Errorf("%w: %s", ErrNoteNotFound, noteID)
	}
	if err != nil {
		s.logError(opLoadDocument, "query_failed", err, zap.String("note_id", noteID))
		return Note{}, newServiceError(opLoadDocument, "query_failed", err)
	}
	return record, nil
}

// DocumentFields carries the mutable projection written by a flush or a
// legacy replace.
type DocumentFields struct {
	Title      string
	Content    string
	ReplicaB64 string
	UpdatedBy  string
}

// SaveDocument writes the document fields guarded by the expected version and
// returns the new version. The write succeeds only when the stored version
// still equals expectedVersion; the new version is exactly expectedVersion+1.
func (s *Service) SaveDocument(ctx context.Context, noteID string, fields DocumentFields, expectedVersion int64) (int64, error) {
	newVersion := expectedVersion + 1
	updates := map[string]any{
		"title":        fields.Title,
		"content":      fields.Content,
		"replica_b64":  fields.ReplicaB64,
		"updated_by":   fields.UpdatedBy,
		"version":      newVersion,
		"updated_at_s": s.clock().UTC().Unix(),
	}

	result := s.db.WithContext(ctx).Model(&Note{}).
		Where("note_id = ? AND version = ?", noteID, expectedVersion).
		Updates(updates)
	if result.Error != nil {
		s.logError(opSaveDocument, "update_failed", result.Error, zap.String("note_id", noteID))
		return 0, newServiceError(opSaveDocument, "update_failed", result.Error)
	}
	if result.RowsAffected == 0 {
		if _, err := s.LoadDocument(ctx, noteID); errors.Is(err, ErrNoteNotFound) {
			return 0, err
		}
		return 0, fmt.Errorf("%w: note %s expected version %d", ErrVersionConflict, noteID, expectedVersion)
	}
	return newVersion, nil
}

// UpdateReplicaState rewrites only the stored replica blob, guarded by the
// version the caller believes is current. It does not bump the version: the
// durable projection already reflects the write this blob belongs to.
func (s *Service) UpdateReplicaState(ctx context.Context, noteID, replicaB64 string, version int64) error {
	result := s.db.WithContext(ctx).Model(&Note{}).
		Where("note_id = ? AND version = ?", noteID, version).
		Update("replica_b64", replicaB64)
	if result.Error != nil {
		s.logError(opUpdateReplica, "update_failed", result.Error, zap.String("note_id", noteID))
		return newServiceError(opUpdateReplica, "update_failed", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: note %s expected version %d", ErrVersionConflict, noteID, version)
	}
	return nil
}

// AppendVersionEntry appends one immutable entry to the version-history log.
func (s *Service) AppendVersionEntry(ctx context.Context, noteID string, version int64, editorID, reason string) error {
	noteVersion, err := NewNoteVersion(version)
	if err != nil {
		return newServiceError(opAppendVersion, "invalid_version", err)
	}
	entryID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opAppendVersion, "id_generation_failed", err, zap.String("note_id", noteID))
		return newServiceError(opAppendVersion, "id_generation_failed", err)
	}
	entry := NoteVersionEntry{
		EntryID:          entryID,
		NoteID:           noteID,
		Version:          noteVersion.Int64(),
		EditorID:         editorID,
		Reason:           reason,
		CreatedAtSeconds: s.clock().UTC().Unix(),
	}
	if err := s.db.WithContext(ctx).Create(&entry).Error; err != nil {
		s.logError(opAppendVersion, "insert_failed", err, zap.String("note_id", noteID))
		return newServiceError(opAppendVersion, "insert_failed", err)
	}
	return nil
}

// ListVersionEntries returns the version-history log for a note, newest first.
func (s *Service) ListVersionEntries(ctx context.Context, noteID string) ([]NoteVersionEntry, error) {
	var entries []NoteVersionEntry
	if err := s.db.WithContext(ctx).
		Where("note_id = ?", noteID).
		Order("version DESC").
		Find(&entries).Error; err != nil {
		s.logError(opListVersions, "query_failed", err, zap.String("note_id", noteID))
		return nil, newServiceError(opListVersions, "query_failed", err)
	}
	return entries, nil
}

// IsMember reports whether the user belongs to the workspace.
func (s *Service) IsMember(ctx context.Context, userID, workspaceID string) (bool, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&WorkspaceMember{}).
		Where("workspace_id = ? AND user_id = ?", workspaceID, userID).
		Count(&count).Error; err != nil {
		s.logError(opMembershipCheck, "query_failed", err,
			zap.String("user_id", userID), zap.String("workspace_id", workspaceID))
		return false, newServiceError(opMembershipCheck, "query_failed", err)
	}
	return count > 0, nil
}

// NoteBelongsToWorkspace reports whether the note is filed in the workspace.
func (s *Service) NoteBelongsToWorkspace(ctx context.Context, noteID, workspaceID string) (bool, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&Note{}).
		Where("note_id = ? AND workspace_id = ?", noteID, workspaceID).
		Count(&count).Error; err != nil {
		s.logError(opWorkspaceFilter, "query_failed", err,
			zap.String("note_id", noteID), zap.String("workspace_id", workspaceID))
		return false, newServiceError(opWorkspaceFilter, "query_failed", err)
	}
	return count > 0, nil
}

// AddWorkspaceMember records a membership row. Member administration lives
// outside the sync core; this upsert exists for provisioning and tests.
func (s *Service) AddWorkspaceMember(ctx context.Context, workspaceID WorkspaceID, userID UserID) error {
	member := WorkspaceMember{WorkspaceID: workspaceID.String(), UserID: userID.String()}
	err := s.db.WithContext(ctx).Where(&member).FirstOrCreate(&member).Error
	if err != nil {
		s.logError(opAddMember, "insert_failed", err,
			zap.String("user_id", member.UserID), zap.String("workspace_id", member.WorkspaceID))
		return newServiceError(opAddMember, "insert_failed", err)
	}
	return nil
}

func (s *Service) audit(ctx context.Context, action, actor, workspaceID, target string, metadata map[string]any) {
	if s.auditor == nil {
		return
	}
	s.auditor.Record(ctx, action, actor, workspaceID, target, TargetTypeNote, metadata)
}

func (s *Service) loggerOrDefault() *zap.Logger {
	if s == nil || s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("notes service error", attrs...)
}
