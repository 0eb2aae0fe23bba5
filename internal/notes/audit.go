package notes

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Audit actions recorded by the sync core.
const (
	ActionNoteCreated = "note_created"
	ActionNoteUpdated = "note_updated"

	// TargetTypeNote labels audit entries that reference a note.
	TargetTypeNote = "note"
)

// AuditRecorderConfig describes the dependencies of the audit recorder.
type AuditRecorderConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
}

// AuditRecorder appends immutable audit entries. Recording is fire-and-forget:
// failures are logged, never propagated to the state-changing operation.
type AuditRecorder struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
}

// NewAuditRecorder validates the configuration and returns an AuditRecorder.
func NewAuditRecorder(cfg AuditRecorderConfig) (*AuditRecorder, error) {
	if cfg.Database == nil {
		return nil, newServiceError("notes.audit.new", "missing_database", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError("notes.audit.new", "missing_id_provider", errMissingIDProvider)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &AuditRecorder{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
	}, nil
}

// Record appends one audit entry.
func (r *AuditRecorder) Record(ctx context.Context, action, actor, workspaceID, target, targetType string, metadata map[string]any) {
	logID, err := r.idProvider.NewID()
	if err != nil {
		r.logger.Warn("audit entry dropped",
			zap.String("action", action), zap.String("reason", "id_generation_failed"), zap.Error(err))
		return
	}

	metadataJSON := ""
	if len(metadata) > 0 {
		encoded, err := json.Marshal(metadata)
		if err != nil {
			r.logger.Warn("audit metadata dropped",
				zap.String("action", action), zap.Error(err))
		} else {
			metadataJSON = string(encoded)
		}
	}

	entry := AuditLog{
		LogID:            logID,
		Action:           action,
		Actor:            actor,
		WorkspaceID:      workspaceID,
		Target:           target,
		TargetType:       targetType,
		MetadataJSON:     metadataJSON,
		CreatedAtSeconds: r.clock().UTC().Unix(),
	}
	if err := r.db.WithContext(ctx).Create(&entry).Error; err != nil {
		r.logger.Warn("audit entry dropped",
			zap.String("action", action), zap.String("reason", "insert_failed"), zap.Error(err))
	}
}
