package notes

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Version-history reasons recorded per accepted write.
const (
	ReasonRealtimeEdit = "Real-time edit"
	ReasonManualEdit   = "Manual edit"
)

const conflictGuidance = "Fetch the latest version, merge your changes manually, and retry the update."

// LegacyUpdateRequest describes a whole-document replace guarded by an
// optional expected version.
type LegacyUpdateRequest struct {
	NoteID          NoteID
	Title           string
	Content         string
	ExpectedVersion *int64
	EditorID        UserID
}

// ConflictDetails carries everything a stale caller needs to recover.
type ConflictDetails struct {
	NoteID          string `json:"noteId"`
	CurrentVersion  int64  `json:"currentVersion"`
	ExpectedVersion int64  `json:"expectedVersion"`
	ServerTitle     string `json:"serverTitle"`
	ServerContent   string `json:"serverContent"`
	ServerUpdatedAt int64  `json:"serverUpdatedAt"`
	Guidance        string `json:"guidance"`
}

// LegacyUpdateOutcome captures the decision for a legacy update.
type LegacyUpdateOutcome struct {
	Accepted bool
	Note     Note
	Conflict *ConflictDetails
}

// resolveLegacyUpdate decides whether a legacy write applies to the stored
// record. Pure: no I/O, the caller persists the returned record.
func resolveLegacyUpdate(stored Note, req LegacyUpdateRequest, appliedAt time.Time) LegacyUpdateOutcome {
	if req.ExpectedVersion != nil && *req.ExpectedVersion != stored.Version {
		return LegacyUpdateOutcome{
			Accepted: false,
			Note:     stored,
			Conflict: &ConflictDetails{
				NoteID:          stored.NoteID,
				CurrentVersion:  stored.Version,
				ExpectedVersion: *req.ExpectedVersion,
				ServerTitle:     stored.Title,
				ServerContent:   stored.Content,
				ServerUpdatedAt: stored.UpdatedAtSeconds,
				Guidance:        conflictGuidance,
			},
		}
	}

	updated := stored
	updated.Title = req.Title
	updated.Content = req.Content
	updated.Version = stored.Version + 1
	updated.UpdatedBy = req.EditorID.String()
	updated.UpdatedAtSeconds = appliedAt.Unix()
	return LegacyUpdateOutcome{Accepted: true, Note: updated}
}

// ApplyLegacyUpdate runs the legacy full-replace path: it checks the optional
// expected version against the stored record, and on acceptance replaces the
// document fields, bumps the version by exactly one, appends a version-history
// entry and emits a note_updated audit entry. A rejected write mutates nothing.
func (s *Service) ApplyLegacyUpdate(ctx context.Context, req LegacyUpdateRequest) (LegacyUpdateOutcome, error) {
	var outcome LegacyUpdateOutcome
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var stored Note
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("note_id = ?", req.NoteID.String()).
			Take(&stored).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNoteNotFound
		}
		if err != nil {
			s.logError(opApplyLegacyUpdate, "note_select_failed", err,
				zap.String("note_id", req.NoteID.String()))
			return newServiceError(opApplyLegacyUpdate, "note_select_failed", err)
		}

		outcome = resolveLegacyUpdate(stored, req, s.clock().UTC())
		if !outcome.Accepted {
			return nil
		}

		if err := tx.Save(&outcome.Note).Error; err != nil {
			s.logError(opApplyLegacyUpdate, "note_save_failed", err,
				zap.String("note_id", req.NoteID.String()))
			return newServiceError(opApplyLegacyUpdate, "note_save_failed", err)
		}

		entryID, err := s.idProvider.NewID()
		if err != nil {
			s.logError(opApplyLegacyUpdate, "id_generation_failed", err,
				zap.String("note_id", req.NoteID.String()))
			return newServiceError(opApplyLegacyUpdate, "id_generation_failed", err)
		}
		entry := NoteVersionEntry{
			EntryID:          entryID,
			NoteID:           outcome.Note.NoteID,
			Version:          outcome.Note.Version,
			EditorID:         req.EditorID.String(),
			Reason:           ReasonManualEdit,
			CreatedAtSeconds: s.clock().UTC().Unix(),
		}
		if err := tx.Create(&entry).Error; err != nil {
			s.logError(opApplyLegacyUpdate, "version_insert_failed", err,
				zap.String("note_id", req.NoteID.String()))
			return newServiceError(opApplyLegacyUpdate, "version_insert_failed", err)
		}
		return nil
	})
	if txErr != nil {
		return LegacyUpdateOutcome{}, txErr
	}

	if outcome.Accepted {
		s.audit(ctx, ActionNoteUpdated, req.EditorID.String(), outcome.Note.WorkspaceID, outcome.Note.NoteID,
			map[string]any{"title": outcome.Note.Title, "version": outcome.Note.Version})
	}
	return outcome, nil
}
