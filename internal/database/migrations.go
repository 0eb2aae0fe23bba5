package database

import (
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationBackfillNoteUpdatedBy = "2026-07-02_backfill_note_updated_by"

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationBackfillNoteUpdatedBy, apply: backfillNoteUpdatedBy},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := migration.apply(db); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// Rows written before updated_by existed carry an empty editor; fill it from
// the newest version-history entry when one exists.
func backfillNoteUpdatedBy(db *gorm.DB) error {
	const statement = `
UPDATE notes SET updated_by = COALESCE(
	(SELECT editor_id FROM note_versions
	 WHERE note_versions.note_id = notes.note_id
	 ORDER BY note_versions.version DESC LIMIT 1),
	'')
WHERE updated_by = '';`
	return db.Exec(statement).Error
}
