package repository

import (
	"gorm.io/gorm"

	"github.com/plotviz/engine/internal/models"
)

// registerModels returns all models that need migration
func registerModels() []interface{} {
	return []interface{}{
		&models.ArtifactRecord{},
		&models.MemberRecord{},
	}
}

// Migrate brings the PostgreSQL schema up to date.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(registerModels()...); err != nil {
		return err
	}
	return runCustomMigrations(db)
}

// runCustomMigrations handles schema changes AutoMigrate can't handle
func runCustomMigrations(db *gorm.DB) error {
	migrations := []func(*gorm.DB) error{
		addMemberSequenceIndex,
		addArtifactTypeIndex,
	}

	for _, migration := range migrations {
		if err := migration(db); err != nil {
			return err
		}
	}

	return nil
}

// addMemberSequenceIndex serves the first-member lookup.
func addMemberSequenceIndex(db *gorm.DB) error {
	return db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_members_artifact_sequence
		ON members(artifact_id, sequence)
	`).Error
}

func addArtifactTypeIndex(db *gorm.DB) error {
	return db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_artifacts_document_type
		ON artifacts ((document->>'type'))
	`).Error
}
