package database

import (
	"errors"
	"time"

	"github.com/collabhub/hub/internal/documents"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationNormalizeCollaboratorRoles = "2026-03-01_normalize_collaborator_roles"

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
		{name: migrationNormalizeCollaboratorRoles, apply: normalizeCollaboratorRoles},
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

// normalizeCollaboratorRoles lowercases legacy role strings so the role
// matrix comparisons in internal/access never miss a match on case alone.
func normalizeCollaboratorRoles(db *gorm.DB) error {
	for _, role := range []documents.Role{documents.RoleOwner, documents.RoleEditor, documents.RoleViewer} {
		if err := db.Model(&documents.Collaborator{}).
			Where("LOWER(role) = ? AND role <> ?", string(role), string(role)).
			Update("role", string(role)).Error; err != nil {
			return err
		}
	}
	return nil
}
