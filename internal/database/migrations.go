package database

import (
	"errors"
	"time"

	"github.com/workbenchlabs/casedesk/internal/cases"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationBackfillCaseStatus = "2026-06-12_backfill_case_status"

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
		{name: migrationBackfillCaseStatus, apply: backfillCaseStatus},
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

// Rows written before the status column gained a default carry an empty
// status; fold them into the initial workflow state.
func backfillCaseStatus(db *gorm.DB) error {
	return db.Model(&cases.WarrantyCase{}).
		Where("status = ''").
		Update("status", "received").Error
}
