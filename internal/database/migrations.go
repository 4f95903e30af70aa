package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/pulse/internal/presence"
	"github.com/MarcoPoloResearchLab/pulse/internal/store"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationNormalizePresenceStatus = "2026-10-01_normalize_presence_status"

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
		{name: migrationNormalizePresenceStatus, apply: normalizePresenceStatus},
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

// normalizePresenceStatus lowercases stored statuses and marks anything
// outside the known set offline.
func normalizePresenceStatus(db *gorm.DB) error {
	return db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&store.PresenceRow{}).
			Where("status <> lower(trim(status))").
			Update("status", gorm.Expr("lower(trim(status))")).Error; err != nil {
			return err
		}
		known := []string{
			string(presence.StatusOnline),
			string(presence.StatusAway),
			string(presence.StatusTyping),
			string(presence.StatusOffline),
		}
		return tx.Model(&store.PresenceRow{}).
			Where("status NOT IN ?", known).
			Update("status", string(presence.StatusOffline)).Error
	})
}
