package database

import (
	"fmt"

	"github.com/MarcoPoloResearchLab/pulse/internal/kv"
	"github.com/MarcoPoloResearchLab/pulse/internal/sound"
	"github.com/MarcoPoloResearchLab/pulse/internal/store"
	"github.com/MarcoPoloResearchLab/pulse/internal/users"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Models lists every table owned by pulse.
func Models() []any {
	return []any{
		&store.Message{},
		&store.PresenceRow{},
		&kv.Entry{},
		&users.Identity{},
		&sound.CustomSound{},
		&migrationRecord{},
	}
}

// OpenSQLite establishes a SQLite connection and performs schema migrations.
func OpenSQLite(path string, logger *zap.Logger) (*gorm.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(Models()...); err != nil {
		return nil, err
	}

	if err := migrateUserIDs(db); err != nil && logger != nil {
		logger.Warn("user id migration failed", zap.Error(err))
	}

	if err := applyMigrations(db, logger); err != nil {
		return nil, err
	}

	if logger != nil {
		logger.Info("database initialized", zap.String("path", path))
	}

	return db, nil
}

// migrateUserIDs strips the provider prefix from participant ids written
// before identities were canonicalized.
func migrateUserIDs(db *gorm.DB) error {
	const prefix = "google:"
	start := len(prefix) + 1
	statements := []string{
		fmt.Sprintf("UPDATE %s SET sender_id = substr(sender_id, %d) WHERE sender_id LIKE '%s%%';", store.MessagesTable, start, prefix),
		fmt.Sprintf("UPDATE %s SET recipient_id = substr(recipient_id, %d) WHERE recipient_id LIKE '%s%%';", store.MessagesTable, start, prefix),
		fmt.Sprintf("UPDATE %s SET user_id = substr(user_id, %d) WHERE user_id LIKE '%s%%';", store.PresenceTable, start, prefix),
	}
	for _, statement := range statements {
		if err := db.Exec(statement).Error; err != nil {
			return err
		}
	}
	return nil
}
