package db

import (
	"fmt"

	"github.com/zulandar/agrilink/internal/models"
	"gorm.io/gorm"
)

// AllModels returns every GORM model kept in the local cache.
func AllModels() []interface{} {
	return []interface{}{
		&models.Session{},
		&models.SessionMessage{},
		&models.PublicRequest{},
		&models.CallRecord{},
		&models.LiveComment{},
	}
}

// AutoMigrate creates or updates all cache tables.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(AllModels()...); err != nil {
		return fmt.Errorf("db: auto-migrate: %w", err)
	}
	return nil
}
