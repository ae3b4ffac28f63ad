package repositories

import (
	"gorm.io/gorm"

	"roomsync/internal/models"
)

// Migrate creates or updates the tables this service reads and writes.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&models.Room{}, &models.User{})
}
