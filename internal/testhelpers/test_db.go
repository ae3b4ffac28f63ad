package testhelpers

import (
	"fmt"
	"strings"
	"testing"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"roomsync/internal/models"
)

var (
	openSQLite      = func(dsn string) (*gorm.DB, error) { return gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Discard}) }
	migrateSchema   = func(db *gorm.DB) error { return db.AutoMigrate(&models.Room{}, &models.User{}) }
	dropRoomTableFn = func(db *gorm.DB) error { return db.Migrator().DropTable(&models.Room{}) }
)

// SetupTestDB creates an isolated in-memory SQLite database for tests.
func SetupTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", name)
	db, err := openSQLite(dsn)
	if err != nil {
		panic(fmt.Sprintf("failed to open test database: %v", err))
	}
	if err := migrateSchema(db); err != nil {
		panic(fmt.Sprintf("failed to migrate test database: %v", err))
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return db
}

// DropRoomTable removes the rooms table to force repository errors.
func DropRoomTable(t *testing.T, db *gorm.DB) {
	t.Helper()
	if err := dropRoomTableFn(db); err != nil {
		panic(fmt.Sprintf("failed to drop room table: %v", err))
	}
}
