package database

import (
	"fmt"

	"github.com/ksred/vipshop-api/internal/database/migrations"
	"github.com/ksred/vipshop-api/internal/types"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// NewDatabase initializes and returns a new GORM DB connection
func NewDatabase(path string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		TranslateError: true,
	})
	if err != nil {
		return nil, err
	}

	if err := db.AutoMigrate(
		&types.Good{},
		&types.User{},
		&types.Trade{},
	); err != nil {
		return nil, err
	}

	if err := migrations.SeedGoodsCatalog(db); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return db, nil
}
