package database

import (
	"fmt"

	log "github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"tenantdomains/internal/models"
)

// Open connects to the configured database and migrates the schema.
func Open(driver, dsn string) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch driver {
	case "sqlite", "":
		dialector = sqlite.Open(dsn)
	case "postgres":
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", driver, err)
	}

	if driver != "postgres" {
		// SQLite allows a single writer; funnel everything through one connection.
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
	}

	if err := Migrate(db); err != nil {
		return nil, err
	}
	return db, nil
}

func Migrate(db *gorm.DB) error {
	log.Debug("migrating database")
	if err := db.AutoMigrate(&models.Organization{}, &models.Domain{}); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}

	// At most one primary domain per organization, enforced by the database.
	err := db.Exec(`CREATE UNIQUE INDEX IF NOT EXISTS idx_domains_primary_per_org
		ON domains (organization_id) WHERE is_primary`).Error
	if err != nil {
		return fmt.Errorf("create primary domain index: %w", err)
	}
	return nil
}
