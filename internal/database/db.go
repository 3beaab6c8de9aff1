// internal/database/db.go
package database

import (
	"fmt"

	"crm-sheet-sync/internal/config"
	"crm-sheet-sync/pkg/models"

	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// Open connects to Postgres and migrates the sync schema.
func Open(cfg *config.Config, log *logrus.Logger) (*gorm.DB, error) {
	dsn := fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s TimeZone=UTC",
		cfg.DBHost, cfg.DBPort, cfg.DBUser, cfg.DBPass, cfg.DBName, cfg.DBSSLMode,
	)

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("connect to DB: %w", err)
	}

	// Auto-migrate (safe in dev; use migrations in prod)
	if err := Migrate(db); err != nil {
		return nil, err
	}
	log.Info("✅ [DB] connected & migrated")

	if cfg.SeedFile != "" {
		n, err := SeedFile(db, cfg.SeedFile)
		if err != nil {
			log.WithError(err).Warn("⚠️ [DB] failed to seed sync configs")
		} else {
			log.WithField("configs", n).Info("✅ [DB] sync configs seeded")
		}
	}
	return db, nil
}

func Migrate(db *gorm.DB) error {
	err := db.AutoMigrate(
		&models.SyncConfig{},
		&models.FieldMapping{},
		&models.RowState{},
		&models.SyncLogEntry{},
		&models.WebhookEvent{},
	)
	if err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}
