// Package testutil holds fixtures shared by package tests.
package testutil

import (
	"io"
	"path/filepath"
	"testing"

	"crm-sheet-sync/internal/database"
	"crm-sheet-sync/pkg/models"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// DB opens a migrated SQLite database private to the test.
func DB(t *testing.T) *gorm.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sync.db")
	db, err := gorm.Open(sqlite.Open(path+"?_pragma=busy_timeout(5000)"), &gorm.Config{
		Logger: gormlogger.Discard,
	})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	if err := database.Migrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func Logger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// Config creates a contacts config with NAME(B), EMAIL(C), PHONE(D),
// a readonly ID column (A) and the status column in E.
func Config(t *testing.T, db *gorm.DB, mutate ...func(*models.SyncConfig)) models.SyncConfig {
	t.Helper()
	cfg := models.SyncConfig{
		ID:             uuid.New(),
		Name:           "contacts",
		SheetID:        "sheet-" + uuid.NewString()[:8],
		GID:            "0",
		SheetTitle:     "Contacts",
		EntityType:     "contact",
		Enabled:        true,
		StatusColumn:   4,
		EntityIDColumn: 0,
		MaxRetries:     models.DefaultMaxRetries,
		CRMRateLimit:   1000,
		CRMBurst:       1000,
		Mappings: []models.FieldMapping{
			{ColumnIndex: 0, CRMField: "ID", DataType: models.DataTypeString, Editable: false, Readonly: true},
			{ColumnIndex: 1, CRMField: "NAME", DataType: models.DataTypeString, Editable: true},
			{ColumnIndex: 2, CRMField: "EMAIL", DataType: models.DataTypeString, Editable: true},
			{ColumnIndex: 3, CRMField: "PHONE", DataType: models.DataTypeString, Editable: true},
		},
	}
	for _, m := range mutate {
		m(&cfg)
	}
	if err := db.Create(&cfg).Error; err != nil {
		t.Fatalf("create config: %v", err)
	}
	return cfg
}
