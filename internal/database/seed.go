// internal/database/seed.go
package database

import (
	"errors"
	"fmt"
	"os"

	"crm-sheet-sync/internal/mapping"
	"crm-sheet-sync/pkg/models"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
	"gorm.io/gorm"
)

// SeedConfig is one sync config as written in the seed file.
type SeedConfig struct {
	ID               string        `yaml:"id"`
	Name             string        `yaml:"name"`
	SheetID          string        `yaml:"sheet_id"`
	GID              string        `yaml:"gid"`
	SheetTitle       string        `yaml:"sheet_title"`
	EntityType       string        `yaml:"entity_type"`
	Enabled          *bool         `yaml:"enabled"`
	StatusColumn     *int          `yaml:"status_column"`
	EntityIDColumn   int           `yaml:"entity_id_column"`
	MaxRetries       int           `yaml:"max_retries"`
	AutoResolveNewer bool          `yaml:"auto_resolve_newer"`
	CRMWebhookURL    string        `yaml:"crm_webhook_url"`
	CRMRateLimit     float64       `yaml:"crm_rate_limit"`
	CRMBurst         int           `yaml:"crm_burst"`
	Fields           []SeedMapping `yaml:"fields"`
}

type SeedMapping struct {
	Column   string `yaml:"column"` // "C" or "2"
	Field    string `yaml:"field"`
	Type     string `yaml:"type"`
	Editable *bool  `yaml:"editable"`
	Readonly bool   `yaml:"readonly"`
}

type seedDocument struct {
	Configs []SeedConfig `yaml:"configs"`
}

// ParseSeed decodes a seed document into configs with their mappings.
func ParseSeed(data []byte) ([]models.SyncConfig, error) {
	var doc seedDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse seed: %w", err)
	}

	out := make([]models.SyncConfig, 0, len(doc.Configs))
	for _, sc := range doc.Configs {
		if sc.SheetID == "" || sc.EntityType == "" {
			return nil, fmt.Errorf("seed config %q: sheet_id and entity_type are required", sc.Name)
		}
		cfg := models.SyncConfig{
			Name:             sc.Name,
			SheetID:          sc.SheetID,
			GID:              sc.GID,
			SheetTitle:       sc.SheetTitle,
			EntityType:       sc.EntityType,
			Enabled:          sc.Enabled == nil || *sc.Enabled,
			StatusColumn:     models.NoStatusColumn,
			EntityIDColumn:   sc.EntityIDColumn,
			MaxRetries:       sc.MaxRetries,
			AutoResolveNewer: sc.AutoResolveNewer,
			CRMWebhookURL:    sc.CRMWebhookURL,
			CRMRateLimit:     sc.CRMRateLimit,
			CRMBurst:         sc.CRMBurst,
		}
		if sc.ID != "" {
			id, err := uuid.Parse(sc.ID)
			if err != nil {
				return nil, fmt.Errorf("seed config %q: invalid id: %w", sc.Name, err)
			}
			cfg.ID = id
		}
		if sc.StatusColumn != nil {
			cfg.StatusColumn = *sc.StatusColumn
		}
		if cfg.MaxRetries <= 0 {
			cfg.MaxRetries = models.DefaultMaxRetries
		}
		if cfg.CRMRateLimit <= 0 {
			cfg.CRMRateLimit = models.DefaultCRMRateLimit
		}
		if cfg.CRMBurst <= 0 {
			cfg.CRMBurst = models.DefaultCRMBurst
		}

		for _, f := range sc.Fields {
			idx, err := mapping.ColumnIndex(f.Column)
			if err != nil {
				return nil, fmt.Errorf("seed config %q: %w", sc.Name, err)
			}
			dt := models.DataType(f.Type)
			if dt == "" {
				dt = models.DataTypeString
			}
			cfg.Mappings = append(cfg.Mappings, models.FieldMapping{
				ColumnIndex: idx,
				CRMField:    f.Field,
				DataType:    dt,
				Editable:    f.Editable == nil || *f.Editable,
				Readonly:    f.Readonly,
			})
		}
		if err := mapping.ValidateMappings(cfg.Mappings); err != nil {
			return nil, fmt.Errorf("seed config %q: %w", sc.Name, err)
		}
		out = append(out, cfg)
	}
	return out, nil
}

// Seed inserts configs that do not exist yet (matched by sheet + gid).
// Existing configs are left alone; the admin subsystem owns them.
func Seed(db *gorm.DB, configs []models.SyncConfig) (int, error) {
	created := 0
	for _, cfg := range configs {
		var existing models.SyncConfig
		err := db.Where("sheet_id = ? AND gid = ?", cfg.SheetID, cfg.GID).First(&existing).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return created, fmt.Errorf("lookup config %s: %w", cfg.Name, err)
		}
		cfg := cfg
		if err := db.Create(&cfg).Error; err != nil {
			return created, fmt.Errorf("failed to seed config %s: %w", cfg.Name, err)
		}
		created++
	}
	return created, nil
}

func SeedFile(db *gorm.DB, path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read seed file: %w", err)
	}
	configs, err := ParseSeed(data)
	if err != nil {
		return 0, err
	}
	return Seed(db, configs)
}
