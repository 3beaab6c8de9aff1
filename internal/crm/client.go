// Package crm talks to the CRM (source A).
package crm

import (
	"context"
	"errors"
	"time"

	"crm-sheet-sync/internal/syncerr"
	"crm-sheet-sync/pkg/models"
)

// Entity is one CRM record as seen by the sync engine.
type Entity struct {
	ID         string         `json:"id"`
	Fields     map[string]any `json:"fields"`
	ModifiedAt time.Time      `json:"modified_at"`
}

type Client interface {
	GetEntity(ctx context.Context, cfg *models.SyncConfig, entityID string) (*Entity, error)
	UpdateEntity(ctx context.Context, cfg *models.SyncConfig, entityID string, fields map[string]any) error
}

// CredentialsFunc resolves the REST endpoint (an inbound webhook URL that
// embeds its own secret) for a config.
type CredentialsFunc func(ctx context.Context, cfg *models.SyncConfig) (string, error)

var ErrNoCredentials = errors.New("no CRM webhook configured")

// WebhookFromConfig reads the URL stored alongside the config by the setup
// subsystem.
func WebhookFromConfig(_ context.Context, cfg *models.SyncConfig) (string, error) {
	if cfg.CRMWebhookURL == "" {
		return "", syncerr.Permanent("crm.credentials", ErrNoCredentials)
	}
	return cfg.CRMWebhookURL, nil
}
