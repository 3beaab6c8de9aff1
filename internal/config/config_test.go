package config

import (
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("ENV", "production")
	t.Setenv("WORKER_COUNT", "")
	t.Setenv("RETRY_BASE_DELAY", "not-a-duration")

	cfg := Load()
	assert.Equal(t, 8, cfg.WorkerCount)
	assert.Equal(t, 5*time.Second, cfg.RetryBaseDelay)
	assert.Equal(t, "crm-sheet-sync.events", cfg.NATSSubject)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("ENV", "production")
	t.Setenv("WORKER_COUNT", "3")
	t.Setenv("ROW_LOCK_TTL", "5s")
	t.Setenv("DOWNSTREAM_TIMEOUT", "1s")
	t.Setenv("LOG_LEVEL", "debug")

	cfg := Load()
	assert.Equal(t, 3, cfg.WorkerCount)
	assert.Equal(t, 5*time.Second, cfg.RowLockTTL)
	assert.Equal(t, logrus.DebugLevel, cfg.NewLogger().GetLevel())
}

func TestRowLockOutlivesDownstreamCalls(t *testing.T) {
	t.Setenv("ENV", "production")
	t.Setenv("ROW_LOCK_TTL", "30s")
	t.Setenv("DOWNSTREAM_TIMEOUT", "15s")

	cfg := Load()
	assert.Equal(t, time.Minute, cfg.RowLockTTL)
	assert.Greater(t, cfg.RowLockTTL, 3*cfg.DownstreamTimeout)
}
