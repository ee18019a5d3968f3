package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	tally "github.com/xraph/tally"
	"github.com/xraph/tally/config"
)

const sample = `
mongo:
  uri: mongodb://db.internal:27017
  database: ledger
redis:
  enabled: true
  url: redis://cache.internal:6379/0
log:
  format: text
tally:
  max_attempts: 3
  retry_backoff: 30s
`

func TestLoadDefaults(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)

	assert.Equal(t, "mongodb://localhost:27017", cfg.Mongo.URI)
	assert.Equal(t, "tally", cfg.Mongo.Database)
	assert.False(t, cfg.Redis.Enabled)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, ":9464", cfg.Metrics.Addr)
	assert.Equal(t, tally.DefaultConfig(), cfg.Tally)
}

func TestLoadFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tally.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o600))

	t.Setenv("TALLY_MONGO_DATABASE", "ledger_test")
	t.Setenv("TALLY_TALLY_WORKERS", "4")

	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, "mongodb://db.internal:27017", cfg.Mongo.URI)
	assert.Equal(t, "ledger_test", cfg.Mongo.Database)
	assert.True(t, cfg.Redis.Enabled)
	assert.Equal(t, "redis://cache.internal:6379/0", cfg.Redis.URL)
	assert.Equal(t, "text", cfg.Log.Format)
	assert.Equal(t, 3, cfg.Tally.MaxAttempts)
	assert.Equal(t, 30*time.Second, cfg.Tally.RetryBackoff)
	assert.Equal(t, 4, cfg.Tally.Workers)
	assert.Equal(t, tally.DefaultConfig().PollInterval, cfg.Tally.PollInterval)
}

func TestLoadRejectsRedisWithoutURL(t *testing.T) {
	t.Setenv("TALLY_REDIS_ENABLED", "true")

	_, err := config.Load("")
	assert.ErrorContains(t, err, "redis.url")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
