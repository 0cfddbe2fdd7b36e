package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bidlock/bidlock/pkg/escalation"
)

func TestLoadDefaultsWithSecret(t *testing.T) {
	t.Setenv("RELEASE_TOKEN_SECRET", "s3cret")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "memory", cfg.Bus.Driver)
	assert.Equal(t, "memory", cfg.Audit.Driver)
	assert.Equal(t, 0.6, cfg.Detector.BlockAt)
	assert.Equal(t, escalation.DefaultPolicy().DecayDays, cfg.Policy.Policy.DecayDays)
	assert.Equal(t, "s3cret", cfg.Release.TokenSecret)
}

func TestLoadMissingSecretFails(t *testing.T) {
	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "token_secret")
}

func TestLoadFileAndEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bidlock.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
log_level: debug
bus:
  driver: redis
  redis_addr: redis.internal:6379
  ack_timeout_seconds: 45
escalation:
  policy:
    decay_days: 7
spend:
  daily_cents: 9999
release:
  token_secret: from-file
`), 0o600))

	t.Setenv("DAILY_LIMIT_CENTS", "1234")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "redis", cfg.Bus.Driver)
	assert.Equal(t, 45*time.Second, cfg.Bus.AckTimeout())
	assert.Equal(t, 7, cfg.Policy.Policy.DecayDays)
	assert.Equal(t, int64(1234), cfg.Spend.DailyCents, "environment wins over file")
	assert.Equal(t, "from-file", cfg.Release.TokenSecret)
}

func TestValidateRejectsUnknownDrivers(t *testing.T) {
	cfg := Default()
	cfg.Release.TokenSecret = "x"
	cfg.Bus.Driver = "kafka"
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Release.TokenSecret = "x"
	cfg.Audit.Driver = "postgres" // missing database_url
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Release.TokenSecret = "x"
	cfg.Release.Driver = "dynamo"
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Release.TokenSecret = "x"
	cfg.Release.Driver = "sqlite" // missing database_url
	assert.Error(t, cfg.Validate())
}

func TestReleaseDriverFromEnv(t *testing.T) {
	t.Setenv("RELEASE_TOKEN_SECRET", "s3cret")
	t.Setenv("RELEASE_DRIVER", "postgres")
	t.Setenv("DATABASE_URL", "postgres://localhost/bidlock")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "postgres", cfg.Release.Driver)
	assert.Equal(t, "postgres://localhost/bidlock", cfg.Release.DatabaseURL)
}
