package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDefaults(t *testing.T) {
	cfg := New()
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "least-loaded", cfg.AccountPool.Strategy)
	assert.Equal(t, 5, cfg.AccountPool.OpenThreshold)
	assert.Equal(t, 5, cfg.Webhook.MaxRetries)
	assert.Equal(t, 80.0, cfg.Budget.WarningPercent)
}

func TestLoadFileOverlay(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yamlContent := `
server:
  port: 9090
account_pool:
  strategy: round-robin
`
	require.NoError(t, os.WriteFile(path, []byte(yamlContent), 0o600))

	cfg, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "round-robin", cfg.AccountPool.Strategy)
	// Unset fields retain defaults.
	assert.Equal(t, 5, cfg.Webhook.MaxRetries)
}

func TestLoadFileMissingIsNotError(t *testing.T) {
	cfg, err := LoadFile(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Server.Port)
}

func TestDatabaseConnectionString(t *testing.T) {
	db := DatabaseConfig{Host: "localhost", Port: 5432, User: "gk", Password: "secret", Name: "gatekeeper", SSLMode: "disable"}
	assert.Equal(t, "host=localhost port=5432 user=gk password=secret dbname=gatekeeper sslmode=disable", db.ConnectionString())
}

func TestApplyDatabaseURLOverride(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://override")
	cfg := New()
	applyDatabaseURLOverride(cfg)
	assert.Equal(t, "postgres://override", cfg.Database.DSN)
}
