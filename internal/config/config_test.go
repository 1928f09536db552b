package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_MissingFileFallsBackToDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 3306, cfg.Port)
	assert.Equal(t, 5, cfg.InitialPoolSize)
}

func TestLoad_ParsesYAMLAndValidates(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pool.yaml")
	yaml := `
host: db.internal
port: 5432
database: orders
username: svc_orders
min_pool_size: 2
max_pool_size: 8
initial_pool_size: 3
connection_timeout: 10s
validation_query: "SELECT 1"
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "db.internal", cfg.Host)
	assert.Equal(t, 5432, cfg.Port)
	assert.Equal(t, 8, cfg.MaxPoolSize)
	assert.Equal(t, 10*time.Second, cfg.ConnectionTimeout)
}

func TestLoad_PasswordEnvOverrideWins(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pool.yaml")
	require.NoError(t, os.WriteFile(path, []byte("password: from-file\nvalidation_query: \"SELECT 1\"\n"), 0o600))

	t.Setenv(envPasswordOverride, "from-env")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Password)
}

func TestLoad_InvalidConfigIsRejected(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pool.yaml")
	require.NoError(t, os.WriteFile(path, []byte("min_pool_size: 10\nmax_pool_size: 2\n"), 0o600))

	_, err := Load(path)
	require.Error(t, err)
}
