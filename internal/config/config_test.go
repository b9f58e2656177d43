package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_DefaultsRequireAuthURL(t *testing.T) {
	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "certview.auth_url is required")
}

func TestLoad_ValidFileLoadsDefaultsAndOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := `
certview:
  auth_url: "https://gateway.example.com/auth"
  base_url: "https://gateway.example.com"
sync:
  interval: monthly
storage:
  backend: sqlite
  sqlite_path: "/tmp/certview-test.db"
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "https://gateway.example.com/auth", cfg.CertView.AuthURL)
	assert.Equal(t, "/certview/v2/certificates/list", cfg.CertView.ListEndpoint) // default, untouched
	assert.Equal(t, "monthly", cfg.Sync.Interval)
	assert.Equal(t, 50, cfg.CertView.PageSize)
	assert.Equal(t, 60*time.Second, cfg.CertView.Timeout)
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, "/metrics", cfg.Metrics.Path)
}

func TestLoad_MissingFileFallsBackToDefaults(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.Error(t, err) // still fails Validate() for the missing auth_url, not for the missing file
	assert.Contains(t, err.Error(), "auth_url")
}

func TestLoad_EnvOverridesFileAndDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := `
certview:
  auth_url: "https://gateway.example.com/auth"
sync:
  interval: yearly
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	t.Setenv("SYNC_INTERVAL", "daily")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "daily", cfg.Sync.Interval)
}

func TestValidate_RejectsUnknownBackend(t *testing.T) {
	cfg := Config{
		Storage:  StorageConfig{Backend: "mongo"},
		CertView: CertViewConfig{AuthURL: "x", PageSize: 1},
		Sync:     SyncConfig{Interval: "daily"},
	}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid storage.backend")
}

func TestValidate_RejectsMissingSQLitePath(t *testing.T) {
	cfg := Config{
		Storage:  StorageConfig{Backend: StorageBackendSQLite, SQLitePath: ""},
		CertView: CertViewConfig{AuthURL: "x", PageSize: 1},
		Sync:     SyncConfig{Interval: "daily"},
	}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "storage.sqlite_path")
}

func TestValidate_RejectsMissingPostgresURL(t *testing.T) {
	cfg := Config{
		Storage:  StorageConfig{Backend: StorageBackendPostgres},
		CertView: CertViewConfig{AuthURL: "x", PageSize: 1},
		Sync:     SyncConfig{Interval: "daily"},
	}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database.url")
}

func TestValidate_RejectsInvalidInterval(t *testing.T) {
	cfg := Config{
		Storage:  StorageConfig{Backend: StorageBackendSQLite, SQLitePath: "x.db"},
		CertView: CertViewConfig{AuthURL: "x", PageSize: 1},
		Sync:     SyncConfig{Interval: "weekly"},
	}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid sync.interval")
}

func TestValidate_RejectsNonPositivePageSize(t *testing.T) {
	cfg := Config{
		Storage:  StorageConfig{Backend: StorageBackendSQLite, SQLitePath: "x.db"},
		CertView: CertViewConfig{AuthURL: "x", PageSize: 0},
		Sync:     SyncConfig{Interval: "daily"},
	}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "page_size must be positive")
}
