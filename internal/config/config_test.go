package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.HTTP.Addr)
	assert.Equal(t, "flowmill.db", cfg.Database.Path)
	assert.Equal(t, time.Second, cfg.Dispatch.Interval())
	assert.Equal(t, 16, cfg.Queue.DefaultSiteMaxConcurrency)
	assert.Equal(t, 60, cfg.Agent.LeaseSeconds)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := `
app:
  name: flowmill
  environment: production
http:
  addr: ":9090"
database:
  path: /var/lib/flowmill/flowmill.db
dispatch:
  interval_seconds: 5
  expire_interval_seconds: 30
queue:
  default_site_max_concurrency: 4
  site_max_concurrency:
    1: 2
agent:
  enabled: true
  site_id: 1
  lease_seconds: 120
logging:
  level: debug
  format: json
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "production", cfg.App.Environment)
	assert.Equal(t, ":9090", cfg.HTTP.Addr)
	assert.Equal(t, "/var/lib/flowmill/flowmill.db", cfg.Database.Path)
	assert.Equal(t, 5*time.Second, cfg.Dispatch.Interval())
	assert.Equal(t, 30*time.Second, cfg.Dispatch.ExpireInterval())
	assert.Equal(t, 4, cfg.Queue.DefaultSiteMaxConcurrency)
	assert.Equal(t, 2, cfg.Queue.SiteMaxConcurrency[1])
	assert.Equal(t, int64(1), cfg.Agent.SiteID)
	assert.Equal(t, 120, cfg.Agent.LeaseSeconds)
	assert.Equal(t, "json", cfg.Logging.Format)

	// Unset fields fall back to defaults.
	assert.Equal(t, 8, cfg.Agent.Concurrency)
}

func TestLoadBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("http: [not a map"), 0o644))

	_, err := Load(path)
	require.Error(t, err)
}
