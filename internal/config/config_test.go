package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 8100, cfg.Server.Port)
	assert.Empty(t, cfg.Database.DSN)
	assert.Equal(t, 5*time.Second, cfg.Engine.WatchdogIntervalDuration())
	assert.Equal(t, 720*time.Hour, cfg.Engine.DefaultRetentionDuration())
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 8100, cfg.Server.Port)
}

func TestLoadYAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  host: 127.0.0.1
  port: 9000
database:
  dsn: postgres://localhost/conductor
engine:
  watchdog_interval: 30s
  default_retention: 168h
notify:
  audit_url: http://audit:8080
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, "postgres://localhost/conductor", cfg.Database.DSN)
	assert.Equal(t, 30*time.Second, cfg.Engine.WatchdogIntervalDuration())
	assert.Equal(t, 168*time.Hour, cfg.Engine.DefaultRetentionDuration())
	assert.Equal(t, "http://audit:8080", cfg.Notify.AuditURL)
}

func TestLoadBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server: ["), 0o600))
	_, err := Load(path)
	assert.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("APP_SERVER_HOST", "10.0.0.1")
	t.Setenv("APP_SERVER_PORT", "8200")
	t.Setenv("APP_DATABASE_DSN", "postgres://db/conductor")
	t.Setenv("APP_ENGINE_WATCHDOG_INTERVAL", "1m")
	t.Setenv("APP_NOTIFY_AUDIT_URL", "http://audit:9999")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1", cfg.Server.Host)
	assert.Equal(t, 8200, cfg.Server.Port)
	assert.Equal(t, "postgres://db/conductor", cfg.Database.DSN)
	assert.Equal(t, time.Minute, cfg.Engine.WatchdogIntervalDuration())
	assert.Equal(t, "http://audit:9999", cfg.Notify.AuditURL)
}

func TestEnvPortIgnoredWhenNotNumeric(t *testing.T) {
	t.Setenv("APP_SERVER_PORT", "not-a-port")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 8100, cfg.Server.Port)
}

func TestDurationFallbacks(t *testing.T) {
	ec := EngineConfig{WatchdogInterval: "garbage", DefaultRetention: "-1h"}
	assert.Equal(t, 5*time.Second, ec.WatchdogIntervalDuration())
	assert.Equal(t, 720*time.Hour, ec.DefaultRetentionDuration())
}
