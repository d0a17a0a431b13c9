package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.NotEmpty(t, cfg.StateDir)
	assert.Equal(t, "socket", cfg.ServerMode)
	assert.Equal(t, "auto", cfg.Transport)
	assert.Equal(t, 90_000, cfg.TimeoutMs)
	assert.False(t, cfg.ResetOnTimeout)
	assert.Equal(t, "default", cfg.AuthHookExport)
	assert.Equal(t, 60_000, cfg.Lease.TTLMs)
	assert.Equal(t, 5_000, cfg.Lease.MinTTLMs)
	assert.Equal(t, 600_000, cfg.Lease.MaxTTLMs)
	assert.Equal(t, int64(5*1024*1024), cfg.AppLog.MaxBytes)
	assert.Equal(t, 3, cfg.AppLog.MaxFiles)
	assert.Equal(t, 50, cfg.BatchMaxSteps)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("AGENT_DEVICE_STATE_DIR", "/tmp/custom-state")
	t.Setenv("AGENT_DEVICE_DAEMON_SERVER_MODE", "dual")
	t.Setenv("AGENT_DEVICE_DAEMON_TRANSPORT", "http")
	t.Setenv("AGENT_DEVICE_DAEMON_TIMEOUT_MS", "120000")
	t.Setenv("AGENT_DEVICE_RESET_ON_TIMEOUT", "1")
	t.Setenv("AGENT_DEVICE_HTTP_AUTH_HOOK", "/usr/local/bin/hook")
	t.Setenv("AGENT_DEVICE_HTTP_AUTH_EXPORT", "ci")
	t.Setenv("AGENT_DEVICE_MAX_SIMULATOR_LEASES", "4")
	t.Setenv("AGENT_DEVICE_LEASE_TTL_MS", "30000")
	t.Setenv("AGENT_DEVICE_APP_LOG_MAX_BYTES", "1048576")
	t.Setenv("AGENT_DEVICE_APP_EVENT_URL_TEMPLATE", "myapp://event/{event}?payload={payload}")

	cfg := Default()
	applyEnvOverrides(cfg)

	assert.Equal(t, "/tmp/custom-state", cfg.StateDir)
	assert.Equal(t, "dual", cfg.ServerMode)
	assert.Equal(t, "http", cfg.Transport)
	assert.Equal(t, 120_000, cfg.TimeoutMs)
	assert.True(t, cfg.ResetOnTimeout)
	assert.Equal(t, "/usr/local/bin/hook", cfg.AuthHookPath)
	assert.Equal(t, "ci", cfg.AuthHookExport)
	assert.Equal(t, 4, cfg.Lease.MaxSimulatorLeases)
	assert.Equal(t, 30_000, cfg.Lease.TTLMs)
	assert.Equal(t, int64(1048576), cfg.AppLog.MaxBytes)
	assert.Equal(t, "myapp://event/{event}?payload={payload}", cfg.EventURLTemplate)
}

func TestEnvOverridesIgnoreMalformedNumbers(t *testing.T) {
	t.Setenv("AGENT_DEVICE_DAEMON_TIMEOUT_MS", "not-a-number")

	cfg := Default()
	applyEnvOverrides(cfg)
	assert.Equal(t, 90_000, cfg.TimeoutMs)
}

func TestEventTemplate(t *testing.T) {
	t.Run("platform-specific template wins", func(t *testing.T) {
		cfg := &Config{
			EventURLTemplate:    "generic://{event}",
			EventURLTemplateIOS: "ios://{event}",
		}
		assert.Equal(t, "ios://{event}", cfg.EventTemplate("ios"))
		assert.Equal(t, "generic://{event}", cfg.EventTemplate("android"))
	})

	t.Run("generic is the fallback", func(t *testing.T) {
		cfg := &Config{EventURLTemplate: "generic://{event}"}
		assert.Equal(t, "generic://{event}", cfg.EventTemplate("ios"))
		assert.Equal(t, "generic://{event}", cfg.EventTemplate(""))
	})
}
